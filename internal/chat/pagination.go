package chat

import (
	"fmt"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Page is the displayed window over the session collection.
type Page struct {
	Items    []models.Session
	Total    int
	Number   int
	PageSize int
}

// TotalPages returns the number of pages, at least one.
func (p Page) TotalPages() int {
	if p.PageSize <= 0 || p.Total <= 0 {
		return 1
	}

	return (p.Total + p.PageSize - 1) / p.PageSize
}

// Paginated reports whether the collection spans more than one page.
func (p Page) Paginated() bool {
	return p.Total > p.PageSize
}

// ExpectedLen returns how many items the current page should hold: a
// full page, or the remainder on the last page.
func (p Page) ExpectedLen() int {
	if p.Number < p.TotalPages() {
		return p.PageSize
	}

	return max(min(p.PageSize, p.Total-(p.Number-1)*p.PageSize), 0)
}

func (p Page) index(id string) int {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return i
		}
	}

	return -1
}

// PageReport is the result of a consistency check.
type PageReport struct {
	Issues     []string
	TotalPages int
	Expected   int
	Actual     int

	// ResetToFirst is set when the current page lies beyond the last
	// valid page.
	ResetToFirst bool
}

// OK reports whether no issue was found.
func (r PageReport) OK() bool {
	return len(r.Issues) == 0
}

// CheckPage compares a page against what the server would return for
// the same page number given the current total.
func CheckPage(p Page) PageReport {
	totalPages := p.TotalPages()
	actual := len(p.Items)

	r := PageReport{
		TotalPages: totalPages,
		Expected:   p.ExpectedLen(),
		Actual:     actual,
	}

	if actual > p.PageSize {
		r.Issues = append(r.Issues, fmt.Sprintf("page holds %d items, more than page size %d", actual, p.PageSize))
	}

	if p.Total > 0 && actual == 0 && p.Number <= totalPages {
		r.Issues = append(r.Issues, fmt.Sprintf("page %d is empty but total is %d", p.Number, p.Total))
	}

	if p.Number > totalPages && p.Total > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("page %d is beyond last page %d", p.Number, totalPages))
		r.ResetToFirst = true
	}

	if p.Number == totalPages && p.Total > 0 {
		want := p.Total % p.PageSize
		if want == 0 {
			want = p.PageSize
		}

		if actual != want {
			r.Issues = append(r.Issues, fmt.Sprintf("last page holds %d items, expected %d", actual, want))
		}
	}

	return r
}
