// Package api is the HTTP client for the chat REST endpoints. It carries
// message sends while the websocket is unavailable and loads history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout applies when no custom client is provided.
	httpClientTimeout = 15 * time.Second

	// maxAPIResponseBytes caps response body reads. History responses
	// are the largest.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// DefaultHistoryLimit is the number of recent messages loaded for a
	// session.
	DefaultHistoryLimit = 50
)

// Client talks to the chat REST API on behalf of one identity.
type Client struct {
	httpClient *http.Client
	baseURL    string
	role       models.Role
	identity   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the identity in the body never
// reaches another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for baseURL. The identity is the user token
// for end users and the agent account for support agents. If httpClient
// is nil, a client with a timeout and same-host redirect policy is used.
func NewClient(httpClient *http.Client, baseURL string, role models.Role, identity string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		role:       role,
		identity:   identity,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// post sends a JSON POST request and returns the payload of the
// response envelope: the "data" field when present, otherwise the whole
// body. A non-zero "code" is an application error.
func (c *Client) post(ctx context.Context, endpoint string, body any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return gjson.Result{}, &TransientError{Err: fmt.Errorf("%w: %s: %w", chaterrors.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %s returned status %d: %s", chaterrors.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return gjson.Result{}, &TransientError{Err: err}
		}

		return gjson.Result{}, err
	}

	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("%w: %s returned malformed JSON: %s", chaterrors.ErrAPIResponse, endpoint, sanitizeResponseBody(respBody))
	}

	env := gjson.ParseBytes(respBody)

	if code := env.Get("code"); code.Exists() && code.Int() != 0 {
		msg := env.Get("msg").String()
		if msg == "" {
			msg = env.Get("message").String()
		}

		if msg == "" {
			msg = "request failed"
		}

		return gjson.Result{}, fmt.Errorf("%w: %s (code %d): %s", chaterrors.ErrAPIResponse, endpoint, code.Int(), msg)
	}

	if data := env.Get("data"); data.Exists() && data.IsObject() {
		return data, nil
	}

	return env, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

type sendRequest struct {
	Token       string `json:"token,omitempty"`
	Account     string `json:"cs_account,omitempty"`
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type historyRequest struct {
	Token     string      `json:"token,omitempty"`
	Account   string      `json:"cs_account,omitempty"`
	SessionID string      `json:"session_id"`
	Limit     int         `json:"limit"`
	UserType  models.Role `json:"user_type,omitempty"`
}

// SendMessage posts a message outside the websocket.
func (c *Client) SendMessage(ctx context.Context, sessionID, content, contentType string) error {
	req := sendRequest{
		SessionID:   sessionID,
		Content:     content,
		ContentType: contentType,
	}

	endpoint := "/api/chat/send_message"
	if c.role == models.RoleSupportAgent {
		endpoint = "/api/cs/send_message"
		req.Account = c.identity
	} else {
		req.Token = c.identity
	}

	if _, err := c.post(ctx, endpoint, req); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

// Deliver sends a queued message. It satisfies queue.Deliverer.
func (c *Client) Deliver(ctx context.Context, m models.PendingMessage) error {
	return c.SendMessage(ctx, m.SessionID, m.Content, m.ContentType)
}

// History returns up to limit recent messages of a session. Messages
// without a session id are attributed to the requested session.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	req := historyRequest{SessionID: sessionID, Limit: limit}

	endpoint := "/api/chat/get_history"
	if c.role == models.RoleSupportAgent {
		endpoint = "/api/cs/get_chat_history"
		req.Account = c.identity
	} else {
		req.Token = c.identity
		req.UserType = models.RoleEndUser
	}

	data, err := c.post(ctx, endpoint, req)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	var msgs []models.Message

	if raw := data.Get("messages"); raw.IsArray() {
		if err := json.Unmarshal([]byte(raw.Raw), &msgs); err != nil {
			return nil, fmt.Errorf("%w: decoding history: %w", chaterrors.ErrAPIResponse, err)
		}
	}

	for i := range msgs {
		if msgs[i].SessionID == "" {
			msgs[i].SessionID = sessionID
		}
	}

	return msgs, nil
}
