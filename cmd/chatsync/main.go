package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/correlator"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/queue"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/alexjbarnes/chatsync/internal/transport"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle the queue subcommand without connecting.
	if len(os.Args) > 1 && os.Args[1] == "queue" {
		if err := runQueue(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runQueue prints, or with "clear" drops, the persisted undelivered
// messages of the configured identity. "slots" lists every identity's
// slot with its item count.
func runQueue(args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	slot := state.QueueSlot(cfg.RoleValue(), cfg.Token)

	if len(args) > 0 && args[0] == "slots" {
		return printSlots(out, appState, slot)
	}

	if len(args) > 0 && args[0] == "clear" {
		if err := appState.ClearQueue(slot); err != nil {
			return fmt.Errorf("clearing queue: %w", err)
		}

		fmt.Fprintln(out, "queue cleared")

		return nil
	}

	items, err := appState.LoadQueue(slot)
	if err != nil {
		return fmt.Errorf("reading queue: %w", err)
	}

	return printQueue(out, items)
}

func printQueue(out io.Writer, items []models.PendingMessage) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "queue is empty")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tSTATUS\tRETRIES\tCREATED\tCONTENT\tLAST ERROR")

	for _, m := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			m.ID, m.SessionID, m.Status, m.RetryCount,
			m.CreatedAt.Format("2006-01-02 15:04:05"), preview(m.Content, 40), m.LastError)
	}

	return w.Flush()
}

type slotReader interface {
	QueueSlots() ([]string, error)
	LoadQueue(slot string) ([]models.PendingMessage, error)
}

// printSlots lists the stored queue slots, marking the one of the
// configured identity.
func printSlots(out io.Writer, st slotReader, own string) error {
	slots, err := st.QueueSlots()
	if err != nil {
		return fmt.Errorf("listing queue slots: %w", err)
	}

	if len(slots) == 0 {
		_, err := fmt.Fprintln(out, "no queued messages")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tITEMS\t")

	for _, slot := range slots {
		items, err := st.LoadQueue(slot)
		if err != nil {
			return err
		}

		mark := ""
		if slot == own {
			mark = "(current identity)"
		}

		fmt.Fprintf(w, "%s\t%d\t%s\n", slot, len(items), mark)
	}

	return w.Flush()
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")

	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-1]) + "…"
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("role", cfg.Role),
		slog.String("ws_url", cfg.WSURL),
		slog.Bool("fallback", cfg.APIURL != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	role := cfg.RoleValue()

	var monitor transport.NetworkMonitor = transport.AlwaysOnline{}

	if cfg.NetworkProbeInterval > 0 {
		probe, err := transport.NewProbeMonitor(cfg.WSURL, cfg.NetworkProbeInterval, logging.Component(logger, "network"))
		if err != nil {
			return fmt.Errorf("creating network monitor: %w", err)
		}

		monitor = probe
	}

	tr := transport.New(transport.Config{
		URL:               cfg.WSURL,
		Token:             cfg.Token,
		Role:              role,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		Backoff: transport.Backoff{
			Base:            cfg.ReconnectBaseDelay,
			Max:             cfg.ReconnectMaxDelay,
			ClientErrorStep: cfg.ReconnectClientErrorStep,
			ClientErrorMax:  cfg.ReconnectClientErrorMax,
		},
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Cooldown:    cfg.ReconnectCooldown,
		Monitor:     monitor,
	}, nil, logging.Component(logger, "transport"))

	corr := correlator.New(tr, cfg.RequestTimeout, logging.Component(logger, "correlator"))

	var (
		fallback queue.Deliverer
		history  chat.HistorySource
	)

	if cfg.APIURL != "" {
		client := api.NewClient(nil, cfg.APIURL, role, cfg.Token)
		fallback = client
		history = client
	}

	socket := chat.NewSocketDeliverer(tr, corr)

	q, err := queue.New(queue.Config{
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: cfg.QueueRetryDelay,
		Retention:  cfg.QueueRetention,
	}, socket, fallback, appState, state.QueueSlot(role, cfg.Token), logging.Component(logger, "queue"))
	if err != nil {
		return fmt.Errorf("restoring message queue: %w", err)
	}

	store := chat.New(chat.Deps{
		Conn:            tr,
		Requester:       corr,
		Outbox:          q,
		Sends:           socket,
		History:         history,
		Logger:          logging.Component(logger, "store"),
		Role:            role,
		Identity:        cfg.Token,
		PageSize:        cfg.PageSize,
		OpenTimeout:     cfg.InitOpenTimeout,
		LoadTimeout:     cfg.InitLoadTimeout,
		SessionsTimeout: cfg.SessionsRequestTimeout,
	})
	tr.SetHandler(corr.Wrap(store.HandleEvent))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return store.Run(gctx) })
	g.Go(func() error { return watch(gctx, store, os.Stdout, logger) })
	g.Go(func() error { return session(gctx, cfg, store, logger) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("chatsync stopped")
		return nil
	}

	return err
}

// session initializes the store, opens the configured session and sends
// each line read from stdin.
func session(ctx context.Context, cfg *config.Config, store *chat.Store, logger *slog.Logger) error {
	if err := store.Initialize(ctx); err != nil {
		return err
	}

	snap := store.Snapshot()
	logger.Info("initialized",
		slog.String("user_id", snap.UserID),
		slog.Int("sessions", snap.Total),
		slog.Int("unread", snap.TotalUnread),
	)

	if stats := store.QueueStats(); stats.Total > 0 {
		logger.Info("resuming undelivered messages", slog.Int("pending", stats.Pending), slog.Int("failed", stats.Failed))
	}

	if cfg.SessionID == "" {
		logger.Info("CHAT_SESSION_ID not set, watching only")
		<-ctx.Done()

		return ctx.Err()
	}

	if err := store.SelectSession(ctx, cfg.SessionID); err != nil {
		logger.Warn("loading history failed", slog.String("error", err.Error()))
	}

	store.MarkSessionRead(cfg.SessionID)

	if err := store.ReportRead(ctx, cfg.SessionID); err != nil {
		logger.Debug("read acknowledgement failed", slog.String("error", err.Error()))
	}

	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				logger.Debug("stdin closed")
				lines = nil

				continue
			}

			handleLine(ctx, store, line, logger)
		}
	}
}

// handleLine sends a line as a message. Lines starting with a slash are
// commands.
func handleLine(ctx context.Context, store *chat.Store, line string, logger *slog.Logger) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if !strings.HasPrefix(line, "/") {
		if _, err := store.SendMessage(line, "text"); err != nil {
			logger.Error("send failed", slog.String("error", err.Error()))
		}

		return
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")

	var err error

	switch cmd {
	case "retry":
		logger.Info("retrying failed messages", slog.Int("count", store.RetryFailedMessages()))
	case "stats":
		s := store.QueueStats()
		logger.Info("queue",
			slog.Int("pending", s.Pending),
			slog.Int("sending", s.Sending),
			slog.Int("sent", s.Sent),
			slog.Int("failed", s.Failed),
		)
	case "next":
		err = store.NextPage(ctx)
	case "prev":
		err = store.PreviousPage(ctx)
	case "page":
		n, convErr := strconv.Atoi(arg)
		if convErr != nil {
			err = fmt.Errorf("page number %q: %w", arg, convErr)
			break
		}

		err = store.GoToPage(ctx, n)
	case "open":
		err = store.SelectSession(ctx, arg)
	case "unread":
		err = store.RefreshUnread(ctx)
	case "status":
		err = store.UpdatePresenceStatus(ctx, arg)
	case "end":
		snap := store.Snapshot()
		if snap.Current == nil {
			logger.Warn("no session open")
			return
		}

		err = store.EndSession(ctx, snap.Current.ID, arg)
	case "reconnect":
		store.Reconnect()
	default:
		logger.Warn("unknown command", slog.String("command", cmd))
	}

	if err != nil {
		logger.Error("command failed", slog.String("command", cmd), slog.String("error", err.Error()))
	}
}

// watch prints new messages of the open session and logs connection
// state changes until ctx is done.
func watch(ctx context.Context, store *chat.Store, out io.Writer, logger *slog.Logger) error {
	changes, cancel := store.Subscribe(8)
	defer cancel()

	var (
		lastState   chat.State
		lastStatus  string
		lastSession string
		printed     = make(map[string]models.MessageStatus)
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
		}

		snap := store.Snapshot()

		if snap.State != lastState || snap.StatusText != lastStatus {
			logger.Info("connection",
				slog.String("state", string(snap.State)),
				slog.String("status", snap.StatusText),
				slog.Int("unread", snap.TotalUnread),
			)

			lastState, lastStatus = snap.State, snap.StatusText
		}

		if snap.Current == nil {
			continue
		}

		if snap.Current.ID != lastSession {
			clear(printed)
			lastSession = snap.Current.ID
		}

		for _, m := range snap.Messages {
			prev, seen := printed[m.ID]

			switch {
			case !seen:
				fmt.Fprintf(out, "%s %s: %s\n", m.CreatedAt.Format("15:04:05"), sender(m), m.Content)
			case prev != m.Status && m.Status == models.StatusFailed:
				logger.Warn("message not delivered", slog.String("message_id", m.ID), slog.String("error", m.LastError))
			}

			printed[m.ID] = m.Status
		}
	}
}

func sender(m models.Message) string {
	if m.SenderID != "" {
		return m.SenderID
	}

	return string(m.SenderType)
}
