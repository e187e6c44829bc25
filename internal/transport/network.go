package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// NetworkMonitor reports host connectivity transitions.
type NetworkMonitor interface {
	// Online reports the last known connectivity.
	Online() bool
	// Watch emits true on offline->online and false on online->offline
	// until ctx is done.
	Watch(ctx context.Context) <-chan bool
}

// AlwaysOnline is a NetworkMonitor that never reports a transition.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

func (AlwaysOnline) Watch(ctx context.Context) <-chan bool { return nil }

// ProbeMonitor infers connectivity by opening a TCP connection to the
// chat server on an interval.
type ProbeMonitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	online   atomic.Bool

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProbeMonitor probes the host of wsURL. Ports default to 443 for wss
// and 80 for ws.
func NewProbeMonitor(wsURL string, interval time.Duration, logger *slog.Logger) (*ProbeMonitor, error) {
	addr, err := probeAddr(wsURL)
	if err != nil {
		return nil, err
	}

	d := &net.Dialer{}
	m := &ProbeMonitor{
		addr:     addr,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
		dial:     d.DialContext,
	}
	m.online.Store(true)

	return m, nil
}

func probeAddr(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing websocket url: %w", err)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("websocket url %q has no host", wsURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss":
			port = "443"
		case "ws":
			port = "80"
		default:
			return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
		}
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}

func (m *ProbeMonitor) Online() bool {
	return m.online.Load()
}

func (m *ProbeMonitor) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			up := m.probe(ctx)
			if up == m.online.Load() {
				continue
			}

			m.online.Store(up)
			m.logger.Info("network connectivity changed", slog.Bool("online", up))

			select {
			case ch <- up:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.logger.Debug("network probe failed", slog.String("addr", m.addr), slog.String("error", err.Error()))
		return false
	}

	conn.Close()

	return true
}
