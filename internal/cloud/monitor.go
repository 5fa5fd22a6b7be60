package cloud

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor reports whether the cloud host is reachable. Results are cached
// for the probe interval.
type Monitor struct {
	addr     string
	interval time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *zap.Logger

	mu      sync.Mutex
	online  bool
	checked time.Time
}

func NewMonitor(baseURL string, interval time.Duration, logger *zap.Logger) *Monitor {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	return &Monitor{
		addr:     hostPort(baseURL),
		interval: interval,
		dial:     dialer.DialContext,
		logger:   logger,
	}
}

// Online probes the cloud host unless a recent result is cached.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checked.IsZero() && time.Since(m.checked) < m.interval {
		return m.online
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.addr)
	online := err == nil
	if conn != nil {
		conn.Close()
	}

	if online != m.online || m.checked.IsZero() {
		if online {
			m.logger.Info("Cloud reachable", zap.String("addr", m.addr))
		} else {
			m.logger.Warn("Cloud unreachable", zap.String("addr", m.addr), zap.Error(err))
		}
	}
	m.online = online
	m.checked = time.Now()
	return online
}

// Invalidate forces the next Online call to probe.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.checked = time.Time{}
	m.mu.Unlock()
}

func hostPort(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return net.JoinHostPort(u.Hostname(), "443")
}
