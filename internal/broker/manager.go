// Package broker owns the single broker connection shared by the
// publisher and the consumer.
//
// The bridge uses Redis Streams as its broker: each queue is a stream
// with a consumer group, ack is XACK, redelivery is the pending-entries
// list, the per-message delivery count comes from XPENDING, and
// dead-lettering is an XADD onto a dlx-prefixed stream.
//
// The Manager is an explicit state machine:
//
//	Disconnected → Connecting → Connected → (broker failure) → Reconnecting → Connecting → ...
//
// ShuttingDown is terminal and entered only by Close(). Unavailable is
// entered when the reconnect budget is exhausted; the owner decides
// whether to keep running degraded or exit.
package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the connection lifecycle state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateUnavailable  State = "unavailable"
	StateShuttingDown State = "shutting_down"
)

// ErrNotConnected is returned by operations that require a live
// connection while the manager is in any other state.
var ErrNotConnected = fmt.Errorf("broker: not connected")

// ErrShuttingDown is returned once Close has been called.
var ErrShuttingDown = fmt.Errorf("broker: shutting down")

// QueueSpec declares one queue (stream + consumer group) the manager
// asserts on connect.
type QueueSpec struct {
	// Stream is the Redis stream name.
	Stream string

	// Group is the consumer group to create on the stream.
	Group string

	// TTL is the retention window; entries older than TTL are trimmed
	// by the broker on publish (age-based MINID trimming).
	TTL time.Duration

	// DeadLetter is the stream messages are moved to after exhausting
	// their retry budget.
	DeadLetter string
}

// Config holds configuration for the Manager.
type Config struct {
	// URL is the broker connection URL (redis://host:port). Required.
	URL string

	// Password is the broker password (optional).
	Password string

	// Queues are asserted on every successful connect.
	Queues []QueueSpec

	// BaseDelay is the linear backoff unit: attempt n waits n×BaseDelay
	// before reconnecting (default 5s).
	BaseDelay time.Duration

	// MaxAttempts caps consecutive reconnect attempts before the manager
	// gives up and reports Unavailable (default 10).
	MaxAttempts int

	// PingInterval is how often the watcher probes the connection
	// (default 15s).
	PingInterval time.Duration

	// LogFn is an optional callback for logging (if nil, prints to stdout).
	LogFn func(level, msg string)
}

// Manager maintains one live connection to the broker and recovers
// automatically from failure.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	client       *redis.Client
	state        State
	reconnecting bool

	closed    chan struct{}
	closeOnce sync.Once
	watchOnce sync.Once
}

// NewManager creates a Manager. No connection is made until Connect.
func NewManager(cfg Config) *Manager {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		state:  StateDisconnected,
		closed: make(chan struct{}),
	}
}

// MaskURL masks the password in a broker URL for safe logging.
func MaskURL(brokerURL string) string {
	u, err := url.Parse(brokerURL)
	if err != nil {
		if strings.HasPrefix(brokerURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (m *Manager) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if m.cfg.LogFn != nil {
		m.cfg.LogFn(level, msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Client returns the broker client, or nil when not connected.
func (m *Manager) Client() *redis.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.client
}

// Connect opens the connection, asserts the declared queues, and starts
// the failure watcher. Returns an error if the initial attempt fails;
// the caller decides whether to retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateShuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.state = StateConnecting
	m.mu.Unlock()

	client, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.state == StateShuttingDown {
		m.mu.Unlock()
		client.Close()
		return ErrShuttingDown
	}
	old := m.client
	m.client = client
	m.state = StateConnected
	m.mu.Unlock()
	if old != nil && old != client {
		old.Close()
	}

	m.log("info", "Connected to broker %s", MaskURL(m.cfg.URL))
	m.watchOnce.Do(func() { go m.watch() })
	return nil
}

// dial opens a client, verifies it, and asserts all declared queues.
func (m *Manager) dial(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}
	if m.cfg.Password != "" {
		opts.Password = m.cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	for _, q := range m.cfg.Queues {
		if err := ensureGroup(ctx, client, q); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// ensureGroup creates the stream and consumer group if missing.
func ensureGroup(ctx context.Context, client *redis.Client, q QueueSpec) error {
	if q.Group == "" {
		return nil
	}
	err := client.XGroupCreateMkStream(ctx, q.Stream, q.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", q.Group, q.Stream, err)
	}
	return nil
}

// watch probes the connection on an interval and kicks off the
// reconnect loop when a probe fails outside of shutdown.
func (m *Manager) watch() {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		client := m.client
		connected := m.state == StateConnected
		m.mu.Unlock()
		if !connected || client == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingInterval)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			continue
		}

		m.log("warning", "Broker connection lost: %v", err)
		m.triggerReconnect()
	}
}

// triggerReconnect starts the reconnect loop unless one is already
// pending or the manager is shutting down. At most one loop runs at a
// time; a trigger while one is pending is a no-op.
func (m *Manager) triggerReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.state == StateShuttingDown {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.state = StateReconnecting
	m.mu.Unlock()

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		delay := time.Duration(attempt) * m.cfg.BaseDelay
		m.log("info", "Reconnect attempt %d/%d in %v", attempt, m.cfg.MaxAttempts, delay)

		select {
		case <-m.closed:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.state == StateShuttingDown {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := m.dial(ctx)
		cancel()
		if err != nil {
			m.log("warning", "Reconnect attempt %d failed: %v", attempt, err)
			m.mu.Lock()
			if m.state == StateShuttingDown {
				m.mu.Unlock()
				return
			}
			m.state = StateReconnecting
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		if m.state == StateShuttingDown {
			m.mu.Unlock()
			client.Close()
			return
		}
		old := m.client
		m.client = client
		m.state = StateConnected
		m.mu.Unlock()
		if old != nil && old != client {
			old.Close()
		}
		m.log("info", "Reconnected to broker")
		return
	}

	m.mu.Lock()
	if m.state != StateShuttingDown {
		m.state = StateUnavailable
	}
	m.mu.Unlock()
	m.log("error", "Broker unavailable after %d reconnect attempts", m.cfg.MaxAttempts)
}

// Close enters ShuttingDown, suppresses further reconnects, and closes
// the connection. Safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		m.state = StateShuttingDown
		client := m.client
		m.client = nil
		m.mu.Unlock()
		if client != nil {
			err = client.Close()
		}
	})
	return err
}
