package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"campusport.org/internal/notification"
	"campusport.org/internal/obs"
	"campusport.org/internal/session"
)

// State describes the live channel lifecycle.
type State int

const (
	// StateAbsent means no token is present and no connection exists.
	StateAbsent State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the channel is live.
	StateConnected
	// StateDisconnected is a transient drop; reconnection is in progress.
	StateDisconnected
	// StateFailed means the retry limit is exhausted. The channel stays
	// down until the token is re-evaluated.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RetryPolicy bounds automatic reconnection.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy matches the portal UI defaults.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: 3 * time.Second}

// ErrNoChannel indicates an emit without any channel keyed to a token.
var ErrNoChannel = errors.New("no live channel")

// outbox is bounded; the oldest pending emit is dropped on overflow.
const maxOutbox = 64

// Manager owns the lifecycle of the live channel. Its existence is a pure
// function of the current token: at most one connection is live at any time,
// and a token change fully tears down the old connection before a new dial.
type Manager struct {
	mu     sync.Mutex
	dialer Dialer
	policy RetryPolicy

	token  string
	state  State
	conn   Conn
	gen    int
	cancel context.CancelFunc

	outbox []Event
	unread int

	notifyFns []func(notification.Notification)
	unreadFns []func(int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the reconnection policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		if p.MaxAttempts > 0 {
			m.policy.MaxAttempts = p.MaxAttempts
		}
		if p.Delay > 0 {
			m.policy.Delay = p.Delay
		}
	}
}

// NewManager creates a manager in the absent state.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{dialer: dialer, policy: DefaultRetryPolicy, unread: -1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FollowStore keys the channel lifecycle to the store's token, now and on
// every future session mutation.
func (m *Manager) FollowStore(store *session.Store) {
	store.Watch(func(snap session.Snapshot) {
		m.SetToken(snap.Token)
	})
	m.SetToken(store.Snapshot().Token)
}

// SetToken re-evaluates the channel against the given token. An unchanged
// token is a no-op unless the manager previously exhausted its retries, in
// which case re-evaluation re-arms the dial.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	if token == m.token && m.state != StateFailed {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.token = token
	if token == "" {
		m.state = StateAbsent
		m.unread = -1
		m.mu.Unlock()
		obs.SetChannelConnected(false)
		obs.LogEvent("channel_absent", nil)
		return
	}
	m.state = StateConnecting
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(ctx, gen, token)
}

// Close tears the channel down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.token = ""
	m.state = StateAbsent
	m.unread = -1
	m.mu.Unlock()
	obs.SetChannelConnected(false)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the channel is currently live. Connection
// problems surface here, never as errors thrown at callers.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// UnreadHint returns the last server-pushed unread count, or -1 when
// unknown (never received, or reset by teardown).
func (m *Manager) UnreadHint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// OnNotification registers a handler for live-pushed notifications.
// Handlers run on the channel's read loop, in server push order.
func (m *Manager) OnNotification(fn func(notification.Notification)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.notifyFns = append(m.notifyFns, fn)
	m.mu.Unlock()
}

// OnUnreadCount registers a handler for server-pushed unread counts.
func (m *Manager) OnUnreadCount(fn func(int)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.unreadFns = append(m.unreadFns, fn)
	m.mu.Unlock()
}

// Emit sends an event over the channel. Before the connection is ready the
// event is buffered and flushed on connect. Emitting with no token at all
// returns ErrNoChannel.
func (m *Manager) Emit(ev Event) error {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return ErrNoChannel
	}
	if m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn.Emit(ev)
	}
	if len(m.outbox) >= maxOutbox {
		m.outbox = m.outbox[1:]
	}
	m.outbox = append(m.outbox, ev)
	m.mu.Unlock()
	return nil
}

// MarkAllRead emits the mark-all-read intent. Fire-and-forget: the server
// confirms by pushing a fresh unread count.
func (m *Manager) MarkAllRead() error {
	return m.Emit(Event{Name: EventMarkAllRead})
}

// teardownLocked invalidates the running connection goroutine and closes
// the live connection, if any. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.outbox = nil
}

// run dials and consumes the channel for one token generation. It exits
// when the generation is invalidated or the retry limit is reached.
func (m *Manager) run(ctx context.Context, gen int, token string) {
	attempts := 0
	for {
		conn, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			obs.LogEvent("channel_connect_error", map[string]any{
				"error":   err.Error(),
				"attempt": attempts,
			})
			if !m.transition(gen, StateDisconnected) {
				return
			}
			if attempts >= m.policy.MaxAttempts {
				m.transition(gen, StateFailed)
				obs.LogEvent("channel_retries_exhausted", map[string]any{"attempts": attempts})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.policy.Delay):
			}
			continue
		}

		if !m.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		attempts = 0
		obs.SetChannelConnected(true)
		obs.LogEvent("channel_connected", nil)

		for ev := range conn.Events() {
			m.dispatch(ev)
		}

		obs.SetChannelConnected(false)
		if !m.detach(gen) {
			return
		}
		obs.IncChannelDisconnect()
		obs.LogEvent("channel_disconnected", nil)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.policy.Delay):
		}
	}
}

// attach installs a freshly dialed connection and flushes buffered emits.
// Returns false when the generation was invalidated during the dial.
func (m *Manager) attach(gen int, conn Conn) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	pending := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	for _, ev := range pending {
		if err := conn.Emit(ev); err != nil {
			obs.LogEvent("channel_emit_failed", map[string]any{
				"event": ev.Name,
				"error": err.Error(),
			})
		}
	}
	return true
}

// detach records a dropped connection. Returns false when the drop was
// caused by teardown rather than the network.
func (m *Manager) detach(gen int) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	return true
}

// transition moves to state if the generation is still current.
func (m *Manager) transition(gen int, state State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.state = state
	m.mu.Unlock()
	return true
}

func (m *Manager) dispatch(ev Event) {
	switch ev.Name {
	case EventNotification:
		var n notification.Notification
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			obs.LogEvent("channel_bad_payload", map[string]any{
				"event": ev.Name,
				"error": err.Error(),
			})
			return
		}
		obs.IncPushReceived()
		m.mu.Lock()
		fns := make([]func(notification.Notification), len(m.notifyFns))
		copy(fns, m.notifyFns)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(n)
		}
	case EventUnreadCount:
		var count int
		if err := json.Unmarshal(ev.Data, &count); err != nil {
			obs.LogEvent("channel_bad_payload", map[string]any{
				"event": ev.Name,
				"error": err.Error(),
			})
			return
		}
		m.mu.Lock()
		m.unread = count
		fns := make([]func(int), len(m.unreadFns))
		copy(fns, m.unreadFns)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(count)
		}
	default:
		// Unknown events are ignored; the protocol grows server-side first.
	}
}
