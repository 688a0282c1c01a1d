package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nexus-im/chatclient/internal/logging"
)

// State is the lifecycle state of the broker connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event reports a state transition. Explicit is set when the transition to
// Disconnected was requested through Disconnect rather than caused by the
// transport.
type Event struct {
	State    State
	Conn     Conn
	Explicit bool
	Err      error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(l).Named("connection") }
}

// WithRetry bounds each connect to attempts dials, spaced by exponential
// backoff starting at initial.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(m *Manager) {
		if attempts < 1 {
			attempts = 1
		}
		m.attempts = attempts
		if initial > 0 {
			m.initial = initial
		}
	}
}

// WithAutoReconnect controls whether a dropped connection is re-dialled while
// leases are held.
func WithAutoReconnect(on bool) Option {
	return func(m *Manager) { m.autoReconnect = on }
}

type attempt struct {
	done   chan struct{}
	cancel context.CancelFunc
	conn   Conn
	err    error
}

// Manager owns the single broker connection of the process.
type Manager struct {
	dialer        Dialer
	endpoint      string
	log           *zap.Logger
	attempts      int
	initial       time.Duration
	autoReconnect bool

	mu              sync.Mutex
	state           State
	conn            Conn
	pending         *attempt
	leases          int
	cancelReconnect context.CancelFunc
	watchers        map[int]func(Event)
	nextWatcher     int

	// serializes watcher callbacks
	notifyMu sync.Mutex
}

// NewManager creates a Manager for the broker at endpoint.
func NewManager(d Dialer, endpoint string, opts ...Option) *Manager {
	m := &Manager{
		dialer:        d,
		endpoint:      endpoint,
		log:           zap.NewNop(),
		attempts:      1,
		initial:       500 * time.Millisecond,
		autoReconnect: true,
		watchers:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the live connection, if any.
func (m *Manager) Current() (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn, m.state == Connected
}

// Watch registers fn for state transitions and returns a function that
// removes it. Callbacks run one at a time and must not call Connect or
// Disconnect synchronously.
func (m *Manager) Watch(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Connect returns the live connection, dialing if necessary. Concurrent
// callers share one dial.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	if m.state == Connected {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if a := m.pending; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.conn, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	dctx, cancel := context.WithCancel(ctx)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.pending = a
	m.state = Connecting
	m.mu.Unlock()

	m.emit(Event{State: Connecting})
	conn, err := m.dial(dctx)
	cancel()

	m.mu.Lock()
	abandoned := m.pending != a
	if !abandoned {
		m.pending = nil
	}
	if err == nil && abandoned {
		_ = conn.Close()
		conn, err = nil, ErrClosed
	}
	if err != nil {
		if !abandoned {
			m.state = Disconnected
		}
		a.err = err
		close(a.done)
		m.mu.Unlock()

		m.log.Warn("broker connect failed", zap.String("endpoint", m.endpoint), zap.Error(err))
		if !abandoned {
			m.emit(Event{State: Disconnected, Err: err})
		}
		return nil, err
	}
	m.state = Connected
	m.conn = conn
	a.conn = conn
	close(a.done)
	m.mu.Unlock()

	m.log.Info("broker connected", zap.String("endpoint", m.endpoint))
	go m.watch(conn)
	m.emit(Event{State: Connected, Conn: conn})
	return conn, nil
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initial
	b.MaxElapsedTime = 0

	var conn Conn
	n := 0
	op := func() error {
		n++
		c, err := m.dialer.Dial(ctx, m.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			m.log.Debug("dial attempt failed", zap.Int("attempt", n), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// watch turns a transport drop into a Disconnected transition and, while
// someone holds a lease, starts a bounded reconnect.
func (m *Manager) watch(c Conn) {
	<-c.Done()

	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = Disconnected
	var rctx context.Context
	if m.autoReconnect && m.leases > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(context.Background())
		m.cancelReconnect = cancel
	}
	m.mu.Unlock()

	m.log.Warn("broker connection lost", zap.Error(c.Err()))
	m.emit(Event{State: Disconnected, Conn: c, Err: c.Err()})

	if rctx != nil {
		go func() {
			if _, err := m.Connect(rctx); err != nil && rctx.Err() == nil {
				m.log.Error("reconnect gave up", zap.Error(err))
			}
		}()
	}
}

// Disconnect tears the connection down and stops any reconnect in flight.
// Watchers see an explicit Disconnected event.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.state = Disconnected
	if a := m.pending; a != nil {
		a.cancel()
		m.pending = nil
	}
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	m.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
		m.log.Info("broker disconnected")
	}
	m.emit(Event{State: Disconnected, Conn: c, Explicit: true})
	return err
}

// DisconnectIdle closes the connection unless a lease is held. It reports
// whether it disconnected.
func (m *Manager) DisconnectIdle() bool {
	m.mu.Lock()
	idle := m.leases == 0
	m.mu.Unlock()
	if !idle {
		return false
	}
	_ = m.Disconnect()
	return true
}

// Acquire takes a lease on the connection. It does not dial; the connection
// is opened lazily by whoever needs it first. The returned release function
// is idempotent, and the last release disconnects.
func (m *Manager) Acquire() func() {
	m.mu.Lock()
	m.leases++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(m.release)
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	m.leases--
	last := m.leases == 0
	m.mu.Unlock()

	if last {
		_ = m.Disconnect()
	}
}

func (m *Manager) emit(ev Event) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
