package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-im/chatclient/realtime"
	"github.com/nexus-im/chatclient/store/conversation"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	mu      sync.Mutex
	subs    map[string]string
	sent    [][]byte
	sendErr error

	deliveries chan realtime.Delivery
	done       chan struct{}
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		subs:       make(map[string]string),
		deliveries: make(chan realtime.Delivery, 16),
		done:       make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(id, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
	return nil
}

func (c *fakeConn) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	return nil
}

func (c *fakeConn) Send(_ context.Context, _ string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, body)
	return nil
}

func (c *fakeConn) Deliveries() <-chan realtime.Delivery { return c.deliveries }

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.deliveries)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) sentPayloads() []outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outgoing, 0, len(c.sent))
	for _, b := range c.sent {
		var o outgoing
		_ = json.Unmarshal(b, &o)
		out = append(out, o)
	}
	return out
}

func (c *fakeConn) subscriptionsTo(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.subs {
		if d == destination {
			n++
		}
	}
	return n
}

// push delivers m as the broker would on destination.
func (c *fakeConn) push(t *testing.T, destination string, m conversation.Message) {
	t.Helper()
	body, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.subs {
		if d == destination {
			c.deliveries <- realtime.Delivery{Subscription: id, Destination: d, Body: body}
			return
		}
	}
	t.Fatalf("no subscription to %s", destination)
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	fail   bool
	onDial func()
}

func (d *fakeDialer) Dial(context.Context, string) (realtime.Conn, error) {
	d.mu.Lock()
	hook := d.onDial
	d.onDial = nil
	d.mu.Unlock()
	if hook != nil {
		hook()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// interceptNextDial runs fn inside the next Dial, before it returns.
func (d *fakeDialer) interceptNextDial(fn func()) {
	d.mu.Lock()
	d.onDial = fn
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeHistory struct {
	mu    sync.Mutex
	data  map[conversation.UserID][]conversation.Message
	errs  map[conversation.UserID]error
	gates map[conversation.UserID]chan struct{}
	calls chan conversation.UserID
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		data:  make(map[conversation.UserID][]conversation.Message),
		errs:  make(map[conversation.UserID]error),
		gates: make(map[conversation.UserID]chan struct{}),
		calls: make(chan conversation.UserID, 16),
	}
}

// History answers from canned data. A gated peer's answer is held until the
// gate is closed, even if ctx is cancelled, to model a late response.
func (h *fakeHistory) History(_ context.Context, _, peer conversation.UserID) ([]conversation.Message, error) {
	h.mu.Lock()
	gate := h.gates[peer]
	msgs := h.data[peer]
	err := h.errs[peer]
	h.mu.Unlock()

	select {
	case h.calls <- peer:
	default:
	}
	if gate != nil {
		<-gate
	}
	return msgs, err
}

func (h *fakeHistory) hold(peer conversation.UserID) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	h.gates[peer] = ch
	h.mu.Unlock()
	return func() { close(ch) }
}

func (h *fakeHistory) set(peer conversation.UserID, msgs ...conversation.Message) {
	h.mu.Lock()
	h.data[peer] = msgs
	h.mu.Unlock()
}

func (h *fakeHistory) fail(peer conversation.UserID, err error) {
	h.mu.Lock()
	h.errs[peer] = err
	h.mu.Unlock()
}

const me conversation.UserID = 1

type fixture struct {
	dialer  *fakeDialer
	conns   *realtime.Manager
	router  *realtime.Router
	store   *conversation.Store
	history *fakeHistory
	inbox   *Inbox
	ctl     *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer:  &fakeDialer{},
		store:   conversation.NewStore(0),
		history: newFakeHistory(),
		inbox:   NewInbox(me),
	}
	f.conns = realtime.NewManager(f.dialer, "ws://broker.test/ws/websocket")
	f.router = realtime.NewRouter(f.conns, nil)
	f.ctl = NewController(me, f.conns, f.router, f.store, f.history,
		WithInbox(f.inbox),
		WithClock(func() time.Time { return base }),
	)
	t.Cleanup(func() {
		_ = f.ctl.Close()
		f.router.Close()
		_ = f.conns.Disconnect()
	})
	return f
}

func (f *fixture) view(t *testing.T) conversation.View {
	t.Helper()
	v, err := f.ctl.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return v
}

func line(id int64, from, to conversation.UserID, content string, offset time.Duration) conversation.Message {
	return conversation.Message{ID: id, SenderID: from, ReceiverID: to, Content: content, Timestamp: base.Add(offset)}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
