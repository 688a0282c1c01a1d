package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errRefused = errors.New("connection refused")

type sentFrame struct {
	destination string
	body        []byte
}

type fakeConn struct {
	mu         sync.Mutex
	subs       map[string]string // id -> destination
	subscribes int
	unsubs     []string
	sent       []sentFrame
	sendErr    error

	deliveries chan Delivery
	done       chan struct{}
	closed     bool
	err        error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		subs:       make(map[string]string),
		deliveries: make(chan Delivery, 16),
		done:       make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(id, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.subs[id] = destination
	c.subscribes++
	return nil
}

func (c *fakeConn) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	delete(c.subs, id)
	c.unsubs = append(c.unsubs, id)
	return nil
}

func (c *fakeConn) Send(_ context.Context, destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentFrame{destination: destination, body: body})
	return nil
}

func (c *fakeConn) Deliveries() <-chan Delivery { return c.deliveries }

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.drop(ErrClosed)
	return nil
}

// drop simulates the transport going away.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	close(c.deliveries)
}

// push delivers body on whichever subscription covers destination.
func (c *fakeConn) push(destination string, body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for id, d := range c.subs {
		if d == destination {
			c.deliveries <- Delivery{Subscription: id, Destination: d, Body: []byte(body)}
			return true
		}
	}
	return false
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

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  int // dials left to refuse; negative refuses forever
	gate  chan struct{}
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, errRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
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
