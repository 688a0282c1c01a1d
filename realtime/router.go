package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nexus-im/chatclient/internal/logging"
)

// Handler receives deliveries for one destination. It runs on the router's
// dispatch goroutine and must not block for long.
type Handler func(Delivery)

type registration struct {
	id          string
	destination string
	handler     Handler
	// connection the broker subscription was issued on; nil while inactive
	conn Conn
}

// Router maps destinations to handlers and keeps exactly one broker
// subscription per destination, re-issuing them whenever the Manager
// reconnects.
type Router struct {
	conns *Manager
	log   *zap.Logger
	stop  func()

	mu   sync.Mutex
	regs map[string]*registration // destination -> registration
	byID map[string]*registration // subscription id -> registration
	conn Conn
	seq  uint64
}

// NewRouter creates a Router bound to m.
func NewRouter(m *Manager, log *zap.Logger) *Router {
	r := &Router{
		conns: m,
		log:   logging.OrNop(log).Named("router"),
		regs:  make(map[string]*registration),
		byID:  make(map[string]*registration),
	}
	r.stop = m.Watch(r.onEvent)
	return r
}

// Subscribe registers h for destination. Subscribing again to the same
// destination swaps the handler and keeps the existing broker subscription.
// If the broker cannot be reached the registration is kept and applied on
// the next successful connect; the connect error is returned.
func (r *Router) Subscribe(ctx context.Context, destination string, h Handler) error {
	r.mu.Lock()
	reg, ok := r.regs[destination]
	if ok {
		reg.handler = h
	} else {
		r.seq++
		reg = &registration{
			id:          fmt.Sprintf("sub-%d", r.seq),
			destination: destination,
			handler:     h,
		}
		r.regs[destination] = reg
		r.byID[reg.id] = reg
	}
	active := reg.conn != nil && !isDone(reg.conn)
	r.mu.Unlock()

	if active {
		return nil
	}

	conn, err := r.conns.Connect(ctx)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}

	r.mu.Lock()
	if r.regs[destination] != reg {
		// unsubscribed while connecting
		r.mu.Unlock()
		return nil
	}
	fresh := r.adopt(conn)
	err = r.activate(reg, conn)
	r.mu.Unlock()

	if fresh {
		go r.dispatch(conn)
	}
	return err
}

// Unsubscribe removes the registration for destination.
func (r *Router) Unsubscribe(destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[destination]
	if !ok {
		return nil
	}
	delete(r.regs, destination)
	delete(r.byID, reg.id)

	if reg.conn == nil || isDone(reg.conn) {
		return nil
	}
	if err := reg.conn.Unsubscribe(reg.id); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", destination, err)
	}
	r.log.Debug("unsubscribed", zap.String("destination", destination))
	return nil
}

// Registered lists every destination with a handler, active or not.
func (r *Router) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.regs))
	for d := range r.regs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Active lists destinations with a live broker subscription.
func (r *Router) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for d, reg := range r.regs {
		if reg.conn != nil && !isDone(reg.conn) {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Close detaches the router from its Manager.
func (r *Router) Close() {
	r.stop()
}

// activate issues the broker subscription for reg on conn. r.mu must be held.
func (r *Router) activate(reg *registration, conn Conn) error {
	if reg.conn == conn {
		return nil
	}
	if err := conn.Subscribe(reg.id, reg.destination); err != nil {
		return fmt.Errorf("subscribe %s: %w", reg.destination, err)
	}
	reg.conn = conn
	r.log.Debug("subscribed", zap.String("destination", reg.destination), zap.String("id", reg.id))
	return nil
}

func (r *Router) onEvent(ev Event) {
	switch ev.State {
	case Connected:
		r.attach(ev.Conn)
	case Disconnected:
		r.detach(ev.Conn, ev.Explicit)
	}
}

func (r *Router) attach(c Conn) {
	r.mu.Lock()
	fresh := r.adopt(c)
	r.mu.Unlock()

	if fresh {
		go r.dispatch(c)
	}
}

// adopt makes c the router's connection and re-issues every registration on
// it. It reports whether c is new, in which case the caller starts its
// dispatch loop. r.mu must be held.
func (r *Router) adopt(c Conn) bool {
	if c == nil || r.conn == c || isDone(c) {
		return false
	}
	r.conn = c
	for _, reg := range r.regs {
		if err := r.activate(reg, c); err != nil {
			r.log.Warn("resubscribe failed", zap.String("destination", reg.destination), zap.Error(err))
		}
	}
	return true
}

func (r *Router) detach(c Conn, explicit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if explicit {
		r.regs = make(map[string]*registration)
		r.byID = make(map[string]*registration)
		r.conn = nil
		return
	}
	if c != nil && r.conn == c {
		r.conn = nil
	}
	for _, reg := range r.regs {
		if reg.conn == c {
			reg.conn = nil
		}
	}
}

// dispatch hands every delivery of c to the handler of its subscription.
func (r *Router) dispatch(c Conn) {
	for d := range c.Deliveries() {
		r.mu.Lock()
		reg := r.byID[d.Subscription]
		if reg == nil {
			reg = r.regs[d.Destination]
		}
		var h Handler
		if reg != nil && reg.conn == c {
			h = reg.handler
		}
		r.mu.Unlock()

		if h == nil {
			r.log.Debug("no handler for delivery",
				zap.String("destination", d.Destination),
				zap.String("subscription", d.Subscription))
			continue
		}
		h(d)
	}
}
