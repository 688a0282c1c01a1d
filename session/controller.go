package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-im/chatclient/internal/logging"
	"github.com/nexus-im/chatclient/realtime"
	"github.com/nexus-im/chatclient/store/conversation"
)

// SendDestination is where outgoing chat messages are published.
const SendDestination = "/app/chat.send"

var (
	ErrNotLive        = errors.New("conversation is not live")
	ErrBlankMessage   = errors.New("message is blank")
	ErrSuperseded     = errors.New("conversation was replaced before it became live")
	ErrClosed         = errors.New("session closed")
	ErrUnknownMessage = errors.New("unknown message")
	ErrInvalidPeer    = errors.New("invalid peer")
)

// InboxDestination is the per-user queue the backend pushes chat messages to.
func InboxDestination(user conversation.UserID) string {
	return fmt.Sprintf("/user/%d/queue/messages", user)
}

// Phase is the lifecycle of the active conversation.
type Phase int

const (
	Idle Phase = iota
	LoadingHistory
	Live
	Closed
)

func (p Phase) String() string {
	switch p {
	case LoadingHistory:
		return "loading history"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

type outgoing struct {
	SenderID      conversation.UserID `json:"senderId"`
	ReceiverID    conversation.UserID `json:"receiverId"`
	Content       string              `json:"content"`
	CorrelationID string              `json:"correlationId,omitempty"`
}

const incomingBuffer = 64

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = logging.OrNop(l).Named("session") }
}

// WithInbox records frames for conversations that are not open.
func WithInbox(in *Inbox) Option {
	return func(c *Controller) { c.inbox = in }
}

// WithClock replaces time.Now for stamping local messages.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller drives the one open conversation of a user: it loads history,
// keeps the inbox subscription, merges broker frames and sends messages.
type Controller struct {
	self    conversation.UserID
	conns   *realtime.Manager
	router  *realtime.Router
	store   *conversation.Store
	history conversation.History
	inbox   *Inbox
	log     *zap.Logger
	now     func() time.Time

	incoming chan conversation.Message
	updates  chan conversation.Key
	quit     chan struct{}
	stopped  chan struct{}

	mu         sync.Mutex
	phase      Phase
	peer       conversation.UserID
	key        conversation.Key
	gen        uint64
	loaded     chan struct{}
	cancelLoad context.CancelFunc
	release    func()
	shut       bool
}

func NewController(self conversation.UserID, conns *realtime.Manager, router *realtime.Router, store *conversation.Store, history conversation.History, opts ...Option) *Controller {
	c := &Controller{
		self:     self,
		conns:    conns,
		router:   router,
		store:    store,
		history:  history,
		log:      zap.NewNop(),
		now:      time.Now,
		incoming: make(chan conversation.Message, incomingBuffer),
		updates:  make(chan conversation.Key, 16),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

// Phase returns the state of the active conversation.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Peer returns the selected peer and whether one is selected.
func (c *Controller) Peer() (conversation.UserID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.phase == LoadingHistory || c.phase == Live
}

// Updates signals the key of every conversation whose timeline or preview
// changed. Signals are dropped when the reader falls behind; re-read the
// store on each one.
func (c *Controller) Updates() <-chan conversation.Key {
	return c.updates
}

// Done is closed once the controller is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.quit
}

// View returns the active conversation.
func (c *Controller) View() (conversation.View, error) {
	c.mu.Lock()
	key, ok := c.key, c.phase == LoadingHistory || c.phase == Live
	c.mu.Unlock()
	if !ok {
		return conversation.View{}, ErrNotLive
	}
	return c.store.Snapshot(key)
}

// Select opens the conversation with peer and returns once it is live. A
// history failure does not fail the call; it shows in the conversation's
// status. Selecting another peer before this call returns makes it return
// ErrSuperseded and its history result is dropped. Selecting the peer that
// is already open returns once that conversation is live.
func (c *Controller) Select(ctx context.Context, peer conversation.UserID) error {
	if peer == c.self || peer == 0 {
		return ErrInvalidPeer
	}

	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.peer == peer && c.phase == Live {
		c.mu.Unlock()
		return nil
	}
	if c.peer == peer && c.phase == LoadingHistory {
		gen, loaded := c.gen, c.loaded
		c.mu.Unlock()
		return c.await(ctx, gen, loaded)
	}
	if c.cancelLoad != nil {
		c.cancelLoad()
	}
	c.gen++
	gen := c.gen
	key := conversation.KeyOf(c.self, peer)
	c.peer, c.key = peer, key
	c.phase = LoadingHistory
	if c.release == nil {
		c.release = c.conns.Acquire()
	}
	lctx, cancel := context.WithCancel(ctx)
	c.cancelLoad = cancel
	loaded := make(chan struct{})
	c.loaded = loaded
	c.mu.Unlock()
	defer close(loaded)
	defer cancel()

	c.store.Open(key)
	if c.inbox != nil {
		c.inbox.MarkRead(peer)
	}
	c.notify(key)
	c.log.Debug("conversation selected", zap.Stringer("peer", peer))

	msgs, histErr := c.history.History(lctx, c.self, peer)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.log.Debug("dropping stale history", zap.Stringer("peer", peer))
		return ErrSuperseded
	}
	if histErr != nil {
		c.log.Warn("history unavailable", zap.Stringer("peer", peer), zap.Error(histErr))
	}
	c.store.LoadHistory(key, msgs, histErr)
	c.mu.Unlock()
	c.notify(key)

	if err := c.router.Subscribe(lctx, InboxDestination(c.self), c.onDelivery); err != nil {
		// kept registered; applied when the broker is reachable again
		c.log.Warn("inbox subscription pending", zap.Error(err))
	}

	c.mu.Lock()
	if c.gen != gen {
		unwanted := c.release == nil || c.shut
		c.mu.Unlock()
		if unwanted {
			_ = c.router.Unsubscribe(InboxDestination(c.self))
			c.conns.DisconnectIdle()
		}
		return ErrSuperseded
	}
	c.phase = Live
	c.cancelLoad = nil
	c.mu.Unlock()
	return nil
}

// await waits for the load of generation gen to settle.
func (c *Controller) await(ctx context.Context, gen uint64, loaded <-chan struct{}) error {
	select {
	case <-loaded:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.shut:
		return ErrClosed
	case c.gen != gen:
		return ErrSuperseded
	}
	return nil
}

// Send appends an optimistic message and transmits it, trimmed of surrounding
// whitespace. A transmit failure
// leaves the message in the timeline marked failed and is returned.
func (c *Controller) Send(ctx context.Context, text string) (conversation.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Message{}, ErrBlankMessage
	}

	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return conversation.Message{}, ErrClosed
	}
	if c.phase != Live {
		c.mu.Unlock()
		return conversation.Message{}, ErrNotLive
	}
	key, peer := c.key, c.peer
	c.mu.Unlock()

	m, err := c.store.Append(key, conversation.Message{
		CorrelationID: uuid.NewString(),
		SenderID:      c.self,
		ReceiverID:    peer,
		Content:       text,
		Timestamp:     c.now().UTC(),
		Delivery:      conversation.Pending,
	})
	if err != nil {
		return conversation.Message{}, err
	}
	c.notify(key)

	return c.transmit(ctx, key, m)
}

// Resend transmits a failed message again.
func (c *Controller) Resend(ctx context.Context, correlationID string) (conversation.Message, error) {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return conversation.Message{}, ErrClosed
	}
	if c.phase != Live {
		c.mu.Unlock()
		return conversation.Message{}, ErrNotLive
	}
	key := c.key
	c.mu.Unlock()

	m, ok := c.store.Find(key, correlationID)
	if !ok || m.SenderID != c.self {
		return conversation.Message{}, ErrUnknownMessage
	}
	if m.Delivery != conversation.Failed {
		return m, nil
	}
	m, err := c.store.MarkPending(key, correlationID)
	if err != nil {
		return conversation.Message{}, err
	}
	c.notify(key)

	return c.transmit(ctx, key, m)
}

func (c *Controller) transmit(ctx context.Context, key conversation.Key, m conversation.Message) (conversation.Message, error) {
	body, err := json.Marshal(outgoing{
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
		CorrelationID: m.CorrelationID,
	})
	if err == nil {
		var conn realtime.Conn
		conn, err = c.conns.Connect(ctx)
		if err == nil {
			err = conn.Send(ctx, SendDestination, body)
		}
	}
	if err != nil {
		c.log.Warn("send failed", zap.String("correlation_id", m.CorrelationID), zap.Error(err))
		failed, markErr := c.store.MarkFailed(key, m.CorrelationID)
		if markErr == nil {
			m = failed
		}
		c.notify(key)
		return m, fmt.Errorf("send: %w", err)
	}
	return m, nil
}

// Deselect closes the active conversation. Its timeline stays cached.
func (c *Controller) Deselect() {
	c.mu.Lock()
	if c.shut || c.phase == Idle || c.phase == Closed {
		c.mu.Unlock()
		return
	}
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	c.gen++
	c.phase = Closed
	release := c.release
	c.release = nil
	c.mu.Unlock()

	c.teardown(release)
}

// Close ends the session: the conversation is closed, the connection lease
// released and every cached timeline dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return nil
	}
	c.shut = true
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	c.gen++
	c.phase = Closed
	release := c.release
	c.release = nil
	c.mu.Unlock()

	close(c.quit)
	<-c.stopped
	c.teardown(release)
	c.store.Reset()
	return nil
}

func (c *Controller) teardown(release func()) {
	if err := c.router.Unsubscribe(InboxDestination(c.self)); err != nil {
		c.log.Debug("unsubscribe failed", zap.Error(err))
	}
	if release != nil {
		release()
	}
}

// onDelivery runs on the router's dispatch goroutine. It only decodes and
// queues; merging happens in run.
func (c *Controller) onDelivery(d realtime.Delivery) {
	var m conversation.Message
	if err := json.Unmarshal(d.Body, &m); err != nil {
		c.log.Warn("dropping undecodable frame", zap.String("destination", d.Destination), zap.Error(err))
		return
	}
	select {
	case c.incoming <- m:
	case <-c.quit:
	}
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case m := <-c.incoming:
			c.accept(m)
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) accept(m conversation.Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	key := c.key
	open := c.phase == LoadingHistory || c.phase == Live
	c.mu.Unlock()

	active := open && m.Key() == key
	if c.inbox != nil {
		c.inbox.Record(m, active)
	}
	if !active {
		c.notify(m.Key())
		return
	}

	if _, err := c.store.Merge(key, m); err != nil {
		if errors.Is(err, conversation.ErrDuplicate) {
			c.log.Debug("duplicate delivery", zap.Int64("id", m.ID))
			return
		}
		c.log.Warn("merge failed", zap.Error(err))
		return
	}
	c.notify(key)
}

func (c *Controller) notify(key conversation.Key) {
	select {
	case c.updates <- key:
	default:
	}
}
