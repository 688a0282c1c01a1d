package conversation

import (
	"sort"
	"sync"
	"time"
)

// DefaultEchoWindow is how far apart an optimistic message and a broker echo
// without a correlation id may be stamped and still be treated as one message.
const DefaultEchoWindow = 10 * time.Second

type thread struct {
	entries []Message
	ids     map[int64]struct{}
	loading bool
	err     error
}

func newThread() *thread {
	return &thread{ids: make(map[int64]struct{})}
}

func (t *thread) status() Status {
	switch {
	case t.loading:
		return StatusLoading
	case len(t.entries) > 0:
		return StatusReady
	case t.err != nil:
		return StatusFailed
	default:
		return StatusNoMessages
	}
}

// Store keeps one ordered, duplicate-free timeline per conversation. Entries
// are ordered by timestamp; equal timestamps keep arrival order.
type Store struct {
	mu      sync.Mutex
	threads map[Key]*thread
	window  time.Duration
}

// NewStore creates an empty Store. echoWindow bounds the timestamp distance
// used when matching an uncorrelated echo to an optimistic message.
func NewStore(echoWindow time.Duration) *Store {
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	return &Store{
		threads: make(map[Key]*thread),
		window:  echoWindow,
	}
}

// Open marks the conversation as loading, creating it if needed. It reports
// whether the conversation was already cached.
func (s *Store) Open(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		t = newThread()
		s.threads[key] = t
	}
	t.loading = true
	t.err = nil
	return ok
}

// LoadHistory completes a load started by Open. Messages already in the
// timeline are kept; history entries are merged by id. A non-nil loadErr
// leaves the timeline as it is and records the error.
func (s *Store) LoadHistory(key Key, history []Message, loadErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(key)
	t.loading = false
	t.err = loadErr
	for _, m := range history {
		if m.Key() != key {
			continue
		}
		if m.ID != 0 {
			if _, dup := t.ids[m.ID]; dup {
				continue
			}
		}
		m.Delivery = Confirmed
		if s.reconcile(t, m) {
			continue
		}
		s.insert(t, m)
	}
}

// Append inserts m into the conversation in timestamp order.
func (s *Store) Append(key Key, m Message) (Message, error) {
	if m.Key() != key {
		return Message{}, ErrForeignMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(key)
	if m.ID != 0 {
		if _, dup := t.ids[m.ID]; dup {
			return Message{}, ErrDuplicate
		}
	}
	s.insert(t, m)
	return m, nil
}

// Merge applies a message delivered by the broker. An echo of an optimistic
// message replaces it in place instead of adding a second entry; a message
// whose id is already present is rejected with ErrDuplicate.
func (s *Store) Merge(key Key, m Message) (Message, error) {
	if m.Key() != key {
		return Message{}, ErrForeignMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(key)
	if m.ID != 0 {
		if _, dup := t.ids[m.ID]; dup {
			return Message{}, ErrDuplicate
		}
	}
	m.Delivery = Confirmed
	if i, ok := s.match(t, m); ok {
		return s.replace(t, i, m), nil
	}
	s.insert(t, m)
	return m, nil
}

// MarkFailed flags the optimistic message with the given correlation id as
// not transmitted.
func (s *Store) MarkFailed(key Key, correlationID string) (Message, error) {
	return s.setDelivery(key, correlationID, Failed)
}

// MarkPending flags a previously failed message as being transmitted again.
func (s *Store) MarkPending(key Key, correlationID string) (Message, error) {
	return s.setDelivery(key, correlationID, Pending)
}

// Find returns the message with the given correlation id.
func (s *Store) Find(key Key, correlationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return Message{}, false
	}
	i := t.indexOf(correlationID)
	if i < 0 {
		return Message{}, false
	}
	return t.entries[i], true
}

// History returns a copy of the conversation's timeline.
func (s *Store) History(key Key) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return nil
	}
	return t.messages()
}

// Snapshot returns the timeline together with its load status.
func (s *Store) Snapshot(key Key) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return View{}, ErrConversationNotFound
	}
	return View{
		Key:      key,
		Messages: t.messages(),
		Status:   t.status(),
		Err:      t.err,
	}, nil
}

// Discard drops a single conversation.
func (s *Store) Discard(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, key)
}

// Reset drops every conversation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[Key]*thread)
}

func (s *Store) thread(key Key) *thread {
	t, ok := s.threads[key]
	if !ok {
		t = newThread()
		s.threads[key] = t
	}
	return t
}

func (s *Store) insert(t *thread, m Message) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Timestamp.After(m.Timestamp)
	})
	t.entries = append(t.entries, Message{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
	if m.ID != 0 {
		t.ids[m.ID] = struct{}{}
	}
}

// reconcile folds a confirmed message into a matching optimistic entry.
func (s *Store) reconcile(t *thread, m Message) bool {
	i, ok := s.match(t, m)
	if ok {
		s.replace(t, i, m)
	}
	return ok
}

// match finds the oldest unconfirmed entry that m confirms. A correlation id
// decides on its own; without one, sender, receiver and content must be equal
// and the timestamps within the echo window.
func (s *Store) match(t *thread, m Message) (int, bool) {
	if m.CorrelationID != "" {
		if i := t.indexOf(m.CorrelationID); i >= 0 && t.entries[i].ID == 0 {
			return i, true
		}
	}
	for i, o := range t.entries {
		if o.ID != 0 || o.Delivery == Confirmed {
			continue
		}
		if o.SenderID != m.SenderID || o.ReceiverID != m.ReceiverID || o.Content != m.Content {
			continue
		}
		if m.Timestamp.IsZero() || absDuration(o.Timestamp.Sub(m.Timestamp)) <= s.window {
			return i, true
		}
	}
	return -1, false
}

// replace swaps entry i for the confirmed copy. Position and local timestamp
// are kept so that confirmation never reorders the timeline.
func (s *Store) replace(t *thread, i int, m Message) Message {
	old := t.entries[i]
	m.Timestamp = old.Timestamp
	if m.CorrelationID == "" {
		m.CorrelationID = old.CorrelationID
	}
	m.Delivery = Confirmed
	t.entries[i] = m
	if m.ID != 0 {
		t.ids[m.ID] = struct{}{}
	}
	return m
}

func (s *Store) setDelivery(key Key, correlationID string, d Delivery) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return Message{}, ErrConversationNotFound
	}
	i := t.indexOf(correlationID)
	if i < 0 {
		return Message{}, ErrConversationNotFound
	}
	m := t.entries[i]
	if m.Delivery == Confirmed {
		return m, nil
	}
	m.Delivery = d
	t.entries[i] = m
	return m, nil
}

func (t *thread) indexOf(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, m := range t.entries {
		if m.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (t *thread) messages() []Message {
	out := make([]Message, len(t.entries))
	copy(out, t.entries)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
