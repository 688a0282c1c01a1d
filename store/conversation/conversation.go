package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// UserID identifies a user on the backend.
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Key identifies a 1:1 thread. It is the unordered pair of its participants,
// stored with the lower id first so that KeyOf(a, b) == KeyOf(b, a).
type Key struct {
	Low  UserID
	High UserID
}

// KeyOf returns the conversation key for the pair {a, b}.
func KeyOf(a, b UserID) Key {
	if a > b {
		a, b = b, a
	}
	return Key{Low: a, High: b}
}

// Has reports whether id is one of the participants.
func (k Key) Has(id UserID) bool {
	return k.Low == id || k.High == id
}

// Peer returns the participant that is not self.
func (k Key) Peer(self UserID) UserID {
	if k.Low == self {
		return k.High
	}
	return k.Low
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Low, k.High)
}

// Delivery tracks where a message stands between the local echo and the broker.
type Delivery int

const (
	Confirmed Delivery = iota
	Pending
	Failed
)

func (d Delivery) String() string {
	switch d {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Message is a single chat line. ID is zero until the backend has stored it.
type Message struct {
	ID            int64
	CorrelationID string
	SenderID      UserID
	ReceiverID    UserID
	Content       string
	Timestamp     time.Time
	Delivery      Delivery
}

// Key returns the conversation the message belongs to.
func (m Message) Key() Key {
	return KeyOf(m.SenderID, m.ReceiverID)
}

// Confirmed reports whether the backend assigned an id to the message.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// wireMessage mirrors the backend's chat message DTO.
type wireMessage struct {
	ID            int64           `json:"id,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SenderID      UserID          `json:"senderId"`
	ReceiverID    UserID          `json:"receiverId"`
	Content       string          `json:"content"`
	Timestamp     json.RawMessage `json:"timestamp,omitempty"`
}

// Zone-less layouts the backend uses for its LocalDateTime. They carry the
// backend's wall clock and are read in ServerLocation.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

var serverLocation atomic.Pointer[time.Location]

// SetServerLocation sets the zone of the backend's wall clock. nil restores
// the default, time.Local.
func SetServerLocation(loc *time.Location) {
	serverLocation.Store(loc)
}

// ServerLocation returns the zone zone-less backend timestamps are read in.
func ServerLocation() *time.Location {
	if loc := serverLocation.Load(); loc != nil {
		return loc
	}
	return time.Local
}

// ServerTime reads the wall clock of t as a time in ServerLocation. Drivers
// hand back zone-less columns labelled UTC.
func ServerTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), ServerLocation()).UTC()
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Content:       m.Content,
	}
	if !m.Timestamp.IsZero() {
		ts, err := json.Marshal(m.Timestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		w.Timestamp = ts
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	*m = Message{
		ID:            w.ID,
		CorrelationID: w.CorrelationID,
		SenderID:      w.SenderID,
		ReceiverID:    w.ReceiverID,
		Content:       w.Content,
		Timestamp:     ts,
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	loc := ServerLocation()
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognized format %q", s)
}

// Status is the load state of a conversation as shown to the user.
type Status int

const (
	StatusLoading Status = iota
	StatusNoMessages
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusNoMessages:
		return "no messages yet"
	case StatusFailed:
		return "loading failed"
	default:
		return "ready"
	}
}

// View is a point-in-time copy of a conversation.
type View struct {
	Key      Key
	Messages []Message
	Status   Status
	Err      error
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForeignMessage       = errors.New("message does not belong to conversation")
	ErrDuplicate            = errors.New("duplicate message")
)

// History loads the stored messages exchanged between two users, oldest first.
type History interface {
	History(ctx context.Context, self, peer UserID) ([]Message, error)
}
