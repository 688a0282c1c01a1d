package realtime

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/go-stomp/stomp/v3/frame"
)

var (
	ErrNotConnected = errors.New("not connected to broker")
	ErrClosed       = errors.New("connection closed")
	ErrHandshake    = errors.New("broker handshake failed")
	ErrBrokerError  = errors.New("broker error")
)

// Delivery is one MESSAGE frame pushed by the broker.
type Delivery struct {
	Subscription string
	Destination  string
	MessageID    string
	ContentType  string
	Body         []byte
}

// Conn is a live broker session.
type Conn interface {
	Subscribe(id, destination string) error
	Unsubscribe(id string) error
	Send(ctx context.Context, destination string, body []byte) error
	// Deliveries is closed once the connection is gone.
	Deliveries() <-chan Delivery
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens broker sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

func isDone(c Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrames splits one websocket message into STOMP frames, skipping
// heart-beats.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var out []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if f == nil {
			continue
		}
		out = append(out, f)
	}
}

func deliveryOf(f *frame.Frame) Delivery {
	return Delivery{
		Subscription: f.Header.Get(frame.Subscription),
		Destination:  f.Header.Get(frame.Destination),
		MessageID:    f.Header.Get(frame.MessageId),
		ContentType:  f.Header.Get(frame.ContentType),
		Body:         f.Body,
	}
}
