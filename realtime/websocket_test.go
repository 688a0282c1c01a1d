package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-im/chatclient/tests/testutil"
)

type countingDialer struct {
	WSDialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.dials.Add(1)
	return d.WSDialer.Dial(ctx, endpoint)
}

func dialBackend(t *testing.T, b *testutil.Backend, token string) Conn {
	t.Helper()
	d := &WSDialer{Token: token, Heartbeat: 50 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := d.Dial(ctx, b.BrokerURL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSDialerRoundTrip(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.AddUser(testutil.User{ID: 7, Name: "ann"}, "tok-ann", false)

	c := dialBackend(t, b, "tok-ann")
	if err := c.Subscribe("sub-1", testutil.UserQueue(7)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	eventually(t, "broker subscription", func() bool { return b.Subscribed(testutil.UserQueue(7)) == 1 })

	body, _ := json.Marshal(testutil.ChatMessage{SenderID: 7, ReceiverID: 9, Content: "hello"})
	if err := c.Send(context.Background(), testutil.SendPath, body); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case d := <-c.Deliveries():
		if d.Subscription != "sub-1" || d.Destination != testutil.UserQueue(7) {
			t.Errorf("unexpected delivery headers: %+v", d)
		}
		var m testutil.ChatMessage
		if err := json.Unmarshal(d.Body, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Content != "hello" || m.ID == 0 {
			t.Errorf("unexpected echo: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestWSDialerRejectsBadCredential(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.AddUser(testutil.User{ID: 7, Name: "ann"}, "tok-ann", false)

	d := &WSDialer{Token: "forged"}
	_, err := d.Dial(context.Background(), b.BrokerURL())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestWSDialerRefusedUpgrade(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.Refuse(true)

	d := &WSDialer{}
	if _, err := d.Dial(context.Background(), b.BrokerURL()); err == nil {
		t.Fatal("expected dial to fail")
	}
}

func TestWSConnReportsDrop(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	c := dialBackend(t, b, "")
	eventually(t, "session", func() bool { return b.Sessions() == 1 })
	b.DropConnections()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to end")
	}
	if c.Err() == nil {
		t.Error("expected a transport error")
	}
	if err := c.Send(context.Background(), testutil.SendPath, []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after drop, got %v", err)
	}
}

func TestManagerOverWebsocketResubscribesAfterDrop(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	d := &countingDialer{}
	m := NewManager(d, b.BrokerURL(), WithRetry(5, 10*time.Millisecond))
	r := NewRouter(m, nil)
	defer r.Close()
	release := m.Acquire()
	defer release()

	got := make(chan Delivery, 4)
	queue := testutil.UserQueue(7)
	if err := r.Subscribe(context.Background(), queue, func(d Delivery) { got <- d }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	eventually(t, "first subscription", func() bool { return b.Subscribed(queue) == 1 })

	b.DropConnections()
	eventually(t, "resubscription", func() bool {
		return d.dials.Load() == 2 && m.State() == Connected && b.Subscribed(queue) == 1
	})

	b.Publish(queue, []byte(`{"content":"after"}`))
	select {
	case d := <-got:
		if string(d.Body) != `{"content":"after"}` {
			t.Errorf("unexpected body %q", d.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery after reconnect")
	}
}
