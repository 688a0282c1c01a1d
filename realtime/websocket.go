package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-im/chatclient/internal/logging"
)

const (
	writeWait               = 10 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	deliveryBuffer          = 64
)

// WSDialer opens STOMP 1.2 sessions over a websocket.
type WSDialer struct {
	// Host is sent in the CONNECT frame; defaults to the endpoint's host.
	Host  string
	Token string
	// Heartbeat is the keep-alive interval offered to the broker. Zero
	// disables heart-beating.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	// SendRate limits SEND frames per second. Zero means unlimited.
	SendRate  rate.Limit
	SendBurst int
	Logger    *zap.Logger
	Dialer    *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	ws, resp, err := wd.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	limit, burst := d.SendRate, d.SendBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	c := &wsConn{
		ws:         ws,
		log:        logging.OrNop(d.Logger).Named("stomp"),
		limiter:    rate.NewLimiter(limit, burst),
		deliveries: make(chan Delivery, deliveryBuffer),
		done:       make(chan struct{}),
	}

	host := d.Host
	if host == "" {
		host = ws.RemoteAddr().String()
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	if err := c.handshake(ctx, host, d.Token, d.Heartbeat, timeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readPump()
	if c.sendEvery > 0 {
		go c.heartbeatPump()
	}
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	log     *zap.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error

	sendEvery   time.Duration
	readTimeout time.Duration
}

func (c *wsConn) handshake(ctx context.Context, host, token string, heartbeat, timeout time.Duration) error {
	ms := strconv.FormatInt(heartbeat.Milliseconds(), 10)
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, ms+","+ms,
	)
	if token != "" {
		connect.Header.Add("Authorization", "Bearer "+token)
	}
	if err := c.writeFrame(connect); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() {
		_ = c.ws.SetReadDeadline(time.Time{})
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		frames, err := decodeFrames(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				c.negotiate(heartbeat, f.Header.Get(frame.HeartBeat))
				return nil
			case frame.ERROR:
				return fmt.Errorf("%w: %s", ErrHandshake, f.Header.Get(frame.Message))
			}
		}
	}
}

// negotiate applies the STOMP heart-beat rules: each side uses the larger of
// what one offers and the other asks for, and zero on either side disables it.
func (c *wsConn) negotiate(offer time.Duration, server string) {
	sx, sy := parseHeartBeat(server)
	if offer > 0 && sy > 0 {
		c.sendEvery = maxDuration(offer, sy)
	}
	if offer > 0 && sx > 0 {
		// allow for network jitter before calling the broker dead
		c.readTimeout = 2 * maxDuration(offer, sx)
	}
}

func parseHeartBeat(v string) (time.Duration, time.Duration) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	x, errX := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	y, errY := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if errX != nil || errY != nil {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (c *wsConn) readPump() {
	defer close(c.deliveries)

	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		frames, err := decodeFrames(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				select {
				case c.deliveries <- deliveryOf(f):
				case <-c.done:
					return
				}
			case frame.ERROR:
				c.fail(fmt.Errorf("%w: %s", ErrBrokerError, f.Header.Get(frame.Message)))
				return
			default:
				c.log.Debug("ignoring frame", zap.String("command", f.Command))
			}
		}
	}
}

func (c *wsConn) heartbeatPump() {
	ticker := time.NewTicker(c.sendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write([]byte("\n")); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Subscribe(id, destination string) error {
	return c.writeFrame(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
}

func (c *wsConn) Unsubscribe(id string) error {
	return c.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

func (c *wsConn) Send(ctx context.Context, destination string, body []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return c.writeFrame(f)
}

func (c *wsConn) Deliveries() <-chan Delivery { return c.deliveries }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close says goodbye to the broker and tears the socket down.
func (c *wsConn) Close() error {
	if isDone(c) {
		return nil
	}
	_ = c.writeFrame(frame.New(frame.DISCONNECT))
	c.fail(ErrClosed)
	return nil
}

func (c *wsConn) writeFrame(f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if isDone(c) {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *wsConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
		if err != ErrClosed {
			c.log.Info("broker connection ended", zap.Error(err))
		}
	})
}
