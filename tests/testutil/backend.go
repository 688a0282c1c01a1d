package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const (
	BrokerPath  = "/ws/websocket"
	APIPath     = "/api"
	SendPath    = "/app/chat.send"
	localLayout = "2006-01-02T15:04:05.000000"
)

// ChatMessage is the backend's wire form of a chat message. Timestamps are
// zone-less local date-times, as the real backend serializes them.
type ChatMessage struct {
	ID         int64  `json:"id,omitempty"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserQueue is the per-user destination the backend pushes chat messages to.
func UserQueue(id int64) string {
	return fmt.Sprintf("/user/%d/queue/messages", id)
}

// Backend is an in-process stand-in for the chat backend: a STOMP broker on
// BrokerPath and the REST endpoints the client reads under APIPath.
type Backend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	sessions    map[*brokerSession]struct{}
	tokens      map[string]int64
	users       map[int64]User
	admins      map[int64]bool
	followers   map[int64][]int64
	following   map[int64][]int64
	history     []ChatMessage
	sent        []ChatMessage
	nextID      int64
	nextMsgID   int64
	refuse      bool
	failHistory int
	holdHistory chan struct{}
}

// NewBackend starts a Backend on a loopback port.
func NewBackend() *Backend {
	b := &Backend{
		sessions:  make(map[*brokerSession]struct{}),
		tokens:    make(map[string]int64),
		users:     make(map[int64]User),
		admins:    make(map[int64]bool),
		followers: make(map[int64][]int64),
		following: make(map[int64][]int64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(BrokerPath, b.handleBroker)
	mux.HandleFunc("GET "+APIPath+"/chat/history/{a}/{b}", b.handleHistory)
	mux.HandleFunc("GET "+APIPath+"/users/me", b.handleMe)
	mux.HandleFunc("GET "+APIPath+"/users/{id}/followers", b.handleGraph(b.followers))
	mux.HandleFunc("GET "+APIPath+"/users/{id}/following", b.handleGraph(b.following))
	mux.HandleFunc("GET "+APIPath+"/admin/users", b.handleAllUsers)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	b.srv = httptest.NewServer(mux)
	return b
}

func (b *Backend) URL() string { return b.srv.URL }

func (b *Backend) APIURL() string { return b.srv.URL + APIPath }

func (b *Backend) BrokerURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + BrokerPath
}

func (b *Backend) Close() {
	b.DropConnections()
	b.srv.Close()
}

// AddUser registers u. Requests bearing token act as u.
func (b *Backend) AddUser(u User, token string, admin bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[u.ID] = u
	if token != "" {
		b.tokens[token] = u.ID
	}
	b.admins[u.ID] = admin
}

// Follow records that follower follows followee.
func (b *Backend) Follow(follower, followee int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.following[follower] = append(b.following[follower], followee)
	b.followers[followee] = append(b.followers[followee], follower)
}

// Seed stores messages as already exchanged.
func (b *Backend) Seed(msgs ...ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		if m.ID == 0 {
			b.nextID++
			m.ID = b.nextID
		} else if m.ID > b.nextID {
			b.nextID = m.ID
		}
		b.history = append(b.history, m)
	}
}

// Refuse makes the broker reject websocket upgrades.
func (b *Backend) Refuse(on bool) {
	b.mu.Lock()
	b.refuse = on
	b.mu.Unlock()
}

// FailHistory makes the next n history requests answer 503.
func (b *Backend) FailHistory(n int) {
	b.mu.Lock()
	b.failHistory = n
	b.mu.Unlock()
}

// HoldHistory blocks history requests until the returned function is called.
func (b *Backend) HoldHistory() func() {
	ch := make(chan struct{})
	b.mu.Lock()
	b.holdHistory = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.holdHistory = nil
			b.mu.Unlock()
			close(ch)
		})
	}
}

// DropConnections closes every broker socket without a DISCONNECT.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	sessions := make([]*brokerSession, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		_ = s.ws.Close()
	}
}

// Sessions reports the number of connected broker clients.
func (b *Backend) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.sessions {
		if s.connected() {
			n++
		}
	}
	return n
}

// Subscribed counts subscriptions to destination across all sessions.
func (b *Backend) Subscribed(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.sessions {
		n += s.subscribedTo(destination)
	}
	return n
}

// Sent returns every chat message received on SendPath.
func (b *Backend) Sent() []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatMessage(nil), b.sent...)
}

// Publish pushes body to every subscriber of destination.
func (b *Backend) Publish(destination string, body []byte) {
	b.mu.Lock()
	sessions := make([]*brokerSession, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.nextMsgID++
	msgID := strconv.FormatInt(b.nextMsgID, 10)
	b.mu.Unlock()

	for _, s := range sessions {
		s.deliver(destination, msgID, body)
	}
}

// Deliver publishes m to both participants' queues, as the backend does for
// a message it has just stored.
func (b *Backend) Deliver(m ChatMessage) {
	body, _ := json.Marshal(m)
	b.Publish(UserQueue(m.ReceiverID), body)
	if m.SenderID != m.ReceiverID {
		b.Publish(UserQueue(m.SenderID), body)
	}
}

func (b *Backend) authorized(header string) (int64, bool) {
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tokens) == 0 {
		return 0, true
	}
	id, ok := b.tokens[token]
	return id, ok
}

func (b *Backend) handleBroker(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	refuse := b.refuse
	b.mu.Unlock()
	if refuse {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &brokerSession{ws: ws, subs: make(map[string]string)}

	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := readFrames(data)
		if err != nil {
			s.writeError("malformed frame")
			return
		}
		for _, f := range frames {
			if !b.handleFrame(s, f) {
				return
			}
		}
	}
}

func (b *Backend) handleFrame(s *brokerSession, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		if _, ok := b.authorized(f.Header.Get("Authorization")); !ok {
			s.writeError("unauthorized")
			return false
		}
		s.setConnected()
		s.write(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
		))
	case frame.SUBSCRIBE:
		s.subscribe(f.Header.Get(frame.Id), f.Header.Get(frame.Destination))
	case frame.UNSUBSCRIBE:
		s.unsubscribe(f.Header.Get(frame.Id))
	case frame.SEND:
		dest := f.Header.Get(frame.Destination)
		if dest != SendPath {
			b.Publish(dest, f.Body)
			return true
		}
		var in ChatMessage
		if err := json.Unmarshal(f.Body, &in); err != nil {
			s.writeError("bad chat message")
			return false
		}
		b.mu.Lock()
		b.nextID++
		stored := ChatMessage{
			ID:         b.nextID,
			SenderID:   in.SenderID,
			ReceiverID: in.ReceiverID,
			Content:    in.Content,
			Timestamp:  time.Now().Format(localLayout),
		}
		b.history = append(b.history, stored)
		b.sent = append(b.sent, stored)
		b.mu.Unlock()
		b.Deliver(stored)
	case frame.DISCONNECT:
		return false
	}
	return true
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.authorized(r.Header.Get("Authorization")); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	first, err1 := strconv.ParseInt(r.PathValue("a"), 10, 64)
	second, err2 := strconv.ParseInt(r.PathValue("b"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "bad user id", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	hold := b.holdHistory
	fail := b.failHistory > 0
	if fail {
		b.failHistory--
	}
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	b.mu.Lock()
	out := []ChatMessage{}
	for _, m := range b.history {
		if (m.SenderID == first && m.ReceiverID == second) || (m.SenderID == second && m.ReceiverID == first) {
			out = append(out, m)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	writeJSON(w, out)
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := b.authorized(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b.mu.Lock()
	u, found := b.users[id]
	b.mu.Unlock()
	if !found {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}

func (b *Backend) handleGraph(edges map[int64][]int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.authorized(r.Header.Get("Authorization")); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "bad user id", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		if _, found := b.users[id]; !found {
			b.mu.Unlock()
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		out := []User{}
		for _, other := range edges[id] {
			out = append(out, b.users[other])
		}
		b.mu.Unlock()
		writeJSON(w, out)
	}
}

func (b *Backend) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := b.authorized(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tokens) > 0 && !b.admins[id] {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	out := make([]User, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type brokerSession struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	subs  map[string]string // id -> destination
	ready bool
}

func (s *brokerSession) setConnected() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

func (s *brokerSession) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *brokerSession) subscribe(id, destination string) {
	s.mu.Lock()
	s.subs[id] = destination
	s.mu.Unlock()
}

func (s *brokerSession) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *brokerSession) subscribedTo(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.subs {
		if d == destination {
			n++
		}
	}
	return n
}

func (s *brokerSession) deliver(destination, msgID string, body []byte) {
	s.mu.Lock()
	var ids []string
	for id, d := range s.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		f := frame.New(frame.MESSAGE,
			frame.Subscription, id,
			frame.Destination, destination,
			frame.MessageId, msgID,
			frame.ContentType, "application/json",
		)
		f.Body = body
		s.write(f)
	}
}

func (s *brokerSession) writeError(message string) {
	s.write(frame.New(frame.ERROR, frame.Message, message))
}

func (s *brokerSession) write(f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func readFrames(data []byte) ([]*frame.Frame, error) {
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
		if f != nil {
			out = append(out, f)
		}
	}
}
