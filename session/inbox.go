package session

import (
	"sort"
	"sync"
	"time"

	"github.com/nexus-im/chatclient/store/conversation"
)

// ThreadPreview summarizes a conversation for a list view.
type ThreadPreview struct {
	Peer     conversation.UserID
	Title    string
	LastBody string
	LastTs   time.Time
	Unread   int
}

// Inbox tracks the latest line and unread count of every conversation seen
// on the user's feed, including ones that are not open.
type Inbox struct {
	self conversation.UserID

	mu      sync.Mutex
	threads map[conversation.UserID]*ThreadPreview
	titles  map[conversation.UserID]string
}

func NewInbox(self conversation.UserID) *Inbox {
	return &Inbox{
		self:    self,
		threads: make(map[conversation.UserID]*ThreadPreview),
		titles:  make(map[conversation.UserID]string),
	}
}

// SetTitle names a peer's thread, usually from the roster.
func (in *Inbox) SetTitle(peer conversation.UserID, title string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.titles[peer] = title
	if p, ok := in.threads[peer]; ok {
		p.Title = title
	}
}

// Record updates the preview of the thread m belongs to. Messages from the
// peer count as unread unless the thread is open. Messages that do not
// involve the user are ignored.
func (in *Inbox) Record(m conversation.Message, open bool) bool {
	if m.SenderID != in.self && m.ReceiverID != in.self {
		return false
	}
	peer := m.Key().Peer(in.self)

	in.mu.Lock()
	defer in.mu.Unlock()

	p, ok := in.threads[peer]
	if !ok {
		p = &ThreadPreview{Peer: peer, Title: in.titles[peer]}
		in.threads[peer] = p
	}
	if !m.Timestamp.Before(p.LastTs) {
		p.LastBody, p.LastTs = m.Content, m.Timestamp
	}
	if !open && m.SenderID != in.self {
		p.Unread++
	}
	return true
}

func (in *Inbox) MarkRead(peer conversation.UserID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.threads[peer]; ok {
		p.Unread = 0
	}
}

// Unread is the total across all threads.
func (in *Inbox) Unread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, p := range in.threads {
		n += p.Unread
	}
	return n
}

// Threads returns copies of every preview, newest first.
func (in *Inbox) Threads() []ThreadPreview {
	in.mu.Lock()
	defer in.mu.Unlock()

	list := make([]ThreadPreview, 0, len(in.threads))
	for _, p := range in.threads {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].LastTs.Equal(list[j].LastTs) {
			return list[i].Peer < list[j].Peer
		}
		return list[i].LastTs.After(list[j].LastTs)
	})
	return list
}
