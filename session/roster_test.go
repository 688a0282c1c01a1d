package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-im/chatclient/api"
	"github.com/nexus-im/chatclient/internal/auth"
	"github.com/nexus-im/chatclient/store/conversation"
)

type stubDirectory struct {
	followers, following, all []api.User
	followersErr, followingErr error
}

func (d *stubDirectory) Followers(context.Context, conversation.UserID) ([]api.User, error) {
	return d.followers, d.followersErr
}

func (d *stubDirectory) Following(context.Context, conversation.UserID) ([]api.User, error) {
	return d.following, d.followingErr
}

func (d *stubDirectory) Users(context.Context) ([]api.User, error) {
	return d.all, nil
}

func names(users []api.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

func TestRosterMergesFollowersAndFollowing(t *testing.T) {
	dir := &stubDirectory{
		followers: []api.User{{ID: 3, Name: "cat"}, {ID: 2, Name: "Bob"}},
		following: []api.User{{ID: 2, Name: "Bob"}, {ID: 4, Name: "ann"}, {ID: 1, Name: "me"}},
	}
	peers, err := NewRoster(dir, nil).Peers(context.Background(), &auth.Identity{ID: 1})
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	got := names(peers)
	want := []string{"ann", "Bob", "cat"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRosterForAdminListsEveryone(t *testing.T) {
	dir := &stubDirectory{
		followers: []api.User{{ID: 2, Name: "bob"}},
		all:       []api.User{{ID: 1, Name: "root"}, {ID: 2, Name: "bob"}, {ID: 5, Name: "eve"}},
	}
	admin := &auth.Identity{ID: 1, Roles: []string{auth.RoleAdmin}}
	peers, err := NewRoster(dir, nil).Peers(context.Background(), admin)
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 2 || peers[0].ID != 2 || peers[1].ID != 5 {
		t.Errorf("unexpected admin roster: %+v", peers)
	}
}

func TestRosterToleratesOneSideFailing(t *testing.T) {
	dir := &stubDirectory{
		followers:    []api.User{{ID: 2, Name: "bob"}},
		followingErr: api.ErrServiceUnavailable,
	}
	peers, err := NewRoster(dir, nil).Peers(context.Background(), &auth.Identity{ID: 1})
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 1 {
		t.Errorf("expected followers only, got %+v", peers)
	}

	dir.followersErr = api.ErrUnauthorized
	if _, err := NewRoster(dir, nil).Peers(context.Background(), &auth.Identity{ID: 1}); !errors.Is(err, api.ErrUnauthorized) {
		t.Errorf("expected joined error, got %v", err)
	}
}

func TestInboxPreviews(t *testing.T) {
	in := NewInbox(1)
	in.SetTitle(2, "bob")

	in.Record(line(1, 2, 1, "first", 0), false)
	in.Record(line(2, 1, 2, "reply", time.Second), false)
	in.Record(line(3, 3, 1, "newer", 2*time.Second), false)
	if in.Record(line(4, 5, 6, "not mine", 0), false) {
		t.Error("expected a message between other users to be ignored")
	}
	// an older line arriving late does not replace the preview
	in.Record(line(5, 2, 1, "late", -time.Minute), false)

	threads := in.Threads()
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %+v", threads)
	}
	if threads[0].Peer != 3 || threads[1].Peer != 2 {
		t.Fatalf("expected newest first, got %+v", threads)
	}
	bob := threads[1]
	if bob.Title != "bob" || bob.LastBody != "reply" || bob.Unread != 2 {
		t.Errorf("unexpected preview: %+v", bob)
	}
	if in.Unread() != 3 {
		t.Errorf("expected 3 unread, got %d", in.Unread())
	}

	in.MarkRead(2)
	if in.Unread() != 1 {
		t.Errorf("expected 1 unread after marking bob read, got %d", in.Unread())
	}
}
