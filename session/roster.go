package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nexus-im/chatclient/api"
	"github.com/nexus-im/chatclient/internal/auth"
	"github.com/nexus-im/chatclient/internal/logging"
	"github.com/nexus-im/chatclient/store/conversation"
)

// Directory is the user graph the roster is built from.
type Directory interface {
	Followers(ctx context.Context, id conversation.UserID) ([]api.User, error)
	Following(ctx context.Context, id conversation.UserID) ([]api.User, error)
	Users(ctx context.Context) ([]api.User, error)
}

// Roster lists the peers a user may chat with.
type Roster struct {
	dir Directory
	log *zap.Logger
}

func NewRoster(dir Directory, logger *zap.Logger) *Roster {
	return &Roster{dir: dir, log: logging.OrNop(logger).Named("roster")}
}

// Peers returns everyone the user follows or is followed by; administrators
// get every account. The user is never included. The list is sorted by name.
func (r *Roster) Peers(ctx context.Context, me *auth.Identity) ([]api.User, error) {
	if me.IsAdmin() {
		users, err := r.dir.Users(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		return normalize(me.ID, users), nil
	}

	followers, errFollowers := r.dir.Followers(ctx, me.ID)
	following, errFollowing := r.dir.Following(ctx, me.ID)
	if errFollowers != nil && errFollowing != nil {
		return nil, fmt.Errorf("load peers: %w", errors.Join(errFollowers, errFollowing))
	}
	if errFollowers != nil {
		r.log.Warn("followers unavailable", zap.Error(errFollowers))
	}
	if errFollowing != nil {
		r.log.Warn("following unavailable", zap.Error(errFollowing))
	}
	return normalize(me.ID, append(followers, following...)), nil
}

func normalize(self conversation.UserID, users []api.User) []api.User {
	seen := make(map[conversation.UserID]struct{}, len(users))
	out := make([]api.User, 0, len(users))
	for _, u := range users {
		if u.ID == self || u.ID == 0 {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a == b {
			return out[i].ID < out[j].ID
		}
		return a < b
	})
	return out
}
