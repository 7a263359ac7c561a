package api

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/auth"
	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	syncpkg "github.com/pigeon-im/pigeon/internal/sync"
)

// UserService serves the user directory.
type UserService struct {
	db     *store.DB
	dir    remote.Directory
	auth   *auth.Manager
	coord  *syncpkg.Coordinator
	logger *zap.Logger
}

// NewUserService creates a directory facade.
func NewUserService(db *store.DB, dir remote.Directory, a *auth.Manager, c *syncpkg.Coordinator, logger *zap.Logger) *UserService {
	return &UserService{db: db, dir: dir, auth: a, coord: c, logger: logger}
}

// Get returns a user record, preferring the local cache.
func (s *UserService) Get(ctx context.Context, id string) (*chat.User, error) {
	if cached, err := s.db.GetUser(id); err == nil && cached != nil {
		return cached, nil
	}
	u, err := s.dir.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpsertUser(u); err != nil {
		s.logger.Warn("failed to cache user", zap.Error(err), zap.String("user_id", id))
	}
	return u, nil
}

// Search filters the directory by display name or email substring,
// case-insensitively, excluding the signed-in user. No match returns an
// empty result, never an error.
func (s *UserService) Search(ctx context.Context, query string) ([]chat.User, error) {
	session, err := s.auth.Current()
	if err != nil {
		return nil, err
	}

	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	matches := make([]chat.User, 0)
	for _, u := range users {
		if u.ID == session.UserID {
			continue
		}
		if query == "" ||
			strings.Contains(strings.ToLower(u.DisplayName), query) ||
			strings.Contains(strings.ToLower(u.Email), query) {
			matches = append(matches, u)
		}
	}

	if err := s.db.BulkUpsertUsers(matches); err != nil {
		s.logger.Warn("failed to cache directory results", zap.Error(err))
	}
	return matches, nil
}

// Observe starts a presence/profile watch on a user.
func (s *UserService) Observe(ctx context.Context, userID string) error {
	return s.coord.WatchUser(ctx, userID)
}

// Unobserve tears down a presence watch.
func (s *UserService) Unobserve(userID string) {
	s.coord.Unwatch("user:" + userID)
}
