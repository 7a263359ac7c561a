// Package api exposes the daemon's operations as plain Go facades over the
// auth, sync, cache and outbox layers.
package api

import (
	"context"

	"go.uber.org/zap"

	"github.com/pigeon-im/pigeon/internal/auth"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/status"
	syncpkg "github.com/pigeon-im/pigeon/internal/sync"
)

// SessionService drives the sign-in lifecycle and the daemon status machine.
type SessionService struct {
	auth    *auth.Manager
	machine *status.Machine
	coord   *syncpkg.Coordinator
	logger  *zap.Logger
}

// NewSessionService creates a session facade.
func NewSessionService(a *auth.Manager, m *status.Machine, c *syncpkg.Coordinator, logger *zap.Logger) *SessionService {
	return &SessionService{auth: a, machine: m, coord: c, logger: logger}
}

// SignUp registers an account. The caller must verify the email before
// signing in.
func (s *SessionService) SignUp(ctx context.Context, email, password, displayName string) error {
	return s.auth.SignUp(ctx, email, password, displayName)
}

// SignIn authenticates and brings the session online: the conversation index
// watch and the self presence watch start immediately.
func (s *SessionService) SignIn(ctx context.Context, email, password string) (*remote.Session, error) {
	if err := s.machine.Transition(status.Authenticating); err != nil {
		return nil, err
	}

	session, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		if terr := s.machine.Transition(status.SignedOut); terr != nil {
			s.logger.Warn("status transition failed", zap.Error(terr))
		}
		return nil, err
	}

	if err := s.machine.Transition(status.Syncing); err != nil {
		s.logger.Warn("status transition failed", zap.Error(err))
	}

	if err := s.coord.WatchConversations(ctx, session.UserID); err != nil {
		s.logger.Error("failed to start conversation watch", zap.Error(err))
		if terr := s.machine.Transition(status.Degraded); terr != nil {
			s.logger.Warn("status transition failed", zap.Error(terr))
		}
	}
	if err := s.coord.WatchUser(ctx, session.UserID); err != nil {
		s.logger.Warn("failed to start self watch", zap.Error(err))
	}

	return session, nil
}

// SignOut tears down every watch and returns the daemon to signed-out. The
// coordinator stays usable, so a later SignIn resubscribes.
func (s *SessionService) SignOut(ctx context.Context) {
	s.coord.CloseAll()
	s.auth.SignOut(ctx)
	if err := s.machine.Transition(status.SignedOut); err != nil {
		s.logger.Warn("status transition failed", zap.Error(err))
	}
}

// Current returns the signed-in session.
func (s *SessionService) Current() (*remote.Session, error) {
	return s.auth.Current()
}

// Status returns the daemon runtime state.
func (s *SessionService) Status() status.State {
	return s.machine.Current()
}

// VerifyEmail redeems an emailed verification token.
func (s *SessionService) VerifyEmail(ctx context.Context, token string) error {
	return s.auth.VerifyEmail(ctx, token)
}

// ResendVerification reissues the verification email for the signed-in user.
func (s *SessionService) ResendVerification(ctx context.Context) error {
	return s.auth.ResendVerification(ctx)
}

// RequestPasswordReset issues a reset token for an email address.
func (s *SessionService) RequestPasswordReset(ctx context.Context, email string) error {
	return s.auth.RequestPasswordReset(ctx, email)
}

// ResetPassword redeems a reset token with a new password.
func (s *SessionService) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.auth.ResetPassword(ctx, token, newPassword)
}

// UpdateProfile rewrites the signed-in user's display name and avatar.
func (s *SessionService) UpdateProfile(ctx context.Context, displayName, avatarURL string) error {
	return s.auth.UpdateProfile(ctx, displayName, avatarURL)
}

// Reload refreshes the session from the identity service, picking up a
// verification completed after sign-up.
func (s *SessionService) Reload(ctx context.Context) (*remote.Session, error) {
	return s.auth.Reload(ctx)
}
