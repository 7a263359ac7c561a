package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/pigeon-im/pigeon/internal/chat"
	"github.com/pigeon-im/pigeon/internal/telemetry"
)

const (
	verifyTokenTTL = 24 * time.Hour
	resetTokenTTL  = time.Hour
)

// account is the credential document, kept separate from the public user
// directory record.
type account struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Verified     bool   `json:"verified"`
	CreatedAt    int64  `json:"created_at"`
}

// Claims are the JWT session token claims.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityProvider is the Redis-backed managed auth adapter. Verification
// and password-reset tokens are issued here and handed to the telemetry
// sink; a deployment plugs a mailer into that seam.
type IdentityProvider struct {
	rdb      *redis.Client
	secret   []byte
	tokenTTL time.Duration
	sink     telemetry.Sink
}

var _ Identity = (*IdentityProvider)(nil)

// NewIdentityProvider builds an identity adapter sharing the document-store
// connection.
func NewIdentityProvider(c *Client, secret string, tokenTTL time.Duration, sink telemetry.Sink) *IdentityProvider {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &IdentityProvider{rdb: c.rdb, secret: []byte(secret), tokenTTL: tokenTTL, sink: sink}
}

func accountKey(email string) string   { return "pigeon:account:" + strings.ToLower(email) }
func verifyTokenKey(tok string) string { return "pigeon:verify:" + tok }
func resetTokenKey(tok string) string  { return "pigeon:reset:" + tok }

func (p *IdentityProvider) CreateAccount(ctx context.Context, email, password, displayName string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, chat.E(chat.KindAuth, "hash password").Wrap(err)
	}
	acct := account{
		UserID:       uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(&acct)
	if err != nil {
		return nil, chat.E(chat.KindAuth, "encode account").Wrap(err)
	}
	created, err := p.rdb.SetNX(ctx, accountKey(email), raw, 0).Result()
	if err != nil {
		return nil, chat.E(chat.KindTransport, "create account").Wrap(err)
	}
	if !created {
		return nil, chat.ErrUserExists
	}
	if err := p.issueVerification(ctx, acct.UserID, email); err != nil {
		return nil, err
	}
	token, err := p.signToken(acct.UserID, email)
	if err != nil {
		return nil, err
	}
	return &Session{
		UserID:      acct.UserID,
		Email:       email,
		DisplayName: displayName,
		Token:       token,
	}, nil
}

func (p *IdentityProvider) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	acct, err := p.account(ctx, email)
	if err != nil {
		if chat.KindOf(err) == chat.KindNotFound {
			return nil, chat.ErrBadCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, chat.ErrBadCredentials
	}
	token, err := p.signToken(acct.UserID, acct.Email)
	if err != nil {
		return nil, err
	}
	return &Session{
		UserID:        acct.UserID,
		Email:         acct.Email,
		Token:         token,
		EmailVerified: acct.Verified,
	}, nil
}

func (p *IdentityProvider) Reload(ctx context.Context, session *Session) (*Session, error) {
	acct, err := p.account(ctx, session.Email)
	if err != nil {
		return nil, err
	}
	refreshed := *session
	refreshed.EmailVerified = acct.Verified
	return &refreshed, nil
}

func (p *IdentityProvider) SendEmailVerification(ctx context.Context, userID string) error {
	acct, err := p.accountByUserID(ctx, userID)
	if err != nil {
		return err
	}
	return p.issueVerification(ctx, acct.UserID, acct.Email)
}

func (p *IdentityProvider) VerifyEmail(ctx context.Context, token string) error {
	email, err := p.rdb.Get(ctx, verifyTokenKey(token)).Result()
	if err == redis.Nil {
		return chat.ErrTokenInvalid
	}
	if err != nil {
		return chat.E(chat.KindTransport, "redeem verification token").Wrap(err)
	}
	if err := p.updateAccount(ctx, email, func(a *account) { a.Verified = true }); err != nil {
		return err
	}
	p.rdb.Del(ctx, verifyTokenKey(token))
	return nil
}

func (p *IdentityProvider) SendPasswordReset(ctx context.Context, email string) error {
	acct, err := p.account(ctx, email)
	if err != nil {
		return err
	}
	tok := uuid.New().String()
	if err := p.rdb.Set(ctx, resetTokenKey(tok), acct.Email, resetTokenTTL).Err(); err != nil {
		return chat.E(chat.KindTransport, "issue reset token").Wrap(err)
	}
	p.sink.Emit(telemetry.Event{
		Name:   "password_reset_issued",
		Fields: map[string]any{"email": acct.Email, "token": tok},
	})
	return nil
}

func (p *IdentityProvider) ResetPassword(ctx context.Context, token, newPassword string) error {
	email, err := p.rdb.Get(ctx, resetTokenKey(token)).Result()
	if err == redis.Nil {
		return chat.ErrTokenInvalid
	}
	if err != nil {
		return chat.E(chat.KindTransport, "redeem reset token").Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return chat.E(chat.KindAuth, "hash password").Wrap(err)
	}
	if err := p.updateAccount(ctx, email, func(a *account) { a.PasswordHash = string(hash) }); err != nil {
		return err
	}
	p.rdb.Del(ctx, resetTokenKey(token))
	return nil
}

// ParseToken validates a session token and returns the user id it names.
func (p *IdentityProvider) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		return "", chat.ErrTokenInvalid.Wrap(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", chat.ErrTokenInvalid
	}
	return claims.Subject, nil
}

func (p *IdentityProvider) signToken(userID, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "pigeon",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", chat.E(chat.KindAuth, "sign session token").Wrap(err)
	}
	return token, nil
}

func (p *IdentityProvider) issueVerification(ctx context.Context, userID, email string) error {
	tok := uuid.New().String()
	if err := p.rdb.Set(ctx, verifyTokenKey(tok), email, verifyTokenTTL).Err(); err != nil {
		return chat.E(chat.KindTransport, "issue verification token").Wrap(err)
	}
	p.sink.Emit(telemetry.Event{
		Name:   "verification_issued",
		Fields: map[string]any{"user_id": userID, "email": email, "token": tok},
	})
	return nil
}

func (p *IdentityProvider) account(ctx context.Context, email string) (*account, error) {
	raw, err := p.rdb.Get(ctx, accountKey(email)).Bytes()
	if err == redis.Nil {
		return nil, chat.ErrUserNotFound
	}
	if err != nil {
		return nil, chat.E(chat.KindTransport, "get account").Wrap(err)
	}
	var acct account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, chat.E(chat.KindTransport, "decode account").Wrap(err)
	}
	return &acct, nil
}

// accountByUserID scans the account set for a user id. Accounts are keyed by
// email; this reverse lookup is only used on the rare resend-verification
// path.
func (p *IdentityProvider) accountByUserID(ctx context.Context, userID string) (*account, error) {
	var cursor uint64
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, "pigeon:account:*", 100).Result()
		if err != nil {
			return nil, chat.E(chat.KindTransport, "scan accounts").Wrap(err)
		}
		for _, key := range keys {
			raw, err := p.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var acct account
			if err := json.Unmarshal(raw, &acct); err != nil {
				continue
			}
			if acct.UserID == userID {
				return &acct, nil
			}
		}
		if next == 0 {
			return nil, chat.ErrUserNotFound
		}
		cursor = next
	}
}

func (p *IdentityProvider) updateAccount(ctx context.Context, email string, mutate func(*account)) error {
	acct, err := p.account(ctx, email)
	if err != nil {
		return err
	}
	mutate(acct)
	raw, err := json.Marshal(acct)
	if err != nil {
		return chat.E(chat.KindAuth, "encode account").Wrap(err)
	}
	if err := p.rdb.Set(ctx, accountKey(email), raw, 0).Err(); err != nil {
		return chat.E(chat.KindTransport, "update account").Wrap(err)
	}
	return nil
}
