// Package auth issues and verifies the opaque bearer sessions browser
// clients hold. Passwords are salted PBKDF2 digests; tokens are 128-bit
// random values with a fixed TTL and strict expiry.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metastore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

const (
	pbkdf2Iterations = 600_000
	saltBytes        = 16
	keyBytes         = 32
	tokenBytes       = 16 // 128 bits
)

// Service authenticates users against the metadata store.
type Service struct {
	store *metastore.Store
	ttl   time.Duration
	log   *zap.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// New wires the auth service with the configured session TTL.
func New(store *metastore.Store, ttl time.Duration) *Service {
	return &Service{
		store: store,
		ttl:   ttl,
		log:   logging.Get("auth"),
		now:   time.Now,
	}
}

// HashPassword derives the salt and digest stored for a new user.
func HashPassword(password string) (salt, hash []byte, err error) {
	salt = make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	hash = pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyBytes, sha256.New)
	return salt, hash, nil
}

// Register creates a user with a derived password digest.
func (s *Service) Register(ctx context.Context, username, displayName, password string, role types.Role) (*types.User, error) {
	if !role.Valid() {
		return nil, edgeerr.Wrapf(edgeerr.KindInternal, nil, "unknown role %q", role)
	}
	salt, hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &types.User{
		Username:     username,
		DisplayName:  displayName,
		Role:         role,
		PasswordSalt: salt,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies credentials and issues a session. Unknown users and
// wrong passwords are indistinguishable to the caller, and both paths
// burn a full digest derivation so timing does not leak which failed.
func (s *Service) Login(ctx context.Context, username, password string) (*types.Session, *types.User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, edgeerr.ErrNotFound) {
			var burn [saltBytes]byte
			pbkdf2.Key([]byte(password), burn[:], pbkdf2Iterations, keyBytes, sha256.New)
			return nil, nil, edgeerr.ErrUnauthorized
		}
		return nil, nil, err
	}

	derived := pbkdf2.Key([]byte(password), u.PasswordSalt, pbkdf2Iterations, keyBytes, sha256.New)
	if subtle.ConstantTimeCompare(derived, u.PasswordHash) != 1 {
		return nil, nil, edgeerr.ErrUnauthorized
	}

	token, err := newToken()
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	sess := &types.Session{
		Token:     token,
		UserID:    u.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	s.log.Info("session issued", zap.String("username", username), zap.String("role", string(u.Role)))
	return sess, u, nil
}

// Verify resolves a bearer token to its user. Expiry is strict: a
// session is valid only while now < ExpiresAt.
func (s *Service) Verify(ctx context.Context, token string) (*types.User, error) {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, edgeerr.ErrNotFound) {
			return nil, edgeerr.ErrUnauthorized
		}
		return nil, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, edgeerr.ErrExpired
	}
	return s.store.GetUser(ctx, sess.UserID)
}

// Logout revokes every session of the token's owner. Revocation is
// deliberately coarse: one logout logs the student out of every device,
// which is the behavior shared classroom machines need.
func (s *Service) Logout(ctx context.Context, token string) error {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, edgeerr.ErrNotFound) {
			// Already gone. Logout is idempotent.
			return nil
		}
		return err
	}
	return s.store.DeleteSessionsForUser(ctx, sess.UserID)
}

// RequireRole checks that the user holds at least the given role, with
// admin > teacher > student.
func RequireRole(u *types.User, min types.Role) error {
	if roleRank(u.Role) < roleRank(min) {
		return edgeerr.Wrapf(edgeerr.KindUnauthorized, nil, "requires %s role", min)
	}
	return nil
}

func roleRank(r types.Role) int {
	switch r {
	case types.RoleAdmin:
		return 3
	case types.RoleTeacher:
		return 2
	case types.RoleStudent:
		return 1
	}
	return 0
}

func newToken() (string, error) {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
