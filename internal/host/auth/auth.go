// Package auth implements the Host's authentication core (spec §4.10): the
// five-level role hierarchy, credential resolution (admin-secret header,
// then session cookie, then bearer token), bcrypt password hashing, SHA3-512
// API token hashing, invitations, and self-protection for admins. Grounded
// on control-plane/internal/gateway/auth.go's cache-first lookup and
// hash-at-rest idiom, generalized from API-key validation to the full
// session/token/invitation surface spec §4.10 names.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/snowflake"
)

// ErrInvalidCredentials covers bad username/password, expired/unknown
// sessions, and unknown/revoked tokens. Deliberately undifferentiated so
// HTTP handlers don't leak which part of a login failed (§7 user-visible
// failures: opaque for things that shouldn't be enumerable).
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrSelfProtection is returned when an admin attempts to demote, disable,
// or delete themselves (§4.10 self-protection, §8 invariant 6).
var ErrSelfProtection = errors.New("auth: admins may not demote, disable, or delete themselves")

// Store is the subset of internal/host/store.Store the auth core needs.
type Store interface {
	InsertUser(ctx context.Context, u *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CountUsers(ctx context.Context) (int, error)
	UpdateUserRole(ctx context.Context, id int64, role models.Role) error
	SetUserActive(ctx context.Context, id int64, active bool) error
	DeleteUser(ctx context.Context, id int64) error

	InsertSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	InsertAPIToken(ctx context.Context, t *models.APIToken) error
	GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error)
	TouchAPIToken(ctx context.Context, id int64) error
	RevokeAPIToken(ctx context.Context, id int64) error

	InsertInvitation(ctx context.Context, inv *models.Invitation) error
	GetInvitation(ctx context.Context, token string) (*models.Invitation, error)
	ConsumeInvitation(ctx context.Context, token string) error

	IsVPSAssigned(ctx context.Context, taskID, userID int64) (bool, error)
}

// Service implements §4.10 end to end.
type Service struct {
	store       Store
	logger      *zap.Logger
	ids         *snowflake.Node
	bcryptCost  int
	sessionTTL  time.Duration
	adminSecret string
}

// New constructs a Service.
func New(store Store, logger *zap.Logger, ids *snowflake.Node, bcryptCost int, sessionTTL time.Duration, adminSecret string) *Service {
	return &Service{
		store:       store,
		logger:      logger,
		ids:         ids,
		bcryptCost:  bcryptCost,
		sessionTTL:  sessionTTL,
		adminSecret: adminSecret,
	}
}

// Bootstrap creates the first admin user if the user table is empty
// (Supplemented Feature D.5 — the spec assumes an operator exists but
// never says how the very first one is created).
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("auth: bootstrap: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Register(ctx, username, password, "", models.RoleAdmin); err != nil {
		return fmt.Errorf("auth: bootstrap: %w", err)
	}
	s.logger.Info("bootstrapped initial admin user", zap.String("username", username))
	return nil
}

// Register creates a user. invitationToken, when non-empty, must be valid
// and its usage is consumed; its role overrides the requested role (§4.10
// invitations). With an empty token the requested role is applied as given;
// Register itself does not restrict it (the HTTP register handler always
// requests viewer, and Bootstrap requests admin).
func (s *Service) Register(ctx context.Context, username, password, invitationToken string, role models.Role) (*models.User, error) {
	if invitationToken != "" {
		inv, err := s.store.GetInvitation(ctx, invitationToken)
		if err != nil {
			return nil, fmt.Errorf("auth: register: %w", ErrInvalidCredentials)
		}
		if time.Now().After(inv.ExpiresAt) || inv.UsageCount >= inv.MaxUsage {
			return nil, fmt.Errorf("auth: register: invitation exhausted or expired")
		}
		role = inv.Role
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: register: hash password: %w", err)
	}

	u := &models.User{
		ID:           s.ids.Generate(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	}
	if err := s.store.InsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}

	if invitationToken != "" {
		if err := s.store.ConsumeInvitation(ctx, invitationToken); err != nil {
			s.logger.Warn("failed to consume invitation after registration", zap.Error(err))
		}
	}

	return u, nil
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, username, password string) (*models.Session, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		// Hash a dummy password anyway so login timing doesn't reveal
		// whether the username exists.
		_, _ = bcrypt.GenerateFromPassword([]byte("x"), s.bcryptCost)
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	sess := &models.Session{
		ID:        randomToken(32),
		UserID:    u.ID,
		ExpiresAt: time.Now().Add(s.sessionTTL),
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	return sess, nil
}

// Logout deletes a session explicitly.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// Principal is the resolved identity of an authenticated request.
type Principal struct {
	Role   models.Role
	UserID int64 // 0 for anonymous or admin-secret
}

// Authenticate resolves a principal in the order §4.10 fixes: admin-secret
// header, then session cookie, then bearer token; unknown credentials fall
// back to anonymous rather than erroring, so public endpoints keep working.
func (s *Service) Authenticate(ctx context.Context, adminHeader, sessionCookie, bearerToken string) Principal {
	if s.adminSecret != "" && adminHeader != "" && subtle.ConstantTimeCompare([]byte(adminHeader), []byte(s.adminSecret)) == 1 {
		return Principal{Role: models.RoleAdmin}
	}

	if sessionCookie != "" {
		sess, err := s.store.GetSession(ctx, sessionCookie)
		if err == nil {
			if time.Now().After(sess.ExpiresAt) {
				_ = s.store.DeleteSession(ctx, sessionCookie)
			} else if u, err := s.store.GetUser(ctx, sess.UserID); err == nil && u.Active {
				return Principal{Role: u.Role, UserID: u.ID}
			}
		}
	}

	if bearerToken != "" {
		hash := hashToken(bearerToken)
		tok, err := s.store.GetAPITokenByHash(ctx, hash)
		if err == nil {
			if u, err := s.store.GetUser(ctx, tok.UserID); err == nil && u.Active {
				go func() {
					touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := s.store.TouchAPIToken(touchCtx, tok.ID); err != nil {
						s.logger.Warn("failed to update api token last-used", zap.Error(err))
					}
				}()
				return Principal{Role: u.Role, UserID: u.ID}
			}
		}
	}

	return Principal{Role: models.RoleAnonymous}
}

// CreateAPIToken mints a new token for userID. The plaintext is returned
// exactly once (§4.10); only its SHA3-512 hash is ever persisted (§3
// invariant 9).
func (s *Service) CreateAPIToken(ctx context.Context, userID int64, name string) (plaintext string, _ *models.APIToken, _ error) {
	plaintext = "kr_" + randomToken(32)
	t := &models.APIToken{
		ID:       s.ids.Generate(),
		UserID:   userID,
		Name:     name,
		HashSHA3: hashToken(plaintext),
	}
	if err := s.store.InsertAPIToken(ctx, t); err != nil {
		return "", nil, fmt.Errorf("auth: create api token: %w", err)
	}
	return plaintext, t, nil
}

// RevokeAPIToken deletes a token by id.
func (s *Service) RevokeAPIToken(ctx context.Context, id int64) error {
	return s.store.RevokeAPIToken(ctx, id)
}

// CreateInvitation mints an invitation. Operators may only issue
// viewer-level invitations (§4.10).
func (s *Service) CreateInvitation(ctx context.Context, issuer models.Role, role models.Role, group string, maxUsage int, ttl time.Duration) (*models.Invitation, error) {
	if issuer == models.RoleOperator && role != models.RoleViewer {
		return nil, fmt.Errorf("auth: operators may only issue viewer invitations")
	}
	if !issuer.AtLeast(models.RoleOperator) {
		return nil, fmt.Errorf("auth: %w", ErrInvalidCredentials)
	}

	inv := &models.Invitation{
		Token:     randomToken(24),
		Role:      role,
		GroupName: group,
		MaxUsage:  maxUsage,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.store.InsertInvitation(ctx, inv); err != nil {
		return nil, fmt.Errorf("auth: create invitation: %w", err)
	}
	return inv, nil
}

// SetUserRole changes targetID's role, refusing admin self-demotion.
func (s *Service) SetUserRole(ctx context.Context, actorID, targetID int64, role models.Role) error {
	if actorID == targetID {
		actor, err := s.store.GetUser(ctx, actorID)
		if err == nil && actor.Role == models.RoleAdmin && role != models.RoleAdmin {
			return ErrSelfProtection
		}
	}
	return s.store.UpdateUserRole(ctx, targetID, role)
}

// SetUserActive enables/disables targetID, refusing admin self-disable.
func (s *Service) SetUserActive(ctx context.Context, actorID, targetID int64, active bool) error {
	if actorID == targetID && !active {
		actor, err := s.store.GetUser(ctx, actorID)
		if err == nil && actor.Role == models.RoleAdmin {
			return ErrSelfProtection
		}
	}
	return s.store.SetUserActive(ctx, targetID, active)
}

// DeleteUser removes targetID, refusing admin self-delete.
func (s *Service) DeleteUser(ctx context.Context, actorID, targetID int64) error {
	if actorID == targetID {
		actor, err := s.store.GetUser(ctx, actorID)
		if err == nil && actor.Role == models.RoleAdmin {
			return ErrSelfProtection
		}
	}
	return s.store.DeleteUser(ctx, targetID)
}

// CanAccessVPS reports whether principal may access a VPS task (§4.10: "VPS
// access... is granted only to the owner, assigned users, or
// operators/admins").
func (s *Service) CanAccessVPS(ctx context.Context, p Principal, taskID int64, owner string, ownerID int64) bool {
	if p.Role.AtLeast(models.RoleOperator) {
		return true
	}
	if p.UserID != 0 && p.UserID == ownerID {
		return true
	}
	if p.UserID == 0 {
		return false
	}
	assigned, err := s.store.IsVPSAssigned(ctx, taskID, p.UserID)
	return err == nil && assigned
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// hashToken computes the SHA3-512 hash of an API token's plaintext (§4.10,
// §3 invariant 9: plaintext tokens never appear in the durable store).
func hashToken(plaintext string) string {
	sum := sha3.Sum512([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
