package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// InsertUser persists a new user.
func (s *Store) InsertUser(ctx context.Context, u *models.User) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, role, active) VALUES ($1,$2,$3,$4,$5)
	`, u.ID, u.Username, u.PasswordHash, u.Role, u.Active)
	if err != nil {
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// GetUserByUsername loads a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.Pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, active, created_at FROM users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by username: %w", err)
	}
	return &u, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.Pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, active, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// CountUsers returns the number of registered users, used to decide
// whether to run admin bootstrap (Supplemented Feature D.5).
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.Pool.QueryRow(ctx, "SELECT count(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// UpdateUserRole changes a user's role. Self-demotion is enforced by the
// caller in internal/host/auth (§4.10 self-protection, §8 invariant 6).
func (s *Store) UpdateUserRole(ctx context.Context, id int64, role models.Role) error {
	_, err := s.Pool.Exec(ctx, "UPDATE users SET role = $1 WHERE id = $2", role, id)
	if err != nil {
		return fmt.Errorf("store: update user role: %w", err)
	}
	return nil
}

// SetUserActive enables/disables a user.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	_, err := s.Pool.Exec(ctx, "UPDATE users SET active = $1 WHERE id = $2", active, id)
	if err != nil {
		return fmt.Errorf("store: set user active: %w", err)
	}
	return nil
}

// DeleteUser removes a user row.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	return nil
}

// InsertSession persists a new login session.
func (s *Store) InsertSession(ctx context.Context, sess *models.Session) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, expires_at) VALUES ($1,$2,$3)
	`, sess.ID, sess.UserID, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

// GetSession loads a session as stored; it does not check expiry.
// internal/host/auth compares ExpiresAt on every use and calls
// DeleteSession for an expired row (§4.10).
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.Pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session (expiry-on-access or explicit logout).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// InsertAPIToken persists a token's hash (never its plaintext — §3 invariant 9).
func (s *Store) InsertAPIToken(ctx context.Context, t *models.APIToken) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO api_tokens (id, user_id, name, hash_sha3) VALUES ($1,$2,$3,$4)
	`, t.ID, t.UserID, t.Name, t.HashSHA3)
	if err != nil {
		return fmt.Errorf("store: insert api token: %w", err)
	}
	return nil
}

// GetAPITokenByHash loads a token by its SHA3-512 hash.
func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	var t models.APIToken
	err := s.Pool.QueryRow(ctx, `
		SELECT id, user_id, name, hash_sha3, last_used_at, created_at FROM api_tokens WHERE hash_sha3 = $1
	`, hash).Scan(&t.ID, &t.UserID, &t.Name, &t.HashSHA3, &t.LastUsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api token: %w", err)
	}
	return &t, nil
}

// TouchAPIToken asynchronously-safe last-used update (called in a goroutine
// by internal/host/auth, mirroring control-plane/internal/gateway/auth.go).
func (s *Store) TouchAPIToken(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, "UPDATE api_tokens SET last_used_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: touch api token: %w", err)
	}
	return nil
}

// RevokeAPIToken deletes a token.
func (s *Store) RevokeAPIToken(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM api_tokens WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: revoke api token: %w", err)
	}
	return nil
}

// InsertInvitation persists a new invitation.
func (s *Store) InsertInvitation(ctx context.Context, inv *models.Invitation) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO invitations (token, role, group_name, max_usage, expires_at) VALUES ($1,$2,$3,$4,$5)
	`, inv.Token, inv.Role, inv.GroupName, inv.MaxUsage, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert invitation: %w", err)
	}
	return nil
}

// GetInvitation loads an invitation by token.
func (s *Store) GetInvitation(ctx context.Context, token string) (*models.Invitation, error) {
	var inv models.Invitation
	err := s.Pool.QueryRow(ctx, `
		SELECT token, role, group_name, max_usage, usage_count, expires_at FROM invitations WHERE token = $1
	`, token).Scan(&inv.Token, &inv.Role, &inv.GroupName, &inv.MaxUsage, &inv.UsageCount, &inv.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get invitation: %w", err)
	}
	return &inv, nil
}

// ConsumeInvitation atomically increments usage_count if below max_usage
// and the invitation has not expired; returns ErrNotFound if the
// invitation cannot be consumed.
func (s *Store) ConsumeInvitation(ctx context.Context, token string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE invitations SET usage_count = usage_count + 1
		WHERE token = $1 AND usage_count < max_usage AND expires_at > now()
	`, token)
	if err != nil {
		return fmt.Errorf("store: consume invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertGroup persists a group and its quota document.
func (s *Store) InsertGroup(ctx context.Context, g *models.Group) error {
	quotasJSON, _ := json.Marshal(g.Quotas)
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO groups (name, tier, quotas) VALUES ($1,$2,$3)
	`, g.Name, g.Tier, quotasJSON)
	if err != nil {
		return fmt.Errorf("store: insert group: %w", err)
	}
	return nil
}

// GetGroup loads a group by name.
func (s *Store) GetGroup(ctx context.Context, name string) (*models.Group, error) {
	var g models.Group
	var quotasJSON []byte
	err := s.Pool.QueryRow(ctx, `
		SELECT name, tier, quotas FROM groups WHERE name = $1
	`, name).Scan(&g.Name, &g.Tier, &quotasJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get group: %w", err)
	}
	_ = json.Unmarshal(quotasJSON, &g.Quotas)
	return &g, nil
}

// AssignVPS grants userID access to taskID beyond its owner (§4.10 VPS access).
func (s *Store) AssignVPS(ctx context.Context, taskID, userID int64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO vps_assignments (task_id, user_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, taskID, userID)
	if err != nil {
		return fmt.Errorf("store: assign vps: %w", err)
	}
	return nil
}

// IsVPSAssigned reports whether userID has an explicit assignment to taskID.
func (s *Store) IsVPSAssigned(ctx context.Context, taskID, userID int64) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM vps_assignments WHERE task_id = $1 AND user_id = $2)
	`, taskID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: is vps assigned: %w", err)
	}
	return exists, nil
}
