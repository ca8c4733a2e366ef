package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
)

// Common errors
var (
	ErrUserNotFound = errors.New("user not found")
)

// IdentityRepository reads and updates the identities the access layer
// authorizes against
type IdentityRepository interface {
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateRole(ctx context.Context, userID string, role rbac.Role) error
	UpdateLastLogin(ctx context.Context, userID string) error
}

// identityRepository implements IdentityRepository on PostgreSQL
type identityRepository struct {
	db *sqlx.DB
}

// NewIdentityRepository creates a new IdentityRepository instance
func NewIdentityRepository(db *sqlx.DB) IdentityRepository {
	return &identityRepository{db: db}
}

// GetIdentity resolves role, company, active flag and explicit grants of a
// user. A role name the access layer does not know resolves to rbac.RoleNone.
func (r *identityRepository) GetIdentity(ctx context.Context, userID string) (*Identity, error) {
	defer metrics.TimeQuery("get_identity")()

	query := `
		SELECT id, email, role, COALESCE(company_id::text, '') AS company_id, is_active
		FROM users
		WHERE id = $1
	`
	var u User
	if err := r.db.GetContext(ctx, &u, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}

	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT permission FROM user_permissions WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("get permissions: %w", err)
	}
	grants, _ := rbac.ParsePermissions(names)

	role, err := rbac.ParseRole(u.Role)
	if err != nil {
		role = rbac.RoleNone
	}

	return &Identity{
		UserID:    u.ID,
		Email:     u.Email,
		Role:      role,
		CompanyID: u.CompanyID,
		IsActive:  u.IsActive,
		Grants:    grants,
	}, nil
}

// GetByEmail retrieves a user and its password hash by email
func (r *identityRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer metrics.TimeQuery("get_user_by_email")()

	query := `
		SELECT id, email, password_hash, role, COALESCE(company_id::text, '') AS company_id,
		       is_active, created_at, updated_at, last_login_at
		FROM users
		WHERE email = $1
	`
	var u User
	if err := r.db.GetContext(ctx, &u, query, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// UpdateRole sets the role of a user
func (r *identityRepository) UpdateRole(ctx context.Context, userID string, role rbac.Role) error {
	defer metrics.TimeQuery("update_role")()

	res, err := r.db.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`, role.String(), userID)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateLastLogin stamps the user's last successful login
func (r *identityRepository) UpdateLastLogin(ctx context.Context, userID string) error {
	defer metrics.TimeQuery("update_last_login")()

	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1`, userID)
	return err
}
