package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
)

func newMockRepo(t *testing.T) (IdentityRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewIdentityRepository(sqlx.NewDb(db, "pgx")), mock
}

func TestGetIdentity(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role", "company_id", "is_active"}).
			AddRow("u-1", "ana@example.com", "MANAGER", "c-1", true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM user_permissions")).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"permission"}).
			AddRow("security:read").
			AddRow("reports:*").
			AddRow("legacy:thing"))

	id, err := repo.GetIdentity(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleManager, id.Role)
	assert.Equal(t, "c-1", id.CompanyID)
	assert.True(t, id.IsActive)
	assert.True(t, id.Grants.Has(rbac.PermSecurityRead))
	assert.True(t, id.Grants.Has(rbac.NewPermission(rbac.FamilyReports, rbac.ActionDelete)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIdentityNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).WithArgs("nobody").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetIdentity(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetIdentityUnknownRole(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role", "company_id", "is_active"}).
			AddRow("u-2", "x@example.com", "OWNER", "", true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM user_permissions")).
		WillReturnRows(sqlmock.NewRows([]string{"permission"}))

	id, err := repo.GetIdentity(context.Background(), "u-2")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleNone, id.Role)
}

func TestGetIdentityDatabaseError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).WillReturnError(errors.New("connection refused"))

	_, err := repo.GetIdentity(context.Background(), "u-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserNotFound)
}

func TestGetByEmailNormalizes(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE email = $1")).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "password_hash", "role", "company_id",
			"is_active", "created_at", "updated_at", "last_login_at",
		}).AddRow("u-1", "ana@example.com", "$2a$hash", "USER", "c-1", true, time.Now(), time.Now(), nil))

	u, err := repo.GetByEmail(context.Background(), "  Ana@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "$2a$hash", u.PasswordHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRole(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET role = $1")).
		WithArgs("ADMIN", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET role = $1")).
		WithArgs("USER", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.UpdateRole(context.Background(), "u-1", rbac.RoleAdmin))
	assert.ErrorIs(t, repo.UpdateRole(context.Background(), "ghost", rbac.RoleUser), ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
