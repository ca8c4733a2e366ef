package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	appctx "github.com/Hasanromadon/tangibly-sub001/internal/context"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
)

type memberStore struct {
	mu      sync.Mutex
	members map[string]repository.Identity
}

func (m *memberStore) GetIdentity(_ context.Context, userID string) (*repository.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.members[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &id, nil
}

func (m *memberStore) GetByEmail(context.Context, string) (*repository.User, error) {
	return nil, repository.ErrUserNotFound
}

func (m *memberStore) UpdateRole(_ context.Context, userID string, role rbac.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.members[userID]
	id.Role = role
	m.members[userID] = id
	return nil
}

func (m *memberStore) UpdateLastLogin(context.Context, string) error { return nil }

func newRoleRouter(actor *rbac.Subject) (http.Handler, *memberStore) {
	store := &memberStore{members: map[string]repository.Identity{
		"u-viewer": {UserID: "u-viewer", Role: rbac.RoleViewer, CompanyID: "c1", IsActive: true},
		"u-admin":  {UserID: "u-admin", Role: rbac.RoleAdmin, CompanyID: "c1", IsActive: true},
	}}
	h := NewRoleHandler(auth.NewRoleService(store, rbac.NewResolver(), nil), logger.Discard())

	withActor := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor != nil {
				r = r.WithContext(appctx.WithPrincipal(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	}

	r := chi.NewRouter()
	RegisterRoleRoutes(r, h, withActor)
	return r, store
}

func putRole(h http.Handler, company, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/companies/"+company+"/users/"+user+"/role", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAssignRoleHandler(t *testing.T) {
	admin := &rbac.Subject{UserID: "boss", Role: rbac.RoleAdmin, CompanyID: "c1"}

	tests := []struct {
		name    string
		company string
		user    string
		body    string
		status  int
		code    string
	}{
		{"promote viewer", "c1", "u-viewer", `{"role":"manager"}`, http.StatusOK, ""},
		{"escalation", "c1", "u-viewer", `{"role":"ADMIN"}`, http.StatusForbidden, CodeForbidden},
		{"peer", "c1", "u-admin", `{"role":"USER"}`, http.StatusForbidden, CodeForbidden},
		{"other company", "c2", "u-viewer", `{"role":"USER"}`, http.StatusForbidden, CodeForbidden},
		{"unknown user", "c1", "nobody", `{"role":"USER"}`, http.StatusNotFound, CodeUserNotFound},
		{"unknown role", "c1", "u-viewer", `{"role":"OWNER"}`, http.StatusBadRequest, CodeValidationError},
		{"missing role", "c1", "u-viewer", `{}`, http.StatusBadRequest, CodeValidationError},
		{"bad body", "c1", "u-viewer", `role=USER`, http.StatusBadRequest, CodeValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store := newRoleRouter(admin)
			rec := putRole(h, tt.company, tt.user, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			env := decode(t, rec)
			assert.Equal(t, tt.code, env.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, rbac.RoleManager, store.members[tt.user].Role)
			}
		})
	}
}

func TestAssignRoleRequiresPrincipal(t *testing.T) {
	h, _ := newRoleRouter(nil)
	rec := putRole(h, "c1", "u-viewer", `{"role":"USER"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
