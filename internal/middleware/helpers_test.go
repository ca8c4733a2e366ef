package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	appctx "github.com/Hasanromadon/tangibly-sub001/internal/context"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/ratelimit"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
	"github.com/Hasanromadon/tangibly-sub001/internal/throttle"
)

const (
	testSecret = "test-access-secret-key-32-chars!"
	testIP     = "192.0.2.1"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeIdentities is an in-memory repository.IdentityRepository
type fakeIdentities struct {
	mu         sync.Mutex
	identities map[string]repository.Identity
}

func newFakeIdentities(ids ...repository.Identity) *fakeIdentities {
	f := &fakeIdentities{identities: make(map[string]repository.Identity)}
	for _, id := range ids {
		f.identities[id.UserID] = id
	}
	return f
}

func (f *fakeIdentities) GetIdentity(_ context.Context, userID string) (*repository.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &id, nil
}

func (f *fakeIdentities) GetByEmail(context.Context, string) (*repository.User, error) {
	return nil, repository.ErrUserNotFound
}

func (f *fakeIdentities) UpdateRole(_ context.Context, userID string, role rbac.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	id.Role = role
	f.identities[userID] = id
	return nil
}

func (f *fakeIdentities) UpdateLastLogin(context.Context, string) error { return nil }

func (f *fakeIdentities) set(id repository.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[id.UserID] = id
}

// failingStore fails every atomic update
type failingStore struct {
	kvstore.Store
}

func (failingStore) Update(context.Context, string, kvstore.UpdateFunc) error {
	return errors.New("store unavailable")
}

type harness struct {
	t        *testing.T
	clk      *clock.Fake
	store    kvstore.Store
	tokens   *auth.TokenService
	sessions *session.Registry
	throttle *throttle.LoginThrottle
	ids      *fakeIdentities
	log      *events.Log
	access   *AccessMiddleware
	router   chi.Router
	calls    atomic.Int32
}

func newHarness(t *testing.T, policy ratelimit.Policy) *harness {
	t.Helper()
	clk := clock.NewFake(testStart)
	store := kvstore.NewMemoryStore(clk)
	h := &harness{
		t:        t,
		clk:      clk,
		store:    store,
		tokens:   auth.NewTokenService(auth.TokenServiceConfig{Secret: testSecret, Issuer: "tangibly", Clock: clk}),
		sessions: session.NewRegistry(store, session.Config{Clock: clk}),
		throttle: throttle.New(store, throttle.Config{Clock: clk}),
		ids: newFakeIdentities(
			repository.Identity{UserID: "u1", Email: "user@acme.test", Role: rbac.RoleUser, CompanyID: "c1", IsActive: true},
			repository.Identity{UserID: "root", Email: "root@tangibly.test", Role: rbac.RoleSuperAdmin, IsActive: true},
		),
		log: events.NewLog(events.LogConfig{Clock: clk, Logger: logger.Discard()}),
	}
	authn := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Tokens:     h.tokens,
		Sessions:   h.sessions,
		Throttle:   h.throttle,
		Identities: h.ids,
		Hasher:     auth.NewPasswordHasher(4),
		Events:     h.log,
		Clock:      clk,
		Logger:     logger.Discard(),
	})
	limiter := ratelimit.New(store, ratelimit.Config{Clock: clk, Logger: logger.Discard()})
	h.access = NewAccessMiddleware(AccessConfig{
		Limiter:       limiter,
		Policies:      func(string) ratelimit.Policy { return policy },
		Authenticator: authn,
		Guard: NewGuard(GuardConfig{
			AllowedOrigins: []string{"https://app.tangibly.test"},
			Limiter:        limiter,
			Events:         h.log,
			Logger:         logger.Discard(),
		}),
		Events: h.log,
		Logger: logger.Discard(),
	})

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		userID, _ := appctx.ExtractUserID(r.Context())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(userID))
	})

	r := chi.NewRouter()
	r.With(h.access.Handler(Rule{Public: true})).Get("/public", ok)
	r.With(h.access.Handler(Rule{Permissions: []rbac.Permission{rbac.PermAssetsRead}})).Get("/api/v1/assets", ok)
	r.With(h.access.Handler(Rule{MinRole: rbac.RoleAdmin})).Get("/api/v1/admin", ok)
	r.With(h.access.Handler(Rule{MinRole: rbac.RoleViewer, CompanyParam: "companyID"})).
		Get("/api/v1/companies/{companyID}/assets", ok)
	h.router = r
	return h
}

func (h *harness) token(userID string, role rbac.Role, companyID string) string {
	h.t.Helper()
	tok, err := h.tokens.Sign(auth.TokenPayload{UserID: userID, Role: role, CompanyID: companyID}, auth.DefaultTokenTTL)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return tok
}

func (h *harness) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = testIP + ":41000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) eventsOf(t events.Type) []events.Event {
	return h.log.Query(events.Filter{Type: t})
}

func bodyHasCode(rec *httptest.ResponseRecorder, k Kind) bool {
	return strings.Contains(rec.Body.String(), `"code":"`+string(k)+`"`)
}
