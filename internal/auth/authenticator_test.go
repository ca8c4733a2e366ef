package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
	"github.com/Hasanromadon/tangibly-sub001/internal/throttle"
)

const (
	testPassword = "correct horse battery staple"
	testIP       = "198.51.100.7"
)

// fakeRepo is an in-memory repository.IdentityRepository
type fakeRepo struct {
	mu         sync.Mutex
	users      map[string]repository.User
	identities map[string]repository.Identity
	lastLogin  map[string]bool
	fail       error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:      make(map[string]repository.User),
		identities: make(map[string]repository.Identity),
		lastLogin:  make(map[string]bool),
	}
}

func (f *fakeRepo) add(t *testing.T, h *PasswordHasher, id repository.Identity) {
	t.Helper()
	hash, err := h.Hash(testPassword)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[id.UserID] = id
	f.users[id.Email] = repository.User{
		ID:           id.UserID,
		Email:        id.Email,
		PasswordHash: hash,
		Role:         id.Role.String(),
		CompanyID:    id.CompanyID,
		IsActive:     id.IsActive,
	}
}

func (f *fakeRepo) GetIdentity(_ context.Context, userID string) (*repository.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	id, ok := f.identities[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &id, nil
}

func (f *fakeRepo) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	u, ok := f.users[email]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (f *fakeRepo) UpdateRole(_ context.Context, userID string, role rbac.Role) error {
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

func (f *fakeRepo) UpdateLastLogin(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLogin[userID] = true
	return nil
}

type authFixture struct {
	clk      *clock.Fake
	repo     *fakeRepo
	tokens   *TokenService
	sessions *session.Registry
	throttle *throttle.LoginThrottle
	log      *events.Log
	authn    *Authenticator
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	store := kvstore.NewMemoryStore(clk)
	hasher := NewPasswordHasher(bcrypt.MinCost)
	f := &authFixture{
		clk:      clk,
		repo:     newFakeRepo(),
		tokens:   newTestTokenService(clk),
		sessions: session.NewRegistry(store, session.Config{Clock: clk}),
		throttle: throttle.New(store, throttle.Config{Clock: clk}),
		log:      events.NewLog(events.LogConfig{Clock: clk, Logger: logger.Discard()}),
	}
	f.repo.add(t, hasher, repository.Identity{
		UserID: "u1", Email: "ana@acme.test", Role: rbac.RoleManager, CompanyID: "c1", IsActive: true,
		Grants: rbac.Set(rbac.PermSecurityRead),
	})
	f.repo.add(t, hasher, repository.Identity{
		UserID: "u2", Email: "gone@acme.test", Role: rbac.RoleUser, CompanyID: "c1", IsActive: false,
	})
	f.authn = NewAuthenticator(AuthenticatorConfig{
		Tokens:     f.tokens,
		Sessions:   f.sessions,
		Throttle:   f.throttle,
		Identities: f.repo,
		Hasher:     hasher,
		Events:     f.log,
		Clock:      clk,
		Logger:     logger.Discard(),
	})
	return f
}

func (f *authFixture) count(t events.Type) int {
	return len(f.log.Query(events.Filter{Type: t}))
}

func TestLoginIssuesToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.authn.Login(ctx, LoginRequest{Email: "  ANA@acme.test ", Password: testPassword}, testIP, "ua")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, testEpoch.Add(DefaultTokenTTL), res.ExpiresAt)
	assert.Equal(t, rbac.RoleManager, res.User.Role)
	assert.Equal(t, []string{"security:read"}, res.User.Permissions)

	payload, err := f.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", payload.UserID)
	assert.True(t, f.repo.lastLogin["u1"])
	assert.Equal(t, 1, f.count(events.TypeLoginSucceeded))

	res, err = f.authn.Login(ctx, LoginRequest{Email: "ana@acme.test", Password: testPassword, RememberMe: true}, testIP, "ua")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(RememberMeTokenTTL), res.ExpiresAt)
}

func TestLoginThrottlesAfterThreshold(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	bad := LoginRequest{Email: "ana@acme.test", Password: "wrong"}

	for i := 0; i < 5; i++ {
		_, err := f.authn.Login(ctx, bad, testIP, "ua")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	assert.Equal(t, 5, f.count(events.TypeLoginFailed))
	blocks := f.log.Query(events.Filter{Type: events.TypeLoginBlocked})
	require.Len(t, blocks, 1)
	assert.Equal(t, events.SeverityHigh, blocks[0].Severity)

	_, err := f.authn.Login(ctx, LoginRequest{Email: "ana@acme.test", Password: testPassword}, testIP, "ua")
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 30*time.Minute, blocked.RetryAfter)

	_, err = f.authn.Login(ctx, LoginRequest{Email: "ana@acme.test", Password: testPassword}, "203.0.113.9", "ua")
	assert.NoError(t, err, "other clients are not blocked")

	f.clk.Advance(30 * time.Minute)
	_, err = f.authn.Login(ctx, LoginRequest{Email: "ana@acme.test", Password: testPassword}, testIP, "ua")
	require.NoError(t, err)
	rec, err := f.throttle.Get(ctx, "u1", testIP)
	require.NoError(t, err)
	assert.Nil(t, rec, "success clears the record")
}

func TestConcurrentWrongPasswordsStopAtThreshold(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	// A realistic cost keeps each password check slow enough for the
	// goroutines to overlap
	f.repo.add(t, NewPasswordHasher(10), repository.Identity{
		UserID: "u3", Email: "slow@acme.test", Role: rbac.RoleUser, CompanyID: "c1", IsActive: true,
	})

	const n = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		invalid  int
		refusals int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.authn.Login(ctx, LoginRequest{Email: "slow@acme.test", Password: "wrong"}, testIP, "ua")
			mu.Lock()
			defer mu.Unlock()
			var blocked *BlockedError
			switch {
			case errors.Is(err, ErrInvalidCredentials):
				invalid++
			case errors.As(err, &blocked):
				refusals++
			default:
				t.Errorf("unexpected login result: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, throttle.DefaultThreshold, invalid, "only threshold guesses reach the password check")
	assert.Equal(t, n-throttle.DefaultThreshold, refusals)
	assert.Equal(t, throttle.DefaultThreshold, f.count(events.TypeLoginFailed))
	assert.Equal(t, 1, f.count(events.TypeLoginBlocked))

	rec, err := f.throttle.Get(ctx, "u3", testIP)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, throttle.DefaultThreshold, rec.Count)
}

func TestLoginUnknownEmailIsThrottled(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.authn.Login(ctx, LoginRequest{Email: "nobody@acme.test", Password: "x"}, testIP, "ua")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := f.authn.Login(ctx, LoginRequest{Email: "Nobody@acme.test", Password: "x"}, testIP, "ua")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestLoginInactiveUser(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.authn.Login(context.Background(), LoginRequest{Email: "gone@acme.test", Password: testPassword}, testIP, "ua")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginStoreFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.repo.fail = errors.New("db down")
	_, err := f.authn.Login(context.Background(), LoginRequest{Email: "ana@acme.test", Password: testPassword}, testIP, "ua")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateResolvesIdentity(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	tok, err := f.tokens.Sign(TokenPayload{UserID: "u1", Email: "ana@acme.test", Role: rbac.RoleViewer, CompanyID: "other",
		Permissions: []string{"reports:create"}}, time.Hour)
	require.NoError(t, err)

	p, err := f.authn.Authenticate(ctx, Credentials{Token: tok, ClientIP: testIP, UserAgent: "ua"})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleManager, p.Subject.Role, "store role wins")
	assert.Equal(t, "c1", p.Subject.CompanyID, "store company wins")
	assert.True(t, p.Subject.Grants.Has(rbac.PermSecurityRead))
	assert.True(t, p.Subject.Grants.Has(rbac.NewPermission(rbac.FamilyReports, rbac.ActionCreate)))
	assert.Equal(t, TokenKey(tok), p.TokenKey)
	assert.Equal(t, session.TransitionCreated, p.Transition)

	p, err = f.authn.Authenticate(ctx, Credentials{Token: tok, ClientIP: testIP})
	require.NoError(t, err)
	assert.Equal(t, session.TransitionTouched, p.Transition)
}

func TestAuthenticateOrder(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.authn.Authenticate(ctx, Credentials{Token: "garbage", ClientIP: testIP})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	tok, err := f.tokens.Sign(TokenPayload{UserID: "u1", Role: rbac.RoleManager}, time.Hour)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _, err := f.throttle.RecordFailure(ctx, "u1", testIP)
		require.NoError(t, err)
	}
	_, err = f.authn.Authenticate(ctx, Credentials{Token: tok, ClientIP: testIP})
	assert.ErrorIs(t, err, ErrBlocked)

	s, err := f.sessions.Get(ctx, TokenKey(tok))
	require.NoError(t, err)
	assert.Nil(t, s, "a blocked request never creates a session")
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.authn.Login(ctx, LoginRequest{Email: "ana@acme.test", Password: testPassword}, testIP, "ua")
	require.NoError(t, err)
	p, err := f.authn.Authenticate(ctx, Credentials{Token: res.Token, ClientIP: testIP})
	require.NoError(t, err)

	sessions, err := f.authn.Sessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, f.authn.Logout(ctx, p, testIP, "ua"))
	_, err = f.authn.Authenticate(ctx, Credentials{Token: res.Token, ClientIP: testIP})
	assert.ErrorIs(t, err, session.ErrSessionRevoked)
	assert.Equal(t, 1, f.count(events.TypeLogout))

	sessions, err = f.authn.Sessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAuthenticateInactiveOrUnknownUser(t *testing.T) {
	f := newAuthFixture(t)
	for _, id := range []string{"u2", "ghost"} {
		tok, err := f.tokens.Sign(TokenPayload{UserID: id, Role: rbac.RoleUser}, time.Hour)
		require.NoError(t, err)
		_, err = f.authn.Authenticate(context.Background(), Credentials{Token: tok, ClientIP: testIP})
		assert.ErrorIs(t, err, ErrUnauthenticated, id)
	}
}
