package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"pgregory.net/rapid"

	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Test configuration for property tests
func newTestTokenService(clk clock.Clock) *TokenService {
	return NewTokenService(TokenServiceConfig{
		Secret: "test-token-secret-key-32-chars!!",
		Issuer: "test-issuer",
		Clock:  clk,
	})
}

func drawPayload(t *rapid.T) TokenPayload {
	return TokenPayload{
		UserID:      rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(t, "userID"),
		Email:       rapid.StringMatching(`[a-z]{5,10}@[a-z]{5,10}\.[a-z]{2,3}`).Draw(t, "email"),
		Role:        rapid.SampledFrom(rbac.AllRoles()).Draw(t, "role"),
		CompanyID:   rapid.StringMatching(`[a-f0-9]{12}`).Draw(t, "companyID"),
		Permissions: rapid.SliceOfN(rapid.SampledFrom([]string{"assets:read", "assets:*", "reports:create"}), 0, 3).Draw(t, "perms"),
	}
}

// Property: a token signed with ttl T verifies to the original payload at every
// instant before T after issuance and fails at every instant from T onwards.
func TestPropertyTokenValidExactlyForTTL(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Issue off the whole second; jwt numeric dates only carry seconds
		issued := testEpoch.Add(time.Duration(rapid.Int64Range(0, int64(time.Second)-1).Draw(t, "issueOffset")))
		clk := clock.NewFake(issued)
		svc := newTestTokenService(clk)
		payload := drawPayload(t)
		ttl := time.Duration(rapid.Int64Range(int64(time.Second), int64(30*24*time.Hour)).Draw(t, "ttl"))

		token, err := svc.Sign(payload, ttl)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}

		before := time.Duration(rapid.Int64Range(0, int64(ttl)-1).Draw(t, "before"))
		clk.Set(issued.Add(before))
		got, err := svc.Verify(token)
		if err != nil {
			t.Fatalf("token should be valid %v after issuance (ttl %v): %v", before, ttl, err)
		}
		if got.UserID != payload.UserID || got.Email != payload.Email || got.Role != payload.Role || got.CompanyID != payload.CompanyID {
			t.Fatalf("payload mismatch: %+v vs %+v", got, payload)
		}
		if len(got.Permissions) != len(payload.Permissions) {
			t.Fatalf("permissions mismatch: %v vs %v", got.Permissions, payload.Permissions)
		}
		if !got.ExpiresAt.Equal(issued.Add(ttl)) {
			t.Fatalf("expected expiry %v, got %v", issued.Add(ttl), got.ExpiresAt)
		}

		after := time.Duration(rapid.Int64Range(0, int64(48*time.Hour)).Draw(t, "after"))
		clk.Set(issued.Add(ttl + after))
		if _, err := svc.Verify(token); err != ErrInvalidToken {
			t.Fatalf("token should be invalid %v past expiry, got %v", after, err)
		}
	})
}

// Property: verify never panics and always rejects arbitrary input
func TestPropertyVerifyRejectsGarbage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc := newTestTokenService(clock.NewFake(testEpoch))
		garbage := rapid.String().Draw(t, "garbage")
		if p, err := svc.Verify(garbage); err == nil || p != nil {
			t.Fatalf("garbage %q verified", garbage)
		}
	})
}

func TestVerifyRejectsTampering(t *testing.T) {
	svc := newTestTokenService(clock.NewFake(testEpoch))
	token, err := svc.Sign(TokenPayload{UserID: "u1", Role: rbac.RoleUser, CompanyID: "c1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(token, ".")
	// Swap the claims for ones claiming SUPER_ADMIN, keeping the old signature
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: rbac.RoleSuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(testEpoch),
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Hour)),
		},
	}).SignedString([]byte("attacker-secret"))
	if err != nil {
		t.Fatal(err)
	}
	forgedParts := strings.Split(forged, ".")
	tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]

	if _, err := svc.Verify(tampered); err != ErrInvalidToken {
		t.Errorf("tampered token accepted: %v", err)
	}
	if _, err := svc.Verify(forged); err != ErrInvalidToken {
		t.Errorf("token with foreign signature accepted: %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	svc := newTestTokenService(clock.NewFake(testEpoch))
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: rbac.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(testEpoch),
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(unsigned); err != ErrInvalidToken {
		t.Errorf("alg=none token accepted: %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	other := NewTokenService(TokenServiceConfig{Secret: "test-token-secret-key-32-chars!!", Issuer: "someone-else", Clock: clk})
	token, err := other.Sign(TokenPayload{UserID: "u1", Role: rbac.RoleUser}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newTestTokenService(clk).Verify(token); err != ErrInvalidToken {
		t.Errorf("token from another issuer accepted: %v", err)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	svc := newTestTokenService(clock.NewFake(testEpoch))
	p := TokenPayload{UserID: "u1", Email: "a@b.co", Role: rbac.RoleViewer, CompanyID: "c"}
	a, _ := svc.Sign(p, DefaultTokenTTL)
	b, _ := svc.Sign(p, DefaultTokenTTL)
	if a != b {
		t.Error("signing the same payload at the same instant should produce the same token")
	}
	if TokenKey(a) == a || len(TokenKey(a)) != 64 {
		t.Error("token key should be a sha256 hex digest")
	}
}

func TestTokenSignedMidSecondLastsFullTTL(t *testing.T) {
	issued := testEpoch.Add(500 * time.Millisecond)
	clk := clock.NewFake(issued)
	svc := newTestTokenService(clk)
	token, err := svc.Sign(TokenPayload{UserID: "u1", Role: rbac.RoleUser}, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	clk.Set(issued.Add(9700 * time.Millisecond))
	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("token should still be valid 9.7s into a 10s ttl: %v", err)
	}
	clk.Set(issued.Add(10 * time.Second))
	if _, err := svc.Verify(token); err != ErrInvalidToken {
		t.Fatalf("token should expire exactly at ttl, got %v", err)
	}
}

func TestVerifyRejectsStretchedExpiry(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	svc := newTestTokenService(clk)
	// A precise expiry later than the registered exp claim is inconsistent
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:          rbac.RoleUser,
		ExpiresAtNano: testEpoch.Add(2 * time.Hour).UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(testEpoch),
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Hour)),
		},
	}).SignedString([]byte("test-token-secret-key-32-chars!!"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(token); err != ErrInvalidToken {
		t.Errorf("token with stretched expiry accepted: %v", err)
	}
}

func TestSignRejectsSubSecondTTL(t *testing.T) {
	svc := newTestTokenService(clock.NewFake(testEpoch))
	if _, err := svc.Sign(TokenPayload{UserID: "u"}, 500*time.Millisecond); err == nil {
		t.Error("expected error for ttl below one second")
	}
}
