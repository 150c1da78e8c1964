package utils

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/estate-auth/internal/config"
	"github.com/iliyamo/estate-auth/internal/model"
)

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		AccessSecret:  "access-secret-0123456789",
		RefreshSecret: "refresh-secret-0123456789",
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "estate-auth",
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	for _, pw := range []string{"secret1", "pässwörd", "correct horse battery staple"} {
		digest, err := h.Hash(pw)
		require.NoError(t, err)
		assert.NotEqual(t, pw, digest)
		assert.True(t, h.Verify(pw, digest))
		assert.False(t, h.Verify(pw+"!", digest))
		assert.False(t, h.Verify("", digest))
	}
}

func TestPasswordSalted(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)
	a, err := h.Hash("secret1")
	require.NoError(t, err)
	b, err := h.Hash("secret1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPasswordEdgeCases(t *testing.T) {
	h := NewBcryptHasher(1000)
	assert.Equal(t, bcrypt.DefaultCost, h.Cost)

	_, err := h.Hash("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
	assert.False(t, h.Verify("anything", ""))
	assert.False(t, h.Verify("anything", "not-a-bcrypt-hash"))
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := NewTokenService(testTokenConfig())

	for _, role := range []model.Role{model.RoleUser, model.RoleAdmin, model.RoleSuperAdmin} {
		tok, err := svc.NewAccessToken(model.Principal{ID: 42, Role: role})
		require.NoError(t, err)
		assert.NotEmpty(t, tok.JTI)

		claims, err := svc.Verify(tok.Token, KindAccess)
		require.NoError(t, err)
		id, err := claims.IdentityID()
		require.NoError(t, err)
		assert.Equal(t, uint64(42), id)
		assert.Equal(t, role, claims.Role)
		assert.Equal(t, role.IsAdmin(), claims.IsAdmin)
		assert.Equal(t, tok.JTI, claims.ID)

		p, err := claims.Principal()
		require.NoError(t, err)
		assert.Equal(t, role, p.Role)
		assert.Equal(t, tok.Expires.Unix(), p.Until.Unix())
	}
}

func TestAccessTokenRejectsUnknownRole(t *testing.T) {
	svc := NewTokenService(testTokenConfig())
	_, err := svc.NewAccessToken(model.Principal{ID: 1, Role: "owner"})
	assert.Error(t, err)
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewTokenService(testTokenConfig())
	other := testTokenConfig()
	other.AccessSecret = "another-secret-9876543210"
	verifier := NewTokenService(other)

	tok, err := issuer.NewAccessToken(model.Principal{ID: 1, Role: model.RoleUser})
	require.NoError(t, err)

	_, err = verifier.Verify(tok.Token, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	svc := NewTokenService(testTokenConfig()).WithClock(func() time.Time { return now })

	tok, err := svc.NewAccessToken(model.Principal{ID: 1, Role: model.RoleUser})
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return now.Add(time.Hour + time.Second) })
	_, err = svc.Verify(tok.Token, KindAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	svc := NewTokenService(testTokenConfig())

	ref, err := svc.NewRefreshToken(9)
	require.NoError(t, err)
	claims, err := svc.Verify(ref.Token, KindRefresh)
	require.NoError(t, err)
	assert.Empty(t, claims.Role)
	assert.Equal(t, "9", claims.Subject)

	_, err = svc.Verify(ref.Token, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	acc, err := svc.NewAccessToken(model.Principal{ID: 9, Role: model.RoleUser})
	require.NoError(t, err)
	_, err = svc.Verify(acc.Token, KindRefresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshTokenSharedSecretStillRejected(t *testing.T) {
	cfg := testTokenConfig()
	cfg.RefreshSecret = cfg.AccessSecret
	svc := NewTokenService(cfg)

	ref, err := svc.NewRefreshToken(9)
	require.NoError(t, err)
	_, err = svc.Verify(ref.Token, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForgedShapes(t *testing.T) {
	cfg := testTokenConfig()
	svc := NewTokenService(cfg)
	now := time.Now()

	sign := func(c Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		require.NoError(t, err)
		return s
	}
	base := func() Claims {
		return Claims{
			Type: KindAccess,
			Role: model.RoleUser,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    cfg.Issuer,
				Subject:   "5",
				ID:        "jti",
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"none alg", func() string {
			return sign(base(), jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)
		}()},
		{"admin flag without role", func() string {
			c := base()
			c.IsAdmin = true
			return sign(c, jwt.SigningMethodHS256, []byte(cfg.AccessSecret))
		}()},
		{"wrong issuer", func() string {
			c := base()
			c.Issuer = "someone-else"
			return sign(c, jwt.SigningMethodHS256, []byte(cfg.AccessSecret))
		}()},
		{"no expiry", func() string {
			c := base()
			c.ExpiresAt = nil
			return sign(c, jwt.SigningMethodHS256, []byte(cfg.AccessSecret))
		}()},
		{"non numeric subject", func() string {
			c := base()
			c.Subject = "abc"
			return sign(c, jwt.SigningMethodHS256, []byte(cfg.AccessSecret))
		}()},
		{"unknown role", func() string {
			c := base()
			c.Role = "owner"
			return sign(c, jwt.SigningMethodHS256, []byte(cfg.AccessSecret))
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token, KindAccess)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestRandomCodes(t *testing.T) {
	var gen CodeGenerator = RandomCodes{}
	for i := 0; i < 500; i++ {
		code, err := gen.NewCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
	}
}

func TestFixedCode(t *testing.T) {
	code, err := FixedCode("123456").NewCode()
	require.NoError(t, err)
	assert.Equal(t, "123456", code)
}
