package utils // package utils provides the credential primitives: tokens, passwords and one-time codes

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iliyamo/estate-auth/internal/config"
	"github.com/iliyamo/estate-auth/internal/model"
)

var (
	// ErrInvalidToken covers bad signatures, malformed payloads and a claim
	// shape that does not match the expected token kind.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for well-formed, correctly signed tokens
	// past their expiry.
	ErrTokenExpired = errors.New("token expired")
)

// TokenKind distinguishes access from refresh tokens.  The kind is carried
// in the `typ` claim and each kind is signed with its own secret.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Claims is the JWT payload.  Access tokens carry a role (and the derived
// is_admin flag for older clients); refresh tokens carry only the subject.
type Claims struct {
	Type    TokenKind  `json:"typ"`
	Role    model.Role `json:"role,omitempty"`
	IsAdmin bool       `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// IdentityID parses the subject claim.
func (c *Claims) IdentityID() (uint64, error) {
	return strconv.ParseUint(c.Subject, 10, 64)
}

// Principal converts verified access claims into a principal.
func (c *Claims) Principal() (model.Principal, error) {
	id, err := c.IdentityID()
	if err != nil {
		return model.Principal{}, ErrInvalidToken
	}
	p := model.Principal{ID: id, Role: c.Role, JTI: c.ID}
	if c.ExpiresAt != nil {
		p.Until = c.ExpiresAt.Time
	}
	return p, nil
}

// SignedToken is a serialized JWT plus the metadata the caller needs for
// responses and revocation.
type SignedToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
	JTI     string    `json:"-"`
}

// TokenService signs and verifies HS256 tokens.  It never consults the
// credential store.
type TokenService struct {
	cfg config.TokenConfig
	now func() time.Time
}

func NewTokenService(cfg config.TokenConfig) *TokenService {
	return &TokenService{cfg: cfg, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// NewAccessToken signs an access token for the principal.
func (s *TokenService) NewAccessToken(p model.Principal) (SignedToken, error) {
	if !p.Role.Valid() {
		return SignedToken{}, fmt.Errorf("access token: unknown role %q", p.Role)
	}
	return s.sign(KindAccess, p.ID, p.Role, s.cfg.AccessTTL, []byte(s.cfg.AccessSecret))
}

// NewRefreshToken signs a refresh token carrying only the identity id.
func (s *TokenService) NewRefreshToken(identityID uint64) (SignedToken, error) {
	return s.sign(KindRefresh, identityID, "", s.cfg.RefreshTTL, []byte(s.cfg.RefreshSecret))
}

func (s *TokenService) sign(kind TokenKind, id uint64, role model.Role, ttl time.Duration, secret []byte) (SignedToken, error) {
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Type:    kind,
		Role:    role,
		IsAdmin: role.IsAdmin(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   strconv.FormatUint(id, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	// NumericDate truncates to seconds; report what the token actually says.
	return SignedToken{Token: signed, Expires: claims.ExpiresAt.Time, JTI: claims.ID}, nil
}

// Verify checks signature, expiry, issuer and the claim shape of the
// expected kind.  It returns ErrTokenExpired or ErrInvalidToken on failure.
func (s *TokenService) Verify(raw string, kind TokenKind) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	secret := s.cfg.AccessSecret
	if kind == KindRefresh {
		secret = s.cfg.RefreshSecret
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := checkShape(claims, kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func checkShape(c *Claims, kind TokenKind) error {
	if c.Type != kind {
		return fmt.Errorf("expected %s token, got %q", kind, c.Type)
	}
	if _, err := c.IdentityID(); err != nil {
		return errors.New("subject is not an identity id")
	}
	if c.ID == "" {
		return errors.New("token id missing")
	}
	switch kind {
	case KindAccess:
		if !c.Role.Valid() {
			return fmt.Errorf("unknown role %q", c.Role)
		}
		if c.IsAdmin != c.Role.IsAdmin() {
			return errors.New("is_admin disagrees with role")
		}
	case KindRefresh:
		if c.Role != "" || c.IsAdmin {
			return errors.New("refresh token must not carry a role")
		}
	}
	return nil
}
