package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/estate-auth/internal/config"
	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/queue"
	"github.com/iliyamo/estate-auth/internal/repository"
	"github.com/iliyamo/estate-auth/internal/utils"
)

// memStore mirrors the MySQL repository semantics in memory: unique phone
// and email, conditional OTP consumption, Save never touching the OTP pair.
type memStore struct {
	mu   sync.Mutex
	next uint64
	rows map[uint64]*model.Identity
	fail error
}

func newMemStore() *memStore { return &memStore{rows: map[uint64]*model.Identity{}} }

func (m *memStore) find(match func(*model.Identity) bool) (model.Identity, error) {
	if m.fail != nil {
		return model.Identity{}, m.fail
	}
	var best *model.Identity
	for _, r := range m.rows {
		if match(r) && (best == nil || r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return model.Identity{}, repository.ErrNotFound
	}
	return *best, nil
}

func (m *memStore) FindByID(_ context.Context, id uint64) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(r *model.Identity) bool { return r.ID == id })
}

func (m *memStore) FindByPhone(_ context.Context, phone string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(r *model.Identity) bool { return r.Phone == phone })
}

func (m *memStore) FindByEmail(_ context.Context, email string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = repository.NormalizeEmail(email)
	return m.find(func(r *model.Identity) bool { return email != "" && r.Email == email })
}

func (m *memStore) FindByEmailOrPhone(_ context.Context, email, phone string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = repository.NormalizeEmail(email)
	return m.find(func(r *model.Identity) bool {
		return (email != "" && r.Email == email) || r.Phone == phone
	})
}

func (m *memStore) Create(_ context.Context, id *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	id.Email = repository.NormalizeEmail(id.Email)
	for _, r := range m.rows {
		if r.Phone == id.Phone || (id.Email != "" && r.Email == id.Email) {
			return repository.ErrConflict
		}
	}
	if id.Role == "" {
		id.Role = model.RoleUser
	}
	if id.Status == "" {
		id.Status = model.StatusActive
	}
	m.next++
	id.ID = m.next
	id.CreatedAt, id.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	cp := *id
	m.rows[id.ID] = &cp
	return nil
}

func (m *memStore) Save(_ context.Context, id model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	r, ok := m.rows[id.ID]
	if !ok {
		return repository.ErrNotFound
	}
	id.Email = repository.NormalizeEmail(id.Email)
	for _, o := range m.rows {
		if o.ID != id.ID && id.Email != "" && o.Email == id.Email {
			return repository.ErrConflict
		}
	}
	id.OTPCode, id.OTPExpiresAt = r.OTPCode, r.OTPExpiresAt
	*r = id
	return nil
}

func (m *memStore) SetOTP(_ context.Context, id uint64, code string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	r, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	exp := expiresAt
	r.OTPCode, r.OTPExpiresAt = code, &exp
	return nil
}

func (m *memStore) ConsumeOTP(_ context.Context, id uint64, expected string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	r, ok := m.rows[id]
	if !ok || (expected != "" && r.OTPCode != expected) {
		return repository.ErrOTPMismatch
	}
	r.OTPCode, r.OTPExpiresAt = "", nil
	return nil
}

// seed stores an identity with an optional password directly.
func (m *memStore) seed(t *testing.T, id model.Identity, password string) model.Identity {
	t.Helper()
	if password != "" {
		digest, err := testHasher.Hash(password)
		require.NoError(t, err)
		id.PasswordHash = digest
	}
	require.NoError(t, m.Create(context.Background(), &id))
	return id
}

func (m *memStore) get(t *testing.T, id uint64) model.Identity {
	t.Helper()
	got, err := m.FindByID(context.Background(), id)
	require.NoError(t, err)
	return got
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []queue.AuthEvent
	err    error
}

func (r *recorder) Publish(_ context.Context, ev queue.AuthEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// memDenylist is a map-backed Denylist.
type memDenylist struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func (d *memDenylist) Revoke(_ context.Context, jti string, until time.Time) error {
	if jti == "" {
		return errors.New("empty jti")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.revoked == nil {
		d.revoked = map[string]time.Time{}
	}
	d.revoked[jti] = until
	return nil
}

func (d *memDenylist) IsRevoked(_ context.Context, jti string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.revoked[jti]
	return ok, nil
}

// seqCodes hands out the given codes in order.
type seqCodes struct {
	codes []string
	i     int
}

func (s *seqCodes) NewCode() (string, error) {
	c := s.codes[s.i%len(s.codes)]
	s.i++
	return c, nil
}

var testHasher = utils.NewBcryptHasher(bcrypt.MinCost)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// clock is a settable time source shared by every component of a harness.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testTokens(c *clock) *utils.TokenService {
	return utils.NewTokenService(config.TokenConfig{
		AccessSecret:  "access-secret-0123456789",
		RefreshSecret: "refresh-secret-0123456789",
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "estate-auth",
	}).WithClock(c.Now)
}

func testOTPConfig() config.OTPConfig {
	return config.OTPConfig{TTL: 10 * time.Minute, BypassEnabled: true, BypassCode: "000000"}
}

type harness struct {
	svc    *AuthService
	store  *memStore
	events *recorder
	deny   *memDenylist
	tokens *utils.TokenService
	clock  *clock
	logs   *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  newMemStore(),
		events: &recorder{},
		deny:   &memDenylist{},
		clock:  &clock{now: t0},
	}
	h.tokens = testTokens(h.clock)
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	h.logs = hook
	otp := NewOTPService(h.store, utils.FixedCode("123456"), testOTPConfig()).WithClock(h.clock.Now)
	h.svc = NewAuthService(Deps{
		Store:     h.store,
		Hasher:    testHasher,
		OTP:       otp,
		Tokens:    h.tokens,
		Denylist:  h.deny,
		Events:    h.events,
		Log:       log,
		ExposeOTP: true,
	}).WithClock(h.clock.Now)
	return h
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, KindOf(err), "error: %v", err)
}
