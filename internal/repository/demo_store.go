package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/iliyamo/estate-auth/internal/model"
)

// DemoStore is the degraded-mode credential store used when MySQL is not
// reachable and the deployment explicitly allows it.  It only supports the
// phone/OTP lifecycle: identities are synthesized from the phone number with
// a deterministic ID, live in memory, and never carry an email or password.
// Every other capability returns ErrStoreUnavailable.
type DemoStore struct {
	mu      sync.Mutex
	byID    map[uint64]*model.Identity
	byPhone map[string]uint64
}

func NewDemoStore() *DemoStore {
	return &DemoStore{byID: map[uint64]*model.Identity{}, byPhone: map[string]uint64{}}
}

// demoIDBit marks synthetic IDs.  IDs stay within [2^52, 2^53) so they never
// overlap MySQL auto-increment IDs and survive a JSON number in JavaScript.
const demoIDBit = 1 << 52

// DemoIdentityID derives the synthetic identity ID for a phone number.
func DemoIdentityID(phone string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(phone))
	return h.Sum64()&(demoIDBit-1) | demoIDBit
}

func (s *DemoStore) FindByID(_ context.Context, id uint64) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return *u, nil
}

func (s *DemoStore) FindByPhone(_ context.Context, phone string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPhone[phone]
	if !ok {
		return model.Identity{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *DemoStore) FindByEmail(context.Context, string) (model.Identity, error) {
	return model.Identity{}, unsupported("email lookup")
}

func (s *DemoStore) FindByEmailOrPhone(ctx context.Context, email, phone string) (model.Identity, error) {
	if email != "" {
		return model.Identity{}, unsupported("email lookup")
	}
	return s.FindByPhone(ctx, phone)
}

// Create registers a phone-only identity.
func (s *DemoStore) Create(_ context.Context, id *model.Identity) error {
	if id.Email != "" || id.PasswordHash != "" {
		return unsupported("credential storage")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPhone[id.Phone]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	id.ID = DemoIdentityID(id.Phone)
	id.Role = model.RoleUser
	id.Status = model.StatusActive
	id.CreatedAt, id.UpdatedAt = now, now
	cp := *id
	s.byID[id.ID] = &cp
	s.byPhone[id.Phone] = id.ID
	return nil
}

// CanWriteCredentials is always false: passwords cannot be stored.
func (*DemoStore) CanWriteCredentials() bool { return false }

func (s *DemoStore) Save(context.Context, model.Identity) error {
	return unsupported("profile updates")
}

func (s *DemoStore) SetOTP(_ context.Context, id uint64, code string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	exp := expiresAt.UTC()
	u.OTPCode, u.OTPExpiresAt = code, &exp
	return nil
}

func (s *DemoStore) ConsumeOTP(_ context.Context, id uint64, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if expected != "" && u.OTPCode != expected {
		return ErrOTPMismatch
	}
	u.OTPCode, u.OTPExpiresAt = "", nil
	return nil
}

func unsupported(what string) error {
	return fmt.Errorf("%w: %s not available in degraded mode", ErrStoreUnavailable, what)
}
