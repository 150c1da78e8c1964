package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/estate-auth/internal/model"
)

func TestDemoStore(t *testing.T) {
	ctx := context.Background()
	s := NewDemoStore()

	_, err := s.FindByPhone(ctx, "9876500000")
	assert.ErrorIs(t, err, ErrNotFound)

	u := model.Identity{Phone: "9876500000"}
	require.NoError(t, s.Create(ctx, &u))
	assert.Equal(t, DemoIdentityID("9876500000"), u.ID)
	assert.GreaterOrEqual(t, u.ID, uint64(1<<52))
	assert.Less(t, u.ID, uint64(1<<53), "ids must be exact as JSON numbers in JavaScript")
	assert.True(t, u.IsNewUser())

	assert.ErrorIs(t, s.Create(ctx, &model.Identity{Phone: "9876500000"}), ErrConflict)

	require.NoError(t, s.SetOTP(ctx, u.ID, "111111", time.Now().Add(time.Minute)))
	got, err := s.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "111111", got.OTPCode)

	assert.ErrorIs(t, s.ConsumeOTP(ctx, u.ID, "222222"), ErrOTPMismatch)
	require.NoError(t, s.ConsumeOTP(ctx, u.ID, "111111"))
	got, _ = s.FindByPhone(ctx, "9876500000")
	assert.Empty(t, got.OTPCode)
	assert.Nil(t, got.OTPExpiresAt)
}

func TestDemoStoreRejectsCredentials(t *testing.T) {
	ctx := context.Background()
	s := NewDemoStore()

	assert.ErrorIs(t, s.Create(ctx, &model.Identity{Phone: "1", PasswordHash: "x"}), ErrStoreUnavailable)
	assert.ErrorIs(t, s.Create(ctx, &model.Identity{Phone: "1", Email: "a@b.com"}), ErrStoreUnavailable)
	_, err := s.FindByEmail(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = s.FindByEmailOrPhone(ctx, "a@b.com", "1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, s.Save(ctx, model.Identity{ID: 1}), ErrStoreUnavailable)
}
