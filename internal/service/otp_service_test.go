package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/estate-auth/internal/config"
	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/repository"
	"github.com/iliyamo/estate-auth/internal/utils"
)

func newOTP(store CredentialStore, codes utils.CodeGenerator, cfg config.OTPConfig) (*OTPService, *clock) {
	c := &clock{now: t0}
	return NewOTPService(store, codes, cfg).WithClock(c.Now), c
}

func TestOTPIssueCreatesIdentityLazily(t *testing.T) {
	store := newMemStore()
	otp, _ := newOTP(store, &seqCodes{codes: []string{"111111", "222222"}}, testOTPConfig())
	ctx := context.Background()

	first, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "111111", first.Code)
	assert.Equal(t, t0.Add(10*time.Minute), first.ExpiresAt)
	assert.Equal(t, model.RoleUser, first.Identity.Role)
	assert.Equal(t, model.StatusActive, first.Identity.Status)

	second, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Identity.ID, second.Identity.ID)

	// the newer code overwrites the older one
	stored := store.get(t, first.Identity.ID)
	assert.Equal(t, "222222", stored.OTPCode)
	_, err = otp.Verify(ctx, "9876500000", "111111")
	requireKind(t, err, KindInvalidCode)
	_, err = otp.Verify(ctx, "9876500000", "222222")
	require.NoError(t, err)
}

func TestOTPSingleUse(t *testing.T) {
	otp, _ := newOTP(newMemStore(), utils.FixedCode("482913"), testOTPConfig())
	ctx := context.Background()

	for _, phone := range []string{"9876500000", "9123456789", "+989121234567"} {
		_, err := otp.Issue(ctx, phone)
		require.NoError(t, err)

		id, err := otp.Verify(ctx, phone, "482913")
		require.NoError(t, err)
		assert.Empty(t, id.OTPCode)
		assert.Nil(t, id.OTPExpiresAt)

		_, err = otp.Verify(ctx, phone, "482913")
		requireKind(t, err, KindInvalidCode)
	}
}

func TestOTPExpiry(t *testing.T) {
	store := newMemStore()
	otp, c := newOTP(store, utils.FixedCode("482913"), testOTPConfig())
	ctx := context.Background()

	_, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	c.Advance(10*time.Minute + time.Second)
	_, err = otp.Verify(ctx, "9876500000", "482913")
	requireKind(t, err, KindExpired)

	// a wrong code is reported as such even after expiry
	_, err = otp.Verify(ctx, "9876500000", "999999")
	requireKind(t, err, KindInvalidCode)

	// the bypass code ignores expiry
	_, err = otp.Verify(ctx, "9876500000", "000000")
	require.NoError(t, err)
}

func TestOTPValidUntilExpiryInstant(t *testing.T) {
	otp, c := newOTP(newMemStore(), utils.FixedCode("482913"), testOTPConfig())
	ctx := context.Background()

	_, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	c.Advance(10 * time.Minute)
	_, err = otp.Verify(ctx, "9876500000", "482913")
	require.NoError(t, err)
}

func TestOTPExpiryTruncatedToSecond(t *testing.T) {
	store := newMemStore()
	otp, c := newOTP(store, utils.FixedCode("482913"), testOTPConfig())
	c.now = t0.Add(900 * time.Millisecond)
	ctx := context.Background()

	issued, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), issued.ExpiresAt)
	assert.Equal(t, t0.Add(10*time.Minute), *store.get(t, issued.Identity.ID).OTPExpiresAt)

	// past the truncated expiry but within the untruncated one
	c.now = t0.Add(10*time.Minute + 500*time.Millisecond)
	_, err = otp.Verify(ctx, "9876500000", "482913")
	requireKind(t, err, KindExpired)
}

func TestOTPBypass(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled", func(t *testing.T) {
		store := newMemStore()
		otp, _ := newOTP(store, utils.FixedCode("482913"), testOTPConfig())
		issued, err := otp.Issue(ctx, "9876500000")
		require.NoError(t, err)

		_, err = otp.Verify(ctx, "9876500000", "000000")
		require.NoError(t, err)
		assert.Empty(t, store.get(t, issued.Identity.ID).OTPCode, "bypass still consumes the pending code")
	})

	t.Run("enabled without a pending code", func(t *testing.T) {
		store := newMemStore()
		seeded := store.seed(t, model.Identity{Phone: "9876500000"}, "")
		otp, _ := newOTP(store, utils.FixedCode("482913"), testOTPConfig())

		id, err := otp.Verify(ctx, "9876500000", "000000")
		require.NoError(t, err)
		assert.Equal(t, seeded.ID, id.ID)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testOTPConfig()
		cfg.BypassEnabled = false
		otp, _ := newOTP(newMemStore(), utils.FixedCode("482913"), cfg)
		_, err := otp.Issue(ctx, "9876500000")
		require.NoError(t, err)

		_, err = otp.Verify(ctx, "9876500000", "000000")
		requireKind(t, err, KindInvalidCode)
	})
}

func TestOTPVerifyUnknownPhone(t *testing.T) {
	otp, _ := newOTP(newMemStore(), utils.FixedCode("482913"), testOTPConfig())
	_, err := otp.Verify(context.Background(), "9000000000", "482913")
	requireKind(t, err, KindNotFound)
}

func TestOTPVerifyWithoutPendingCode(t *testing.T) {
	store := newMemStore()
	store.seed(t, model.Identity{Phone: "9876500000"}, "")
	otp, _ := newOTP(store, utils.FixedCode("482913"), testOTPConfig())

	_, err := otp.Verify(context.Background(), "9876500000", "")
	requireKind(t, err, KindInvalidCode)
}

func TestOTPIssueExisting(t *testing.T) {
	store := newMemStore()
	otp, _ := newOTP(store, utils.FixedCode("482913"), testOTPConfig())
	ctx := context.Background()

	_, err := otp.IssueExisting(ctx, "9876500000")
	requireKind(t, err, KindNotFound)

	seeded := store.seed(t, model.Identity{Phone: "9876500000"}, "")
	issued, err := otp.IssueExisting(ctx, "9876500000")
	require.NoError(t, err)
	assert.False(t, issued.Created)
	assert.Equal(t, seeded.ID, issued.Identity.ID)
}

// consumeRace clears the pending code right before ConsumeOTP runs, as a
// concurrent verification would.
type consumeRace struct{ *memStore }

func (r consumeRace) ConsumeOTP(ctx context.Context, id uint64, expected string) error {
	_ = r.memStore.ConsumeOTP(ctx, id, "")
	return r.memStore.ConsumeOTP(ctx, id, expected)
}

func TestOTPConcurrentConsumeLoses(t *testing.T) {
	store := newMemStore()
	otp, _ := newOTP(consumeRace{store}, utils.FixedCode("482913"), testOTPConfig())
	ctx := context.Background()

	_, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	_, err = otp.Verify(ctx, "9876500000", "482913")
	requireKind(t, err, KindInvalidCode)
}

// raceCreate reports a conflict on create after another request inserted
// the same phone.
type raceCreate struct{ *memStore }

func (r raceCreate) Create(ctx context.Context, id *model.Identity) error {
	winner := model.Identity{Phone: id.Phone}
	if err := r.memStore.Create(ctx, &winner); err != nil {
		return err
	}
	return r.memStore.Create(ctx, id)
}

func TestOTPIssueRaceOnCreate(t *testing.T) {
	store := newMemStore()
	otp, _ := newOTP(raceCreate{store}, utils.FixedCode("482913"), testOTPConfig())

	issued, err := otp.Issue(context.Background(), "9876500000")
	require.NoError(t, err)
	assert.False(t, issued.Created)
	assert.Equal(t, "482913", store.get(t, issued.Identity.ID).OTPCode)
}

func TestOTPStoreUnavailable(t *testing.T) {
	store := newMemStore()
	store.fail = repository.ErrStoreUnavailable
	otp, _ := newOTP(store, utils.FixedCode("482913"), testOTPConfig())
	ctx := context.Background()

	_, err := otp.Issue(ctx, "9876500000")
	requireKind(t, err, KindStoreUnavailable)
	_, err = otp.Verify(ctx, "9876500000", "482913")
	requireKind(t, err, KindStoreUnavailable)
}

func TestOTPDemoStore(t *testing.T) {
	otp, _ := newOTP(repository.NewDemoStore(), utils.FixedCode("123456"), testOTPConfig())
	ctx := context.Background()

	issued, err := otp.Issue(ctx, "9876500000")
	require.NoError(t, err)
	assert.Equal(t, repository.DemoIdentityID("9876500000"), issued.Identity.ID)

	id, err := otp.Verify(ctx, "9876500000", "123456")
	require.NoError(t, err)
	assert.True(t, id.IsNewUser())
}
