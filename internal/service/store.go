package service

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/queue"
	"github.com/iliyamo/estate-auth/internal/repository"
)

// CredentialStore is what the flows need from identity persistence.  Both
// repository.IdentityRepo and repository.DemoStore satisfy it; errors are the
// repository sentinels.
type CredentialStore interface {
	FindByID(ctx context.Context, id uint64) (model.Identity, error)
	FindByPhone(ctx context.Context, phone string) (model.Identity, error)
	FindByEmail(ctx context.Context, email string) (model.Identity, error)
	FindByEmailOrPhone(ctx context.Context, email, phone string) (model.Identity, error)
	Create(ctx context.Context, id *model.Identity) error
	Save(ctx context.Context, id model.Identity) error
	SetOTP(ctx context.Context, id uint64, code string, expiresAt time.Time) error
	ConsumeOTP(ctx context.Context, id uint64, expected string) error
}

// Hasher hashes and verifies password credentials.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(plain, digest string) bool
}

// Denylist records revoked token IDs.  A nil Denylist means tokens are only
// bounded by their expiry.
type Denylist interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// EventPublisher forwards auth events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.AuthEvent) error
}

var (
	_ CredentialStore = (*repository.IdentityRepo)(nil)
	_ CredentialStore = (*repository.DemoStore)(nil)
	_ Denylist        = (*repository.TokenDenylist)(nil)
)

// credentialWriter is implemented by stores that may refuse credential
// updates outright, such as the degraded-mode store.
type credentialWriter interface {
	CanWriteCredentials() bool
}

// credentialsWritable reports whether store accepts password changes.
// Stores without the method always do.
func credentialsWritable(store CredentialStore) bool {
	if w, ok := store.(credentialWriter); ok {
		return w.CanWriteCredentials()
	}
	return true
}

// storeError tags a repository failure that the caller did not expect.
func storeError(err error) *Error {
	switch {
	case errors.Is(err, repository.ErrStoreUnavailable):
		return wrapError(KindStoreUnavailable, msgStoreUnavailable, err)
	case errors.Is(err, repository.ErrConflict):
		return wrapError(KindConflict, msgConflict, err)
	case errors.Is(err, repository.ErrNotFound):
		return wrapError(KindNotFound, msgNotFound, err)
	}
	return wrapError(KindInternal, msgInternal, err)
}
