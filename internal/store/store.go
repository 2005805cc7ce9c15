package store

import (
	"context"

	"github.com/nkiryanov/campusportal/internal/models"
)

// Store persists the credential pair of the current device profile.
//
// Save writes both tokens in one step: Load never observes a half-written pair.
// Every failure is reported as *apperrors.StorageError.
type Store interface {
	// Load returns the persisted pair. ok is false when nothing is stored
	Load(ctx context.Context) (pair models.CredentialPair, ok bool, err error)

	// Save replaces the persisted pair
	Save(ctx context.Context, pair models.CredentialPair) error

	// Clear removes both tokens. Clearing an empty store is not an error
	Clear(ctx context.Context) error
}
