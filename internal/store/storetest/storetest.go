// Package storetest holds behaviour every store.Store backend must follow
package storetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/models"
	"github.com/nkiryanov/campusportal/internal/store"
)

// Run checks the store contract. newStore must return an empty store on every call
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	pair := models.CredentialPair{AccessToken: "access-1", RefreshToken: "refresh-1"}

	t.Run("load empty", func(t *testing.T) {
		s := newStore(t)

		got, ok, err := s.Load(t.Context())

		require.NoError(t, err)
		require.False(t, ok, "empty store must not report a pair")
		require.Equal(t, models.CredentialPair{}, got)
	})

	t.Run("save then load", func(t *testing.T) {
		s := newStore(t)

		err := s.Save(t.Context(), pair)
		require.NoError(t, err)

		got, ok, err := s.Load(t.Context())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pair, got)
	})

	t.Run("save replaces both tokens", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(t.Context(), pair))

		next := models.CredentialPair{AccessToken: "access-2", RefreshToken: "refresh-2"}
		require.NoError(t, s.Save(t.Context(), next))

		got, ok, err := s.Load(t.Context())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, next, got)
	})

	t.Run("save without access token fails", func(t *testing.T) {
		s := newStore(t)

		err := s.Save(t.Context(), models.CredentialPair{RefreshToken: "refresh-only"})

		require.Error(t, err)
		require.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(t.Context(), pair))

		err := s.Clear(t.Context())
		require.NoError(t, err)

		_, ok, err := s.Load(t.Context())
		require.NoError(t, err)
		require.False(t, ok, "cleared store must be empty")
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Clear(t.Context()))
		require.NoError(t, s.Clear(t.Context()))
	})
}
