package store

import (
	"context"
	"errors"
	"sync"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/models"
)

// Memory keeps the pair in process memory. Nothing survives a restart
type Memory struct {
	mu   sync.RWMutex
	pair models.CredentialPair
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (models.CredentialPair, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pair.IsZero() {
		return models.CredentialPair{}, false, nil
	}
	return m.pair, true, nil
}

func (m *Memory) Save(_ context.Context, pair models.CredentialPair) error {
	if pair.IsZero() {
		return apperrors.NewStorageError("save", errors.New("access token must not be empty"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = pair
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = models.CredentialPair{}
	return nil
}
