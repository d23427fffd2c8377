package accounts

import (
	"context"
	"sync"

	"github.com/vadiminshakov/papertrade/internal/domain"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*domain.Account)}
}

// Load returns a copy of the stored account.
func (s *MemoryStore) Load(ctx context.Context, userID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return acc.Clone(), nil
}

// Save replaces the stored account when versions match.
func (s *MemoryStore) Save(ctx context.Context, acc *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[acc.UserID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != acc.Version {
		return domain.ErrConflict
	}

	acc.Version++
	s.accounts[acc.UserID] = acc.Clone()
	return nil
}

// Create stores a new account.
func (s *MemoryStore) Create(ctx context.Context, acc *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.UserID]; ok {
		return domain.ErrExists
	}
	s.accounts[acc.UserID] = acc.Clone()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
