package accounts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

const defaultFileDir = "./data/accounts"

// FileStore keeps one JSON document per account so restarts keep balances
// and positions. Version checks are only enforced within one process.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = defaultFileDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create accounts dir")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", sanitizeID(userID)))
}

// sanitizeID keeps file names inside dir whatever the user id contains.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%04x", r)
		}
	}
	return b.String()
}

// Load reads the account document.
func (s *FileStore) Load(ctx context.Context, userID string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read(userID)
}

func (s *FileStore) read(userID string) (*domain.Account, error) {
	payload, err := os.ReadFile(s.path(userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "read account")
	}
	return decode(payload)
}

// Save writes the account atomically via a temp file when versions match.
func (s *FileStore) Save(ctx context.Context, acc *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(acc.UserID)
	if err != nil {
		return err
	}
	if current.Version != acc.Version {
		return domain.ErrConflict
	}

	next := acc.Clone()
	next.Version++
	if err := s.write(next); err != nil {
		return err
	}
	acc.Version = next.Version
	return nil
}

// Create writes a new account document.
func (s *FileStore) Create(ctx context.Context, acc *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(acc.UserID)); err == nil {
		return domain.ErrExists
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "stat account")
	}
	return s.write(acc)
}

func (s *FileStore) write(acc *domain.Account) error {
	payload, err := encode(acc)
	if err != nil {
		return err
	}

	target := s.path(acc.UserID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write account temp file")
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrap(err, "persist account")
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
