package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

var nameKey = []byte("username")

// Store remembers the display name in a Pebble database so it survives
// restarts.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("identity: empty data path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "identity"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

// Name returns the remembered name, or "" when none was saved.
func (s *Store) Name() (string, error) {
	val, closer, err := s.db.Get(nameKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load name: %w", err)
	}
	defer closer.Close()
	return string(val), nil
}

func (s *Store) SetName(name string) error {
	if err := s.db.Set(nameKey, []byte(name), pebble.Sync); err != nil {
		return fmt.Errorf("save name: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Memory keeps the name for the life of the process only.
type Memory struct {
	mu   sync.Mutex
	name string
}

func NewMemory(name string) *Memory {
	return &Memory{name: name}
}

func (m *Memory) Name() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name, nil
}

func (m *Memory) SetName(name string) error {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
	return nil
}
