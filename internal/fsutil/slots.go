package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// ErrSlotEmpty is returned when a slot has never been written.
var ErrSlotEmpty = errors.New("slot is empty")

// Slots serializes access to the single-file output slots. Writers of the same
// path run one at a time and readers never observe a half-written file; the last
// writer to finish still wins.
type Slots struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewSlots returns an empty registry.
func NewSlots() *Slots {
	return &Slots{locks: make(map[string]*sync.RWMutex)}
}

func (s *Slots) lockFor(path string) *sync.RWMutex {
	key := filepath.Clean(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// Read returns the contents of the slot at path.
func (s *Slots) Read(path string) ([]byte, error) {
	l := s.lockFor(path)
	l.RLock()
	defer l.RUnlock()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrSlotEmpty)
	}
	return data, err
}

// Write replaces the slot at path with data.
func (s *Slots) Write(path string, data []byte) error {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()
	return WriteFileAtomic(path, data, 0o644)
}

// WriteFileAtomic writes data to a temp file beside path, syncs it and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
