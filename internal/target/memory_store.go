package target

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/animus-labs/tac-pipeline/internal/domain"
)

// MemoryStore keeps artifacts in process. Writes become visible on Close.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Exists(ctx context.Context, uri string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	loc, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[loc.String()]
	return ok, nil
}

func (s *MemoryStore) OpenRead(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[loc.String()]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", uri, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) OpenWrite(ctx context.Context, uri string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return &memoryWriter{store: s, key: loc.String()}, nil
}

// Put stores data directly.
func (s *MemoryStore) Put(uri string, data []byte) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[loc.String()] = append([]byte(nil), data...)
	return nil
}

// Len reports the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

type memoryWriter struct {
	store  *MemoryStore
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.key] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}
