package storefakes

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-auth-client/storage"
)

var _ storage.Store = (*FakeStore)(nil)

// FakeStore is a thread-safe in-memory Store for tests. Individual operations
// can be forced to fail via FailSet/FailGet/FailRemove.
type FakeStore struct {
	lock   sync.RWMutex
	values map[string][]byte

	FailSet    bool
	FailGet    bool
	FailRemove bool

	SetCalls    int
	GetCalls    int
	RemoveCalls int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{values: make(map[string][]byte)}
}

func (s *FakeStore) Set(_ context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.SetCalls++
	if s.FailSet {
		return errors.New("store write failed")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	return nil
}

func (s *FakeStore) Get(_ context.Context, key string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	s.GetCalls++
	if s.FailGet {
		return nil, errors.New("store read failed")
	}
	v, ok := s.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *FakeStore) Remove(_ context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.RemoveCalls++
	if s.FailRemove {
		return errors.New("store remove failed")
	}
	delete(s.values, key)
	return nil
}

func (s *FakeStore) Has(_ context.Context, key string) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.values[key]
	return ok, nil
}

// Keys returns a snapshot of stored keys matching prefix, implementing
// storage.Lister.
func (s *FakeStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
