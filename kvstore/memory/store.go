package memory

import (
	"errors"
	"slices"
	"sync"

	"github.com/nostrid/go-nostrid/kvstore"
)

var _ kvstore.KVStore = (*Store)(nil)

type Store struct {
	sync.RWMutex
	data map[string][]byte
}

func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	// copies everywhere so callers can't touch what we hold
	return slices.Clone(s.data[string(key)]), nil
}

func (s *Store) Set(key []byte, value []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.data == nil {
		return errors.New("store is closed")
	}
	s.data[string(key)] = slices.Clone(value)
	return nil
}

func (s *Store) Delete(key []byte) error {
	s.Lock()
	defer s.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	s.data = nil
	return nil
}

func (s *Store) Update(key []byte, f func([]byte) ([]byte, error)) error {
	s.Lock()
	defer s.Unlock()

	if s.data == nil {
		return errors.New("store is closed")
	}

	newVal, err := f(slices.Clone(s.data[string(key)]))
	if err == kvstore.NoOp {
		return nil
	} else if err != nil {
		return err
	}

	if newVal == nil {
		delete(s.data, string(key))
	} else {
		s.data[string(key)] = slices.Clone(newVal)
	}
	return nil
}
