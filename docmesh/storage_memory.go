package docmesh

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-memory storage adapter. used in tests and as the fallback when a repo
// is constructed without persistence.
type MemoryStorageAdapter struct {
	stateLock sync.Mutex
	values    map[string][]byte
}

func NewMemoryStorageAdapter() *MemoryStorageAdapter {
	return &MemoryStorageAdapter{
		values: map[string][]byte{},
	}
}

func (self *MemoryStorageAdapter) Load(ctx context.Context, key StorageKey) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key.Encode()]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(value), nil
}

func (self *MemoryStorageAdapter) Save(ctx context.Context, key StorageKey, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[key.Encode()] = slices.Clone(value)
	return nil
}

func (self *MemoryStorageAdapter) Remove(ctx context.Context, key StorageKey) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.values, key.Encode())
	return nil
}

func (self *MemoryStorageAdapter) LoadRange(ctx context.Context, prefix StorageKey) ([]StorageEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	encodedPrefix := prefix.Encode()
	encodedKeys := []string{}
	for encodedKey := range self.values {
		if strings.HasPrefix(encodedKey, encodedPrefix) {
			encodedKeys = append(encodedKeys, encodedKey)
		}
	}
	slices.Sort(encodedKeys)

	entries := make([]StorageEntry, 0, len(encodedKeys))
	for _, encodedKey := range encodedKeys {
		key, err := DecodeStorageKey(encodedKey)
		if err != nil {
			return nil, err
		}
		entries = append(entries, StorageEntry{
			Key:   key,
			Value: slices.Clone(self.values[encodedKey]),
		})
	}
	return entries, nil
}

func (self *MemoryStorageAdapter) RemoveRange(ctx context.Context, prefix StorageKey) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	encodedPrefix := prefix.Encode()
	for _, encodedKey := range maps.Keys(self.values) {
		if strings.HasPrefix(encodedKey, encodedPrefix) {
			delete(self.values, encodedKey)
		}
	}
	return nil
}
