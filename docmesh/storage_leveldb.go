package docmesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// persistent storage adapter over leveldb. one database per mesh.
type LevelDbStorageAdapter struct {
	db *leveldb.DB
}

func NewLevelDbStorageAdapter(path string) (*LevelDbStorageAdapter, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return &LevelDbStorageAdapter{
		db: db,
	}, nil
}

func (self *LevelDbStorageAdapter) Load(ctx context.Context, key StorageKey) ([]byte, error) {
	value, err := self.db.Get([]byte(key.Encode()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return value, nil
}

func (self *LevelDbStorageAdapter) Save(ctx context.Context, key StorageKey, value []byte) error {
	if err := self.db.Put([]byte(key.Encode()), value, nil); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *LevelDbStorageAdapter) Remove(ctx context.Context, key StorageKey) error {
	if err := self.db.Delete([]byte(key.Encode()), nil); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *LevelDbStorageAdapter) LoadRange(ctx context.Context, prefix StorageKey) ([]StorageEntry, error) {
	iter := self.db.NewIterator(util.BytesPrefix([]byte(prefix.Encode())), nil)
	defer iter.Release()

	entries := []StorageEntry{}
	for iter.Next() {
		key, err := DecodeStorageKey(string(iter.Key()))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrStorage, err)
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		entries = append(entries, StorageEntry{
			Key:   key,
			Value: value,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return entries, nil
}

func (self *LevelDbStorageAdapter) RemoveRange(ctx context.Context, prefix StorageKey) error {
	iter := self.db.NewIterator(util.BytesPrefix([]byte(prefix.Encode())), nil)
	defer iter.Release()

	batch := &leveldb.Batch{}
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	if err := self.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %s", ErrStorage, err)
	}
	return nil
}

func (self *LevelDbStorageAdapter) Close() error {
	return self.db.Close()
}
