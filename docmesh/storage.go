package docmesh

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// storage adapter contract. keys are ordered sequences of byte string
// segments where the document id is always the first segment, so that one
// document's chunks share a key prefix and can be ranged over.

var ErrNotFound = errors.New("not found")

var ErrStorage = errors.New("storage error")

type StorageKey [][]byte

func NewStorageKey(segments ...[]byte) StorageKey {
	return StorageKey(segments)
}

// the canonical key for a document's full snapshot
func DocumentSnapshotKey(documentId DocumentId) StorageKey {
	return StorageKey{documentId.Bytes(), []byte("snapshot")}
}

func DocumentKeyPrefix(documentId DocumentId) StorageKey {
	return StorageKey{documentId.Bytes()}
}

// hex segments joined with / so that the segment boundary can never collide
// with segment content, and an encoded prefix is a byte prefix of every
// encoded key under it
func (self StorageKey) Encode() string {
	segments := make([]string, len(self))
	for i, segment := range self {
		segments[i] = hex.EncodeToString(segment)
	}
	return strings.Join(segments, "/") + "/"
}

func DecodeStorageKey(encodedKey string) (StorageKey, error) {
	trimmed := strings.TrimSuffix(encodedKey, "/")
	parts := strings.Split(trimmed, "/")
	key := make(StorageKey, len(parts))
	for i, part := range parts {
		segment, err := hex.DecodeString(part)
		if err != nil {
			return nil, err
		}
		key[i] = segment
	}
	return key, nil
}

type StorageEntry struct {
	Key   StorageKey
	Value []byte
}

type StorageAdapter interface {
	// returns ErrNotFound when the key is absent
	Load(ctx context.Context, key StorageKey) ([]byte, error)
	Save(ctx context.Context, key StorageKey, value []byte) error
	Remove(ctx context.Context, key StorageKey) error
	LoadRange(ctx context.Context, prefix StorageKey) ([]StorageEntry, error)
	RemoveRange(ctx context.Context, prefix StorageKey) error
}

type StorageBridgeSettings struct {
	SaveTimeout time.Duration
}

func DefaultStorageBridgeSettings() *StorageBridgeSettings {
	return &StorageBridgeSettings{
		SaveTimeout: 15 * time.Second,
	}
}

// StorageBridge serializes handle load/save operations onto the adapter.
// writes for one document never interleave. distinct documents are
// unconstrained. scheduled saves coalesce, so a burst of changes to one
// document results in at most two adapter writes.
type StorageBridge struct {
	ctx     context.Context
	adapter StorageAdapter

	settings *StorageBridgeSettings

	stateLock    sync.Mutex
	docLocks     map[DocumentId]*sync.Mutex
	pendingSaves map[DocumentId]func() []byte
	saving       map[DocumentId]bool

	pendingDone sync.WaitGroup
}

func NewStorageBridge(ctx context.Context, adapter StorageAdapter, settings *StorageBridgeSettings) *StorageBridge {
	return &StorageBridge{
		ctx:          ctx,
		adapter:      adapter,
		settings:     settings,
		docLocks:     map[DocumentId]*sync.Mutex{},
		pendingSaves: map[DocumentId]func() []byte{},
		saving:       map[DocumentId]bool{},
	}
}

func (self *StorageBridge) docLock(documentId DocumentId) *sync.Mutex {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	lock, ok := self.docLocks[documentId]
	if !ok {
		lock = &sync.Mutex{}
		self.docLocks[documentId] = lock
	}
	return lock
}

func (self *StorageBridge) LoadDocument(ctx context.Context, documentId DocumentId) ([]byte, error) {
	lock := self.docLock(documentId)
	lock.Lock()
	defer lock.Unlock()

	return self.adapter.Load(ctx, DocumentSnapshotKey(documentId))
}

func (self *StorageBridge) SaveDocument(ctx context.Context, documentId DocumentId, fullBytes []byte) error {
	lock := self.docLock(documentId)
	lock.Lock()
	defer lock.Unlock()

	return self.adapter.Save(ctx, DocumentSnapshotKey(documentId), fullBytes)
}

// schedule an asynchronous save. `fetch` is called just before the write so
// that the latest snapshot wins when saves coalesce.
func (self *StorageBridge) ScheduleSave(documentId DocumentId, fetch func() []byte) {
	self.stateLock.Lock()
	self.pendingSaves[documentId] = fetch
	if self.saving[documentId] {
		self.stateLock.Unlock()
		return
	}
	self.saving[documentId] = true
	self.pendingDone.Add(1)
	self.stateLock.Unlock()

	go self.runSaves(documentId)
}

func (self *StorageBridge) runSaves(documentId DocumentId) {
	defer self.pendingDone.Done()

	for {
		self.stateLock.Lock()
		fetch, ok := self.pendingSaves[documentId]
		if !ok {
			self.saving[documentId] = false
			self.stateLock.Unlock()
			return
		}
		delete(self.pendingSaves, documentId)
		self.stateLock.Unlock()

		fullBytes := fetch()
		if fullBytes == nil {
			// the document went away before the save ran
			continue
		}

		saveCtx, saveCancel := context.WithTimeout(self.ctx, self.settings.SaveTimeout)
		err := self.SaveDocument(saveCtx, documentId, fullBytes)
		saveCancel()
		if err != nil {
			glog.Infof("[sb]save %s error = %s\n", documentId, err)
		}
	}
}

func (self *StorageBridge) RemoveDocument(ctx context.Context, documentId DocumentId) error {
	lock := self.docLock(documentId)
	lock.Lock()
	defer lock.Unlock()

	err := self.adapter.RemoveRange(ctx, DocumentKeyPrefix(documentId))

	self.stateLock.Lock()
	delete(self.pendingSaves, documentId)
	delete(self.docLocks, documentId)
	self.stateLock.Unlock()

	return err
}

// waits for scheduled saves to drain
func (self *StorageBridge) Flush() {
	self.pendingDone.Wait()
}
