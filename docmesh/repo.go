package docmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// share policy: may `documentId` be disclosed to `peerId`.
// evaluated at every outbound disclosure decision. must be pure.
type SharePolicyFunction func(peerId PeerId, documentId DocumentId) bool

func AllowAllSharePolicy(peerId PeerId, documentId DocumentId) bool {
	return true
}

type DocumentFunction func(handle *DocHandle)

type DocumentIdFunction func(documentId DocumentId)

type RepoSettings struct {
	Sync    *SyncSettings
	Storage *StorageBridgeSettings
}

func DefaultRepoSettings() *RepoSettings {
	return &RepoSettings{
		Sync:    DefaultSyncSettings(),
		Storage: DefaultStorageBridgeSettings(),
	}
}

// Repo owns the document id -> handle cache. at most one handle exists per
// id for the life of the repo. multiple independent repos per process are
// fine, which is how the tests stand up whole meshes in memory.
type Repo struct {
	ctx    context.Context
	cancel context.CancelFunc

	localPeerId PeerId
	core        DocumentCore
	settings    *RepoSettings

	storage      *StorageBridge
	synchronizer *Synchronizer

	stateLock sync.Mutex
	handles   map[DocumentId]*DocHandle

	documentCallbacks    *callbackList[DocumentFunction]
	deleteCallbacks      *callbackList[DocumentIdFunction]
	unavailableCallbacks *callbackList[DocumentIdFunction]
}

func NewRepoWithDefaults(ctx context.Context, storageAdapter StorageAdapter) *Repo {
	return NewRepo(ctx, NewId(), NewMapCore(), storageAdapter, AllowAllSharePolicy, DefaultRepoSettings())
}

func NewRepo(
	ctx context.Context,
	localPeerId PeerId,
	core DocumentCore,
	storageAdapter StorageAdapter,
	sharePolicy SharePolicyFunction,
	settings *RepoSettings,
) *Repo {
	cancelCtx, cancel := context.WithCancel(ctx)
	repo := &Repo{
		ctx:                  cancelCtx,
		cancel:               cancel,
		localPeerId:          localPeerId,
		core:                 core,
		settings:             settings,
		handles:              map[DocumentId]*DocHandle{},
		documentCallbacks:    newCallbackList[DocumentFunction](),
		deleteCallbacks:      newCallbackList[DocumentIdFunction](),
		unavailableCallbacks: newCallbackList[DocumentIdFunction](),
	}
	repo.storage = NewStorageBridge(cancelCtx, storageAdapter, settings.Storage)
	repo.synchronizer = newSynchronizer(cancelCtx, repo, sharePolicy, settings.Sync)
	return repo
}

func (self *Repo) LocalPeerId() PeerId {
	return self.localPeerId
}

func (self *Repo) AddNetworkAdapter(adapter NetworkAdapter) {
	self.synchronizer.AddAdapter(adapter)
}

// creates a new document. the handle is ready immediately with an empty
// value. the document's existence is announced so connected peers that the
// share policy allows learn about it.
func (self *Repo) Create() (*DocHandle, error) {
	documentId := NewId()

	self.stateLock.Lock()
	if _, ok := self.handles[documentId]; ok {
		// id generation collided with a live document
		self.stateLock.Unlock()
		return nil, fmt.Errorf("document id collision: %s", documentId)
	}
	handle := newDocHandle(self, documentId, true)
	self.handles[documentId] = handle
	self.stateLock.Unlock()

	self.attachHandle(handle)
	// persist the empty snapshot so the document survives a restart even if
	// it is never mutated
	self.storage.ScheduleSave(documentId, handle.fullBytes)
	self.announceDocument(handle)
	self.synchronizer.documentAdded(handle)
	return handle, nil
}

// resolves a document url to its handle, constructing one lazily.
// repeated calls for the same id return the identical handle.
func (self *Repo) Find(documentUrl string) (*DocHandle, error) {
	documentId, err := ParseDocumentUrl(documentUrl)
	if err != nil {
		return nil, err
	}
	return self.FindId(documentId)
}

func (self *Repo) FindId(documentId DocumentId) (*DocHandle, error) {
	self.stateLock.Lock()
	if handle, ok := self.handles[documentId]; ok {
		self.stateLock.Unlock()
		if handle.IsUnavailable() {
			// re-announce asynchronously so an observer attached right
			// after this call still sees the signal exactly once
			go handle.notifyState(DocStateUnavailable)
		}
		return handle, nil
	}
	handle := newDocHandle(self, documentId, false)
	self.handles[documentId] = handle
	self.stateLock.Unlock()

	self.attachHandle(handle)
	self.announceDocument(handle)
	go self.loadDocument(handle)
	return handle, nil
}

// deletes a document. if no handle is cached one is materialized
// transiently so the deletion notification is emitted consistently.
func (self *Repo) Delete(documentId DocumentId) {
	self.stateLock.Lock()
	handle, ok := self.handles[documentId]
	self.stateLock.Unlock()

	if ok {
		// the attached state callback finalizes the delete
		handle.Delete()
		return
	}

	transient := newDocHandle(self, documentId, false)
	transient.Delete()
	self.finalizeDelete(documentId)
}

func (self *Repo) DeleteUrl(documentUrl string) error {
	documentId, err := ParseDocumentUrl(documentUrl)
	if err != nil {
		return err
	}
	self.Delete(documentId)
	return nil
}

func (self *Repo) AddDocumentCallback(documentCallback DocumentFunction) func() {
	return self.documentCallbacks.add(documentCallback)
}

func (self *Repo) AddDeleteCallback(deleteCallback DocumentIdFunction) func() {
	return self.deleteCallbacks.add(deleteCallback)
}

func (self *Repo) AddUnavailableCallback(unavailableCallback DocumentIdFunction) func() {
	return self.unavailableCallbacks.add(unavailableCallback)
}

// shuts the repo down, flushing pending storage writes
func (self *Repo) Close() {
	self.synchronizer.Close()
	self.storage.Flush()
	self.cancel()
}

// wires repo level plumbing into a newly registered handle:
// persistence and broadcast on change, cache and sync cleanup on delete,
// repo level notifications on unavailable
func (self *Repo) attachHandle(handle *DocHandle) {
	handle.AddChangeCallback(func(documentId DocumentId, value DocumentValue) {
		self.storage.ScheduleSave(documentId, handle.fullBytes)
		self.synchronizer.documentChanged(handle)
	})
	handle.AddStateCallback(func(documentId DocumentId, state DocState) {
		switch state {
		case DocStateUnavailable:
			for _, unavailableCallback := range self.unavailableCallbacks.get() {
				unavailableCallback := unavailableCallback
				handleCallback(func() {
					unavailableCallback(documentId)
				})
			}
		case DocStateDeleted:
			self.finalizeDelete(documentId)
		}
	})
}

func (self *Repo) finalizeDelete(documentId DocumentId) {
	self.stateLock.Lock()
	delete(self.handles, documentId)
	self.stateLock.Unlock()

	self.synchronizer.documentDeleted(documentId)

	go func() {
		removeCtx, removeCancel := context.WithTimeout(context.Background(), self.settings.Storage.SaveTimeout)
		defer removeCancel()
		if err := self.storage.RemoveDocument(removeCtx, documentId); err != nil && !errors.Is(err, ErrNotFound) {
			glog.Infof("[repo]remove %s error = %s\n", documentId, err)
		}
	}()

	for _, deleteCallback := range self.deleteCallbacks.get() {
		deleteCallback := deleteCallback
		handleCallback(func() {
			deleteCallback(documentId)
		})
	}
}

func (self *Repo) announceDocument(handle *DocHandle) {
	for _, documentCallback := range self.documentCallbacks.get() {
		documentCallback := documentCallback
		handleCallback(func() {
			documentCallback(handle)
		})
	}
}

// snapshot of the cached handle, nil when not in memory
func (self *Repo) peekHandle(documentId DocumentId) *DocHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.handles[documentId]
}

func (self *Repo) cachedHandles() []*DocHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	handles := make([]*DocHandle, 0, len(self.handles))
	for _, handle := range self.handles {
		handles = append(handles, handle)
	}
	return handles
}

func (self *Repo) loadDocument(handle *DocHandle) {
	fullBytes, err := self.storage.LoadDocument(self.ctx, handle.documentId)
	if err == nil {
		if err := handle.resolveLoad(fullBytes); err == nil {
			return
		} else {
			// an unreadable snapshot falls through to the peer path
			glog.Infof("[repo]load %s corrupt snapshot = %s\n", handle.documentId, err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		// a failed load is treated the same as not found
		glog.Infof("[repo]load %s error = %s\n", handle.documentId, err)
	}
	self.synchronizer.requestDocument(handle)
}
