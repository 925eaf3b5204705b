package docmesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRepoFindIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repo.Close()

	handle, err := repo.Create()
	assert.Equal(t, err, nil)

	// one handle per document id for the life of the repo
	found, err := repo.Find(handle.Url())
	assert.Equal(t, err, nil)
	assert.Equal(t, found == handle, true)

	foundById, err := repo.FindId(handle.DocumentId())
	assert.Equal(t, err, nil)
	assert.Equal(t, foundById == handle, true)

	_, err = repo.Find("docmesh:garbage")
	assert.Equal(t, errors.Is(err, ErrInvalidUrl), true)
}

func TestRepoUnavailableCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repo.Close()

	unavailable := make(chan DocumentId, 8)
	repo.AddUnavailableCallback(func(documentId DocumentId) {
		unavailable <- documentId
	})

	documentId := NewId()
	handle, err := repo.FindId(documentId)
	assert.Equal(t, err, nil)

	select {
	case unavailableId := <-unavailable:
		assert.Equal(t, unavailableId, documentId)
	case <-time.After(5 * time.Second):
		t.Fatal("no unavailable notification")
	}
	assert.Equal(t, handle.IsUnavailable(), true)

	// a repeat find for an unavailable document re-announces
	_, err = repo.FindId(documentId)
	assert.Equal(t, err, nil)
	select {
	case unavailableId := <-unavailable:
		assert.Equal(t, unavailableId, documentId)
	case <-time.After(5 * time.Second):
		t.Fatal("no unavailable re-announcement")
	}
}

func TestRepoPersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := NewMemoryStorageAdapter()

	repo1 := NewRepoWithDefaults(ctx, adapter)
	handle1, err := repo1.Create()
	assert.Equal(t, err, nil)
	err = handle1.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)
	documentId := handle1.DocumentId()
	repo1.Close()

	// a second repo over the same storage loads the snapshot
	repo2 := NewRepoWithDefaults(ctx, adapter)
	defer repo2.Close()

	handle2, err := repo2.FindId(documentId)
	assert.Equal(t, err, nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handle2.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)

	v, ok := handle2.Value().(*MapValue).Get("k")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, []byte("v"))
}

func TestRepoPersistenceEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := NewMemoryStorageAdapter()

	// a created document is persisted even if it is never mutated
	repo1 := NewRepoWithDefaults(ctx, adapter)
	handle1, err := repo1.Create()
	assert.Equal(t, err, nil)
	documentId := handle1.DocumentId()
	repo1.Close()

	repo2 := NewRepoWithDefaults(ctx, adapter)
	defer repo2.Close()

	handle2, err := repo2.FindId(documentId)
	assert.Equal(t, err, nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handle2.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)
	assert.Equal(t, handle2.Value().(*MapValue).Keys(), []string{})
}

func TestRepoDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := NewMemoryStorageAdapter()
	repo := NewRepoWithDefaults(ctx, adapter)
	defer repo.Close()

	deleted := make(chan DocumentId, 8)
	repo.AddDeleteCallback(func(documentId DocumentId) {
		deleted <- documentId
	})

	handle, err := repo.Create()
	assert.Equal(t, err, nil)
	documentId := handle.DocumentId()
	err = handle.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)
	repo.storage.Flush()

	repo.Delete(documentId)

	select {
	case deletedId := <-deleted:
		assert.Equal(t, deletedId, documentId)
	case <-time.After(5 * time.Second):
		t.Fatal("no delete notification")
	}

	assert.Equal(t, handle.IsDeleted(), true)
	// the handle is evicted from the cache
	assert.Equal(t, repo.peekHandle(documentId) == nil, true)

	// the storage range is removed asynchronously
	waitFor(t, 5*time.Second, func() bool {
		_, err := adapter.Load(context.Background(), DocumentSnapshotKey(documentId))
		return errors.Is(err, ErrNotFound)
	})
}

func TestRepoDeleteTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repo.Close()

	deleted := make(chan DocumentId, 8)
	repo.AddDeleteCallback(func(documentId DocumentId) {
		deleted <- documentId
	})

	// deleting a document with no cached handle still notifies
	documentId := NewId()
	repo.Delete(documentId)

	select {
	case deletedId := <-deleted:
		assert.Equal(t, deletedId, documentId)
	case <-time.After(5 * time.Second):
		t.Fatal("no delete notification")
	}
}

func TestRepoDeleteUrl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repo.Close()

	handle, err := repo.Create()
	assert.Equal(t, err, nil)

	err = repo.DeleteUrl(handle.Url())
	assert.Equal(t, err, nil)
	assert.Equal(t, handle.IsDeleted(), true)

	err = repo.DeleteUrl("not a url")
	assert.Equal(t, errors.Is(err, ErrInvalidUrl), true)
}

func TestRepoDocumentCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repo.Close()

	announced := make(chan DocumentId, 8)
	repo.AddDocumentCallback(func(handle *DocHandle) {
		announced <- handle.DocumentId()
	})

	handle, err := repo.Create()
	assert.Equal(t, err, nil)

	select {
	case announcedId := <-announced:
		assert.Equal(t, announcedId, handle.DocumentId())
	case <-time.After(5 * time.Second):
		t.Fatal("no document notification")
	}
}
