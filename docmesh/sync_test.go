package docmesh

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/go-playground/assert/v2"
)

func connectTestRepos(ctx context.Context, repoA *Repo, repoB *Repo) {
	a, b := NewChannelNetworkAdapterPair(ctx, repoA.LocalPeerId(), repoB.LocalPeerId())
	// subscribe b before a's connect advertisements are sent
	repoB.AddNetworkAdapter(b)
	repoA.AddNetworkAdapter(a)
}

func newTestRepoPair(ctx context.Context) (*Repo, *Repo) {
	repoA := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	repoB := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	connectTestRepos(ctx, repoA, repoB)
	return repoA, repoB
}

// registers a ready document under a fixed id, the way a peer that already
// holds the document would have it
func newTestDocument(repo *Repo, documentId DocumentId) *DocHandle {
	repo.stateLock.Lock()
	handle := newDocHandle(repo, documentId, true)
	repo.handles[documentId] = handle
	repo.stateLock.Unlock()
	repo.attachHandle(handle)
	return handle
}

func testGet(handle *DocHandle, key string) ([]byte, bool) {
	value := handle.Value()
	if value == nil {
		return nil, false
	}
	return value.(*MapValue).Get(key)
}

func TestSyncRequestWelcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA, repoB := newTestRepoPair(ctx)
	defer repoA.Close()
	defer repoB.Close()

	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)

	handleB, err := repoB.Find(handleA.Url())
	assert.Equal(t, err, nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)

	v, ok := testGet(handleB, "k")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, []byte("v"))

	// subsequent changes flow as diffs, in both directions
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("fromA", []byte("1"))
		return nil
	})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := testGet(handleB, "fromA")
		return ok
	})

	err = handleB.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("fromB", []byte("2"))
		return nil
	})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := testGet(handleA, "fromB")
		return ok
	})
}

func TestSyncEmptyDocumentFind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA, repoB := newTestRepoPair(ctx)
	defer repoA.Close()
	defer repoB.Close()

	// a freshly created document with no mutations must still be served
	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)

	handleB, err := repoB.Find(handleA.Url())
	assert.Equal(t, err, nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)

	assert.NotEqual(t, handleB.Value(), nil)
	assert.Equal(t, handleB.Value().(*MapValue).Keys(), []string{})

	// the replica is live: later changes flow normally
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := testGet(handleB, "k")
		return ok
	})
}

func TestSyncConcurrentWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA, repoB := newTestRepoPair(ctx)
	defer repoA.Close()
	defer repoB.Close()

	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("seed", []byte("1"))
		return nil
	})
	assert.Equal(t, err, nil)

	handleB, err := repoB.Find(handleA.Url())
	assert.Equal(t, err, nil)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)

	// both sides write the same key. the replicas must settle on one winner.
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("contested", []byte("a"))
		return nil
	})
	assert.Equal(t, err, nil)
	err = handleB.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("contested", []byte("b"))
		return nil
	})
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		vA, okA := testGet(handleA, "contested")
		vB, okB := testGet(handleB, "contested")
		return okA && okB && string(vA) == string(vB)
	})
}

func TestSyncDocumentUnavailableReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA, repoB := newTestRepoPair(ctx)
	defer repoA.Close()
	defer repoB.Close()

	// nobody has this document. the negative reply settles the find well
	// before the request timeout.
	handleB, err := repoB.FindId(NewId())
	assert.Equal(t, err, nil)

	start := time.Now()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateUnavailable)
	assert.Equal(t, time.Since(start) < 3*time.Second, true)
}

func TestSyncRequestTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fakeClock := clockwork.NewFakeClock()
	settings := DefaultRepoSettings()
	settings.Sync.Clock = fakeClock

	repoB := NewRepo(ctx, NewId(), NewMapCore(), NewMemoryStorageAdapter(), AllowAllSharePolicy, settings)
	defer repoB.Close()

	// a connected peer that never answers
	adapterB, _ := NewChannelNetworkAdapterPair(ctx, repoB.LocalPeerId(), NewId())
	repoB.AddNetworkAdapter(adapterB)

	handleB, err := repoB.FindId(NewId())
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		repoB.synchronizer.stateLock.Lock()
		defer repoB.synchronizer.stateLock.Unlock()
		return len(repoB.synchronizer.requests) == 1
	})
	assert.Equal(t, handleB.State(), DocStateRequesting)

	fakeClock.Advance(settings.Sync.RequestTimeout + time.Second)

	waitFor(t, 5*time.Second, func() bool {
		return handleB.IsUnavailable()
	})
}

func TestSyncPeerDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoB := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repoB.Close()

	// a connected peer that never answers
	adapterB, _ := NewChannelNetworkAdapterPair(ctx, repoB.LocalPeerId(), NewId())
	repoB.AddNetworkAdapter(adapterB)

	handleB, err := repoB.FindId(NewId())
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return handleB.State() == DocStateRequesting
	})

	// losing the last outstanding peer completes the transition early,
	// without waiting for the request timeout
	adapterB.Close()

	start := time.Now()
	waitFor(t, 5*time.Second, func() bool {
		return handleB.IsUnavailable()
	})
	assert.Equal(t, time.Since(start) < 3*time.Second, true)
}

func TestSyncArrive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	repoB := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repoA.Close()
	defer repoB.Close()

	// b looks for the document before any peer has it
	documentId := NewId()
	handleB, err := repoB.FindId(documentId)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return handleB.IsUnavailable()
	})

	// a holds the document and then connects. the arrive advertisement
	// corrects b's unavailable state.
	handleA := newTestDocument(repoA, documentId)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)

	connectTestRepos(ctx, repoA, repoB)

	waitFor(t, 5*time.Second, func() bool {
		return handleB.IsReady()
	})
	v, ok := testGet(handleB, "k")
	assert.Equal(t, ok, true)
	assert.Equal(t, v, []byte("v"))
}

func TestSyncFetchOnArrive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repoA.Close()

	settings := DefaultRepoSettings()
	settings.Sync.FetchOnArrive = true
	repoB := NewRepo(ctx, NewId(), NewMapCore(), NewMemoryStorageAdapter(), AllowAllSharePolicy, settings)
	defer repoB.Close()

	connectTestRepos(ctx, repoA, repoB)

	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)

	// b pins the document without anyone asking for it
	waitFor(t, 5*time.Second, func() bool {
		handleB := repoB.peekHandle(handleA.DocumentId())
		if handleB == nil || !handleB.IsReady() {
			return false
		}
		_, ok := testGet(handleB, "k")
		return ok
	})
}

func TestSyncSharePolicy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	denyAll := func(peerId PeerId, documentId DocumentId) bool {
		return false
	}
	repoA := NewRepo(ctx, NewId(), NewMapCore(), NewMemoryStorageAdapter(), denyAll, DefaultRepoSettings())
	repoB := NewRepoWithDefaults(ctx, NewMemoryStorageAdapter())
	defer repoA.Close()
	defer repoB.Close()

	connectTestRepos(ctx, repoA, repoB)

	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)

	// a holds the document but the policy denies b. the request is answered
	// negatively, never with content.
	handleB, err := repoB.FindId(handleA.DocumentId())
	assert.Equal(t, err, nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateUnavailable)
	assert.Equal(t, handleB.Value() == nil, true)
}

func TestSyncEphemeral(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA, repoB := newTestRepoPair(ctx)
	defer repoA.Close()
	defer repoB.Close()

	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)

	handleB, err := repoB.Find(handleA.Url())
	assert.Equal(t, err, nil)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)

	payloads := make(chan []byte, 8)
	handleB.AddEphemeralCallback(func(documentId DocumentId, fromPeerId PeerId, payloadBytes []byte) {
		assert.Equal(t, documentId, handleA.DocumentId())
		assert.Equal(t, fromPeerId, repoA.LocalPeerId())
		payloads <- payloadBytes
	})

	err = handleA.SendEphemeral([]byte("ping"))
	assert.Equal(t, err, nil)

	select {
	case payload := <-payloads:
		assert.Equal(t, payload, []byte("ping"))
	case <-time.After(5 * time.Second):
		t.Fatal("no ephemeral delivery")
	}

	// a replayed sequence number is dropped
	repoB.synchronizer.handleEphemeral(repoA.LocalPeerId(), &EphemeralMessage{
		DocumentId:     handleA.DocumentId().Bytes(),
		SenderId:       repoA.LocalPeerId().Bytes(),
		TargetId:       repoB.LocalPeerId().Bytes(),
		SessionId:      repoA.synchronizer.ephemeralSessionId.Bytes(),
		SequenceNumber: 1,
		PayloadBytes:   []byte("replay"),
	})

	err = handleA.SendEphemeral([]byte("pong"))
	assert.Equal(t, err, nil)

	select {
	case payload := <-payloads:
		assert.Equal(t, payload, []byte("pong"))
	case <-time.After(5 * time.Second):
		t.Fatal("no ephemeral delivery")
	}
}

func TestSyncDeleteDiscardsLate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoA, repoB := newTestRepoPair(ctx)
	defer repoA.Close()
	defer repoB.Close()

	handleA, err := repoA.Create()
	assert.Equal(t, err, nil)
	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("k", []byte("v"))
		return nil
	})
	assert.Equal(t, err, nil)
	documentId := handleA.DocumentId()

	handleB, err := repoB.FindId(documentId)
	assert.Equal(t, err, nil)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := handleB.WaitUntilReady(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state, DocStateReady)

	// deletion is local. a's replica keeps going, and its broadcasts do not
	// resurrect b's deleted document.
	repoB.Delete(documentId)
	waitFor(t, 5*time.Second, func() bool {
		return repoB.peekHandle(documentId) == nil
	})

	err = handleA.ChangeLocally(func(value DocumentValue) error {
		value.(*MapValue).Set("late", []byte("1"))
		return nil
	})
	assert.Equal(t, err, nil)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, handleB.IsDeleted(), true)
	assert.Equal(t, repoB.peekHandle(documentId) == nil, true)
	assert.Equal(t, handleA.IsReady(), true)
}
