package docmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

var ErrInvalidState = errors.New("invalid state")

type DocState int

const (
	DocStateIdle DocState = iota
	DocStateLoading
	DocStateRequesting
	DocStateReady
	DocStateUnavailable
	DocStateDeleted
)

func (self DocState) String() string {
	switch self {
	case DocStateIdle:
		return "idle"
	case DocStateLoading:
		return "loading"
	case DocStateRequesting:
		return "requesting"
	case DocStateReady:
		return "ready"
	case DocStateUnavailable:
		return "unavailable"
	case DocStateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("docstate(%d)", int(self))
	}
}

// the state machine is forward-only except for the unavailable re-entry.
// unavailable means "not found yet" and stays correctable by late peers.
// deleted is terminal.
var docStateTransitions = map[DocState][]DocState{
	DocStateIdle:        {DocStateLoading, DocStateReady, DocStateDeleted},
	DocStateLoading:     {DocStateReady, DocStateRequesting, DocStateUnavailable, DocStateDeleted},
	DocStateRequesting:  {DocStateReady, DocStateUnavailable, DocStateDeleted},
	DocStateReady:       {DocStateDeleted},
	DocStateUnavailable: {DocStateRequesting, DocStateReady, DocStateDeleted},
	DocStateDeleted:     {},
}

func canTransition(from DocState, to DocState) bool {
	return slices.Contains(docStateTransitions[from], to)
}

type ChangeFunction func(documentId DocumentId, value DocumentValue)

type StateFunction func(documentId DocumentId, state DocState)

type EphemeralFunction func(documentId DocumentId, fromPeerId PeerId, payloadBytes []byte)

// DocHandle is the in-process proxy for one document's replication
// lifecycle. exactly one handle exists per document id within a repo.
type DocHandle struct {
	repo       *Repo
	documentId DocumentId

	stateLock sync.Mutex
	state     DocState
	value     DocumentValue

	update *monitor

	changeCallbacks    *callbackList[ChangeFunction]
	stateCallbacks     *callbackList[StateFunction]
	ephemeralCallbacks *callbackList[EphemeralFunction]
}

func newDocHandle(repo *Repo, documentId DocumentId, isNew bool) *DocHandle {
	handle := &DocHandle{
		repo:               repo,
		documentId:         documentId,
		update:             newMonitor(),
		changeCallbacks:    newCallbackList[ChangeFunction](),
		stateCallbacks:     newCallbackList[StateFunction](),
		ephemeralCallbacks: newCallbackList[EphemeralFunction](),
	}
	if isNew {
		// a new document needs no i/o. it is born ready with an empty value.
		handle.state = DocStateReady
		handle.value = repo.core.NewValue()
	} else {
		handle.state = DocStateLoading
	}
	return handle
}

func (self *DocHandle) DocumentId() DocumentId {
	return self.documentId
}

func (self *DocHandle) Url() string {
	return FormatDocumentUrl(self.documentId)
}

func (self *DocHandle) State() DocState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *DocHandle) IsReady() bool {
	return self.State() == DocStateReady
}

func (self *DocHandle) IsUnavailable() bool {
	return self.State() == DocStateUnavailable
}

func (self *DocHandle) IsDeleted() bool {
	return self.State() == DocStateDeleted
}

// the current value. nil until the handle has been ready at least once.
// reads through the value are safe at any time. mutations must go through
// `ChangeLocally` so they are recorded for broadcast.
func (self *DocHandle) Value() DocumentValue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.value
}

// applies a local mutation. the mutator runs with the document's write lock
// held and must not call back into the handle.
func (self *DocHandle) ChangeLocally(mutator func(value DocumentValue) error) error {
	self.stateLock.Lock()
	if self.state == DocStateDeleted {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: document is deleted", ErrInvalidState)
	}
	if self.state != DocStateReady {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: document is %s, wait until ready", ErrInvalidState, self.state)
	}
	value := self.value
	if err := mutator(value); err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.stateLock.Unlock()

	self.emitChange()
	return nil
}

// merges a change received from a peer. on a merge error the handle state
// and value are unchanged. a change for a deleted handle is discarded.
func (self *DocHandle) ApplyRemoteChange(changeBytes []byte, fromPeerId PeerId) error {
	self.stateLock.Lock()
	if self.state == DocStateDeleted {
		self.stateLock.Unlock()
		glog.V(1).Infof("[h]%s discard change from %s after delete\n", self.documentId, fromPeerId)
		return nil
	}
	value := self.value
	created := false
	if value == nil {
		value = self.repo.core.NewValue()
		created = true
	}
	changed, err := value.ApplyChange(changeBytes)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	if created {
		self.value = value
	}
	becameReady := false
	if self.state != DocStateReady {
		becameReady = self.setStateLocked(DocStateReady)
	}
	self.stateLock.Unlock()

	if becameReady {
		self.notifyState(DocStateReady)
	}
	if changed {
		self.emitChange()
	}
	return nil
}

// suspends the caller until the handle settles at ready, unavailable, or
// deleted, or until ctx is done. returns the settled state.
func (self *DocHandle) WaitUntilReady(ctx context.Context) (DocState, error) {
	for {
		notify := self.update.NotifyChannel()
		switch state := self.State(); state {
		case DocStateReady, DocStateUnavailable, DocStateDeleted:
			return state, nil
		}
		select {
		case <-ctx.Done():
			return self.State(), ctx.Err()
		case <-notify:
		}
	}
}

// deletion is immediate, unconditional, and irreversible
func (self *DocHandle) Delete() {
	self.stateLock.Lock()
	if self.state == DocStateDeleted {
		self.stateLock.Unlock()
		return
	}
	self.state = DocStateDeleted
	self.value = nil
	self.stateLock.Unlock()

	self.notifyState(DocStateDeleted)
}

// broadcast an out of band payload scoped to this document.
// delivered to current subscribers at connected peers, never stored.
func (self *DocHandle) SendEphemeral(payloadBytes []byte) error {
	if self.IsDeleted() {
		return fmt.Errorf("%w: document is deleted", ErrInvalidState)
	}
	self.repo.synchronizer.sendEphemeral(self.documentId, payloadBytes)
	return nil
}

func (self *DocHandle) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.changeCallbacks.add(changeCallback)
}

func (self *DocHandle) AddStateCallback(stateCallback StateFunction) func() {
	return self.stateCallbacks.add(stateCallback)
}

func (self *DocHandle) AddEphemeralCallback(ephemeralCallback EphemeralFunction) func() {
	return self.ephemeralCallbacks.add(ephemeralCallback)
}

// must be called inside the state lock
func (self *DocHandle) setStateLocked(to DocState) bool {
	if !canTransition(self.state, to) {
		glog.V(1).Infof("[h]%s reject %s->%s\n", self.documentId, self.state, to)
		return false
	}
	glog.V(1).Infof("[h]%s %s->%s\n", self.documentId, self.state, to)
	self.state = to
	return true
}

// transition driven from outside the handle (storage bridge, synchronizer).
// returns false if the transition is not allowed from the current state.
func (self *DocHandle) transition(to DocState) bool {
	self.stateLock.Lock()
	ok := self.setStateLocked(to)
	self.stateLock.Unlock()
	if ok {
		self.notifyState(to)
	}
	return ok
}

// storage load produced a snapshot
func (self *DocHandle) resolveLoad(fullBytes []byte) error {
	value, err := self.repo.core.LoadValue(fullBytes)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if !canTransition(self.state, DocStateReady) {
		// a peer beat the storage load, or the handle was deleted
		self.stateLock.Unlock()
		return nil
	}
	self.value = value
	self.setStateLocked(DocStateReady)
	self.stateLock.Unlock()

	self.notifyState(DocStateReady)
	self.emitChange()
	return nil
}

func (self *DocHandle) notifyState(state DocState) {
	self.update.NotifyAll()
	for _, stateCallback := range self.stateCallbacks.get() {
		stateCallback := stateCallback
		handleCallback(func() {
			stateCallback(self.documentId, state)
		})
	}
}

func (self *DocHandle) emitChange() {
	self.stateLock.Lock()
	value := self.value
	self.stateLock.Unlock()
	if value == nil {
		return
	}
	for _, changeCallback := range self.changeCallbacks.get() {
		changeCallback := changeCallback
		handleCallback(func() {
			changeCallback(self.documentId, value)
		})
	}
}

func (self *DocHandle) deliverEphemeral(fromPeerId PeerId, payloadBytes []byte) {
	for _, ephemeralCallback := range self.ephemeralCallbacks.get() {
		ephemeralCallback := ephemeralCallback
		handleCallback(func() {
			ephemeralCallback(self.documentId, fromPeerId, payloadBytes)
		})
	}
}

// full snapshot bytes, or nil when there is no value
func (self *DocHandle) fullBytes() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.value == nil {
		return nil
	}
	return self.value.Bytes()
}

func (self *DocHandle) heads() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.value == nil {
		return nil
	}
	return self.value.Heads()
}

// full snapshot plus the cursor that covers it, read atomically
func (self *DocHandle) fullBytesAndHeads() ([]byte, []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.value == nil {
		return nil, nil
	}
	return self.value.Bytes(), self.value.Heads()
}

// diff for a peer cursor plus the cursor that covers it, read atomically so
// the synchronizer can advance its bookkeeping without losing changes that
// land between the two reads
func (self *DocHandle) diffAndHeads(since []byte) ([]byte, []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.value == nil {
		return nil, nil
	}
	return self.value.Diff(since), self.value.Heads()
}
