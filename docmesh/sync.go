package docmesh

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"golang.org/x/exp/maps"
)

type SyncSettings struct {
	// how long a requesting document waits for a positive response before
	// it settles at unavailable
	RequestTimeout time.Duration
	// when true, documents announced by peers that are not cached locally
	// are fetched and pinned. sync servers run with this on.
	FetchOnArrive bool
	// swapped for a fake clock in tests
	Clock clockwork.Clock
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		RequestTimeout: 5 * time.Second,
		FetchOnArrive:  false,
		Clock:          clockwork.NewRealClock(),
	}
}

// per (document, peer) bookkeeping: the cursor the remote peer is known to
// be at, used to compute minimal diffs. owned exclusively by the
// synchronizer and dropped when the peer disconnects or the document is
// deleted.
type SyncState struct {
	remoteHeads []byte
}

type documentRequest struct {
	// peers asked and not yet answered. peers that connect while the
	// request is outstanding are added, so late arrivals can still answer.
	outstanding map[PeerId]bool
	timer       clockwork.Timer
}

// Synchronizer routes protocol messages between the repo's handles and the
// attached network adapters, and drives the requesting/unavailable
// transitions. one per repo.
type Synchronizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	repo        *Repo
	sharePolicy SharePolicyFunction
	settings    *SyncSettings
	clock       clockwork.Clock

	stateLock      sync.Mutex
	adapters       []NetworkAdapter
	adapterRemoves []func()
	peerAdapters   map[PeerId]NetworkAdapter
	syncStates     map[DocumentId]map[PeerId]*SyncState
	requests       map[DocumentId]*documentRequest
	// per (peer, session) latest delivered ephemeral sequence number
	ephemeralSequences map[PeerId]map[Id]uint64

	ephemeralSessionId      Id
	ephemeralSequenceNumber uint64
}

func newSynchronizer(ctx context.Context, repo *Repo, sharePolicy SharePolicyFunction, settings *SyncSettings) *Synchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	clock := settings.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Synchronizer{
		ctx:                cancelCtx,
		cancel:             cancel,
		repo:               repo,
		sharePolicy:        sharePolicy,
		settings:           settings,
		clock:              clock,
		peerAdapters:       map[PeerId]NetworkAdapter{},
		syncStates:         map[DocumentId]map[PeerId]*SyncState{},
		requests:           map[DocumentId]*documentRequest{},
		ephemeralSequences: map[PeerId]map[Id]uint64{},
		ephemeralSessionId: NewId(),
	}
}

func (self *Synchronizer) AddAdapter(adapter NetworkAdapter) {
	removePeer := adapter.AddPeerCallback(func(peerId PeerId, connected bool) {
		if connected {
			self.peerConnected(peerId, adapter)
		} else {
			self.peerDisconnected(peerId, adapter)
		}
	})
	removeReceive := adapter.AddReceiveCallback(func(fromPeerId PeerId, frameBytes []byte) {
		self.handleFrame(fromPeerId, frameBytes)
	})

	self.stateLock.Lock()
	self.adapters = append(self.adapters, adapter)
	self.adapterRemoves = append(self.adapterRemoves, removePeer, removeReceive)
	self.stateLock.Unlock()
}

func (self *Synchronizer) Close() {
	self.stateLock.Lock()
	adapterRemoves := self.adapterRemoves
	self.adapterRemoves = nil
	for _, request := range self.requests {
		request.timer.Stop()
	}
	maps.Clear(self.requests)
	self.stateLock.Unlock()

	for _, remove := range adapterRemoves {
		remove()
	}
	self.cancel()
}

func (self *Synchronizer) peerConnected(peerId PeerId, adapter NetworkAdapter) {
	glog.V(1).Infof("[r]%s peer %s connected\n", self.repo.localPeerId, peerId)

	self.stateLock.Lock()
	self.peerAdapters[peerId] = adapter
	// the request stays outstanding until resolved or timed out,
	// so a peer that connects mid-wait is still eligible to answer
	requestDocumentIds := []DocumentId{}
	for documentId, request := range self.requests {
		request.outstanding[peerId] = true
		requestDocumentIds = append(requestDocumentIds, documentId)
	}
	self.stateLock.Unlock()

	for _, documentId := range requestDocumentIds {
		self.sendToPeer(peerId, &RequestMessage{
			DocumentId: documentId.Bytes(),
			SenderId:   self.repo.localPeerId.Bytes(),
			TargetId:   peerId.Bytes(),
		})
	}

	// advertise documents the policy allows
	for _, handle := range self.repo.cachedHandles() {
		if handle.IsReady() && self.sharePolicy(peerId, handle.documentId) {
			self.sendToPeer(peerId, &ArriveMessage{
				DocumentId: handle.documentId.Bytes(),
				SenderId:   self.repo.localPeerId.Bytes(),
			})
		}
	}
}

func (self *Synchronizer) peerDisconnected(peerId PeerId, adapter NetworkAdapter) {
	glog.V(1).Infof("[r]%s peer %s disconnected\n", self.repo.localPeerId, peerId)

	self.stateLock.Lock()
	if self.peerAdapters[peerId] == adapter {
		delete(self.peerAdapters, peerId)
	}
	for _, peerStates := range self.syncStates {
		delete(peerStates, peerId)
	}
	delete(self.ephemeralSequences, peerId)

	exhausted := []DocumentId{}
	for documentId, request := range self.requests {
		delete(request.outstanding, peerId)
		if len(request.outstanding) == 0 {
			request.timer.Stop()
			delete(self.requests, documentId)
			exhausted = append(exhausted, documentId)
		}
	}
	self.stateLock.Unlock()

	// losing the last outstanding peer completes the unavailable
	// transition early
	for _, documentId := range exhausted {
		if handle := self.repo.peekHandle(documentId); handle != nil {
			handle.transition(DocStateUnavailable)
		}
	}
}

// a ready handle changed. fan minimal diffs out to every allowed peer.
func (self *Synchronizer) documentChanged(handle *DocHandle) {
	documentId := handle.documentId

	self.stateLock.Lock()
	targets := map[PeerId][]byte{}
	for peerId := range self.peerAdapters {
		if !self.sharePolicy(peerId, documentId) {
			continue
		}
		targets[peerId] = self.syncStateLocked(documentId, peerId).remoteHeads
	}
	self.stateLock.Unlock()

	for peerId, since := range targets {
		diffBytes, headsBytes := handle.diffAndHeads(since)
		if diffBytes == nil {
			continue
		}
		ok := self.sendToPeer(peerId, &SyncMessage{
			DocumentId: documentId.Bytes(),
			SenderId:   self.repo.localPeerId.Bytes(),
			TargetId:   peerId.Bytes(),
			DiffBytes:  diffBytes,
		})
		if ok {
			self.setSyncStateHeads(documentId, peerId, headsBytes)
		}
	}
}

// a new local document exists. announce it to every allowed peer.
func (self *Synchronizer) documentAdded(handle *DocHandle) {
	documentId := handle.documentId

	self.stateLock.Lock()
	peerIds := []PeerId{}
	for peerId := range self.peerAdapters {
		if self.sharePolicy(peerId, documentId) {
			peerIds = append(peerIds, peerId)
		}
	}
	self.stateLock.Unlock()

	for _, peerId := range peerIds {
		self.sendToPeer(peerId, &ArriveMessage{
			DocumentId: documentId.Bytes(),
			SenderId:   self.repo.localPeerId.Bytes(),
		})
	}
}

func (self *Synchronizer) documentDeleted(documentId DocumentId) {
	self.stateLock.Lock()
	delete(self.syncStates, documentId)
	if request, ok := self.requests[documentId]; ok {
		request.timer.Stop()
		delete(self.requests, documentId)
	}
	self.stateLock.Unlock()
}

// a storage load came back empty. ask the connected peers for the document.
func (self *Synchronizer) requestDocument(handle *DocHandle) {
	documentId := handle.documentId

	self.stateLock.Lock()
	peerIds := maps.Keys(self.peerAdapters)
	self.stateLock.Unlock()

	if len(peerIds) == 0 {
		handle.transition(DocStateUnavailable)
		return
	}
	if !handle.transition(DocStateRequesting) {
		// a peer or the storage load beat us, or the handle was deleted
		return
	}

	self.stateLock.Lock()
	if _, ok := self.requests[documentId]; ok {
		self.stateLock.Unlock()
		return
	}
	outstanding := map[PeerId]bool{}
	for _, peerId := range peerIds {
		outstanding[peerId] = true
	}
	self.requests[documentId] = &documentRequest{
		outstanding: outstanding,
		timer:       self.newRequestTimer(documentId),
	}
	self.stateLock.Unlock()

	for _, peerId := range peerIds {
		self.sendToPeer(peerId, &RequestMessage{
			DocumentId: documentId.Bytes(),
			SenderId:   self.repo.localPeerId.Bytes(),
			TargetId:   peerId.Bytes(),
		})
	}
}

// re-request from one peer that announced the document
func (self *Synchronizer) requestFromPeer(handle *DocHandle, peerId PeerId) {
	documentId := handle.documentId

	if !handle.transition(DocStateRequesting) {
		return
	}

	self.stateLock.Lock()
	request, ok := self.requests[documentId]
	if !ok {
		request = &documentRequest{
			outstanding: map[PeerId]bool{},
			timer:       self.newRequestTimer(documentId),
		}
		self.requests[documentId] = request
	}
	request.outstanding[peerId] = true
	self.stateLock.Unlock()

	self.sendToPeer(peerId, &RequestMessage{
		DocumentId: documentId.Bytes(),
		SenderId:   self.repo.localPeerId.Bytes(),
		TargetId:   peerId.Bytes(),
	})
}

func (self *Synchronizer) newRequestTimer(documentId DocumentId) clockwork.Timer {
	return self.clock.AfterFunc(self.settings.RequestTimeout, func() {
		self.expireRequest(documentId)
	})
}

func (self *Synchronizer) expireRequest(documentId DocumentId) {
	self.stateLock.Lock()
	request, ok := self.requests[documentId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	request.timer.Stop()
	delete(self.requests, documentId)
	self.stateLock.Unlock()

	glog.V(1).Infof("[r]%s request %s timed out\n", self.repo.localPeerId, documentId)
	if handle := self.repo.peekHandle(documentId); handle != nil {
		handle.transition(DocStateUnavailable)
	}
}

// a positive response arrived. the request is done.
func (self *Synchronizer) resolveRequest(documentId DocumentId) {
	self.stateLock.Lock()
	request, ok := self.requests[documentId]
	if ok {
		request.timer.Stop()
		delete(self.requests, documentId)
	}
	self.stateLock.Unlock()
}

func (self *Synchronizer) sendEphemeral(documentId DocumentId, payloadBytes []byte) {
	self.stateLock.Lock()
	self.ephemeralSequenceNumber += 1
	sequenceNumber := self.ephemeralSequenceNumber
	peerIds := []PeerId{}
	for peerId := range self.peerAdapters {
		if self.sharePolicy(peerId, documentId) {
			peerIds = append(peerIds, peerId)
		}
	}
	self.stateLock.Unlock()

	for _, peerId := range peerIds {
		self.sendToPeer(peerId, &EphemeralMessage{
			DocumentId:     documentId.Bytes(),
			SenderId:       self.repo.localPeerId.Bytes(),
			TargetId:       peerId.Bytes(),
			SessionId:      self.ephemeralSessionId.Bytes(),
			SequenceNumber: sequenceNumber,
			PayloadBytes:   payloadBytes,
		})
	}
}

func (self *Synchronizer) handleFrame(fromPeerId PeerId, frameBytes []byte) {
	message, err := DecodeFrame(frameBytes)
	if err != nil {
		// a malformed message never affects other documents or peers
		glog.Infof("[r]%s bad message from %s = %s\n", self.repo.localPeerId, fromPeerId, err)
		return
	}

	switch v := message.(type) {
	case *SyncMessage:
		if !self.verifyEnvelope(fromPeerId, v.SenderId, v.TargetId) {
			return
		}
		self.handleSync(fromPeerId, v)
	case *RequestMessage:
		if !self.verifyEnvelope(fromPeerId, v.SenderId, v.TargetId) {
			return
		}
		self.handleRequest(fromPeerId, v)
	case *WelcomeMessage:
		if !self.verifyEnvelope(fromPeerId, v.SenderId, v.TargetId) {
			return
		}
		self.handleWelcome(fromPeerId, v)
	case *DocumentUnavailableMessage:
		if !self.verifyEnvelope(fromPeerId, v.SenderId, v.TargetId) {
			return
		}
		self.handleDocumentUnavailable(fromPeerId, v)
	case *ArriveMessage:
		if !self.verifyEnvelope(fromPeerId, v.SenderId, nil) {
			return
		}
		self.handleArrive(fromPeerId, v)
	case *EphemeralMessage:
		if !self.verifyEnvelope(fromPeerId, v.SenderId, v.TargetId) {
			return
		}
		self.handleEphemeral(fromPeerId, v)
	}
}

// the envelope sender must match the transport peer, and the target, when
// present, must be this repo
func (self *Synchronizer) verifyEnvelope(fromPeerId PeerId, senderIdBytes []byte, targetIdBytes []byte) bool {
	senderId := RequireIdFromBytes(senderIdBytes)
	if senderId != fromPeerId {
		glog.Infof("[r]%s sender mismatch %s != %s\n", self.repo.localPeerId, senderId, fromPeerId)
		return false
	}
	if targetIdBytes != nil {
		targetId := RequireIdFromBytes(targetIdBytes)
		if targetId != self.repo.localPeerId {
			glog.V(1).Infof("[r]%s not the target (%s)\n", self.repo.localPeerId, targetId)
			return false
		}
	}
	return true
}

func (self *Synchronizer) handleSync(fromPeerId PeerId, message *SyncMessage) {
	documentId := RequireIdFromBytes(message.DocumentId)
	handle := self.repo.peekHandle(documentId)
	if handle == nil || handle.IsDeleted() {
		glog.V(1).Infof("[r]%s discard sync for %s\n", self.repo.localPeerId, documentId)
		return
	}
	if err := handle.ApplyRemoteChange(message.DiffBytes, fromPeerId); err != nil {
		glog.Infof("[r]%s merge error for %s from %s = %s\n", self.repo.localPeerId, documentId, fromPeerId, err)
		return
	}
	self.resolveRequest(documentId)
	// send back whatever the peer lacks. the exchange settles because the
	// reply diff is empty once the cursors converge.
	self.replySync(handle, fromPeerId)
}

func (self *Synchronizer) handleRequest(fromPeerId PeerId, message *RequestMessage) {
	documentId := RequireIdFromBytes(message.DocumentId)
	handle := self.repo.peekHandle(documentId)

	if handle == nil || !handle.IsReady() || !self.sharePolicy(fromPeerId, documentId) {
		// a negative response lets the requester settle before its timeout
		self.sendToPeer(fromPeerId, &DocumentUnavailableMessage{
			DocumentId: documentId.Bytes(),
			SenderId:   self.repo.localPeerId.Bytes(),
			TargetId:   fromPeerId.Bytes(),
		})
		return
	}

	self.stateLock.Lock()
	since := self.syncStateLocked(documentId, fromPeerId).remoteHeads
	self.stateLock.Unlock()

	if since != nil {
		// the peer has a cursor, a diff is enough
		diffBytes, headsBytes := handle.diffAndHeads(since)
		if diffBytes != nil {
			ok := self.sendToPeer(fromPeerId, &SyncMessage{
				DocumentId: documentId.Bytes(),
				SenderId:   self.repo.localPeerId.Bytes(),
				TargetId:   fromPeerId.Bytes(),
				DiffBytes:  diffBytes,
			})
			if ok {
				self.setSyncStateHeads(documentId, fromPeerId, headsBytes)
			}
			return
		}
		// the cursor claims the peer is current but it is asking anyway,
		// fall through to a full welcome
	}

	// the full snapshot, which is non-nil even for an empty value, so a
	// never-mutated document is still served
	fullBytes, headsBytes := handle.fullBytesAndHeads()
	if fullBytes == nil {
		self.sendToPeer(fromPeerId, &DocumentUnavailableMessage{
			DocumentId: documentId.Bytes(),
			SenderId:   self.repo.localPeerId.Bytes(),
			TargetId:   fromPeerId.Bytes(),
		})
		return
	}
	ok := self.sendToPeer(fromPeerId, &WelcomeMessage{
		DocumentId: documentId.Bytes(),
		SenderId:   self.repo.localPeerId.Bytes(),
		TargetId:   fromPeerId.Bytes(),
		FullBytes:  fullBytes,
	})
	if ok {
		self.setSyncStateHeads(documentId, fromPeerId, headsBytes)
	}
}

func (self *Synchronizer) handleWelcome(fromPeerId PeerId, message *WelcomeMessage) {
	documentId := RequireIdFromBytes(message.DocumentId)
	handle := self.repo.peekHandle(documentId)
	if handle == nil || handle.IsDeleted() {
		glog.V(1).Infof("[r]%s discard welcome for %s\n", self.repo.localPeerId, documentId)
		return
	}
	if err := handle.ApplyRemoteChange(message.FullBytes, fromPeerId); err != nil {
		glog.Infof("[r]%s merge error for %s from %s = %s\n", self.repo.localPeerId, documentId, fromPeerId, err)
		return
	}
	self.resolveRequest(documentId)
}

func (self *Synchronizer) handleDocumentUnavailable(fromPeerId PeerId, message *DocumentUnavailableMessage) {
	documentId := RequireIdFromBytes(message.DocumentId)

	self.stateLock.Lock()
	request, ok := self.requests[documentId]
	exhausted := false
	if ok {
		delete(request.outstanding, fromPeerId)
		if len(request.outstanding) == 0 {
			request.timer.Stop()
			delete(self.requests, documentId)
			exhausted = true
		}
	}
	self.stateLock.Unlock()

	if exhausted {
		// every asked peer answered negatively
		if handle := self.repo.peekHandle(documentId); handle != nil {
			handle.transition(DocStateUnavailable)
		}
	}
}

func (self *Synchronizer) handleArrive(fromPeerId PeerId, message *ArriveMessage) {
	documentId := RequireIdFromBytes(message.DocumentId)
	handle := self.repo.peekHandle(documentId)
	if handle == nil {
		if self.settings.FetchOnArrive {
			glog.V(1).Infof("[r]%s fetch on arrive %s from %s\n", self.repo.localPeerId, documentId, fromPeerId)
			self.repo.FindId(documentId)
		}
		return
	}
	if handle.IsUnavailable() {
		self.requestFromPeer(handle, fromPeerId)
	}
}

func (self *Synchronizer) handleEphemeral(fromPeerId PeerId, message *EphemeralMessage) {
	documentId := RequireIdFromBytes(message.DocumentId)
	sessionId := RequireIdFromBytes(message.SessionId)

	self.stateLock.Lock()
	sessions, ok := self.ephemeralSequences[fromPeerId]
	if !ok {
		sessions = map[Id]uint64{}
		self.ephemeralSequences[fromPeerId] = sessions
	}
	if last, seen := sessions[sessionId]; seen && message.SequenceNumber <= last {
		self.stateLock.Unlock()
		glog.V(2).Infof("[r]%s stale ephemeral from %s\n", self.repo.localPeerId, fromPeerId)
		return
	}
	sessions[sessionId] = message.SequenceNumber
	self.stateLock.Unlock()

	handle := self.repo.peekHandle(documentId)
	if handle == nil || handle.IsDeleted() {
		// ephemeral messages are never queued for later
		return
	}
	handle.deliverEphemeral(fromPeerId, message.PayloadBytes)
}

func (self *Synchronizer) replySync(handle *DocHandle, peerId PeerId) {
	documentId := handle.documentId
	if !self.sharePolicy(peerId, documentId) {
		return
	}

	self.stateLock.Lock()
	since := self.syncStateLocked(documentId, peerId).remoteHeads
	self.stateLock.Unlock()

	diffBytes, headsBytes := handle.diffAndHeads(since)
	if diffBytes == nil {
		return
	}
	ok := self.sendToPeer(peerId, &SyncMessage{
		DocumentId: documentId.Bytes(),
		SenderId:   self.repo.localPeerId.Bytes(),
		TargetId:   peerId.Bytes(),
		DiffBytes:  diffBytes,
	})
	if ok {
		self.setSyncStateHeads(documentId, peerId, headsBytes)
	}
}

// must be called inside the state lock
func (self *Synchronizer) syncStateLocked(documentId DocumentId, peerId PeerId) *SyncState {
	peerStates, ok := self.syncStates[documentId]
	if !ok {
		peerStates = map[PeerId]*SyncState{}
		self.syncStates[documentId] = peerStates
	}
	state, ok := peerStates[peerId]
	if !ok {
		state = &SyncState{}
		peerStates[peerId] = state
	}
	return state
}

func (self *Synchronizer) setSyncStateHeads(documentId DocumentId, peerId PeerId, headsBytes []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.syncStateLocked(documentId, peerId).remoteHeads = headsBytes
}

func (self *Synchronizer) sendToPeer(peerId PeerId, message any) bool {
	self.stateLock.Lock()
	adapter := self.peerAdapters[peerId]
	self.stateLock.Unlock()
	if adapter == nil {
		return false
	}

	frameBytes, err := EncodeFrame(message)
	if err != nil {
		glog.Infof("[r]%s encode error = %s\n", self.repo.localPeerId, err)
		return false
	}
	if !adapter.Send(peerId, frameBytes) {
		glog.V(1).Infof("[r]%s send to %s failed\n", self.repo.localPeerId, peerId)
		return false
	}
	return true
}
