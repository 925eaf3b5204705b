package docmesh

import (
	"context"

	"sync"

	"github.com/golang/glog"
)

const ChannelTransportBufferSize = 32

// ChannelNetworkAdapter is an in-process transport: two adapters joined by
// buffered channels. used by tests and by single-process meshes.
type ChannelNetworkAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	localPeerId  PeerId
	remotePeerId PeerId

	send    chan []byte
	receive chan []byte

	peerCallbacks    *callbackList[PeerFunction]
	receiveCallbacks *callbackList[ReceiveFunction]

	stateLock sync.Mutex
	connected bool
}

// joins two peers with an in-process duplex channel.
// closing either side disconnects both.
func NewChannelNetworkAdapterPair(ctx context.Context, peerIdA PeerId, peerIdB PeerId) (*ChannelNetworkAdapter, *ChannelNetworkAdapter) {
	cancelCtx, cancel := context.WithCancel(ctx)

	aToB := make(chan []byte, ChannelTransportBufferSize)
	bToA := make(chan []byte, ChannelTransportBufferSize)

	a := newChannelNetworkAdapter(cancelCtx, cancel, peerIdA, peerIdB, aToB, bToA)
	b := newChannelNetworkAdapter(cancelCtx, cancel, peerIdB, peerIdA, bToA, aToB)
	return a, b
}

func newChannelNetworkAdapter(
	ctx context.Context,
	cancel context.CancelFunc,
	localPeerId PeerId,
	remotePeerId PeerId,
	send chan []byte,
	receive chan []byte,
) *ChannelNetworkAdapter {
	adapter := &ChannelNetworkAdapter{
		ctx:              ctx,
		cancel:           cancel,
		localPeerId:      localPeerId,
		remotePeerId:     remotePeerId,
		send:             send,
		receive:          receive,
		peerCallbacks:    newCallbackList[PeerFunction](),
		receiveCallbacks: newCallbackList[ReceiveFunction](),
		connected:        true,
	}
	go adapter.run()
	return adapter
}

func (self *ChannelNetworkAdapter) LocalPeerId() PeerId {
	return self.localPeerId
}

func (self *ChannelNetworkAdapter) run() {
	defer func() {
		self.stateLock.Lock()
		wasConnected := self.connected
		self.connected = false
		self.stateLock.Unlock()

		if wasConnected {
			for _, peerCallback := range self.peerCallbacks.get() {
				peerCallback := peerCallback
				handleCallback(func() {
					peerCallback(self.remotePeerId, false)
				})
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes, ok := <-self.receive:
			if !ok {
				return
			}
			glog.V(2).Infof("[ch]%s<-%s %d bytes\n", self.localPeerId, self.remotePeerId, len(frameBytes))
			for _, receiveCallback := range self.receiveCallbacks.get() {
				receiveCallback := receiveCallback
				handleCallback(func() {
					receiveCallback(self.remotePeerId, frameBytes)
				})
			}
		}
	}
}

func (self *ChannelNetworkAdapter) Send(peerId PeerId, frameBytes []byte) bool {
	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()

	if !connected || peerId != self.remotePeerId {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frameBytes:
		glog.V(2).Infof("[ch]%s->%s %d bytes\n", self.localPeerId, self.remotePeerId, len(frameBytes))
		return true
	default:
		// full
		glog.Infof("[ch]drop %s->%s\n", self.localPeerId, self.remotePeerId)
		return false
	}
}

func (self *ChannelNetworkAdapter) AddPeerCallback(peerCallback PeerFunction) func() {
	remove := self.peerCallbacks.add(peerCallback)

	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()
	if connected {
		handleCallback(func() {
			peerCallback(self.remotePeerId, true)
		})
	}
	return remove
}

func (self *ChannelNetworkAdapter) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return self.receiveCallbacks.add(receiveCallback)
}

func (self *ChannelNetworkAdapter) Close() {
	self.cancel()
}
