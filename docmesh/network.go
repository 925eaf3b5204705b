package docmesh

// network adapter contract. an adapter owns one or more peer-identified
// duplex channels, surfaces connect/disconnect transitions, and moves
// encoded frames. the synchronizer attaches to any number of adapters.

// connected=true fires once the peer channel is usable.
// connected=false fires when it goes away.
type PeerFunction func(peerId PeerId, connected bool)

type ReceiveFunction func(fromPeerId PeerId, frameBytes []byte)

type NetworkAdapter interface {
	// non-blocking best effort send. returns false when the peer is not
	// reachable through this adapter or the send buffer is full.
	Send(peerId PeerId, frameBytes []byte) bool
	// the returned function removes the callback.
	// on add, the adapter replays connected=true for already connected peers
	// so that a late-attaching synchronizer sees every peer exactly once.
	AddPeerCallback(peerCallback PeerFunction) func()
	AddReceiveCallback(receiveCallback ReceiveFunction) func()
	Close()
}
