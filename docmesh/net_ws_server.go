package docmesh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// WsServerNetworkAdapter accepts websocket peers. it is an http.Handler so
// the host application chooses the listener and the path. each accepted
// connection is one peer channel; a reconnecting peer replaces its previous
// connection.
type WsServerNetworkAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth   *PeerAuth
	secret []byte

	settings *WsTransportSettings

	upgrader *websocket.Upgrader

	peerCallbacks    *callbackList[PeerFunction]
	receiveCallbacks *callbackList[ReceiveFunction]

	stateLock sync.Mutex
	conns     map[PeerId]*wsServerConn
}

type wsServerConn struct {
	cancel context.CancelFunc
	send   chan []byte
}

func NewWsServerNetworkAdapterWithDefaults(
	ctx context.Context,
	auth *PeerAuth,
	secret []byte,
) *WsServerNetworkAdapter {
	return NewWsServerNetworkAdapter(ctx, auth, secret, DefaultWsTransportSettings())
}

func NewWsServerNetworkAdapter(
	ctx context.Context,
	auth *PeerAuth,
	secret []byte,
	settings *WsTransportSettings,
) *WsServerNetworkAdapter {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsServerNetworkAdapter{
		ctx:      cancelCtx,
		cancel:   cancel,
		auth:     auth,
		secret:   secret,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		peerCallbacks:    newCallbackList[PeerFunction](),
		receiveCallbacks: newCallbackList[ReceiveFunction](),
		conns:            map[PeerId]*wsServerConn{},
	}
}

func (self *WsServerNetworkAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[wss]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// the dialer leads with its signed token, answer with ours
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	remoteAuth, err := ParsePeerAuth(string(message), self.secret)
	if err != nil {
		glog.Infof("[wss]auth error = %s\n", err)
		return
	}
	authToken, err := self.auth.Sign(self.secret)
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(authToken)); err != nil {
		return
	}

	remotePeerId := remoteAuth.PeerId

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, WsTransportBufferSize)
	conn := &wsServerConn{
		cancel: handleCancel,
		send:   send,
	}

	self.stateLock.Lock()
	if previous, ok := self.conns[remotePeerId]; ok {
		// the peer reconnected, drop the stale connection
		previous.cancel()
	}
	self.conns[remotePeerId] = conn
	self.stateLock.Unlock()

	self.emitPeer(remotePeerId, true)
	defer func() {
		self.stateLock.Lock()
		current := self.conns[remotePeerId] == conn
		if current {
			delete(self.conns, remotePeerId)
		}
		self.stateLock.Unlock()
		if current {
			self.emitPeer(remotePeerId, false)
		}
	}()

	// write
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					glog.Infof("[wss]%s-> error = %s\n", remotePeerId, err)
					return
				}
				glog.V(2).Infof("[wss]->%s\n", remotePeerId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// read
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[wss]%s<- error = %s\n", remotePeerId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			for _, receiveCallback := range self.receiveCallbacks.get() {
				receiveCallback := receiveCallback
				handleCallback(func() {
					receiveCallback(remotePeerId, message)
				})
			}
		}
	}
}

func (self *WsServerNetworkAdapter) emitPeer(peerId PeerId, connected bool) {
	for _, peerCallback := range self.peerCallbacks.get() {
		peerCallback := peerCallback
		handleCallback(func() {
			peerCallback(peerId, connected)
		})
	}
}

func (self *WsServerNetworkAdapter) Send(peerId PeerId, frameBytes []byte) bool {
	self.stateLock.Lock()
	conn := self.conns[peerId]
	self.stateLock.Unlock()

	if conn == nil {
		return false
	}
	select {
	case conn.send <- frameBytes:
		return true
	default:
		// full
		glog.Infof("[wss]drop ->%s\n", peerId)
		return false
	}
}

func (self *WsServerNetworkAdapter) AddPeerCallback(peerCallback PeerFunction) func() {
	remove := self.peerCallbacks.add(peerCallback)

	self.stateLock.Lock()
	peerIds := make([]PeerId, 0, len(self.conns))
	for peerId := range self.conns {
		peerIds = append(peerIds, peerId)
	}
	self.stateLock.Unlock()

	for _, peerId := range peerIds {
		peerId := peerId
		handleCallback(func() {
			peerCallback(peerId, true)
		})
	}
	return remove
}

func (self *WsServerNetworkAdapter) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return self.receiveCallbacks.add(receiveCallback)
}

func (self *WsServerNetworkAdapter) Close() {
	self.cancel()
}
