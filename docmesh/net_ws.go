package docmesh

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const WsTransportBufferSize = 32

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WsClientNetworkAdapter dials a websocket listener and keeps the
// connection up, reconnecting with a fixed backoff. the handshake is a
// signed token exchange: the client presents its peer auth, the listener
// answers with its own, and both sides learn the remote peer id.
type WsClientNetworkAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	auth   *PeerAuth
	secret []byte

	settings *WsTransportSettings

	peerCallbacks    *callbackList[PeerFunction]
	receiveCallbacks *callbackList[ReceiveFunction]

	stateLock    sync.Mutex
	connected    bool
	remotePeerId PeerId
	send         chan []byte
}

func NewWsClientNetworkAdapterWithDefaults(
	ctx context.Context,
	url string,
	auth *PeerAuth,
	secret []byte,
) *WsClientNetworkAdapter {
	return NewWsClientNetworkAdapter(ctx, url, auth, secret, DefaultWsTransportSettings())
}

func NewWsClientNetworkAdapter(
	ctx context.Context,
	url string,
	auth *PeerAuth,
	secret []byte,
	settings *WsTransportSettings,
) *WsClientNetworkAdapter {
	cancelCtx, cancel := context.WithCancel(ctx)
	adapter := &WsClientNetworkAdapter{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		secret:           secret,
		settings:         settings,
		peerCallbacks:    newCallbackList[PeerFunction](),
		receiveCallbacks: newCallbackList[ReceiveFunction](),
	}
	go adapter.run()
	return adapter
}

func (self *WsClientNetworkAdapter) run() {
	defer self.cancel()

	for {
		ws, remotePeerId, err := self.connect()
		if err != nil {
			glog.Infof("[ws]%s auth error = %s\n", self.auth.PeerId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.runConn(ws, remotePeerId)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsClientNetworkAdapter) connect() (*websocket.Conn, PeerId, error) {
	authToken, err := self.auth.Sign(self.secret)
	if err != nil {
		return nil, PeerId{}, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, PeerId{}, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(authToken)); err != nil {
		return nil, PeerId{}, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, PeerId{}, err
	}
	// the listener answers with its own token signed by the shared secret
	remoteAuth, err := ParsePeerAuth(string(message), self.secret)
	if err != nil {
		return nil, PeerId{}, err
	}

	success = true
	return ws, remoteAuth.PeerId, nil
}

func (self *WsClientNetworkAdapter) runConn(ws *websocket.Conn, remotePeerId PeerId) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, WsTransportBufferSize)

	self.stateLock.Lock()
	self.connected = true
	self.remotePeerId = remotePeerId
	self.send = send
	self.stateLock.Unlock()

	self.emitPeer(remotePeerId, true)
	defer func() {
		self.stateLock.Lock()
		self.connected = false
		self.send = nil
		self.stateLock.Unlock()
		self.emitPeer(remotePeerId, false)
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
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", self.auth.PeerId, err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", self.auth.PeerId)
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
			glog.Infof("[ws]%s<- error = %s\n", self.auth.PeerId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping %s<-\n", self.auth.PeerId)
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

func (self *WsClientNetworkAdapter) emitPeer(peerId PeerId, connected bool) {
	for _, peerCallback := range self.peerCallbacks.get() {
		peerCallback := peerCallback
		handleCallback(func() {
			peerCallback(peerId, connected)
		})
	}
}

func (self *WsClientNetworkAdapter) Send(peerId PeerId, frameBytes []byte) bool {
	self.stateLock.Lock()
	connected := self.connected
	remotePeerId := self.remotePeerId
	send := self.send
	self.stateLock.Unlock()

	if !connected || peerId != remotePeerId || send == nil {
		return false
	}
	select {
	case send <- frameBytes:
		return true
	default:
		// full
		glog.Infof("[ws]drop %s->%s\n", self.auth.PeerId, peerId)
		return false
	}
}

func (self *WsClientNetworkAdapter) AddPeerCallback(peerCallback PeerFunction) func() {
	remove := self.peerCallbacks.add(peerCallback)

	self.stateLock.Lock()
	connected := self.connected
	remotePeerId := self.remotePeerId
	self.stateLock.Unlock()
	if connected {
		handleCallback(func() {
			peerCallback(remotePeerId, true)
		})
	}
	return remove
}

func (self *WsClientNetworkAdapter) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return self.receiveCallbacks.add(receiveCallback)
}

func (self *WsClientNetworkAdapter) Close() {
	self.cancel()
}
