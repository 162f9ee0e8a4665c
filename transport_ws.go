package tributary

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport moves envelopes between processes over WebSocket
// connections, falling back to the local transport for domains with no
// registered peer. One connection per peer with serialized writes keeps
// delivery FIFO per sender->receiver pair; duplicates from a reconnect replay
// are tolerated downstream, since deltas are tokenized.
type WebSocketTransport struct {
	local Transport

	mu    sync.RWMutex
	peers map[DomainID]string
	conns map[string]*wsPeerConn
}

type wsPeerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport wraps local, forwarding envelopes for registered
// remote domains over WebSocket.
func NewWebSocketTransport(local Transport) *WebSocketTransport {
	return &WebSocketTransport{
		local: local,
		peers: make(map[DomainID]string),
		conns: make(map[string]*wsPeerConn),
	}
}

// AddPeer routes envelopes for domain to the WebSocket endpoint at url.
func (t *WebSocketTransport) AddPeer(domain DomainID, url string) {
	t.mu.Lock()
	t.peers[domain] = url
	t.mu.Unlock()
}

// RemovePeer drops the route for domain; envelopes go local again.
func (t *WebSocketTransport) RemovePeer(domain DomainID) {
	t.mu.Lock()
	delete(t.peers, domain)
	t.mu.Unlock()
}

// Send implements Transport.
func (t *WebSocketTransport) Send(env *Envelope) error {
	t.mu.RLock()
	url, remote := t.peers[env.Domain]
	t.mu.RUnlock()
	if !remote {
		return t.local.Send(env)
	}

	data, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope for domain %d: %w", env.Domain, err)
	}

	pc := t.peerConn(url)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return fmt.Errorf("%w: dial %s: %v", ErrDomainUnavailable, url, err)
		}
		pc.conn = conn
	}
	if err := pc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		pc.conn.Close()
		pc.conn = nil
		return fmt.Errorf("%w: send to %s: %v", ErrDomainUnavailable, url, err)
	}
	return nil
}

func (t *WebSocketTransport) peerConn(url string) *wsPeerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.conns[url]
	if !ok {
		pc = &wsPeerConn{}
		t.conns[url] = pc
	}
	return pc
}

// Close shuts every peer connection.
func (t *WebSocketTransport) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*wsPeerConn)
	t.mu.Unlock()
	for _, pc := range conns {
		pc.mu.Lock()
		if pc.conn != nil {
			pc.conn.Close()
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
}

// Handler returns the ingress endpoint: it accepts envelope frames from
// remote engines and delivers them to local domains.
func (t *WebSocketTransport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			env, err := decodeEnvelope(data)
			if err != nil {
				log.Printf("tributary: transport ingress: dropping frame: %v", err)
				continue
			}
			if err := t.local.Send(env); err != nil {
				log.Printf("tributary: transport ingress: deliver to domain %d: %v", env.Domain, err)
			}
		}
	}
}
