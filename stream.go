package tributary

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Change is one row-level change observed at a reader, as delivered to
// stream subscribers.
type Change struct {
	Row      Row  `json:"row"`
	Negative bool `json:"negative,omitempty"`
}

// StreamEvent is a batch of changes applied to one view.
type StreamEvent struct {
	View    NodeID   `json:"view"`
	Changes []Change `json:"changes"`
}

// Subscription is an active stream over one view's changes.
type Subscription struct {
	ID   string
	View NodeID

	ch     chan StreamEvent
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// C returns the channel events arrive on.
func (s *Subscription) C() <-chan StreamEvent { return s.ch }

// Close ends the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

func (s *Subscription) send(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Slow subscriber; the event is dropped rather than stalling the
		// reader's domain.
	}
}

// StreamHub fans reader changes out to subscribers.
type StreamHub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	byView map[NodeID]map[string]*Subscription
	nextID uint64
}

func newStreamHub() *StreamHub {
	return &StreamHub{
		subs:   make(map[string]*Subscription),
		byView: make(map[NodeID]map[string]*Subscription),
	}
}

// Subscribe streams every change applied to view from now on.
func (h *StreamHub) Subscribe(view NodeID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		View: view,
		ch:   make(chan StreamEvent, 256),
		done: make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	views := h.byView[view]
	if views == nil {
		views = make(map[string]*Subscription)
		h.byView[view] = views
	}
	views[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *StreamHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		if views := h.byView[sub.View]; views != nil {
			delete(views, id)
			if len(views) == 0 {
				delete(h.byView, sub.View)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Count returns the number of active subscriptions.
func (h *StreamHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// publish delivers a reader's applied batch to its subscribers. Called from
// the reader's domain; must never block.
func (h *StreamHub) publish(view NodeID, recs []Record) {
	h.mu.RLock()
	views := h.byView[view]
	if len(views) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(views))
	for _, sub := range views {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	changes := make([]Change, len(recs))
	for i, rec := range recs {
		changes[i] = Change{Row: rec.Row.Clone(), Negative: rec.Negative}
	}
	ev := StreamEvent{View: view, Changes: changes}
	for _, sub := range targets {
		sub.send(ev)
	}
}

func (h *StreamHub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.byView = make(map[NodeID]map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Subscribe streams changes applied to a view.
func (e *Engine) Subscribe(view NodeID) (*Subscription, error) {
	e.mu.RLock()
	_, ok := e.readers[view]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: view %d", ErrNoSuchNode, view)
	}
	return e.streams.Subscribe(view), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON frame exchanged over a streaming WebSocket.
type StreamMessage struct {
	Type  string       `json:"type"`
	View  NodeID       `json:"view,omitempty"`
	SubID string       `json:"sub_id,omitempty"`
	Event *StreamEvent `json:"event,omitempty"`
	Error string       `json:"error,omitempty"`
}

// WebSocketHandler serves stream subscriptions over WebSocket. Clients send
// {"type":"subscribe","view":N} and receive event frames until they
// unsubscribe or disconnect.
func (h *StreamHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		var (
			connMu   sync.Mutex
			connSubs = map[string]*Subscription{}
			writeMu  sync.Mutex
		)
		write := func(msg StreamMessage) {
			data, _ := json.Marshal(msg)
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, data)
			writeMu.Unlock()
		}

		defer func() {
			connMu.Lock()
			for id := range connSubs {
				h.Unsubscribe(id)
			}
			connMu.Unlock()
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd StreamMessage
			if err := json.Unmarshal(raw, &cmd); err != nil {
				write(StreamMessage{Type: "error", Error: "invalid message format"})
				continue
			}
			switch cmd.Type {
			case "subscribe":
				sub := h.Subscribe(cmd.View)
				connMu.Lock()
				connSubs[sub.ID] = sub
				connMu.Unlock()
				write(StreamMessage{Type: "subscribed", SubID: sub.ID, View: cmd.View})
				go func(sub *Subscription) {
					for {
						select {
						case <-sub.done:
							return
						case ev, ok := <-sub.ch:
							if !ok {
								return
							}
							write(StreamMessage{Type: "event", SubID: sub.ID, Event: &ev})
						}
					}
				}(sub)
			case "unsubscribe":
				connMu.Lock()
				if _, ok := connSubs[cmd.SubID]; ok {
					delete(connSubs, cmd.SubID)
					h.Unsubscribe(cmd.SubID)
				}
				connMu.Unlock()
				write(StreamMessage{Type: "unsubscribed", SubID: cmd.SubID})
			default:
				write(StreamMessage{Type: "error", Error: "unknown command: " + cmd.Type})
			}
		}
	}
}
