package tributary

import (
	"fmt"
	"sync"

	"github.com/tributary-db/tributary/internal/encoding"
)

// EnvelopeKind tags a transport envelope.
type EnvelopeKind uint8

const (
	// EnvDelta carries a batch of records to a node's ingress.
	EnvDelta EnvelopeKind = iota + 1
	// EnvReplayRequest asks the source hop of a replay path to answer for a
	// key (or for everything, during migration backfill).
	EnvReplayRequest
	// EnvReplayResponse carries fill data along a replay path.
	EnvReplayResponse
	// EnvEvict tells a domain to drop filled keys whose upstream state was
	// evicted.
	EnvEvict
)

// Envelope is the unit the transport moves between execution contexts,
// addressed by (domain, node). Replay paths are referenced by tag: every
// domain holds the path table from graph setup, so paths never travel.
type Envelope struct {
	Kind    EnvelopeKind
	Domain  DomainID
	Node    NodeID
	From    NodeID
	Base    NodeID
	Key     Key
	Tag     int
	Branch  int
	Hop     int
	Side    int
	Cut     Token
	Full    bool
	Keys    []Key
	Records []Record
}

// Transport is the ordered, reliable, at-least-once channel abstraction
// between any two execution contexts. Delivery order must be FIFO per
// sender->receiver pair; the engine tolerates duplicate delivery by being
// idempotent on tokenized deltas.
type Transport interface {
	// Send delivers the envelope to env.Domain. A permanent delivery failure
	// means the destination domain is gone, which is fatal to the dataflow
	// instance.
	Send(env *Envelope) error
}

// chanTransport routes envelopes between in-process domains. Each registered
// domain gets an unbounded egress queue drained into its inbox by a dedicated
// forwarder goroutine, so Send never blocks: the caller is usually a domain
// inside its own message loop, and a blocking send between two domains with
// full inboxes would deadlock the dataflow. Exactly-once, FIFO per receiver.
type chanTransport struct {
	mu    sync.RWMutex
	dests map[DomainID]*chanDest
}

// chanDest is the egress queue for one registered domain.
type chanDest struct {
	mu    sync.Mutex
	queue []message

	inbox chan<- message
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
}

func newChanTransport() *chanTransport {
	return &chanTransport{dests: make(map[DomainID]*chanDest)}
}

func (t *chanTransport) register(id DomainID, inbox chan<- message) {
	dst := &chanDest{
		inbox: inbox,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go dst.forward()
	t.mu.Lock()
	t.dests[id] = dst
	t.mu.Unlock()
}

func (t *chanTransport) unregister(id DomainID) {
	t.mu.Lock()
	dst := t.dests[id]
	delete(t.dests, id)
	t.mu.Unlock()
	if dst != nil {
		dst.stop()
	}
}

func (t *chanTransport) Send(env *Envelope) error {
	t.mu.RLock()
	dst, ok := t.dests[env.Domain]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: domain %d", ErrDomainUnavailable, env.Domain)
	}
	m := envelopeMessage(env)
	if m == nil {
		return fmt.Errorf("unknown envelope kind %d", env.Kind)
	}
	dst.push(m)
	return nil
}

func (d *chanDest) push(m message) {
	d.mu.Lock()
	d.queue = append(d.queue, m)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// forward drains the queue into the inbox in arrival order. Messages still
// queued when the destination goes away are dropped with it.
func (d *chanDest) forward() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, m := range batch {
				select {
				case d.inbox <- m:
				case <-d.quit:
					return
				}
			}
		}
	}
}

func (d *chanDest) stop() {
	close(d.quit)
	<-d.done
}

// envelopeMessage converts a transport envelope into the inbox message the
// receiving domain processes.
func envelopeMessage(env *Envelope) message {
	switch env.Kind {
	case EnvDelta:
		return &deltaMsg{
			node:    env.Node,
			from:    env.From,
			records: env.Records,
		}
	case EnvReplayRequest:
		return &replayRequestMsg{
			tag:    env.Tag,
			branch: env.Branch,
			hop:    env.Hop,
			key:    env.Key,
			full:   env.Full,
		}
	case EnvReplayResponse:
		return &replayResponseMsg{
			tag:     env.Tag,
			branch:  env.Branch,
			hop:     env.Hop,
			key:     env.Key,
			full:    env.Full,
			cut:     env.Cut,
			records: env.Records,
		}
	case EnvEvict:
		return &evictKeysMsg{
			node: env.Node,
			side: env.Side,
			keys: env.Keys,
		}
	default:
		return nil
	}
}

// encodeEnvelope converts an engine envelope to its wire form.
func encodeEnvelope(env *Envelope) ([]byte, error) {
	wire := &encoding.Envelope{
		Kind:    uint8(env.Kind),
		Domain:  int32(env.Domain),
		Node:    int32(env.Node),
		From:    int32(env.From),
		Base:    int32(env.Base),
		Key:     string(env.Key),
		PathTag: int32(env.Tag),
		Branch:  int32(env.Branch),
		Hop:     int32(env.Hop),
		Side:    int32(env.Side),
		Cut:     uint64(env.Cut),
		Full:    env.Full,
	}
	if len(env.Keys) > 0 {
		wire.Keys = make([]string, len(env.Keys))
		for i, k := range env.Keys {
			wire.Keys[i] = string(k)
		}
	}
	if len(env.Records) > 0 {
		wire.Records = make([]encoding.Record, len(env.Records))
		for i, rec := range env.Records {
			wire.Records[i] = encoding.Record{
				Row:      rec.Row,
				Negative: rec.Negative,
				Token:    uint64(rec.Token),
				Base:     int32(rec.Base),
			}
		}
	}
	return encoding.Encode(wire)
}

// decodeEnvelope converts a wire frame back to an engine envelope.
func decodeEnvelope(data []byte) (*Envelope, error) {
	wire, err := encoding.Decode(data)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Kind:   EnvelopeKind(wire.Kind),
		Domain: DomainID(wire.Domain),
		Node:   NodeID(wire.Node),
		From:   NodeID(wire.From),
		Base:   NodeID(wire.Base),
		Key:    Key(wire.Key),
		Tag:    int(wire.PathTag),
		Branch: int(wire.Branch),
		Hop:    int(wire.Hop),
		Side:   int(wire.Side),
		Cut:    Token(wire.Cut),
		Full:   wire.Full,
	}
	if len(wire.Keys) > 0 {
		env.Keys = make([]Key, len(wire.Keys))
		for i, k := range wire.Keys {
			env.Keys[i] = Key(k)
		}
	}
	if len(wire.Records) > 0 {
		env.Records = make([]Record, len(wire.Records))
		for i, rec := range wire.Records {
			env.Records[i] = Record{
				Row:      Row(rec.Row),
				Negative: rec.Negative,
				Token:    Token(rec.Token),
				Base:     NodeID(rec.Base),
			}
		}
	}
	return env, nil
}
