package queue

import (
	"sync"
	"time"
)

// Coordinator message types
const (
	MsgOperationEnqueued  = "operation-enqueued"
	MsgOperationCompleted = "operation-completed"
	MsgOperationFailed    = "operation-failed"
)

// Message is the JSON wire format exchanged between sibling processes of
// the same user. Same-origin assumption: no authentication.
type Message struct {
	Type        string    `json:"type"`
	OperationID string    `json:"operation_id"`
	Table       string    `json:"table"`
	RecordID    string    `json:"record_id"`
	CreatedAt   time.Time `json:"created_at"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// Coordinator is a best-effort broadcast channel between sibling processes
// so they do not duplicate remote calls. Coordination is eventual, not
// linearizable; the remote's idempotent upserts remain the authority.
// Correctness never depends on a Coordinator being present.
type Coordinator interface {
	// Publish sends a message to all peers. Best effort.
	Publish(msg Message) error
	// Subscribe registers the handler for messages from peers.
	Subscribe(fn func(Message))
	Close() error
}

// NopCoordinator is the fallback when no broadcast primitive is available:
// every process works independently.
type NopCoordinator struct{}

func (NopCoordinator) Publish(Message) error { return nil }
func (NopCoordinator) Subscribe(func(Message)) {}
func (NopCoordinator) Close() error { return nil }

// Bus fans messages out between engines sharing one process. Delivery is
// asynchronous: handlers take their own service locks.
type Bus struct {
	mu        sync.Mutex
	endpoints []*busEndpoint
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{}
}

// Endpoint returns a new Coordinator attached to the bus. Messages
// published on one endpoint are delivered to every other endpoint.
func (b *Bus) Endpoint() Coordinator {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &busEndpoint{bus: b}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

type busEndpoint struct {
	bus     *Bus
	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

func (ep *busEndpoint) Publish(msg Message) error {
	ep.bus.mu.Lock()
	peers := make([]*busEndpoint, len(ep.bus.endpoints))
	copy(peers, ep.bus.endpoints)
	ep.bus.mu.Unlock()

	for _, peer := range peers {
		if peer == ep {
			continue
		}
		peer.mu.Lock()
		fn := peer.handler
		closed := peer.closed
		peer.mu.Unlock()
		if fn != nil && !closed {
			go fn(msg)
		}
	}
	return nil
}

func (ep *busEndpoint) Subscribe(fn func(Message)) {
	ep.mu.Lock()
	ep.handler = fn
	ep.mu.Unlock()
}

func (ep *busEndpoint) Close() error {
	ep.mu.Lock()
	ep.closed = true
	ep.handler = nil
	ep.mu.Unlock()
	return nil
}
