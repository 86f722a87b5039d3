package link

import (
	"context"
	"sync"
)

// Loopback is an in-process Link used for multi-node integration
// tests: neighbors are other Loopback instances wired together with
// Attach, and Send/BroadcastExcept deliver directly into the peer's
// Events channel without touching the network.
type Loopback struct {
	self NeighborID

	mu        sync.RWMutex
	neighbors map[NeighborID]*Loopback
	events    chan Event
	started   bool
}

// NewLoopback creates a Loopback link identified as self.
func NewLoopback(self NeighborID) *Loopback {
	return &Loopback{
		self:      self,
		neighbors: make(map[NeighborID]*Loopback),
		events:    make(chan Event, 256),
	}
}

// Attach wires two loopback links together as mutual neighbors and
// emits EventNeighborUp on both sides.
func Attach(a, b *Loopback) {
	a.mu.Lock()
	a.neighbors[b.self] = b
	a.mu.Unlock()

	b.mu.Lock()
	b.neighbors[a.self] = a
	b.mu.Unlock()

	a.events <- Event{Kind: EventNeighborUp, Neighbor: b.self}
	b.events <- Event{Kind: EventNeighborUp, Neighbor: a.self}
}

// Detach removes the mutual neighbor relationship and emits
// EventNeighborDown on both sides.
func Detach(a, b *Loopback) {
	a.mu.Lock()
	delete(a.neighbors, b.self)
	a.mu.Unlock()

	b.mu.Lock()
	delete(b.neighbors, a.self)
	b.mu.Unlock()

	a.events <- Event{Kind: EventNeighborDown, Neighbor: b.self}
	b.events <- Event{Kind: EventNeighborDown, Neighbor: a.self}
}

func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
	return nil
}

func (l *Loopback) Send(neighbor NeighborID, data []byte) error {
	l.mu.RLock()
	peer, ok := l.neighbors[neighbor]
	l.mu.RUnlock()
	if !ok {
		return ErrLinkDown
	}
	peer.deliver(l.self, data)
	return nil
}

func (l *Loopback) BroadcastExcept(exclude NeighborID, data []byte) error {
	l.mu.RLock()
	peers := make([]*Loopback, 0, len(l.neighbors))
	for id, peer := range l.neighbors {
		if id == exclude {
			continue
		}
		peers = append(peers, peer)
	}
	l.mu.RUnlock()

	for _, peer := range peers {
		peer.deliver(l.self, data)
	}
	return nil
}

func (l *Loopback) Neighbors() []NeighborID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]NeighborID, 0, len(l.neighbors))
	for id := range l.neighbors {
		out = append(out, id)
	}
	return out
}

func (l *Loopback) Events() <-chan Event {
	return l.events
}

func (l *Loopback) deliver(from NeighborID, data []byte) {
	l.events <- Event{Kind: EventBytesArrived, Neighbor: from, Data: data}
}
