// Package relay implements the flood engine: TTL-decrementing
// rebroadcast with source-link exclusion and jittered delay, built on
// top of the dedup cache.
package relay

import (
	"math/rand"
	"sync"
	"time"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dedup"
	"github.com/wiremesh/meshcore/pkg/link"
)

// MinJitter and MaxJitter bound the random rebroadcast delay.
const (
	MinJitter = 10 * time.Millisecond
	MaxJitter = 90 * time.Millisecond // added to MinJitter: range is [10ms, 100ms]
)

// Sender is the narrow Link capability the relay engine needs: it
// broadcasts on every neighbor but the one a packet arrived on.
type Sender interface {
	BroadcastExcept(exclude link.NeighborID, data []byte) error
}

// Engine applies flood-relay policy to inbound packets.
type Engine struct {
	cache  *dedup.Cache
	sender Sender

	mu       sync.Mutex
	rng      *rand.Rand
	stats    Stats
	schedule func(time.Duration, func())
}

// Stats reports cumulative relay activity.
type Stats struct {
	Received uint64
	Dropped  uint64
	Relayed  uint64
}

// New creates a relay engine over cache, transmitting rebroadcasts
// through sender.
func New(cache *dedup.Cache, sender Sender) *Engine {
	return &Engine{
		cache:  cache,
		sender: sender,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Admit applies dedup + TTL + source-exclusion policy to an inbound
// packet. It reports whether the packet should be dispatched locally
// (false for exact duplicates already processed, and for a Fragment
// whose payload the same sender already sent under another timestamp,
// neither of which is relayed). fromLink is ""
// for locally originated packets.
func (e *Engine) Admit(p *codec.Packet, fromLink link.NeighborID) bool {
	e.mu.Lock()
	e.stats.Received++
	e.mu.Unlock()

	if e.cache.SeenBefore(p.DedupKey()) {
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
		return false
	}

	// A Fragment's sender/timestamp/type triple is unique per send, not
	// per chunk, so a resend of the exact same shard under a fresh
	// timestamp would otherwise slip past the check above. Content
	// dedup catches that case for the one packet type with no other way
	// to retransmit a lost piece of a transfer.
	if p.Type == codec.TypeFragment {
		contentKey := p.SenderID.String() + "-content-" + dedup.ContentKey(p.Payload)
		if e.cache.SeenBefore(contentKey) {
			e.mu.Lock()
			e.stats.Dropped++
			e.mu.Unlock()
			return false
		}
	}

	if p.TTL > 0 {
		e.scheduleRebroadcast(p, fromLink)
	}
	return true
}

func (e *Engine) scheduleRebroadcast(p *codec.Packet, fromLink link.NeighborID) {
	e.mu.Lock()
	delay := MinJitter + time.Duration(e.rng.Int63n(int64(MaxJitter)))
	e.mu.Unlock()

	relayed := p.WithTTL(p.TTL - 1)
	encoded := relayed.Encode()

	fire := func() {
		if err := e.sender.BroadcastExcept(fromLink, encoded); err == nil {
			e.mu.Lock()
			e.stats.Relayed++
			e.mu.Unlock()
		}
	}

	if e.schedule != nil {
		e.schedule(delay, fire)
		return
	}
	time.AfterFunc(delay, fire)
}

// Stats returns a snapshot of cumulative relay activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
