// Package directory tracks known peers as they announce themselves and
// drop off the mesh. It is owned exclusively by the protocol
// dispatcher; nothing outside dispatch should mutate it directly.
package directory

import (
	"sync"
	"time"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/link"
)

// Peer is one entry in the directory.
type Peer struct {
	ShortID       codec.ShortID
	Nickname      string
	IsConnected   bool
	LastSeen      time.Time
	StaticPublic  []byte
	SigningPublic []byte
	Verified      bool
}

// Directory is the peer table. At most one entry per short identifier.
//
// Peers are keyed by short id; link neighbors are keyed by an opaque
// link handle. The two are cross-referenced through a pair of maps
// rather than a direct reference cycle between the two tables.
type Directory struct {
	mu    sync.RWMutex
	peers map[codec.ShortID]*Peer

	shortToNeighbor map[codec.ShortID]link.NeighborID
	neighborToShort map[link.NeighborID]codec.ShortID
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		peers:           make(map[codec.ShortID]*Peer),
		shortToNeighbor: make(map[codec.ShortID]link.NeighborID),
		neighborToShort: make(map[link.NeighborID]codec.ShortID),
	}
}

// Upsert inserts or updates a peer entry from an announce, setting
// lastSeen to now and isConnected to true. Existing verified/public-key
// state is preserved unless new values are supplied.
func (d *Directory) Upsert(id codec.ShortID, nickname string, staticPub, signingPub []byte) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		p = &Peer{ShortID: id}
		d.peers[id] = p
	}

	p.Nickname = nickname
	p.IsConnected = true
	p.LastSeen = time.Now()
	if len(staticPub) > 0 {
		p.StaticPublic = append([]byte(nil), staticPub...)
	}
	if len(signingPub) > 0 {
		p.SigningPublic = append([]byte(nil), signingPub...)
	}

	clone := *p
	return &clone
}

// MarkDisconnected flags a peer as disconnected without removing it; it
// may return via another neighbor later.
func (d *Directory) MarkDisconnected(id codec.ShortID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.IsConnected = false
	}
}

// AssociateNeighbor records which link neighbor a short id's traffic
// most recently arrived on, replacing any prior association for
// either side. Call this whenever a packet is admitted from a known
// fromLink so a later link-level disconnect can be resolved back to a
// peer.
func (d *Directory) AssociateNeighbor(id codec.ShortID, neighbor link.NeighborID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.shortToNeighbor[id]; ok {
		delete(d.neighborToShort, old)
	}
	if old, ok := d.neighborToShort[neighbor]; ok {
		delete(d.shortToNeighbor, old)
	}
	d.shortToNeighbor[id] = neighbor
	d.neighborToShort[neighbor] = id
}

// MarkDisconnectedByNeighbor resolves neighbor back to its associated
// short id (if any), marks that peer disconnected, and drops the
// association. Reports the short id and whether one was found.
func (d *Directory) MarkDisconnectedByNeighbor(neighbor link.NeighborID) (codec.ShortID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.neighborToShort[neighbor]
	if !ok {
		return codec.ShortID{}, false
	}
	delete(d.neighborToShort, neighbor)
	delete(d.shortToNeighbor, id)

	if p, ok := d.peers[id]; ok {
		p.IsConnected = false
	}
	return id, true
}

// Remove deletes a peer entirely, e.g. on an explicit Leave.
func (d *Directory) Remove(id codec.ShortID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
	if neighbor, ok := d.shortToNeighbor[id]; ok {
		delete(d.neighborToShort, neighbor)
		delete(d.shortToNeighbor, id)
	}
}

// Get returns a copy of the peer entry for id, if known.
func (d *Directory) Get(id codec.ShortID) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// SetVerified marks a peer's public key as out-of-band confirmed.
func (d *Directory) SetVerified(id codec.ShortID, verified bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.Verified = verified
	}
}

// All returns a snapshot of every known peer, in no particular order.
func (d *Directory) All() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

// NicknameOrFallback returns the peer's nickname if known, else the hex
// encoding of its short id.
func (d *Directory) NicknameOrFallback(id codec.ShortID) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.peers[id]; ok && p.Nickname != "" {
		return p.Nickname
	}
	return id.String()
}
