package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// neighborConn is one attached TCP neighbor with its own serialized
// write queue and connection bookkeeping.
type neighborConn struct {
	id     NeighborID
	conn   net.Conn
	writeQ chan []byte
	done   chan struct{}
}

// TCP is a reference Link implementation that frames messages over
// plain TCP connections, addressed with multiaddr strings
// (e.g. "/ip4/127.0.0.1/tcp/7700") rather than bespoke host:port
// strings.
type TCP struct {
	listenAddr ma.Multiaddr

	mu        sync.RWMutex
	neighbors map[NeighborID]*neighborConn
	listener  manet.Listener
	events    chan Event
	stopped   chan struct{}
}

// NewTCP creates a TCP link that will listen on listenAddr once
// Start is called.
func NewTCP(listenAddr ma.Multiaddr) *TCP {
	return &TCP{
		listenAddr: listenAddr,
		neighbors:  make(map[NeighborID]*neighborConn),
		events:     make(chan Event, 256),
		stopped:    make(chan struct{}),
	}
}

func (t *TCP) Start(ctx context.Context) error {
	listener, err := manet.Listen(t.listenAddr)
	if err != nil {
		return fmt.Errorf("link: listen %s: %w", t.listenAddr, err)
	}
	t.listener = listener

	log.Printf("📡 link: listening on %s", t.listenAddr)

	go t.acceptLoop(ctx)
	return nil
}

func (t *TCP) Stop() error {
	close(t.stopped)
	if t.listener != nil {
		t.listener.Close()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, n := range t.neighbors {
		close(n.writeQ)
		n.conn.Close()
		delete(t.neighbors, id)
	}
	return nil
}

func (t *TCP) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopped:
				return
			default:
				log.Printf("⚠️  link: accept error: %v", err)
				return
			}
		}
		t.adopt(NeighborID(conn.RemoteAddr().String()), conn)
	}
}

// Dial connects out to a remote neighbor addressed by a multiaddr.
func (t *TCP) Dial(addr ma.Multiaddr) (NeighborID, error) {
	conn, err := manet.Dial(addr)
	if err != nil {
		return "", fmt.Errorf("link: dial %s: %w", addr, err)
	}
	id := NeighborID(addr.String())
	t.adopt(id, conn)
	return id, nil
}

func (t *TCP) adopt(id NeighborID, conn net.Conn) {
	n := &neighborConn{
		id:     id,
		conn:   conn,
		writeQ: make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.neighbors[id] = n
	t.mu.Unlock()

	go t.writeLoop(n)
	go t.readLoop(n)

	t.events <- Event{Kind: EventNeighborUp, Neighbor: id}
}

func (t *TCP) writeLoop(n *neighborConn) {
	for data := range n.writeQ {
		if err := writeFramed(n.conn, data); err != nil {
			log.Printf("⚠️  link: write to %s failed: %v", n.id, err)
			t.drop(n)
			return
		}
	}
}

func (t *TCP) readLoop(n *neighborConn) {
	defer t.drop(n)
	for {
		data, err := readFramed(n.conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("⚠️  link: read from %s failed: %v", n.id, err)
			}
			return
		}
		t.events <- Event{Kind: EventBytesArrived, Neighbor: n.id, Data: data}
	}
}

func (t *TCP) drop(n *neighborConn) {
	t.mu.Lock()
	if _, ok := t.neighbors[n.id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.neighbors, n.id)
	t.mu.Unlock()

	close(n.writeQ)
	n.conn.Close()
	t.events <- Event{Kind: EventNeighborDown, Neighbor: n.id}
}

func (t *TCP) Send(neighbor NeighborID, data []byte) error {
	t.mu.RLock()
	n, ok := t.neighbors[neighbor]
	t.mu.RUnlock()
	if !ok {
		return ErrLinkDown
	}

	select {
	case n.writeQ <- data:
		return nil
	default:
		return fmt.Errorf("link: write queue full for %s", neighbor)
	}
}

func (t *TCP) BroadcastExcept(exclude NeighborID, data []byte) error {
	t.mu.RLock()
	targets := make([]*neighborConn, 0, len(t.neighbors))
	for id, n := range t.neighbors {
		if id == exclude {
			continue
		}
		targets = append(targets, n)
	}
	t.mu.RUnlock()

	for _, n := range targets {
		select {
		case n.writeQ <- data:
		default:
			log.Printf("⚠️  link: dropping broadcast to %s, write queue full", n.id)
		}
	}
	return nil
}

func (t *TCP) Neighbors() []NeighborID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NeighborID, 0, len(t.neighbors))
	for id := range t.neighbors {
		out = append(out, id)
	}
	return out
}

func (t *TCP) Events() <-chan Event {
	return t.events
}

// writeFramed writes a 4-byte big-endian length prefix followed by
// data. The mesh packet codec already carries everything a
// lower-level header would duplicate, so the frame has no fields of
// its own beyond the length.
func writeFramed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
