package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dedup"
	"github.com/wiremesh/meshcore/pkg/link"
)

// countingSender counts every BroadcastExcept call and fans out
// synchronously to a set of peer engines, simulating a tiny mesh
// without a real Link.
type countingSender struct {
	mu    sync.Mutex
	count int
	peers []*Engine
}

func (s *countingSender) BroadcastExcept(exclude link.NeighborID, data []byte) error {
	s.mu.Lock()
	s.count++
	peers := s.peers
	s.mu.Unlock()

	p, err := codec.Decode(data)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		peer.Admit(p, exclude)
	}
	return nil
}

func (s *countingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newTestEngine() (*Engine, *countingSender) {
	sender := &countingSender{}
	e := New(dedup.New(dedup.DefaultCapacity, dedup.DefaultWindow), sender)
	e.schedule = func(_ time.Duration, fire func()) { fire() } // run synchronously in tests
	return e, sender
}

func testPacket(ttl byte) *codec.Packet {
	var sender codec.ShortID
	sender[0] = 1
	p := codec.New(codec.TypePlainMessage, sender, codec.ShortID{}, 1000, []byte("hello"))
	return p.WithTTL(ttl)
}

func TestAdmitDropsExactDuplicate(t *testing.T) {
	e, _ := newTestEngine()
	p := testPacket(7)

	if !e.Admit(p, "") {
		t.Fatal("first admission of a fresh packet should return true")
	}
	if e.Admit(p, "") {
		t.Error("re-admitting the identical packet should be dropped by dedup")
	}
}

func TestAdmitDoesNotRebroadcastWhenTTLIsZero(t *testing.T) {
	e, sender := newTestEngine()
	p := testPacket(7)
	p = p.WithTTL(0)

	e.Admit(p, "")
	time.Sleep(5 * time.Millisecond)

	if sender.Count() != 0 {
		t.Errorf("expected no rebroadcast at ttl=0, got %d broadcasts", sender.Count())
	}
}

func TestCliqueRelayIsBoundedByNTimesTTL(t *testing.T) {
	const n = 4
	engines := make([]*Engine, n)
	senders := make([]*countingSender, n)
	for i := range engines {
		engines[i], senders[i] = newTestEngine()
	}
	for i := range engines {
		peers := make([]*Engine, 0, n-1)
		for j := range engines {
			if j != i {
				peers = append(peers, engines[j])
			}
		}
		senders[i].peers = peers
	}

	p := testPacket(7)
	engines[0].Admit(p, "")

	total := 0
	for _, s := range senders {
		total += s.Count()
	}

	if total > n*int(p.TTL) {
		t.Errorf("total cross-link emissions = %d, want <= N*T = %d", total, n*int(p.TTL))
	}
}

func fragmentPacket(senderByte byte, timestamp uint64, payload []byte) *codec.Packet {
	var sender codec.ShortID
	sender[0] = senderByte
	return codec.New(codec.TypeFragment, sender, codec.ShortID{}, timestamp, payload).WithTTL(7)
}

func TestAdmitDropsAResendOfTheSameFragmentContentUnderAFreshTimestamp(t *testing.T) {
	e, _ := newTestEngine()
	payload := []byte("shard-bytes")

	first := fragmentPacket(1, 1000, payload)
	if !e.Admit(first, "") {
		t.Fatal("first admission of a fresh fragment should return true")
	}

	resend := fragmentPacket(1, 2000, payload)
	if e.Admit(resend, "") {
		t.Error("a resend of the identical fragment content from the same sender should be dropped by content dedup, even under a new timestamp")
	}
}

func TestAdmitDoesNotContentDedupDistinctFragments(t *testing.T) {
	e, _ := newTestEngine()

	a := fragmentPacket(1, 1000, []byte("shard-one"))
	b := fragmentPacket(1, 2000, []byte("shard-two"))

	if !e.Admit(a, "") {
		t.Fatal("first fragment should be admitted")
	}
	if !e.Admit(b, "") {
		t.Error("a distinct fragment's content must not be dropped by another fragment's content key")
	}
}

func TestTwoNodeCycleDoesNotAmplify(t *testing.T) {
	a, sa := newTestEngine()
	b, sb := newTestEngine()
	sa.peers = []*Engine{b}
	sb.peers = []*Engine{a}

	p := testPacket(3)
	a.Admit(p, "")

	if sa.Count()+sb.Count() > 2*int(p.TTL) {
		t.Errorf("emissions = %d, expected bounded by 2*T = %d", sa.Count()+sb.Count(), 2*int(p.TTL))
	}
}
