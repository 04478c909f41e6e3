package member

import (
	"net/netip"
	"testing"
)

var ipA = netip.MustParseAddr("192.0.2.10")
var ipB = netip.MustParseAddr("192.0.2.11")

func TestAfterSequenceWraparound(t *testing.T) {
	if !After(1, 65535) {
		t.Fatalf("expected seq 1 to be after 65535 (wraparound)")
	}
	if After(65535, 1) {
		t.Fatalf("did not expect 65535 to be after 1")
	}
	if After(5, 5) {
		t.Fatalf("equal sequences must not be 'after'")
	}
}

func TestFindOrCreateAndTouch(t *testing.T) {
	tbl := NewTable()
	m := tbl.FindOrCreate(ipA, 1000)
	if m.IP != ipA || m.LastSeenMS != 1000 {
		t.Fatalf("unexpected member: %+v", m)
	}
	m2 := tbl.Touch(ipA, 2000)
	if m2 != m {
		t.Fatalf("touch should return the same member instance")
	}
	if m.LastSeenMS != 2000 {
		t.Fatalf("touch did not update LastSeenMS: %+v", m)
	}
}

func TestMarkAckAndPendingTargets(t *testing.T) {
	tbl := NewTable()
	tbl.FindOrCreate(ipA, 0)
	tbl.FindOrCreate(ipB, 0)

	pending := tbl.PendingUnicastTargets(1)
	if len(pending) != 2 {
		t.Fatalf("expected both members pending, got %v", pending)
	}

	tbl.MarkAck(ipA, 1)
	pending = tbl.PendingUnicastTargets(1)
	if len(pending) != 1 || pending[0] != ipB {
		t.Fatalf("expected only ipB pending, got %v", pending)
	}
	if tbl.AllAcked(1) {
		t.Fatalf("expected not all acked")
	}
	tbl.MarkAck(ipB, 1)
	if !tbl.AllAcked(1) {
		t.Fatalf("expected all acked")
	}
}

func TestGCRemovesTimedOutAndOverRetriedMembers(t *testing.T) {
	tbl := NewTable()
	tbl.FindOrCreate(ipA, 0)
	stale := tbl.FindOrCreate(ipB, 0)
	stale.UnicastCount = MaxUnicastRetries + 1

	removed := tbl.GC(TimeoutMS + 1)
	if len(removed) != 2 {
		t.Fatalf("expected both members removed, got %v", removed)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after gc, got %d", tbl.Len())
	}
}

func TestGCKeepsLiveMembers(t *testing.T) {
	tbl := NewTable()
	tbl.FindOrCreate(ipA, 1000)

	removed := tbl.GC(1000 + TimeoutMS - 1)
	if len(removed) != 0 {
		t.Fatalf("expected no removal, got %v", removed)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected member retained")
	}
}
