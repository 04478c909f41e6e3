package store

import (
	"testing"

	"github.com/tasmota/devgroups/internal/wire"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	s.Set(wire.NewUint32Item(wire.TagPower, 1))
	got, ok := s.Get(wire.TagPower)
	if !ok || got.Uint32() != 1 {
		t.Fatalf("unexpected get: %+v ok=%v", got, ok)
	}
}

func TestShareOutMaskExcludesCategory(t *testing.T) {
	s := New()
	s.ShareOutMask = uint32(wire.ShareLightBri) // only brightness allowed out
	s.Set(wire.NewUint32Item(wire.TagPower, 1))
	s.Set(wire.NewUint16Item(wire.TagLightBri, 200))

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Tag != wire.TagLightBri {
		t.Fatalf("expected only LightBri in snapshot, got %+v", snap)
	}
}

func TestNoStatusShareExcludesFromSnapshotOnly(t *testing.T) {
	s := New()
	s.NoStatusShare = uint32(wire.SharePower)
	s.Set(wire.NewUint32Item(wire.TagPower, 1))

	snap := s.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("expected power suppressed from status, got %+v", snap)
	}
	// but still readable directly, and still AllowsOutgoing for PARTIAL_UPDATE
	if !s.AllowsOutgoing(wire.TagPower) {
		t.Fatalf("no_status_share must not block ordinary updates")
	}
}

func TestAcceptsIncomingRespectsShareInMask(t *testing.T) {
	s := New()
	s.ShareInMask = 0
	if s.AcceptsIncoming(wire.TagPower) {
		t.Fatalf("expected power blocked when share_in_mask is empty")
	}
	if !s.AcceptsIncoming(wire.TagStatus) {
		t.Fatalf("ungated tags (no category) must always be accepted")
	}
}

func TestSnapshotAscendingTagOrder(t *testing.T) {
	s := New()
	s.Set(wire.NewUint32Item(wire.TagPower, 1))
	s.Set(wire.NewUint16Item(wire.TagLightBri, 5))
	s.Set(wire.NewUint8Item(wire.TagLightFade, 1))

	snap := s.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Tag >= snap[i].Tag {
			t.Fatalf("snapshot not in ascending tag order: %+v", snap)
		}
	}
}
