// Package diag implements the DevGroupStatus diagnostic snapshot: a
// human-readable member list, stamped with an xid correlation id so
// repeated snapshots can be tied together across log lines — the same
// leaf-level use runZeroInc-sockstats makes of github.com/rs/xid for
// exporter-instance identification. This id never appears on the wire;
// it is purely an operator-facing diagnostic.
package diag

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/rs/xid"
)

// MemberView is the subset of member state worth surfacing to an operator.
type MemberView struct {
	IP               netip.Addr
	ReceivedSequence uint16
	AckedSequence    uint16
	UnicastCount     uint32
}

// Snapshot is one DevGroupStatus result.
type Snapshot struct {
	ID                xid.ID
	GroupName         string
	OutgoingSequence  uint16
	State             string
	Members           []MemberView
}

// NewSnapshot stamps a fresh correlation id onto a status snapshot.
func NewSnapshot(groupName string, outgoingSeq uint16, state string, members []MemberView) Snapshot {
	return Snapshot{
		ID:               xid.New(),
		GroupName:        groupName,
		OutgoingSequence: outgoingSeq,
		State:            state,
		Members:          members,
	}
}

// String renders the snapshot as the human-readable member list
// DevGroupStatus returns.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "group %q [%s] state=%s outgoing_seq=%d members=%d\n",
		s.GroupName, s.ID.String(), s.State, s.OutgoingSequence, len(s.Members))
	for _, m := range s.Members {
		fmt.Fprintf(&b, "  %s received=%d acked=%d unicast_count=%d\n",
			m.IP, m.ReceivedSequence, m.AckedSequence, m.UnicastCount)
	}
	return b.String()
}
