// Package member implements the per-group peer table: the set of remote
// IPv4 addresses participating in a device group, each with its own
// send/ack sequence state and liveness timer.
//
// The original Tasmota source threads members together with an intrusive
// singly-linked list (device_group_member.flink). A map keyed by IPv4
// captures the same semantics — unique keys, O(1) find — without the
// pointer surgery (see DESIGN.md).
package member

import "net/netip"

// Timeout and retry constants transcribed from
// original_source/components/device_groups/device_groups.h's
// DGR_MEMBER_TIMEOUT macro.
const (
	TimeoutMS         = 45_000
	MaxUnicastRetries = 10
)

// Member is one remote peer known to the local engine for a group.
type Member struct {
	IP               netip.Addr
	ReceivedSequence uint16
	AckedSequence    uint16
	UnicastCount     uint32
	LastSeenMS       uint32
}

// Table is the per-group member set.
type Table struct {
	members map[netip.Addr]*Member
}

// NewTable returns an empty member table.
func NewTable() *Table {
	return &Table{members: make(map[netip.Addr]*Member)}
}

// FindOrCreate returns the existing Member for ip, creating one with zeroed
// sequence state if this is the first time ip has been seen.
func (t *Table) FindOrCreate(ip netip.Addr, now uint32) *Member {
	if m, ok := t.members[ip]; ok {
		return m
	}
	m := &Member{IP: ip, LastSeenMS: now}
	t.members[ip] = m
	return m
}

// Find returns the Member for ip, or nil if unknown.
func (t *Table) Find(ip netip.Addr) *Member {
	return t.members[ip]
}

// Touch refreshes a member's liveness timer. Creates the member if unknown.
func (t *Table) Touch(ip netip.Addr, now uint32) *Member {
	m := t.FindOrCreate(ip, now)
	m.LastSeenMS = now
	return m
}

// MarkAck records that ip has acknowledged seq, our own outgoing sequence
// number. Receiving an ACK-flagged packet sets AckedSequence directly, no
// "after" comparison — the sender is authoritative about what it has
// acked.
func (t *Table) MarkAck(ip netip.Addr, seq uint16) {
	if m, ok := t.members[ip]; ok {
		m.AckedSequence = seq
	}
}

// RecordReceived updates the last inbound sequence seen from ip.
func (t *Table) RecordReceived(ip netip.Addr, seq uint16) {
	if m, ok := t.members[ip]; ok {
		m.ReceivedSequence = seq
	}
}

// PendingUnicastTargets returns the IPs of every member whose AckedSequence
// does not match currentSeq — i.e. peers we still need to retransmit to.
func (t *Table) PendingUnicastTargets(currentSeq uint16) []netip.Addr {
	var out []netip.Addr
	for ip, m := range t.members {
		if m.AckedSequence != currentSeq {
			out = append(out, ip)
		}
	}
	return out
}

// AllAcked reports whether every member has acked currentSeq.
func (t *Table) AllAcked(currentSeq uint16) bool {
	for _, m := range t.members {
		if m.AckedSequence != currentSeq {
			return false
		}
	}
	return true
}

// GC removes members that have gone quiet past TimeoutMS, or whose
// unicast retry counter has exceeded MaxUnicastRetries. It returns the IPs
// removed, for logging/metrics.
func (t *Table) GC(now uint32) []netip.Addr {
	var removed []netip.Addr
	for ip, m := range t.members {
		if now-m.LastSeenMS > TimeoutMS || m.UnicastCount > MaxUnicastRetries {
			delete(t.members, ip)
			removed = append(removed, ip)
		}
	}
	return removed
}

// Len reports the current member count.
func (t *Table) Len() int { return len(t.members) }

// All returns every member currently known. Callers must not mutate the
// returned slice's backing Members concurrently with engine.Loop — the
// protocol engine is the sole mutator.
func (t *Table) All() []*Member {
	out := make([]*Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// After implements the circular sequence comparator: a is "after" b iff
// their signed 16-bit difference is positive. This is the
// sole mechanism for recognising new vs. duplicate/stale inbound
// sequences, including across the uint16 wrap at 65535→1.
func After(a, b uint16) bool {
	return int16(a-b) > 0
}
