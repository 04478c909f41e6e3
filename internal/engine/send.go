package engine

import (
	"net/netip"

	"github.com/tasmota/devgroups/internal/wire"
)

// maxItemsPayload is the budget left for items after the fixed header and
// group name, conservative enough that a single 150-byte group name still
// leaves room for at least one item plus EOL before hitting
// wire.MaxPacketSize.
const maxItemsPayload = wire.MaxPacketSize - len(wire.Magic) - 4 - wire.MaxGroupName - 1

// Publish is the engine-side half of the local-change observer contract: a
// local controller calls this after changing a light or power bit. While
// building_status is true (an inbound apply is in progress) this is a
// no-op — the loop-suppression rule that keeps an applied update from
// immediately re-triggering its own broadcast.
func (e *Engine) Publish(items ...wire.Item) {
	if e.buildingStatus {
		return
	}
	if len(items) == 0 {
		return
	}

	var allowed []wire.Item
	for _, it := range items {
		if !e.store.AllowsOutgoing(it.Tag) {
			continue
		}
		e.store.Set(it)
		allowed = append(allowed, it)
	}
	if len(allowed) == 0 {
		return
	}

	e.sendItems(allowed, 0)
}

// sendItems builds and multicasts an UPDATE (or PARTIAL_UPDATE for a
// single item) message, fragmenting into UPDATE_MORE_TO_COME chunks
// sharing one sequence number if the item list would exceed the 512-byte
// packet cap.
func (e *Engine) sendItems(items []wire.Item, extraFlags wire.Flags) {
	fragments := fragmentItems(items, maxItemsPayload)
	seq := e.nextSeq()

	e.pendingFragments = e.pendingFragments[:0]
	for i, frag := range fragments {
		flags := extraFlags
		if i < len(fragments)-1 {
			flags |= wire.FlagMoreToCome
		}
		msg := &wire.Message{Flags: flags, Seq: seq, GroupName: e.name, Items: frag}
		b, err := wire.Encode(msg)
		if err != nil {
			e.log.WithError(err).Error("failed to encode outgoing message, dropping")
			continue
		}
		e.pendingFragments = append(e.pendingFragments, b)
	}

	e.multicastPending()
	e.multicastsRemaining = MulticastRepeatCount
	e.armAckWait()
}

// fragmentItems splits items into groups whose encoded size stays under
// budget bytes, preserving wire order.
func fragmentItems(items []wire.Item, budget int) [][]wire.Item {
	if len(items) == 0 {
		return [][]wire.Item{nil}
	}
	var out [][]wire.Item
	var cur []wire.Item
	used := 0
	for _, it := range items {
		sz := itemEncodedSize(it)
		if used+sz > budget && len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			used = 0
		}
		cur = append(cur, it)
		used += sz
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func itemEncodedSize(it wire.Item) int {
	switch it.Tag.Width() {
	case wire.Width8:
		return 2
	case wire.Width16:
		return 3
	case wire.Width32:
		return 5
	case wire.WidthString, wire.WidthOpaque:
		return 2 + len(it.Bytes())
	default:
		return 1
	}
}

// multicastPending sends every currently pending fragment once to the
// group multicast address.
func (e *Engine) multicastPending() {
	for _, frag := range e.pendingFragments {
		if err := e.sock.Send(e.multicastAddr, e.port, frag); err != nil {
			e.log.WithError(err).Warn("multicast send failed")
		}
	}
}

// armAckWait records a fresh pending send for every current member and
// resets the ack-check backoff to its initial value.
func (e *Engine) armAckWait() {
	for _, m := range e.members.All() {
		m.UnicastCount = 0
	}
	e.ackCheckInterval = AckWaitTimeMS
	e.nextAckCheckTime = e.lastNow + AckWaitTimeMS
}

// serviceMulticastRepeats resends the pending message the configured
// number of additional times ("schedule DGR_MULTICAST_REPEAT_COUNT
// additional multicasts at the next loop ticks", per the original source).
func (e *Engine) serviceMulticastRepeats(now uint32) {
	if e.multicastsRemaining == 0 || len(e.pendingFragments) == 0 {
		return
	}
	e.multicastPending()
	e.multicastsRemaining--
}

// serviceAckRetransmit does exponential-backoff unicast retransmission to
// every member that has not yet acked the current outgoing sequence.
func (e *Engine) serviceAckRetransmit(now uint32) {
	if len(e.pendingFragments) == 0 {
		return
	}
	if now < e.nextAckCheckTime {
		return
	}

	if e.members.AllAcked(e.outgoingSequence) {
		e.pendingFragments = nil
		e.ackCheckInterval = AckWaitTimeMS
		return
	}

	for _, ip := range e.members.PendingUnicastTargets(e.outgoingSequence) {
		m := e.members.Find(ip)
		if m == nil {
			continue
		}
		for _, frag := range e.pendingFragments {
			if err := e.sock.Send(ip, e.port, frag); err != nil {
				e.log.WithError(err).WithField("member", ip).Warn("retransmit failed")
				continue
			}
		}
		m.UnicastCount++
		if e.metrics != nil {
			e.metrics.Retransmits.Inc()
		}
	}

	if e.ackCheckInterval == 0 {
		e.ackCheckInterval = AckWaitTimeMS
	} else {
		e.ackCheckInterval *= 2
	}
	e.nextAckCheckTime = now + e.ackCheckInterval
}

// serviceAnnouncements multicasts a bodyless ANNOUNCEMENT heartbeat every
// AnnouncementIntervalMS.
func (e *Engine) serviceAnnouncements(now uint32) {
	if e.nextAnnouncementTime == 0 || now < e.nextAnnouncementTime {
		return
	}
	msg := &wire.Message{Flags: wire.FlagAnnouncement, Seq: e.nextSeq(), GroupName: e.name}
	b, err := wire.Encode(msg)
	if err == nil {
		if err := e.sock.Send(e.multicastAddr, e.port, b); err != nil {
			e.log.WithError(err).Warn("failed to send announcement")
		}
	}
	e.nextAnnouncementTime = now + AnnouncementIntervalMS
}

// serviceInitialStatus: while initializing and no reply has been seen,
// periodically multicast FULL_STATUS|STATUS_REQUEST, decrementing the
// retry budget each attempt. This engine paces retries at AckWaitTimeMS
// to avoid a send storm on a fast host loop.
func (e *Engine) serviceInitialStatus(now uint32) {
	if e.state != StateInitializing || e.haveReplyToInitialStatus {
		return
	}
	if e.initialStatusRequestsRemaining == 0 {
		return
	}
	if now < e.nextInitialStatusTime {
		return
	}

	e.sendFullStatusMulticast(true)
	e.initialStatusRequestsRemaining--
	e.nextInitialStatusTime = now + AckWaitTimeMS
}

// serviceHealthCheck periodically re-validates the bound network
// interface is still present and up, the same liveness idiom the
// original firmware's WiFiUdp layer re-checks before trusting a socket
// is still good to send on. Reported through the TransportHealthy gauge
// rather than surfaced as an error, since a transient flap shouldn't
// interrupt the loop.
func (e *Engine) serviceHealthCheck(now uint32) {
	if now < e.nextHealthCheckTime {
		return
	}
	e.nextHealthCheckTime = now + HealthCheckIntervalMS

	err := e.sock.Validate()
	healthy := float64(1)
	if err != nil {
		healthy = 0
		e.log.WithError(err).Warn("transport health check failed")
	}
	if e.metrics != nil {
		e.metrics.TransportHealthy.Set(healthy)
	}
}

// gcMembers drops members past their liveness timeout or retry cap.
func (e *Engine) gcMembers(now uint32) {
	removed := e.members.GC(now)
	if len(removed) > 0 && e.metrics != nil {
		e.metrics.MembersTimedOut.Add(float64(len(removed)))
	}
	for _, ip := range removed {
		e.log.WithField("member", ip).Info("member timed out, removed")
	}
}

// sendFullStatusMulticast builds and multicasts a FULL_STATUS snapshot,
// optionally with STATUS_REQUEST set.
func (e *Engine) sendFullStatusMulticast(statusRequest bool) {
	flags := wire.FlagFullStatus
	if statusRequest {
		flags |= wire.FlagStatusRequest
	}
	msg := e.buildFullStatusMessage(flags)
	b, err := wire.Encode(msg)
	if err != nil {
		e.log.WithError(err).Error("failed to encode full status")
		return
	}
	if err := e.sock.Send(e.multicastAddr, e.port, b); err != nil {
		e.log.WithError(err).Warn("failed to send full status")
	}
}

// RequestFullStatus multicasts a FULL_STATUS|STATUS_REQUEST probe on
// demand — the wire action behind the DevGroupStatus command: it doesn't
// itself return the answer (that arrives asynchronously as every member's
// FULL_STATUS reply is applied on a later Loop tick), but it is the
// trigger a host must call to refresh the member table before reporting
// it.
func (e *Engine) RequestFullStatus() {
	e.sendFullStatusMulticast(true)
}

// sendFullStatusUnicast replies to a STATUS_REQUEST with a unicast
// FULL_STATUS.
func (e *Engine) sendFullStatusUnicast(to netip.Addr, port int) {
	msg := e.buildFullStatusMessage(wire.FlagFullStatus)
	b, err := wire.Encode(msg)
	if err != nil {
		e.log.WithError(err).Error("failed to encode full status reply")
		return
	}
	if err := e.sock.Send(to, port, b); err != nil {
		e.log.WithError(err).Warn("failed to send full status reply")
	}
}

func (e *Engine) buildFullStatusMessage(flags wire.Flags) *wire.Message {
	items := e.store.Snapshot()
	if e.dev != nil {
		e.buildingStatus = true
		collected := e.dev.Collect()
		e.buildingStatus = false
		for _, it := range collected {
			e.store.Set(it)
		}
		items = e.store.Snapshot()
	}
	seq := e.nextSeq()
	e.lastFullStatusSequence = seq
	return &wire.Message{Flags: flags, Seq: seq, GroupName: e.name, Items: items}
}
