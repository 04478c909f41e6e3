// Package engine implements the Device Groups protocol engine: sequencing,
// ack handling, multicast repeat, retransmit scheduling, announcements,
// full-status replay to late joiners, loop suppression, and message-type
// dispatch.
//
// The scheduling model is single-threaded cooperative: Loop is driven by
// the host's main loop, one tick servicing acks, announcements,
// initial-status retries, transport health and inbound packets.
package engine

import (
	"fmt"
	"net/netip"

	"github.com/tasmota/devgroups/internal/device"
	"github.com/tasmota/devgroups/internal/logging"
	"github.com/tasmota/devgroups/internal/member"
	"github.com/tasmota/devgroups/internal/metrics"
	"github.com/tasmota/devgroups/internal/store"
	"github.com/tasmota/devgroups/internal/transport"
	"github.com/tasmota/devgroups/internal/wire"
	"github.com/sirupsen/logrus"
)

// Protocol timing constants, transcribed from
// original_source/components/device_groups/device_groups.h's
// DGR_* macros.
const (
	MulticastRepeatCount   = 1
	AckWaitTimeMS          = 150
	AnnouncementIntervalMS = 60_000
	InitialStatusRequests  = 10
	HealthCheckIntervalMS  = 5_000
)

// State tracks where a group sits in the initial-status handshake.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// Config is the construction-time configuration surface.
type Config struct {
	GroupName  string
	SendMask   uint32
	ReceiveMask uint32
	MulticastAddr netip.Addr
	Port       int
}

// Engine is one device group's protocol state machine. One Engine per
// configured group name; groups sharing a socket multiplex via group-name
// demux in handlePacket.
type Engine struct {
	name string
	sock *transport.Socket
	dev  device.Adapter

	members *member.Table
	store   *store.Store

	log     *logrus.Entry
	metrics *metrics.Metrics

	multicastAddr netip.Addr
	port          int

	outgoingSequence       uint16
	lastFullStatusSequence uint16
	state                  State

	nextAnnouncementTime uint32
	nextAckCheckTime     uint32
	nextInitialStatusTime uint32
	nextHealthCheckTime  uint32
	ackCheckInterval     uint32

	initialStatusRequestsRemaining uint8
	multicastsRemaining            uint8

	pendingFragments [][]byte // the full set of fragments awaiting ack for outgoingSequence
	haveReplyToInitialStatus bool

	buildingStatus bool // loop-suppression guard: an inbound apply must not re-trigger its own broadcast
	looping        bool // reentrancy guard: Loop must never call back into itself

	// lastNow is the most recent timestamp observed by Loop. Publish can be
	// called by a local controller between Loop ticks; since the engine's
	// only notion of time advances through Loop (one wall-clock source
	// driven by the host's main loop), Publish schedules its ack-wait
	// deadline relative to this cached value.
	lastNow uint32
}

// New constructs an Engine in state Uninitialized. Call Start to begin
// the initial-status handshake.
func New(cfg Config, sock *transport.Socket, dev device.Adapter, metricsRegistry *metrics.Metrics) *Engine {
	st := store.New()
	st.ShareInMask = cfg.ReceiveMask
	st.ShareOutMask = cfg.SendMask

	return &Engine{
		name:             cfg.GroupName,
		sock:             sock,
		dev:              dev,
		members:          member.NewTable(),
		store:            st,
		log:              logging.NewGroup("engine", cfg.GroupName),
		metrics:          metricsRegistry,
		multicastAddr:    cfg.MulticastAddr,
		port:             cfg.Port,
		outgoingSequence: 0,
	}
}

// Store exposes the item store for tests and cmd/dgrd's command surface.
func (e *Engine) Store() *store.Store { return e.store }

// Members exposes the member table for DevGroupStatus.
func (e *Engine) Members() *member.Table { return e.members }

// State reports the current group state.
func (e *Engine) State() State { return e.state }

// GroupName reports the configured group name.
func (e *Engine) GroupName() string { return e.name }

// OutgoingSequence reports the most recently allocated outgoing sequence
// number.
func (e *Engine) OutgoingSequence() uint16 { return e.outgoingSequence }

// nextSeq allocates the next outgoing sequence number: monotone modulo
// 2^16, never 0.
func (e *Engine) nextSeq() uint16 {
	e.outgoingSequence = uint16((uint32(e.outgoingSequence) % 0xFFFF) + 1)
	if e.metrics != nil {
		e.metrics.OutgoingSeq.Set(float64(e.outgoingSequence))
	}
	return e.outgoingSequence
}

// Start begins the initial-status handshake: state becomes Initializing
// and the engine starts polling for a FULL_STATUS reply on every
// subsequent Loop call.
func (e *Engine) Start(now uint32) {
	e.state = StateInitializing
	e.initialStatusRequestsRemaining = InitialStatusRequests
	e.haveReplyToInitialStatus = false
	e.nextInitialStatusTime = now
	e.nextAnnouncementTime = now + AnnouncementIntervalMS
	e.nextHealthCheckTime = now + HealthCheckIntervalMS
}

// Loop runs one iteration of the engine's cooperative scheduling: drains
// pending inbound packets, then services ack/retransmit, multicast
// repeats, announcements, initial-status retries, transport health and
// member gc.
//
// Loop must never be called re-entrantly (e.g. from inside a device
// Adapter's OnApply callback) — doing so is a programming error and
// panics rather than silently corrupting scheduling state.
func (e *Engine) Loop(now uint32) error {
	if e.looping {
		panic("engine: reentrant Loop call")
	}
	e.looping = true
	e.lastNow = now
	defer func() { e.looping = false }()

	if err := e.drainIncoming(now); err != nil {
		return err
	}
	e.serviceMulticastRepeats(now)
	e.serviceAckRetransmit(now)
	e.serviceAnnouncements(now)
	e.serviceInitialStatus(now)
	e.serviceHealthCheck(now)
	e.gcMembers(now)

	if e.metrics != nil {
		e.metrics.MemberCount.Set(float64(e.members.Len()))
	}
	return nil
}

// drainIncoming reads every currently-queued datagram and dispatches it.
// The transport never blocks, so this terminates as soon as Recv reports
// nothing queued.
func (e *Engine) drainIncoming(now uint32) error {
	for {
		data, sender, senderPort, ok, err := e.sock.Recv()
		if err != nil {
			return fmt.Errorf("engine: recv: %w", err)
		}
		if !ok {
			return nil
		}
		e.handlePacket(now, data, sender, senderPort)
	}
}

// handlePacket decodes and dispatches one inbound datagram: announcements
// just touch the member's liveness timer, acks mark a sequence acked,
// everything else gets an immediate ack and, if new, is applied and
// folded into the member's received sequence.
func (e *Engine) handlePacket(now uint32, data []byte, sender netip.Addr, senderPort int) {
	msg, err := wire.Decode(data)
	if err != nil {
		if e.metrics != nil {
			e.metrics.BadFrames.Inc()
		}
		e.log.WithError(err).Debug("dropping malformed packet")
		return
	}

	if msg.GroupName != e.name {
		if e.metrics != nil {
			e.metrics.UnknownGroup.Inc()
		}
		return
	}

	if msg.Flags.Has(wire.FlagAnnouncement) {
		e.members.Touch(sender, now)
		return
	}

	m := e.members.Touch(sender, now)
	seq := msg.Seq

	if msg.Flags.Has(wire.FlagAck) {
		e.members.MarkAck(sender, seq)
		return
	}

	isNew := member.After(seq, m.ReceivedSequence) || msg.Flags.Has(wire.FlagFullStatus)

	// Ack immediately, whether or not this is a duplicate — the sender's
	// retransmit backoff only stops once it sees its own sequence acked.
	e.sendAck(sender, senderPort, seq)

	if msg.Flags.Has(wire.FlagStatusRequest) {
		e.sendFullStatusUnicast(sender, senderPort)
	}

	if isNew {
		e.applyItems(msg, sender, senderPort)

		if msg.Flags.Has(wire.FlagFullStatus) {
			if e.state == StateInitializing {
				e.state = StateInitialized
				e.haveReplyToInitialStatus = true
				e.initialStatusRequestsRemaining = 0
				e.log.Info("received first full status, group initialized")
			}
		}

		// A multi-fragment UPDATE_MORE_TO_COME send shares one sequence number
		// across every fragment. ReceivedSequence only advances once the final
		// fragment (no MORE_TO_COME flag) commits — otherwise the second
		// fragment of the same sequence would look like a duplicate of the
		// first and its body would be silently ignored.
		if !msg.Flags.Has(wire.FlagMoreToCome) {
			m.ReceivedSequence = seq
		}
	}
}

// applyItems walks a decoded message's item stream and applies each item
// through the device adapter, under the building_status guard. For a
// fragmented UPDATE_MORE_TO_COME send, items are applied incrementally as
// each fragment arrives rather than batched until a final commit — the
// commit only gates when ReceivedSequence advances, handled by the
// caller.
func (e *Engine) applyItems(msg *wire.Message, sender netip.Addr, senderPort int) {
	if len(msg.Items) == 0 {
		return
	}
	msgType := deriveMessageType(msg)

	e.buildingStatus = true
	defer func() { e.buildingStatus = false }()

	for _, item := range msg.Items {
		if !e.store.AcceptsIncoming(item.Tag) {
			continue
		}
		e.store.Set(item)
		if e.dev != nil {
			e.dev.OnApply(item.Tag, item, msgType, wire.SourceRemote)
		}
	}
}

func deriveMessageType(msg *wire.Message) wire.MessageType {
	switch {
	case msg.Flags.Has(wire.FlagFullStatus):
		return wire.FullStatus
	case msg.Flags.Has(wire.FlagMoreToCome):
		return wire.UpdateMoreToCome
	case msg.Flags.Has(wire.FlagDirect):
		return wire.UpdateDirect
	}
	for _, it := range msg.Items {
		if it.Tag == wire.TagCommand {
			return wire.UpdateCommand
		}
	}
	if len(msg.Items) == 1 {
		return wire.PartialUpdate
	}
	return wire.Update
}

// sendAck unicasts an empty ACK-flagged reply echoing seq.
func (e *Engine) sendAck(to netip.Addr, port int, seq uint16) {
	msg := &wire.Message{Flags: wire.FlagAck, Seq: seq, GroupName: e.name}
	b, err := wire.Encode(msg)
	if err != nil {
		e.log.WithError(err).Error("failed to encode ack")
		return
	}
	if err := e.sock.Send(to, port, b); err != nil {
		e.log.WithError(err).Warn("failed to send ack")
	}
}
