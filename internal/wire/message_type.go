package wire

// MessageType is the logical message kind the protocol engine dispatches
// on. It has no dedicated wire field of its own — Tasmota
// derives it from the flag combination and item content (a FULL_STATUS
// flag means FullStatus, a COMMAND item present means UpdateCommand, and
// so on); see original_source/components/device_groups/device_groups.h's
// DevGroupMessageType enum, transcribed here as typed constants instead of
// raw ints.
type MessageType uint8

const (
	FullStatus MessageType = iota
	PartialUpdate
	Update
	UpdateMoreToCome
	UpdateDirect
	UpdateCommand
)

// WithLocal is OR'd into a MessageType to signal "also execute locally
// before sending" (loopback apply), matching
// DGR_MSGTYPFLAG_WITH_LOCAL = 128 in the original source.
const WithLocal MessageType = 128

// Base strips the WithLocal bit, returning the underlying message kind.
func (t MessageType) Base() MessageType { return t &^ WithLocal }

// HasLocal reports whether t carries the WithLocal bit.
func (t MessageType) HasLocal() bool { return t&WithLocal != 0 }

// Source distinguishes where an applied item came from, passed to the
// device adapter's OnApply callback.
type Source int

const (
	SourceRemote Source = iota
	SourceLocal
)
