// Package wire implements the TASMOTA_DGR framing: the binary header,
// flag bits and tag-length-value item stream shared by every Device Groups
// participant. It is pure: no I/O, no network state, just encode/decode.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the literal byte string every packet begins with. No NUL
// terminator follows it on the wire.
const Magic = "TASMOTA_DGR"

// MaxPacketSize is the hard cap enforced by the builder: packets must not
// exceed 512 bytes; senders that need more split into UPDATE_MORE_TO_COME
// fragments sharing one sequence number.
const MaxPacketSize = 512

// MaxGroupName is the maximum length of GroupName including its
// terminating NUL.
const MaxGroupName = 150

// Flags are the header flag bits, little-endian uint16.
type Flags uint16

const (
	FlagReset         Flags = 1
	FlagStatusRequest Flags = 2
	FlagFullStatus    Flags = 4
	FlagAck           Flags = 8
	FlagMoreToCome    Flags = 16
	FlagDirect        Flags = 32
	FlagAnnouncement  Flags = 64
	FlagLocal         Flags = 128
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Errors the codec can return. These are all silent-drop conditions at
// the caller; Decode just reports them so the caller can count/log and
// move on.
var (
	ErrBadMagic      = errors.New("wire: bad magic")
	ErrTruncated     = errors.New("wire: truncated packet")
	ErrGroupNameUnterminated = errors.New("wire: group name not NUL-terminated")
	ErrGroupNameTooLong      = errors.New("wire: group name too long")
	ErrItemTruncated         = errors.New("wire: item value runs past end of packet")
	ErrPacketTooLarge        = errors.New("wire: encoded packet exceeds MaxPacketSize")
	ErrItemTooLarge          = errors.New("wire: string/opaque item value exceeds 255 bytes")
)

// headerFixedLen is the length of Magic+Flags+Sequence, before GroupName.
const headerFixedLen = len(Magic) + 2 + 2

// Message is the decoded (or to-be-encoded) representation of one packet,
// built fresh for every send and never persisted.
type Message struct {
	Flags     Flags
	Seq       uint16
	GroupName string
	Items     []Item
}

// Encode serialises m into a newly allocated byte slice. It returns
// ErrGroupNameTooLong or ErrPacketTooLarge if the result would violate the
// wire invariants; callers must not ignore these, since a truncated/oversize
// send would desync receivers.
func Encode(m *Message) ([]byte, error) {
	if len(m.GroupName)+1 > MaxGroupName {
		return nil, ErrGroupNameTooLong
	}

	buf := make([]byte, 0, MaxPacketSize)
	buf = append(buf, Magic...)

	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(m.Flags))
	binary.LittleEndian.PutUint16(hdr[2:4], m.Seq)
	buf = append(buf, hdr[:]...)

	buf = append(buf, m.GroupName...)
	buf = append(buf, 0)

	for _, it := range m.Items {
		enc, err := it.encode()
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	buf = append(buf, byte(TagEOL))

	if len(buf) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return buf, nil
}

// Decode parses a raw datagram into a Message. Any malformed input yields
// one of the Err* sentinels above rather than panicking or partially
// applying.
func Decode(b []byte) (*Message, error) {
	if len(b) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	if len(b) < headerFixedLen {
		return nil, ErrTruncated
	}
	if string(b[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}

	off := len(Magic)
	flags := Flags(binary.LittleEndian.Uint16(b[off : off+2]))
	off += 2
	seq := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	nameStart := off
	nulAt := -1
	maxNameEnd := nameStart + MaxGroupName
	if maxNameEnd > len(b) {
		maxNameEnd = len(b)
	}
	for i := nameStart; i < maxNameEnd; i++ {
		if b[i] == 0 {
			nulAt = i
			break
		}
	}
	if nulAt == -1 {
		return nil, ErrGroupNameUnterminated
	}
	name := string(b[nameStart:nulAt])
	off = nulAt + 1

	items, err := decodeItems(b[off:])
	if err != nil {
		return nil, err
	}

	return &Message{Flags: flags, Seq: seq, GroupName: name, Items: items}, nil
}

func decodeItems(b []byte) ([]Item, error) {
	var items []Item
	off := 0
	for {
		if off >= len(b) {
			return nil, ErrTruncated
		}
		tag := Tag(b[off])
		off++
		if tag == TagEOL {
			return items, nil
		}
		width := tag.Width()
		switch width {
		case Width8:
			if off+1 > len(b) {
				return nil, ErrItemTruncated
			}
			items = append(items, Item{Tag: tag, u32: uint32(b[off])})
			off++
		case Width16:
			if off+2 > len(b) {
				return nil, ErrItemTruncated
			}
			items = append(items, Item{Tag: tag, u32: uint32(binary.LittleEndian.Uint16(b[off : off+2]))})
			off += 2
		case Width32:
			if off+4 > len(b) {
				return nil, ErrItemTruncated
			}
			items = append(items, Item{Tag: tag, u32: binary.LittleEndian.Uint32(b[off : off+4])})
			off += 4
		case WidthString, WidthOpaque:
			if off+1 > len(b) {
				return nil, ErrItemTruncated
			}
			n := int(b[off])
			off++
			if off+n > len(b) {
				return nil, ErrItemTruncated
			}
			data := make([]byte, n)
			copy(data, b[off:off+n])
			off += n
			it := Item{Tag: tag, bytes: data}
			items = append(items, it)
		default:
			return nil, fmt.Errorf("wire: unreachable tag width for tag %d", tag)
		}
	}
}
