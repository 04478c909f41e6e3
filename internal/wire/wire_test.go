package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		Flags:     FlagAck,
		Seq:       1,
		GroupName: "lab",
		Items: []Item{
			NewUint32Item(TagPower, 1),
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := append([]byte(Magic), 0x08, 0x00, 0x01, 0x00)
	want = append(want, "lab\x00"...)
	want = append(want, byte(TagPower), 0x01, 0x00, 0x00, 0x00)
	want = append(want, byte(TagEOL))
	if !bytes.Equal(b, want) {
		t.Fatalf("encode mismatch:\n got %v\nwant %v", b, want)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Flags != m.Flags || got.Seq != m.Seq || got.GroupName != m.GroupName {
		t.Fatalf("decode header mismatch: %+v", got)
	}
	if len(got.Items) != 1 || got.Items[0].Tag != TagPower || got.Items[0].Uint32() != 1 {
		t.Fatalf("decode items mismatch: %+v", got.Items)
	}
}

func TestDecodeEmptyAnnouncement(t *testing.T) {
	m := &Message{Flags: FlagAnnouncement, Seq: 7, GroupName: "lab"}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Items) != 0 {
		t.Fatalf("expected no items, got %v", got.Items)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	b := []byte("NOT_A_TASMOTA_PACKET_AT_ALL_XX")
	if _, err := Decode(b); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeUnterminatedGroupName(t *testing.T) {
	b := append([]byte(Magic), 0, 0, 0, 0)
	b = append(b, bytes.Repeat([]byte{'x'}, 200)...) // no NUL within bounds
	if _, err := Decode(b); err != ErrGroupNameUnterminated {
		t.Fatalf("expected ErrGroupNameUnterminated, got %v", err)
	}
}

func TestDecodeTruncatedItem(t *testing.T) {
	b := append([]byte(Magic), 0, 0, 0, 0)
	b = append(b, "lab\x00"...)
	b = append(b, byte(TagPower)) // 32-bit item, but no value bytes follow
	if _, err := Decode(b); err != ErrItemTruncated {
		t.Fatalf("expected ErrItemTruncated, got %v", err)
	}
}

func TestEncodeGroupNameTooLong(t *testing.T) {
	m := &Message{GroupName: string(bytes.Repeat([]byte{'a'}, 150))}
	if _, err := Encode(m); err != ErrGroupNameTooLong {
		t.Fatalf("expected ErrGroupNameTooLong, got %v", err)
	}
}

func TestEncodeStringItemTooLarge(t *testing.T) {
	m := &Message{GroupName: "lab", Items: []Item{NewBytesItem(TagCommand, bytes.Repeat([]byte{'z'}, 256))}}
	if _, err := Encode(m); err != ErrItemTooLarge {
		t.Fatalf("expected ErrItemTooLarge, got %v", err)
	}
}

func TestSequenceWraparoundEncoding(t *testing.T) {
	m := &Message{Seq: 65535, GroupName: "lab"}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Seq != 65535 {
		t.Fatalf("seq mismatch: %d", got.Seq)
	}
}
