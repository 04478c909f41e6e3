package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

// TestUnicastSendRecvRoundTrip exercises bind + send + non-blocking recv
// between two sockets on loopback. It does not join a multicast group —
// that path depends on a real multicast-capable interface, which sandboxed
// environments often lack.
func TestUnicastSendRecvRoundTrip(t *testing.T) {
	a, err := Bind(0, netip.Addr{}, netip.Addr{})
	if err != nil {
		t.Skipf("no usable interface in this environment: %v", err)
	}
	defer a.Close()

	b, err := Bind(0, netip.Addr{}, netip.Addr{})
	if err != nil {
		t.Skipf("no usable interface in this environment: %v", err)
	}
	defer b.Close()

	bLocal, ok := b.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local addr type %T", b.conn.LocalAddr())
	}
	loopback := netip.MustParseAddr("127.0.0.1")

	// Recv on an idle socket must return immediately with ok=false, never
	// block the caller.
	_, _, _, queued, err := a.Recv()
	if err != nil {
		t.Fatalf("Recv on idle socket errored: %v", err)
	}
	if queued {
		t.Fatalf("expected no datagram queued on idle socket")
	}

	payload := []byte("hello device group")
	if err := a.Send(loopback, bLocal.Port, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	var sender netip.Addr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, from, _, ok, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if ok {
			got, sender = data, from
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got == nil {
		t.Fatalf("never received the sent datagram")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
	if !sender.Is4() {
		t.Fatalf("expected an IPv4 sender address, got %v", sender)
	}
}
