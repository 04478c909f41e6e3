// Package transport implements the datagram transport contract: bind a
// UDP socket on the well-known port, join the multicast group, and
// provide non-blocking send/recv of framed packets while surfacing the
// sender's address.
//
// The original Tasmota source has three near-duplicate UDP wrappers, one
// per target platform (ESP-IDF, ESP8266 Arduino, ESP32 Arduino). That
// split is a porting artifact, not protocol variation (see DESIGN.md); this
// package collapses them into the one Socket type below, the way the
// teacher's internal/mcast package has a single Sender and Receiver for
// every platform Go runs on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ErrUnavailable is returned when the network stack reports no usable
// interface: no send/recv is attempted until a local address resolves.
var ErrUnavailable = errors.New("transport: no usable network interface")

const (
	sendMaxRetries = 3
	sendRetryDelay = 10 * time.Millisecond
)

// Socket is the single transport implementation used for both multicast
// group traffic and per-member unicast acks/retransmits; groups multiplex
// on it via group-name demux in the protocol engine.
type Socket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	iface  *net.Interface
	group  netip.Addr
	port   int
	readBuf [wireMaxPacket]byte
}

// wireMaxPacket is sized generously above the 512-byte protocol cap so a
// stray oversize datagram is still fully drained off the socket (and then
// rejected by the codec) instead of being silently truncated by recv.
const wireMaxPacket = 2048

// Bind opens a UDP socket on 0.0.0.0:port with SO_REUSEADDR, non-blocking,
// and resolves the interface carrying localIP (falling back to the first
// usable interface when localIP is the zero value or not found), on which
// JoinMulticast later joins groupAddr. Bind itself joins no group. Returns
// ErrUnavailable if no interface can be resolved.
func Bind(port int, groupAddr netip.Addr, localIP netip.Addr) (*Socket, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("transport: unexpected PacketConn type %T", pc)
	}

	s := &Socket{conn: conn, pconn: ipv4.NewPacketConn(conn), port: port, group: groupAddr}

	ifi, err := interfaceFor(localIP)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.iface = ifi
	return s, nil
}

// JoinMulticast joins the configured multicast group on the bound
// interface.
func (s *Socket) JoinMulticast() error {
	if !s.group.IsValid() {
		return nil
	}
	dst := &net.UDPAddr{IP: s.group.AsSlice()}
	if err := s.pconn.JoinGroup(s.iface, dst); err != nil {
		return fmt.Errorf("transport: join multicast group %s: %w", s.group, err)
	}
	_ = s.pconn.SetMulticastLoopback(true)
	return nil
}

// LocalIP returns the primary non-loopback IPv4 address of the bound
// interface, or the zero Addr if none could be determined.
func (s *Socket) LocalIP() netip.Addr {
	if s.iface == nil {
		return netip.Addr{}
	}
	addrs, err := s.iface.Addrs()
	if err != nil {
		return netip.Addr{}
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(v4)
		if ok {
			return addr
		}
	}
	return netip.Addr{}
}

// Send fire-and-forgets b to dest:port. EWOULDBLOCK retries up to
// sendMaxRetries times with sendRetryDelay backoff, then reports failure.
func (s *Socket) Send(dest netip.Addr, port int, b []byte) error {
	addr := &net.UDPAddr{IP: dest.AsSlice(), Port: port}
	var lastErr error
	for attempt := 0; attempt <= sendMaxRetries; attempt++ {
		_, err := s.conn.WriteToUDP(b, addr)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EAGAIN) {
			return fmt.Errorf("transport: send to %s:%d: %w", dest, port, err)
		}
		time.Sleep(sendRetryDelay)
	}
	return fmt.Errorf("transport: send to %s:%d failed after %d retries: %w", dest, port, sendMaxRetries, lastErr)
}

// Recv performs one non-blocking read. It returns ok=false, with no error,
// when no datagram is currently queued — the transport never blocks the
// engine's cooperative loop.
func (s *Socket) Recv() (data []byte, sender netip.Addr, port int, ok bool, err error) {
	_ = s.conn.SetReadDeadline(time.Now())
	n, addr, rerr := s.conn.ReadFromUDP(s.readBuf[:])
	if rerr != nil {
		if ne, isNet := rerr.(net.Error); isNet && ne.Timeout() {
			return nil, netip.Addr{}, 0, false, nil
		}
		return nil, netip.Addr{}, 0, false, fmt.Errorf("transport: recv: %w", rerr)
	}
	out := make([]byte, n)
	copy(out, s.readBuf[:n])

	ipAddr, aok := netip.AddrFromSlice(addr.IP.To4())
	if !aok {
		return nil, netip.Addr{}, 0, false, fmt.Errorf("transport: recv: non-IPv4 sender %s", addr.IP)
	}
	return out, ipAddr, addr.Port, true, nil
}

// LocalPort returns the UDP port the socket is actually bound to — useful
// when Bind was called with port 0 and the kernel picked an ephemeral one,
// as the engine's test harness does to run two sockets side by side.
func (s *Socket) LocalPort() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Validate re-checks that the interface the socket bound at Bind time is
// still present and up. A link that drops out from under a long-running
// process (cable pulled, interface renumbered) otherwise fails silently —
// sends keep "succeeding" against a dead local interface until something
// downstream notices members have stopped acking. Callers poll this
// periodically and report the result through metrics/logging rather than
// tearing down the socket, since a transient flap shouldn't kill the
// process.
func (s *Socket) Validate() error {
	if s.iface == nil {
		return ErrUnavailable
	}
	ifi, err := net.InterfaceByIndex(s.iface.Index)
	if err != nil {
		return fmt.Errorf("transport: interface %s gone: %w", s.iface.Name, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return fmt.Errorf("transport: interface %s is down", ifi.Name)
	}
	return nil
}

// Close releases the socket and any multicast membership.
func (s *Socket) Close() error {
	if s.pconn != nil {
		_ = s.pconn.Close()
	}
	return s.conn.Close()
}

// interfaceFor resolves the network interface carrying localIP. When
// localIP is the zero value (unset), it falls back to the first up,
// multicast-capable, non-loopback interface, the INADDR_ANY-style
// fallback. Returns ErrUnavailable if nothing usable is found.
func interfaceFor(localIP netip.Addr) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("transport: list interfaces: %w", err)
	}

	if localIP.IsValid() {
		for i := range ifaces {
			ifi := &ifaces[i]
			addrs, err := ifi.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				v4 := ipNet.IP.To4()
				if v4 == nil {
					continue
				}
				addr, ok := netip.AddrFromSlice(v4)
				if ok && addr == localIP {
					return ifi, nil
				}
			}
		}
	}

	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		return ifi, nil
	}

	return nil, ErrUnavailable
}
