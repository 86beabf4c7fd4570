package tcpstack

import (
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// rawEndpoint is the one raw IP datagram socket a Stack owns. Grounded on
// the teacher's PcpProtocolConnection, which opens one net.IPConn/
// net.PacketConn per protocol connection and shares it between a client's
// handleOutgoingPackets and a server's handleIncomingPackets goroutines;
// here a single Stack plays both roles over one socket, since this stack
// dials and listens on the real TCP protocol number rather than a
// custom one.
//
// It deals exclusively in whole IP datagrams (header included on both
// read and write): frameIP/parseIP in this package build and parse those
// bytes, rawEndpoint only moves them across the wire. golang.org/x/net/ipv4
// supplies the header-included raw-socket control the standard library
// does not expose (ipv4.NewRawConn turns IP_HDRINCL on for the socket);
// golang.org/x/sys/unix supplies the SO_RCVBUF tuning below.
type rawEndpoint struct {
	ipConn *net.IPConn
	raw    *ipv4.RawConn
}

// recvBufferBytes is the requested SO_RCVBUF size for the raw socket,
// sized generously since a single fd fans in every connection's segments.
const recvBufferBytes = 4 << 20

// newRawEndpoint opens a raw IPv4 socket bound to localAddr for the given
// IP protocol number (§4.1/§3: protocol 6, real TCP, so the datagrams
// coexist with ordinary internet routing). If localAddr is the zero
// value, the socket listens on all local addresses, suited to a server
// that accepts connections from any peer.
func newRawEndpoint(localAddr netip.Addr, protocol int) (*rawEndpoint, error) {
	bindAddr := "0.0.0.0"
	if localAddr.IsValid() {
		bindAddr = localAddr.String()
	}

	packetConn, err := net.ListenPacket(ipNetwork(protocol), bindAddr)
	if err != nil {
		return nil, ErrNoRawEndpoint
	}
	ipConn := packetConn.(*net.IPConn)

	rawConn, err := ipv4.NewRawConn(ipConn)
	if err != nil {
		ipConn.Close()
		return nil, ErrNoRawEndpoint
	}
	tuneRecvBuffer(ipConn)

	return &rawEndpoint{ipConn: ipConn, raw: rawConn}, nil
}

func ipNetwork(protocol int) string {
	if protocol == 6 {
		return "ip4:tcp"
	}
	return "ip4:" + strconv.Itoa(protocol)
}

// tuneRecvBuffer raises SO_RCVBUF on the underlying fd via a
// syscall.RawConn.Control closure, the same pattern used throughout the
// corpus for socket-option tuning that the standard library does not
// expose directly on net.IPConn.
func tuneRecvBuffer(ipConn *net.IPConn) {
	sc, err := ipConn.SyscallConn()
	if err != nil {
		return
	}
	sc.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferBytes)
	})
}

// writeDatagram sends a fully-framed IP datagram (as produced by frameIP)
// to dst. The header-included raw socket transmits the bytes verbatim.
func (r *rawEndpoint) writeDatagram(dst netip.Addr, datagram []byte) error {
	addr := &net.IPAddr{IP: net.IP(dst.AsSlice())}
	_, err := r.ipConn.WriteToIP(datagram, addr)
	return err
}

// readDatagram polls for one inbound IP datagram, honouring deadline for
// non-blocking/bounded-wait semantics (§5: "non-blocking receive via
// SetReadDeadline polling", the idiom the teacher's HandleIncomingPackets
// uses instead of OS-level non-blocking flags).
func (r *rawEndpoint) readDatagram(buf []byte, deadline time.Time) (int, error) {
	if err := r.ipConn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, _, err := r.ipConn.ReadFromIP(buf)
	return n, err
}

func (r *rawEndpoint) close() error {
	return r.ipConn.Close()
}
