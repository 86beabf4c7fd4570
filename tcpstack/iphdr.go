package tcpstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync/atomic"
)

// IPHeaderLength is the fixed size of an IPv4 header with no options (§3).
const IPHeaderLength = 20

// ipIdentCounter is the per-process identification counter (§4.2: "drawn
// from a per-process counter"). Grounded on the teacher's NewPcpPacket/
// GenerateISN style of module-level counters guarded by atomic ops rather
// than a mutex, since it is incremented on every outbound packet.
var ipIdentCounter uint32

func nextIPIdent() uint16 {
	return uint16(atomic.AddUint32(&ipIdentCounter, 1))
}

// IPHeader is the 20-byte IPv4 header described in §3. frameIP always
// produces IHL 5; parseIP reports whatever IHL (5 or more) it read.
type IPHeader struct {
	Version        uint8
	IHL            uint8
	TOS            uint8
	TotalLength    uint16
	Identification uint16
	Flags          uint8 // top 3 bits of the flags/fragment-offset word
	FragmentOffset uint16
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            netip.Addr
	Dst            netip.Addr
}

const ipFlagDF = uint8(0x2)

// frameIP builds a 20-byte IPv4 header + payload for src->dst, following
// §4.2: version=4, IHL=5, DF set, MF clear, TTL=64, identification from the
// per-process counter, checksum computed with the checksum field zeroed.
func frameIP(src, dst netip.Addr, protocol uint8, payload []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("tcpstack: frameIP requires IPv4 addresses")
	}
	total := IPHeaderLength + len(payload)
	if total > 0xffff {
		return nil, fmt.Errorf("tcpstack: frameIP payload too large (%d bytes)", len(payload))
	}

	buf := make([]byte, total)
	buf[0] = (4 << 4) | 5 // version=4, IHL=5
	buf[1] = 0            // TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], nextIPIdent())
	binary.BigEndian.PutUint16(buf[6:8], uint16(ipFlagDF)<<13) // flags=DF, fragment offset=0
	buf[8] = 64                                                // TTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(buf[12:16], srcBytes[:])
	copy(buf[16:20], dstBytes[:])
	copy(buf[20:], payload)

	sum := internetChecksum(buf[:IPHeaderLength])
	binary.BigEndian.PutUint16(buf[10:12], sum)

	return buf, nil
}

// parseIP parses and validates a 20-byte-header-or-greater IPv4 datagram,
// per §4.2: rejects length < 20, version != 4, IHL < 5, an inconsistent
// declared total length, or a checksum mismatch. IP options (IHL > 5) are
// neither produced nor interpreted here: a header carrying them is
// accepted, and the header length is honoured only to locate the payload.
func parseIP(data []byte) (IPHeader, []byte, error) {
	var hdr IPHeader
	if len(data) < IPHeaderLength {
		return hdr, nil, fmt.Errorf("tcpstack: IP packet too short (%d bytes)", len(data))
	}

	version := data[0] >> 4
	ihl := data[0] & 0x0f
	if version != 4 {
		return hdr, nil, fmt.Errorf("tcpstack: unsupported IP version %d", version)
	}
	if ihl < 5 {
		return hdr, nil, fmt.Errorf("tcpstack: invalid IHL %d", ihl)
	}
	headerLen := int(ihl) * 4
	if headerLen > len(data) {
		return hdr, nil, fmt.Errorf("tcpstack: IHL declares %d bytes, buffer has %d", headerLen, len(data))
	}

	totalLength := binary.BigEndian.Uint16(data[2:4])
	if int(totalLength) > len(data) {
		return hdr, nil, fmt.Errorf("tcpstack: declared total length %d exceeds buffer %d", totalLength, len(data))
	}
	if int(totalLength) < headerLen {
		return hdr, nil, fmt.Errorf("tcpstack: declared total length %d is less than header length %d", totalLength, headerLen)
	}

	if internetChecksum(data[:headerLen]) != 0 {
		return hdr, nil, fmt.Errorf("tcpstack: IP header checksum mismatch")
	}

	hdr = IPHeader{
		Version:        version,
		IHL:            ihl,
		TOS:            data[1],
		TotalLength:    totalLength,
		Identification: binary.BigEndian.Uint16(data[4:6]),
		Flags:          data[6] >> 5,
		FragmentOffset: binary.BigEndian.Uint16(data[6:8]) & 0x1fff,
		TTL:            data[8],
		Protocol:       data[9],
		Checksum:       binary.BigEndian.Uint16(data[10:12]),
		Src:            netip.AddrFrom4([4]byte(data[12:16])),
		Dst:            netip.AddrFrom4([4]byte(data[16:20])),
	}

	return hdr, data[headerLen:totalLength], nil
}
