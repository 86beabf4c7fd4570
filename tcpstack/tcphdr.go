package tcpstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// TCPHeaderLength is the fixed size of a TCP header with no options (§3).
const TCPHeaderLength = 20

// PseudoHeaderLength is the size of the TCP pseudo-header used only for
// checksum computation (§3): src, dst, zero byte, protocol, TCP length.
const PseudoHeaderLength = 12

// TCP flag bits, MSB to LSB: CWR, ECE, URG, ACK, PSH, RST, SYN, FIN (§3).
// Grounded on original_source/include/tcp_header.h, which the teacher's own
// flag byte layout (lib/constant.go) does not match — original_source wins
// ties on wire-exact detail per the process's resolution rule.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
	FlagECE uint8 = 1 << 6
	FlagCWR uint8 = 1 << 7
)

// TCPHeader is the 20-byte TCP header described in §3.
type TCPHeader struct {
	SrcPort       uint16
	DstPort       uint16
	SeqNum        uint32
	AckNum        uint32
	DataOffset    uint8 // in 32-bit words, always 5 here
	Flags         uint8
	Window        uint16
	Checksum      uint16
	UrgentPointer uint16
}

func (h TCPHeader) HasFlag(f uint8) bool { return h.Flags&f != 0 }

// serializeTCP writes a 20-byte TCP header followed by data into a single
// buffer, with the checksum field left as zero — the caller computes and
// fills in the checksum over the concatenation of the pseudo-header and
// this buffer (checksumSegment below), since the checksum must cover the
// exact bytes about to be transmitted (§9, avoiding the original's
// host-order/network-order checksum mismatch).
func serializeTCP(h TCPHeader, data []byte) []byte {
	buf := make([]byte, TCPHeaderLength+len(data))
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint32(buf[8:12], h.AckNum)
	buf[12] = 5 << 4 // data offset=5, reserved+NS=0
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(buf[18:20], h.UrgentPointer)
	copy(buf[20:], data)
	return buf
}

// parseTCP parses a 20-byte-or-greater TCP segment. TCP options beyond the
// mandatory header are out of scope (§1 Non-goals): a data offset greater
// than 5 is honoured only to locate the payload, and any option bytes are
// skipped, never interpreted.
func parseTCP(data []byte) (TCPHeader, []byte, error) {
	var h TCPHeader
	if len(data) < TCPHeaderLength {
		return h, nil, fmt.Errorf("tcpstack: TCP segment too short (%d bytes)", len(data))
	}

	doAndRsv := data[12]
	dataOffset := doAndRsv >> 4
	headerLen := int(dataOffset) * 4
	if headerLen < TCPHeaderLength || headerLen > len(data) {
		return h, nil, fmt.Errorf("tcpstack: invalid TCP data offset %d", dataOffset)
	}

	h = TCPHeader{
		SrcPort:       binary.BigEndian.Uint16(data[0:2]),
		DstPort:       binary.BigEndian.Uint16(data[2:4]),
		SeqNum:        binary.BigEndian.Uint32(data[4:8]),
		AckNum:        binary.BigEndian.Uint32(data[8:12]),
		DataOffset:    dataOffset,
		Flags:         data[13],
		Window:        binary.BigEndian.Uint16(data[14:16]),
		Checksum:      binary.BigEndian.Uint16(data[16:18]),
		UrgentPointer: binary.BigEndian.Uint16(data[18:20]),
	}

	return h, data[headerLen:], nil
}

// pseudoHeader assembles the 12-byte TCP pseudo-header (§3) used only for
// checksum computation; it is never transmitted.
func pseudoHeader(src, dst netip.Addr, protocol uint8, segmentLen uint16) []byte {
	buf := make([]byte, PseudoHeaderLength)
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(buf[0:4], srcBytes[:])
	copy(buf[4:8], dstBytes[:])
	buf[8] = 0
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], segmentLen)
	return buf
}

// checksumSegment computes the TCP checksum over pseudo-header || segment,
// where segment is the already-serialized header+data with the checksum
// field zeroed, and returns it; buildSegment writes it into the segment.
func checksumSegment(src, dst netip.Addr, protocol uint8, segment []byte) uint16 {
	ph := pseudoHeader(src, dst, protocol, uint16(len(segment)))
	buf := make([]byte, 0, len(ph)+len(segment))
	buf = append(buf, ph...)
	buf = append(buf, segment...)
	return internetChecksum(buf)
}

// buildSegment serializes a TCP header and payload and stamps in the
// checksum, returning wire-ready bytes. Grounded on lib/packet.go's Marshal,
// simplified to the mandatory 20-byte header only.
func buildSegment(h TCPHeader, data []byte, src, dst netip.Addr, protocol uint8) []byte {
	seg := serializeTCP(h, data)
	sum := checksumSegment(src, dst, protocol, seg)
	binary.BigEndian.PutUint16(seg[16:18], sum)
	return seg
}

// verifyAndParseSegment parses a TCP segment and verifies its checksum
// against the pseudo-header derived from the IP addresses. A mismatch
// discards the segment without any state change (§4.3).
func verifyAndParseSegment(data []byte, src, dst netip.Addr, protocol uint8) (TCPHeader, []byte, error) {
	h, payload, err := parseTCP(data)
	if err != nil {
		return h, nil, err
	}

	received := h.Checksum
	verifyBuf := make([]byte, len(data))
	copy(verifyBuf, data)
	binary.BigEndian.PutUint16(verifyBuf[16:18], 0)
	calculated := checksumSegment(src, dst, protocol, verifyBuf)
	if calculated != received {
		return h, nil, fmt.Errorf("tcpstack: TCP checksum mismatch")
	}

	return h, payload, nil
}
