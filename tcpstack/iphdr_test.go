package tcpstack

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func TestFrameIPParseIPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	payload := []byte("hello tcp")

	wire, err := frameIP(src, dst, 6, payload)
	if err != nil {
		t.Fatalf("frameIP: %v", err)
	}
	if len(wire) != IPHeaderLength+len(payload) {
		t.Fatalf("wire length = %d, want %d", len(wire), IPHeaderLength+len(payload))
	}

	hdr, body, err := parseIP(wire)
	if err != nil {
		t.Fatalf("parseIP: %v", err)
	}
	if hdr.Version != 4 || hdr.IHL != 5 {
		t.Fatalf("version/IHL = %d/%d, want 4/5", hdr.Version, hdr.IHL)
	}
	if hdr.Protocol != 6 {
		t.Fatalf("protocol = %d, want 6", hdr.Protocol)
	}
	if hdr.Src != src || hdr.Dst != dst {
		t.Fatalf("src/dst = %s/%s, want %s/%s", hdr.Src, hdr.Dst, src, dst)
	}
	if string(body) != string(payload) {
		t.Fatalf("body = %q, want %q", body, payload)
	}
}

func TestFrameIPIdentificationIncrements(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	w1, _ := frameIP(src, dst, 6, nil)
	w2, _ := frameIP(src, dst, 6, nil)
	h1, _, _ := parseIP(w1)
	h2, _, _ := parseIP(w2)
	if h1.Identification == h2.Identification {
		t.Fatalf("identification did not advance across calls: %d == %d", h1.Identification, h2.Identification)
	}
}

func TestParseIPRejectsShortPacket(t *testing.T) {
	if _, _, err := parseIP(make([]byte, 10)); err == nil {
		t.Fatal("expected error for too-short IP packet")
	}
}

func TestParseIPRejectsBadVersion(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	wire, _ := frameIP(src, dst, 6, []byte("x"))
	wire[0] = (6 << 4) | 5
	if _, _, err := parseIP(wire); err == nil {
		t.Fatal("expected error for unsupported IP version")
	}
}

func TestParseIPRejectsChecksumMismatch(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	wire, _ := frameIP(src, dst, 6, []byte("corrupt me"))
	wire[1] ^= 0xff // flip TOS byte, invalidating the checksum
	if _, _, err := parseIP(wire); err == nil {
		t.Fatal("expected error for IP checksum mismatch")
	}
}

func TestParseIPRejectsTruncatedTotalLength(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	wire, _ := frameIP(src, dst, 6, []byte("0123456789"))
	short := wire[:len(wire)-5]
	if _, _, err := parseIP(short); err == nil {
		t.Fatal("expected error when declared total length exceeds buffer")
	}
}

// A declared total length shorter than the header itself must be rejected
// before it ever reaches the final data[headerLen:totalLength] slice, or a
// crafted packet with an otherwise-valid checksum panics the goroutine that
// parses it instead of being dropped.
func TestParseIPRejectsTotalLengthShorterThanHeader(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	wire, err := frameIP(src, dst, 6, []byte("hi"))
	if err != nil {
		t.Fatalf("frameIP: %v", err)
	}

	binary.BigEndian.PutUint16(wire[2:4], IPHeaderLength-1)
	binary.BigEndian.PutUint16(wire[10:12], 0)
	sum := internetChecksum(wire[:IPHeaderLength])
	binary.BigEndian.PutUint16(wire[10:12], sum)

	if _, _, err := parseIP(wire); err == nil {
		t.Fatal("expected an error, not a panic, for total length shorter than the header")
	}
}
