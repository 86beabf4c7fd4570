package tcpstack

import "time"

// Tunables for the reliability engine (§4.4). Grounded on
// original_source/include/tcp_reliability.h's RTT_ALPHA/RTT_BETA/RTT_K/RTT_G
// and the retransmit/window defaults in tcp_reliability.cpp's constructor.
const (
	maxChunkSize       = 1024
	defaultMaxRetx     = 3
	initialRTO         = 1000 * time.Millisecond
	minRTO             = 200 * time.Millisecond
	maxRTO             = 60 * time.Second
	rttGranularity     = 100 * time.Millisecond
	rttAlpha           = 0.125
	rttBeta            = 0.25
	rttK               = 4
	initialLocalWindow = 65535
)

// unackedSegment is one outstanding chunk of send data, the single source
// of truth for bytes-in-flight accounting (§9: the original tracked this
// in two places and double-advanced the sequence number; here sndNxt is
// advanced exactly once, inside Reliability.NextChunk, and bytesInFlight is
// derived only from this list's contents).
type unackedSegment struct {
	seq             uint32
	data            []byte
	flags           uint8 // wire flags to resend verbatim; FlagPSH|FlagACK for data chunks
	sentAt          time.Time
	retransmitCount int
	retransmitted   bool // true once resent; excludes it from RTT sampling (Karn's rule)
}

// Reliability holds one connection's send-side sequence state, receive-side
// sequence state, send buffer, unacked-segment list, and RTT/RTO estimator
// (§4.4). A Connection owns one and serialises access to it by touching it
// only from its run goroutine; the engine has no lock of its own.
type Reliability struct {
	sndISS uint32
	sndNxt uint32
	sndUna uint32

	rcvNxt uint32

	sendQueue []byte
	unacked   []*unackedSegment

	srtt         time.Duration
	rttvar       time.Duration
	rto          time.Duration
	haveSample   bool
	maxRetx      int
	localWindow  uint16
	remoteWindow uint16
	maxChunk     int           // 0 means "use maxChunkSize"; set via SetMaxChunkSize
	rtoMin       time.Duration // 0 means "use minRTO"; set via SetRTOBounds
	rtoMax       time.Duration // 0 means "use maxRTO"; set via SetRTOBounds
}

// NewReliability initialises the reliability engine with a chosen initial
// send sequence number (§4.4: "drawn from a uniform random 32-bit
// distribution at connection open" — the caller supplies it so tests can
// pin a deterministic value).
func NewReliability(iss uint32) *Reliability {
	return &Reliability{
		sndISS:       iss,
		sndNxt:       iss,
		sndUna:       iss,
		rto:          initialRTO,
		maxRetx:      defaultMaxRetx,
		localWindow:  initialLocalWindow,
		remoteWindow: initialLocalWindow,
	}
}

// SetMaxChunkSize overrides the default 1024-byte chunk cap with
// Config.PreferredMSS (§9 supplemented feature: a local stand-in for the
// teacher's wire-negotiated MSS, since spec.md's Non-goals exclude TCP
// options). A non-positive value leaves the default in place.
func (r *Reliability) SetMaxChunkSize(n int) {
	if n > 0 {
		r.maxChunk = n
	}
}

func (r *Reliability) chunkCap() int {
	if r.maxChunk > 0 {
		return r.maxChunk
	}
	return maxChunkSize
}

// SetRTOBounds overrides the [minRTO, maxRTO] clamp applied in UpdateRTT
// with Config.MinRTO/Config.MaxRTO. A non-positive value leaves the
// corresponding default in place.
func (r *Reliability) SetRTOBounds(min, max time.Duration) {
	if min > 0 {
		r.rtoMin = min
	}
	if max > 0 {
		r.rtoMax = max
	}
}

func (r *Reliability) rtoFloor() time.Duration {
	if r.rtoMin > 0 {
		return r.rtoMin
	}
	return minRTO
}

func (r *Reliability) rtoCeil() time.Duration {
	if r.rtoMax > 0 {
		return r.rtoMax
	}
	return maxRTO
}

func (r *Reliability) SndNxt() uint32 { return r.sndNxt }
func (r *Reliability) SndUna() uint32 { return r.sndUna }
func (r *Reliability) RcvNxt() uint32 { return r.rcvNxt }

func (r *Reliability) SetRcvNxt(v uint32) { r.rcvNxt = v }

// ConsumeSeq advances sndNxt by one, for a SYN or FIN which consumes a
// single sequence number (§4.4). It does not touch the unacked list; the
// caller records the control segment there with TrackControl.
func (r *Reliability) ConsumeSeq() uint32 {
	seq := r.sndNxt
	r.sndNxt++
	return seq
}

// BufferData appends application bytes to the send queue (§4.4 "Send
// path"); NextChunk later dequeues from it.
func (r *Reliability) BufferData(data []byte) {
	r.sendQueue = append(r.sendQueue, data...)
}

func (r *Reliability) BytesInFlight() uint32 {
	var n uint32
	for _, seg := range r.unacked {
		n += uint32(len(seg.data))
	}
	return n
}

// EffectiveWindow is min(local window, peer's advertised window) (§4.4).
func (r *Reliability) EffectiveWindow() uint16 {
	if r.localWindow < r.remoteWindow {
		return r.localWindow
	}
	return r.remoteWindow
}

// NextChunk dequeues up to chunkCap() bytes (maxChunkSize unless
// SetMaxChunkSize overrode it) from the send queue if the
// effective window has room, assigns it the next sequence number, and
// records it in the unacked list. This is the single place sndNxt
// advances for data segments (§9 double-advance fix).
func (r *Reliability) NextChunk(now time.Time) (seq uint32, data []byte, ok bool) {
	if len(r.sendQueue) == 0 {
		return 0, nil, false
	}
	effective := int(r.EffectiveWindow())
	available := effective - int(r.BytesInFlight())
	if available <= 0 {
		return 0, nil, false
	}
	size := r.chunkCap()
	if size > available {
		size = available
	}
	if size > len(r.sendQueue) {
		size = len(r.sendQueue)
	}
	if size <= 0 {
		return 0, nil, false
	}

	chunk := make([]byte, size)
	copy(chunk, r.sendQueue[:size])
	r.sendQueue = r.sendQueue[size:]

	seq = r.sndNxt
	r.sndNxt += uint32(size)
	r.unacked = append(r.unacked, &unackedSegment{seq: seq, data: chunk, flags: FlagPSH | FlagACK, sentAt: now})

	return seq, chunk, true
}

// TrackControl records a SYN or FIN's sequence number in the unacked list
// so sweepRetransmit resends it like any other outstanding segment (§4.4:
// "SYN and FIN each consume one sequence number"). It carries no payload,
// so ProcessAck's full-ack condition (seq+len(data) <= ack) reduces to
// seq <= ack, exactly the condition for the control segment itself to
// have been acknowledged.
func (r *Reliability) TrackControl(seq uint32, flags uint8, now time.Time) {
	r.unacked = append(r.unacked, &unackedSegment{seq: seq, flags: flags, sentAt: now})
}

// ProcessAck advances snd_una and drops fully-acknowledged segments from
// the unacked list (§4.4 "Ack processing"). It returns, for any segment
// that was never retransmitted and is now fully acknowledged, the RTT
// sample to feed UpdateRTT (Karn's rule: retransmitted segments never
// yield a sample, since it is ambiguous which transmission the ack is
// for).
func (r *Reliability) ProcessAck(ack uint32, now time.Time) (samples []time.Duration) {
	if !seqGreater(ack, r.sndUna) {
		return nil
	}

	kept := r.unacked[:0]
	for _, seg := range r.unacked {
		if seqLessOrEqual(seg.seq+uint32(len(seg.data)), ack) {
			if !seg.retransmitted {
				samples = append(samples, now.Sub(seg.sentAt))
			}
			continue
		}
		kept = append(kept, seg)
	}
	r.unacked = kept
	r.sndUna = ack

	return samples
}

// Retransmittable returns the unacked segments whose RTO has expired and
// whose retransmit count has not yet reached the ceiling, marking each as
// resent (§4.4 "Retransmission"). exceeded reports whether any unacked
// segment has reached the ceiling and is still outstanding; the caller
// must abort the connection when it is true.
func (r *Reliability) Retransmittable(now time.Time) (due []*unackedSegment, exceeded bool) {
	for _, seg := range r.unacked {
		if now.Sub(seg.sentAt) <= r.rto {
			continue
		}
		if seg.retransmitCount >= r.maxRetx {
			exceeded = true
			continue
		}
		seg.sentAt = now
		seg.retransmitCount++
		seg.retransmitted = true
		due = append(due, seg)
	}
	return due, exceeded
}

// UpdateRTT applies the RFC 6298 estimator to one RTT sample and
// recomputes rto, clamped to [minRTO, maxRTO].
func (r *Reliability) UpdateRTT(sample time.Duration) {
	if !r.haveSample {
		r.srtt = sample
		r.rttvar = sample / 2
		r.haveSample = true
	} else {
		diff := r.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = time.Duration((1-rttBeta)*float64(r.rttvar) + rttBeta*float64(diff))
		r.srtt = time.Duration((1-rttAlpha)*float64(r.srtt) + rttAlpha*float64(sample))
	}

	k := time.Duration(rttK) * r.rttvar
	backoff := rttGranularity
	if k > backoff {
		backoff = k
	}
	rto := r.srtt + backoff
	if rto < r.rtoFloor() {
		rto = r.rtoFloor()
	}
	if rto > r.rtoCeil() {
		rto = r.rtoCeil()
	}
	r.rto = rto
}

func (r *Reliability) RTO() time.Duration { return r.rto }

// UpdateRemoteWindow records the peer's most recently advertised window
// (§4.4 "Flow control").
func (r *Reliability) UpdateRemoteWindow(w uint16) { r.remoteWindow = w }

// LocalWindow computes rcv_wnd as 65535 minus the current receive-buffer
// occupancy, floored at 0 (§4.4).
func LocalWindow(occupancy int) uint16 {
	if occupancy >= initialLocalWindow {
		return 0
	}
	return uint16(initialLocalWindow - occupancy)
}
