package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// reportRecorder accumulates the counters a Sender or Receiver needs to
// build RTCP sender/receiver reports (spec §4.3: "feed the report
// recorder" on every packet sent/received, with reports emitted roughly
// every second, jittered ±50%).
type reportRecorder struct {
	mu sync.Mutex

	ssrc uint32

	packetsSent, octetsSent         uint32
	packetsReceived, octetsReceived uint32

	lastSeq      uint16
	haveLastSeq  bool
	firstSeq     uint16
	cycles       uint32 // count of sequence-number rollovers observed
	lost         uint32

	lastSR     time.Time
	lastSRNTP  uint64
}

func newReportRecorder(ssrc uint32) *reportRecorder {
	return &reportRecorder{ssrc: ssrc}
}

func (r *reportRecorder) recordSend(payloadLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packetsSent++
	r.octetsSent += uint32(payloadLen)
}

func (r *reportRecorder) recordReceive(seq uint16, payloadLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packetsReceived++
	r.octetsReceived += uint32(payloadLen)

	if !r.haveLastSeq {
		r.firstSeq = seq
		r.lastSeq = seq
		r.haveLastSeq = true
		return
	}

	diff := seq - r.lastSeq
	if diff > 0 && diff < uint16SizeHalf {
		// forward progress; detect rollover by wraparound.
		if seq < r.lastSeq {
			r.cycles++
		}
		if diff > 1 {
			r.lost += uint32(diff - 1)
		}
		r.lastSeq = seq
	}
}

// senderReport builds an RTCP SR for a Sender's outbound stream.
func (r *reportRecorder) senderReport() *rtcp.SenderReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.lastSR = now
	r.lastSRNTP = ntpTime(now)

	return &rtcp.SenderReport{
		SSRC:        r.ssrc,
		NTPTime:     r.lastSRNTP,
		RTPTime:     0, // the recorder does not track RTP timestamps; always sent as 0
		PacketCount: r.packetsSent,
		OctetCount:  r.octetsSent,
	}
}

// receiverReport builds an RTCP RR block describing this Receiver's view
// of its inbound stream.
func (r *reportRecorder) receiverReport() rtcp.ReceptionReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	expected := uint32(r.cycles)<<16 + uint32(r.lastSeq) - uint32(r.firstSeq) + 1
	var fractionLost uint8
	if expected > 0 {
		fractionLost = uint8((uint64(r.lost) * 256) / uint64(expected))
	}

	return rtcp.ReceptionReport{
		SSRC:               r.ssrc,
		FractionLost:       fractionLost,
		TotalLost:          r.lost,
		LastSequenceNumber: uint32(r.cycles)<<16 | uint32(r.lastSeq),
		LastSenderReport:   uint32(r.lastSRNTP >> 16),
	}
}

func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return secs<<32 | frac
}

// reportJitterInterval returns the next RTCP report interval, jittered
// ±50% around base, per spec §4.3 ("every ~1s ± 50% jitter").
func reportJitterInterval(base time.Duration, rand func() float64) time.Duration {
	factor := 0.5 + rand() // in [0.5, 1.5)
	return time.Duration(float64(base) * factor)
}
