package webrtc

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/webrtcgo/engine/internal/vp8munger"
)

// srtpRTPWriter is the narrow surface a Sender needs from the DTLS/SRTP
// Engine: protect and send one RTP packet (spec §4.5 "SRTP protect").
type srtpRTPWriter interface {
	writeRTP(pkt *rtp.Packet) error
}

const nackSendBufferSize = 1024

// RTPSender is owned by a transceiver and encapsulates one outbound RTP
// stream: SSRC/RTX-SSRC preallocation, payload/SSRC stamping, and the
// retransmission ring buffer (spec §3/§4.3).
type RTPSender struct {
	mu sync.RWMutex

	id string

	track *Track

	ssrc    SSRC
	rtxSSRC SSRC

	codec    RTPCodecParameters
	rtxCodec *RTPCodecParameters

	mid      string
	midExtID int

	transport srtpRTPWriter

	recorder *reportRecorder
	nackBuf  *nackSendBuffer
	rtxSeq   uint32 // atomic

	// munger rewrites VP8 picture_id/tl0picidx/keyidx so a receiver sees
	// a continuous sequence across a simulcast layer switch (spec §4.7).
	// Only allocated once negotiation confirms a VP8 codec.
	munger *vp8munger.Munger

	packetsSent        uint64
	bytesSent           uint64
	markerCount        uint64
	retransmits        uint64
	nackCount          uint64
	pliCount           uint64

	stopped bool
}

func newRTPSender(id string, track *Track) (*RTPSender, error) {
	gen := randutil.NewMathRandomGenerator()
	buf, err := newNackSendBuffer(nackSendBufferSize)
	if err != nil {
		return nil, &UnknownError{Err: err}
	}

	return &RTPSender{
		id:      id,
		track:   track,
		ssrc:    SSRC(gen.Uint32()),
		rtxSSRC: SSRC(gen.Uint32()),
		nackBuf: buf,
	}, nil
}

func (s *RTPSender) ID() string { return s.id }

// Track returns the currently attached outbound track, or nil.
func (s *RTPSender) Track() *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.track
}

// ReplaceTrack swaps the outbound track without requiring renegotiation
// (SPEC_FULL.md §C.3); a track whose kind differs from the current
// track's is rejected.
func (s *RTPSender) ReplaceTrack(track *Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track != nil && s.track != nil && track.Kind != s.track.Kind {
		return &InvalidModificationError{Err: ErrInvalidTrackType}
	}
	s.track = track
	// Swapping the outbound track is, from the wire's perspective, the
	// same kind of discontinuity as a simulcast layer switch: whatever
	// this sender emits next came from an unrelated encoder state, so
	// the VP8 munger must realign picture_id/tl0picidx/keyidx.
	if s.munger != nil {
		s.munger.Update()
	}
	return nil
}

// SSRC returns the stable SSRC this sender always advertises (spec §3:
// "stable across renegotiations so SDP is consistent").
func (s *RTPSender) SSRC() SSRC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssrc
}

func (s *RTPSender) RTXSSRC() SSRC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rtxSSRC
}

// RTXCodec returns the RTX codec paired to this sender by the remote's
// "apt=" fmtp parameter, or nil before that pairing is negotiated.
func (s *RTPSender) RTXCodec() *RTPCodecParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rtxCodec
}

// setRTXCodec records the RTX codec paired to this sender's primary codec
// by the remote's "apt=" fmtp parameter (spec §4.3 RTX).
func (s *RTPSender) setRTXCodec(rtxCodec *RTPCodecParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtxCodec = rtxCodec
}

func (s *RTPSender) setNegotiated(codec RTPCodecParameters, rtxCodec *RTPCodecParameters, mid string, midExtID int, transport srtpRTPWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codec = codec
	s.rtxCodec = rtxCodec
	s.mid = mid
	s.midExtID = midExtID
	s.transport = transport
	if s.recorder == nil {
		s.recorder = newReportRecorder(uint32(s.ssrc))
	}
	if strings.EqualFold(codec.MimeType, mimeTypeVP8) && s.munger == nil {
		s.munger = vp8munger.New()
	}
}

// WriteRTP stamps the packet's payload type, SSRC and MID extension per
// spec §4.3 and forwards it to the SRTP transport. It is a no-op (not an
// error) if negotiation has not yet bound a transport, per spec §4.1
// "send_rtp ... no-ops if the connection is not yet connected".
func (s *RTPSender) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	if s.stopped || s.transport == nil {
		s.mu.Unlock()
		return nil
	}

	out := *pkt
	out.Header = pkt.Header
	out.PayloadType = uint8(s.codec.PayloadType)
	out.SSRC = uint32(s.ssrc)
	if s.midExtID != 0 {
		_ = out.SetExtension(uint8(s.midExtID), []byte(s.mid))
	}
	if s.munger != nil {
		out.Payload = append([]byte(nil), out.Payload...)
		if ts, err := s.munger.Rewrite(out.Payload, out.Timestamp); err == nil {
			out.Timestamp = ts
		}
	}

	recorder := s.recorder
	transport := s.transport
	s.nackBuf.add(&out)
	s.packetsSent++
	s.bytesSent += uint64(len(out.Payload))
	if out.Marker {
		s.markerCount++
	}
	s.mu.Unlock()

	if recorder != nil {
		recorder.recordSend(len(out.Payload))
	}
	return transport.writeRTP(&out)
}

// retransmit resends the packet identified by seq on the RTX SSRC/PT,
// prefixing the original sequence number per RFC 4588 (spec §4.3).
func (s *RTPSender) retransmit(seq uint16) error {
	s.mu.Lock()
	if s.stopped || s.transport == nil || s.rtxCodec == nil {
		s.mu.Unlock()
		return nil
	}
	original := s.nackBuf.get(seq)
	if original == nil {
		s.mu.Unlock()
		return nil
	}

	rtxSeq := uint16(atomic.AddUint32(&s.rtxSeq, 1))
	payload := make([]byte, 2+len(original.Payload))
	payload[0] = byte(seq >> 8)
	payload[1] = byte(seq)
	copy(payload[2:], original.Payload)

	out := *original
	out.PayloadType = uint8(s.rtxCodec.PayloadType)
	out.SSRC = uint32(s.rtxSSRC)
	out.SequenceNumber = rtxSeq
	out.Payload = payload

	s.retransmits++
	transport := s.transport
	s.mu.Unlock()

	return transport.writeRTP(&out)
}

// onNACK records receipt of a NACK and retransmits every named sequence
// number still present in the send buffer.
func (s *RTPSender) onNACK(lost []uint16) {
	s.mu.Lock()
	s.nackCount += uint64(len(lost))
	s.mu.Unlock()
	for _, seq := range lost {
		_ = s.retransmit(seq)
	}
}

func (s *RTPSender) onPLI() {
	s.mu.Lock()
	s.pliCount++
	s.mu.Unlock()
}

func (s *RTPSender) buildSenderReport() *rtcp.SenderReport {
	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()
	if recorder == nil {
		return nil
	}
	return recorder.senderReport()
}

// Stats returns a snapshot of this sender's outbound counters (spec §4.3
// counters, surfaced per SPEC_FULL.md §C.4).
func (s *RTPSender) Stats() OutboundRTPStreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return OutboundRTPStreamStats{
		SSRC:          s.ssrc,
		PacketsSent:   s.packetsSent,
		BytesSent:     s.bytesSent,
		RetransmitsSent: s.retransmits,
		NACKCount:     s.nackCount,
		PLICount:      s.pliCount,
	}
}

// Stop irreversibly stops the sender.
func (s *RTPSender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
