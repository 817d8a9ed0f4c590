package webrtc

import (
	"sync"

	"github.com/pion/rtp"
)

// datagramClass is the result of classifying one inbound secure
// datagram's first byte per RFC 7983 (spec §4.5).
type datagramClass int

const (
	datagramUnknown datagramClass = iota
	datagramSTUN
	datagramDTLS
	datagramSRTP
)

func matchByteRange(b byte, lower, upper byte) bool { return b >= lower && b <= upper }

// classifyDatagram implements spec §4.5's "dispatch first byte to
// classify" rule: 0-3 STUN, 20-63 DTLS, 64-127 undefined (dropped),
// 128-191 SRTP/SRTCP.
func classifyDatagram(buf []byte) datagramClass {
	if len(buf) < 1 {
		return datagramUnknown
	}
	b := buf[0]
	switch {
	case matchByteRange(b, 0, 3):
		return datagramSTUN
	case matchByteRange(b, 20, 63):
		return datagramDTLS
	case matchByteRange(b, 128, 191):
		return datagramSRTP
	default:
		return datagramUnknown
	}
}

// isRTCPPacketType reports whether a datagramSRTP buffer's second byte
// (the RTCP packet type) falls in the 200-223 range that distinguishes
// RTCP from RTP within the combined SRTP/SRTCP mux (spec §4.5). That byte
// is sent in the clear, so the check also works on a still-protected
// buffer, which is how secureDatagramDemux uses it.
func isRTCPPacketType(unprotected []byte) bool {
	if len(unprotected) < 2 {
		return false
	}
	return matchByteRange(unprotected[1], 200, 223)
}

// demuxer holds the two lookup tables spec §4.4 requires plus a learned
// SSRC map, and resolves an inbound RTP packet to the transceiver and
// (for simulcast) RID it belongs to.
type demuxer struct {
	mu sync.RWMutex

	midExtensionID int // 0 if no MID extension negotiated

	payloadTypeToMid map[PayloadType]string
	ssrcToMid        map[SSRC]string
	midToTransceiver map[string]*RTPTransceiver
}

func newDemuxer() *demuxer {
	return &demuxer{
		payloadTypeToMid: map[PayloadType]string{},
		ssrcToMid:        map[SSRC]string{},
		midToTransceiver: map[string]*RTPTransceiver{},
	}
}

// rebuild recomputes the PT and MID tables from the current transceiver
// list and the negotiated MID extension id (learned SSRCs are kept), per spec §4.1's "finalizes the
// demuxer's MID<->PT and extension-ID tables" step performed when a
// set_*_description(answer) call completes.
func (d *demuxer) rebuild(transceivers []*RTPTransceiver) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.payloadTypeToMid = map[PayloadType]string{}
	d.midToTransceiver = map[string]*RTPTransceiver{}
	d.midExtensionID = 0

	for _, t := range transceivers {
		mid := t.Mid()
		if mid == "" || t.Stopped() {
			continue
		}
		d.midToTransceiver[mid] = t
		for _, c := range t.Codecs() {
			d.payloadTypeToMid[c.PayloadType] = mid
		}
		if id, ok := t.midExtensionID(); ok && d.midExtensionID == 0 {
			d.midExtensionID = id
		}
	}
}

// learnSSRC records that ssrc belongs to mid, either because it was
// resolved via MID/PT on a prior packet or learned from an SDP "a=ssrc"
// line (spec §4.4).
func (d *demuxer) learnSSRC(ssrc SSRC, mid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ssrcToMid[ssrc] = mid
}

// route resolves pkt to a transceiver and RID, trying MID extension,
// then payload type, then learned SSRC, in that order (spec §4.4).
func (d *demuxer) route(pkt *rtp.Packet) (*RTPTransceiver, string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var mid string
	var rid string

	if d.midExtensionID != 0 {
		if ext := pkt.GetExtension(uint8(d.midExtensionID)); ext != nil {
			mid = string(ext)
		}
	}

	if mid == "" {
		if m, ok := d.payloadTypeToMid[PayloadType(pkt.PayloadType)]; ok {
			mid = m
		}
	}
	if mid == "" {
		if m, ok := d.ssrcToMid[SSRC(pkt.SSRC)]; ok {
			mid = m
		}
	}
	if mid == "" {
		return nil, "", &OperationError{Err: ErrUnknownMID}
	}

	t, ok := d.midToTransceiver[mid]
	if !ok {
		return nil, "", &OperationError{Err: ErrUnknownMID}
	}

	for _, ext := range t.HeaderExtensions() {
		if ext.URI == sdesRTPStreamIDURI {
			if raw := pkt.GetExtension(uint8(ext.ID)); raw != nil {
				rid = string(raw)
			}
		}
	}

	return t, rid, nil
}
