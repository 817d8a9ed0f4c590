package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/webrtcgo/engine/internal/jitterbuffer"
)

const nackReceiveLogSize = 8192
const nackSkipLastN = 5

// jitterBufferLatency is how long a reordered packet waits for its
// predecessors before being flushed anyway (spec §4.7).
const jitterBufferLatency = 50 * time.Millisecond

// rtpPacketEvent is delivered to the PeerConnection's notification
// channel for every inbound RTP packet (spec §4.1 "rtp(track_id, rid,
// packet)").
type rtpPacketEvent struct {
	trackID string
	rid     string
	packet  *rtp.Packet
}

// RTPReceiver is owned by a transceiver and encapsulates one (or, for
// simulcast, several RID-keyed) inbound RTP stream(s): codec
// verification, counters, and NACK generation (spec §3/§4.3).
type RTPReceiver struct {
	mu sync.RWMutex

	id   string
	kind RTPCodecType

	codec RTPCodecParameters

	tracks map[string]*TrackRemote // keyed by RID, "" for non-simulcast
	nacks  map[string]*nackReceiveLog

	jitters map[string]*jitterbuffer.JitterBuffer
	timers  map[string]*time.Timer

	recorder *reportRecorder

	packetsReceived  uint64
	bytesReceived    uint64
	droppedWrongPT   uint64

	stopped bool

	onRTP func(rtpPacketEvent)
}

func newRTPReceiver(id string, kind RTPCodecType) *RTPReceiver {
	return &RTPReceiver{
		id:      id,
		kind:    kind,
		tracks:  map[string]*TrackRemote{},
		nacks:   map[string]*nackReceiveLog{},
		jitters: map[string]*jitterbuffer.JitterBuffer{},
		timers:  map[string]*time.Timer{},
	}
}

func (r *RTPReceiver) ID() string { return r.id }

// setOnRTP wires the callback handleRTP dispatches every accepted packet
// to (spec §4.1 "rtp(track_id, rid, packet)"), set by the owning
// PeerConnection once negotiation associates this receiver.
func (r *RTPReceiver) setOnRTP(f func(rtpPacketEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRTP = f
}

func (r *RTPReceiver) setNegotiated(codec RTPCodecParameters, ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec = codec
	if r.recorder == nil {
		r.recorder = newReportRecorder(ssrc)
	}
	if _, ok := r.tracks[""]; !ok {
		r.tracks[""] = &TrackRemote{ID: r.id, Kind: r.kind, ssrc: ssrc}
	}
}

// Track returns the non-simulcast inbound track, or nil before
// negotiation has associated one.
func (r *RTPReceiver) Track() *TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracks[""]
}

// TrackForRID returns (creating if necessary) the simulcast-layer track
// for the given RID.
func (r *RTPReceiver) TrackForRID(rid string) *TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tracks[rid]; ok {
		return t
	}
	t := &TrackRemote{ID: r.id, Kind: r.kind, RID: rid}
	r.tracks[rid] = t
	return t
}

func (r *RTPReceiver) stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for rid, t := range r.timers {
		t.Stop()
		delete(r.timers, rid)
	}
	return nil
}

// handleRTP verifies the payload type, updates counters/report recorder,
// feeds the per-RID NACK generator, and dispatches to onRTP (spec §4.3:
// "verify payload type matches negotiated codec (log+drop on mismatch),
// update counters ..., feed the NACK generator").
func (r *RTPReceiver) handleRTP(pkt *rtp.Packet, rid string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.codec.PayloadType != 0 && PayloadType(pkt.PayloadType) != r.codec.PayloadType {
		r.droppedWrongPT++
		r.mu.Unlock()
		return
	}

	track, ok := r.tracks[rid]
	if !ok {
		track = &TrackRemote{ID: r.id, Kind: r.kind, RID: rid}
		r.tracks[rid] = track
	}
	if track.ssrc == 0 {
		track.ssrc = pkt.SSRC
	}

	log, ok := r.nacks[rid]
	if !ok {
		var err error
		log, err = newNackReceiveLog(nackReceiveLogSize)
		if err == nil {
			r.nacks[rid] = log
		}
	}
	if log != nil {
		log.add(pkt.SequenceNumber)
	}

	r.packetsReceived++
	r.bytesReceived += uint64(len(pkt.Payload))
	recorder := r.recorder
	trackID := track.ID

	jb, ok := r.jitters[rid]
	if !ok {
		jb = jitterbuffer.New(jitterBufferLatency)
		r.jitters[rid] = jb
	}
	toEmit, nextTimerMs, state := jb.Insert(pkt, time.Now())
	r.mu.Unlock()

	if recorder != nil {
		recorder.recordReceive(pkt.SequenceNumber, len(pkt.Payload))
	}
	r.emitOrdered(trackID, rid, toEmit)
	if state != jitterbuffer.StateTimerNotSet {
		r.rescheduleJitterTimer(rid, nextTimerMs)
	}
}

// emitOrdered dispatches packets the jitter buffer released, in the order
// it released them, to onRTP (spec §4.1 "rtp(track_id, rid, packet)").
func (r *RTPReceiver) emitOrdered(trackID, rid string, pkts []*rtp.Packet) {
	if len(pkts) == 0 {
		return
	}
	r.mu.RLock()
	onRTP := r.onRTP
	r.mu.RUnlock()
	if onRTP == nil {
		return
	}
	for _, p := range pkts {
		onRTP(rtpPacketEvent{trackID: trackID, rid: rid, packet: p})
	}
}

// rescheduleJitterTimer arms (or cancels) the per-RID timer that drives
// the jitter buffer's HandleTimeout, implementing the "host is responsible
// for firing handle_timeout" half of spec §4.7's state machine contract.
func (r *RTPReceiver) rescheduleJitterTimer(rid string, nextTimerMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[rid]; ok {
		t.Stop()
		delete(r.timers, rid)
	}
	if jb, ok := r.jitters[rid]; !ok || jb.Len() == 0 {
		return
	}
	r.timers[rid] = time.AfterFunc(time.Duration(nextTimerMs)*time.Millisecond, func() {
		r.handleJitterTimeout(rid)
	})
}

func (r *RTPReceiver) handleJitterTimeout(rid string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	jb, ok := r.jitters[rid]
	if !ok {
		r.mu.Unlock()
		return
	}
	trackID := r.id
	if track, ok := r.tracks[rid]; ok {
		trackID = track.ID
	}
	toEmit, nextTimerMs, _ := jb.HandleTimeout(time.Now())
	r.mu.Unlock()

	r.emitOrdered(trackID, rid, toEmit)
	r.rescheduleJitterTimer(rid, nextTimerMs)
}

// pendingNACKs returns the sequence numbers currently missing for rid, to
// be batched into an RTCP NACK every ~100ms (spec §4.3). Nothing is reset
// between calls: a number is listed again on every call until it arrives
// or leaves the receive log.
func (r *RTPReceiver) pendingNACKs(rid string) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log, ok := r.nacks[rid]
	if !ok {
		return nil
	}
	return log.missingSeqNumbers(nackSkipLastN)
}

// Stats returns a snapshot of this receiver's inbound counters (spec §4.3
// counters, surfaced per SPEC_FULL.md §C.4).
func (r *RTPReceiver) Stats() InboundRTPStreamStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return InboundRTPStreamStats{
		PacketsReceived: r.packetsReceived,
		BytesReceived:   r.bytesReceived,
		PacketsDropped:  r.droppedWrongPT,
	}
}

func (r *RTPReceiver) buildReceiverReport() *rtcp.ReceptionReport {
	r.mu.RLock()
	recorder := r.recorder
	r.mu.RUnlock()
	if recorder == nil {
		return nil
	}
	rr := recorder.receiverReport()
	return &rr
}
