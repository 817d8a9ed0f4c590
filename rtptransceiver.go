package webrtc

import "sync"

// RTPTransceiver is the fundamental unit of media negotiation: a
// sender/receiver pair associated with at most one m-line (spec §3).
type RTPTransceiver struct {
	mu sync.RWMutex

	id   string
	kind RTPCodecType

	mid        string
	mLineIndex int
	hasMLine   bool

	direction        RTPTransceiverDirection
	currentDirection RTPTransceiverDirection
	hasCurrent       bool
	firedDirection   RTPTransceiverDirection
	hasFired         bool

	codecs           []RTPCodecParameters
	headerExtensions []RTPHeaderExtensionParameter

	sender   *RTPSender
	receiver *RTPReceiver

	stopping bool
	stopped  bool

	addedByAddTrack bool
}

func newRTPTransceiver(id string, kind RTPCodecType, direction RTPTransceiverDirection, sender *RTPSender, receiver *RTPReceiver) *RTPTransceiver {
	return &RTPTransceiver{
		id:        id,
		kind:      kind,
		direction: direction,
		sender:    sender,
		receiver:  receiver,
	}
}

// Mid returns the transceiver's MID, or "" if not yet assigned.
func (t *RTPTransceiver) Mid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mid
}

// setMid assigns the transceiver's MID. Per spec §3 this must only ever
// happen once ("MID is immutable after assignment").
func (t *RTPTransceiver) setMid(mid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	assertf(t.mid == "", "MID reassigned on transceiver %s: %s -> %s", t.id, t.mid, mid)
	t.mid = mid
}

func (t *RTPTransceiver) Kind() RTPCodecType { return t.kind }

// MLineIndex returns the m-line slot this transceiver currently occupies,
// and whether it has ever been associated with one.
func (t *RTPTransceiver) MLineIndex() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mLineIndex, t.hasMLine
}

func (t *RTPTransceiver) setMLineIndex(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mLineIndex = i
	t.hasMLine = true
}

func (t *RTPTransceiver) Direction() RTPTransceiverDirection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.direction
}

func (t *RTPTransceiver) setDirection(d RTPTransceiverDirection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direction = d
}

func (t *RTPTransceiver) CurrentDirection() (RTPTransceiverDirection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentDirection, t.hasCurrent
}

func (t *RTPTransceiver) setCurrentDirection(d RTPTransceiverDirection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentDirection = d
	t.hasCurrent = true
}

// clearCurrentDirection implements spec §3's "stopped ⇒ current_direction
// = nil" invariant.
func (t *RTPTransceiver) clearCurrentDirection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasCurrent = false
}

func (t *RTPTransceiver) Sender() *RTPSender     { return t.sender }
func (t *RTPTransceiver) Receiver() *RTPReceiver { return t.receiver }

func (t *RTPTransceiver) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

// Stop marks the transceiver stopping; it is fully removed from the
// PeerConnection's list at the next completed negotiation (spec §3).
func (t *RTPTransceiver) Stop() {
	t.mu.Lock()
	t.stopping = true
	t.mu.Unlock()

	if s := t.Sender(); s != nil {
		_ = s.Stop()
	}
	if r := t.Receiver(); r != nil {
		_ = r.stop()
	}
}

// finalizeStop transitions stopping -> stopped and clears direction,
// called once the negotiation that observed the stop completes.
func (t *RTPTransceiver) finalizeStop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.clearCurrentDirection()
}

func (t *RTPTransceiver) isStopping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopping
}

func (t *RTPTransceiver) setCodecs(codecs []RTPCodecParameters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codecs = codecs
}

func (t *RTPTransceiver) Codecs() []RTPCodecParameters {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.codecs
}

func (t *RTPTransceiver) setHeaderExtensions(exts []RTPHeaderExtensionParameter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headerExtensions = exts
}

func (t *RTPTransceiver) HeaderExtensions() []RTPHeaderExtensionParameter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.headerExtensions
}

// markFired records d as the direction last reported to the track/
// track_muted notifications and returns what was previously recorded, so
// the caller can tell whether this is a rising or falling edge on "has a
// receiving direction" (spec §3/§4.1).
func (t *RTPTransceiver) markFired(d RTPTransceiverDirection) (prev RTPTransceiverDirection, hadFired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, hadFired = t.firedDirection, t.hasFired
	t.firedDirection = d
	t.hasFired = true
	return prev, hadFired
}

func (t *RTPTransceiver) midExtensionID() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.headerExtensions {
		if e.URI == sdesMIDURI {
			return e.ID, true
		}
	}
	return 0, false
}
