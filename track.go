package webrtc

import "github.com/google/uuid"

// Track is an opaque identifier + kind handle exposed to the user (spec
// §3). Bitstream encoding/decoding is out of scope; packet delivery is
// keyed on (transceiver, RID), not on the track itself, so Track carries
// only the metadata a caller needs to route send_rtp calls and recognize
// inbound "track" events.
type Track struct {
	ID        string
	Kind      RTPCodecType
	StreamIDs []string
	RIDs      []string
}

// NewTrack creates a Track with a fresh stable identity.
func NewTrack(kind RTPCodecType, streamIDs ...string) *Track {
	return &Track{ID: uuid.NewString(), Kind: kind, StreamIDs: streamIDs}
}

// TrackRemote is the inbound counterpart exposed through a Receiver once
// it has been associated by negotiation, keyed additionally by the
// simulcast RID for multi-encoding receivers (SPEC_FULL.md §C.1).
type TrackRemote struct {
	ID        string
	Kind      RTPCodecType
	RID       string
	StreamID  string

	ssrc uint32
}

// SSRC returns the SSRC of the first inbound packet seen on this remote
// track, 0 before any packet has arrived.
func (t *TrackRemote) SSRC() SSRC { return SSRC(t.ssrc) }
