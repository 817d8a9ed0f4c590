package webrtc

import (
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// remoteCodecDescriptor is one rtpmap/fmtp/rtcp-fb cluster parsed out of a
// remote media section, still in the remote's own payload-type numbering.
type remoteCodecDescriptor struct {
	pt         PayloadType
	mimeType   string
	clockRate  uint32
	channels   uint16
	fmtp       string
	feedback   []RTCPFeedback
	isRTX      bool
	rtxAptOf   PayloadType
}

func parseRemoteCodecs(kind RTPCodecType, media *pionsdp.MediaDescription) []remoteCodecDescriptor {
	byPT := map[PayloadType]*remoteCodecDescriptor{}
	var order []PayloadType

	get := func(pt PayloadType) *remoteCodecDescriptor {
		if d, ok := byPT[pt]; ok {
			return d
		}
		d := &remoteCodecDescriptor{pt: pt}
		byPT[pt] = d
		order = append(order, pt)
		return d
	}

	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap":
			fields := strings.SplitN(attr.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			pt, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			parts := strings.Split(fields[1], "/")
			d := get(PayloadType(pt))
			d.mimeType = kind.String() + "/" + parts[0]
			d.isRTX = strings.EqualFold(parts[0], "rtx")
			if len(parts) > 1 {
				if clock, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
					d.clockRate = uint32(clock)
				}
			}
			if len(parts) > 2 {
				if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
					d.channels = uint16(ch)
				}
			}

		case "fmtp":
			fields := strings.SplitN(attr.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			pt, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			d := get(PayloadType(pt))
			d.fmtp = fields[1]
			if apt, ok := rtxApt(fields[1]); ok {
				d.rtxAptOf = apt
			}

		case "rtcp-fb":
			fields := strings.SplitN(attr.Value, " ", 2)
			if len(fields) != 2 {
				continue
			}
			pt, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			d := get(PayloadType(pt))
			fbParts := strings.SplitN(fields[1], " ", 2)
			fb := RTCPFeedback{Type: fbParts[0]}
			if len(fbParts) == 2 {
				fb.Parameter = fbParts[1]
			}
			d.feedback = append(d.feedback, fb)
		}
	}

	out := make([]remoteCodecDescriptor, 0, len(order))
	for _, pt := range order {
		out = append(out, *byPT[pt])
	}
	return out
}

func parseRemoteHeaderExtensions(media *pionsdp.MediaDescription) []RTPHeaderExtensionParameter {
	var out []RTPHeaderExtensionParameter
	for _, attr := range media.Attributes {
		if attr.Key != "extmap" {
			continue
		}
		em := &pionsdp.ExtMap{}
		if err := em.Unmarshal("extmap:" + attr.Value); err != nil {
			continue
		}
		out = append(out, RTPHeaderExtensionParameter{ID: em.Value, URI: em.URI.String()})
	}
	return out
}

// negotiateCodecs matches remote codecs against the MediaEngine, keeping
// the remote's payload-type numbering and intersecting RTCP feedback
// (spec §4.2: "Payload types adopt the remote's numbering for
// compatibility"). It returns the primary (non-RTX) negotiated codecs and,
// separately, the RTX codec paired to each by "apt=".
func negotiateCodecs(engine *MediaEngine, kind RTPCodecType, media *pionsdp.MediaDescription) (primary []RTPCodecParameters, rtxByPrimaryPT map[PayloadType]RTPCodecParameters) {
	remote := parseRemoteCodecs(kind, media)
	local := engine.codecsForKind(kind)
	rtxByPrimaryPT = map[PayloadType]RTPCodecParameters{}

	for _, d := range remote {
		if d.isRTX {
			continue
		}
		localMatch, ok := matchCodec(local, d.mimeType, d.clockRate, d.channels)
		if !ok {
			continue
		}
		negotiated := RTPCodecParameters{
			RTPCodecCapability: RTPCodecCapability{
				MimeType:     d.mimeType,
				ClockRate:    d.clockRate,
				Channels:     d.channels,
				SDPFmtpLine:  d.fmtp,
				RTCPFeedback: intersectFeedback(localMatch.RTCPFeedback, d.feedback),
			},
			PayloadType: d.pt,
		}
		primary = append(primary, negotiated)
	}

	for _, d := range remote {
		if !d.isRTX || d.rtxAptOf == 0 {
			continue
		}
		localRTX, ok := matchCodec(local, d.mimeType, d.clockRate, d.channels)
		if !ok {
			continue
		}
		rtxByPrimaryPT[d.rtxAptOf] = RTPCodecParameters{
			RTPCodecCapability: RTPCodecCapability{
				MimeType:    localRTX.MimeType,
				ClockRate:   d.clockRate,
				SDPFmtpLine: d.fmtp,
			},
			PayloadType: d.pt,
		}
	}
	return primary, rtxByPrimaryPT
}

// reconcileRemoteDescription is the pure function described in spec
// §4.2: given the current transceiver list and a parsed remote
// description, it returns the transceiver list to use going forward,
// associating, creating, or marking-rejected as needed. It never removes
// a transceiver outright; removal of stopped transceivers happens when a
// negotiation completes, which is the orchestrator's job
// (peerconnection.go), not the reconciler's.
func reconcileRemoteDescription(transceivers []*RTPTransceiver, remote *pionsdp.SessionDescription, engine *MediaEngine, newTransceiverID func() string) ([]*RTPTransceiver, error) {
	byMid := map[string]*RTPTransceiver{}
	for _, t := range transceivers {
		if mid := t.Mid(); mid != "" {
			byMid[mid] = t
		}
	}

	for i, media := range remote.MediaDescriptions {
		if media.MediaName.Media == mediaSectionApplication {
			continue
		}
		kind := NewRTPCodecType(media.MediaName.Media)
		if kind == 0 {
			continue
		}

		mid := getMidValue(media)
		if mid == "" {
			return nil, &InvalidAccessError{Err: ErrMissingMID}
		}

		t, existed := byMid[mid]
		if !existed {
			t = findAssociableTransceiver(transceivers, kind)
			if t != nil {
				t.setMid(mid)
			} else {
				sender, err := newRTPSender(newTransceiverID(), nil)
				if err != nil {
					return nil, err
				}
				receiver := newRTPReceiver(newTransceiverID(), kind)
				t = newRTPTransceiver(newTransceiverID(), kind, RTPTransceiverDirectionRecvonly, sender, receiver)
				t.setMid(mid)
				transceivers = append(transceivers, t)
			}
			byMid[mid] = t
		}

		t.setMLineIndex(i)

		primary, rtxByPT := negotiateCodecs(engine, kind, media)
		t.setCodecs(primary)
		t.setHeaderExtensions(parseRemoteHeaderExtensions(media))
		if len(primary) > 0 {
			if rtx, ok := rtxByPT[primary[0].PayloadType]; ok {
				t.Sender().setRTXCodec(&rtx)
			}
		}

		if isRejectedMediaSection(media) {
			t.Stop()
			continue
		}

		offered := getPeerDirection(media)
		t.setDirection(directionMeet(offered, t.Direction()))
	}

	return transceivers, nil
}

// findAssociableTransceiver implements spec §4.2 step 2: a transceiver
// created by add_track, with no MID yet, not stopped, kind-matching, and
// whose direction still permits receiving.
func findAssociableTransceiver(transceivers []*RTPTransceiver, kind RTPCodecType) *RTPTransceiver {
	for _, t := range transceivers {
		if t.Kind() != kind {
			continue
		}
		if !t.addedByAddTrack {
			continue
		}
		if t.Mid() != "" {
			continue
		}
		if t.Stopped() || t.isStopping() {
			continue
		}
		d := t.Direction()
		if d == RTPTransceiverDirectionSendrecv || d == RTPTransceiverDirectionRecvonly {
			return t
		}
	}
	return nil
}

// removeStoppedTransceivers implements the second half of spec §3's
// "a stopped transceiver is removed from the list at the next completed
// negotiation": every transceiver already marked stopped is dropped from
// the list here, and its m-line index is appended to freed so a later
// allocation can recycle the slot. finalizeNegotiationLocked marks
// stopped, just before calling this, each transceiver that was stopping
// when the answer committed (its m-line was offered and answered with
// port 0), so such a transceiver leaves the list in that same
// negotiation; its slot is reused by the next CreateOffer at the
// earliest.
func removeStoppedTransceivers(transceivers []*RTPTransceiver, freed []int) ([]*RTPTransceiver, []int) {
	kept := transceivers[:0]
	for _, t := range transceivers {
		if t.Stopped() {
			if index, has := t.MLineIndex(); has {
				freed = append(freed, index)
			}
			continue
		}
		kept = append(kept, t)
	}
	return kept, freed
}

// allocateMID assigns the smallest non-negative integer MID (as a
// string) greater than every MID already seen, parsing each existing MID
// as a decimal integer where possible (SPEC_FULL.md §D MID allocation
// rule resolution).
func allocateMID(transceivers []*RTPTransceiver, remote *pionsdp.SessionDescription) string {
	max := -1
	consider := func(mid string) {
		if n, err := strconv.Atoi(mid); err == nil && n > max {
			max = n
		}
	}
	for _, t := range transceivers {
		if mid := t.Mid(); mid != "" {
			consider(mid)
		}
	}
	if remote != nil {
		for _, m := range remote.MediaDescriptions {
			consider(getMidValue(m))
		}
	}
	return strconv.Itoa(max + 1)
}
