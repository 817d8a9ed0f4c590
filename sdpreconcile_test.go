package webrtc

import (
	"testing"

	pionsdp "github.com/pion/sdp/v3"
)

func attr(key, value string) pionsdp.Attribute { return pionsdp.Attribute{Key: key, Value: value} }

func videoMediaSection(mid string, attrs ...pionsdp.Attribute) *pionsdp.MediaDescription {
	base := []pionsdp.Attribute{
		attr(pionsdp.AttrKeyMID, mid),
		attr("rtpmap", "96 VP8/90000"),
		attr("rtcp-fb", "96 nack"),
		attr("rtcp-fb", "96 nack pli"),
		attr("rtpmap", "97 rtx/90000"),
		attr("fmtp", "97 apt=96"),
	}
	return &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   "video",
			Port:    pionsdp.RangedPort{Value: 9},
			Formats: []string{"96", "97"},
		},
		Attributes: append(base, attrs...),
	}
}

func newTestMediaEngine(t *testing.T) *MediaEngine {
	t.Helper()
	m := &MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	return m
}

func TestParseRemoteCodecs(t *testing.T) {
	media := videoMediaSection("0")
	descs := parseRemoteCodecs(RTPCodecTypeVideo, media)
	if len(descs) != 2 {
		t.Fatalf("len(descs) = %d, want 2", len(descs))
	}

	primary := descs[0]
	if primary.pt != 96 || primary.mimeType != "video/VP8" || primary.clockRate != 90000 {
		t.Errorf("primary descriptor = %+v, want pt=96 mimeType=video/VP8 clockRate=90000", primary)
	}
	if len(primary.feedback) != 2 {
		t.Errorf("len(feedback) = %d, want 2", len(primary.feedback))
	}

	rtx := descs[1]
	if rtx.pt != 97 || !rtx.isRTX || rtx.rtxAptOf != 96 {
		t.Errorf("rtx descriptor = %+v, want pt=97 isRTX=true rtxAptOf=96", rtx)
	}
}

func TestNegotiateCodecsKeepsRemotePayloadTypeAndIntersectsFeedback(t *testing.T) {
	engine := newTestMediaEngine(t)
	media := videoMediaSection("0")

	primary, rtxByPT := negotiateCodecs(engine, RTPCodecTypeVideo, media)
	if len(primary) != 1 {
		t.Fatalf("len(primary) = %d, want 1", len(primary))
	}
	if primary[0].PayloadType != 96 {
		t.Errorf("PayloadType = %d, want 96 (remote's numbering)", primary[0].PayloadType)
	}
	// Local VP8 offers goog-remb/ccm-fir/nack/nack-pli; remote only offered
	// nack/nack-pli, so the intersection should drop goog-remb and ccm.
	if len(primary[0].RTCPFeedback) != 2 {
		t.Errorf("len(RTCPFeedback) = %d, want 2 (intersection)", len(primary[0].RTCPFeedback))
	}

	rtx, ok := rtxByPT[96]
	if !ok {
		t.Fatalf("no RTX codec paired to primary PT 96")
	}
	if rtx.PayloadType != 97 {
		t.Errorf("rtx PayloadType = %d, want 97", rtx.PayloadType)
	}
}

func TestNegotiateCodecsDropsUnmatchedRemoteCodec(t *testing.T) {
	engine := newTestMediaEngine(t)
	media := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{Media: "video", Port: pionsdp.RangedPort{Value: 9}, Formats: []string{"100"}},
		Attributes: []pionsdp.Attribute{
			attr(pionsdp.AttrKeyMID, "0"),
			attr("rtpmap", "100 H265/90000"),
		},
	}
	primary, _ := negotiateCodecs(engine, RTPCodecTypeVideo, media)
	if len(primary) != 0 {
		t.Errorf("len(primary) = %d, want 0 for an unregistered codec", len(primary))
	}
}

func newSessionDescription(sections ...*pionsdp.MediaDescription) *pionsdp.SessionDescription {
	return &pionsdp.SessionDescription{MediaDescriptions: sections}
}

func TestReconcileRemoteDescriptionCreatesTransceiverForNewMID(t *testing.T) {
	engine := newTestMediaEngine(t)
	remote := newSessionDescription(videoMediaSection("0"))

	nextID := 0
	idFn := func() string { nextID++; return "id" + string(rune('0'+nextID)) }

	out, err := reconcileRemoteDescription(nil, remote, engine, idFn)
	if err != nil {
		t.Fatalf("reconcileRemoteDescription: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Mid() != "0" {
		t.Errorf("Mid() = %q, want %q", out[0].Mid(), "0")
	}
	if len(out[0].Codecs()) != 1 {
		t.Errorf("Codecs() len = %d, want 1", len(out[0].Codecs()))
	}
	if out[0].Sender().RTXCodec() == nil {
		t.Errorf("expected RTX codec to be paired onto the sender")
	}
}

func TestReconcileRemoteDescriptionAssociatesAddTrackTransceiver(t *testing.T) {
	engine := newTestMediaEngine(t)
	sender, err := newRTPSender("s1", nil)
	if err != nil {
		t.Fatalf("newRTPSender: %v", err)
	}
	receiver := newRTPReceiver("r1", RTPCodecTypeVideo)
	pending := newRTPTransceiver("t1", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, sender, receiver)
	pending.addedByAddTrack = true

	remote := newSessionDescription(videoMediaSection("0"))
	out, err := reconcileRemoteDescription([]*RTPTransceiver{pending}, remote, engine, func() string { return "unused" })
	if err != nil {
		t.Fatalf("reconcileRemoteDescription: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (no new transceiver should be created)", len(out))
	}
	if out[0] != pending {
		t.Errorf("reconcileRemoteDescription should have associated the existing add_track transceiver")
	}
	if pending.Mid() != "0" {
		t.Errorf("Mid() = %q, want %q", pending.Mid(), "0")
	}
}

func TestReconcileRemoteDescriptionStopsRejectedSection(t *testing.T) {
	engine := newTestMediaEngine(t)
	media := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{Media: "video", Port: pionsdp.RangedPort{Value: 0}, Formats: []string{"0"}},
		Attributes: []pionsdp.Attribute{attr(pionsdp.AttrKeyMID, "0")},
	}
	remote := newSessionDescription(media)

	out, err := reconcileRemoteDescription(nil, remote, engine, func() string { return "x" })
	if err != nil {
		t.Fatalf("reconcileRemoteDescription: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if !out[0].Stopped() && !out[0].isStopping() {
		t.Errorf("a rejected media section should stop its transceiver")
	}
}

func TestReconcileRemoteDescriptionMissingMidErrors(t *testing.T) {
	engine := newTestMediaEngine(t)
	media := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{Media: "video", Port: pionsdp.RangedPort{Value: 9}, Formats: []string{"96"}},
	}
	remote := newSessionDescription(media)
	if _, err := reconcileRemoteDescription(nil, remote, engine, func() string { return "x" }); err == nil {
		t.Error("expected an error for a media section with no a=mid")
	}
}

func TestFindAssociableTransceiver(t *testing.T) {
	sender, _ := newRTPSender("s", nil)
	receiver := newRTPReceiver("r", RTPCodecTypeVideo)

	notAdded := newRTPTransceiver("1", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, sender, receiver)
	wrongKind := newRTPTransceiver("2", RTPCodecTypeAudio, RTPTransceiverDirectionSendrecv, sender, receiver)
	wrongKind.addedByAddTrack = true
	sendonlyCantRecv := newRTPTransceiver("3", RTPCodecTypeVideo, RTPTransceiverDirectionSendonly, sender, receiver)
	sendonlyCantRecv.addedByAddTrack = true
	good := newRTPTransceiver("4", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, sender, receiver)
	good.addedByAddTrack = true

	got := findAssociableTransceiver([]*RTPTransceiver{notAdded, wrongKind, sendonlyCantRecv, good}, RTPCodecTypeVideo)
	if got != good {
		t.Errorf("findAssociableTransceiver picked the wrong transceiver")
	}
}

func TestRemoveStoppedTransceivers(t *testing.T) {
	stopped := newRTPTransceiver("1", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, nil, nil)
	stopped.setMLineIndex(2)
	stopped.Stop()
	stopped.finalizeStop()

	kept := newRTPTransceiver("2", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, nil, nil)

	out, freed := removeStoppedTransceivers([]*RTPTransceiver{stopped, kept}, nil)
	if len(out) != 1 || out[0] != kept {
		t.Errorf("removeStoppedTransceivers should keep only the non-stopped transceiver")
	}
	if len(freed) != 1 || freed[0] != 2 {
		t.Errorf("freed = %v, want [2]", freed)
	}
}

func TestAllocateMID(t *testing.T) {
	a := newRTPTransceiver("1", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, nil, nil)
	a.setMid("0")
	b := newRTPTransceiver("2", RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv, nil, nil)
	b.setMid("2")

	got := allocateMID([]*RTPTransceiver{a, b}, nil)
	if got != "3" {
		t.Errorf("allocateMID = %q, want %q", got, "3")
	}
}

func TestAllocateMIDConsidersRemoteDescription(t *testing.T) {
	remote := newSessionDescription(videoMediaSection("5"))
	got := allocateMID(nil, remote)
	if got != "6" {
		t.Errorf("allocateMID = %q, want %q", got, "6")
	}
}
