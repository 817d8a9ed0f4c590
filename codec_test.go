package webrtc

import "testing"

func TestRegisterDefaultCodecs(t *testing.T) {
	m := &MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}

	audio := m.codecsForKind(RTPCodecTypeAudio)
	if len(audio) != 1 || audio[0].MimeType != mimeTypeOpus {
		t.Errorf("audio codecs = %+v, want one Opus entry", audio)
	}

	video := m.codecsForKind(RTPCodecTypeVideo)
	if len(video) != 2 {
		t.Fatalf("video codecs = %+v, want VP8 + RTX", video)
	}
	if video[0].MimeType != mimeTypeVP8 || video[0].PayloadType != 96 {
		t.Errorf("video[0] = %+v, want VP8/96", video[0])
	}
	if video[1].MimeType != mimeTypeRTX || video[1].SDPFmtpLine != "apt=96" {
		t.Errorf("video[1] = %+v, want rtx/apt=96", video[1])
	}

	uris := m.headerExtensionURIs()
	if len(uris) != 3 {
		t.Errorf("headerExtensionURIs() = %v, want 3 entries", uris)
	}
}

func TestRegisterHeaderExtensionDeduplicates(t *testing.T) {
	m := &MediaEngine{}
	if err := m.RegisterHeaderExtension(RTPHeaderExtensionCapability{URI: sdesMIDURI}); err != nil {
		t.Fatalf("RegisterHeaderExtension: %v", err)
	}
	if err := m.RegisterHeaderExtension(RTPHeaderExtensionCapability{URI: sdesMIDURI}); err != nil {
		t.Fatalf("RegisterHeaderExtension (dup): %v", err)
	}
	if got := m.headerExtensionURIs(); len(got) != 1 {
		t.Errorf("headerExtensionURIs() = %v, want a single deduplicated entry", got)
	}
}

func TestRegisterCodecUnknownTypeErrors(t *testing.T) {
	m := &MediaEngine{}
	if err := m.RegisterCodec(RTPCodecParameters{}, RTPCodecType(0)); err == nil {
		t.Error("expected an error registering a codec with an unknown RTPCodecType")
	}
}

func TestCodecByPayloadType(t *testing.T) {
	m := &MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}

	codec, kind, ok := m.codecByPayloadType(96)
	if !ok || kind != RTPCodecTypeVideo || codec.MimeType != mimeTypeVP8 {
		t.Errorf("codecByPayloadType(96) = %+v,%v,%v, want VP8/video/true", codec, kind, ok)
	}

	codec, kind, ok = m.codecByPayloadType(111)
	if !ok || kind != RTPCodecTypeAudio || codec.MimeType != mimeTypeOpus {
		t.Errorf("codecByPayloadType(111) = %+v,%v,%v, want Opus/audio/true", codec, kind, ok)
	}

	if _, _, ok := m.codecByPayloadType(200); ok {
		t.Error("codecByPayloadType(200) should report not found")
	}
}

func TestMatchCodec(t *testing.T) {
	local := []RTPCodecParameters{
		{RTPCodecCapability: RTPCodecCapability{MimeType: mimeTypeOpus, ClockRate: 48000, Channels: 2}, PayloadType: 111},
	}
	if _, ok := matchCodec(local, "audio/opus", 48000, 2); !ok {
		t.Error("matchCodec should match identical mime/clock/channels")
	}
	if _, ok := matchCodec(local, "AUDIO/OPUS", 48000, 2); !ok {
		t.Error("matchCodec should be case-insensitive on mime type")
	}
	if _, ok := matchCodec(local, "audio/opus", 48000, 0); !ok {
		t.Error("matchCodec should treat a zero remote channel count as a wildcard")
	}
	if _, ok := matchCodec(local, "audio/opus", 16000, 2); ok {
		t.Error("matchCodec should not match on a differing clock rate")
	}
	if _, ok := matchCodec(local, "audio/opus", 48000, 1); ok {
		t.Error("matchCodec should not match on a differing channel count")
	}
}

func TestRtxApt(t *testing.T) {
	pt, ok := rtxApt("apt=96")
	if !ok || pt != 96 {
		t.Errorf("rtxApt(apt=96) = %d,%v, want 96,true", pt, ok)
	}
	if _, ok := rtxApt("minptime=10"); ok {
		t.Error("rtxApt should reject fmtp lines without an apt= prefix")
	}
	if _, ok := rtxApt("apt=notanumber"); ok {
		t.Error("rtxApt should reject a non-numeric apt value")
	}
}

func TestIntersectFeedback(t *testing.T) {
	a := []RTCPFeedback{{"nack", ""}, {"nack", "pli"}, {"goog-remb", ""}}
	b := []RTCPFeedback{{"nack", ""}, {"nack", "pli"}, {"ccm", "fir"}}
	got := intersectFeedback(a, b)
	if len(got) != 2 {
		t.Fatalf("intersectFeedback = %+v, want 2 entries", got)
	}
	if got[0] != (RTCPFeedback{"nack", ""}) || got[1] != (RTCPFeedback{"nack", "pli"}) {
		t.Errorf("intersectFeedback = %+v, want [nack/ nack/pli]", got)
	}
}
