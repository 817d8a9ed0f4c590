package webrtc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	mimeTypeH264 = "video/H264"
	mimeTypeOpus = "audio/opus"
	mimeTypeVP8  = "video/VP8"
	mimeTypeRTX  = "video/rtx"
)

// MediaEngine defines the codecs and RTP header extensions a
// PeerConnection will offer or accept. A MediaEngine must not be shared
// between PeerConnections (spec §5: no cross-connection sharing of owned
// resources); RegisterCodec/RegisterHeaderExtension and the lookups are
// guarded by an internal RWMutex.
type MediaEngine struct {
	mu sync.RWMutex

	videoCodecs, audioCodecs []RTPCodecParameters
	headerExtensions         []RTPHeaderExtensionCapability
}

// RegisterDefaultCodecs registers a fixed set of codecs: Opus (PT 111) for
// audio, VP8 (PT 96) for video paired with an RTX codec (PT 97) via
// "apt=96" per RFC 4588 (Opus gets no RTX codec), plus the MID/RID/repaired-RID header extensions. Per spec §1,
// this module negotiates a fixed codec set rather than full SDP codec
// offer flexibility.
func (m *MediaEngine) RegisterDefaultCodecs() error {
	if err := m.RegisterCodec(RTPCodecParameters{
		RTPCodecCapability: RTPCodecCapability{MimeType: mimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}, RTPCodecTypeAudio); err != nil {
		return err
	}

	videoFeedback := []RTCPFeedback{{"goog-remb", ""}, {"ccm", "fir"}, {"nack", ""}, {"nack", "pli"}}
	if err := m.RegisterCodec(RTPCodecParameters{
		RTPCodecCapability: RTPCodecCapability{MimeType: mimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        96,
	}, RTPCodecTypeVideo); err != nil {
		return err
	}
	if err := m.RegisterCodec(RTPCodecParameters{
		RTPCodecCapability: RTPCodecCapability{MimeType: mimeTypeRTX, ClockRate: 90000, SDPFmtpLine: "apt=96"},
		PayloadType:        97,
	}, RTPCodecTypeVideo); err != nil {
		return err
	}

	for _, ext := range []string{sdesMIDURI, sdesRTPStreamIDURI, sdesRepairedRIDURI} {
		if err := m.RegisterHeaderExtension(RTPHeaderExtensionCapability{URI: ext}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCodec adds codec to the set this MediaEngine will offer/accept.
func (m *MediaEngine) RegisterCodec(codec RTPCodecParameters, typ RTPCodecType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	codec.statsID = fmt.Sprintf("codec-%d-%d", typ, codec.PayloadType)
	switch typ {
	case RTPCodecTypeAudio:
		m.audioCodecs = append(m.audioCodecs, codec)
	case RTPCodecTypeVideo:
		m.videoCodecs = append(m.videoCodecs, codec)
	default:
		return &TypeError{Err: fmt.Errorf("unknown codec type %v", typ)}
	}
	return nil
}

// RegisterHeaderExtension adds a header extension URI this MediaEngine
// will offer and may negotiate an ID for.
func (m *MediaEngine) RegisterHeaderExtension(ext RTPHeaderExtensionCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.headerExtensions {
		if e.URI == ext.URI {
			return nil
		}
	}
	m.headerExtensions = append(m.headerExtensions, ext)
	return nil
}

func (m *MediaEngine) codecsForKind(kind RTPCodecType) []RTPCodecParameters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kind == RTPCodecTypeAudio {
		return append([]RTPCodecParameters(nil), m.audioCodecs...)
	}
	return append([]RTPCodecParameters(nil), m.videoCodecs...)
}

func (m *MediaEngine) headerExtensionURIs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.headerExtensions))
	for i, e := range m.headerExtensions {
		out[i] = e.URI
	}
	return out
}

// codecByPayloadType looks up a locally registered codec by payload type,
// searching video codecs first, then audio.
func (m *MediaEngine) codecByPayloadType(pt PayloadType) (RTPCodecParameters, RTPCodecType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.videoCodecs {
		if c.PayloadType == pt {
			return c, RTPCodecTypeVideo, true
		}
	}
	for _, c := range m.audioCodecs {
		if c.PayloadType == pt {
			return c, RTPCodecTypeAudio, true
		}
	}
	return RTPCodecParameters{}, 0, false
}

// matchCodec finds the locally registered codec matching a remote offer's
// codec by MIME type, clock rate and (for audio) channel count, ignoring
// fmtp except for RTX "apt=" pairing which is resolved by the caller.
func matchCodec(local []RTPCodecParameters, remoteMime string, clockRate uint32, channels uint16) (RTPCodecParameters, bool) {
	for _, c := range local {
		if strings.EqualFold(c.MimeType, remoteMime) && c.ClockRate == clockRate {
			if channels == 0 || c.Channels == channels {
				return c, true
			}
		}
	}
	return RTPCodecParameters{}, false
}

// rtxApt parses the payload type referenced by an "apt=<pt>" fmtp line.
func rtxApt(fmtp string) (PayloadType, bool) {
	const prefix = "apt="
	if !strings.HasPrefix(fmtp, prefix) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimPrefix(fmtp, prefix))
	if err != nil {
		return 0, false
	}
	return PayloadType(v), true
}

// intersectFeedback keeps only the RTCP feedback mechanisms present on
// both sides, per spec §4.2 "keep only the intersection".
func intersectFeedback(a, b []RTCPFeedback) []RTCPFeedback {
	var out []RTCPFeedback
	for _, fa := range a {
		for _, fb := range b {
			if fa.Type == fb.Type && fa.Parameter == fb.Parameter {
				out = append(out, fa)
				break
			}
		}
	}
	return out
}
