package webrtc

// RTPCodecType classifies a codec as audio or video.
type RTPCodecType int

const (
	RTPCodecTypeAudio RTPCodecType = iota + 1
	RTPCodecTypeVideo
)

func NewRTPCodecType(s string) RTPCodecType {
	switch s {
	case "audio":
		return RTPCodecTypeAudio
	case "video":
		return RTPCodecTypeVideo
	default:
		return 0
	}
}

func (t RTPCodecType) String() string {
	switch t {
	case RTPCodecTypeAudio:
		return "audio"
	case RTPCodecTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// PayloadType is an RTP payload type (RFC 3550 §5.1).
type PayloadType uint8

// SSRC identifies an RTP synchronization source.
type SSRC uint32

// RTCPFeedback signals a supported RTCP feedback mechanism for a codec,
// e.g. {"nack", ""} or {"nack", "pli"}.
type RTCPFeedback struct {
	Type      string
	Parameter string
}

// RTPCodecCapability is the read-only shape of a codec a MediaEngine can
// offer, independent of any negotiated payload type.
type RTPCodecCapability struct {
	MimeType     string
	ClockRate    uint32
	Channels     uint16
	SDPFmtpLine  string
	RTCPFeedback []RTCPFeedback
}

// RTPCodecParameters is a codec capability bound to a payload type, as it
// appears once negotiated (or as a locally registered default).
type RTPCodecParameters struct {
	RTPCodecCapability
	PayloadType PayloadType

	statsID string
}

// RTPHeaderExtensionCapability names a supported RTP header extension URI.
type RTPHeaderExtensionCapability struct {
	URI string
}

// RTPHeaderExtensionParameter is a header extension bound to a negotiated
// local numeric ID.
type RTPHeaderExtensionParameter struct {
	ID  int
	URI string
}

// RTPParameters bundles the codecs and header extensions applicable to
// one kind (audio or video) of a transceiver.
type RTPParameters struct {
	HeaderExtensions []RTPHeaderExtensionParameter
	Codecs           []RTPCodecParameters
}

// Well-known header extension URIs this module negotiates.
const (
	sdesMIDURI          = "urn:ietf:params:rtp-hdrext:sdes:mid"
	sdesRTPStreamIDURI  = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	sdesRepairedRIDURI  = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
)
