package webrtc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pion/randutil"
	pionsdp "github.com/pion/sdp/v3"
)

const (
	mediaSectionApplication = "application"
	dataChannelLabel        = "webrtc-datachannel"
	sctpPort                = "5000"
)

// sdpMediaSectionPlan describes one m-line the builder will emit, in the
// exact order m-lines will appear. The application (SCTP) section, when
// present, is just another entry with isApplication set. Ordering and
// recycling of slots happen in peerconnection.go (CreateOffer and
// allocateMLineSlotLocked); the builder only ever lays out what it is
// given.
type sdpMediaSectionPlan struct {
	mid              string
	kind             RTPCodecType
	isApplication    bool
	rejected         bool // port 0: stopped or not-yet-associated slot
	direction        RTPTransceiverDirection
	codecs           []RTPCodecParameters
	headerExtensions []RTPHeaderExtensionParameter
	ssrc             SSRC
	rtxSSRC          SSRC
	trackID          string
	streamID         string
	rids             []string
}

// sdpBuildParams is everything buildSessionDescription needs to turn a
// transceiver/data-channel plan into SDP text (spec §4.1).
type sdpBuildParams struct {
	sections     []sdpMediaSectionPlan
	fingerprints []DTLSFingerprint
	setup        string // "actpass" (offer) or "active"/"passive" (answer)
	iceUfrag     string
	icePwd       string
	iceLite      bool
	trickleICE   bool
	// candidates are pre-marshaled "candidate:..." values; per spec §6
	// they are placed on the first m-line only, since the session is
	// always fully bundled.
	candidates []string
	sessionID  uint64
}

func buildSessionDescription(p sdpBuildParams) (*pionsdp.SessionDescription, error) {
	d := &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      p.sessionID,
			SessionVersion: p.sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []pionsdp.TimeDescription{{Timing: pionsdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	if p.iceLite {
		d = d.WithValueAttribute(pionsdp.AttrKeyICELite, "")
	}
	d = d.WithPropertyAttribute("extmap-allow-mixed")
	if p.trickleICE {
		d = d.WithValueAttribute("ice-options", "trickle")
	}

	mids := make([]string, 0, len(p.sections))
	for i, section := range p.sections {
		media, err := buildMediaDescription(p, section, i == 0)
		if err != nil {
			return nil, err
		}
		d.WithMedia(media)
		mids = append(mids, section.mid)
	}

	d = d.WithValueAttribute(pionsdp.AttrKeyGroup, "BUNDLE "+strings.Join(mids, " "))
	return d, nil
}

func buildMediaDescription(p sdpBuildParams, section sdpMediaSectionPlan, carriesCandidates bool) (*pionsdp.MediaDescription, error) {
	if section.isApplication {
		return buildApplicationSection(p, section, carriesCandidates)
	}
	return buildTransceiverSection(p, section, carriesCandidates)
}

func buildApplicationSection(p sdpBuildParams, section sdpMediaSectionPlan, carriesCandidates bool) (*pionsdp.MediaDescription, error) {
	media := (&pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   mediaSectionApplication,
			Port:    pionsdp.RangedPort{Value: rangedPort(section.rejected)},
			Protos:  []string{"UDP", "DTLS", "SCTP"},
			Formats: []string{"webrtc-datachannel"},
		},
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: "0.0.0.0"},
		},
	}).
		WithValueAttribute(pionsdp.AttrKeyMID, section.mid).
		WithValueAttribute("sctp-port", sctpPort).
		WithICECredentials(p.iceUfrag, p.icePwd)

	if !section.rejected {
		media = media.WithValueAttribute(pionsdp.AttrKeyConnectionSetup, p.setup)
		for _, f := range p.fingerprints {
			media = media.WithFingerprint(f.Algorithm, strings.ToUpper(f.Value))
		}
	}

	if carriesCandidates && !section.rejected {
		addCandidatesToMediaDescription(p.candidates, media)
	}
	return media, nil
}

func buildTransceiverSection(p sdpBuildParams, section sdpMediaSectionPlan, carriesCandidates bool) (*pionsdp.MediaDescription, error) {
	media := (&pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   section.kind.String(),
			Port:    pionsdp.RangedPort{Value: rangedPort(section.rejected)},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
		},
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: "0.0.0.0"},
		},
	}).
		WithValueAttribute(pionsdp.AttrKeyMID, section.mid).
		WithICECredentials(p.iceUfrag, p.icePwd).
		WithPropertyAttribute(pionsdp.AttrKeyRTCPMux).
		WithPropertyAttribute(pionsdp.AttrKeyRTCPRsize)

	if section.rejected {
		media.MediaName.Formats = []string{"0"}
		return media, nil
	}

	media = media.WithValueAttribute(pionsdp.AttrKeyConnectionSetup, p.setup)
	for _, f := range p.fingerprints {
		media = media.WithFingerprint(f.Algorithm, strings.ToUpper(f.Value))
	}

	for _, codec := range section.codecs {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(codec.PayloadType)))
		media = media.WithCodec(
			uint8(codec.PayloadType),
			strings.TrimPrefix(codec.MimeType, section.kind.String()+"/"),
			codec.ClockRate,
			codec.Channels,
			codec.SDPFmtpLine,
		)
		for _, fb := range codec.RTCPFeedback {
			value := strconv.Itoa(int(codec.PayloadType)) + " " + fb.Type
			if fb.Parameter != "" {
				value += " " + fb.Parameter
			}
			media = media.WithValueAttribute("rtcp-fb", value)
		}
	}

	for _, ext := range section.headerExtensions {
		uri, err := url.Parse(ext.URI)
		if err != nil {
			continue // registered URIs are constants; a parse failure here can't happen in practice
		}
		media = media.WithExtMap(pionsdp.ExtMap{Value: ext.ID, URI: uri})
	}

	if section.ssrc != 0 {
		cname := "webrtc"
		media = media.WithValueAttribute("ssrc", fmt.Sprintf("%d cname:%s", uint32(section.ssrc), cname))
		if section.rtxSSRC != 0 {
			media = media.WithValueAttribute("ssrc", fmt.Sprintf("%d cname:%s", uint32(section.rtxSSRC), cname))
			media = media.WithValueAttribute(pionsdp.AttrKeySSRCGroup, fmt.Sprintf("FID %d %d", uint32(section.ssrc), uint32(section.rtxSSRC)))
		}
		if section.trackID != "" && section.streamID != "" {
			media = media.WithValueAttribute("msid", section.streamID+" "+section.trackID)
		}
	}

	for _, rid := range section.rids {
		media = media.WithValueAttribute("rid", rid+" send")
	}
	if len(section.rids) > 0 {
		media = media.WithValueAttribute("simulcast", "send "+strings.Join(section.rids, ";"))
	}

	media = media.WithPropertyAttribute(section.direction.String())

	if carriesCandidates {
		addCandidatesToMediaDescription(p.candidates, media)
	}
	return media, nil
}

func rangedPort(rejected bool) int {
	if rejected {
		return 0
	}
	return 9
}

func addCandidatesToMediaDescription(candidates []string, m *pionsdp.MediaDescription) {
	for _, c := range candidates {
		value := strings.TrimPrefix(c, "candidate:")
		m.WithValueAttribute("candidate", value)
	}
	if len(candidates) > 0 {
		m.WithPropertyAttribute("end-of-candidates")
	}
}

func newSDPSessionID() uint64 {
	return uint64(randutil.NewMathRandomGenerator().Uint32())<<32 | uint64(randutil.NewMathRandomGenerator().Uint32())
}

// getMidValue returns the mid attribute of a parsed media section, or ""
// if absent.
func getMidValue(media *pionsdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		if attr.Key == pionsdp.AttrKeyMID {
			return attr.Value
		}
	}
	return ""
}

// getPeerDirection returns the direction property attribute ("sendrecv",
// "sendonly", "recvonly", "inactive") of a parsed media section,
// defaulting to sendrecv if none is present (spec §4.2 direction meet
// table takes the offered direction as input).
func getPeerDirection(media *pionsdp.MediaDescription) RTPTransceiverDirection {
	var sendonly, recvonly, inactive bool
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "sendonly":
			sendonly = true
		case "recvonly":
			recvonly = true
		case "inactive":
			inactive = true
		}
	}
	return directionFromSDP(false, sendonly, recvonly, inactive)
}

func isRejectedMediaSection(media *pionsdp.MediaDescription) bool {
	if len(media.MediaName.Formats) == 1 && media.MediaName.Formats[0] == "0" {
		return true
	}
	return media.MediaName.Port.Value == 0
}

// extractFingerprint returns the single DTLS fingerprint advertised at
// session or media level, erroring if none, conflicting, or malformed
// (spec §4.1 set_*_description validation (f)).
func extractFingerprint(desc *pionsdp.SessionDescription) (algorithm, value string, err error) {
	fingerprints := []string{}

	if fp, ok := desc.Attribute("fingerprint"); ok {
		fingerprints = append(fingerprints, fp)
	}
	for _, m := range desc.MediaDescriptions {
		if fp, ok := m.Attribute("fingerprint"); ok {
			fingerprints = append(fingerprints, fp)
		}
	}

	if len(fingerprints) == 0 {
		return "", "", &InvalidAccessError{Err: ErrMissingCertFingerprint}
	}
	for _, f := range fingerprints[1:] {
		if f != fingerprints[0] {
			return "", "", &InvalidAccessError{Err: ErrConflictingCertFingerprints}
		}
	}

	parts := strings.Fields(fingerprints[0])
	if len(parts) != 2 {
		return "", "", &SyntaxError{Err: ErrMissingCertFingerprint}
	}
	if !strings.EqualFold(parts[0], "sha-256") {
		return "", "", &InvalidAccessError{Err: ErrUnsupportedFingerprintHashFn}
	}
	return parts[0], parts[1], nil
}

// extractICECredentials returns the session- or media-level ICE
// ufrag/password, erroring on absence or conflict (spec §4.1 (e)).
func extractICECredentials(desc *pionsdp.SessionDescription) (ufrag, pwd string, err error) {
	ufrags := []string{}
	pwds := []string{}

	if v, ok := desc.Attribute("ice-ufrag"); ok {
		ufrags = append(ufrags, v)
	}
	if v, ok := desc.Attribute("ice-pwd"); ok {
		pwds = append(pwds, v)
	}
	for _, m := range desc.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			ufrags = append(ufrags, v)
		}
		if v, ok := m.Attribute("ice-pwd"); ok {
			pwds = append(pwds, v)
		}
	}

	if len(ufrags) == 0 {
		return "", "", &InvalidAccessError{Err: ErrMissingICEUfrag}
	}
	if len(pwds) == 0 {
		return "", "", &InvalidAccessError{Err: ErrMissingICEPwd}
	}
	for _, v := range ufrags[1:] {
		if v != ufrags[0] {
			return "", "", &InvalidAccessError{Err: ErrConflictingICECredentials}
		}
	}
	for _, v := range pwds[1:] {
		if v != pwds[0] {
			return "", "", &InvalidAccessError{Err: ErrConflictingICECredentials}
		}
	}
	return ufrags[0], pwds[0], nil
}

// extractBundleGroup parses the single session-level "a=group:BUNDLE ..."
// attribute, enforcing the "missing/multiple/non-exhaustive" invariants
// from spec §4.1 (d).
func extractBundleGroup(desc *pionsdp.SessionDescription) ([]string, error) {
	var groups []string
	for _, attr := range desc.Attributes {
		if attr.Key == pionsdp.AttrKeyGroup {
			groups = append(groups, attr.Value)
		}
	}
	if len(groups) == 0 {
		return nil, &InvalidAccessError{Err: ErrMissingBundleGroup}
	}
	if len(groups) > 1 {
		return nil, &InvalidAccessError{Err: ErrMultipleBundleGroups}
	}

	fields := strings.Fields(groups[0])
	if len(fields) == 0 || fields[0] != "BUNDLE" {
		return nil, &InvalidAccessError{Err: ErrMissingBundleGroup}
	}
	mids := fields[1:]

	allMids := map[string]bool{}
	for _, m := range desc.MediaDescriptions {
		allMids[getMidValue(m)] = true
	}
	if len(mids) != len(allMids) {
		return nil, &InvalidAccessError{Err: ErrNonExhaustiveBundleGroup}
	}
	for _, mid := range mids {
		if !allMids[mid] {
			return nil, &InvalidAccessError{Err: ErrNonExhaustiveBundleGroup}
		}
	}
	return mids, nil
}

// extractSetupAttr returns the first "a=setup:" value found at session or
// media level, or "" if none is present (spec §4.5: drives DTLS role
// derivation from whatever the remote declared).
func extractSetupAttr(desc *pionsdp.SessionDescription) string {
	if v, ok := desc.Attribute(pionsdp.AttrKeyConnectionSetup); ok {
		return v
	}
	for _, m := range desc.MediaDescriptions {
		if v, ok := m.Attribute(pionsdp.AttrKeyConnectionSetup); ok {
			return v
		}
	}
	return ""
}

// extractRemoteCandidates collects every "a=candidate:" line present in
// the remote description, per spec §6's "standard ICE candidate
// strings".
func extractRemoteCandidates(desc *pionsdp.SessionDescription) []string {
	var out []string
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == "candidate" {
				out = append(out, "candidate:"+a.Value)
			}
		}
	}
	return out
}
