package webrtc

// ICEServer describes a STUN/TURN server the ICE Agent may use while
// gathering candidates. TURN relay operation itself is out of scope for
// this module (see SPEC_FULL.md); the URLs are passed to the default
// pion/ice-backed agent, while an agent built by a factory installed with
// SettingEngine.SetICEAgentFactory receives only its ICE role.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICETransportPolicy controls which candidate types the ICE Agent may use.
type ICETransportPolicy int

const (
	ICETransportPolicyAll ICETransportPolicy = iota
	ICETransportPolicyRelay
)

// BundlePolicy controls how the offer groups m-lines into BUNDLE groups.
// This module always negotiates a single exhaustive BUNDLE group (spec
// §4.1); the field is accepted but does not change the SDP this module
// produces.
type BundlePolicy int

const (
	BundlePolicyBalanced BundlePolicy = iota
	BundlePolicyMaxCompat
	BundlePolicyMaxBundle
)

// Configuration is the immutable configuration a PeerConnection is
// created with. It may not be mutated for the lifetime of the connection.
type Configuration struct {
	ICEServers         []ICEServer
	ICETransportPolicy ICETransportPolicy
	BundlePolicy       BundlePolicy
	Certificates       []Certificate

	// ICECandidatePoolSize is accepted but not read: no candidates are
	// gathered before the first remote description is applied.
	ICECandidatePoolSize uint8
}
