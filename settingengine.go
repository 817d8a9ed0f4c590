package webrtc

import (
	"time"

	"github.com/pion/logging"
)

// SettingEngine carries advanced, non-standard configuration that does
// not belong on the public Configuration: explicit DTLS answering role,
// replay-protection windows, and test-only escape hatches. Mirrors the
// split the reference makes between Configuration and SettingEngine.
type SettingEngine struct {
	LoggerFactory logging.LoggerFactory

	// answeringDTLSRole overrides the role derived from "setup:actpass"
	// when answering. Zero value means "derive from ICE role as usual".
	answeringDTLSRole DTLSRole

	// disableCertificateFingerprintVerification skips the fatal
	// fingerprint-mismatch check; used by tests that drive DTLS by hand.
	disableCertificateFingerprintVerification bool

	replayProtection struct {
		DTLS *uint
		SRTP *uint
	}

	// iceAgentFactory lets tests substitute a deterministic/in-memory
	// ICEAgent instead of the default pion/ice-backed one.
	iceAgentFactory func(role ICERole) (ICEAgent, error)

	dtlsHandshakeTimeout time.Duration
}

// NewSettingEngine returns a SettingEngine with defaults matching the
// reference's zero-value behavior: a default logger factory and the
// production ICE Agent factory.
func NewSettingEngine() SettingEngine {
	return SettingEngine{
		LoggerFactory:        logging.NewDefaultLoggerFactory(),
		dtlsHandshakeTimeout: 30 * time.Second,
	}
}

// SetAnsweringDTLSRole forces the DTLS role used when we answer an
// "actpass" offer. Passing DTLSRoleAuto restores the default derivation.
func (e *SettingEngine) SetAnsweringDTLSRole(role DTLSRole) {
	e.answeringDTLSRole = role
}

// DisableCertificateFingerprintVerification skips fingerprint validation
// after the DTLS handshake. Only intended for test harnesses.
func (e *SettingEngine) DisableCertificateFingerprintVerification(isDisabled bool) {
	e.disableCertificateFingerprintVerification = isDisabled
}

// SetICEAgentFactory substitutes the ICEAgent implementation used by
// PeerConnections created from an API built with this SettingEngine.
func (e *SettingEngine) SetICEAgentFactory(f func(role ICERole) (ICEAgent, error)) {
	e.iceAgentFactory = f
}
