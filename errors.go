package webrtc

import (
	"errors"
	"fmt"
)

// InvalidStateError indicates the object is in an invalid state for the
// requested operation.
type InvalidStateError struct{ Err error }

func (e *InvalidStateError) Error() string { return fmt.Sprintf("webrtc: InvalidStateError: %v", e.Err) }
func (e *InvalidStateError) Unwrap() error { return e.Err }

// InvalidAccessError indicates the object does not support the operation
// or argument.
type InvalidAccessError struct{ Err error }

func (e *InvalidAccessError) Error() string {
	return fmt.Sprintf("webrtc: InvalidAccessError: %v", e.Err)
}
func (e *InvalidAccessError) Unwrap() error { return e.Err }

// InvalidModificationError indicates the object cannot be modified in this way.
type InvalidModificationError struct{ Err error }

func (e *InvalidModificationError) Error() string {
	return fmt.Sprintf("webrtc: InvalidModificationError: %v", e.Err)
}
func (e *InvalidModificationError) Unwrap() error { return e.Err }

// SyntaxError indicates the string did not match the expected pattern.
type SyntaxError struct{ Err error }

func (e *SyntaxError) Error() string { return fmt.Sprintf("webrtc: SyntaxError: %v", e.Err) }
func (e *SyntaxError) Unwrap() error { return e.Err }

// TypeError indicates a supplied value was not of the expected type/shape.
type TypeError struct{ Err error }

func (e *TypeError) Error() string { return fmt.Sprintf("webrtc: TypeError: %v", e.Err) }
func (e *TypeError) Unwrap() error { return e.Err }

// UnknownError indicates the operation failed for an unknown transient reason.
type UnknownError struct{ Err error }

func (e *UnknownError) Error() string { return fmt.Sprintf("webrtc: UnknownError: %v", e.Err) }
func (e *UnknownError) Unwrap() error { return e.Err }

// OperationError indicates a runtime failure while executing an otherwise
// well-formed request.
type OperationError struct{ Err error }

func (e *OperationError) Error() string { return fmt.Sprintf("webrtc: OperationError: %v", e.Err) }
func (e *OperationError) Unwrap() error { return e.Err }

// Sentinel errors for the API-boundary taxonomy in spec §6. Each is
// wrapped in one of the classifying types above before it is returned.
var (
	ErrInvalidStateChange               = errors.New("invalid_state")
	ErrInvalidTransceiverID              = errors.New("invalid_transceiver_id")
	ErrInvalidSenderID                   = errors.New("invalid_sender_id")
	ErrInvalidTrackType                  = errors.New("invalid_track_type")
	ErrInvalidTransceiverDirection       = errors.New("invalid_transceiver_direction")
	ErrNoRemoteDescription               = errors.New("no_remote_description")
	ErrMissingMID                        = errors.New("missing_mid")
	ErrDuplicatedMID                     = errors.New("duplicated_mid")
	ErrMissingBundleGroup                = errors.New("missing_bundle_group")
	ErrNonExhaustiveBundleGroup          = errors.New("non_exhaustive_bundle_group")
	ErrMultipleBundleGroups              = errors.New("multiple_bundle_groups")
	ErrMissingICECredentials             = errors.New("missing_ice_credentials")
	ErrMissingICEUfrag                   = errors.New("missing_ice_ufrag")
	ErrMissingICEPwd                     = errors.New("missing_ice_pwd")
	ErrConflictingICECredentials         = errors.New("conflicting_ice_credentials")
	ErrMissingCertFingerprint            = errors.New("missing_cert_fingerprint")
	ErrConflictingCertFingerprints       = errors.New("conflicting_cert_fingerprints")
	ErrUnsupportedFingerprintHashFn      = errors.New("unsupported_cert_fingerprint_hash_function")
	ErrOfferAltered                      = errors.New("offer_altered")
	ErrAnswerAltered                     = errors.New("answer_altered")
	ErrInvalidTransition                 = errors.New("invalid_transition")
	ErrConnectionClosed                  = errors.New("connection closed")
	ErrCertificateExpired                = errors.New("certificate expired")
	ErrSenderTrackNil                    = errors.New("track is nil")
	ErrSenderAlreadySent                 = errors.New("Send has already been called")
	ErrCodecNotFound                     = errors.New("codec not found")
	ErrNoPayloaderForCodec               = errors.New("no payloader for codec")
	ErrUnknownMID                        = errors.New("unknown_mid")
	ErrMaxDataChannels                   = errors.New("maximum number of data channels reached")
	ErrDataChannelNotOpen                = errors.New("data channel is not open")
)

// assertf is a debug-only internal invariant check. It never fires in a
// production build (no "debug" build tag); it is present so invariants
// like "NACK responder asked to resend a packet before any packet was
// ever sent" are documented and checkable in development without making
// production code brittle to a mis-timed retransmit request. See the
// REDESIGN FLAG discussion in SPEC_FULL.md §D.
func assertf(cond bool, format string, args ...interface{}) {
	assertImpl(cond, format, args...)
}
