package webrtc

// SignalingState is the JSEP signaling state of a PeerConnection (spec §3).
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateHaveLocalPranswer
	SignalingStateHaveRemotePranswer
	SignalingStateClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateHaveLocalPranswer:
		return "have-local-pranswer"
	case SignalingStateHaveRemotePranswer:
		return "have-remote-pranswer"
	case SignalingStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateChangeOp names the JSEP operation driving a setDescription call.
type stateChangeOp int

const (
	stateChangeOpSetLocal stateChangeOp = iota
	stateChangeOpSetRemote
)

// checkNextSignalingState validates a JSEP state transition and returns
// the resulting state, or ErrInvalidTransition. Table follows the JSEP
// rfc8829 §4.1.11/§4.1.8 transition matrix.
func checkNextSignalingState(cur SignalingState, op stateChangeOp, sdpType SDPType) (SignalingState, error) {
	if cur == SignalingStateClosed {
		return cur, &InvalidStateError{Err: ErrInvalidStateChange}
	}

	switch op {
	case stateChangeOpSetLocal:
		switch sdpType {
		case SDPTypeOffer:
			if cur == SignalingStateStable || cur == SignalingStateHaveLocalOffer {
				return SignalingStateHaveLocalOffer, nil
			}
		case SDPTypeAnswer:
			if cur == SignalingStateHaveRemoteOffer || cur == SignalingStateHaveLocalPranswer {
				return SignalingStateStable, nil
			}
		case SDPTypePranswer:
			if cur == SignalingStateHaveRemoteOffer || cur == SignalingStateHaveLocalPranswer {
				return SignalingStateHaveLocalPranswer, nil
			}
		case SDPTypeRollback:
			if cur == SignalingStateHaveLocalOffer {
				return SignalingStateStable, nil
			}
		}
	case stateChangeOpSetRemote:
		switch sdpType {
		case SDPTypeOffer:
			if cur == SignalingStateStable || cur == SignalingStateHaveRemoteOffer {
				return SignalingStateHaveRemoteOffer, nil
			}
		case SDPTypeAnswer:
			if cur == SignalingStateHaveLocalOffer || cur == SignalingStateHaveRemotePranswer {
				return SignalingStateStable, nil
			}
		case SDPTypePranswer:
			if cur == SignalingStateHaveLocalOffer || cur == SignalingStateHaveRemotePranswer {
				return SignalingStateHaveRemotePranswer, nil
			}
		case SDPTypeRollback:
			if cur == SignalingStateHaveRemoteOffer {
				return SignalingStateStable, nil
			}
		}
	}

	return cur, &InvalidStateError{Err: fmt_errInvalidTransition(cur, op, sdpType)}
}

func fmt_errInvalidTransition(cur SignalingState, op stateChangeOp, t SDPType) error {
	opName := "SetLocalDescription"
	if op == stateChangeOpSetRemote {
		opName = "SetRemoteDescription"
	}
	return &invalidTransitionError{cur: cur, op: opName, t: t}
}

type invalidTransitionError struct {
	cur SignalingState
	op  string
	t   SDPType
}

func (e *invalidTransitionError) Error() string {
	return "invalid_transition: cannot " + e.op + "(" + e.t.String() + ") from " + e.cur.String()
}

func (e *invalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
