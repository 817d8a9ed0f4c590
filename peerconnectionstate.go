package webrtc

// PeerConnectionState aggregates ICE and DTLS transport state into the
// user-facing connection state (spec §3).
type PeerConnectionState int

const (
	PeerConnectionStateNew PeerConnectionState = iota
	PeerConnectionStateConnecting
	PeerConnectionStateConnected
	PeerConnectionStateDisconnected
	PeerConnectionStateFailed
	PeerConnectionStateClosed
)

func (s PeerConnectionState) String() string {
	switch s {
	case PeerConnectionStateNew:
		return "new"
	case PeerConnectionStateConnecting:
		return "connecting"
	case PeerConnectionStateConnected:
		return "connected"
	case PeerConnectionStateDisconnected:
		return "disconnected"
	case PeerConnectionStateFailed:
		return "failed"
	case PeerConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ICEConnectionState mirrors the states the ICE Agent collaborator emits
// (spec §6).
type ICEConnectionState int

const (
	ICEConnectionStateNew ICEConnectionState = iota
	ICEConnectionStateChecking
	ICEConnectionStateConnected
	ICEConnectionStateCompleted
	ICEConnectionStateDisconnected
	ICEConnectionStateFailed
	ICEConnectionStateClosed
)

func (s ICEConnectionState) String() string {
	switch s {
	case ICEConnectionStateNew:
		return "new"
	case ICEConnectionStateChecking:
		return "checking"
	case ICEConnectionStateConnected:
		return "connected"
	case ICEConnectionStateCompleted:
		return "completed"
	case ICEConnectionStateDisconnected:
		return "disconnected"
	case ICEConnectionStateFailed:
		return "failed"
	case ICEConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ICERole distinguishes the controlling/controlled side that feeds DTLS
// role derivation when local config doesn't override it.
type ICERole int

const (
	ICERoleControlling ICERole = iota
	ICERoleControlled
)

// peerConnectionStateFromTransports computes the aggregate connection
// state from the ICE and DTLS transport states, following the same
// precedence the reference's iceStateChange/dtls state handlers apply:
// failed dominates, then disconnected, then closed; connected needs ICE
// connected/completed and DTLS connected, new needs both still new, and
// anything else is connecting.
func peerConnectionStateFromTransports(ice ICEConnectionState, dtls DTLSTransportState) PeerConnectionState {
	if ice == ICEConnectionStateFailed || dtls == DTLSTransportStateFailed {
		return PeerConnectionStateFailed
	}
	if ice == ICEConnectionStateDisconnected {
		return PeerConnectionStateDisconnected
	}
	if ice == ICEConnectionStateClosed || dtls == DTLSTransportStateClosed {
		return PeerConnectionStateClosed
	}
	if (ice == ICEConnectionStateConnected || ice == ICEConnectionStateCompleted) && dtls == DTLSTransportStateConnected {
		return PeerConnectionStateConnected
	}
	if ice == ICEConnectionStateNew && dtls == DTLSTransportStateNew {
		return PeerConnectionStateNew
	}
	return PeerConnectionStateConnecting
}
