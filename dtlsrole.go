package webrtc

// DTLSRole indicates whether a DTLS transport is acting as client or
// server of the handshake (spec §4.5: fixed at set_*_description(answer)).
type DTLSRole int

const (
	DTLSRoleAuto DTLSRole = iota
	DTLSRoleClient
	DTLSRoleServer
)

func (r DTLSRole) String() string {
	switch r {
	case DTLSRoleClient:
		return "client"
	case DTLSRoleServer:
		return "server"
	default:
		return "auto"
	}
}

// DTLSTransportState is the lifecycle of the DTLS/SRTP Engine (spec §4.5).
type DTLSTransportState int

const (
	DTLSTransportStateNew DTLSTransportState = iota
	DTLSTransportStateConnecting
	DTLSTransportStateConnected
	DTLSTransportStateClosed
	DTLSTransportStateFailed
)

func (s DTLSTransportState) String() string {
	switch s {
	case DTLSTransportStateNew:
		return "new"
	case DTLSTransportStateConnecting:
		return "connecting"
	case DTLSTransportStateConnected:
		return "connected"
	case DTLSTransportStateClosed:
		return "closed"
	case DTLSTransportStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
