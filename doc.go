// Package webrtc implements the negotiation state machine and real-time
// media/data transport of a WebRTC peer connection endpoint: SDP offer/
// answer reconciliation, the RTP/RTCP/STUN/DTLS demultiplexer, SRTP-keyed
// media transceivers, and the SCTP-based data channel subsystem.
//
// ICE connectivity checks, the DTLS record layer, SRTP ciphers, and the
// signaling transport are delegated to collaborators (ICEAgent,
// DTLSTransport's pion/dtls conn, the caller's signaling channel) rather
// than implemented here.
package webrtc
