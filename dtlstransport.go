package webrtc

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// datagramEndpoint is a tiny net.Conn adapter over an ICEAgent: Write
// forwards to ICEAgent.SendData, Read drains a queue fed by the
// classifying dispatcher below. It plays the role of the reference's
// internal/mux.Endpoint, minus the underlying real socket (our ICEAgent
// boundary already owns that).
type datagramEndpoint struct {
	agent ICEAgent
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func newDatagramEndpoint(agent ICEAgent) *datagramEndpoint {
	return &datagramEndpoint{agent: agent, inbox: make(chan []byte, 128), done: make(chan struct{})}
}

func (e *datagramEndpoint) push(b []byte) {
	select {
	case e.inbox <- b:
	case <-e.done:
	default: // drop rather than block the dispatcher on a stalled reader
	}
}

func (e *datagramEndpoint) Read(b []byte) (int, error) {
	select {
	case data := <-e.inbox:
		return copy(b, data), nil
	case <-e.done:
		return 0, net.ErrClosed
	}
}

func (e *datagramEndpoint) Write(b []byte) (int, error) {
	if err := e.agent.SendData(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (e *datagramEndpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *datagramEndpoint) LocalAddr() net.Addr             { return endpointAddr{} }
func (e *datagramEndpoint) RemoteAddr() net.Addr            { return endpointAddr{} }
func (e *datagramEndpoint) SetDeadline(time.Time) error      { return nil }
func (e *datagramEndpoint) SetReadDeadline(time.Time) error  { return nil }
func (e *datagramEndpoint) SetWriteDeadline(time.Time) error { return nil }

type endpointAddr struct{}

func (endpointAddr) Network() string { return "ice" }
func (endpointAddr) String() string  { return "ice" }

// secureDatagramDemux classifies inbound ICEAgent bytes by first byte
// (spec §4.5 RFC 7983 ranges) and, within the SRTP/SRTCP range, by the
// second byte's RTCP payload-type range, fanning them out to three
// endpoints: DTLS, SRTP and SRTCP. Grounded on internal/mux/mux.go's
// MatchFunc demultiplexing, adapted from a socket read loop to a
// callback-driven one since ICEAgent delivers data by callback, not by
// exposing a readable socket.
type secureDatagramDemux struct {
	dtls *datagramEndpoint
	srtp *datagramEndpoint
	rtcp *datagramEndpoint
}

func newSecureDatagramDemux(agent ICEAgent) *secureDatagramDemux {
	d := &secureDatagramDemux{
		dtls: newDatagramEndpoint(agent),
		srtp: newDatagramEndpoint(agent),
		rtcp: newDatagramEndpoint(agent),
	}
	agent.OnData(func(b []byte) {
		switch classifyDatagram(b) {
		case datagramDTLS:
			d.dtls.push(b)
		case datagramSRTP:
			if isRTCPPacketType(b) {
				d.rtcp.push(b)
			} else {
				d.srtp.push(b)
			}
		default:
			// STUN is consumed inside the ICE Agent before it ever
			// reaches us; the undefined [64..127] range is dropped.
		}
	})
	return d
}

// DTLSTransport is the spec §4.5 DTLS/SRTP Engine: handshake state
// machine, keying-material extraction, and SRTP/SRTCP protect/unprotect,
// wrapping github.com/pion/dtls/v3 and github.com/pion/srtp/v3 the same
// way the reference's DTLSTransport wraps pion/dtls and pion/srtp.
type DTLSTransport struct {
	mu sync.RWMutex

	certificates []Certificate
	settings     *SettingEngine
	log          logging.LeveledLogger

	iceAgent ICEAgent
	demux    *secureDatagramDemux

	state             DTLSTransportState
	remoteFingerprint DTLSFingerprint
	remoteSetup       string // "actpass", "active", or "passive"
	iceRole           ICERole

	conn         *dtls.Conn
	srtpSession  *srtp.SessionSRTP
	srtcpSession *srtp.SessionSRTCP
	srtpWrite    *srtp.WriteStreamSRTP
	srtcpWrite   *srtp.WriteStreamSRTCP

	onStateChange func(DTLSTransportState)
	onRTP         func(*rtp.Packet)
	onRTCP        func([]rtcp.Packet)
}

func newDTLSTransport(certificates []Certificate, settings *SettingEngine, iceAgent ICEAgent, iceRole ICERole) *DTLSTransport {
	return &DTLSTransport{
		certificates: certificates,
		settings:     settings,
		log:          settings.LoggerFactory.NewLogger("dtls"),
		iceAgent:     iceAgent,
		demux:        newSecureDatagramDemux(iceAgent),
		state:        DTLSTransportStateNew,
		iceRole:      iceRole,
	}
}

func (t *DTLSTransport) State() DTLSTransportState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *DTLSTransport) OnStateChange(f func(DTLSTransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = f
}

func (t *DTLSTransport) OnRTP(f func(*rtp.Packet))    { t.mu.Lock(); t.onRTP = f; t.mu.Unlock() }
func (t *DTLSTransport) OnRTCP(f func([]rtcp.Packet)) { t.mu.Lock(); t.onRTCP = f; t.mu.Unlock() }

// Conn returns the established DTLS connection's application-data
// stream, so the SCTP transport can drive its own association directly
// over it (spec §4.6: SCTP rides the DTLS connection once it is up).
// Returns nil before the handshake completes.
func (t *DTLSTransport) Conn() net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn
}

func (t *DTLSTransport) setState(s DTLSTransportState) {
	t.mu.Lock()
	t.state = s
	cb := t.onStateChange
	t.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// setICERole updates the ICE role role() falls back to when neither the
// remote's "setup:" attribute nor a SettingEngine override is decisive.
// The PeerConnection only learns whether it is offering (controlling) or
// answering (controlled) after this transport already exists, so
// construction takes a provisional role and this corrects it once known.
func (t *DTLSTransport) setICERole(role ICERole) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iceRole = role
}

// role implements spec §4.5 "fixed at set_*_description(answer) time":
// the inverse of an explicit remote actpass-resolved role, an explicit
// SettingEngine override, or else derived from the ICE role.
func (t *DTLSTransport) role() DTLSRole {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch t.remoteSetup {
	case "active":
		return DTLSRoleServer
	case "passive":
		return DTLSRoleClient
	}

	if t.settings.answeringDTLSRole == DTLSRoleClient || t.settings.answeringDTLSRole == DTLSRoleServer {
		return t.settings.answeringDTLSRole
	}

	if t.iceRole == ICERoleControlling {
		return DTLSRoleClient
	}
	return DTLSRoleServer
}

// Start runs the DTLS handshake with the given remote fingerprint and
// "setup:" attribute, then brings up SRTP/SRTCP. It blocks until the
// handshake completes or fails; the caller (PeerConnection) invokes it
// from a goroutine once ICE reaches connected, per spec §4.5.
func (t *DTLSTransport) Start(remoteFingerprint DTLSFingerprint, remoteSetup string) error {
	t.mu.Lock()
	t.remoteFingerprint = remoteFingerprint
	t.remoteSetup = remoteSetup
	cert := t.certificates[0]
	t.mu.Unlock()

	t.setState(DTLSTransportStateConnecting)

	config := &dtls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.x509Cert.Raw},
			PrivateKey:  cert.privateKey,
		}},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		ClientAuth:             dtls.RequireAnyClientCert,
		InsecureSkipVerify:     true,
		LoggerFactory:          t.settings.LoggerFactory,
	}
	var conn *dtls.Conn
	var err error
	if t.role() == DTLSRoleClient {
		conn, err = dtls.Client(t.demux.dtls, config)
	} else {
		conn, err = dtls.Server(t.demux.dtls, config)
	}
	if err != nil {
		t.setState(DTLSTransportStateFailed)
		return &OperationError{Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if !t.settings.disableCertificateFingerprintVerification {
		if err := t.verifyFingerprint(conn); err != nil {
			t.setState(DTLSTransportStateFailed)
			return err
		}
	}

	if err := t.startSRTP(); err != nil {
		t.setState(DTLSTransportStateFailed)
		return err
	}

	t.setState(DTLSTransportStateConnected)
	go t.readSRTP()
	go t.readSRTCP()
	return nil
}

func (t *DTLSTransport) verifyFingerprint(conn *dtls.Conn) error {
	t.mu.RLock()
	expected := t.remoteFingerprint
	t.mu.RUnlock()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return &OperationError{Err: ErrUnsupportedFingerprintHashFn}
	}
	parsed, err := x509.ParseCertificate(state.PeerCertificates[0])
	if err != nil {
		return &OperationError{Err: err}
	}

	sum := sha256.Sum256(parsed.Raw)
	hexPairs := make([]string, len(sum))
	for i, b := range sum {
		hexPairs[i] = hex.EncodeToString([]byte{b})
	}
	actual := strings.ToUpper(strings.Join(hexPairs, ":"))
	if !strings.EqualFold(actual, expected.Value) {
		return &OperationError{Err: ErrConflictingCertFingerprints}
	}
	return nil
}

func (t *DTLSTransport) startSRTP() error {
	isClient := t.role() == DTLSRoleClient

	srtpConfig := &srtp.Config{
		Profile:       srtp.ProtectionProfileAes128CmHmacSha1_80,
		LoggerFactory: t.settings.LoggerFactory,
	}
	if t.settings.replayProtection.SRTP != nil {
		srtpConfig.RemoteOptions = append(srtpConfig.RemoteOptions, srtp.SRTPReplayProtection(*t.settings.replayProtection.SRTP))
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if err := srtpConfig.ExtractSessionKeysFromDTLS(conn, isClient); err != nil {
		return &OperationError{Err: err}
	}

	srtpSession, err := srtp.NewSessionSRTP(t.demux.srtp, srtpConfig)
	if err != nil {
		return &OperationError{Err: err}
	}
	srtcpSession, err := srtp.NewSessionSRTCP(t.demux.rtcp, srtpConfig)
	if err != nil {
		return &OperationError{Err: err}
	}

	t.mu.Lock()
	t.srtpSession = srtpSession
	t.srtcpSession = srtcpSession
	t.mu.Unlock()
	return nil
}

// writeRTP implements srtpRTPWriter, protecting and sending one RTP
// packet over the negotiated SRTP session (spec §4.5).
func (t *DTLSTransport) writeRTP(pkt *rtp.Packet) error {
	t.mu.Lock()
	session := t.srtpSession
	write := t.srtpWrite
	t.mu.Unlock()
	if session == nil {
		return nil
	}
	if write == nil {
		var err error
		write, err = session.OpenWriteStream()
		if err != nil {
			return &OperationError{Err: err}
		}
		t.mu.Lock()
		t.srtpWrite = write
		t.mu.Unlock()
	}
	_, err := write.WriteRTP(&pkt.Header, pkt.Payload)
	return err
}

// writeRTCP protects and sends a batch of RTCP packets (sender/receiver
// reports, NACKs, PLIs).
func (t *DTLSTransport) writeRTCP(pkts []rtcp.Packet) error {
	t.mu.Lock()
	session := t.srtcpSession
	write := t.srtcpWrite
	t.mu.Unlock()
	if session == nil {
		return nil
	}
	if write == nil {
		var err error
		write, err = session.OpenWriteStream()
		if err != nil {
			return &OperationError{Err: err}
		}
		t.mu.Lock()
		t.srtcpWrite = write
		t.mu.Unlock()
	}
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return &OperationError{Err: err}
	}
	_, err = write.Write(raw)
	return err
}

func (t *DTLSTransport) readSRTP() {
	t.mu.RLock()
	session := t.srtpSession
	t.mu.RUnlock()
	if session == nil {
		return
	}
	for {
		readStream, ssrc, err := session.AcceptStream()
		if err != nil {
			return
		}
		go t.pumpSRTPStream(readStream, ssrc)
	}
}

func (t *DTLSTransport) pumpSRTPStream(stream *srtp.ReadStreamSRTP, ssrc uint32) {
	buf := make([]byte, 1500)
	for {
		n, hdr, err := stream.ReadRTP(buf)
		if err != nil {
			return
		}
		pkt := &rtp.Packet{Header: *hdr, Payload: append([]byte(nil), buf[:n]...)}
		t.mu.RLock()
		cb := t.onRTP
		t.mu.RUnlock()
		if cb != nil {
			cb(pkt)
		}
	}
}

func (t *DTLSTransport) readSRTCP() {
	t.mu.RLock()
	session := t.srtcpSession
	t.mu.RUnlock()
	if session == nil {
		return
	}
	for {
		readStream, _, err := session.AcceptStream()
		if err != nil {
			return
		}
		go t.pumpSRTCPStream(readStream)
	}
}

func (t *DTLSTransport) pumpSRTCPStream(stream *srtp.ReadStreamSRTCP) {
	buf := make([]byte, 1500)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			t.log.Warnf("dropping malformed RTCP packet: %v", err)
			continue
		}
		t.mu.RLock()
		cb := t.onRTCP
		t.mu.RUnlock()
		if cb != nil {
			cb(pkts)
		}
	}
}

func (t *DTLSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	srtpSession := t.srtpSession
	srtcpSession := t.srtcpSession
	t.mu.Unlock()

	if srtpSession != nil {
		_ = srtpSession.Close()
	}
	if srtcpSession != nil {
		_ = srtcpSession.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.demux.dtls.Close()
	t.demux.srtp.Close()
	t.demux.rtcp.Close()
	t.setState(DTLSTransportStateClosed)
	return nil
}
