package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/datachannel"
	"github.com/pion/logging"
	"github.com/pion/sctp"
)

// SCTPCapabilities describes the maximum message size an SCTP transport
// can carry, exchanged informally via SDP (spec §4.6, "port").
type SCTPCapabilities struct {
	MaxMessageSize float64
}

// SCTPTransport carries one SCTP association over an established
// DTLSTransport and multiplexes DataChannels over its streams (spec
// §4.6). Stream ids are allocated by parity: spec §8's invariant
// "every open data channel's stream id parity matches the DTLS role
// that initiated it" is enforced here by only ever handing out ids of
// the transport's own parity, and by rejecting remote OPENs that don't
// carry the opposite one.
type SCTPTransport struct {
	mu sync.RWMutex

	dtlsTransport *DTLSTransport
	log           logging.LeveledLogger

	state       SCTPTransportState
	association *sctp.Association

	localParity  uint16 // 0 (even, DTLS client) or 1 (odd, DTLS server)
	nextStreamID uint16
	maxChannels  uint16

	channels map[uint16]*DataChannel

	onDataChannelHandler func(*DataChannel)
}

func newSCTPTransport(dtlsTransport *DTLSTransport, loggerFactory logging.LoggerFactory) *SCTPTransport {
	return &SCTPTransport{
		dtlsTransport: dtlsTransport,
		log:           loggerFactory.NewLogger("sctp"),
		state:         SCTPTransportStateConnecting,
		maxChannels:   65535,
		channels:      map[uint16]*DataChannel{},
	}
}

func (s *SCTPTransport) State() SCTPTransportState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *SCTPTransport) GetCapabilities() SCTPCapabilities {
	return SCTPCapabilities{MaxMessageSize: 65536}
}

// Start brings up the SCTP association once the DTLS transport is
// connected, using DTLS Simultaneous-Open semantics: the DTLS client
// side opens the SCTP association as a client (even stream ids), the
// server side as a server (odd stream ids), per spec §4.6/§8.
func (s *SCTPTransport) Start(role DTLSRole) error {
	conn := s.dtlsTransport.Conn()
	if conn == nil {
		return &InvalidStateError{Err: ErrConnectionClosed}
	}

	config := sctp.Config{
		NetConn:              conn,
		MaxReceiveBufferSize: 0,
		LoggerFactory:        s.dtlsTransport.settings.LoggerFactory,
	}

	var association *sctp.Association
	var err error
	var parity uint16
	if role == DTLSRoleClient {
		parity = 0
		association, err = sctp.Client(config)
	} else {
		parity = 1
		association, err = sctp.Server(config)
	}
	if err != nil {
		return &OperationError{Err: err}
	}

	s.mu.Lock()
	s.association = association
	s.localParity = parity
	s.nextStreamID = parity
	s.state = SCTPTransportStateConnected
	s.mu.Unlock()

	go s.acceptLoop()
	return nil
}

func (s *SCTPTransport) Stop() error {
	s.mu.Lock()
	association := s.association
	s.state = SCTPTransportStateClosed
	s.mu.Unlock()
	if association == nil {
		return nil
	}
	return association.Close()
}

// allocateStreamID returns the lowest unused stream id of this
// transport's parity (spec §4.6 step 2).
func (s *SCTPTransport) allocateStreamID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextStreamID
	for {
		if _, taken := s.channels[id]; !taken {
			break
		}
		id += 2
	}
	s.nextStreamID = id + 2
	return id
}

func (s *SCTPTransport) registerChannel(id uint16, dc *DataChannel) {
	s.mu.Lock()
	s.channels[id] = dc
	s.mu.Unlock()
}

// OnDataChannel registers the handler invoked for every remotely-initiated
// channel once it reaches open (spec §3); channels opened locally through
// CreateDataChannel do not trigger it.
func (s *SCTPTransport) OnDataChannel(f func(*DataChannel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDataChannelHandler = f
}

func (s *SCTPTransport) fireOnDataChannel(dc *DataChannel) {
	s.mu.RLock()
	hdlr := s.onDataChannelHandler
	s.mu.RUnlock()
	if hdlr != nil {
		hdlr(dc)
	}
}

// openChannel drives a DataChannel already created in the connecting
// state (spec §4.6 step 1, id=nil) through actually opening its SCTP
// stream once the association exists: allocates a stream id of our
// parity, sends DCEP OPEN via pion/datachannel, and flips the channel to
// open (spec §4.6 steps 2-3; see DESIGN.md for why this doesn't block on
// an explicit ACK signal).
func (s *SCTPTransport) openChannel(dc *DataChannel) error {
	s.mu.RLock()
	association := s.association
	s.mu.RUnlock()
	if association == nil {
		return &InvalidStateError{Err: ErrConnectionClosed}
	}

	params := dc.parameters()
	id := s.allocateStreamID()
	channelType, reliability := reliabilityToChannelType(params.Ordered, params.MaxRetransmits, params.MaxPacketLifeTime)

	cfg := &datachannel.Config{
		ChannelType:          channelType,
		ReliabilityParameter: reliability,
		Label:                params.Label,
		Protocol:             params.Protocol,
	}

	inner, err := datachannel.Dial(association, id, cfg)
	if err != nil {
		return &OperationError{Err: err}
	}

	dc.bind(s, id, inner)
	dc.setReadyState(DataChannelStateOpen)
	s.registerChannel(id, dc)
	go dc.readLoop()
	return nil
}

// acceptLoop accepts remotely-initiated data channel streams. Each
// successful datachannel.Accept has already completed the DCEP
// OPEN/ACK handshake (pion/datachannel validates and ACKs internally),
// so the resulting channel starts in the open state (spec §4.6
// "remotely-initiated channels").
func (s *SCTPTransport) acceptLoop() {
	s.mu.RLock()
	association := s.association
	loggerFactory := s.dtlsTransport.settings.LoggerFactory
	s.mu.RUnlock()

	for {
		inner, err := datachannel.Accept(association, &datachannel.Config{})
		if err != nil {
			s.log.Warnf("sctp: stopped accepting data channels: %v", err)
			return
		}

		id := inner.StreamIdentifier()
		if id%2 == s.localParity {
			s.log.Warnf("sctp: remote opened stream %d with our own parity, closing", id)
			_ = inner.Close()
			continue
		}

		ordered, maxRetransmits, maxPacketLifeTime := channelTypeToReliability(inner.Config.ChannelType, inner.Config.ReliabilityParameter)
		params := DataChannelParameters{
			Label:             inner.Config.Label,
			Protocol:          inner.Config.Protocol,
			Ordered:           ordered,
			MaxRetransmits:    maxRetransmits,
			MaxPacketLifeTime: maxPacketLifeTime,
		}

		dc := newDataChannel(params, loggerFactory)
		dc.bind(s, id, inner)
		dc.setReadyState(DataChannelStateOpen)
		s.registerChannel(id, dc)

		s.fireOnDataChannel(dc)
		go dc.readLoop()
	}
}

func (s *SCTPTransport) String() string {
	return fmt.Sprintf("SCTPTransport{state=%s}", s.State())
}
