package webrtc

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pionsdp "github.com/pion/sdp/v3"
)

const (
	rtcpReportBaseInterval = time.Second
	nackBatchInterval      = 100 * time.Millisecond
)

// PeerConnection is the spec §4.1 orchestrator: the single owner of the
// signaling state machine, the transceiver list, and the ICE/DTLS/SCTP
// transport triple. Per spec §5 a PeerConnection is a single-threaded
// actor - every exported method takes pc.mu for its entire body, so no
// caller ever observes a half-applied state transition.
type PeerConnection struct {
	mu sync.Mutex

	api      *API
	settings SettingEngine // private copy: an answeringDTLSRole override set
	// while answering must never leak into the shared API or another
	// PeerConnection built from it.
	configuration Configuration
	certificates  []Certificate
	log           logging.LeveledLogger

	signalingState     SignalingState
	iceConnectionState ICEConnectionState
	dtlsState          DTLSTransportState
	connectionState    PeerConnectionState

	currentLocalDescription  *SessionDescription
	pendingLocalDescription  *SessionDescription
	currentRemoteDescription *SessionDescription
	pendingRemoteDescription *SessionDescription
	lastOffer                string
	lastAnswer               string
	sessionID                uint64

	dataMid           string
	freedMLineIndices []int
	maxMLineIndex     int

	iceRole     ICERole
	haveICERole bool

	remoteFingerprint DTLSFingerprint
	remoteSetupAttr   string

	answerCommitted bool
	dtlsStarted     bool
	iceStarted      bool

	isClosed bool
	closedCh chan struct{}

	iceAgent      ICEAgent
	dtlsTransport *DTLSTransport
	sctpTransport *SCTPTransport

	transceivers []*RTPTransceiver
	demux        *demuxer

	localCandidates     []string
	pendingDataChannels []*DataChannel

	onSignalingStateChangeHandler  func(SignalingState)
	onICEConnectionStateChangeHdlr func(ICEConnectionState)
	onConnectionStateChangeHandler func(PeerConnectionState)
	onICECandidateHandler          func(candidate string)
	onNegotiationNeededHandler     func()
	onTrackHandler                 func(*TrackRemote, *RTPReceiver)
	onTrackMutedHandler            func(*RTPReceiver)
	onTrackEndedHandler            func(*RTPReceiver)
	onDataChannelHandler           func(*DataChannel)
	onRTPHandler                   func(trackID, rid string, pkt *rtp.Packet)
	onRTCPHandler                  func([]rtcp.Packet)
}

// NewPeerConnection creates a PeerConnection using api's MediaEngine and
// SettingEngine. A fresh certificate is generated unless the
// configuration supplies one, and a fresh ICEAgent and DTLSTransport are
// wired together, matching the reference's construction order.
func (api *API) NewPeerConnection(configuration Configuration) (*PeerConnection, error) {
	certificates := configuration.Certificates
	if len(certificates) == 0 {
		cert, err := GenerateCertificate()
		if err != nil {
			return nil, err
		}
		certificates = []Certificate{*cert}
	}

	pc := &PeerConnection{
		api:           api,
		settings:      api.settingEngine,
		configuration: configuration,
		certificates:  certificates,
		log:           api.settingEngine.LoggerFactory.NewLogger("peerconnection"),
		maxMLineIndex: -1,
		closedCh:      make(chan struct{}),
		demux:         newDemuxer(),
		sessionID:     newSDPSessionID(),
	}

	var urls []string
	for _, s := range configuration.ICEServers {
		urls = append(urls, s.URLs...)
	}

	var agent ICEAgent
	var err error
	if pc.settings.iceAgentFactory != nil {
		agent, err = pc.settings.iceAgentFactory(ICERoleControlling)
	} else {
		agent, err = newDefaultICEAgent(urls, pc.settings.LoggerFactory)
	}
	if err != nil {
		return nil, err
	}
	pc.iceAgent = agent
	agent.OnConnectionStateChange(pc.handleICEStateChange)
	agent.OnCandidate(pc.handleLocalCandidate)

	pc.dtlsTransport = newDTLSTransport(certificates, &pc.settings, agent, ICERoleControlling)
	pc.dtlsTransport.OnStateChange(pc.handleDTLSStateChange)
	pc.dtlsTransport.OnRTP(pc.handleRTP)
	pc.dtlsTransport.OnRTCP(pc.handleRTCP)

	pc.sctpTransport = newSCTPTransport(pc.dtlsTransport, pc.settings.LoggerFactory)
	pc.sctpTransport.OnDataChannel(pc.handleRemoteDataChannel)

	go pc.reportLoop()
	go pc.nackLoop()

	return pc, nil
}

// ---- notification registration ----

func (pc *PeerConnection) OnSignalingStateChange(f func(SignalingState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onSignalingStateChangeHandler = f
}

func (pc *PeerConnection) OnICEConnectionStateChange(f func(ICEConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICEConnectionStateChangeHdlr = f
}

func (pc *PeerConnection) OnConnectionStateChange(f func(PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onConnectionStateChangeHandler = f
}

func (pc *PeerConnection) OnICECandidate(f func(candidate string)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICECandidateHandler = f
}

// OnNegotiationNeeded registers the handler fired per spec §4.1's
// add_transceiver/add_track "emits a negotiation_needed notification only
// if the signaling state is stable" rule.
func (pc *PeerConnection) OnNegotiationNeeded(f func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onNegotiationNeededHandler = f
}

func (pc *PeerConnection) OnTrack(f func(*TrackRemote, *RTPReceiver)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrackHandler = f
}

func (pc *PeerConnection) OnTrackMuted(f func(*RTPReceiver)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrackMutedHandler = f
}

func (pc *PeerConnection) OnTrackEnded(f func(*RTPReceiver)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrackEndedHandler = f
}

func (pc *PeerConnection) OnDataChannel(f func(*DataChannel)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onDataChannelHandler = f
}

// OnRTP registers the handler backing spec §4.1's "rtp(track_id, rid,
// packet)" notification.
func (pc *PeerConnection) OnRTP(f func(trackID, rid string, pkt *rtp.Packet)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onRTPHandler = f
}

func (pc *PeerConnection) OnRTCP(f func([]rtcp.Packet)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onRTCPHandler = f
}

// fireSignalingStateChange mirrors the reference's onSignalingStateChange
// idiom: read the handler under the lock already held by the caller,
// then invoke it from a goroutine so a reentrant call from inside the
// handler can never deadlock on pc.mu.
func (pc *PeerConnection) fireSignalingStateChangeLocked(s SignalingState) {
	hdlr := pc.onSignalingStateChangeHandler
	if hdlr != nil {
		go hdlr(s)
	}
}

func (pc *PeerConnection) fireNegotiationNeededLocked() {
	hdlr := pc.onNegotiationNeededHandler
	if hdlr != nil {
		go hdlr()
	}
}

func (pc *PeerConnection) fireICECandidate(candidate string) {
	pc.mu.Lock()
	hdlr := pc.onICECandidateHandler
	pc.mu.Unlock()
	if hdlr != nil {
		hdlr(candidate)
	}
}

// ---- exported accessors ----

func (pc *PeerConnection) SignalingState() SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.signalingState
}

func (pc *PeerConnection) ConnectionState() PeerConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.connectionState
}

func (pc *PeerConnection) ICEConnectionState() ICEConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.iceConnectionState
}

func (pc *PeerConnection) CurrentLocalDescription() *SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.currentLocalDescription
}

func (pc *PeerConnection) PendingLocalDescription() *SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.pendingLocalDescription
}

func (pc *PeerConnection) CurrentRemoteDescription() *SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.currentRemoteDescription
}

func (pc *PeerConnection) PendingRemoteDescription() *SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.pendingRemoteDescription
}

func (pc *PeerConnection) GetTransceivers() []*RTPTransceiver {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]*RTPTransceiver(nil), pc.transceivers...)
}

// ---- transceiver / track management (spec §4.1) ----

// AddTransceiver appends a new transceiver for kind with the given
// direction (sendrecv if unspecified), emitting negotiation_needed only
// when the signaling state is currently stable.
func (pc *PeerConnection) AddTransceiver(kind RTPCodecType, direction RTPTransceiverDirection) (*RTPTransceiver, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return nil, &InvalidStateError{Err: ErrConnectionClosed}
	}

	sender, err := newRTPSender(pc.nextTransceiverID(), nil)
	if err != nil {
		return nil, err
	}
	receiver := newRTPReceiver(pc.nextTransceiverID(), kind)
	t := newRTPTransceiver(pc.nextTransceiverID(), kind, direction, sender, receiver)
	pc.transceivers = append(pc.transceivers, t)

	if pc.signalingState == SignalingStateStable {
		pc.fireNegotiationNeededLocked()
	}
	return t, nil
}

// AddTrack implements spec §4.1's add_track reuse-or-create rule.
func (pc *PeerConnection) AddTrack(track *Track) (*RTPSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return nil, &InvalidStateError{Err: ErrConnectionClosed}
	}

	for _, t := range pc.transceivers {
		if t.Kind() != track.Kind || !t.addedByAddTrack {
			continue
		}
		if t.Sender().Track() != nil {
			continue
		}
		d := t.Direction()
		if d != RTPTransceiverDirectionRecvonly && d != RTPTransceiverDirectionInactive {
			continue
		}
		next := RTPTransceiverDirectionSendrecv
		if d == RTPTransceiverDirectionInactive {
			next = RTPTransceiverDirectionSendonly
		}
		t.setDirection(next)
		_ = t.Sender().ReplaceTrack(track)
		if pc.signalingState == SignalingStateStable {
			pc.fireNegotiationNeededLocked()
		}
		return t.Sender(), nil
	}

	sender, err := newRTPSender(pc.nextTransceiverID(), track)
	if err != nil {
		return nil, err
	}
	receiver := newRTPReceiver(pc.nextTransceiverID(), track.Kind)
	t := newRTPTransceiver(pc.nextTransceiverID(), track.Kind, RTPTransceiverDirectionSendrecv, sender, receiver)
	t.addedByAddTrack = true
	pc.transceivers = append(pc.transceivers, t)

	if pc.signalingState == SignalingStateStable {
		pc.fireNegotiationNeededLocked()
	}
	return sender, nil
}

// RemoveTrack implements spec §4.1's remove_track direction demotion.
func (pc *PeerConnection) RemoveTrack(senderID string) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return &InvalidStateError{Err: ErrConnectionClosed}
	}

	for _, t := range pc.transceivers {
		if t.Sender().ID() != senderID {
			continue
		}
		_ = t.Sender().ReplaceTrack(nil)
		switch t.Direction() {
		case RTPTransceiverDirectionSendrecv:
			t.setDirection(RTPTransceiverDirectionRecvonly)
		case RTPTransceiverDirectionSendonly:
			t.setDirection(RTPTransceiverDirectionInactive)
		}
		if pc.signalingState == SignalingStateStable {
			pc.fireNegotiationNeededLocked()
		}
		return nil
	}
	return &InvalidAccessError{Err: ErrInvalidSenderID}
}

func (pc *PeerConnection) nextTransceiverID() string {
	return uuid.NewString()
}

// ---- m-line / MID allocation (spec §4.2 "m-line recycling") ----

// allocateMLineSlotLocked assigns t the lowest freed m-line index if one
// is available, else appends a new one. Recycling a freed index here
// (rather than in the pure reconciler) is what makes the recycling rule
// correct across renegotiations: a slot only becomes eligible once
// removeStoppedTransceivers has actually dropped its prior occupant from
// the list at a completed negotiation, not the moment Stop() is called.
func (pc *PeerConnection) allocateMLineSlotLocked(t *RTPTransceiver) {
	if len(pc.freedMLineIndices) > 0 {
		sort.Ints(pc.freedMLineIndices)
		index := pc.freedMLineIndices[0]
		pc.freedMLineIndices = pc.freedMLineIndices[1:]
		t.setMLineIndex(index)
		return
	}
	pc.maxMLineIndex++
	t.setMLineIndex(pc.maxMLineIndex)
}

func (pc *PeerConnection) syncMaxMLineIndexLocked() {
	for _, t := range pc.transceivers {
		if index, has := t.MLineIndex(); has && index > pc.maxMLineIndex {
			pc.maxMLineIndex = index
		}
	}
}

// ensureDataMidLocked reserves the permanent MID for the application
// (SCTP) m-line the first time it is needed, never recycled via
// freedMLineIndices since the application section always stays last.
func (pc *PeerConnection) ensureDataMidLocked(remote *pionsdp.SessionDescription) {
	if pc.dataMid != "" {
		return
	}
	pc.dataMid = allocateMID(pc.transceivers, remote)
}

// nextMIDLocked assigns the next free MID, skipping over the reserved
// data MID if the natural next value collides with it.
func (pc *PeerConnection) nextMIDLocked(remote *pionsdp.SessionDescription) string {
	mid := allocateMID(pc.transceivers, remote)
	if mid == pc.dataMid {
		mid = allocateMID(append(append([]*RTPTransceiver(nil), pc.transceivers...), dummyMidTransceiver(mid)), remote)
	}
	return mid
}

// dummyMidTransceiver returns a throwaway transceiver carrying only mid,
// used by nextMIDLocked to make allocateMID "see" the reserved data MID
// without giving the application section a real *RTPTransceiver entry.
func dummyMidTransceiver(mid string) *RTPTransceiver {
	t := &RTPTransceiver{}
	t.mid = mid
	return t
}

// CreateOffer implements spec §4.1 create_offer.
func (pc *PeerConnection) CreateOffer(iceRestart bool) (SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return SessionDescription{}, &InvalidStateError{Err: ErrConnectionClosed}
	}
	if pc.signalingState != SignalingStateStable && pc.signalingState != SignalingStateHaveLocalOffer {
		return SessionDescription{}, &InvalidStateError{Err: ErrInvalidStateChange}
	}

	if iceRestart {
		if err := pc.iceAgent.Restart(); err != nil {
			return SessionDescription{}, &OperationError{Err: err}
		}
	}

	if !pc.haveICERole {
		pc.iceRole = ICERoleControlling
		pc.haveICERole = true
		pc.dtlsTransport.setICERole(pc.iceRole)
	}

	var remoteParsed *pionsdp.SessionDescription
	if pc.currentRemoteDescription != nil {
		remoteParsed, _ = pc.currentRemoteDescription.Parsed()
	}

	pc.syncMaxMLineIndexLocked()
	for _, t := range pc.transceivers {
		if _, has := t.MLineIndex(); !has {
			pc.allocateMLineSlotLocked(t)
		}
	}
	pc.ensureDataMidLocked(remoteParsed)
	for _, t := range pc.transceivers {
		if t.Mid() == "" {
			t.setMid(pc.nextMIDLocked(remoteParsed))
		}
	}

	ordered := append([]*RTPTransceiver(nil), pc.transceivers...)
	sort.Slice(ordered, func(i, j int) bool {
		ii, _ := ordered[i].MLineIndex()
		jj, _ := ordered[j].MLineIndex()
		return ii < jj
	})

	var sections []sdpMediaSectionPlan
	for _, t := range ordered {
		codecs := t.Codecs()
		if len(codecs) == 0 && !t.Stopped() {
			codecs = pc.api.mediaEngine.codecsForKind(t.Kind())
		}
		section := sdpMediaSectionPlan{
			mid:              t.Mid(),
			kind:             t.Kind(),
			rejected:         t.Stopped() || t.isStopping(),
			direction:        t.Direction(),
			codecs:           codecs,
			headerExtensions: headerExtensionsForOffer(pc.api.mediaEngine, t),
		}
		if t.Direction().hasSend() && !t.Stopped() {
			section.ssrc = t.Sender().SSRC()
			if t.Kind() == RTPCodecTypeVideo {
				section.rtxSSRC = t.Sender().RTXSSRC()
			}
			if track := t.Sender().Track(); track != nil {
				section.trackID = track.ID
				if len(track.StreamIDs) > 0 {
					section.streamID = track.StreamIDs[0]
				}
				section.rids = track.RIDs
			}
		}
		sections = append(sections, section)
	}
	sections = append(sections, sdpMediaSectionPlan{mid: pc.dataMid, isApplication: true})

	fingerprints, err := pc.certificates[0].GetFingerprints()
	if err != nil {
		return SessionDescription{}, err
	}
	ufrag, pwd, err := pc.iceAgent.GetLocalCredentials()
	if err != nil {
		return SessionDescription{}, &OperationError{Err: err}
	}

	desc, err := buildSessionDescription(sdpBuildParams{
		sections:     sections,
		fingerprints: fingerprints,
		setup:        "actpass",
		iceUfrag:     ufrag,
		icePwd:       pwd,
		trickleICE:   true,
		candidates:   pc.localCandidates,
		sessionID:    pc.sessionID,
	})
	if err != nil {
		return SessionDescription{}, err
	}

	raw, err := desc.Marshal()
	if err != nil {
		return SessionDescription{}, &SyntaxError{Err: err}
	}
	pc.lastOffer = string(raw)
	return SessionDescription{Type: SDPTypeOffer, SDP: string(raw)}, nil
}

// headerExtensionsForOffer lists the header extensions this module
// offers for a transceiver: once negotiated, whatever was negotiated;
// before negotiation, the engine's full registered set.
func headerExtensionsForOffer(engine *MediaEngine, t *RTPTransceiver) []RTPHeaderExtensionParameter {
	if exts := t.HeaderExtensions(); len(exts) > 0 {
		return exts
	}
	var out []RTPHeaderExtensionParameter
	for i, uri := range engine.headerExtensionURIs() {
		out = append(out, RTPHeaderExtensionParameter{ID: i + 1, URI: uri})
	}
	return out
}

// CreateAnswer implements spec §4.1 create_answer.
func (pc *PeerConnection) CreateAnswer() (SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return SessionDescription{}, &InvalidStateError{Err: ErrConnectionClosed}
	}
	if pc.signalingState != SignalingStateHaveRemoteOffer && pc.signalingState != SignalingStateHaveLocalPranswer {
		return SessionDescription{}, &InvalidStateError{Err: ErrInvalidStateChange}
	}
	if pc.pendingRemoteDescription == nil {
		return SessionDescription{}, &InvalidStateError{Err: ErrNoRemoteDescription}
	}

	remote, err := pc.pendingRemoteDescription.Parsed()
	if err != nil {
		return SessionDescription{}, err
	}

	var sections []sdpMediaSectionPlan
	for _, media := range remote.MediaDescriptions {
		mid := getMidValue(media)
		if media.MediaName.Media == mediaSectionApplication {
			sections = append(sections, sdpMediaSectionPlan{mid: mid, isApplication: true})
			continue
		}

		kind := NewRTPCodecType(media.MediaName.Media)
		t := pc.findTransceiverByMidLocked(mid)
		section := sdpMediaSectionPlan{mid: mid, kind: kind}
		if t == nil || len(t.Codecs()) == 0 || isRejectedMediaSection(media) {
			section.rejected = true
			section.direction = RTPTransceiverDirectionInactive
		} else {
			section.direction = directionMeet(getPeerDirection(media), t.Direction())
			section.codecs = t.Codecs()
			section.headerExtensions = t.HeaderExtensions()
			if section.direction.hasSend() {
				section.ssrc = t.Sender().SSRC()
				if kind == RTPCodecTypeVideo {
					section.rtxSSRC = t.Sender().RTXSSRC()
				}
				if track := t.Sender().Track(); track != nil {
					section.trackID = track.ID
					if len(track.StreamIDs) > 0 {
						section.streamID = track.StreamIDs[0]
					}
				}
			}
		}
		sections = append(sections, section)
	}

	fingerprints, err := pc.certificates[0].GetFingerprints()
	if err != nil {
		return SessionDescription{}, err
	}
	ufrag, pwd, err := pc.iceAgent.GetLocalCredentials()
	if err != nil {
		return SessionDescription{}, &OperationError{Err: err}
	}

	desc, err := buildSessionDescription(sdpBuildParams{
		sections:     sections,
		fingerprints: fingerprints,
		setup:        "active",
		iceUfrag:     ufrag,
		icePwd:       pwd,
		trickleICE:   true,
		candidates:   pc.localCandidates,
		sessionID:    pc.sessionID,
	})
	if err != nil {
		return SessionDescription{}, err
	}

	raw, err := desc.Marshal()
	if err != nil {
		return SessionDescription{}, &SyntaxError{Err: err}
	}
	pc.lastAnswer = string(raw)
	return SessionDescription{Type: SDPTypeAnswer, SDP: string(raw)}, nil
}

func (pc *PeerConnection) findTransceiverByMidLocked(mid string) *RTPTransceiver {
	for _, t := range pc.transceivers {
		if t.Mid() == mid {
			return t
		}
	}
	return nil
}

// ---- set_local_description / set_remote_description (spec §4.1) ----

func (pc *PeerConnection) SetLocalDescription(sd SessionDescription) error {
	return pc.setDescription(sd, stateChangeOpSetLocal)
}

func (pc *PeerConnection) SetRemoteDescription(sd SessionDescription) error {
	return pc.setDescription(sd, stateChangeOpSetRemote)
}

func (pc *PeerConnection) setDescription(sd SessionDescription, op stateChangeOp) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return &InvalidStateError{Err: ErrConnectionClosed}
	}

	if sd.Type != SDPTypeRollback {
		if op == stateChangeOpSetLocal {
			if sd.Type == SDPTypeOffer && sd.SDP != pc.lastOffer {
				return &InvalidModificationError{Err: ErrOfferAltered}
			}
			if sd.Type == SDPTypeAnswer && sd.SDP != pc.lastAnswer {
				return &InvalidModificationError{Err: ErrAnswerAltered}
			}
		}

		parsed, err := sd.Parsed()
		if err != nil {
			return err
		}
		if err := pc.validateStructureLocked(parsed); err != nil {
			return err
		}
	}

	nextState, err := checkNextSignalingState(pc.signalingState, op, sd.Type)
	if err != nil {
		return err
	}

	if sd.Type == SDPTypeRollback {
		if op == stateChangeOpSetLocal {
			pc.pendingLocalDescription = nil
		} else {
			pc.pendingRemoteDescription = nil
		}
		pc.signalingState = nextState
		pc.fireSignalingStateChangeLocked(nextState)
		return nil
	}

	parsed, _ := sd.Parsed()

	if op == stateChangeOpSetLocal {
		pc.pendingLocalDescription = &sd
	} else {
		if err := pc.applyRemoteDescriptionLocked(sd, parsed); err != nil {
			return err
		}
		pc.pendingRemoteDescription = &sd
	}

	pc.signalingState = nextState

	if sd.Type == SDPTypeAnswer {
		answer := pc.pendingLocalDescription
		if op == stateChangeOpSetRemote {
			answer = pc.pendingRemoteDescription
		}
		if err := pc.finalizeNegotiationLocked(answer); err != nil {
			return err
		}
	}

	pc.fireSignalingStateChangeLocked(nextState)
	return nil
}

// validateStructureLocked implements spec §4.1 set_*_description checks
// (c)-(f): unique MIDs, one exhaustive BUNDLE group, consistent ICE
// credentials, and a single sha-256 DTLS fingerprint.
func (pc *PeerConnection) validateStructureLocked(parsed *pionsdp.SessionDescription) error {
	seen := map[string]bool{}
	for _, m := range parsed.MediaDescriptions {
		mid := getMidValue(m)
		if mid == "" {
			return &InvalidAccessError{Err: ErrMissingMID}
		}
		if seen[mid] {
			return &InvalidAccessError{Err: ErrDuplicatedMID}
		}
		seen[mid] = true
	}
	if _, err := extractBundleGroup(parsed); err != nil {
		return err
	}
	if _, _, err := extractICECredentials(parsed); err != nil {
		return err
	}
	if _, _, err := extractFingerprint(parsed); err != nil {
		return err
	}
	return nil
}

// applyRemoteDescriptionLocked handles the parts of set_remote_description
// specific to the remote side: ICE role assignment on the first remote
// offer, reconciling the transceiver list on an offer, extracting
// ICE/DTLS material, and starting the ICE link once.
func (pc *PeerConnection) applyRemoteDescriptionLocked(sd SessionDescription, parsed *pionsdp.SessionDescription) error {
	if sd.Type == SDPTypeOffer && !pc.haveICERole {
		pc.iceRole = ICERoleControlled
		pc.haveICERole = true
		pc.dtlsTransport.setICERole(pc.iceRole)
	}

	algo, value, err := extractFingerprint(parsed)
	if err != nil {
		return err
	}
	pc.remoteFingerprint = DTLSFingerprint{Algorithm: algo, Value: value}
	pc.remoteSetupAttr = extractSetupAttr(parsed)

	ufrag, pwd, err := extractICECredentials(parsed)
	if err != nil {
		return err
	}
	if err := pc.iceAgent.SetRemoteCredentials(ufrag, pwd); err != nil {
		return &OperationError{Err: err}
	}
	for _, c := range extractRemoteCandidates(parsed) {
		_ = pc.iceAgent.AddRemoteCandidate(c)
	}

	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == mediaSectionApplication && pc.dataMid == "" {
			pc.dataMid = getMidValue(m)
		}
		for _, a := range m.Attributes {
			if a.Key != "ssrc" {
				continue
			}
			id, _, _ := strings.Cut(a.Value, " ")
			if ssrc, err := strconv.ParseUint(id, 10, 32); err == nil {
				pc.demux.learnSSRC(SSRC(ssrc), getMidValue(m))
			}
		}
	}

	if sd.Type == SDPTypeOffer {
		transceivers, err := reconcileRemoteDescription(pc.transceivers, parsed, pc.api.mediaEngine, pc.nextTransceiverID)
		if err != nil {
			return err
		}
		pc.transceivers = transceivers
		pc.syncMaxMLineIndexLocked()
	}

	if sd.Type == SDPTypeAnswer {
		for _, m := range parsed.MediaDescriptions {
			t := pc.findTransceiverByMidLocked(getMidValue(m))
			if t == nil {
				continue
			}
			primary, rtxByPT := negotiateCodecs(pc.api.mediaEngine, t.Kind(), m)
			t.setCodecs(primary)
			t.setHeaderExtensions(parseRemoteHeaderExtensions(m))
			if len(primary) > 0 {
				if rtx, ok := rtxByPT[primary[0].PayloadType]; ok {
					t.Sender().setRTXCodec(&rtx)
				}
			}
		}
	}

	if !pc.iceStarted {
		pc.iceStarted = true
		if err := pc.iceAgent.GatherCandidates(); err != nil {
			return &OperationError{Err: err}
		}
		if err := pc.iceAgent.StartLink(pc.iceRole); err != nil {
			return &OperationError{Err: err}
		}
	}
	return nil
}

// finalizeNegotiationLocked implements spec §4.1's atomic answer-commit
// step: starts DTLS (gated until ICE is also connected), finalizes per-
// transceiver negotiated direction/codecs/transport wiring, fires
// track/track_muted/track_ended, removes stopped transceivers, and
// rebuilds the demuxer.
func (pc *PeerConnection) finalizeNegotiationLocked(answer *SessionDescription) error {
	if answer == nil {
		return &InvalidStateError{Err: ErrInvalidStateChange}
	}
	parsed, err := answer.Parsed()
	if err != nil {
		return err
	}

	midExtID := 0
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == mediaSectionApplication {
			continue
		}
		for _, ext := range parseRemoteHeaderExtensions(m) {
			if ext.URI == sdesMIDURI {
				midExtID = ext.ID
				break
			}
		}
		if midExtID != 0 {
			break
		}
	}

	type trackEvent struct {
		t *RTPTransceiver
	}
	var fired []trackEvent
	var muted []trackEvent

	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == mediaSectionApplication {
			continue
		}
		mid := getMidValue(m)
		t := pc.findTransceiverByMidLocked(mid)
		if t == nil {
			continue
		}

		if isRejectedMediaSection(m) {
			t.Stop()
			continue
		}

		dir := getPeerDirection(m)
		t.setCurrentDirection(dir)

		codecs := t.Codecs()
		var codec RTPCodecParameters
		if len(codecs) > 0 {
			codec = codecs[0]
		}
		t.Sender().setNegotiated(codec, t.Sender().RTXCodec(), mid, midExtID, pc.dtlsTransport)
		t.Receiver().setNegotiated(codec, 0)
		t.Receiver().setOnRTP(pc.emitRTP)

		prev, hadFired := t.markFired(dir)
		nowRecv := dir.hasRecv()
		wasRecv := hadFired && prev.hasRecv()
		if nowRecv && !wasRecv {
			fired = append(fired, trackEvent{t})
		} else if !nowRecv && wasRecv {
			muted = append(muted, trackEvent{t})
		}
	}

	var ended []*RTPTransceiver
	for _, t := range pc.transceivers {
		if t.isStopping() && !t.Stopped() {
			t.finalizeStop()
			ended = append(ended, t)
		}
	}

	pc.transceivers, pc.freedMLineIndices = removeStoppedTransceivers(pc.transceivers, pc.freedMLineIndices)
	pc.demux.rebuild(pc.transceivers)

	for _, e := range fired {
		hdlr := pc.onTrackHandler
		recv := e.t.Receiver()
		if hdlr != nil {
			go hdlr(recv.Track(), recv)
		}
	}
	for _, e := range muted {
		hdlr := pc.onTrackMutedHandler
		if hdlr != nil {
			go hdlr(e.t.Receiver())
		}
	}
	for _, t := range ended {
		hdlr := pc.onTrackEndedHandler
		if hdlr != nil {
			go hdlr(t.Receiver())
		}
	}

	pc.answerCommitted = true
	pc.maybeStartDTLSLocked()
	return nil
}

// ---- DTLS/SCTP startup sequencing (spec §4.5/§4.6) ----

// maybeStartDTLSLocked starts the DTLS handshake exactly once, once both
// the answer has committed and ICE has reached connected (spec §4.5:
// "set_ice_connected" plus the role fixed at answer-commit time).
func (pc *PeerConnection) maybeStartDTLSLocked() {
	if pc.dtlsStarted || !pc.answerCommitted {
		return
	}
	if pc.iceConnectionState != ICEConnectionStateConnected && pc.iceConnectionState != ICEConnectionStateCompleted {
		return
	}

	if pc.remoteSetupAttr == "actpass" && pc.settings.answeringDTLSRole == DTLSRoleAuto && pc.iceRole == ICERoleControlled {
		pc.settings.answeringDTLSRole = DTLSRoleClient
	}

	pc.dtlsStarted = true
	fingerprint := pc.remoteFingerprint
	setup := pc.remoteSetupAttr
	go func() {
		if err := pc.dtlsTransport.Start(fingerprint, setup); err != nil {
			pc.log.Warnf("DTLS handshake failed: %v", err)
		}
	}()
}

func (pc *PeerConnection) handleDTLSStateChange(state DTLSTransportState) {
	pc.mu.Lock()
	pc.dtlsState = state
	pc.updateConnectionStateLocked()
	pc.mu.Unlock()

	if state == DTLSTransportStateConnected {
		pc.startSCTP()
	}
}

func (pc *PeerConnection) startSCTP() {
	pc.mu.Lock()
	role := pc.dtlsTransport.role()
	pending := append([]*DataChannel(nil), pc.pendingDataChannels...)
	pc.pendingDataChannels = nil
	pc.mu.Unlock()

	if err := pc.sctpTransport.Start(role); err != nil {
		pc.log.Warnf("sctp: failed to start association: %v", err)
		return
	}
	for _, dc := range pending {
		if err := pc.sctpTransport.openChannel(dc); err != nil {
			pc.log.Warnf("sctp: failed to open queued data channel %q: %v", dc.Label(), err)
		}
	}
}

func (pc *PeerConnection) handleICEStateChange(state ICEConnectionState) {
	pc.mu.Lock()
	pc.iceConnectionState = state
	pc.updateConnectionStateLocked()
	pc.maybeStartDTLSLocked()
	hdlr := pc.onICEConnectionStateChangeHdlr
	pc.mu.Unlock()
	if hdlr != nil {
		go hdlr(state)
	}
}

func (pc *PeerConnection) updateConnectionStateLocked() {
	next := peerConnectionStateFromTransports(pc.iceConnectionState, pc.dtlsState)
	if next == pc.connectionState {
		return
	}
	pc.connectionState = next
	hdlr := pc.onConnectionStateChangeHandler
	if hdlr != nil {
		go hdlr(next)
	}
}

func (pc *PeerConnection) handleLocalCandidate(candidate string) {
	pc.mu.Lock()
	pc.localCandidates = append(pc.localCandidates, candidate)
	pc.mu.Unlock()
	pc.fireICECandidate(candidate)
}

// AddICECandidate implements spec §4.1 add_ice_candidate.
func (pc *PeerConnection) AddICECandidate(candidate string) error {
	pc.mu.Lock()
	if pc.currentRemoteDescription == nil && pc.pendingRemoteDescription == nil {
		pc.mu.Unlock()
		return &InvalidStateError{Err: ErrNoRemoteDescription}
	}
	agent := pc.iceAgent
	pc.mu.Unlock()
	return agent.AddRemoteCandidate(candidate)
}

// ---- RTP/RTCP dispatch (spec §4.3/§4.4) ----

func (pc *PeerConnection) handleRTP(pkt *rtp.Packet) {
	pc.mu.Lock()
	t, rid, err := pc.demux.route(pkt)
	if err == nil {
		pc.demux.learnSSRC(SSRC(pkt.SSRC), t.Mid())
	}
	pc.mu.Unlock()
	if err != nil {
		return
	}
	t.Receiver().handleRTP(pkt, rid)
}

func (pc *PeerConnection) emitRTP(e rtpPacketEvent) {
	pc.mu.Lock()
	hdlr := pc.onRTPHandler
	pc.mu.Unlock()
	if hdlr != nil {
		hdlr(e.trackID, e.rid, e.packet)
	}
}

func (pc *PeerConnection) handleRTCP(pkts []rtcp.Packet) {
	pc.mu.Lock()
	transceivers := append([]*RTPTransceiver(nil), pc.transceivers...)
	hdlr := pc.onRTCPHandler
	pc.mu.Unlock()

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			for _, t := range transceivers {
				sender := t.Sender()
				if sender.SSRC() != SSRC(p.MediaSSRC) && sender.RTXSSRC() != SSRC(p.MediaSSRC) {
					continue
				}
				var lost []uint16
				for _, pair := range p.Nacks {
					lost = append(lost, pair.PacketList()...)
				}
				sender.onNACK(lost)
			}
		case *rtcp.PictureLossIndication:
			for _, t := range transceivers {
				if t.Sender().SSRC() == SSRC(p.MediaSSRC) {
					t.Sender().onPLI()
				}
			}
		}
	}

	if hdlr != nil {
		hdlr(pkts)
	}
}

// ---- data channels (spec §4.6) ----

// CreateDataChannel implements spec §4.6 step 1: constructs the channel
// immediately in the connecting state, queuing it to open once the SCTP
// association exists.
func (pc *PeerConnection) CreateDataChannel(label string, params DataChannelParameters) (*DataChannel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.isClosed {
		return nil, &InvalidStateError{Err: ErrConnectionClosed}
	}
	params.Label = label

	dc := newDataChannel(params, pc.settings.LoggerFactory)
	if pc.sctpTransport.State() == SCTPTransportStateConnected {
		if err := pc.sctpTransport.openChannel(dc); err != nil {
			return nil, err
		}
	} else {
		pc.pendingDataChannels = append(pc.pendingDataChannels, dc)
	}

	if pc.signalingState == SignalingStateStable && !pc.answerCommitted {
		pc.fireNegotiationNeededLocked()
	}
	return dc, nil
}

func (pc *PeerConnection) handleRemoteDataChannel(dc *DataChannel) {
	pc.mu.Lock()
	hdlr := pc.onDataChannelHandler
	pc.mu.Unlock()
	if hdlr != nil {
		go hdlr(dc)
	}
}

// ---- periodic RTCP reporting and NACK batching (spec §4.3) ----

func (pc *PeerConnection) reportLoop() {
	rnd := rand.New(rand.NewSource(int64(pc.sessionID)))
	for {
		interval := reportJitterInterval(rtcpReportBaseInterval, rnd.Float64)
		select {
		case <-time.After(interval):
		case <-pc.closedCh:
			return
		}
		pc.sendPeriodicReports()
	}
}

func (pc *PeerConnection) sendPeriodicReports() {
	pc.mu.Lock()
	transceivers := append([]*RTPTransceiver(nil), pc.transceivers...)
	transport := pc.dtlsTransport
	pc.mu.Unlock()

	var pkts []rtcp.Packet
	for _, t := range transceivers {
		if sr := t.Sender().buildSenderReport(); sr != nil {
			pkts = append(pkts, sr)
		}
		if rr := t.Receiver().buildReceiverReport(); rr != nil {
			pkts = append(pkts, &rtcp.ReceiverReport{SSRC: rr.SSRC, Reports: []rtcp.ReceptionReport{*rr}})
		}
	}
	if len(pkts) > 0 {
		_ = transport.writeRTCP(pkts)
	}
}

func (pc *PeerConnection) nackLoop() {
	ticker := time.NewTicker(nackBatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pc.sendPendingNACKs()
		case <-pc.closedCh:
			return
		}
	}
}

func (pc *PeerConnection) sendPendingNACKs() {
	pc.mu.Lock()
	transceivers := append([]*RTPTransceiver(nil), pc.transceivers...)
	transport := pc.dtlsTransport
	pc.mu.Unlock()

	var pkts []rtcp.Packet
	for _, t := range transceivers {
		receiver := t.Receiver()
		rids := []string{""}
		if track := receiver.Track(); track != nil && track.RID != "" {
			rids = []string{track.RID}
		}
		for _, rid := range rids {
			missing := receiver.pendingNACKs(rid)
			if len(missing) == 0 {
				continue
			}
			track := receiver.Track()
			if track == nil {
				continue
			}
			pkts = append(pkts, &rtcp.TransportLayerNack{
				MediaSSRC: uint32(track.SSRC()),
				Nacks:     nackPairsFromSequenceNumbers(missing),
			})
		}
	}
	if len(pkts) > 0 {
		_ = transport.writeRTCP(pkts)
	}
}

// Close implements spec §4.1 close: marks all data channels closed,
// tears down the ICE/DTLS/SCTP transports, and transitions to the
// terminal signaling and connection states.
func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.isClosed {
		pc.mu.Unlock()
		return nil
	}
	pc.isClosed = true
	pc.signalingState = SignalingStateClosed
	channels := make([]*DataChannel, 0, len(pc.sctpTransport.channels))
	for _, dc := range pc.sctpTransport.channels {
		channels = append(channels, dc)
	}
	pc.mu.Unlock()

	close(pc.closedCh)

	for _, dc := range channels {
		_ = dc.Close()
	}
	_ = pc.sctpTransport.Stop()
	_ = pc.dtlsTransport.Close()
	_ = pc.iceAgent.Close()

	pc.mu.Lock()
	pc.dtlsState = DTLSTransportStateClosed
	pc.updateConnectionStateLocked()
	pc.mu.Unlock()
	return nil
}
