package webrtc

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// stubICEAgent is the in-memory ICEAgent substitute SettingEngine's
// SetICEAgentFactory exists for: it never actually transports a byte, so
// tests can drive the signaling state machine end-to-end without a real
// ICE/DTLS handshake (SPEC_FULL.md §A.4).
type stubICEAgent struct {
	mu sync.Mutex

	ufrag, pwd string

	onState func(ICEConnectionState)
	onCand  func(string)
	onData  func([]byte)
}

var stubICECounter int64

func newStubICEAgent(ICERole) (ICEAgent, error) {
	n := atomic.AddInt64(&stubICECounter, 1)
	suffix := strconv.FormatInt(n, 10)
	return &stubICEAgent{
		ufrag: "ufrag" + suffix,
		pwd:   "password-pwpwpwpwpwpwpwpwpw" + suffix,
	}, nil
}

func (a *stubICEAgent) StartLink(ICERole) error       { return nil }
func (a *stubICEAgent) GatherCandidates() error       { return nil }
func (a *stubICEAgent) AddRemoteCandidate(string) error { return nil }

func (a *stubICEAgent) SetRemoteCredentials(ufrag, pwd string) error {
	return nil
}

func (a *stubICEAgent) GetLocalCredentials() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ufrag, a.pwd, nil
}

func (a *stubICEAgent) Restart() error     { return nil }
func (a *stubICEAgent) SendData([]byte) error { return nil }
func (a *stubICEAgent) Close() error        { return nil }

func (a *stubICEAgent) OnConnectionStateChange(f func(ICEConnectionState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = f
}

func (a *stubICEAgent) OnCandidate(f func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCand = f
}

func (a *stubICEAgent) OnData(f func([]byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onData = f
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	m := &MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	settings := NewSettingEngine()
	settings.SetICEAgentFactory(newStubICEAgent)
	return NewAPI(WithMediaEngine(m), WithSettingEngine(settings))
}

func newTestPeerConnection(t *testing.T) *PeerConnection {
	t.Helper()
	pc, err := newTestAPI(t).NewPeerConnection(Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

// TestFullOfferAnswerNegotiatesSingleVideoTrack runs the basic negotiation
// scenario: offerer adds a video transceiver, the two sides exchange
// offer/answer, and both land in signaling state stable with matching
// negotiated codecs and a sendrecv direction (spec §8).
func TestFullOfferAnswerNegotiatesSingleVideoTrack(t *testing.T) {
	offerer := newTestPeerConnection(t)
	answerer := newTestPeerConnection(t)

	if _, err := offerer.AddTransceiver(RTPCodecTypeVideo, RTPTransceiverDirectionSendrecv); err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	// The answerer must have its own track queued before it processes the
	// offer, so reconciliation (findAssociableTransceiver) associates this
	// add_track transceiver with the offered m-line instead of defaulting
	// to a recvonly-only transceiver with nothing to send back.
	if _, err := answerer.AddTrack(NewTrack(RTPCodecTypeVideo)); err != nil {
		t.Fatalf("answerer.AddTrack: %v", err)
	}

	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("offerer.SetLocalDescription: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer.SetRemoteDescription: %v", err)
	}

	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("answerer.SetLocalDescription: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer.SetRemoteDescription: %v", err)
	}

	if got := offerer.SignalingState(); got != SignalingStateStable {
		t.Errorf("offerer SignalingState() = %s, want stable", got)
	}
	if got := answerer.SignalingState(); got != SignalingStateStable {
		t.Errorf("answerer SignalingState() = %s, want stable", got)
	}

	offererTransceivers := offerer.GetTransceivers()
	answererTransceivers := answerer.GetTransceivers()
	if len(offererTransceivers) != 1 || len(answererTransceivers) != 1 {
		t.Fatalf("expected exactly one transceiver per side, got %d/%d", len(offererTransceivers), len(answererTransceivers))
	}

	ot, at := offererTransceivers[0], answererTransceivers[0]
	if ot.Mid() != at.Mid() {
		t.Errorf("mismatched MIDs: offerer=%q answerer=%q", ot.Mid(), at.Mid())
	}
	oDir, ok := ot.CurrentDirection()
	if !ok || oDir != RTPTransceiverDirectionSendrecv {
		t.Errorf("offerer CurrentDirection() = %s,%v, want sendrecv,true", oDir, ok)
	}
	aDir, ok := at.CurrentDirection()
	if !ok || aDir != RTPTransceiverDirectionSendrecv {
		t.Errorf("answerer CurrentDirection() = %s,%v, want sendrecv,true", aDir, ok)
	}

	if len(ot.Codecs()) == 0 || len(at.Codecs()) == 0 {
		t.Fatal("expected negotiated codecs on both sides")
	}
	if ot.Codecs()[0].PayloadType != at.Codecs()[0].PayloadType {
		t.Errorf("negotiated payload types differ: offerer=%d answerer=%d", ot.Codecs()[0].PayloadType, at.Codecs()[0].PayloadType)
	}
}

// TestSendonlyOfferIsAnsweredRecvonly exercises the direction-meet table
// (spec §4.2): an offerer that only intends to send is met by an
// answerer whose freshly reconciled transceiver defaults to recvonly,
// which the table resolves to recvonly (the answerer only ever receives,
// matching the offerer's sendonly intent exactly).
func TestSendonlyOfferIsAnsweredRecvonly(t *testing.T) {
	offerer := newTestPeerConnection(t)
	answerer := newTestPeerConnection(t)

	if _, err := offerer.AddTransceiver(RTPCodecTypeVideo, RTPTransceiverDirectionSendonly); err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("offerer.SetLocalDescription: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer.SetRemoteDescription: %v", err)
	}

	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("answerer.SetLocalDescription: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer.SetRemoteDescription: %v", err)
	}

	at := answerer.GetTransceivers()[0]
	dir, ok := at.CurrentDirection()
	if !ok || dir != RTPTransceiverDirectionRecvonly {
		t.Errorf("answerer CurrentDirection() = %s,%v, want recvonly,true", dir, ok)
	}

	ot := offerer.GetTransceivers()[0]
	if _, ok := ot.CurrentDirection(); !ok {
		t.Error("offerer transceiver should have a CurrentDirection once negotiation completes")
	}
}

func TestCreateOfferRejectsWrongSignalingState(t *testing.T) {
	offerer := newTestPeerConnection(t)
	answerer := newTestPeerConnection(t)

	if _, err := offerer.AddTransceiver(RTPCodecTypeAudio, RTPTransceiverDirectionSendrecv); err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	// have-remote-offer: once the answerer has received the offer it may
	// only answer, so CreateOffer is invalid here.
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer.SetRemoteDescription: %v", err)
	}
	if _, err := answerer.CreateOffer(false); err == nil {
		t.Error("CreateOffer should be rejected in have-remote-offer")
	}
}

func TestSetLocalDescriptionRejectsAlteredOffer(t *testing.T) {
	pc := newTestPeerConnection(t)
	if _, err := pc.AddTransceiver(RTPCodecTypeAudio, RTPTransceiverDirectionSendrecv); err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	offer, err := pc.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	offer.SDP += "\r\n"
	if err := pc.SetLocalDescription(offer); err == nil {
		t.Error("SetLocalDescription should reject an offer that doesn't match the last CreateOffer output")
	}
}

func TestCloseIsIdempotentAndClosesSignalingState(t *testing.T) {
	pc := newTestPeerConnection(t)
	if err := pc.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if got := pc.SignalingState(); got != SignalingStateClosed {
		t.Errorf("SignalingState() = %s, want closed", got)
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := pc.CreateOffer(false); err == nil {
		t.Error("CreateOffer on a closed PeerConnection should error")
	}
}
