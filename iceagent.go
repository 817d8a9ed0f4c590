package webrtc

import (
	"context"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
)

// ICEAgent is the external collaborator spec §6 names literally: the
// PeerConnection calls StartLink/GatherCandidates/AddRemoteCandidate/
// SetRemoteCredentials/GetLocalCredentials/Restart/SendData, and the
// agent calls back OnConnectionStateChange/OnCandidate/OnData. Candidate
// gathering and connectivity checks live entirely behind this boundary;
// this module never touches a socket directly (spec §1 Non-goals).
type ICEAgent interface {
	StartLink(role ICERole) error
	GatherCandidates() error
	AddRemoteCandidate(candidate string) error
	SetRemoteCredentials(ufrag, pwd string) error
	GetLocalCredentials() (ufrag, pwd string, err error)
	Restart() error
	SendData(b []byte) error
	Close() error

	OnConnectionStateChange(func(ICEConnectionState))
	OnCandidate(func(candidate string))
	OnData(func([]byte))
}

// defaultICEAgent wraps a github.com/pion/ice/v4 Agent, the same library
// the reference's ICETransport/ICEGatherer pair is built on, collapsed
// into the single narrow interface spec §6 describes.
type defaultICEAgent struct {
	mu sync.Mutex

	agent *ice.Agent
	log   logging.LeveledLogger

	conn        *ice.Conn
	cancelDial  context.CancelFunc
	remoteUfrag string
	remotePwd   string

	// pending buffers writes issued before conn exists, flushed in
	// arrival order once the link comes up (spec §4.5 "buffer outbound
	// DTLS packets generated before ICE is connected; flush on connect").
	pending [][]byte

	onStateChange func(ICEConnectionState)
	onCandidate   func(string)
	onData        func([]byte)
}

func newDefaultICEAgent(urls []string, loggerFactory logging.LoggerFactory) (*defaultICEAgent, error) {
	var urlsParsed []*ice.URL
	for _, raw := range urls {
		u, err := ice.ParseURL(raw)
		if err != nil {
			continue // a malformed ICEServer URL is a config mistake, not fatal to link setup
		}
		urlsParsed = append(urlsParsed, u)
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:          urlsParsed,
		NetworkTypes:  []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil, &UnknownError{Err: err}
	}

	a := &defaultICEAgent{agent: agent, log: loggerFactory.NewLogger("ice")}

	if err := agent.OnConnectionStateChange(func(s ice.ConnectionState) {
		a.mu.Lock()
		cb := a.onStateChange
		a.mu.Unlock()
		if cb != nil {
			cb(iceConnectionStateFromPion(s))
		}
	}); err != nil {
		return nil, &UnknownError{Err: err}
	}

	if err := agent.OnCandidate(func(c ice.Candidate) {
		a.mu.Lock()
		cb := a.onCandidate
		a.mu.Unlock()
		if cb == nil || c == nil {
			return
		}
		cb("candidate:" + c.Marshal())
	}); err != nil {
		return nil, &UnknownError{Err: err}
	}

	return a, nil
}

func (a *defaultICEAgent) StartLink(role ICERole) error {
	a.mu.Lock()
	ufrag, pwd := a.remoteUfrag, a.remotePwd
	controlling := role == ICERoleControlling
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelDial = cancel
	a.mu.Unlock()

	go func() {
		var conn *ice.Conn
		var err error
		if controlling {
			conn, err = a.agent.Dial(ctx, ufrag, pwd)
		} else {
			conn, err = a.agent.Accept(ctx, ufrag, pwd)
		}
		if err != nil {
			a.log.Warnf("ICE connection establishment failed: %v", err)
			return
		}
		a.mu.Lock()
		a.conn = conn
		pending := a.pending
		a.pending = nil
		a.mu.Unlock()

		for _, b := range pending {
			if _, werr := conn.Write(b); werr != nil {
				a.log.Warnf("failed to flush buffered outbound packet: %v", werr)
			}
		}
		a.readLoop(conn)
	}()
	return nil
}

func (a *defaultICEAgent) readLoop(conn *ice.Conn) {
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		a.mu.Lock()
		cb := a.onData
		a.mu.Unlock()
		if cb != nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			cb(out)
		}
	}
}

func (a *defaultICEAgent) GatherCandidates() error {
	return a.agent.GatherCandidates()
}

func (a *defaultICEAgent) AddRemoteCandidate(candidate string) error {
	c, err := ice.UnmarshalCandidate(trimCandidatePrefix(candidate))
	if err != nil {
		return &SyntaxError{Err: err}
	}
	return a.agent.AddRemoteCandidate(c)
}

func (a *defaultICEAgent) SetRemoteCredentials(ufrag, pwd string) error {
	a.mu.Lock()
	a.remoteUfrag, a.remotePwd = ufrag, pwd
	a.mu.Unlock()
	return nil
}

func (a *defaultICEAgent) GetLocalCredentials() (string, string, error) {
	return a.agent.GetLocalUserCredentials()
}

func (a *defaultICEAgent) Restart() error {
	a.mu.Lock()
	ufrag, pwd := a.remoteUfrag, a.remotePwd
	a.mu.Unlock()
	return a.agent.Restart(ufrag, pwd)
}

func (a *defaultICEAgent) SendData(b []byte) error {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		cp := make([]byte, len(b))
		copy(cp, b)
		a.pending = append(a.pending, cp)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	_, err := conn.Write(b)
	return err
}

func (a *defaultICEAgent) Close() error {
	a.mu.Lock()
	if a.cancelDial != nil {
		a.cancelDial()
	}
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return a.agent.Close()
}

func (a *defaultICEAgent) OnConnectionStateChange(f func(ICEConnectionState)) {
	a.mu.Lock()
	a.onStateChange = f
	a.mu.Unlock()
}

func (a *defaultICEAgent) OnCandidate(f func(string)) {
	a.mu.Lock()
	a.onCandidate = f
	a.mu.Unlock()
}

func (a *defaultICEAgent) OnData(f func([]byte)) {
	a.mu.Lock()
	a.onData = f
	a.mu.Unlock()
}

func trimCandidatePrefix(s string) string {
	const prefix = "candidate:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// defaultICEAgentFactory adapts newDefaultICEAgent to the
// func(ICERole) (ICEAgent, error) shape SettingEngine.SetICEAgentFactory
// expects; the role itself is only needed later, at StartLink.
func defaultICEAgentFactory(urls []string, loggerFactory logging.LoggerFactory) func(ICERole) (ICEAgent, error) {
	return func(ICERole) (ICEAgent, error) {
		return newDefaultICEAgent(urls, loggerFactory)
	}
}

func iceConnectionStateFromPion(s ice.ConnectionState) ICEConnectionState {
	switch s {
	case ice.ConnectionStateNew:
		return ICEConnectionStateNew
	case ice.ConnectionStateChecking:
		return ICEConnectionStateChecking
	case ice.ConnectionStateConnected:
		return ICEConnectionStateConnected
	case ice.ConnectionStateCompleted:
		return ICEConnectionStateCompleted
	case ice.ConnectionStateDisconnected:
		return ICEConnectionStateDisconnected
	case ice.ConnectionStateFailed:
		return ICEConnectionStateFailed
	case ice.ConnectionStateClosed:
		return ICEConnectionStateClosed
	default:
		return ICEConnectionStateNew
	}
}
