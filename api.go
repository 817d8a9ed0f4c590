package webrtc

// API bundles the configurable pieces (MediaEngine, SettingEngine) that
// NewPeerConnection needs but that most callers are happy to default.
// Mirrors the reference's API/NewAPI split from PeerConnection itself.
type API struct {
	mediaEngine   *MediaEngine
	settingEngine SettingEngine
}

// NewAPI constructs an API applying the given options in order.
func NewAPI(options ...func(*API)) *API {
	a := &API{
		mediaEngine:   &MediaEngine{},
		settingEngine: NewSettingEngine(),
	}
	for _, o := range options {
		o(a)
	}
	if a.settingEngine.LoggerFactory == nil {
		a.settingEngine = NewSettingEngine()
	}
	return a
}

// WithMediaEngine configures the codecs/header extensions an API's
// PeerConnections will negotiate.
func WithMediaEngine(m *MediaEngine) func(*API) {
	return func(a *API) { a.mediaEngine = m }
}

// WithSettingEngine configures advanced, non-standard options.
func WithSettingEngine(s SettingEngine) func(*API) {
	return func(a *API) {
		if s.LoggerFactory != nil {
			a.settingEngine = s
		} else {
			keep := a.settingEngine.LoggerFactory
			a.settingEngine = s
			a.settingEngine.LoggerFactory = keep
		}
	}
}

// NewPeerConnection is a convenience constructor equivalent to
// NewAPI().NewPeerConnection(configuration) for callers that don't need
// to customize the MediaEngine or SettingEngine.
func NewPeerConnection(configuration Configuration) (*PeerConnection, error) {
	return NewAPI().NewPeerConnection(configuration)
}
