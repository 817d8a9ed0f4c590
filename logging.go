package webrtc

import "github.com/pion/logging"

// scopedLogger returns a named leveled logger from the API's factory,
// mirroring how the reference threads a single LoggerFactory through
// every component constructor.
func (api *API) scopedLogger(scope string) logging.LeveledLogger {
	return api.settingEngine.LoggerFactory.NewLogger(scope)
}
