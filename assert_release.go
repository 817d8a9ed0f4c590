//go:build !debug

package webrtc

// assertImpl is a no-op outside debug builds.
func assertImpl(cond bool, format string, args ...interface{}) {}
