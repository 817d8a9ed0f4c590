//go:build debug

package webrtc

import "fmt"

func assertImpl(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("webrtc: internal invariant violated: "+format, args...))
	}
}
