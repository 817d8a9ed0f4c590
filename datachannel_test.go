package webrtc

import (
	"testing"

	"github.com/pion/logging"
)

func newTestDataChannel(label string) *DataChannel {
	return newDataChannel(DataChannelParameters{Label: label, Ordered: true}, logging.NewDefaultLoggerFactory())
}

func TestNewDataChannelStartsConnectingWithNoID(t *testing.T) {
	dc := newTestDataChannel("chat")
	if dc.ReadyState() != DataChannelStateConnecting {
		t.Errorf("ReadyState() = %s, want connecting", dc.ReadyState())
	}
	if dc.ID() != nil {
		t.Errorf("ID() = %v, want nil before bind", dc.ID())
	}
	if dc.Label() != "chat" {
		t.Errorf("Label() = %q, want %q", dc.Label(), "chat")
	}
}

func TestDataChannelParametersRoundTrip(t *testing.T) {
	maxRetransmits := uint16(3)
	params := DataChannelParameters{Label: "l", Protocol: "p", Ordered: false, MaxRetransmits: &maxRetransmits}
	dc := newDataChannel(params, logging.NewDefaultLoggerFactory())

	got := dc.parameters()
	if got.Label != "l" || got.Protocol != "p" || got.Ordered != false {
		t.Errorf("parameters() = %+v, want label=l protocol=p ordered=false", got)
	}
	if got.MaxRetransmits == nil || *got.MaxRetransmits != 3 {
		t.Errorf("MaxRetransmits = %v, want 3", got.MaxRetransmits)
	}
}

func TestDataChannelSendBeforeOpenErrors(t *testing.T) {
	dc := newTestDataChannel("chat")
	if err := dc.Send([]byte("hi")); err == nil {
		t.Error("Send before the channel is open should error")
	}
	if err := dc.SendText("hi"); err == nil {
		t.Error("SendText before the channel is open should error")
	}
}

func TestDataChannelStateChangeFiresOpenAndCloseHandlers(t *testing.T) {
	dc := newTestDataChannel("chat")

	var states []DataChannelState
	opened := false
	closed := false
	dc.OnStateChange(func(s DataChannelState) { states = append(states, s) })
	dc.OnOpen(func() { opened = true })
	dc.OnClose(func() { closed = true })

	dc.setReadyState(DataChannelStateOpen)
	if !opened {
		t.Error("OnOpen handler did not fire on transition to open")
	}
	if closed {
		t.Error("OnClose handler fired prematurely")
	}

	dc.setReadyState(DataChannelStateClosed)
	if !closed {
		t.Error("OnClose handler did not fire on transition to closed")
	}

	if len(states) != 2 || states[0] != DataChannelStateOpen || states[1] != DataChannelStateClosed {
		t.Errorf("states = %v, want [open closed]", states)
	}
}

func TestDataChannelCloseWithNoBoundStreamGoesStraightToClosed(t *testing.T) {
	dc := newTestDataChannel("chat")

	var states []DataChannelState
	dc.OnStateChange(func(s DataChannelState) { states = append(states, s) })

	if err := dc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dc.ReadyState() != DataChannelStateClosed {
		t.Errorf("ReadyState() = %s, want closed", dc.ReadyState())
	}
	if len(states) != 2 || states[0] != DataChannelStateClosing || states[1] != DataChannelStateClosed {
		t.Errorf("states = %v, want [closing closed]", states)
	}
}

func TestDataChannelCloseIsIdempotent(t *testing.T) {
	dc := newTestDataChannel("chat")
	if err := dc.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	fired := false
	dc.OnStateChange(func(DataChannelState) { fired = true })
	if err := dc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fired {
		t.Error("closing an already-closed channel should not fire further state changes")
	}
}
