package webrtc

import "testing"

func TestDirectionFromSDP(t *testing.T) {
	cases := []struct {
		name                                     string
		sendrecv, sendonly, recvonly, inactive bool
		want                                     RTPTransceiverDirection
	}{
		{"none set defaults sendrecv", false, false, false, false, RTPTransceiverDirectionSendrecv},
		{"explicit sendrecv", true, false, false, false, RTPTransceiverDirectionSendrecv},
		{"sendonly", false, true, false, false, RTPTransceiverDirectionSendonly},
		{"recvonly", false, false, true, false, RTPTransceiverDirectionRecvonly},
		{"inactive wins over others", false, true, true, true, RTPTransceiverDirectionInactive},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := directionFromSDP(c.sendrecv, c.sendonly, c.recvonly, c.inactive)
			if got != c.want {
				t.Errorf("directionFromSDP(%v,%v,%v,%v) = %s, want %s",
					c.sendrecv, c.sendonly, c.recvonly, c.inactive, got, c.want)
			}
		})
	}
}

func TestDirectionMeet(t *testing.T) {
	all := []RTPTransceiverDirection{
		RTPTransceiverDirectionSendrecv,
		RTPTransceiverDirectionSendonly,
		RTPTransceiverDirectionRecvonly,
		RTPTransceiverDirectionInactive,
	}

	// offered sendrecv: answer is whatever we locally intend.
	for _, local := range all {
		if got := directionMeet(RTPTransceiverDirectionSendrecv, local); got != local {
			t.Errorf("directionMeet(sendrecv, %s) = %s, want %s", local, got, local)
		}
	}

	// offered inactive: answer is always inactive, regardless of local intent.
	for _, local := range all {
		if got := directionMeet(RTPTransceiverDirectionInactive, local); got != RTPTransceiverDirectionInactive {
			t.Errorf("directionMeet(inactive, %s) = %s, want inactive", local, got)
		}
	}

	// offered sendonly: we may only recv back, or go inactive if we can't recv.
	sendonlyCases := map[RTPTransceiverDirection]RTPTransceiverDirection{
		RTPTransceiverDirectionSendrecv:  RTPTransceiverDirectionRecvonly,
		RTPTransceiverDirectionRecvonly:  RTPTransceiverDirectionRecvonly,
		RTPTransceiverDirectionSendonly:  RTPTransceiverDirectionInactive,
		RTPTransceiverDirectionInactive:  RTPTransceiverDirectionInactive,
	}
	for local, want := range sendonlyCases {
		if got := directionMeet(RTPTransceiverDirectionSendonly, local); got != want {
			t.Errorf("directionMeet(sendonly, %s) = %s, want %s", local, got, want)
		}
	}

	// offered recvonly: we may only send back, or go inactive if we can't send.
	recvonlyCases := map[RTPTransceiverDirection]RTPTransceiverDirection{
		RTPTransceiverDirectionSendrecv: RTPTransceiverDirectionSendonly,
		RTPTransceiverDirectionSendonly: RTPTransceiverDirectionSendonly,
		RTPTransceiverDirectionRecvonly: RTPTransceiverDirectionInactive,
		RTPTransceiverDirectionInactive: RTPTransceiverDirectionInactive,
	}
	for local, want := range recvonlyCases {
		if got := directionMeet(RTPTransceiverDirectionRecvonly, local); got != want {
			t.Errorf("directionMeet(recvonly, %s) = %s, want %s", local, got, want)
		}
	}
}

func TestDirectionHasSendRecv(t *testing.T) {
	cases := []struct {
		d               RTPTransceiverDirection
		hasSend, hasRecv bool
	}{
		{RTPTransceiverDirectionSendrecv, true, true},
		{RTPTransceiverDirectionSendonly, true, false},
		{RTPTransceiverDirectionRecvonly, false, true},
		{RTPTransceiverDirectionInactive, false, false},
	}
	for _, c := range cases {
		if got := c.d.hasSend(); got != c.hasSend {
			t.Errorf("%s.hasSend() = %v, want %v", c.d, got, c.hasSend)
		}
		if got := c.d.hasRecv(); got != c.hasRecv {
			t.Errorf("%s.hasRecv() = %v, want %v", c.d, got, c.hasRecv)
		}
	}
}
