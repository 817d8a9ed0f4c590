package webrtc

import pionsdp "github.com/pion/sdp/v3"

// SessionDescription is an SDP offer/answer/pranswer/rollback (spec §3).
// SDP is the on-wire, parsed the host-convenient form.
type SessionDescription struct {
	Type   SDPType
	SDP    string
	parsed *pionsdp.SessionDescription
}

// Parsed lazily parses SDP into its structured form, caching the result.
func (d *SessionDescription) Parsed() (*pionsdp.SessionDescription, error) {
	if d.parsed != nil {
		return d.parsed, nil
	}
	if d.Type == SDPTypeRollback {
		return nil, nil
	}
	s := &pionsdp.SessionDescription{}
	if err := s.Unmarshal([]byte(d.SDP)); err != nil {
		return nil, &SyntaxError{Err: err}
	}
	d.parsed = s
	return s, nil
}
