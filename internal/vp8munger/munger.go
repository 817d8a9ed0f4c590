// Package vp8munger rewrites the VP8 payload descriptor's picture_id,
// tl0picidx and keyidx fields in place, and the packet's RTP timestamp,
// so a receiver sees a continuous sequence across a simulcast layer
// switch, per the VP8 payload format (RFC 7741 §4.2) parsed the way
// github.com/pion/rtp/codecs's VP8Packet does. The RTP timestamp offset
// is derived from the last timestamp this munger emitted rather than
// wall-clock time, since the layers being spliced are not guaranteed to
// share a clock origin.
package vp8munger

import (
	"errors"
	"sync"
)

var errShortVP8Payload = errors.New("vp8munger: payload too short for descriptor")

const (
	pictureIDWidth7  = 1 << 7
	pictureIDWidth15 = 1 << 15
	keyIdxWidth      = 1 << 5
)

// Munger tracks the offsets applied to one outbound VP8 stream.
type Munger struct {
	mu sync.Mutex

	armed bool // Update() was called; next Rewrite recomputes offsets

	haveOutput     bool
	lastPictureID  uint16
	lastTL0PicIdx  uint8
	lastKeyIdx     uint8

	pictureIDOffset uint16
	tl0Offset       uint8
	keyIdxOffset    uint8

	haveTimestamp   bool
	lastTimestamp   uint32
	timestampOffset uint32
}

// New returns a munger that passes packets through unchanged until Update
// is called for the first time.
func New() *Munger {
	return &Munger{}
}

// Update arms the munger to realign the very next packet's descriptor
// fields so they continue directly after whatever this munger last
// emitted, implementing spec §4.7's "first post-switch packet continues
// the pre-switch sequence by +1".
func (m *Munger) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
}

type descriptor struct {
	hasPictureID  bool
	pictureIDWide bool
	pictureID     uint16
	pictureIDAt   int

	hasTL0 bool
	tl0    uint8
	tl0At  int

	hasKeyIdx bool
	keyIdx    uint8
	keyIdxAt  int
}

func parseDescriptor(payload []byte) (descriptor, error) {
	var d descriptor
	if len(payload) < 1 {
		return d, errShortVP8Payload
	}

	idx := 0
	x := payload[idx]&0x80 != 0
	idx++

	var i, l, t, k bool
	if x {
		if len(payload) <= idx {
			return d, errShortVP8Payload
		}
		ext := payload[idx]
		i = ext&0x80 != 0
		l = ext&0x40 != 0
		t = ext&0x20 != 0
		k = ext&0x10 != 0
		idx++
	}

	if i {
		if len(payload) <= idx {
			return d, errShortVP8Payload
		}
		d.hasPictureID = true
		d.pictureIDAt = idx
		if payload[idx]&0x80 != 0 {
			if len(payload) <= idx+1 {
				return d, errShortVP8Payload
			}
			d.pictureIDWide = true
			d.pictureID = uint16(payload[idx]&0x7f)<<8 | uint16(payload[idx+1])
			idx += 2
		} else {
			d.pictureID = uint16(payload[idx] & 0x7f)
			idx++
		}
	}

	if l {
		if len(payload) <= idx {
			return d, errShortVP8Payload
		}
		d.hasTL0 = true
		d.tl0At = idx
		d.tl0 = payload[idx]
		idx++
	}

	if t || k {
		if len(payload) <= idx {
			return d, errShortVP8Payload
		}
		if k {
			d.hasKeyIdx = true
			d.keyIdxAt = idx
			d.keyIdx = payload[idx] & 0x1f
		}
	}

	return d, nil
}

// Rewrite patches payload's VP8 descriptor fields in place and returns
// the RTP timestamp to stamp on the packet, applying whatever offsets
// are currently in force (recomputing them first if Update was called
// since the last Rewrite). timestamp is the packet's original RTP
// timestamp as produced by its own layer's encoder clock.
func (m *Munger) Rewrite(payload []byte, timestamp uint32) (uint32, error) {
	d, err := parseDescriptor(payload)
	if err != nil {
		return timestamp, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.armed {
		m.arm(d, timestamp)
		m.armed = false
	}

	if d.hasPictureID {
		width := uint16(pictureIDWidth7)
		if d.pictureIDWide {
			width = pictureIDWidth15
		}
		out := (d.pictureID + m.pictureIDOffset) % width
		if d.pictureIDWide {
			payload[d.pictureIDAt] = payload[d.pictureIDAt]&0x80 | byte(out>>8)
			payload[d.pictureIDAt+1] = byte(out)
		} else {
			payload[d.pictureIDAt] = payload[d.pictureIDAt]&0x80 | byte(out&0x7f)
		}
		m.lastPictureID = out
		m.haveOutput = true
	}

	if d.hasTL0 {
		out := d.tl0 + m.tl0Offset
		payload[d.tl0At] = out
		m.lastTL0PicIdx = out
	}

	if d.hasKeyIdx {
		out := (d.keyIdx + m.keyIdxOffset) % keyIdxWidth
		payload[d.keyIdxAt] = payload[d.keyIdxAt]&^byte(keyIdxWidth-1) | out
		m.lastKeyIdx = out
	}

	outTimestamp := timestamp + m.timestampOffset
	m.lastTimestamp = outTimestamp
	m.haveTimestamp = true

	return outTimestamp, nil
}

// arm computes fresh offsets from the just-parsed (unmodified) descriptor
// and the pre-switch layer's last emitted RTP timestamp, so that once
// applied the new layer's fields continue the previous output by +1
// instead of jumping by however far the new layer's own clock happens
// to read.
func (m *Munger) arm(d descriptor, timestamp uint32) {
	if d.hasPictureID {
		width := uint16(pictureIDWidth7)
		if d.pictureIDWide {
			width = pictureIDWidth15
		}
		var want uint16
		if m.haveOutput {
			want = (m.lastPictureID + 1) % width
		}
		m.pictureIDOffset = (want - d.pictureID + width) % width
	}
	if d.hasTL0 {
		var want uint8
		if m.haveOutput {
			want = m.lastTL0PicIdx + 1
		}
		m.tl0Offset = want - d.tl0
	}
	if d.hasKeyIdx {
		var want uint8
		if m.haveOutput {
			want = (m.lastKeyIdx + 1) % keyIdxWidth
		}
		m.keyIdxOffset = (want - d.keyIdx + keyIdxWidth) % keyIdxWidth
	}

	var wantTimestamp uint32
	if m.haveTimestamp {
		wantTimestamp = m.lastTimestamp + 1
	}
	m.timestampOffset = wantTimestamp - timestamp
}
