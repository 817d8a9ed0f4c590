// Package jitterbuffer reorders inbound RTP packets by sequence number and
// flushes them to the caller once either the stream is contiguous again or
// a packet has waited longer than the configured latency.
//
// The buffer is a pure state machine, not a background task: it does not
// start its own timers or goroutines. The host calls Insert on every
// packet and HandleTimeout whenever a previously requested timer fires;
// both return the packets ready to emit plus how long to wait before the
// next HandleTimeout call.
package jitterbuffer

import (
	"time"

	"github.com/pion/rtp"
)

// State is the jitter buffer's externally visible phase.
type State int

const (
	// StateInitialWait means the buffer is empty; no timer is needed.
	StateInitialWait State = iota
	// StateTimerSet means at least one packet is buffered and NextTimerMs
	// names when HandleTimeout should next be called.
	StateTimerSet
	// StateTimerNotSet means the call changed nothing about the
	// previously scheduled timer; the host should keep waiting on it.
	StateTimerNotSet
)

const indexWidth = 1 << 16

type entry struct {
	packet  *rtp.Packet
	arrival time.Time
}

// JitterBuffer reorders packets for a single RTP stream.
type JitterBuffer struct {
	latency time.Duration

	packets map[uint32]entry

	haveHighest bool
	highest     uint32

	haveFlushed   bool
	lastFlushed   uint32
}

// New returns an empty jitter buffer that flushes packets no later than
// latency after they arrive.
func New(latency time.Duration) *JitterBuffer {
	return &JitterBuffer{
		latency: latency,
		packets: map[uint32]entry{},
	}
}

// Len reports the number of packets currently buffered.
func (j *JitterBuffer) Len() int { return len(j.packets) }

// inferIndex recovers the 32-bit rollover-aware index for a freshly
// observed sequence number by picking the rollover hypothesis (-1, 0, +1
// relative to the highest index stored so far) whose resulting index is
// closest to that highest index.
func inferIndex(seq uint16, highest uint32, haveHighest bool) uint32 {
	if !haveHighest {
		return uint32(seq)
	}
	highRollover := int64(highest) / indexWidth
	best := uint32(seq)
	bestDist := int64(-1)
	for _, rollover := range []int64{highRollover - 1, highRollover, highRollover + 1} {
		if rollover < 0 {
			continue
		}
		candidate := uint32(rollover)*indexWidth + uint32(seq)
		dist := int64(candidate) - int64(highest)
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = candidate
		}
	}
	return best
}

// Insert stores a newly received packet and returns any packets now ready
// to emit because they complete a contiguous run.
func (j *JitterBuffer) Insert(pkt *rtp.Packet, now time.Time) (emit []*rtp.Packet, nextTimerMs int64, state State) {
	index := inferIndex(pkt.SequenceNumber, j.highest, j.haveHighest)

	if j.haveFlushed && index <= j.lastFlushed {
		// already flushed or a duplicate of a flushed packet.
		return j.resultAfterNoChange(now)
	}
	if _, dup := j.packets[index]; dup {
		return j.resultAfterNoChange(now)
	}

	j.packets[index] = entry{packet: pkt, arrival: now}
	if !j.haveHighest || index > j.highest {
		j.highest = index
		j.haveHighest = true
	}

	emit = j.flushContiguous()
	nextTimerMs, state = j.timerState(now)
	return emit, nextTimerMs, state
}

// HandleTimeout is called by the host once the timer duration reported by
// the previous Insert/HandleTimeout call has elapsed. It flushes any
// packet that has aged past latency, even across a gap in the sequence,
// then re-evaluates the contiguous run following it.
func (j *JitterBuffer) HandleTimeout(now time.Time) (emit []*rtp.Packet, nextTimerMs int64, state State) {
	for {
		index, e, ok := j.oldest()
		if !ok {
			break
		}
		if now.Sub(e.arrival) < j.latency {
			break
		}
		emit = append(emit, e.packet)
		delete(j.packets, index)
		j.lastFlushed = index
		j.haveFlushed = true
	}

	emit = append(emit, j.flushContiguous()...)
	nextTimerMs, state = j.timerState(now)
	return emit, nextTimerMs, state
}

// flushContiguous pops every packet immediately following the last
// flushed index with no gap, in order. Before any packet has ever been
// flushed there is no baseline to be contiguous with, so the very first
// packet of a stream always waits for HandleTimeout to establish one
// (spec §4.7: eager flush only applies relative to "the last flushed
// index").
func (j *JitterBuffer) flushContiguous() []*rtp.Packet {
	if !j.haveFlushed {
		return nil
	}
	var out []*rtp.Packet
	for {
		next := j.lastFlushed + 1
		e, ok := j.packets[next]
		if !ok {
			return out
		}
		out = append(out, e.packet)
		delete(j.packets, next)
		j.lastFlushed = next
	}
}

func (j *JitterBuffer) oldest() (uint32, entry, bool) {
	var (
		found bool
		best  uint32
	)
	for index := range j.packets {
		if !found || index < best {
			best = index
			found = true
		}
	}
	if !found {
		return 0, entry{}, false
	}
	return best, j.packets[best], true
}

func (j *JitterBuffer) timerState(now time.Time) (int64, State) {
	_, e, ok := j.oldest()
	if !ok {
		return 0, StateInitialWait
	}
	deadline := e.arrival.Add(j.latency)
	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Milliseconds(), StateTimerSet
}

func (j *JitterBuffer) resultAfterNoChange(now time.Time) ([]*rtp.Packet, int64, State) {
	if len(j.packets) == 0 {
		return nil, 0, StateInitialWait
	}
	return nil, 0, StateTimerNotSet
}
