package jitterbuffer

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func seqs(pkts []*rtp.Packet) []uint16 {
	out := make([]uint16, len(pkts))
	for i, p := range pkts {
		out[i] = p.SequenceNumber
	}
	return out
}

func TestFirstPacketWaitsForLatencyBeforeFlushing(t *testing.T) {
	jb := New(50 * time.Millisecond)
	start := time.Unix(0, 0)

	emit, ms, state := jb.Insert(pkt(1), start)
	assert.Empty(t, emit)
	assert.Equal(t, StateTimerSet, state)
	assert.Equal(t, int64(50), ms)

	emit, _, state = jb.HandleTimeout(start.Add(60 * time.Millisecond))
	assert.Equal(t, []uint16{1}, seqs(emit))
	assert.Equal(t, StateInitialWait, state)
}

func TestSteadyStateFlushesEagerlyOnceBaselineEstablished(t *testing.T) {
	jb := New(50 * time.Millisecond)
	start := time.Unix(0, 0)

	jb.Insert(pkt(1), start)
	jb.HandleTimeout(start.Add(60 * time.Millisecond))

	emit, _, state := jb.Insert(pkt(2), start.Add(60*time.Millisecond))
	assert.Equal(t, []uint16{2}, seqs(emit))
	assert.Equal(t, StateInitialWait, state)
}

func TestReorderedPacketsFlushTogetherOnceAged(t *testing.T) {
	jb := New(50 * time.Millisecond)
	start := time.Unix(0, 0)

	emit, _, state := jb.Insert(pkt(2), start)
	assert.Empty(t, emit)
	assert.Equal(t, StateTimerSet, state)

	emit, _, state = jb.Insert(pkt(1), start)
	assert.Empty(t, emit) // no baseline yet to be "contiguous" with
	assert.Equal(t, StateTimerSet, state)

	emit, _, state = jb.HandleTimeout(start.Add(60 * time.Millisecond))
	assert.Equal(t, []uint16{1, 2}, seqs(emit))
	assert.Equal(t, StateInitialWait, state)
}

func TestHandleTimeoutFlushesAcrossGap(t *testing.T) {
	jb := New(50 * time.Millisecond)
	start := time.Unix(0, 0)

	_, ms, state := jb.Insert(pkt(5), start)
	assert.Equal(t, StateTimerSet, state)
	assert.Equal(t, int64(50), ms)

	later := start.Add(60 * time.Millisecond)
	emit, _, state := jb.HandleTimeout(later)
	assert.Equal(t, []uint16{5}, seqs(emit))
	assert.Equal(t, StateInitialWait, state)
}

func TestDuplicatePacketIsIgnored(t *testing.T) {
	jb := New(50 * time.Millisecond)
	now := time.Unix(0, 0)

	jb.Insert(pkt(1), now)
	emit, _, state := jb.Insert(pkt(1), now)
	assert.Empty(t, emit)
	assert.Equal(t, StateTimerNotSet, state)
}

func TestRolloverIsInferredFromHighestIndex(t *testing.T) {
	jb := New(50 * time.Millisecond)
	start := time.Unix(0, 0)

	jb.Insert(pkt(65534), start)
	jb.HandleTimeout(start.Add(60 * time.Millisecond)) // establishes the baseline

	later := start.Add(60 * time.Millisecond)
	emit, _, _ := jb.Insert(pkt(65535), later)
	assert.Equal(t, []uint16{65535}, seqs(emit))

	// the next packet wraps to 0; it must be treated as newer, not older.
	emit, _, _ = jb.Insert(pkt(0), later)
	assert.Equal(t, []uint16{0}, seqs(emit))
	assert.Equal(t, uint32(1<<16), jb.lastFlushed)
}
