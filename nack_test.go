package webrtc

import (
	"testing"

	"github.com/pion/rtp"
)

func TestNackSendBufferGetRetrievesRecentPacket(t *testing.T) {
	buf, err := newNackSendBuffer(16)
	if err != nil {
		t.Fatalf("newNackSendBuffer: %v", err)
	}
	for seq := uint16(0); seq < 5; seq++ {
		buf.add(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	p := buf.get(2)
	if p == nil || p.SequenceNumber != 2 {
		t.Fatalf("get(2) = %v, want seq 2", p)
	}
}

func TestNackSendBufferForgetsPacketsPushedOutByRingSize(t *testing.T) {
	buf, err := newNackSendBuffer(4)
	if err != nil {
		t.Fatalf("newNackSendBuffer: %v", err)
	}
	for seq := uint16(0); seq < 10; seq++ {
		buf.add(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	if p := buf.get(6); p == nil {
		t.Errorf("get(6) = nil, want the still-recent packet")
	}
	if p := buf.get(0); p != nil {
		t.Errorf("get(0) = %v, want nil (evicted by ring wraparound)", p)
	}
}

func TestNackSendBufferNewConstructorRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := newNackSendBuffer(3); err == nil {
		t.Error("expected an error for a non-power-of-two size")
	}
}

func TestNackReceiveLogNoMissingWhenContiguous(t *testing.T) {
	log, err := newNackReceiveLog(64)
	if err != nil {
		t.Fatalf("newNackReceiveLog: %v", err)
	}
	for seq := uint16(0); seq < 20; seq++ {
		log.add(seq)
	}
	missing := log.missingSeqNumbers(5)
	if len(missing) != 0 {
		t.Errorf("missingSeqNumbers = %v, want none for a contiguous run", missing)
	}
}

func TestNackReceiveLogDetectsGap(t *testing.T) {
	log, err := newNackReceiveLog(64)
	if err != nil {
		t.Fatalf("newNackReceiveLog: %v", err)
	}
	for _, seq := range []uint16{0, 1, 2, 5, 6, 7, 8, 9, 10} {
		log.add(seq)
	}
	missing := log.missingSeqNumbers(2)
	if len(missing) != 2 || missing[0] != 3 || missing[1] != 4 {
		t.Errorf("missingSeqNumbers = %v, want [3 4]", missing)
	}
}

func TestNackReceiveLogSkipsLastN(t *testing.T) {
	log, err := newNackReceiveLog(64)
	if err != nil {
		t.Fatalf("newNackReceiveLog: %v", err)
	}
	for _, seq := range []uint16{0, 2, 3, 4} {
		log.add(seq)
	}
	// seq 1 is missing, but with skipLastN covering everything after 0 we
	// should not yet report the still-very-recent tail as missing.
	missing := log.missingSeqNumbers(10)
	if len(missing) != 0 {
		t.Errorf("missingSeqNumbers = %v, want none (tail still within skip window)", missing)
	}
	missing = log.missingSeqNumbers(1)
	if len(missing) != 1 || missing[0] != 1 {
		t.Errorf("missingSeqNumbers = %v, want [1]", missing)
	}
}

func TestNackReceiveLogNewConstructorRejectsTooSmallOrNonPowerOfTwo(t *testing.T) {
	if _, err := newNackReceiveLog(32); err == nil {
		t.Error("expected an error for a size below the 64 minimum")
	}
	if _, err := newNackReceiveLog(100); err == nil {
		t.Error("expected an error for a non-power-of-two size")
	}
}

func TestNackPairsFromSequenceNumbersEmpty(t *testing.T) {
	if got := nackPairsFromSequenceNumbers(nil); got != nil {
		t.Errorf("nackPairsFromSequenceNumbers(nil) = %v, want nil", got)
	}
}

func TestNackPairsFromSequenceNumbersPacksCloseRunIntoOnePair(t *testing.T) {
	pairs := nackPairsFromSequenceNumbers([]uint16{10, 11, 13, 20})
	if len(pairs) != 1 {
		t.Fatalf("len(pairs) = %d, want 1 (all within 16 of the first)", len(pairs))
	}
	p := pairs[0]
	if p.PacketID != 10 {
		t.Errorf("PacketID = %d, want 10", p.PacketID)
	}
	// bit 0 -> seq 11, bit 2 -> seq 13, bit 9 -> seq 20
	want := uint16(1<<0 | 1<<2 | 1<<9)
	if p.LostPackets != want {
		t.Errorf("LostPackets = %b, want %b", p.LostPackets, want)
	}
}

func TestNackPairsFromSequenceNumbersSplitsAcrossDistantRuns(t *testing.T) {
	pairs := nackPairsFromSequenceNumbers([]uint16{10, 40})
	if len(pairs) != 2 {
		t.Fatalf("len(pairs) = %d, want 2 (40 is more than 16 past 10)", len(pairs))
	}
	if pairs[0].PacketID != 10 || pairs[1].PacketID != 40 {
		t.Errorf("pairs = %+v, want PacketIDs [10 40]", pairs)
	}
}
