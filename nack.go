package webrtc

import (
	"errors"
	"strconv"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const uint16SizeHalf = 1 << 15

// nackSendBuffer is a power-of-two ring buffer of the last N packets a
// Sender has sent, indexed by sequence number, used to answer NACK
// requests with a retransmission (spec §4.3 "retains the last N encoded
// packets"). Adapted directly from the reference's interceptor
// SendBuffer, now owned by Sender instead of a pluggable chain.
type nackSendBuffer struct {
	packets   []*rtp.Packet
	size      uint16
	lastAdded uint16
	started   bool
}

func newNackSendBuffer(size uint16) (*nackSendBuffer, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.New("nack send buffer size must be a power of two, got " + strconv.Itoa(int(size)))
	}
	return &nackSendBuffer{packets: make([]*rtp.Packet, size), size: size}, nil
}

func (s *nackSendBuffer) add(p *rtp.Packet) {
	seq := p.SequenceNumber
	if !s.started {
		s.packets[seq%s.size] = p
		s.lastAdded = seq
		s.started = true
		return
	}

	diff := seq - s.lastAdded
	if diff == 0 {
		return
	} else if diff < uint16SizeHalf {
		for i := s.lastAdded + 1; i != seq; i++ {
			s.packets[i%s.size] = nil
		}
	}

	s.packets[seq%s.size] = p
	s.lastAdded = seq
}

func (s *nackSendBuffer) get(seq uint16) *rtp.Packet {
	assertf(s.started, "nack send buffer queried before any packet was sent")
	if !s.started {
		return nil
	}
	diff := s.lastAdded - seq
	if diff >= uint16SizeHalf || diff >= s.size {
		return nil
	}
	return s.packets[seq%s.size]
}

// nackReceiveLog is a bitmap of received sequence numbers plus the
// highest run of consecutive numbers seen, used by a Receiver to compute
// which sequence numbers are missing (spec §4.3 "feed the NACK
// generator"). Adapted directly from the reference's interceptor
// ReceiveLog.
type nackReceiveLog struct {
	packets         []uint64
	size            uint16
	end             uint16
	started         bool
	lastConsecutive uint16
}

func newNackReceiveLog(size uint16) (*nackReceiveLog, error) {
	if size < 64 || size&(size-1) != 0 {
		return nil, errors.New("nack receive log size must be a power of two >= 64, got " + strconv.Itoa(int(size)))
	}
	return &nackReceiveLog{packets: make([]uint64, size/64), size: size}, nil
}

func (s *nackReceiveLog) add(seq uint16) {
	if !s.started {
		s.set(seq)
		s.end = seq
		s.started = true
		s.lastConsecutive = seq
		return
	}

	diff := seq - s.end
	if diff == 0 {
		return
	} else if diff < uint16SizeHalf {
		for i := s.end + 1; i != seq; i++ {
			s.del(i)
		}
		s.end = seq

		if s.lastConsecutive+1 == seq {
			s.lastConsecutive = seq
		} else if seq-s.lastConsecutive > s.size {
			s.lastConsecutive = seq - s.size
			s.fixLastConsecutive()
		}
	} else {
		if s.lastConsecutive+1 == seq {
			s.lastConsecutive = seq
			s.fixLastConsecutive()
		}
	}

	s.set(seq)
}

func (s *nackReceiveLog) missingSeqNumbers(skipLastN uint16) []uint16 {
	until := s.end - skipLastN
	if until-s.lastConsecutive >= uint16SizeHalf {
		return nil
	}

	var missing []uint16
	for i := s.lastConsecutive + 1; i != until+1; i++ {
		if !s.get(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *nackReceiveLog) set(seq uint16) {
	pos := seq % s.size
	s.packets[pos/64] |= 1 << (pos % 64)
}

func (s *nackReceiveLog) del(seq uint16) {
	pos := seq % s.size
	s.packets[pos/64] &^= 1 << (pos % 64)
}

func (s *nackReceiveLog) get(seq uint16) bool {
	pos := seq % s.size
	return (s.packets[pos/64] & (1 << (pos % 64))) != 0
}

func (s *nackReceiveLog) fixLastConsecutive() {
	i := s.lastConsecutive + 1
	for ; i != s.end+1 && s.get(i); i++ {
	}
	s.lastConsecutive = i - 1
}

// nackPairsFromSequenceNumbers packs a sorted slice of missing sequence
// numbers into the PacketID/bitmask pairs a TransportLayerNack carries on
// the wire (RFC 4585 6.2.1).
func nackPairsFromSequenceNumbers(seqNums []uint16) []rtcp.NackPair {
	if len(seqNums) == 0 {
		return nil
	}

	pairs := make([]rtcp.NackPair, 0)
	startSeq := seqNums[0]
	nackPair := &rtcp.NackPair{PacketID: startSeq}
	for i := 1; i < len(seqNums); i++ {
		m := seqNums[i]

		if m-nackPair.PacketID > 16 {
			pairs = append(pairs, *nackPair)
			nackPair = &rtcp.NackPair{PacketID: m}
			continue
		}

		nackPair.LostPackets |= 1 << (m - nackPair.PacketID - 1)
	}
	pairs = append(pairs, *nackPair)

	return pairs
}
