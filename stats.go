package webrtc

import "time"

// StatsReport is the full set of stats objects collected by GetStats,
// keyed by a stable per-object stats ID (SPEC_FULL.md §C.4). Modeled on
// the reference's StatsReport map-of-interface{} shape; callers type-
// assert the entry they expect.
type StatsReport map[string]interface{}

// PeerConnectionStats summarizes connection-wide counters at the moment
// GetStats was called.
type PeerConnectionStats struct {
	Timestamp          time.Time
	ConnectionState    PeerConnectionState
	ICEConnectionState ICEConnectionState
	DataChannelsOpened int
}

// OutboundRTPStreamStats mirrors the counters an RTPSender already tracks
// for its report recorder and NACK responder.
type OutboundRTPStreamStats struct {
	SSRC            SSRC
	PacketsSent     uint64
	BytesSent       uint64
	RetransmitsSent uint64
	NACKCount       uint64
	PLICount        uint64
}

// InboundRTPStreamStats mirrors the counters an RTPReceiver already tracks
// for its report recorder and NACK generator.
type InboundRTPStreamStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsDropped  uint64
}

// GetStats walks the transceivers and data channels and returns a
// snapshot of the counters each already maintains. It does not add any
// new bookkeeping of its own (SPEC_FULL.md §C.4: "since the counters
// exist anyway").
func (pc *PeerConnection) GetStats() StatsReport {
	pc.mu.Lock()
	transceivers := append([]*RTPTransceiver(nil), pc.transceivers...)
	channels := make([]*DataChannel, 0, len(pc.sctpTransport.channels))
	for _, dc := range pc.sctpTransport.channels {
		channels = append(channels, dc)
	}
	report := StatsReport{
		"peer-connection": PeerConnectionStats{
			Timestamp:          timeNow(),
			ConnectionState:    pc.connectionState,
			ICEConnectionState: pc.iceConnectionState,
			DataChannelsOpened: len(channels),
		},
	}
	pc.mu.Unlock()

	for _, t := range transceivers {
		if sender := t.Sender(); sender != nil {
			report["sender-"+sender.ID()] = sender.Stats()
		}
		if receiver := t.Receiver(); receiver != nil {
			report["receiver-"+receiver.ID()] = receiver.Stats()
		}
	}
	return report
}

// timeNow exists so GetStats has one seam to stub in tests rather than
// calling time.Now directly throughout this file.
func timeNow() time.Time { return time.Now() }
