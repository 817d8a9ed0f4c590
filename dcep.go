package webrtc

import "github.com/pion/datachannel"

// SCTP Payload Protocol Identifiers used to frame data-channel traffic
// (spec §4.6): the DCEP handshake itself is PPID 50, handled internally
// by github.com/pion/datachannel; string/binary non-empty/empty framing
// (51/53/56/57) is exposed through its WriteDataChannel/ReadDataChannel
// isString+length signaling, so this module never constructs those PPIDs
// by hand.

// reliabilityToChannelType maps the ordered/maxRetransmits/maxPacketLifeTime
// trio a caller gives create_data_channel onto the DCEP channel type and
// its single reliability parameter, the same three-way switch the
// reference's DataChannel.open uses.
func reliabilityToChannelType(ordered bool, maxRetransmits, maxPacketLifeTime *uint16) (datachannel.ChannelType, uint32) {
	switch {
	case maxRetransmits == nil && maxPacketLifeTime == nil:
		if ordered {
			return datachannel.ChannelTypeReliable, 0
		}
		return datachannel.ChannelTypeReliableUnordered, 0
	case maxRetransmits != nil:
		if ordered {
			return datachannel.ChannelTypePartialReliableRexmit, uint32(*maxRetransmits)
		}
		return datachannel.ChannelTypePartialReliableRexmitUnordered, uint32(*maxRetransmits)
	default:
		if ordered {
			return datachannel.ChannelTypePartialReliableTimed, uint32(*maxPacketLifeTime)
		}
		return datachannel.ChannelTypePartialReliableTimedUnordered, uint32(*maxPacketLifeTime)
	}
}

// channelTypeToReliability is the inverse, used when a remotely-initiated
// DCEP OPEN arrives and we need to surface ordered/maxRetransmits/
// maxPacketLifeTime on the resulting DataChannel.
func channelTypeToReliability(ct datachannel.ChannelType, param uint32) (ordered bool, maxRetransmits, maxPacketLifeTime *uint16) {
	val := uint16(param)
	switch ct {
	case datachannel.ChannelTypeReliable:
		return true, nil, nil
	case datachannel.ChannelTypeReliableUnordered:
		return false, nil, nil
	case datachannel.ChannelTypePartialReliableRexmit:
		return true, &val, nil
	case datachannel.ChannelTypePartialReliableRexmitUnordered:
		return false, &val, nil
	case datachannel.ChannelTypePartialReliableTimed:
		return true, nil, &val
	case datachannel.ChannelTypePartialReliableTimedUnordered:
		return false, nil, &val
	default:
		return true, nil, nil
	}
}
