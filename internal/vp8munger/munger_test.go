package vp8munger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPayload returns a minimal VP8 payload descriptor carrying only a
// 15-bit picture ID, followed by one byte of fake frame data.
func buildPayload(pictureID uint16) []byte {
	return []byte{
		0x80,                      // X=1
		0x80,                      // I=1, L=0, T=0, K=0
		0x80 | byte(pictureID>>8), // M=1, high 7 bits
		byte(pictureID),           // low 8 bits
		0xAA,                      // frame payload
	}
}

func readPictureID(payload []byte) uint16 {
	return uint16(payload[2]&0x7f)<<8 | uint16(payload[3])
}

func TestLayerSwitchContinuesPictureIDSequence(t *testing.T) {
	m := New()

	p := buildPayload(50)
	_, err := m.Rewrite(p, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint16(50), readPictureID(p))

	m.Update()

	expected := []uint16{51, 52, 53}
	for i, raw := range []uint16{800, 801, 802} {
		p := buildPayload(raw)
		_, err := m.Rewrite(p, 90000+uint32(i)*3000)
		require.NoError(t, err)
		assert.Equal(t, expected[i], readPictureID(p))
	}
}

func TestNoSwitchPassesPictureIDThrough(t *testing.T) {
	m := New()
	for _, raw := range []uint16{10, 11, 12} {
		p := buildPayload(raw)
		_, err := m.Rewrite(p, 1000)
		require.NoError(t, err)
		assert.Equal(t, raw, readPictureID(p))
	}
}

func TestRewriteRejectsTruncatedPayload(t *testing.T) {
	m := New()
	_, err := m.Rewrite([]byte{0x80, 0x80, 0x80}, 1000)
	assert.Error(t, err)
}

// TestNoSwitchPassesTimestampThrough mirrors picture_id's pass-through
// behavior: absent a layer switch, the RTP timestamp must not be altered.
func TestNoSwitchPassesTimestampThrough(t *testing.T) {
	m := New()
	for _, ts := range []uint32{1000, 4000, 7000} {
		out, err := m.Rewrite(buildPayload(1), ts)
		require.NoError(t, err)
		assert.Equal(t, ts, out)
	}
}

// TestLayerSwitchContinuesTimestampSequence verifies the RTP timestamp
// continuity behavior: the first packet of a new layer is stamped to
// continue directly after the last timestamp this munger emitted,
// regardless of the new layer's own clock value, per the redesign that
// replaces wall-clock gap estimation with observed RTP timestamps.
func TestLayerSwitchContinuesTimestampSequence(t *testing.T) {
	m := New()

	out, err := m.Rewrite(buildPayload(1), 9000)
	require.NoError(t, err)
	assert.Equal(t, uint32(9000), out)

	m.Update()

	// The new layer's own clock reads far ahead of (or behind) 9000;
	// the munger must ignore that and continue from 9000.
	out, err = m.Rewrite(buildPayload(2), 500000)
	require.NoError(t, err)
	assert.Equal(t, uint32(9001), out)

	out, err = m.Rewrite(buildPayload(3), 500003)
	require.NoError(t, err)
	assert.Equal(t, uint32(9004), out)
}
