package qr

import (
	"bytes"
	"testing"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSingleChunkCannotMergeAlone(t *testing.T) {
	payload := []byte("a short payload")
	records, err := Split(payload, 14)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got, err := Merge(records)
	require.Error(t, err, "a single record can never satisfy the >=2-chunk merge requirement")
	_ = got
}

func TestSplitMergeRoundTripMultiChunk(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 50) // 800 bytes
	records, err := Split(payload, 5)                       // version 5 => 104 bytes/chunk
	require.NoError(t, err)
	require.Greater(t, len(records), 1)

	got, err := Merge(records)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMergeOutOfOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz123"), 50) // 300 bytes => 3 chunks at version 5
	records, err := Split(payload, 5)
	require.NoError(t, err)
	require.Len(t, records, 3)

	reordered := [][]byte{records[2], records[0], records[1]}
	got, err := Merge(reordered)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMergeMissingPieceFails(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz123"), 200)
	records, err := Split(payload, 5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), 3)

	// Duplicate one record instead of supplying the missing one.
	dup := [][]byte{records[0], records[0], records[1]}
	_, err = Merge(dup)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidStructuredQr))
}

func TestMergeParityMismatchFails(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz123"), 25) // 150 bytes => exactly 2 chunks at version 5
	records, err := Split(payload, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)

	tampered := make([]byte, len(records[1]))
	copy(tampered, records[1])
	tampered[len(tampered)-1] ^= 0xff // flip a content byte, breaking its parity contribution

	_, err = Merge([][]byte{records[0], tampered})
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidStructuredQr))
}

func TestSplitTooLargeForVersion(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1_000_000)
	_, err := Split(payload, 5)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidStructuredQr))
}

func TestRenderPNGProducesValidPNGHeader(t *testing.T) {
	records, err := Split([]byte("hello"), 14)
	require.NoError(t, err)
	png, err := RenderPNG(records[0], 256)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte{0x89, 'P', 'N', 'G'}))
}
