package entropy

import (
	"testing"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredDiceLaunches(t *testing.T) {
	tests := []struct {
		faces uint32
		bits  Bits
		want  uint32
	}{
		{6, Bits128, 49},  // 6^49 <= 2^128 < 6^50
		{2, Bits128, 128}, // 2^128 <= 2^128
		{256, Bits256, 32},
	}
	for _, tt := range tests {
		got := RequiredDiceLaunches(tt.faces, tt.bits)
		assert.Equal(t, tt.want, got, "faces=%d bits=%d", tt.faces, tt.bits)
	}
}

func TestValidateDiceLaunchesWrongCount(t *testing.T) {
	err := ValidateDiceLaunches(6, Bits128, make([]uint32, 5))
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestValidateDiceLaunchesOutOfRange(t *testing.T) {
	launches := make([]uint32, RequiredDiceLaunches(6, Bits128))
	for i := range launches {
		launches[i] = 1
	}
	launches[0] = 7 // faces=6, so 7 is out of range
	err := ValidateDiceLaunches(6, Bits128, launches)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestValidateDiceLaunchesUnsupportedFaces(t *testing.T) {
	err := ValidateDiceLaunches(10, Bits128, nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestAccumulateDiceLaunches(t *testing.T) {
	// faces=6: launches [1,1,1] -> all zero-indexed 0 -> accumulator 0.
	acc := AccumulateDiceLaunches([]uint32{1, 1, 1}, 6)
	assert.Equal(t, "0", acc.String())

	// launches [6,6] with faces=6 -> (5)*6 + 5 = 35.
	acc = AccumulateDiceLaunches([]uint32{6, 6}, 6)
	assert.Equal(t, "35", acc.String())
}

func TestCalculateKeyDeterministic(t *testing.T) {
	faces := uint32(256)
	launches := []uint32{2, 3, 4, 5, 6, 7, 8, 9}
	ms1, err := CalculateKey(store.Bitcoin, faces, launches, "dice-wallet")
	require.NoError(t, err)
	ms2, err := CalculateKey(store.Bitcoin, faces, launches, "dice-wallet")
	require.NoError(t, err)

	assert.Equal(t, ms1.Xprv, ms2.Xprv, "identical dice launches must derive an identical xprv")
	require.NotNil(t, ms1.Dice)
	assert.Equal(t, faces, ms1.Dice.Faces)
	// launches [2..9] are the bytes 0x01..0x08 in base 256.
	assert.Equal(t, "72623859790382856", ms1.Dice.Value)
}

func TestCalculateKeyEmptyLaunches(t *testing.T) {
	_, err := CalculateKey(store.Bitcoin, 6, nil, "empty")
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestMasterSecretFromDiceValidated(t *testing.T) {
	launches := make([]uint32, RequiredDiceLaunches(6, Bits128))
	for i := range launches {
		launches[i] = uint32(i%6) + 1
	}
	ms, err := MasterSecretFromDice(store.Regtest, 6, Bits128, launches, "dice-regtest")
	require.NoError(t, err)
	require.NotNil(t, ms.Dice)
	assert.Equal(t, uint32(6), ms.Dice.Faces)
	assert.NotEmpty(t, ms.Xprv)

	// faces=256 is only reachable through CalculateKey, never the validated path.
	_, err = MasterSecretFromDice(store.Bitcoin, 256, Bits256, launches, "dice-256")
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestMasterSecretFromDiceRejectsInvalidLaunches(t *testing.T) {
	_, err := MasterSecretFromDice(store.Bitcoin, 6, Bits128, []uint32{0}, "bad")
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindInvalidInput))
}

func TestParseBits(t *testing.T) {
	for s, want := range map[string]Bits{"128": Bits128, "192": Bits192, "256": Bits256} {
		got, err := ParseBits(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBits("64")
	require.Error(t, err)
}
