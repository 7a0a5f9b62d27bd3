package store

import (
	"encoding/json"
	"testing"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/cryptoenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTripPlain(t *testing.T) {
	s := New(t.TempDir())
	ms := MasterSecret{ID: NewIdentifier(Bitcoin, KindMasterSecret, "alice"), Xprv: "xprv-fixture"}

	require.NoError(t, Write(s, ms, nil))

	got, err := Read[MasterSecret](s, ms.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ms, got)
}

func TestWriteReadRoundTripEncrypted(t *testing.T) {
	s := New(t.TempDir())
	key, err := cryptoenv.NewKey(make([]byte, 32))
	require.NoError(t, err)
	ms := MasterSecret{ID: NewIdentifier(Bitcoin, KindMasterSecret, "bob"), Xprv: "xprv-fixture-2"}

	require.NoError(t, Write(s, ms, &key))

	_, err = Read[MasterSecret](s, ms.ID, nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindMaybeEncryptedWrongState))

	got, err := Read[MasterSecret](s, ms.ID, &key)
	require.NoError(t, err)
	assert.Equal(t, ms, got)
}

func TestWriteOnceCannotOverwrite(t *testing.T) {
	s := New(t.TempDir())
	ms := MasterSecret{ID: NewIdentifier(Bitcoin, KindMasterSecret, "carol"), Xprv: "xprv-1"}
	require.NoError(t, Write(s, ms, nil))

	ms2 := MasterSecret{ID: ms.ID, Xprv: "xprv-2"}
	err := Write(s, ms2, nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindCannotOverwrite))
}

func TestWalletIndexesOverwritable(t *testing.T) {
	s := New(t.TempDir())
	id := NewIdentifier(Bitcoin, KindWalletIndexes, "w1")
	require.NoError(t, Write(s, WalletIndexes{ID: id, Main: 0}, nil))
	require.NoError(t, Write(s, WalletIndexes{ID: id, Main: 5}, nil))

	got, err := Read[WalletIndexes](s, id, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.Main)
}

func TestReadMissingIsFileNotFoundOrCorrupt(t *testing.T) {
	s := New(t.TempDir())
	_, err := Read[MasterSecret](s, NewIdentifier(Bitcoin, KindMasterSecret, "ghost"), nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindFileNotFoundOrCorrupt))
}

func TestListOmitsEncryptedWithoutKey(t *testing.T) {
	s := New(t.TempDir())
	key, err := cryptoenv.NewKey(make([]byte, 32))
	require.NoError(t, err)

	plain := MasterSecret{ID: NewIdentifier(Bitcoin, KindMasterSecret, "plain-key"), Xprv: "x1"}
	enc := MasterSecret{ID: NewIdentifier(Bitcoin, KindMasterSecret, "enc-key"), Xprv: "x2"}
	require.NoError(t, Write(s, plain, nil))
	require.NoError(t, Write(s, enc, &key))

	withoutKey, err := s.List(Bitcoin, KindMasterSecret, nil)
	require.NoError(t, err)
	require.Len(t, withoutKey, 1)
	assert.Equal(t, "plain-key", withoutKey[0].Name)

	withKey, err := s.List(Bitcoin, KindMasterSecret, &key)
	require.NoError(t, err)
	assert.Len(t, withKey, 2)
}

func TestExportRequiresKeyWhenEncrypted(t *testing.T) {
	s := New(t.TempDir())
	key, err := cryptoenv.NewKey(make([]byte, 32))
	require.NoError(t, err)
	ms := MasterSecret{ID: NewIdentifier(Bitcoin, KindMasterSecret, "dave"), Xprv: "xprv-dave"}
	require.NoError(t, Write(s, ms, &key))

	_, err = s.Export(ms.ID, nil)
	require.Error(t, err)

	raw, err := s.Export(ms.ID, &key)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "xprv-dave")
}

func TestImportDispatchesByKindAndRespectsOverwrite(t *testing.T) {
	s := New(t.TempDir())
	ms := MasterSecret{ID: NewIdentifier(Testnet, KindMasterSecret, "imported"), Xprv: "xprv-imported"}
	data, err := json.Marshal(ms)
	require.NoError(t, err)

	id, err := s.Import(data, nil)
	require.NoError(t, err)
	assert.Equal(t, ms.ID, id)

	got, err := Read[MasterSecret](s, ms.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, ms, got)

	_, err = s.Import(data, nil)
	require.Error(t, err)
	assert.True(t, airsigerr.Is(err, airsigerr.KindCannotOverwrite))
}
