package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/cryptoenv"
)

// Entity is implemented by every persisted object kind, giving the generic
// Store helpers a uniform way to find an object's identifier and kind.
type Entity interface {
	GetID() Identifier
	Kind() Kind
}

func (m MasterSecret) GetID() Identifier        { return m.ID }
func (d DescriptorPublicKey) GetID() Identifier { return d.ID }
func (w Wallet) GetID() Identifier              { return w.ID }
func (w WalletIndexes) GetID() Identifier       { return w.ID }
func (w WalletSignature) GetID() Identifier     { return w.ID }
func (p Psbt) GetID() Identifier                { return p.ID }

// Store is a thin wrapper around a datadir root; it has no in-memory cache,
// so a successful Write is immediately visible to a subsequent Read (§5).
type Store struct {
	Datadir string
}

func New(datadir string) *Store { return &Store{Datadir: datadir} }

// Write persists v, honoring the CanOverwrite rule for its Kind and applying
// the encryption envelope when key is non-nil.
func Write[T Entity](s *Store, v T, key *cryptoenv.Key) error {
	id := v.GetID()
	path, err := id.Path(s.Datadir, true)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(path); statErr == nil && !id.Kind.CanOverwrite() {
		return airsigerr.WithPath(airsigerr.KindCannotOverwrite, path, nil)
	}

	var env cryptoenv.MaybeEncrypted
	if key != nil {
		env, err = cryptoenv.Encrypt(v, *key)
	} else {
		env, err = cryptoenv.Plain(v)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return airsigerr.Wrap(airsigerr.KindGeneric, "marshaling envelope", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return airsigerr.WithPath(airsigerr.KindGeneric, path, err)
	}
	return nil
}

// Read loads and decrypts (if key is supplied) the object at id.
func Read[T Entity](s *Store, id Identifier, key *cryptoenv.Key) (T, error) {
	var zero T
	path, err := id.Path(s.Datadir, false)
	if err != nil {
		return zero, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return zero, airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, path, err)
	}

	var env cryptoenv.MaybeEncrypted
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, path, err)
	}

	var v T
	if err := cryptoenv.Decrypt(env, key, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// Export returns the decrypted object at id as a generic JSON value,
// regardless of concrete Kind — used by the "export" CLI command.
func (s *Store) Export(id Identifier, key *cryptoenv.Key) (json.RawMessage, error) {
	path, err := id.Path(s.Datadir, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, path, err)
	}
	var env cryptoenv.MaybeEncrypted
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, path, err)
	}
	var raw json.RawMessage
	if err := cryptoenv.Decrypt(env, key, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Import parses raw as one of the six entity kinds (sniffed from its
// embedded "id":{"kind":...} field) and dispatches to the typed Write,
// honoring that kind's overwrite rule.
func (s *Store) Import(raw json.RawMessage, key *cryptoenv.Key) (Identifier, error) {
	var peek struct {
		ID Identifier `json:"id"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "object has no recognizable id", err)
	}

	switch peek.ID.Kind {
	case KindMasterSecret:
		var v MasterSecret
		if err := json.Unmarshal(raw, &v); err != nil {
			return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding MasterSecret", err)
		}
		return v.ID, Write(s, v, key)
	case KindDescriptorPublicKey:
		var v DescriptorPublicKey
		if err := json.Unmarshal(raw, &v); err != nil {
			return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding DescriptorPublicKey", err)
		}
		return v.ID, Write(s, v, nil)
	case KindWallet:
		var v Wallet
		if err := json.Unmarshal(raw, &v); err != nil {
			return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding Wallet", err)
		}
		return v.ID, Write(s, v, nil)
	case KindWalletIndexes:
		var v WalletIndexes
		if err := json.Unmarshal(raw, &v); err != nil {
			return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding WalletIndexes", err)
		}
		return v.ID, Write(s, v, nil)
	case KindWalletSignature:
		var v WalletSignature
		if err := json.Unmarshal(raw, &v); err != nil {
			return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding WalletSignature", err)
		}
		return v.ID, Write(s, v, nil)
	case KindPsbt:
		var v Psbt
		if err := json.Unmarshal(raw, &v); err != nil {
			return Identifier{}, airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding Psbt", err)
		}
		return v.ID, Write(s, v, nil)
	default:
		return Identifier{}, airsigerr.New(airsigerr.KindInvalidInput, "unrecognized object kind")
	}
}

// List enumerates the identifiers of the given kind under network. When key
// is nil, encrypted MasterSecret entries are omitted from the listing rather
// than returned as opaque blobs (§8 scenario 4).
func (s *Store) List(network Network, kind Kind, key *cryptoenv.Key) ([]Identifier, error) {
	dir := filepath.Join(s.Datadir, string(network), kind.dir())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, airsigerr.WithPath(airsigerr.KindGeneric, dir, err)
	}

	var out []Identifier
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := NewIdentifier(network, kind, e.Name())
		path, err := id.Path(s.Datadir, false)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var env cryptoenv.MaybeEncrypted
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if kind == KindMasterSecret && env.State == "encrypted" && key == nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
