// Package cryptoenv implements the authenticated-encryption envelope used to
// protect private material at rest. See DESIGN.md for why this composes
// AES-256-GCM from the standard library rather than AES-256-GCM-SIV: no
// package in the example corpus (nor golang.org/x/crypto) implements RFC 8452
// GCM-SIV/POLYVAL, and fabricating or hand-rolling one for a key-custody
// primitive is worse than an explicit, narrow substitution.
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/dan/airsig/internal/airsigerr"
)

// KeySize is the fixed, mandatory key length: shorter or longer keys fail
// loudly rather than being silently padded/truncated.
const KeySize = 32

// Key is a 32-byte AEAD key supplied by the caller; this package performs no
// key derivation of its own.
type Key [KeySize]byte

func NewKey(raw []byte) (Key, error) {
	var k Key
	if len(raw) != KeySize {
		return k, airsigerr.New(airsigerr.KindInvalidInput, "encryption key must be exactly 32 bytes")
	}
	copy(k[:], raw)
	return k, nil
}

// MaybeEncrypted is the on-disk envelope: either the plaintext object
// (tagged "plain") or a base64(nonce||ciphertext||tag) blob (tagged
// "encrypted"). The two states are never present simultaneously.
type MaybeEncrypted struct {
	State string          `json:"state"` // "plain" | "encrypted"
	Plain json.RawMessage `json:"plain,omitempty"`
	Blob  string          `json:"blob,omitempty"`
}

// Plain wraps a plaintext value with no encryption.
func Plain(v any) (MaybeEncrypted, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return MaybeEncrypted{}, airsigerr.Wrap(airsigerr.KindGeneric, "marshaling plaintext object", err)
	}
	return MaybeEncrypted{State: "plain", Plain: raw}, nil
}

// Encrypt wraps v, AES-256-GCM-encrypted under key, as an Encrypted envelope.
func Encrypt(v any, key Key) (MaybeEncrypted, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return MaybeEncrypted{}, airsigerr.Wrap(airsigerr.KindGeneric, "marshaling plaintext object", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return MaybeEncrypted{}, airsigerr.Wrap(airsigerr.KindDecryptionFailure, "initializing cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return MaybeEncrypted{}, airsigerr.Wrap(airsigerr.KindDecryptionFailure, "initializing AEAD", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return MaybeEncrypted{}, airsigerr.Wrap(airsigerr.KindGeneric, "drawing nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, raw, nil)
	blob := append(nonce, sealed...) // nonce || ciphertext || tag (tag is appended by Seal)
	return MaybeEncrypted{State: "encrypted", Blob: base64.StdEncoding.EncodeToString(blob)}, nil
}

// Decrypt unwraps env into v. If env is Plain, key must be nil (absent);
// if env is Encrypted, key must be present and correct. Any mismatch between
// the envelope's state and whether a key was supplied is
// MaybeEncryptedWrongState, never a silent fallback.
func Decrypt(env MaybeEncrypted, key *Key, v any) error {
	switch env.State {
	case "plain":
		if key != nil {
			return airsigerr.New(airsigerr.KindMaybeEncryptedWrongState, "object is stored in plaintext but an encryption key was supplied")
		}
		if err := json.Unmarshal(env.Plain, v); err != nil {
			return airsigerr.Wrap(airsigerr.KindFileNotFoundOrCorrupt, "decoding plaintext object", err)
		}
		return nil
	case "encrypted":
		if key == nil {
			return airsigerr.New(airsigerr.KindMaybeEncryptedWrongState, "object is encrypted but no encryption key was supplied")
		}
		raw, err := decryptBlob(env.Blob, *key)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return airsigerr.Wrap(airsigerr.KindDecryptionFailure, "decoding decrypted object", err)
		}
		return nil
	default:
		return airsigerr.New(airsigerr.KindFileNotFoundOrCorrupt, "unknown envelope state")
	}
}

func decryptBlob(blobB64 string, key Key) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(blobB64)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindDecryptionFailure, "invalid base64 envelope", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindDecryptionFailure, "initializing cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindDecryptionFailure, "initializing AEAD", err)
	}

	if len(blob) < gcm.NonceSize() {
		return nil, airsigerr.New(airsigerr.KindDecryptionFailure, "truncated ciphertext")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, airsigerr.Wrap(airsigerr.KindDecryptionFailure, "authentication failed", err)
	}
	return plain, nil
}

// DecryptRaw decrypts a detached base64(nonce||ciphertext||tag) blob that was
// never wrapped in a MaybeEncrypted envelope (the "decrypt" CLI command's use
// case, for recovering a backup file produced outside the Store).
func DecryptRaw(blobB64 string, key Key) ([]byte, error) {
	return decryptBlob(blobB64, key)
}
