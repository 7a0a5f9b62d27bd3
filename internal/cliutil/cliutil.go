// Package cliutil is the thin layer shared by both binaries that projects a
// core (T, error) result onto the CLI surface's single contract: one
// pretty-printed JSON document on stdout, exit 0 on success, exit 1 and
// {"error": "..."} on failure (§6). No core package ever imports this one.
package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dan/airsig/internal/cryptoenv"
)

// Emit prints v as pretty JSON and exits 0. It is the last call of every
// subcommand's RunE on the success path.
func Emit(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Fail(err)
	}
	fmt.Println(string(data))
	return nil
}

// errorDoc is the fixed shape of a failed command's stdout document.
type errorDoc struct {
	Error string `json:"error"`
}

// Fail prints {"error": "<message>"} to stdout and returns a non-nil error so
// cobra exits non-zero; the error's own text is not printed a second time by
// cobra since both root commands set SilenceErrors/SilenceUsage.
func Fail(err error) error {
	data, _ := json.MarshalIndent(errorDoc{Error: err.Error()}, "", "  ")
	fmt.Println(string(data))
	return err
}

// ReadEncryptionKey reads exactly 32 raw bytes from r (stdin in practice)
// when --encrypt is set, per §6: "Offline encryption key is read from stdin
// when --encrypt is set (raw bytes, must be exactly 32)".
func ReadEncryptionKey(r io.Reader) (*cryptoenv.Key, error) {
	buf := make([]byte, cryptoenv.KeySize+1)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n != cryptoenv.KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes (read %d)", cryptoenv.KeySize, n)
	}
	k, kerr := cryptoenv.NewKey(buf[:n])
	if kerr != nil {
		return nil, kerr
	}
	return &k, nil
}

// Stdin is the default reader for ReadEncryptionKey, overridable in tests.
var Stdin io.Reader = os.Stdin
