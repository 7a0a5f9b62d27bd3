// Package config persists the online coordinator's small set of
// node-connection settings, adapted from path_config.go's btcConfig/
// getConfig/getNetwork/getMinConfirmations pattern: the same fields, stored
// as a plain JSON file under the datadir root instead of Vault logical
// storage.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dan/airsig/internal/airsigerr"
	"github.com/dan/airsig/internal/store"
)

const filename = "config.json"

// Config holds the node RPC endpoint and spend-confirmation policy for one
// datadir. Unlike the persisted entity kinds in internal/store, it has no
// Identifier: it is a single record per datadir, not per-network/per-name.
type Config struct {
	Network          store.Network `json:"network"`
	NodeURL          string        `json:"node_url"`
	NodeUser         string        `json:"node_user,omitempty"`
	NodePassword     string        `json:"node_password,omitempty"`
	MinConfirmations int           `json:"min_confirmations"`
}

func path(datadir string) string {
	return filepath.Join(datadir, filename)
}

// Load reads the config file, defaulting MinConfirmations to 1 when the
// stored value is its zero value (matching getMinConfirmations's donor
// default).
func Load(datadir string) (*Config, error) {
	data, err := os.ReadFile(path(datadir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, path(datadir), err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, airsigerr.WithPath(airsigerr.KindFileNotFoundOrCorrupt, path(datadir), err)
	}
	if c.MinConfirmations == 0 {
		c.MinConfirmations = 1
	}
	return &c, nil
}

// Save validates and persists c, overwriting any prior config (unlike the
// store's persisted Kinds, config is a mutable, single-writer local setting,
// not a content-addressed Identifier-keyed record).
func Save(datadir string, c Config) error {
	if _, err := store.ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	if c.MinConfirmations < 0 {
		return airsigerr.New(airsigerr.KindInvalidInput, "min_confirmations must be >= 0")
	}
	if c.NodeURL == "" {
		return airsigerr.New(airsigerr.KindInvalidInput, "node_url is required")
	}
	if err := os.MkdirAll(datadir, 0o700); err != nil {
		return airsigerr.Wrap(airsigerr.KindGeneric, "creating datadir", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return airsigerr.Wrap(airsigerr.KindGeneric, "marshaling config", err)
	}
	if err := os.WriteFile(path(datadir), data, 0o600); err != nil {
		return airsigerr.WithPath(airsigerr.KindGeneric, path(datadir), err)
	}
	return nil
}

// MinConfirmations mirrors the donor's getMinConfirmations: default to 1 when
// no config has ever been written.
func MinConfirmations(datadir string) (int, error) {
	c, err := Load(datadir)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 1, nil
	}
	return c.MinConfirmations, nil
}
