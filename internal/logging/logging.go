// Package logging provides the structured logger sink shared by the CLI and
// coordinator layers, adapted from backend.go's b.Logger().Debug/Info/Warn
// structured-field idiom — re-hosted as a standalone hclog.Logger (no Vault
// framework.Backend to hang it off of) passed by reference, never stored as
// package-level mutable state (§9 "Global state").
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// redactedKeys never have their value logged; the field value is replaced
// with a fixed placeholder regardless of type (§5: "any logging that might
// echo arguments must redact payloads containing the literal token
// encryption_key").
var redactedKeys = map[string]bool{
	"encryption_key": true,
	"xprv":           true,
	"seed":           true,
}

// New builds a logger writing to stderr at the given level name
// ("debug"/"info"/"warn"/"error"), matching hclog.New's own level parsing.
func New(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		Output:     os.Stderr,
		JSONFormat: false,
	})
}

// Redact walks a structured-field arg list (alternating key, value, the same
// shape hclog.Debug/Info/Warn take) and replaces the value of any key in
// redactedKeys with "[redacted]" before it ever reaches the logger.
func Redact(args ...interface{}) []interface{} {
	out := make([]interface{}, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if ok && redactedKeys[key] {
			out[i+1] = "[redacted]"
		}
	}
	return out
}
