package botpkg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// DefaultMaxScriptBytes bounds both downloads and the bytes handed to
	// the engine.
	DefaultMaxScriptBytes int64 = 100 << 10

	entryPoint = "processNotification"
)

var ErrEmptyScript = errors.New("bot code is empty")

// Validate applies the cheap checks done before install and before every
// execution.
func Validate(script []byte, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxScriptBytes
	}
	if len(bytes.TrimSpace(script)) == 0 {
		return ErrEmptyScript
	}
	if size := int64(len(script)); size > maxBytes {
		return fmt.Errorf("bot too large: %d bytes (max: %d bytes)", size, maxBytes)
	}
	if !bytes.Contains(script, []byte(entryPoint)) {
		return fmt.Errorf("missing %s function", entryPoint)
	}
	return nil
}

// Hash returns the lowercase hex SHA-256 of script.
func Hash(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}
