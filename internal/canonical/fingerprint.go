// Package canonical computes the stable fingerprint used by the monitor loop
// to detect whether discovery or topology output changed between cycles
// (spec §4.5, glossary "canonical fingerprint"). Callers are responsible for
// producing deterministically ordered slices before marshaling — encoding/json
// already sorts map keys, so the only remaining discipline is slice order.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns a stable hex-encoded SHA-256 of v's canonical JSON form.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// JSON returns v's canonical JSON form, the same bytes Fingerprint hashes.
func JSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
