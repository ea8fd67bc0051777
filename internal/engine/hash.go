package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashInputs fingerprints resolved resource arguments. Map keys marshal
// in sorted order, so equal inputs always hash equal; the fingerprint is
// persisted with the state entry for drift checks.
func hashInputs(inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
