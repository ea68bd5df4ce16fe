package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Fingerprint computes the 64-bit content fingerprint of a request payload.
// The payload is canonicalized through encoding/json, which emits struct
// fields in declaration order and map keys sorted, so equal requests always
// hash equal. The fingerprint is the first 8 bytes of the SHA-256 digest.
func Fingerprint(payload any) (uint64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8]), nil
}
