package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Revision fingerprints an artifact payload. Derived artifacts record the
// revision of the input they were built from; a rewritten input makes them
// stale.
func Revision(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Revision fingerprints the slide content that code generation and hosted
// rendering read.
func (s Slide) Revision() string {
	data, _ := json.Marshal(s)
	return Revision(data)
}
