// Package idgen issues the correlation IDs stamped onto bus commands.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"
)

// fallbackSeq disambiguates IDs minted in the same nanosecond when the
// entropy source is unavailable.
var fallbackSeq atomic.Uint64

// Generator implements the IDGen port with UUIDv4 identifiers.
type Generator struct{}

// NewID returns a fresh identifier. Command correlation only needs
// uniqueness within a controller's lifetime, so a failed entropy read
// degrades to a timestamped sequence instead of an error.
func (Generator) NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("maestro-%d-%d", time.Now().UnixNano(), fallbackSeq.Add(1))
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
