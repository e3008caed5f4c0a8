package codec

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns the BLAKE3-256 hash of data.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// ShortDigest returns the first 16 bytes of the BLAKE3 hash as hex. It is
// the form used for payload references in logs and diagnostics.
func ShortDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
