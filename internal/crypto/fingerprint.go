package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintLen is how many digest bytes survive truncation. Ten bytes is
// 20 hex characters, short enough to compare out of band.
const fingerprintLen = 10

// Fingerprint condenses a public key into a short hex string for manual
// verification between peers. The key is hashed with SHA-256 and the digest
// truncated.
func Fingerprint(pub []byte) string {
	digest := sha256.Sum256(pub)
	return hex.EncodeToString(digest[:fingerprintLen])
}
