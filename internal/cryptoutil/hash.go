package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256HexPrefix returns the first n hex characters of the SHA-256 digest.
// n is clamped to the full digest length.
func SHA256HexPrefix(data []byte, n int) string {
	s := SHA256Hex(data)
	if n < 0 {
		n = 0
	}
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
