package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashKey produces a deterministic hex digest of the joined parts, used as a
// cache key. Parts are separated by a NUL byte so that ("ab","c") and
// ("a","bc") hash differently.
func HashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Min returns the smaller of two ints.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
