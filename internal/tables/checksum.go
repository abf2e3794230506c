package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const checksumPrefix = "sha256:"

// ComputeChecksum returns the archive checksum of data, "sha256:<hex>".
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether data matches expected. A checksum without
// the algorithm prefix is compared as bare hex.
func VerifyChecksum(data []byte, expected string) bool {
	if !strings.HasPrefix(expected, checksumPrefix) {
		expected = checksumPrefix + expected
	}
	return ComputeChecksum(data) == strings.ToLower(expected)
}
