package utils

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FingerprintPrefix is how many normalized characters take part in a fingerprint
const FingerprintPrefix = 150

// NormalizeText lowercases s and collapses every whitespace run to one space
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fingerprint hashes the normalized prefix of text. Two snippets that only
// differ in case, spacing or trailing content share a fingerprint.
func Fingerprint(text string) string {
	norm := []rune(NormalizeText(text))
	if len(norm) > FingerprintPrefix {
		norm = norm[:FingerprintPrefix]
	}
	sum := blake2b.Sum256([]byte(string(norm)))
	return hex.EncodeToString(sum[:16])
}

// ContentHash hashes text exactly as given
func ContentHash(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
