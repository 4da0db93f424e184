package metadata

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// FingerprintPrefix marks fingerprints derived from the document bytes.
const FingerprintPrefix = "blake2b-256:"

// Fingerprint returns the document's content fingerprint: the root ID when
// the publisher set one, otherwise a digest of the bytes.
func Fingerprint(raw []byte, rootID string) string {
	if rootID != "" {
		return rootID
	}
	sum := blake2b.Sum256(raw)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// SameContent reports whether a and b are the same document once line
// endings, trailing spaces and surrounding blank space are ignored.
func SameContent(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	return bytes.Equal(normalize(a), normalize(b))
}

func normalize(raw []byte) []byte {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	lines := bytes.Split(raw, []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimRight(l, " \t\r")
	}
	return bytes.TrimSpace(bytes.Join(lines, []byte("\n")))
}
