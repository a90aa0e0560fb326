package blobstore

import (
	"encoding/hex"
	"fmt"
)

// KeySize is the length in bytes of a blob key (a BLAKE3-256 digest).
const KeySize = 32

// Key is the content address of a blob: the BLAKE3-256 digest of its bytes,
// hex-encoded for filesystem and wire use.
type Key [KeySize]byte

// ParseKey decodes a lowercase hex string into a Key, rejecting anything
// that isn't exactly 64 hex characters — malformed tar entry names and
// request bodies are the usual source of bad input here.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("blobstore: key %q: want %d hex chars, got %d", s, KeySize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("blobstore: key %q: %w", s, err)
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Fanout returns the two directory components ("ab", "cd") that shard the
// blob's location on disk.
func (k Key) Fanout() (string, string) {
	s := k.String()
	return s[0:2], s[2:4]
}

func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k *Key) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("blobstore: key must be a JSON string")
	}
	parsed, err := ParseKey(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
