package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Fingerprint returns the cache key for a stage output: a SHA-256 over the
// stage name, the stage implementation version and the ordered inputs.
// Every part is length-prefixed so ("ab", "c") and ("a", "bc") never collide.
func Fingerprint(stage string, version int, inputs ...string) string {
	h := sha256.New()

	var lenBuf [8]byte

	write := func(part string) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}

	write(stage)
	write(strconv.Itoa(version))

	for _, input := range inputs {
		write(input)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// contentDigest is the content address of a cold-tier object.
func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
