// Package gitlib reads git repositories through libgit2: commit history,
// per-commit diff statistics, the file tree at a revision and blob contents.
// It also clones remote repositories with transfer progress reporting.
package gitlib

import (
	"encoding/hex"
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// HashSize is the size of a SHA-1 object id in bytes.
const HashSize = 20

// ErrInvalidHash is returned by ParseHash for malformed input.
var ErrInvalidHash = errors.New("invalid object hash")

// Hash is a git object id.
type Hash [HashSize]byte

// ParseHash parses a 40-character hex object id.
func ParseHash(s string) (Hash, error) {
	var h Hash

	if len(s) != hex.EncodedLen(HashSize) {
		return h, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}

	_, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return h, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}

	return h, nil
}

// HashFromOid converts a libgit2 Oid to Hash.
func HashFromOid(oid *git2go.Oid) Hash {
	var h Hash
	copy(h[:], oid[:])

	return h
}

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) oid() *git2go.Oid {
	oid := new(git2go.Oid)
	copy(oid[:], h[:])

	return oid
}
