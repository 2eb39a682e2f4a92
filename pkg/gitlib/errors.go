package gitlib

import (
	"errors"

	git2go "github.com/libgit2/git2go/v34"
)

// IsNetworkError reports whether err came from the transport layer (DNS,
// connection or TLS failures while talking to a remote).
func IsNetworkError(err error) bool {
	return git2go.IsErrorClass(err, git2go.ErrorClassNet) ||
		git2go.IsErrorClass(err, git2go.ErrorClassSSL) ||
		git2go.IsErrorClass(err, git2go.ErrorClassSsh)
}

// IsNotFound reports whether err means a repository or object does not exist.
func IsNotFound(err error) bool {
	return git2go.IsErrorCode(err, git2go.ErrorCodeNotFound)
}

// IsCorrupt reports whether err points at unusable repository data: a
// missing or broken object database, bad references or an empty history.
func IsCorrupt(err error) bool {
	if errors.Is(err, ErrEmptyRepository) || errors.Is(err, ErrInvalidHash) {
		return true
	}

	return git2go.IsErrorClass(err, git2go.ErrorClassOdb) ||
		git2go.IsErrorClass(err, git2go.ErrorClassObject) ||
		git2go.IsErrorClass(err, git2go.ErrorClassRepository) ||
		git2go.IsErrorClass(err, git2go.ErrorClassZlib) ||
		git2go.IsErrorClass(err, git2go.ErrorClassReference)
}
