package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Cold object header: one flag byte and the uncompressed length.
const (
	coldHeaderSize = 9
	coldFlagRaw    = 0
	coldFlagLZ4    = 1
	coldDirPerm    = 0o750
	coldFilePerm   = 0o640
	digestFanout   = 2
)

// An lz4 block expands at most this much; larger declared sizes come from a
// damaged header.
const (
	lz4MaxRatio    = 255
	lz4MaxOverhead = 16
)

var (
	errCorruptObject  = errors.New("corrupt cold object")
	errDigestMismatch = errors.New("cold object digest mismatch")
)

// coldTier is a content-addressed object store on the filesystem.
// Objects live at objects/<aa>/<digest> and are never rewritten; refs map
// cache keys to object digests.
type coldTier struct {
	root string
}

func openColdTier(root string) (*coldTier, error) {
	for _, sub := range []string{"objects", "refs", "tmp"} {
		mkErr := os.MkdirAll(filepath.Join(root, sub), coldDirPerm)
		if mkErr != nil {
			return nil, fmt.Errorf("create cold cache directory: %w", mkErr)
		}
	}

	return &coldTier{root: root}, nil
}

func (c *coldTier) objectPath(digest string) string {
	return filepath.Join(c.root, "objects", digest[:digestFanout], digest)
}

func (c *coldTier) refPath(key string) string {
	// Keys are hashed so arbitrary strings map to safe file names.
	sum := sha256.Sum256([]byte(key))

	return filepath.Join(c.root, "refs", hex.EncodeToString(sum[:]))
}

// putObject stores data and returns its digest. Existing objects are left untouched.
func (c *coldTier) putObject(data []byte) (string, error) {
	digest := contentDigest(data)
	path := c.objectPath(digest)

	_, statErr := os.Stat(path)
	if statErr == nil {
		return digest, nil
	}

	mkErr := os.MkdirAll(filepath.Dir(path), coldDirPerm)
	if mkErr != nil {
		return "", fmt.Errorf("create object directory: %w", mkErr)
	}

	writeErr := c.writeAtomic(path, compressObject(data))
	if writeErr != nil {
		return "", writeErr
	}

	return digest, nil
}

func (c *coldTier) getObject(digest string) ([]byte, error) {
	if len(digest) <= digestFanout {
		return nil, fmt.Errorf("%w: bad digest %q", errCorruptObject, digest)
	}

	raw, err := os.ReadFile(c.objectPath(digest))
	if err != nil {
		return nil, fmt.Errorf("read cold object: %w", err)
	}

	data, err := decompressObject(raw)
	if err != nil {
		return nil, err
	}

	if contentDigest(data) != digest {
		return nil, fmt.Errorf("%w: %s", errDigestMismatch, digest)
	}

	return data, nil
}

func (c *coldTier) putRef(key, digest string) error {
	return c.writeAtomic(c.refPath(key), []byte(digest))
}

func (c *coldTier) getRef(key string) (string, bool, error) {
	raw, err := os.ReadFile(c.refPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("read cold ref: %w", err)
	}

	return strings.TrimSpace(string(raw)), true, nil
}

// writeAtomic writes data to a temp file and renames it into place, so
// readers see either the old content or the complete new content.
func (c *coldTier) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)

		return fmt.Errorf("write temp file: %w", errors.Join(writeErr, closeErr))
	}

	chmodErr := os.Chmod(tmpName, coldFilePerm)
	if chmodErr != nil {
		os.Remove(tmpName)

		return fmt.Errorf("chmod temp file: %w", chmodErr)
	}

	renameErr := os.Rename(tmpName, path)
	if renameErr != nil {
		os.Remove(tmpName)

		return fmt.Errorf("rename into place: %w", renameErr)
	}

	return nil
}

func compressObject(data []byte) []byte {
	compressed := make([]byte, coldHeaderSize+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint64(compressed[1:coldHeaderSize], uint64(len(data)))

	written, err := lz4.CompressBlock(data, compressed[coldHeaderSize:], nil)
	if err != nil || written == 0 || written >= len(data) {
		// Incompressible: store the raw bytes.
		raw := make([]byte, coldHeaderSize+len(data))
		raw[0] = coldFlagRaw
		binary.BigEndian.PutUint64(raw[1:coldHeaderSize], uint64(len(data)))
		copy(raw[coldHeaderSize:], data)

		return raw
	}

	compressed[0] = coldFlagLZ4

	return compressed[:coldHeaderSize+written]
}

func decompressObject(raw []byte) ([]byte, error) {
	if len(raw) < coldHeaderSize {
		return nil, errCorruptObject
	}

	size := binary.BigEndian.Uint64(raw[1:coldHeaderSize])
	body := raw[coldHeaderSize:]

	switch raw[0] {
	case coldFlagRaw:
		if uint64(len(body)) != size {
			return nil, errCorruptObject
		}

		return body, nil
	case coldFlagLZ4:
		if size > uint64(len(body))*lz4MaxRatio+lz4MaxOverhead {
			return nil, fmt.Errorf("%w: declared size %d for %d compressed bytes", errCorruptObject, size, len(body))
		}

		out := make([]byte, size)

		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptObject, err)
		}

		if uint64(n) != size {
			return nil, errCorruptObject
		}

		return out, nil
	default:
		return nil, errCorruptObject
	}
}
