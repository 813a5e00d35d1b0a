// Package contenthash defines the content identifier used everywhere in the
// engine: the SHA-1 of a blob's decompressed bytes, as 40 uppercase hex chars.
package contenthash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/blobsync/internal/common"
)

// Len is the length of a hash in hex characters.
const Len = sha1.Size * 2

// Hash is a canonical (uppercase) content hash.
type Hash string

// Parse validates s and returns its canonical form.
func Parse(s string) (Hash, error) {
	if len(s) != Len {
		return "", fmt.Errorf("%w: %q has length %d", common.ErrInvalidHash, s, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidHash, s)
	}
	return Hash(strings.ToUpper(s)), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) String() string { return string(h) }

// Equal compares case-insensitively.
func (h Hash) Equal(other Hash) bool { return strings.EqualFold(string(h), string(other)) }

// FromBytes hashes b.
func FromBytes(b []byte) Hash {
	sum := sha1.Sum(b)
	return Hash(strings.ToUpper(hex.EncodeToString(sum[:])))
}

// FromSum formats a finished hash.Hash sum.
func FromSum(sum []byte) Hash {
	return Hash(strings.ToUpper(hex.EncodeToString(sum)))
}

// FromReader hashes everything read from r and returns the byte count.
func FromReader(r io.Reader) (Hash, int64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return FromSum(h.Sum(nil)), n, nil
}

// FromFile hashes the file at path.
func FromFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return FromReader(f)
}

// FromFileName extracts a hash from a "<HASH>" or "<HASH>.<ext>" file name.
// The second result is the extension without the dot.
func FromFileName(name string) (Hash, string, bool) {
	base := filepath.Base(name)
	stem, ext, _ := strings.Cut(base, ".")
	h, err := Parse(stem)
	if err != nil {
		return "", "", false
	}
	return h, ext, true
}
