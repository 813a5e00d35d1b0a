// Package blobfmt implements the relay blob body format: an optional
// self-describing header "#<HASH>:<length>#" (each byte XOR-42 when
// obfuscated) followed by an LZ4-compressed payload.
package blobfmt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
)

const (
	marker = '#'
	// '#' + 40 hex + ':' + up to 19 digits + '#'
	maxHeaderLen = 1 + contenthash.Len + 1 + 19 + 1
)

// Header describes the decompressed content that follows it.
type Header struct {
	Hash       contenthash.Hash
	Length     int64
	Obfuscated bool
}

// ReadHeader consumes a header from br if one is present. When the body does
// not start with a (plain or obfuscated) marker nothing is consumed and ok is
// false.
func ReadHeader(br *bufio.Reader) (h Header, ok bool, err error) {
	first, err := br.Peek(1)
	if err != nil {
		if err == io.EOF {
			return Header{}, false, nil
		}
		return Header{}, false, err
	}

	var obfuscated bool
	switch first[0] {
	case marker:
	case marker ^ common.XORKey:
		obfuscated = true
	default:
		return Header{}, false, nil
	}

	// Peek the whole candidate before consuming anything so a payload that
	// merely starts with the marker byte is left intact.
	raw, _ := br.Peek(maxHeaderLen)
	plain := make([]byte, len(raw))
	for i, b := range raw {
		if obfuscated {
			b ^= common.XORKey
		}
		plain[i] = b
	}

	end := bytes.IndexByte(plain[1:], marker)
	if end < 0 {
		return Header{}, false, nil
	}
	body := plain[1 : end+1]

	hashPart, lenPart, found := bytes.Cut(body, []byte{':'})
	if !found {
		return Header{}, false, nil
	}
	hash, perr := contenthash.Parse(string(hashPart))
	if perr != nil {
		return Header{}, false, nil
	}
	length, perr := strconv.ParseInt(string(lenPart), 10, 64)
	if perr != nil || length < 0 {
		return Header{}, false, fmt.Errorf("%w: bad length %q", common.ErrInvalidHeader, lenPart)
	}

	if _, err := br.Discard(end + 2); err != nil {
		return Header{}, false, err
	}
	return Header{Hash: hash, Length: length, Obfuscated: obfuscated}, true, nil
}

// Encode renders h, obfuscating it when h.Obfuscated is set.
func (h Header) Encode() []byte {
	out := []byte(fmt.Sprintf("#%s:%d#", h.Hash, h.Length))
	if h.Obfuscated {
		xorInPlace(out)
	}
	return out
}

type xorReader struct {
	r io.Reader
}

// NewXORReader undoes (or applies) the XOR-42 obfuscation on the fly.
func NewXORReader(r io.Reader) io.Reader {
	return &xorReader{r: r}
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	xorInPlace(p[:n])
	return n, err
}

func xorInPlace(b []byte) {
	for i := range b {
		b[i] ^= common.XORKey
	}
}
