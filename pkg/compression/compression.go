// Package compression provides the EFI Tiano compression capability used when
// rebuilding firmware volumes.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrEmptyInput    = errors.New("cannot compress empty file")
	ErrInvalidHeader = errors.New("invalid compressed stream header")
)

// MaxDecompressedSize bounds the output length a compressed stream may claim.
const MaxDecompressedSize = 64 << 20

// Codec compresses and decompresses using the Tiano algorithm from EDK2.
type Codec interface {
	// Compress fails with ErrEmptyInput on zero-length input.
	Compress(in []byte) ([]byte, error)
	// Decompress fails with ErrInvalidHeader if the stream does not start with
	// a usable compressed/original size header.
	Decompress(in []byte) ([]byte, error)
}

// ExpectedSize returns the decompressed length encoded in the header of a
// Tiano stream: a little-endian uint32 compressed size followed by a
// little-endian uint32 original size.
func ExpectedSize(in []byte) (uint32, error) {
	if len(in) < 8 {
		return 0, fmt.Errorf("%w: %d bytes is too short", ErrInvalidHeader, len(in))
	}
	compSize := binary.LittleEndian.Uint32(in[0:4])
	origSize := binary.LittleEndian.Uint32(in[4:8])
	if origSize == 0 {
		return 0, fmt.Errorf("%w: zero output length", ErrInvalidHeader)
	}
	if origSize > MaxDecompressedSize {
		return 0, fmt.Errorf("%w: output length %d too large", ErrInvalidHeader, origSize)
	}
	if uint64(compSize)+8 > uint64(len(in)) {
		return 0, fmt.Errorf("%w: compressed length %d exceeds input", ErrInvalidHeader, compSize)
	}
	return origSize, nil
}

// Funcs is a Codec dispatching to arbitrary functions, eg. when the actual
// implementation lives outside of this process. Input validation is still
// performed here.
type Funcs struct {
	CompressFn   func(in []byte) ([]byte, error)
	DecompressFn func(in []byte) ([]byte, error)
}

func (f *Funcs) Compress(in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrEmptyInput
	}
	if f.CompressFn == nil {
		return nil, fmt.Errorf("compression unavailable")
	}
	return f.CompressFn(in)
}

func (f *Funcs) Decompress(in []byte) ([]byte, error) {
	if _, err := ExpectedSize(in); err != nil {
		return nil, err
	}
	if f.DecompressFn == nil {
		return nil, fmt.Errorf("decompression unavailable")
	}
	return f.DecompressFn(in)
}
