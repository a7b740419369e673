// Package efi parses and rebuilds the EFI Firmware Volumes that make up the
// WTF and bootloader images of N5G and later devices.
//
// Only the subset of the format used by these devices is supported. Reading a
// volume and serializing it without changes reproduces the input exactly,
// provided the Codec does the same for compressed sections.
package efi

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoCodec is returned when a compressed section is met without a Codec.
var ErrNoCodec = errors.New("compressed section needs a Tiano codec")

// GUID in EFI mixed-endian layout.
type GUID [16]byte

func (g GUID) String() string {
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hex.EncodeToString([]byte{g[3], g[2], g[1], g[0]}),
		hex.EncodeToString([]byte{g[5], g[4]}),
		hex.EncodeToString([]byte{g[7], g[6]}),
		hex.EncodeToString(g[8:10]),
		hex.EncodeToString(g[10:16]))
}

// ParseGUID parses the canonical 8-4-4-4-12 form.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return g, fmt.Errorf("invalid GUID %q", s)
	}
	var raw [][]byte
	for i, l := range []int{8, 4, 4, 4, 12} {
		b, err := hex.DecodeString(parts[i])
		if err != nil || len(parts[i]) != l {
			return g, fmt.Errorf("invalid GUID %q", s)
		}
		raw = append(raw, b)
	}
	a, b, c := raw[0], raw[1], raw[2]
	copy(g[0:4], []byte{a[3], a[2], a[1], a[0]})
	copy(g[4:6], []byte{b[1], b[0]})
	copy(g[6:8], []byte{c[1], c[0]})
	copy(g[8:10], raw[3])
	copy(g[10:16], raw[4])
	return g, nil
}

func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

var guidErased = MustParseGUID("ffffffff-ffff-ffff-ffff-ffffffffffff")

// Uint24 is a little-endian 24-bit size field.
type Uint24 [3]uint8

func ToUint24(v uint32) Uint24 {
	if v > 0xffffff {
		panic(fmt.Sprintf("0x%x does not fit in 24 bits", v))
	}
	return Uint24{uint8(v), uint8(v >> 8), uint8(v >> 16)}
}

func (s Uint24) Uint32() uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16
}

// checksum8 returns the byte that makes data sum to zero.
func checksum8(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return -sum
}

// checksum16 returns the value that makes data, as little-endian 16-bit
// words, sum to zero.
func checksum16(data []byte) uint16 {
	if len(data)%2 != 0 {
		panic("cannot checksum odd length data")
	}
	var sum uint16
	for i := 0; i < len(data); i += 2 {
		sum += uint16(data[i]) | uint16(data[i+1])<<8
	}
	return -sum
}

// reader walks a byte slice while keeping track of the offset within the
// outermost volume.
type reader struct {
	data []byte
	pos  int
	base int
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) Read(out []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(out, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// offset within the outermost reader.
func (r *reader) offset() int {
	return r.base + r.pos
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) skip(n int) {
	r.pos = min(r.pos+n, len(r.data))
}

// take carves out the next n bytes into a new reader and skips past them.
func (r *reader) take(n int) (*reader, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("0x%x bytes at 0x%x exceed data", n, r.offset())
	}
	res := &reader{
		data: r.data[r.pos : r.pos+n],
		base: r.offset(),
	}
	r.pos += n
	return res, nil
}

func align(n, to int) int {
	if rem := n % to; rem != 0 {
		return to - rem
	}
	return 0
}
