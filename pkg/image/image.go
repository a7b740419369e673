// Package image reads and builds IMG1 ('8900') images, the container format
// the bootrom and WTF accept over DFU. More info:
// https://freemyipod.org/wiki/IMG1
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

type Format byte

const (
	FormatSignedEncrypted     Format = 1
	FormatSigned              Format = 2
	FormatX509SignedEncrypted Format = 3
	FormatX509Signed          Format = 4
)

func (f Format) String() string {
	switch f {
	case FormatSignedEncrypted:
		return "signed, encrypted"
	case FormatSigned:
		return "signed"
	case FormatX509SignedEncrypted:
		return "x509 signed, encrypted"
	case FormatX509Signed:
		return "x509 signed"
	}
	return fmt.Sprintf("Format(%d)", byte(f))
}

// Encrypted returns whether the body needs to be decrypted by the device.
func (f Format) Encrypted() bool {
	return f == FormatSignedEncrypted || f == FormatX509SignedEncrypted
}

type Header struct {
	Magic            [4]byte
	Version          [3]byte
	Format           Format
	Entrypoint       uint32
	BodyLength       uint32
	DataLength       uint32
	FooterCertOffset uint32
	FooterCertLength uint32
	Salt             [32]byte
	Unknown1         uint16
	SecurityEpoch    uint16
	HeaderSignature  [16]byte
}

// layout describes where the body starts and how the footer is sized for a
// given device generation.
type layout struct {
	version    string
	bodyOffset int
	format     Format
	sigLength  int
	certLength int
}

func layoutFor(dk devices.Kind) layout {
	switch dk {
	case devices.Nano3:
		return layout{version: "1.0", bodyOffset: 0x800, format: FormatSigned}
	case devices.Nano7:
		return layout{version: "2.0", bodyOffset: 0x400, format: FormatX509Signed, sigLength: 0x80, certLength: 0x300}
	default:
		return layout{version: "2.0", bodyOffset: 0x600, format: FormatX509Signed, sigLength: 0x80, certLength: 0x300}
	}
}

type IMG1 struct {
	Header     Header
	DeviceKind devices.Kind
	Body       []byte
}

var ErrNotImage1 = errors.New("not an IMG1 file")

// Parse reads an IMG1 image.
func Parse(data []byte) (*IMG1, error) {
	var hdr Header
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage1, err)
	}

	var kind devices.Kind
	for _, d := range devices.Descriptions {
		if string(hdr.Magic[:]) == d.Kind.SoCCode() {
			kind = d.Kind
			break
		}
	}
	if kind == "" {
		return nil, ErrNotImage1
	}

	l := layoutFor(kind)
	if string(hdr.Version[:]) != l.version {
		return nil, fmt.Errorf("unsupported %s image version %q", kind, hdr.Version)
	}
	end := uint64(l.bodyOffset) + uint64(hdr.BodyLength)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("body length 0x%x exceeds file", hdr.BodyLength)
	}

	return &IMG1{
		Header:     hdr,
		DeviceKind: kind,
		Body:       data[l.bodyOffset:end],
	}, nil
}

// MakeUnsigned wraps a body into an image for a haxed DFU device, which does
// not check signatures.
func MakeUnsigned(dk devices.Kind, entrypoint uint32, body []byte) ([]byte, error) {
	if !dk.Valid() {
		return nil, fmt.Errorf("unknown device kind %q", dk)
	}
	l := layoutFor(dk)

	// Align body to 0x10.
	if pad := len(body) % 16; pad != 0 {
		body = append(body[:len(body):len(body)], make([]byte, 16-pad)...)
	}

	hdr := Header{
		Format:           l.format,
		Entrypoint:       entrypoint,
		BodyLength:       uint32(len(body)),
		DataLength:       uint32(len(body) + l.sigLength + l.certLength),
		FooterCertOffset: uint32(len(body) + l.sigLength),
		FooterCertLength: uint32(l.certLength),
	}
	copy(hdr.Magic[:], dk.SoCCode())
	copy(hdr.Version[:], l.version)

	buf := bytes.NewBuffer(make([]byte, 0, l.bodyOffset+len(body)+l.sigLength+l.certLength))
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("could not serialize header: %w", err)
	}
	buf.Write(make([]byte, l.bodyOffset-buf.Len()))
	buf.Write(body)
	// Unused signature and certificates.
	buf.Write(bytes.Repeat([]byte{'S'}, l.sigLength))
	buf.Write(bytes.Repeat([]byte{'C'}, l.certLength))
	return buf.Bytes(), nil
}
