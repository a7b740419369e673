package efi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/compression"
)

type SectionType uint8

const (
	SectionTypeCompression SectionType = 0x01
	SectionTypeGUIDDefined SectionType = 0x02
	SectionTypePE32        SectionType = 0x10
	SectionTypeTE          SectionType = 0x12
	SectionTypeDXEDepex    SectionType = 0x13
	SectionTypeRaw         SectionType = 0x19
)

var sectionTypeNames = map[SectionType]string{
	SectionTypeCompression: "compression",
	SectionTypeGUIDDefined: "guid",
	SectionTypePE32:        "pe32",
	SectionTypeTE:          "te",
	SectionTypeDXEDepex:    "depex",
	SectionTypeRaw:         "raw",
}

func (s SectionType) String() string {
	if n, ok := sectionTypeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SectionType(0x%02x)", uint8(s))
}

const sectionHeaderSize = 4

// SectionHeader is common to all sections.
type SectionHeader struct {
	// Size includes the header, and is recomputed on Serialize.
	Size Uint24
	Type SectionType
}

// Section is a node in the tree of sections within a file.
type Section interface {
	Header() *SectionHeader
	// Sub returns the sections nested within an encapsulation section.
	Sub() []Section
	Serialize() ([]byte, error)
	// Raw returns a copy of the contents of a leaf section, or nil.
	Raw() []byte
	// SetRaw replaces the contents of a leaf section. It is a no-op on
	// encapsulation sections.
	SetRaw([]byte)
}

func (h *SectionHeader) Header() *SectionHeader { return h }

// encapsulation sections carry no data of their own.
type encapsulation struct {
	SectionHeader
	sub []Section
}

func (e *encapsulation) Sub() []Section { return e.sub }
func (e *encapsulation) Raw() []byte    { return nil }
func (e *encapsulation) SetRaw([]byte)  {}

type compressionSection struct {
	encapsulation
	extra struct {
		UncompressedLength uint32
		CompressionType    uint8
	}
	codec compression.Codec
}

const tianoCompression = 1

func (c *compressionSection) Serialize() ([]byte, error) {
	if c.codec == nil {
		return nil, ErrNoCodec
	}
	inner, err := concatSections(c.sub)
	if err != nil {
		return nil, err
	}
	c.extra.UncompressedLength = uint32(len(inner))
	compressed, err := c.codec.Compress(inner)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	c.Size = ToUint24(uint32(sectionHeaderSize + binary.Size(c.extra) + len(compressed)))

	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, c.SectionHeader)
	binary.Write(buf, binary.LittleEndian, c.extra)
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// guidCRC32 marks GUID-defined sections whose custom data is a CRC32 of the
// contents.
var guidCRC32 = MustParseGUID("fc1bcdb0-7d31-49aa-936a-a4600d9dd083")

type guidSection struct {
	encapsulation
	extra struct {
		Definition GUID
		DataOffset uint16
		Attributes uint16
	}
	custom []byte
}

func (g *guidSection) Serialize() ([]byte, error) {
	inner, err := concatSections(g.sub)
	if err != nil {
		return nil, err
	}
	if g.extra.Definition == guidCRC32 {
		g.custom = binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(inner))
	}
	hdrLen := sectionHeaderSize + binary.Size(g.extra)
	g.extra.DataOffset = uint16(hdrLen + len(g.custom))
	g.Size = ToUint24(uint32(hdrLen + len(g.custom) + len(inner)))

	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, g.SectionHeader)
	binary.Write(buf, binary.LittleEndian, g.extra)
	buf.Write(g.custom)
	buf.Write(inner)
	return buf.Bytes(), nil
}

type leafSection struct {
	SectionHeader
	data []byte
}

func (l *leafSection) Sub() []Section { return nil }

func (l *leafSection) Raw() []byte {
	return bytes.Clone(l.data)
}

func (l *leafSection) SetRaw(d []byte) {
	l.data = bytes.Clone(d)
}

func (l *leafSection) Serialize() ([]byte, error) {
	l.Size = ToUint24(uint32(sectionHeaderSize + len(l.data)))
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, l.SectionHeader)
	buf.Write(l.data)
	return buf.Bytes(), nil
}

// NewLeafSection builds a section holding data directly, eg. a PE32 image.
func NewLeafSection(t SectionType, data []byte) Section {
	return &leafSection{SectionHeader: SectionHeader{Type: t}, data: bytes.Clone(data)}
}

// NewCompressionSection builds a Tiano compressed section around sub.
func NewCompressionSection(codec compression.Codec, sub ...Section) Section {
	c := &compressionSection{
		encapsulation: encapsulation{SectionHeader: SectionHeader{Type: SectionTypeCompression}, sub: sub},
		codec:         codec,
	}
	c.extra.CompressionType = tianoCompression
	return c
}

// NewGUIDSection builds a GUID-defined section around sub.
func NewGUIDSection(definition GUID, sub ...Section) Section {
	g := &guidSection{
		encapsulation: encapsulation{SectionHeader: SectionHeader{Type: SectionTypeGUIDDefined}, sub: sub},
	}
	g.extra.Definition = definition
	return g
}

// concatSections serializes sections, padding all but the last to 4 bytes.
func concatSections(sections []Section) ([]byte, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("no sections")
	}
	var res []byte
	for i, s := range sections {
		data, err := s.Serialize()
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}
		res = append(res, data...)
		if i != len(sections)-1 {
			res = append(res, make([]byte, align(len(data), 4))...)
		}
	}
	return res, nil
}

func readSections(r *reader, codec compression.Codec) ([]Section, error) {
	var res []Section
	for r.remaining() > 0 {
		start := r.offset()
		s, err := readSection(r, codec)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", len(res), err)
		}
		res = append(res, s)
		if r.remaining() > 0 {
			r.skip(align(r.offset()-start, 4))
		}
	}
	return res, nil
}

func readSection(r *reader, codec compression.Codec) (Section, error) {
	start := r.offset()
	var hdr SectionHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	glog.V(2).Infof("EFI: %s section at 0x%x, 0x%x bytes", hdr.Type, start, hdr.Size.Uint32())
	size := int(hdr.Size.Uint32())
	if size < sectionHeaderSize {
		return nil, fmt.Errorf("size 0x%x too small", size)
	}
	body, err := r.take(size - sectionHeaderSize)
	if err != nil {
		return nil, err
	}

	switch hdr.Type {
	case SectionTypeCompression:
		return readCompressionSection(hdr, body, codec)
	case SectionTypeGUIDDefined:
		g := &guidSection{encapsulation: encapsulation{SectionHeader: hdr}}
		if err := binary.Read(body, binary.LittleEndian, &g.extra); err != nil {
			return nil, fmt.Errorf("reading guid header: %w", err)
		}
		customLen := int(g.extra.DataOffset) - sectionHeaderSize - binary.Size(g.extra)
		custom, err := body.take(customLen)
		if err != nil {
			return nil, fmt.Errorf("guid custom data: %w", err)
		}
		g.custom = bytes.Clone(custom.data)
		g.sub, err = readSections(body, codec)
		if err != nil {
			return nil, fmt.Errorf("in guid section: %w", err)
		}
		return g, nil
	case SectionTypePE32, SectionTypeTE, SectionTypeRaw, SectionTypeDXEDepex:
		return &leafSection{SectionHeader: hdr, data: bytes.Clone(body.data)}, nil
	}
	return nil, fmt.Errorf("unsupported %s section", hdr.Type)
}

func readCompressionSection(hdr SectionHeader, body *reader, codec compression.Codec) (Section, error) {
	c := &compressionSection{encapsulation: encapsulation{SectionHeader: hdr}, codec: codec}
	if err := binary.Read(body, binary.LittleEndian, &c.extra); err != nil {
		return nil, fmt.Errorf("reading compression header: %w", err)
	}
	if c.extra.CompressionType != tianoCompression {
		return nil, fmt.Errorf("unsupported compression type %d", c.extra.CompressionType)
	}
	if codec == nil {
		return nil, ErrNoCodec
	}
	decompressed, err := codec.Decompress(body.data[body.pos:])
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if int(c.extra.UncompressedLength) > len(decompressed) {
		return nil, fmt.Errorf("decompressed 0x%x bytes, header claims 0x%x", len(decompressed), c.extra.UncompressedLength)
	}
	decompressed = decompressed[:c.extra.UncompressedLength]
	c.sub, err = readSections(newReader(decompressed), codec)
	if err != nil {
		return nil, fmt.Errorf("in compressed section: %w", err)
	}
	return c, nil
}
