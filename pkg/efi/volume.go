package efi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/compression"
)

var (
	guidFFS1 = MustParseGUID("7a9354d9-0468-444a-81ce-0bf617d890df")
	guidFFS2 = MustParseGUID("8c8ce578-8a3d-4f1c-9935-896185c32dd3")
)

const (
	volumeHeaderSize = 0x38
	blockSize        = 0x100
)

// VolumeHeader is a Firmware Volume header. Length, HeaderLength and Checksum
// are recomputed on Serialize.
type VolumeHeader struct {
	Reserved        [16]byte
	GUID            GUID
	Length          uint64
	Signature       [4]byte
	AttributeMask   uint32
	HeaderLength    uint16
	Checksum        uint16
	ExtHeaderOffset uint16
	Reserved2       uint8
	Revision        uint8
}

func (h *VolumeHeader) check() error {
	if h.GUID != guidFFS1 && h.GUID != guidFFS2 {
		return fmt.Errorf("unknown file system %s", h.GUID)
	}
	if string(h.Signature[:]) != "_FVH" {
		return fmt.Errorf("invalid signature %q", h.Signature)
	}
	if h.HeaderLength < volumeHeaderSize+2*8 {
		return fmt.Errorf("header length 0x%x too small", h.HeaderLength)
	}
	return nil
}

type blockMapEntry struct {
	Count uint32
	Size  uint32
}

// Volume is a Firmware Volume, followed by whatever came after it in the
// image.
type Volume struct {
	VolumeHeader
	Files []*File
	// Trailer is data following the volume.
	Trailer []byte
	// MinSize is the size of the volume as read. Serialize never emits a
	// smaller one.
	MinSize int

	codec compression.Codec
}

// NewVolume returns an empty FFSv2 volume. codec is used for compressed
// sections.
func NewVolume(codec compression.Codec) *Volume {
	v := &Volume{codec: codec}
	v.GUID = guidFFS2
	copy(v.Signature[:], "_FVH")
	v.Revision = 2
	return v
}

// ReadVolume parses a volume and every file and section within. codec is
// needed if any section is compressed, and is kept for Serialize.
func ReadVolume(data []byte, codec compression.Codec) (*Volume, error) {
	r := newReader(data)
	v := &Volume{codec: codec}
	if err := binary.Read(r, binary.LittleEndian, &v.VolumeHeader); err != nil {
		return nil, fmt.Errorf("reading volume header: %w", err)
	}
	if err := v.check(); err != nil {
		return nil, fmt.Errorf("invalid volume header: %w", err)
	}

	bmapLen := int(v.HeaderLength) - volumeHeaderSize
	if bmapLen%8 != 0 {
		return nil, fmt.Errorf("block map length 0x%x not a multiple of 8", bmapLen)
	}
	bmap := make([]blockMapEntry, bmapLen/8)
	if err := binary.Read(r, binary.LittleEndian, bmap); err != nil {
		return nil, fmt.Errorf("reading block map: %w", err)
	}
	if len(bmap) != 2 || bmap[1] != (blockMapEntry{}) {
		return nil, fmt.Errorf("unsupported block map %v", bmap)
	}
	size := int(bmap[0].Count) * int(bmap[0].Size)
	if size > len(data) {
		return nil, fmt.Errorf("volume size 0x%x exceeds data", size)
	}
	glog.V(1).Infof("EFI: volume of 0x%x bytes, 0x%x trailing", size, len(data)-size)

	files, err := r.take(size - r.pos)
	if err != nil {
		return nil, err
	}
	for files.remaining() >= fileHeaderSize {
		f, err := readFile(files, codec)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", len(v.Files), err)
		}
		if f == nil {
			break
		}
		v.Files = append(v.Files, f)
	}
	if rest := files.data[files.pos:]; len(bytes.Trim(rest, "\xff")) != 0 {
		return nil, fmt.Errorf("free space at 0x%x is not erased", files.offset())
	}

	v.Trailer = bytes.Clone(data[size:])
	v.MinSize = size
	return v, nil
}

// Serialize rebuilds the volume. Files are laid out back to back, aligned to
// 8 bytes, and the volume is sized in 256 byte blocks.
func (v *Volume) Serialize() ([]byte, error) {
	var files [][]byte
	filesLen := 0
	for i, f := range v.Files {
		data, err := f.Serialize()
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		data = append(data, bytes.Repeat([]byte{0xff}, align(len(data), 8))...)
		files = append(files, data)
		filesLen += len(data)
	}

	bmapEntries := 2
	hdrLen := volumeHeaderSize + 8*bmapEntries
	size := max(hdrLen+filesLen, v.MinSize)
	size += align(size, blockSize)
	bmap := []blockMapEntry{
		{Count: uint32(size / blockSize), Size: blockSize},
		{},
	}

	v.Length = uint64(size)
	v.HeaderLength = uint16(hdrLen)
	v.ExtHeaderOffset = 0
	v.Checksum = 0
	hb := bytes.NewBuffer(nil)
	binary.Write(hb, binary.LittleEndian, v.VolumeHeader)
	binary.Write(hb, binary.LittleEndian, bmap)
	v.Checksum = checksum16(hb.Bytes())

	buf := bytes.NewBuffer(make([]byte, 0, size+len(v.Trailer)))
	binary.Write(buf, binary.LittleEndian, v.VolumeHeader)
	binary.Write(buf, binary.LittleEndian, bmap)
	for _, data := range files {
		buf.Write(data)
	}
	buf.Write(bytes.Repeat([]byte{0xff}, size-buf.Len()))
	buf.Write(v.Trailer)
	return buf.Bytes(), nil
}

// Reread serializes and parses the volume again, yielding up to date file
// offsets.
func (v *Volume) Reread() (*Volume, error) {
	data, err := v.Serialize()
	if err != nil {
		return nil, err
	}
	return ReadVolume(data, v.codec)
}
