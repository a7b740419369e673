package efi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/compression"
)

type FileType uint8

const (
	FileTypeSecurityCore FileType = 0x03
	FileTypePEICore      FileType = 0x04
	FileTypeDXECore      FileType = 0x05
	FileTypeDriver       FileType = 0x07
	FileTypeApplication  FileType = 0x09
	FileTypePadding      FileType = 0xf0
)

var fileTypeNames = map[FileType]string{
	FileTypeSecurityCore: "security core",
	FileTypePEICore:      "pei core",
	FileTypeDXECore:      "dxe core",
	FileTypeDriver:       "driver",
	FileTypeApplication:  "application",
	FileTypePadding:      "padding",
}

func (f FileType) String() string {
	if n, ok := fileTypeNames[f]; ok {
		return n
	}
	return fmt.Sprintf("FileType(0x%02x)", uint8(f))
}

const (
	fileHeaderSize = 0x18
	// attribChecksum marks files whose data checksum is computed. Otherwise
	// it is fixed to checksumUnused.
	attribChecksum = 0x40
	checksumUnused = 0xaa
)

// FileHeader is a Firmware File header. Checksums and Size are recomputed on
// Serialize.
type FileHeader struct {
	GUID           GUID
	ChecksumHeader uint8
	ChecksumData   uint8
	Type           FileType
	Attributes     uint8
	Size           Uint24
	State          uint8
}

// File is a Firmware File within a volume.
type File struct {
	FileHeader
	// Sections is empty for padding files.
	Sections []Section
	// Offset is where the file header was found within the volume.
	Offset int
}

// NewPaddingFile returns a padding file with length bytes of contents.
func NewPaddingFile(length int) *File {
	f := &File{}
	f.GUID = guidErased
	f.Type = FileTypePadding
	f.SetPadding(length)
	return f
}

// PaddingLength is the length of the contents of a padding file.
func (f *File) PaddingLength() int {
	return int(f.Size.Uint32()) - fileHeaderSize
}

// SetPadding resizes the contents of a padding file.
func (f *File) SetPadding(length int) {
	f.Size = ToUint24(uint32(length + fileHeaderSize))
}

func (f *File) Serialize() ([]byte, error) {
	var data []byte
	if f.Type == FileTypePadding {
		data = bytes.Repeat([]byte{0xff}, f.PaddingLength())
	} else {
		var err error
		data, err = concatSections(f.Sections)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", f.GUID, err)
		}
	}

	h := f.FileHeader
	h.Size = ToUint24(uint32(len(data) + fileHeaderSize))
	h.ChecksumHeader = 0
	h.ChecksumData = 0
	h.State = 0
	hb := bytes.NewBuffer(nil)
	binary.Write(hb, binary.LittleEndian, h)
	h.ChecksumHeader = checksum8(hb.Bytes())
	h.ChecksumData = checksumUnused
	if f.Attributes&attribChecksum != 0 {
		h.ChecksumData = checksum8(data)
	}
	h.State = f.State
	f.FileHeader = h

	buf := bytes.NewBuffer(make([]byte, 0, fileHeaderSize+len(data)))
	binary.Write(buf, binary.LittleEndian, h)
	buf.Write(data)
	return buf.Bytes(), nil
}

// readFile returns nil at the erased space following the last file.
func readFile(r *reader, codec compression.Codec) (*File, error) {
	start := r.offset()
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if h.GUID == guidErased && h.Type != FileTypePadding {
		r.pos -= fileHeaderSize
		return nil, nil
	}
	glog.V(1).Infof("EFI: %s file %s at 0x%x, 0x%x bytes", h.Type, h.GUID, start, h.Size.Uint32())

	size := int(h.Size.Uint32())
	body, err := r.take(size - fileHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", h.GUID, err)
	}
	r.skip(align(size, 8))

	f := &File{FileHeader: h, Offset: start}
	if h.Type != FileTypePadding {
		f.Sections, err = readSections(body, codec)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", h.GUID, err)
		}
	}
	return f, nil
}
