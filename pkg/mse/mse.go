// Package mse reads and writes 'MSE' firmware bundles, the container in
// which iPod firmware IPSWs ship RetailOS ('osos'), diagnostics ('diag') and
// other images.
//
// The format is undocumented and varies slightly between generations. Files
// are re-emitted with the quirks of the generation they were read from.
//
// Reference: http://www.ipodlinux.org/Firmware.html
package mse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

const (
	guardLength     = 0x100
	directoryOffset = 0x4000
	// filesOffset is where the file directory actually lives.
	filesOffset = 0x5000
	// dataOffset is where Serialize places the first file.
	dataOffset = 0x6000
	// prefixLength is the space taken by a PrefixHeader and its padding.
	prefixLength = 0x1000
	fileAlign    = 0x1000
	// directorySize is the fixed number of FileHeader slots.
	directorySize = 16
)

var ErrNotMSE = errors.New("not an MSE firmware bundle")

// FourCC is a four character tag, stored big-endian.
type FourCC uint32

func ParseFourCC(s string) (FourCC, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid fourcc %q", s)
	}
	return FourCC(binary.BigEndian.Uint32([]byte(s))), nil
}

func (f FourCC) String() string {
	return string(binary.BigEndian.AppendUint32(nil, uint32(f)))
}

type VolumeHeader struct {
	ID                   FourCC
	DirectoryOffset      uint32
	ExtendedHeaderOffset uint16
	Version              uint16
}

func (v *VolumeHeader) check() error {
	switch {
	case v.ID.String() != "[hi]":
		return fmt.Errorf("%w: volume id %q", ErrNotMSE, v.ID)
	case v.DirectoryOffset != directoryOffset:
		return fmt.Errorf("unexpected directory offset 0x%x", v.DirectoryOffset)
	case v.ExtendedHeaderOffset != 0x10c:
		return fmt.Errorf("unexpected extended header offset 0x%x", v.ExtendedHeaderOffset)
	case v.Version != 3:
		return fmt.Errorf("unexpected volume version %d", v.Version)
	}
	return nil
}

type FileHeader struct {
	// Target is NAND or ATA!. Slots with any other target are unused.
	Target FourCC
	// Name is eg. osos, diag, disk or rsrc.
	Name FourCC
	// Used is set on an already applied aupd.
	Used   uint32
	Offset uint32
	// Length is recomputed from the data by Serialize.
	Length uint32

	Address     uint32
	Entry       uint32
	Checksum    uint32
	Version     uint32
	LoadAddress uint32
}

// InUse reports whether the directory slot holds a file.
func (f *FileHeader) InUse() bool {
	switch f.Target.String() {
	case "NAND", "ATA!":
		return true
	}
	return false
}

// PrefixHeader precedes the data of some files on N4G and later.
type PrefixHeader struct {
	Zero1 uint32
	Unk1  uint32
	Zero2 uint32
	Zero3 uint32
	Zero4 uint32
	// Size is the data length aligned to 16 bytes.
	Size uint32
}

func (p *PrefixHeader) plausible() bool {
	if p.Zero1 != 0 || p.Zero2 != 0 || p.Zero3 != 0 || p.Zero4 != 0 {
		return false
	}
	return p.Unk1 == 0 || p.Unk1 == 4
}

type File struct {
	Header FileHeader
	// Prefix is kept if it was present when parsing.
	Prefix *PrefixHeader
	// Data is the contained image, eg. an IMG1.
	Data []byte
}

// MSE is a parsed firmware bundle. Files holds every directory slot, used or
// not, so that the bundle can be re-emitted unchanged.
type MSE struct {
	Guard  []byte
	Volume VolumeHeader
	Files  []*File
	// DeviceKind is guessed from the images within.
	DeviceKind devices.Kind
}

// FileByName returns the first used file with the given name, or nil.
func (m *MSE) FileByName(name string) *File {
	for _, f := range m.Files {
		if f.Header.InUse() && f.Header.Name.String() == name {
			return f
		}
	}
	return nil
}

// guessKind picks the generation whose IMG1 magic and version appear most
// often. Nothing in the bundle headers names the generation.
func guessKind(data []byte) (devices.Kind, error) {
	var best devices.Kind
	bestCount := 0
	for _, d := range devices.Descriptions {
		version := "2.0"
		if d.Kind == devices.Nano3 {
			version = "1.0"
		}
		count := bytes.Count(data, []byte(d.Kind.SoCCode()+version))
		if count > bestCount {
			best, bestCount = d.Kind, count
		}
	}
	if bestCount == 0 {
		return "", fmt.Errorf("no IMG1 headers found")
	}
	return best, nil
}

// Parse reads an MSE bundle.
func Parse(r io.ReadSeeker) (*MSE, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < filesOffset {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrNotMSE, len(data))
	}

	guard := data[:guardLength]
	if !bytes.Contains(guard, []byte("Copyright")) || guard[guardLength-1] != 0 {
		return nil, fmt.Errorf("%w: bad guard", ErrNotMSE)
	}
	m := &MSE{Guard: bytes.Clone(guard)}

	br := bytes.NewReader(data[guardLength:])
	if err := binary.Read(br, binary.LittleEndian, &m.Volume); err != nil {
		return nil, fmt.Errorf("reading volume header: %w", err)
	}
	if err := m.Volume.check(); err != nil {
		return nil, err
	}
	hdrEnd := guardLength + binary.Size(m.Volume)
	if strings.Trim(string(data[hdrEnd:filesOffset]), "\x00") != "" {
		return nil, fmt.Errorf("nonzero padding before directory")
	}

	m.DeviceKind, err = guessKind(data)
	if err != nil {
		return nil, fmt.Errorf("could not guess device generation: %w", err)
	}
	glog.V(1).Infof("MSE: parsing as %s", m.DeviceKind)

	br = bytes.NewReader(data[filesOffset:])
	for i := 0; i < directorySize; i++ {
		f := &File{}
		if err := binary.Read(br, binary.LittleEndian, &f.Header); err != nil {
			return nil, fmt.Errorf("reading file header %d: %w", i, err)
		}
		m.Files = append(m.Files, f)
	}

	for i, f := range m.Files {
		if !f.Header.InUse() {
			continue
		}
		if err := m.readData(data, f); err != nil {
			return nil, fmt.Errorf("file %d (%s): %w", i, f.Header.Name, err)
		}
		glog.V(1).Infof("MSE: file %d %s at 0x%x, 0x%x bytes, prefixed: %v", i, f.Header.Name, f.Header.Offset, len(f.Data), f.Prefix != nil)
	}
	return m, nil
}

func (m *MSE) readData(data []byte, f *File) error {
	start := int(f.Header.Offset)
	var ph PrefixHeader
	if err := binary.Read(bytes.NewReader(data[min(start, len(data)):]), binary.LittleEndian, &ph); err != nil {
		return fmt.Errorf("reading prefix header: %w", err)
	}
	if ph.plausible() {
		f.Prefix = &ph
		start += prefixLength
	}

	length := int(f.Header.Length)
	if m.DeviceKind == devices.Nano3 {
		length += fileAlign
	}
	end := start + length
	if end > len(data) {
		return fmt.Errorf("data at 0x%x+0x%x exceeds bundle", start, length)
	}
	f.Data = bytes.Clone(data[start:end])
	return nil
}

func alignUp(n, to int) int {
	if rem := n % to; rem != 0 {
		n += to - rem
	}
	return n
}

// Serialize rebuilds the bundle, laying out used files from 0x6000 onwards on
// 0x1000 boundaries.
func (m *MSE) Serialize() ([]byte, error) {
	if len(m.Guard) != guardLength {
		return nil, fmt.Errorf("guard must be 0x%x bytes", guardLength)
	}
	if len(m.Files) != directorySize {
		return nil, fmt.Errorf("directory must have %d slots, has %d", directorySize, len(m.Files))
	}

	offsets := make([]int, len(m.Files))
	offs := dataOffset
	for i, f := range m.Files {
		if !f.Header.InUse() {
			continue
		}
		length := len(f.Data)
		f.Header.Length = uint32(length)
		if m.DeviceKind == devices.Nano3 {
			if length < fileAlign {
				return nil, fmt.Errorf("file %s too short for %s", f.Header.Name, m.DeviceKind)
			}
			f.Header.Length -= fileAlign
		}
		if f.Prefix != nil {
			f.Prefix.Size = uint32(alignUp(length, 16))
			length += prefixLength
		}
		offsets[i] = offs
		f.Header.Offset = uint32(offs)
		offs += alignUp(length, fileAlign)
	}

	buf := bytes.NewBuffer(make([]byte, 0, offs))
	buf.Write(m.Guard)
	if err := binary.Write(buf, binary.LittleEndian, &m.Volume); err != nil {
		return nil, err
	}
	buf.Write(make([]byte, filesOffset-buf.Len()))
	for _, f := range m.Files {
		if err := binary.Write(buf, binary.LittleEndian, &f.Header); err != nil {
			return nil, err
		}
	}

	for i, f := range m.Files {
		if !f.Header.InUse() {
			continue
		}
		buf.Write(make([]byte, offsets[i]-buf.Len()))
		if f.Prefix != nil {
			if err := binary.Write(buf, binary.LittleEndian, f.Prefix); err != nil {
				return nil, err
			}
			buf.Write(make([]byte, 0x200-binary.Size(f.Prefix)))
			buf.Write(bytes.Repeat([]byte{0xff}, prefixLength-0x200))
		}
		buf.Write(f.Data)
	}
	buf.Write(make([]byte, offs-buf.Len()))
	return buf.Bytes(), nil
}

// New returns an empty bundle for a generation, with all directory slots
// unused.
func New(dk devices.Kind) *MSE {
	guard := make([]byte, guardLength)
	copy(guard, "Copyright(C) 2001 Apple Computer, Inc.")
	m := &MSE{
		Guard: guard,
		Volume: VolumeHeader{
			DirectoryOffset:      directoryOffset,
			ExtendedHeaderOffset: 0x10c,
			Version:              3,
		},
		DeviceKind: dk,
	}
	m.Volume.ID, _ = ParseFourCC("[hi]")
	for i := 0; i < directorySize; i++ {
		m.Files = append(m.Files, &File{})
	}
	return m
}

// Add places data in the first unused directory slot.
func (m *MSE) Add(target, name string, prefixed bool, data []byte) error {
	t, err := ParseFourCC(target)
	if err != nil {
		return err
	}
	n, err := ParseFourCC(name)
	if err != nil {
		return err
	}
	h := FileHeader{Target: t, Name: n}
	if !h.InUse() {
		return fmt.Errorf("invalid target %q", target)
	}
	for _, f := range m.Files {
		if f.Header.InUse() {
			continue
		}
		f.Header = h
		if prefixed {
			f.Prefix = &PrefixHeader{}
		}
		f.Data = bytes.Clone(data)
		return nil
	}
	return fmt.Errorf("directory full")
}
