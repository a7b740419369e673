// Package cfw patches EFI firmware volumes into custom firmware, eg. to
// defang a WTF.
package cfw

import (
	"bytes"
	"fmt"

	"github.com/freemyipod/nuggetzone/pkg/efi"
)

// VolumeVisitor is called by VisitVolume for every file and, depth first,
// every section within it.
type VolumeVisitor interface {
	VisitFile(file *efi.File) error
	VisitSection(section efi.Section) error
	// Done is called once the traversal finished, and can report patches
	// that were never applied.
	Done() error
}

// VisitVolume traverses a volume with a visitor.
func VisitVolume(v *efi.Volume, vi VolumeVisitor) error {
	for _, f := range v.Files {
		if err := vi.VisitFile(f); err != nil {
			return fmt.Errorf("file %s: %w", f.GUID, err)
		}
		for _, s := range f.Sections {
			if err := visitSection(s, vi); err != nil {
				return fmt.Errorf("file %s: %w", f.GUID, err)
			}
		}
	}
	return vi.Done()
}

func visitSection(s efi.Section, vi VolumeVisitor) error {
	if err := vi.VisitSection(s); err != nil {
		return err
	}
	for _, sub := range s.Sub() {
		if err := visitSection(sub, vi); err != nil {
			return err
		}
	}
	return nil
}

// MultipleVisitors runs several visitors in one traversal.
type MultipleVisitors []VolumeVisitor

func (m MultipleVisitors) VisitFile(file *efi.File) error {
	for _, vi := range m {
		if err := vi.VisitFile(file); err != nil {
			return err
		}
	}
	return nil
}

func (m MultipleVisitors) VisitSection(section efi.Section) error {
	for _, vi := range m {
		if err := vi.VisitSection(section); err != nil {
			return err
		}
	}
	return nil
}

func (m MultipleVisitors) Done() error {
	for _, vi := range m {
		if err := vi.Done(); err != nil {
			return err
		}
	}
	return nil
}

// VisitPE32InFile applies Patch to the one PE32 section, at any depth, of the
// file with the given GUID.
type VisitPE32InFile struct {
	FileGUID efi.GUID
	Patch    Patch

	inFile  bool
	applied bool
}

func (v *VisitPE32InFile) VisitFile(file *efi.File) error {
	v.inFile = file.GUID == v.FileGUID
	return nil
}

func (v *VisitPE32InFile) VisitSection(section efi.Section) error {
	if !v.inFile || section.Header().Type != efi.SectionTypePE32 {
		return nil
	}
	if v.applied {
		return fmt.Errorf("more than one PE32 section in %s", v.FileGUID)
	}
	out, err := v.Patch.Apply(section.Raw())
	if err != nil {
		return fmt.Errorf("patching %s failed: %w", v.FileGUID, err)
	}
	section.SetRaw(out)
	v.applied = true
	return nil
}

func (v *VisitPE32InFile) Done() error {
	if !v.applied {
		return fmt.Errorf("no PE32 in file %s", v.FileGUID)
	}
	return nil
}

// Patch transforms a binary blob.
type Patch interface {
	Apply(in []byte) ([]byte, error)
}

// Patches applies patches in order.
type Patches []Patch

func (p Patches) Apply(in []byte) ([]byte, error) {
	cur := in
	for i, s := range p {
		next, err := s.Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}

// ReplaceExact replaces every occurrence of From with To, which must be of
// the same length. It fails if From does not occur.
type ReplaceExact struct {
	From []byte
	To   []byte
}

func (p ReplaceExact) Apply(in []byte) ([]byte, error) {
	if len(p.From) != len(p.To) {
		return nil, fmt.Errorf("replacing %d bytes with %d", len(p.From), len(p.To))
	}
	if !bytes.Contains(in, p.From) {
		return nil, fmt.Errorf("%q not found", p.From)
	}
	return bytes.ReplaceAll(in, p.From, p.To), nil
}

// PatchAt overwrites bytes at an offset.
type PatchAt struct {
	Address int
	To      []byte
}

func (p PatchAt) Apply(in []byte) ([]byte, error) {
	if p.Address < 0 || len(in) < p.Address+len(p.To) {
		return nil, fmt.Errorf("patch at 0x%x beyond 0x%x bytes", p.Address, len(in))
	}
	out := bytes.Clone(in)
	copy(out[p.Address:], p.To)
	return out, nil
}
