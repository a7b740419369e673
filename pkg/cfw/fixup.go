package cfw

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/efi"
)

// SecoreOffset returns where the security core starts within the volume. It
// is the last file, preceded by a padding file, and the bootrom expects it at
// a fixed offset.
func SecoreOffset(fv *efi.Volume) (int, error) {
	n := len(fv.Files)
	if n < 2 {
		return 0, fmt.Errorf("volume has %d files, need at least 2", n)
	}
	if t := fv.Files[n-2].Type; t != efi.FileTypePadding {
		return 0, fmt.Errorf("second to last file is %s, not padding", t)
	}
	if t := fv.Files[n-1].Type; t != efi.FileTypeSecurityCore {
		return 0, fmt.Errorf("last file is %s, not security core", t)
	}
	return fv.Files[n-1].Offset, nil
}

// SecoreFixup resizes the padding file so that the security core ends up at
// want again after files before it changed size.
func SecoreFixup(want int, fv *efi.Volume) error {
	cur, err := secoreAfterSerialize(fv)
	if err != nil {
		return err
	}
	delta := want - cur
	glog.Infof("Security core at 0x%x after patching, moving by %d", cur, delta)
	if delta == 0 {
		return nil
	}

	padding := fv.Files[len(fv.Files)-2]
	length := padding.PaddingLength() + delta
	if length < 0 {
		return fmt.Errorf("padding too small: need %d bytes less, have %d", -delta, padding.PaddingLength())
	}
	padding.SetPadding(length)

	got, err := secoreAfterSerialize(fv)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("failed to move security core to 0x%x, ended up at 0x%x", want, got)
	}
	return nil
}

func secoreAfterSerialize(fv *efi.Volume) (int, error) {
	fv2, err := fv.Reread()
	if err != nil {
		return 0, fmt.Errorf("rebuilding volume: %w", err)
	}
	return SecoreOffset(fv2)
}
