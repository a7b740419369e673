package cache

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/cfw"
	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/efi"
	"github.com/freemyipod/nuggetzone/pkg/image"
)

// Patches replace bytes at offsets into an image body.
type Patches map[int][]byte

// DefangRaw returns a Defanger that patches the body of a decrypted IMG1 in
// place and rewraps it as an unsigned image.
func DefangRaw(patches Patches) Defanger {
	return func(ctx context.Context, _ compression.Codec, decrypted []byte) ([]byte, error) {
		img, err := image.Parse(decrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}

		body := slices.Clone(img.Body)
		for offset, patch := range patches {
			if offset < 0 || len(body) < offset+len(patch) {
				return nil, fmt.Errorf("patch at offset %x is too large", offset)
			}
			glog.V(1).Infof("Patching %d bytes at 0x%x", len(patch), offset)
			copy(body[offset:], patch)
		}

		defanged, err := image.MakeUnsigned(img.DeviceKind, img.Header.Entrypoint, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build new image1: %w", err)
		}
		return defanged, nil
	}
}

// volumeOffset is where the firmware volume starts within a WTF body.
func volumeOffset(dk devices.Kind) int {
	if dk == devices.Nano7 {
		return 0
	}
	return 0x100
}

// DefangEFI returns a Defanger that patches the firmware volume within a
// decrypted IMG1 and rewraps it as an unsigned image. The visitor is built
// anew for every image. The security core is kept at its original offset.
func DefangEFI(visitor func() cfw.VolumeVisitor) Defanger {
	return func(ctx context.Context, codec compression.Codec, decrypted []byte) ([]byte, error) {
		img, err := image.Parse(decrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		offs := volumeOffset(img.DeviceKind)
		if len(img.Body) < offs {
			return nil, fmt.Errorf("image body too short")
		}

		fv, err := efi.ReadVolume(img.Body[offs:], codec)
		if err != nil {
			return nil, fmt.Errorf("failed to read firmware volume: %w", err)
		}
		secore, err := cfw.SecoreOffset(fv)
		if err != nil {
			return nil, fmt.Errorf("failed to find security core: %w", err)
		}
		glog.V(1).Infof("Security core at 0x%x", secore)

		if err := cfw.VisitVolume(fv, visitor()); err != nil {
			return nil, fmt.Errorf("failed to apply patches: %w", err)
		}
		if err := cfw.SecoreFixup(secore, fv); err != nil {
			return nil, fmt.Errorf("failed to fix up padding: %w", err)
		}
		fvb, err := fv.Serialize()
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild firmware volume: %w", err)
		}

		body := append(slices.Clone(img.Body[:offs]), fvb...)
		defanged, err := image.MakeUnsigned(img.DeviceKind, img.Header.Entrypoint, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build new image1: %w", err)
		}
		return defanged, nil
	}
}

// Thumb return sequences.
var (
	return0 = []byte{0x00, 0x20, 0x70, 0x47} // movs r0, #0; bx lr
	return1 = []byte{0x01, 0x20, 0x70, 0x47} // movs r0, #1; bx lr
)

var (
	guidRestoreDFU       = efi.MustParseGUID("a0517d80-37fa-4d06-bd0e-941d5698846a")
	guidDFU              = efi.MustParseGUID("936ffb79-62f6-4fc0-aff0-3e2a1c56f1a7")
	guidROMBootValidator = efi.MustParseGUID("1ba058e3-2063-4919-8002-6d2e0c947e60")
	guidAES              = efi.MustParseGUID("c0287dba-8a73-4ff1-98f1-455b97d4d480")
)

func rebrand(file efi.GUID) cfw.VolumeVisitor {
	return &cfw.VisitPE32InFile{
		FileGUID: file,
		Patch:    cfw.ReplaceExact{From: []byte("Apple Inc."), To: []byte("freemyipod")},
	}
}

func nano5Patches() cfw.VolumeVisitor {
	return cfw.MultipleVisitors{
		rebrand(guidRestoreDFU),
		&cfw.VisitPE32InFile{
			FileGUID: guidROMBootValidator,
			Patch: cfw.Patches{
				// CheckHeaderSignatureImpl
				cfw.PatchAt{Address: 0x15b8, To: return0},
				// CheckDataSignature
				cfw.PatchAt{Address: 0x0b4c, To: return1},
			},
		},
	}
}

func nano7Patches() cfw.VolumeVisitor {
	return cfw.MultipleVisitors{
		rebrand(guidDFU),
		&cfw.VisitPE32InFile{
			FileGUID: guidROMBootValidator,
			Patch: cfw.Patches{
				// CheckHeaderSignatureImpl
				cfw.PatchAt{Address: 0x19a4, To: return0},
				// CheckDataSignature
				cfw.PatchAt{Address: 0x0d78, To: return1},
				// Decrypt type 4 images like type 3 ones. Decryption itself
				// is a no-op, see below.
				cfw.PatchAt{Address: 0x176e, To: []byte{0x04, 0x28}}, // cmp r0, #4
			},
		},
		&cfw.VisitPE32InFile{
			FileGUID: guidAES,
			Patch: cfw.Patches{
				// AESProtocol::Decrypt becomes a word copy.
				cfw.PatchAt{Address: 0x488, To: []byte{
					0x08, 0x68, // loop: ldr r0, [r1]
					0x04, 0x31, // adds r1, #4
					0x10, 0x60, // str r0, [r2]
					0x04, 0x32, // adds r2, #4
					0x04, 0x3b, // subs r3, #4
					0x03, 0xb1, // cbz r3, done
					0xf8, 0xe7, // b loop
					0x70, 0x47, // done: bx lr
				}},
			},
		},
	}
}

// DefaultDefangers are the defangers for WTF images whose layout is known.
func DefaultDefangers() map[devices.Kind]Defanger {
	return map[devices.Kind]Defanger{
		devices.Nano3: DefangRaw(Patches{
			// Skip signature check.
			0x1990: {0x00, 0x70, 0xa0, 0xe3, 0x22, 0x00, 0x00, 0xea},
			// USB product string, to show the WTF is defanged.
			0x770c: []byte("D\x00e\x00f\x00a\x00n\x00g\x00e\x00d\x00 \x00W\x00T\x00F\x00!\x00"),
		}),
		devices.Nano5: DefangEFI(nano5Patches),
		devices.Nano7: DefangEFI(nano7Patches),
	}
}
