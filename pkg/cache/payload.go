package cache

import (
	"fmt"
)

// PayloadKind names an artifact of the payload pipeline. The string values
// are shared with other tools and must not change.
type PayloadKind string

const (
	PayloadKindWTFUpstream       PayloadKind = "wtf-upstream"
	PayloadKindWTFDecrypted      PayloadKind = "wtf-decrypted"
	PayloadKindWTFDecryptedCache PayloadKind = "wtf-decrypted-cache"
	PayloadKindWTFDefanged       PayloadKind = "wtf-defanged"

	PayloadKindRecoveryUpstream PayloadKind = "recovery-upstream"

	PayloadKindFirmwareUpstream PayloadKind = "firmware-upstream"

	PayloadKindBootloaderUpstream       PayloadKind = "bootloader-upstream"
	PayloadKindBootloaderDecrypted      PayloadKind = "bootloader-decrypted"
	PayloadKindBootloaderDecryptedCache PayloadKind = "bootloader-decrypted-cache"

	PayloadKindRetailOSUpstream       PayloadKind = "retailos-upstream"
	PayloadKindRetailOSDecrypted      PayloadKind = "retailos-decrypted"
	PayloadKindRetailOSCustomized     PayloadKind = "retailos-customized"
	PayloadKindRetailOSDecryptedCache PayloadKind = "retailos-decrypted-cache"

	PayloadKindDiagsUpstream       PayloadKind = "diags-upstream"
	PayloadKindDiagsDecrypted      PayloadKind = "diags-decrypted"
	PayloadKindDiagsDecryptedCache PayloadKind = "diags-decrypted-cache"

	PayloadKindJingleXML PayloadKind = "jinglexml"
)

// PayloadKinds lists every known kind.
var PayloadKinds = []PayloadKind{
	PayloadKindWTFUpstream,
	PayloadKindWTFDecrypted,
	PayloadKindWTFDecryptedCache,
	PayloadKindWTFDefanged,
	PayloadKindRecoveryUpstream,
	PayloadKindFirmwareUpstream,
	PayloadKindBootloaderUpstream,
	PayloadKindBootloaderDecrypted,
	PayloadKindBootloaderDecryptedCache,
	PayloadKindRetailOSUpstream,
	PayloadKindRetailOSDecrypted,
	PayloadKindRetailOSCustomized,
	PayloadKindRetailOSDecryptedCache,
	PayloadKindDiagsUpstream,
	PayloadKindDiagsDecrypted,
	PayloadKindDiagsDecryptedCache,
	PayloadKindJingleXML,
}

func (p PayloadKind) Valid() bool {
	for _, k := range PayloadKinds {
		if k == p {
			return true
		}
	}
	return false
}

// ParsePayloadKind converts a wire string into a PayloadKind, rejecting
// anything outside of the known vocabulary.
func ParsePayloadKind(s string) (PayloadKind, error) {
	p := PayloadKind(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown payload kind %q", s)
	}
	return p, nil
}

// Upstream returns whether the payload is fetched as-is from Apple.
func (p PayloadKind) Upstream() bool {
	switch p {
	case PayloadKindWTFUpstream, PayloadKindRecoveryUpstream, PayloadKindFirmwareUpstream, PayloadKindBootloaderUpstream, PayloadKindRetailOSUpstream, PayloadKindDiagsUpstream:
		return true
	}
	return false
}

// decryption describes how a decrypted payload is derived: from which
// encrypted payload, and where the decryption checkpoint is kept.
type decryption struct {
	from       PayloadKind
	checkpoint PayloadKind
	name       string
}

var decryptions = map[PayloadKind]decryption{
	PayloadKindWTFDecrypted:        {PayloadKindWTFUpstream, PayloadKindWTFDecryptedCache, "WTF"},
	PayloadKindBootloaderDecrypted: {PayloadKindBootloaderUpstream, PayloadKindBootloaderDecryptedCache, "bootloader"},
	PayloadKindRetailOSDecrypted:   {PayloadKindRetailOSUpstream, PayloadKindRetailOSDecryptedCache, "RetailOS"},
	PayloadKindDiagsDecrypted:      {PayloadKindDiagsUpstream, PayloadKindDiagsDecryptedCache, "diags"},
}

// Obtainable returns whether the payload is something that can be requested
// from a Cache, as opposed to internal bookkeeping like decryption
// checkpoints.
func (p PayloadKind) Obtainable() bool {
	if p.Upstream() {
		return true
	}
	if _, ok := decryptions[p]; ok {
		return true
	}
	switch p {
	case PayloadKindWTFDefanged, PayloadKindRetailOSCustomized:
		return true
	}
	return false
}
