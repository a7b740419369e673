package devices

import (
	"testing"
)

func TestLookup(t *testing.T) {
	for _, desc := range Descriptions {
		for ik, pid := range desc.PIDs {
			got, gotIK, ok := Lookup(desc.VID, pid)
			if !ok {
				t.Errorf("%s/%s: lookup of %04x:%04x failed", desc.Kind, ik, desc.VID, pid)
				continue
			}
			if got.Kind != desc.Kind || gotIK != ik {
				t.Errorf("%04x:%04x: got %s/%s, want %s/%s", desc.VID, pid, got.Kind, gotIK, desc.Kind, ik)
			}
		}
	}

	if _, _, ok := Lookup(AppleVID, 0xffff); ok {
		t.Errorf("unknown PID should not resolve")
	}
	if _, _, ok := Lookup(0x1234, 0x1234); ok {
		t.Errorf("unknown VID should not resolve")
	}
}

func TestPIDsUnique(t *testing.T) {
	seen := make(map[uint16]Kind)
	for _, desc := range Descriptions {
		for _, ik := range desc.InterfaceKinds() {
			pid := desc.PIDs[ik]
			if other, ok := seen[pid]; ok {
				t.Errorf("PID %04x used by both %s and %s", pid, other, desc.Kind)
			}
			seen[pid] = desc.Kind
		}
	}
}

func TestParse(t *testing.T) {
	if k, err := ParseKind("n7g"); err != nil || k != Nano7 {
		t.Errorf("ParseKind(n7g) = %q, %v", k, err)
	}
	if _, err := ParseKind("n8g"); err == nil {
		t.Errorf("ParseKind(n8g) should fail")
	}
	if _, err := ParseKind(""); err == nil {
		t.Errorf("ParseKind(\"\") should fail")
	}
	if ik, err := ParseInterfaceKind("diskmode"); err != nil || ik != Disk {
		t.Errorf("ParseInterfaceKind(diskmode) = %q, %v", ik, err)
	}
	if _, err := ParseInterfaceKind("disk"); err == nil {
		t.Errorf("ParseInterfaceKind(disk) should fail")
	}
}

func TestDescriptorValidate(t *testing.T) {
	ok := Descriptor{VID: AppleVID, PID: 0x1234, Kind: Nano7, InterfaceKind: DFU}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate(): %v", err)
	}
	bad := ok
	bad.Kind = "ipod-classic"
	if err := bad.Validate(); err == nil {
		t.Errorf("Validate() with unknown kind should fail")
	}
	bad = ok
	bad.InterfaceKind = "recovery"
	if err := bad.Validate(); err == nil {
		t.Errorf("Validate() with unknown interface kind should fail")
	}
}

func TestInterfaceKinds(t *testing.T) {
	d, ok := Nano7.Description()
	if !ok {
		t.Fatalf("no description for %s", Nano7)
	}
	got := d.InterfaceKinds()
	want := []InterfaceKind{DFU, Disk, WTF}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}
