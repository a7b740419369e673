package cache

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/freemyipod/nuggetzone/pkg/compression"
	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/efi"
	"github.com/freemyipod/nuggetzone/pkg/image"
	"github.com/freemyipod/nuggetzone/pkg/mse"
)

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (m *memStore) ReadFile(p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memStore) WriteFile(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, p)
	return nil
}

func (m *memStore) Exists(p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[p]
	return ok, nil
}

const testJingle = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>MobileDeviceSoftwareVersionsByVersion</key>
	<dict>
		<key>5</key>
		<dict>
			<key>RecoverySoftwareVersions</key>
			<dict>
				<key>WTF</key>
				<dict>
					<key>305397760</key>
					<dict>
						<key>FirmwareURL</key>
						<string>%[1]s/wtf.ipsw</string>
					</dict>
				</dict>
				<key>Firmware</key>
				<dict>
					<key>DFU</key>
					<dict>
						<key>306774016</key>
						<dict>
							<key>FirmwareURL</key>
							<string>%[1]s/recovery.ipsw</string>
						</dict>
					</dict>
				</dict>
			</dict>
		</dict>
	</dict>
	<key>iPodSoftwareVersions</key>
	<dict>
		<key>1</key>
		<dict>
			<key>UpdaterFamilyID</key>
			<integer>37</integer>
			<key>FirmwareURL</key>
			<string>%[1]s/firmware.ipsw</string>
		</dict>
	</dict>
</dict>
</plist>
`

func mkzip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	w := zip.NewWriter(buf)
	for name, data := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("Write(%q): %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

// mkfirmware builds a firmware bundle as found in N7G IPSWs.
func mkfirmware(t *testing.T) []byte {
	t.Helper()
	m := mse.New(devices.Nano7)
	for _, f := range []struct {
		name string
		data string
	}{
		{"osos", "encrypted retailos"},
		{"rsrc", "87402.0 resources"},
		{"diag", "encrypted diags"},
	} {
		if err := m.Add("NAND", f.name, false, []byte(f.data)); err != nil {
			t.Fatalf("Add(%s): %v", f.name, err)
		}
	}
	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return data
}

// fakeApple serves a jingle document and IPSWs, counting requests per path.
type fakeApple struct {
	srv *httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	ipsws map[string][]byte
}

func newFakeApple(t *testing.T) *fakeApple {
	t.Helper()
	f := &fakeApple{hits: make(map[string]int)}
	f.ipsws = map[string][]byte{
		"/wtf.ipsw": mkzip(t, map[string][]byte{
			"Firmware/dfu/WTF.x1234.RELEASE.dfu": []byte("encrypted wtf"),
		}),
		"/recovery.ipsw": mkzip(t, map[string][]byte{
			"Firmware/dfu/Firmware.x1249.RELEASE.dfu": []byte("encrypted recovery"),
		}),
		"/firmware.ipsw": mkzip(t, map[string][]byte{
			"Firmware-37.4.2":               mkfirmware(t),
			"Manifest.plist":                []byte("nope"),
			"N7G.bootloader.release.rb3":    []byte("encrypted bootloader"),
			"Firmware/unrelated/thing.img1": []byte("nope"),
		}),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path] += 1
		data, ok := f.ipsws[r.URL.Path]
		f.mu.Unlock()
		if r.URL.Path == "/jingle" {
			fmt.Fprintf(w, testJingle, f.srv.URL)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeApple) serve(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipsws[path] = data
}

func (f *fakeApple) hitsFor(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeApple) phobos(store FS) *Phobos {
	return &Phobos{
		Client:    f.srv.Client(),
		JingleURL: f.srv.URL + "/jingle",
		Store:     store,
	}
}

// xorDecrypter stands in for a device performing AES decryption.
type xorDecrypter struct {
	calls int
}

func (x *xorDecrypter) Decrypt(ctx context.Context, encrypted []byte, cp *Checkpoint, progress func(float64)) ([]byte, error) {
	x.calls += 1
	if err := cp.Save([]byte("partial")); err != nil {
		return nil, err
	}
	res := []byte(strings.Replace(string(encrypted), "encrypted ", "decrypted ", 1))
	if progress != nil {
		progress(1.0)
	}
	return res, nil
}

func TestURLFor(t *testing.T) {
	f := newFakeApple(t)
	p := f.phobos(newMemStore())
	ctx := context.Background()

	for _, te := range []struct {
		pk   PayloadKind
		want string
	}{
		{PayloadKindWTFUpstream, "/wtf.ipsw"},
		{PayloadKindRecoveryUpstream, "/recovery.ipsw"},
		{PayloadKindFirmwareUpstream, "/firmware.ipsw"},
		{PayloadKindRetailOSUpstream, "/firmware.ipsw"},
		{PayloadKindBootloaderUpstream, "/firmware.ipsw"},
	} {
		got, err := p.URLFor(ctx, te.pk, devices.Nano7)
		if err != nil {
			t.Errorf("URLFor(%s): %v", te.pk, err)
			continue
		}
		if want := f.srv.URL + te.want; got != want {
			t.Errorf("URLFor(%s): got %q, want %q", te.pk, got, want)
		}
	}

	if _, err := p.URLFor(ctx, PayloadKindWTFUpstream, devices.Nano5); err == nil {
		t.Errorf("URLFor for device missing from jingle succeeded")
	}
	if _, err := p.URLFor(ctx, PayloadKindWTFDecrypted, devices.Nano7); err == nil {
		t.Errorf("URLFor for derived payload succeeded")
	}
	if n := f.hitsFor("/jingle"); n != 1 {
		t.Errorf("jingle fetched %d times, want 1", n)
	}
}

func TestGetUpstreamCached(t *testing.T) {
	f := newFakeApple(t)
	store := newMemStore()
	c := &Cache{Store: store, Upstream: f.phobos(store)}
	ctx := context.Background()
	target := Target{Kind: devices.Nano7}

	var progress []float64
	for i := 0; i < 2; i++ {
		data, err := c.Get(ctx, target, PayloadKindWTFUpstream, func(f float64) {
			progress = append(progress, f)
		})
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		if want, got := "encrypted wtf", string(data); got != want {
			t.Errorf("Get #%d: got %q, want %q", i, got, want)
		}
	}
	if n := f.hitsFor("/wtf.ipsw"); n != 1 {
		t.Errorf("IPSW downloaded %d times, want 1", n)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 1.0 {
		t.Errorf("progress %v does not end at 1.0", progress)
	}
}

func TestGetFirmwareMembers(t *testing.T) {
	f := newFakeApple(t)
	store := newMemStore()
	c := &Cache{Store: store, Upstream: f.phobos(store)}
	ctx := context.Background()
	target := Target{Kind: devices.Nano7}

	firmware, err := c.Get(ctx, target, PayloadKindFirmwareUpstream, nil)
	if err != nil {
		t.Fatalf("Get(firmware): %v", err)
	}
	if _, err := mse.Parse(bytes.NewReader(firmware)); err != nil {
		t.Errorf("firmware is not a bundle: %v", err)
	}

	for _, te := range []struct {
		pk   PayloadKind
		want string
	}{
		{PayloadKindRetailOSUpstream, "encrypted retailos"},
		{PayloadKindDiagsUpstream, "encrypted diags"},
	} {
		data, err := c.Get(ctx, target, te.pk, nil)
		if err != nil {
			t.Errorf("Get(%s): %v", te.pk, err)
			continue
		}
		if string(data) != te.want {
			t.Errorf("Get(%s): got %q, want %q", te.pk, data, te.want)
		}
	}
}

func TestFetchNotBundle(t *testing.T) {
	f := newFakeApple(t)
	p := f.phobos(newMemStore())
	ctx := context.Background()
	if _, err := p.Fetch(ctx, PayloadKindRetailOSUpstream, f.srv.URL+"/recovery.ipsw", nil); err == nil {
		t.Errorf("RetailOS extracted from IPSW without a firmware bundle")
	}
	m := mse.New(devices.Nano7)
	if err := m.Add("NAND", "osos", false, []byte("87402.0 retailos")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	f.serve("/nodiags.ipsw", mkzip(t, map[string][]byte{"Firmware-37.4.2": data}))
	_, err = p.Fetch(ctx, PayloadKindDiagsUpstream, f.srv.URL+"/nodiags.ipsw", nil)
	if err == nil || !strings.Contains(err.Error(), `no "diag"`) {
		t.Errorf("diags from bundle without diag: %v", err)
	}
}

func TestGetDecrypted(t *testing.T) {
	f := newFakeApple(t)
	store := newMemStore()
	c := &Cache{Store: store, Upstream: f.phobos(store)}
	ctx := context.Background()
	dec := &xorDecrypter{}
	target := Target{Kind: devices.Nano7, Decrypter: dec}

	for i := 0; i < 2; i++ {
		data, err := c.Get(ctx, target, PayloadKindRetailOSDecrypted, nil)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if want, got := "decrypted retailos", string(data); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if dec.calls != 1 {
		t.Errorf("decrypter called %d times, want 1", dec.calls)
	}
	cp := pathFor(&target.Kind, PayloadKindRetailOSDecryptedCache, "")
	if exists, _ := store.Exists(cp); exists {
		t.Errorf("checkpoint %s left behind", cp)
	}

	if _, err := c.Get(ctx, Target{Kind: devices.Nano7}, PayloadKindBootloaderDecrypted, nil); err == nil {
		t.Errorf("decryption without a device succeeded")
	}
}

func TestGetDefanged(t *testing.T) {
	f := newFakeApple(t)
	store := newMemStore()
	var gotCodec compression.Codec
	codec := &compression.Funcs{}
	c := &Cache{
		Store:    store,
		Upstream: f.phobos(store),
		Defangers: map[devices.Kind]Defanger{
			devices.Nano7: func(ctx context.Context, codec compression.Codec, decrypted []byte) ([]byte, error) {
				gotCodec = codec
				return append([]byte("defanged "), decrypted...), nil
			},
		},
	}
	ctx := context.Background()
	target := Target{Kind: devices.Nano7, Decrypter: &xorDecrypter{}, Codec: codec}

	data, err := c.Get(ctx, target, PayloadKindWTFDefanged, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want, got := "defanged decrypted wtf", string(data); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if gotCodec != codec {
		t.Errorf("defanger not given the target's codec")
	}

	_, err = c.Get(ctx, Target{Kind: devices.Nano6, Decrypter: &xorDecrypter{}}, PayloadKindWTFDefanged, nil)
	if err == nil || !strings.Contains(err.Error(), "don't know how to defang") {
		t.Errorf("defanging unsupported kind: %v", err)
	}
}

func TestGetCustomized(t *testing.T) {
	store := newMemStore()
	c := &Cache{Store: store}
	target := Target{Kind: devices.Nano7}
	decrypted := []byte("\x00\x01Eject before disconnecting\x00\x02")
	store.WriteFile(pathFor(&target.Kind, PayloadKindRetailOSDecrypted, ""), decrypted)

	data, err := c.Get(context.Background(), target, PayloadKindRetailOSCustomized, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := append([]byte("\x00\x01freemyipod"), make([]byte, 17)...)
	want = append(want, 0x02)
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("customized RetailOS (-want +got):\n%s", diff)
	}
	if len(data) != len(decrypted) {
		t.Errorf("length changed from %d to %d", len(decrypted), len(data))
	}
	if exists, _ := store.Exists(pathFor(&target.Kind, PayloadKindRetailOSCustomized, "")); exists {
		t.Errorf("customized RetailOS was cached")
	}
}

func TestGetUnobtainable(t *testing.T) {
	c := &Cache{Store: newMemStore()}
	for _, pk := range []PayloadKind{PayloadKindJingleXML, PayloadKindWTFDecryptedCache, "bogus"} {
		if _, err := c.Get(context.Background(), Target{Kind: devices.Nano7}, pk, nil); err == nil {
			t.Errorf("Get(%s) succeeded", pk)
		}
	}
}

func TestMirror(t *testing.T) {
	f := newFakeApple(t)
	mirror := newFakeApple(t)
	store := newMemStore()
	p := f.phobos(store)
	mu, err := url.Parse(mirror.srv.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p.Mirror = mu
	c := &Cache{Store: store, Upstream: p}

	if _, err := c.Get(context.Background(), Target{Kind: devices.Nano7}, PayloadKindRecoveryUpstream, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := f.hitsFor("/recovery.ipsw"); n != 0 {
		t.Errorf("origin hit %d times", n)
	}
	if n := mirror.hitsFor("/recovery.ipsw"); n != 1 {
		t.Errorf("mirror hit %d times, want 1", n)
	}
}

func TestHostStore(t *testing.T) {
	h := NewHostStore(t.TempDir())
	if exists, err := h.Exists("n7g-wtf-upstream.bin"); err != nil || exists {
		t.Fatalf("Exists on empty store: %v, %v", exists, err)
	}
	if err := h.WriteFile("n7g-wtf-upstream.bin", []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := h.ReadFile("n7g-wtf-upstream.bin")
	if err != nil || string(data) != "x" {
		t.Fatalf("ReadFile: %q, %v", data, err)
	}
	if err := h.Remove("n7g-wtf-upstream.bin"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := h.Remove("n7g-wtf-upstream.bin"); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if _, err := h.ReadFile("n7g-wtf-upstream.bin"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFile after Remove: %v", err)
	}
}

func TestPathFor(t *testing.T) {
	k := devices.Nano7
	if got, want := pathFor(&k, PayloadKindWTFDefanged, ""), "n7g-wtf-defanged.bin"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := pathFor(nil, PayloadKindJingleXML, ""), "any-jinglexml.bin"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	a := pathFor(&k, PayloadKindWTFUpstream, "http://a/")
	b := pathFor(&k, PayloadKindWTFUpstream, "http://b/")
	if a == b {
		t.Errorf("different URLs map to the same path %q", a)
	}
}

func TestDefangRaw(t *testing.T) {
	ctx := context.Background()
	wtf, err := image.MakeUnsigned(devices.Nano3, 0x10, make([]byte, 0x8000))
	if err != nil {
		t.Fatalf("MakeUnsigned: %v", err)
	}
	orig := bytes.Clone(wtf)

	defanged, err := DefaultDefangers()[devices.Nano3](ctx, nil, wtf)
	if err != nil {
		t.Fatalf("defang: %v", err)
	}
	if !bytes.Equal(orig, wtf) {
		t.Errorf("decrypted WTF was modified")
	}
	img, err := image.Parse(defanged)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.DeviceKind != devices.Nano3 || img.Header.Entrypoint != 0x10 {
		t.Errorf("defanged image is %s with entrypoint 0x%x", img.DeviceKind, img.Header.Entrypoint)
	}
	if got := img.Body[0x1990:0x1998]; !bytes.Equal(got, []byte{0x00, 0x70, 0xa0, 0xe3, 0x22, 0x00, 0x00, 0xea}) {
		t.Errorf("signature check patch: %x", got)
	}
	if got := string(img.Body[0x770c : 0x770c+26]); got != "D\x00e\x00f\x00a\x00n\x00g\x00e\x00d\x00 \x00W\x00T\x00F\x00!\x00" {
		t.Errorf("product string patch: %q", got)
	}

	small, err := image.MakeUnsigned(devices.Nano3, 0, make([]byte, 0x100))
	if err != nil {
		t.Fatalf("MakeUnsigned: %v", err)
	}
	if _, err := DefangRaw(Patches{0xff: {1, 2}})(ctx, nil, small); err == nil {
		t.Errorf("out of bounds patch applied")
	}
	if _, err := DefangRaw(Patches{})(ctx, nil, []byte("not an image")); err == nil {
		t.Errorf("defanged a non-image")
	}
}

func storedCodec() compression.Codec {
	return &compression.Funcs{
		CompressFn: func(in []byte) ([]byte, error) {
			res := binary.LittleEndian.AppendUint32(nil, uint32(len(in)))
			res = binary.LittleEndian.AppendUint32(res, uint32(len(in)))
			return append(res, in...), nil
		},
		DecompressFn: func(in []byte) ([]byte, error) {
			n := binary.LittleEndian.Uint32(in[4:8])
			return bytes.Clone(in[8 : 8+n]), nil
		},
	}
}

// mkwtf builds a decrypted WTF whose firmware volume contains the given PE32
// images, compressed, followed by padding and a security core.
func mkwtf(t *testing.T, dk devices.Kind, codec compression.Codec, pe32s map[efi.GUID][]byte) []byte {
	t.Helper()
	fv := efi.NewVolume(codec)
	for guid, data := range pe32s {
		fv.Files = append(fv.Files, &efi.File{
			FileHeader: efi.FileHeader{GUID: guid, Type: efi.FileTypeDriver},
			Sections: []efi.Section{
				efi.NewCompressionSection(codec, efi.NewLeafSection(efi.SectionTypePE32, data)),
			},
		})
	}
	fv.Files = append(fv.Files,
		efi.NewPaddingFile(0x800),
		&efi.File{
			FileHeader: efi.FileHeader{GUID: efi.MustParseGUID("5e5e5e5e-0000-1111-2222-333344445555"), Type: efi.FileTypeSecurityCore},
			Sections:   []efi.Section{efi.NewLeafSection(efi.SectionTypeTE, []byte("VZ secore"))},
		},
	)
	data, err := fv.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	body := append(make([]byte, volumeOffset(dk)), data...)
	wtf, err := image.MakeUnsigned(dk, 0x22000000, body)
	if err != nil {
		t.Fatalf("MakeUnsigned: %v", err)
	}
	return wtf
}

func TestDefangEFI(t *testing.T) {
	ctx := context.Background()
	vendor := fill("MZ USB Apple Inc. DFU", 0x100)
	for _, te := range []struct {
		kind    devices.Kind
		pe32s   map[efi.GUID][]byte
		rebrand efi.GUID
		patched map[efi.GUID]map[int][]byte
	}{
		{
			kind: devices.Nano7,
			pe32s: map[efi.GUID][]byte{
				guidDFU:              vendor,
				guidROMBootValidator: fill("MZ validator", 0x2000),
				guidAES:              fill("MZ aes", 0x500),
			},
			rebrand: guidDFU,
			patched: map[efi.GUID]map[int][]byte{
				guidROMBootValidator: {0x19a4: return0, 0x0d78: return1, 0x176e: {0x04, 0x28}},
				guidAES:              {0x488: {0x08, 0x68, 0x04, 0x31}},
			},
		},
		{
			kind: devices.Nano5,
			pe32s: map[efi.GUID][]byte{
				guidRestoreDFU:       vendor,
				guidROMBootValidator: fill("MZ validator", 0x2000),
			},
			rebrand: guidRestoreDFU,
			patched: map[efi.GUID]map[int][]byte{
				guidROMBootValidator: {0x15b8: return0, 0x0b4c: return1},
			},
		},
	} {
		t.Run(string(te.kind), func(t *testing.T) {
			codec := storedCodec()
			wtf := mkwtf(t, te.kind, codec, te.pe32s)
			origImg, err := image.Parse(wtf)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			origFV, err := efi.ReadVolume(origImg.Body[volumeOffset(te.kind):], codec)
			if err != nil {
				t.Fatalf("ReadVolume: %v", err)
			}
			defanger := DefaultDefangers()[te.kind]
			if defanger == nil {
				t.Fatalf("no defanger for %s", te.kind)
			}

			// Defangers must be reusable.
			for i := 0; i < 2; i++ {
				defanged, err := defanger(ctx, codec, wtf)
				if err != nil {
					t.Fatalf("defang #%d: %v", i, err)
				}
				img, err := image.Parse(defanged)
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				if img.DeviceKind != te.kind || img.Header.Entrypoint != 0x22000000 {
					t.Errorf("defanged image is %s with entrypoint 0x%x", img.DeviceKind, img.Header.Entrypoint)
				}
				fv, err := efi.ReadVolume(img.Body[volumeOffset(te.kind):], codec)
				if err != nil {
					t.Fatalf("ReadVolume: %v", err)
				}
				for i, f := range fv.Files {
					if f.Offset != origFV.Files[i].Offset {
						t.Errorf("file %s moved from 0x%x to 0x%x", f.GUID, origFV.Files[i].Offset, f.Offset)
					}
					if f.Type != efi.FileTypeDriver {
						continue
					}
					pe := f.Sections[0].Sub()[0].Raw()
					if f.GUID == te.rebrand {
						if !bytes.Contains(pe, []byte("freemyipod")) || bytes.Contains(pe, []byte("Apple Inc.")) {
							t.Errorf("vendor string not replaced: %q", pe[:32])
						}
					}
					for addr, want := range te.patched[f.GUID] {
						if got := pe[addr : addr+len(want)]; !bytes.Equal(got, want) {
							t.Errorf("%s at 0x%x: got %x, want %x", f.GUID, addr, got, want)
						}
					}
				}
			}

			if _, err := defanger(ctx, nil, wtf); !errors.Is(err, efi.ErrNoCodec) {
				t.Errorf("defanging without codec: got %v, want ErrNoCodec", err)
			}
		})
	}
}

func TestDefangEFIMissingFile(t *testing.T) {
	codec := storedCodec()
	wtf := mkwtf(t, devices.Nano7, codec, map[efi.GUID][]byte{
		guidDFU: fill("MZ Apple Inc.", 0x100),
	})
	_, err := DefaultDefangers()[devices.Nano7](context.Background(), codec, wtf)
	if err == nil || !strings.Contains(err.Error(), guidROMBootValidator.String()) {
		t.Errorf("defanging WTF without ROMBootValidator: %v", err)
	}
}

func fill(prefix string, n int) []byte {
	res := bytes.Repeat([]byte{0x5a}, n)
	copy(res, prefix)
	return res
}
