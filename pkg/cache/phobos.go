package cache

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/golang/glog"
	"howett.net/plist"

	"github.com/freemyipod/nuggetzone/pkg/devices"
	"github.com/freemyipod/nuggetzone/pkg/mse"
)

type jingle struct {
	MobileDeviceSoftware map[string]mobileDeviceSoftwareVersion `plist:"MobileDeviceSoftwareVersionsByVersion"`
	IPodSoftwareVersions map[string]iPodSoftwareVersion         `plist:"iPodSoftwareVersions"`
}

type mobileDeviceSoftwareVersion struct {
	RecoverySoftware struct {
		WTF      map[string]recoverySoftware `plist:"WTF"`
		Firmware struct {
			DFU map[string]recoverySoftware `plist:"DFU"`
		} `plist:"Firmware"`
	} `plist:"RecoverySoftwareVersions"`
}

type recoverySoftware struct {
	FirmwareURL string
}

type iPodSoftwareVersion struct {
	UpdaterFamilyID int    `plist:"UpdaterFamilyID"`
	FirmwareURL     string `plist:"FirmwareURL"`
}

const DefaultJingleURL = "https://itunes.apple.com/WebObjects/MZStore.woa/wa/com.apple.jingle.appserver.client.MZITunesClientCheck/version"

// Phobos fetches upstream payloads from Apple's CDN, using the iTunes
// 'jingle' document to find out where they live.
type Phobos struct {
	Client *http.Client
	// JingleURL overrides DefaultJingleURL.
	JingleURL string
	// Mirror, if set, replaces the scheme and host of every IPSW URL.
	Mirror *url.URL
	// Store caches the jingle document.
	Store FS
}

func (p *Phobos) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

// progressWriter reports the fraction of an expected length that has been
// written to it.
type progressWriter struct {
	done     int64
	total    int64
	prev     float64
	callback func(float64)
}

func (d *progressWriter) Write(data []byte) (int, error) {
	d.done += int64(len(data))
	if d.total <= 0 || d.callback == nil {
		return len(data), nil
	}
	fraction := float64(d.done) / float64(d.total)
	if fraction > 1 {
		fraction = 1
	}
	if fraction != d.prev {
		d.callback(fraction)
		d.prev = fraction
	}
	return len(data), nil
}

func (p *Phobos) get(ctx context.Context, u string, progress func(float64)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: HTTP %s", u, resp.Status)
	}
	mon := &progressWriter{
		total:    resp.ContentLength,
		callback: progress,
	}
	return io.ReadAll(io.TeeReader(resp.Body, mon))
}

func (p *Phobos) jingle(ctx context.Context) (*jingle, error) {
	fspath := pathFor(nil, PayloadKindJingleXML, "")
	var data []byte
	if exists, err := p.Store.Exists(fspath); err == nil && exists {
		glog.Infof("Jingle: using cached XML at %s", fspath)
		data, _ = p.Store.ReadFile(fspath)
	}
	if data == nil {
		glog.Infof("Jingle: downloading XML...")
		u := p.JingleURL
		if u == "" {
			u = DefaultJingleURL
		}
		var err error
		data, err = p.get(ctx, u, nil)
		if err != nil {
			return nil, fmt.Errorf("could not download iTunes XML: %w", err)
		}
		if err := p.Store.WriteFile(fspath, data); err != nil {
			glog.Errorf("Could not save iTunes XML cache: %v", err)
		}
	}

	var res jingle
	if _, err := plist.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("could not parse iTunes XML: %w", err)
	}
	return &res, nil
}

// recoveryKey is how the jingle document indexes recovery software: by the
// USB PID of the mode the software is loaded from, shifted into the upper
// half of a 32-bit number.
func recoveryKey(pid uint16) string {
	return fmt.Sprintf("%d", int(pid)<<16)
}

// URLFor returns the IPSW URL containing an upstream payload for a device.
func (p *Phobos) URLFor(ctx context.Context, pk PayloadKind, dk devices.Kind) (string, error) {
	desc, ok := dk.Description()
	if !ok {
		return "", fmt.Errorf("unknown device kind %q", dk)
	}
	j, err := p.jingle(ctx)
	if err != nil {
		return "", err
	}

	switch pk {
	case PayloadKindWTFUpstream:
		k := recoveryKey(desc.PIDs[devices.DFU])
		for _, v := range j.MobileDeviceSoftware {
			if rs, ok := v.RecoverySoftware.WTF[k]; ok {
				return rs.FirmwareURL, nil
			}
		}
	case PayloadKindRecoveryUpstream:
		k := recoveryKey(desc.PIDs[devices.WTF])
		for _, v := range j.MobileDeviceSoftware {
			if rs, ok := v.RecoverySoftware.Firmware.DFU[k]; ok {
				return rs.FirmwareURL, nil
			}
		}
	case PayloadKindFirmwareUpstream, PayloadKindBootloaderUpstream, PayloadKindRetailOSUpstream, PayloadKindDiagsUpstream:
		for _, isv := range j.IPodSoftwareVersions {
			if isv.UpdaterFamilyID == desc.UpdaterFamilyID {
				return isv.FirmwareURL, nil
			}
		}
	default:
		return "", fmt.Errorf("%s is not an upstream payload", pk)
	}
	return "", fmt.Errorf("no %s for %s in iTunes XML", pk, dk)
}

var ipswMembers = map[PayloadKind]*regexp.Regexp{
	PayloadKindWTFUpstream:        regexp.MustCompile(`^firmware/dfu/wtf.*release\.dfu$`),
	PayloadKindRecoveryUpstream:   regexp.MustCompile(`^firmware/dfu/firmware.*release\.dfu$`),
	PayloadKindFirmwareUpstream:   regexp.MustCompile(`^firmware[^/]*$`),
	PayloadKindRetailOSUpstream:   regexp.MustCompile(`^firmware[^/]*$`),
	PayloadKindDiagsUpstream:      regexp.MustCompile(`^firmware[^/]*$`),
	PayloadKindBootloaderUpstream: regexp.MustCompile(`^n.*\.bootloader.*\.rb3$`),
}

// mseMembers are the payloads carried within the firmware bundle, by the
// bundle file name.
var mseMembers = map[PayloadKind]string{
	PayloadKindRetailOSUpstream: "osos",
	PayloadKindDiagsUpstream:    "diag",
}

// Fetch downloads the IPSW at u and extracts the file corresponding to pk.
func (p *Phobos) Fetch(ctx context.Context, pk PayloadKind, u string, progress func(float64)) ([]byte, error) {
	want, ok := ipswMembers[pk]
	if !ok {
		return nil, fmt.Errorf("don't know file path for %s", pk)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("could not parse URL %q: %w", u, err)
	}
	if p.Mirror != nil {
		parsed.Scheme = p.Mirror.Scheme
		parsed.Host = p.Mirror.Host
	}

	glog.Infof("Downloading %s IPSW from %s...", pk, parsed)
	body, err := p.get(ctx, parsed.String(), progress)
	if err != nil {
		return nil, fmt.Errorf("could not download IPSW: %w", err)
	}
	z, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("could not parse IPSW: %w", err)
	}

	var fname string
	for _, f := range z.File {
		if want.MatchString(strings.ToLower(f.Name)) {
			fname = f.Name
		}
	}
	if fname == "" {
		return nil, fmt.Errorf("expected file not found in IPSW")
	}
	f, err := z.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("could not open %q in IPSW: %w", fname, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("could not read %q from IPSW: %w", fname, err)
	}

	member, ok := mseMembers[pk]
	if !ok {
		return data, nil
	}
	m, err := mse.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not parse %q: %w", fname, err)
	}
	mf := m.FileByName(member)
	if mf == nil {
		return nil, fmt.Errorf("no %q in %q", member, fname)
	}
	return mf.Data, nil
}
