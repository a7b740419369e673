// Package dfu implements the host side of the USB DFU 1.1 class protocol as
// spoken by the iPod bootrom and WTF: enough to download one image and have
// the device manifest it.
package dfu

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/golang/glog"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

type Request uint8

const (
	RequestDetach    Request = 0
	RequestDnload    Request = 1
	RequestUpload    Request = 2
	RequestGetStatus Request = 3
	RequestClrStatus Request = 4
	RequestGetState  Request = 5
	RequestAbort     Request = 6
)

// Status is the bStatus field of a GETSTATUS response.
type Status uint8

const StatusOK Status = 0x00

var statusNames = []string{
	"OK", "errTARGET", "errFILE", "errWRITE", "errERASE", "errCHECK_ERASED",
	"errPROG", "errVERIFY", "errADDRESS", "errNOTDONE", "errFIRMWARE",
	"errVENDOR", "errUSBR", "errPOR", "errUNKNOWN", "errSTALLEDPKT",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(0x%02x)", uint8(s))
}

type State uint8

const (
	StateAppIdle State = iota
	StateAppDetach
	StateIdle
	StateDnloadSync
	StateDnBusy
	StateDnloadIdle
	StateManifestSync
	StateManifest
	StateManifestWaitReset
	StateUploadIdle
	StateError
)

var stateNames = []string{
	"appIDLE", "appDETACH", "dfuIDLE", "dfuDNLOAD-SYNC", "dfuDNBUSY",
	"dfuDNLOAD-IDLE", "dfuMANIFEST-SYNC", "dfuMANIFEST",
	"dfuMANIFEST-WAIT-RESET", "dfuUPLOAD-IDLE", "dfuERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

const (
	// ChunkSize is the wTransferSize used for downloads.
	ChunkSize = 0x400
	// manifestPolls bounds how many GETSTATUS requests are issued while
	// waiting for the device to start manifesting an image.
	manifestPolls = 100
)

// StatusResponse is a decoded GETSTATUS response.
type StatusResponse struct {
	Status Status
	// PollTimeout is how long the host must wait before the next request.
	PollTimeout time.Duration
	State       State
}

func control(usb devices.Usb, rType uint8, req Request, val uint16, data []byte) (int, error) {
	n, err := usb.Control(rType, uint8(req), val, 0, data)
	if err != nil {
		return n, fmt.Errorf("control: %w", err)
	}
	return n, nil
}

func GetState(usb devices.Usb) (State, error) {
	var buf [1]byte
	n, err := control(usb, devices.RequestTypeClassIn, RequestGetState, 0, buf[:])
	if err != nil {
		return StateError, err
	}
	if n != len(buf) {
		return StateError, fmt.Errorf("GETSTATE returned %d bytes", n)
	}
	return State(buf[0]), nil
}

func GetStatus(usb devices.Usb) (*StatusResponse, error) {
	var buf [6]byte
	n, err := control(usb, devices.RequestTypeClassIn, RequestGetStatus, 0, buf[:])
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, fmt.Errorf("GETSTATUS returned %d bytes", n)
	}
	// bwPollTimeout is a 24-bit little-endian field.
	var timeout [4]byte
	copy(timeout[:3], buf[1:4])
	return &StatusResponse{
		Status:      Status(buf[0]),
		PollTimeout: time.Duration(binary.LittleEndian.Uint32(timeout[:])) * time.Millisecond,
		State:       State(buf[4]),
	}, nil
}

func ClearStatus(usb devices.Usb) error {
	_, err := control(usb, devices.RequestTypeClassOut, RequestClrStatus, 0, nil)
	return err
}

// Clean clears any pending error and requires the device to be in dfuIDLE.
func Clean(usb devices.Usb) error {
	if err := ClearStatus(usb); err != nil {
		return fmt.Errorf("CLRSTATUS: %w", err)
	}
	state, err := GetState(usb)
	if err != nil {
		return fmt.Errorf("GETSTATE: %w", err)
	}
	if state != StateIdle {
		return fmt.Errorf("unexpected DFU state %s", state)
	}
	return nil
}

// withTrailer appends the inverted CRC32 that version 1 bootroms expect after
// an image.
func withTrailer(img []byte) []byte {
	res := make([]byte, len(img), len(img)+4)
	copy(res, img)
	res = binary.LittleEndian.AppendUint32(res, ^crc32.ChecksumIEEE(img))
	return res
}

// download is a single image download in progress.
type download struct {
	usb      devices.Usb
	data     []byte
	sent     int
	blockno  uint16
	progress func(float64)
}

// next sends the next chunk and waits for the device to have consumed it.
func (d *download) next() error {
	end := min(d.sent+ChunkSize, len(d.data))
	if _, err := control(d.usb, devices.RequestTypeClassOut, RequestDnload, d.blockno, d.data[d.sent:end]); err != nil {
		return fmt.Errorf("chunk %d failed: %w", d.blockno, err)
	}
	d.sent = end
	glog.V(2).Infof("DFU: sent chunk %d (%d/%d bytes)", d.blockno, d.sent, len(d.data))
	if d.progress != nil {
		d.progress(float64(d.sent) / float64(len(d.data)))
	}

	for {
		st, err := GetStatus(d.usb)
		if err != nil {
			return fmt.Errorf("chunk %d status failed: %w", d.blockno, err)
		}
		if st.Status != StatusOK {
			return fmt.Errorf("chunk %d failed with %s in %s", d.blockno, st.Status, st.State)
		}
		if st.State == StateDnloadIdle {
			break
		}
		time.Sleep(st.PollTimeout)
	}
	d.blockno += 1
	return nil
}

// finish sends the zero-length download and polls until the device starts
// manifesting.
func (d *download) finish() error {
	if _, err := control(d.usb, devices.RequestTypeClassOut, RequestDnload, d.blockno, nil); err != nil {
		return fmt.Errorf("zero length send failed: %w", err)
	}
	for n := 0; n < manifestPolls; n++ {
		st, err := GetStatus(d.usb)
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		switch st.State {
		case StateIdle:
			return fmt.Errorf("device went back to %s with %s", st.State, st.Status)
		case StateManifest:
			glog.Infof("Got dfuMANIFEST, image uploaded.")
			return nil
		}
	}
	return fmt.Errorf("did not reach manifest")
}

// SendImage uploads an image to the device and waits for it to start
// manifesting. progress, if set, is called with the fraction of bytes sent
// after every chunk.
func SendImage(usb devices.Usb, img []byte, version devices.DFUProtoVersion, progress func(float64)) error {
	if err := Clean(usb); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	if version == devices.DFUProtoVersion1 {
		img = withTrailer(img)
	}

	d := &download{
		usb:      usb,
		data:     img,
		progress: progress,
	}
	for d.sent < len(d.data) {
		if err := d.next(); err != nil {
			return err
		}
	}
	return d.finish()
}
