package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/google/renameio/v2"

	"github.com/freemyipod/nuggetzone/pkg/devices"
)

// FS is where payloads are persisted between runs.
type FS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
	Exists(path string) (bool, error)
}

// DefaultRoot is the default location of the host payload store.
func DefaultRoot() string {
	return filepath.Join(xdg.DataHome, "nuggetzone")
}

// HostStore is an FS rooted in a host directory. Writes are atomic, so an
// interrupted run never leaves a truncated payload behind.
type HostStore struct {
	Root string
}

func NewHostStore(root string) *HostStore {
	if root == "" {
		root = DefaultRoot()
	}
	return &HostStore{Root: root}
}

func (h *HostStore) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(filepath.Join(h.Root, p))
}

func (h *HostStore) WriteFile(p string, data []byte) error {
	p = filepath.Join(h.Root, p)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(p, data, 0644)
}

func (h *HostStore) Remove(p string) error {
	err := os.Remove(filepath.Join(h.Root, p))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (h *HostStore) Exists(p string) (bool, error) {
	_, err := os.Stat(filepath.Join(h.Root, p))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// pathFor returns the store key for a payload. Upstream payloads are keyed
// by their source URL, so that a firmware update on Apple's side causes a
// re-download.
func pathFor(dev *devices.Kind, payload PayloadKind, upstreamURL string) string {
	devpart := "any"
	if dev != nil {
		devpart = string(*dev)
	}
	marker := ""
	if upstreamURL != "" {
		s := sha256.New()
		fmt.Fprintf(s, "%s", upstreamURL)
		marker = "-" + hex.EncodeToString(s.Sum(nil))
	}
	return fmt.Sprintf("%s-%s%s.bin", devpart, payload, marker)
}
