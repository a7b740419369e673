package compression

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
)

func header(compSize, origSize uint32, body int) []byte {
	buf := make([]byte, 8+body)
	binary.LittleEndian.PutUint32(buf[0:4], compSize)
	binary.LittleEndian.PutUint32(buf[4:8], origSize)
	return buf
}

func TestExpectedSize(t *testing.T) {
	for i, te := range []struct {
		in      []byte
		want    uint32
		wantErr bool
	}{
		{in: nil, wantErr: true},
		{in: []byte{1, 2, 3, 4, 5, 6, 7}, wantErr: true},
		{in: header(0, 0, 0), wantErr: true},
		{in: header(16, 100, 8), wantErr: true},
		{in: header(4, MaxDecompressedSize+1, 4), wantErr: true},
		{in: header(4, 100, 4), want: 100},
		{in: header(0, 1, 0), want: 1},
	} {
		got, err := ExpectedSize(te.in)
		if te.wantErr {
			if !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("%d: wanted ErrInvalidHeader, got %v", i, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%d: unexpected error %v", i, err)
			continue
		}
		if got != te.want {
			t.Errorf("%d: got %d, want %d", i, got, te.want)
		}
	}
}

func TestFuncs(t *testing.T) {
	calls := 0
	f := &Funcs{
		CompressFn: func(in []byte) ([]byte, error) {
			calls += 1
			return append(header(uint32(len(in)), uint32(len(in)), 0), in...), nil
		},
		DecompressFn: func(in []byte) ([]byte, error) {
			calls += 1
			return in[8:], nil
		},
	}

	if _, err := f.Compress(nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Compress(nil) = %v, want ErrEmptyInput", err)
	}
	if _, err := f.Decompress([]byte{1}); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Decompress(short) = %v, want ErrInvalidHeader", err)
	}
	if calls != 0 {
		t.Fatalf("invalid input reached the backend %d times", calls)
	}

	input := []byte("bees")
	c, err := f.Compress(input)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	d, err := f.Decompress(c)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(d, input) {
		t.Errorf("got %q, want %q", d, input)
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := Load(context.Background(), []byte("not wasm")); err == nil {
		t.Fatalf("Load of garbage should fail")
	}
}

// TestLoopback needs a real edk2.wasm, pointed at by NUGGETZONE_EDK2_WASM.
func TestLoopback(t *testing.T) {
	path := os.Getenv("NUGGETZONE_EDK2_WASM")
	if path == "" {
		t.Skip("NUGGETZONE_EDK2_WASM not set")
	}
	ctx := context.Background()
	tiano, err := LoadFile(ctx, path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer tiano.Close(ctx)

	input := []byte("According to all known laws of aviation, there is no way an EFI implementation should be able to fly. It's wings are too small to get its fat little body off the ground. The implementation, of course, flies anyway, because computers don't care what humans think is impossible.")
	compressed, err := tiano.Compress(input)
	if err != nil {
		t.Fatalf("Compress() failed: %v", err)
	}

	uncompressed, err := tiano.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress() failed: %v", err)
	}

	if !bytes.Equal(input, uncompressed) {
		t.Fatalf("did not decompress to same data: %q", string(uncompressed))
	}
}
