package compression

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/emscripten"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// scratchSize is the TianoDecompress scratch buffer size edk2 expects.
const scratchSize = 13393

// Tiano calls out into edk2 Tiano{Dec,C}ompress functions compiled into
// WebAssembly. We don't use cgo or c2go because I don't trust that code.
//
// All calls are serialized, as the Intel compression/decompression code is
// very, very, extremely non memory safe.
type Tiano struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module

	mallocF     api.Function
	freeF       api.Function
	compressF   api.Function
	decompressF api.Function
}

// LoadFile instantiates edk2.wasm from a path on disk.
func LoadFile(ctx context.Context, path string) (*Tiano, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read edk2 module: %w", err)
	}
	return Load(ctx, wasm)
}

// Load instantiates an edk2 module exporting malloc, free, TianoCompress and
// TianoDecompress.
func Load(ctx context.Context, wasm []byte) (*Tiano, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("could not instantiate WASI: %w", err)
	}
	if _, err := emscripten.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("could not instantiate emscripten: %w", err)
	}

	config := wazero.NewModuleConfig().WithStdout(os.Stdout).WithStderr(os.Stderr)
	code, err := r.CompileModule(ctx, wasm, wazero.NewCompileConfig())
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("could not compile edk2 module: %w", err)
	}
	mod, err := r.InstantiateModule(ctx, code, config)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("could not instantiate edk2 module: %w", err)
	}

	t := &Tiano{
		runtime:     r,
		module:      mod,
		mallocF:     mod.ExportedFunction("malloc"),
		freeF:       mod.ExportedFunction("free"),
		compressF:   mod.ExportedFunction("TianoCompress"),
		decompressF: mod.ExportedFunction("TianoDecompress"),
	}
	for name, f := range map[string]api.Function{
		"malloc":          t.mallocF,
		"free":            t.freeF,
		"TianoCompress":   t.compressF,
		"TianoDecompress": t.decompressF,
	} {
		if f == nil {
			r.Close(ctx)
			return nil, fmt.Errorf("edk2 module does not export %s", name)
		}
	}
	glog.Infof("edk2 compression module loaded.")
	return t, nil
}

func (t *Tiano) Close(ctx context.Context) error {
	return t.runtime.Close(ctx)
}

func (t *Tiano) malloc(ctx context.Context, size int) (uint32, error) {
	results, err := t.mallocF.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("wasm malloc() failed: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("wasm malloc(%d) returned NULL", size)
	}
	return ptr, nil
}

func (t *Tiano) free(ctx context.Context, ptr uint32) {
	t.freeF.Call(ctx, uint64(ptr))
}

func (t *Tiano) write(ctx context.Context, ptr uint32, data []byte) error {
	if !t.module.Memory().Write(ctx, ptr, data) {
		return fmt.Errorf("wasm memory write at %x failed", ptr)
	}
	return nil
}

func (t *Tiano) read(ctx context.Context, ptr uint32, size int) ([]byte, error) {
	res, ok := t.module.Memory().Read(ctx, ptr, uint32(size))
	if !ok {
		return nil, fmt.Errorf("wasm memory read at %x failed", ptr)
	}
	res2 := make([]byte, len(res))
	copy(res2, res)
	return res2, nil
}

func edk2Error(code int32) error {
	switch code {
	case 0:
		return nil
	case 2:
		return errors.New("invalid parameter")
	case 5:
		return errors.New("buffer too small")
	case 9:
		return errors.New("out of resources")
	default:
		return fmt.Errorf("unknown (%d)", code)
	}
}

// Decompress using Tiano compression algorithm from EDK2.
func (t *Tiano) Decompress(in []byte) ([]byte, error) {
	dstSize, err := ExpectedSize(in)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ctxC := context.WithCancel(context.Background())
	defer ctxC()

	inPtr, err := t.malloc(ctx, len(in))
	if err != nil {
		return nil, err
	}
	defer t.free(ctx, inPtr)
	if err := t.write(ctx, inPtr, in); err != nil {
		return nil, err
	}

	outPtr, err := t.malloc(ctx, int(dstSize))
	if err != nil {
		return nil, err
	}
	defer t.free(ctx, outPtr)

	scratchPtr, err := t.malloc(ctx, scratchSize)
	if err != nil {
		return nil, err
	}
	defer t.free(ctx, scratchPtr)

	results, err := t.decompressF.Call(ctx, uint64(inPtr), uint64(len(in)), uint64(outPtr), uint64(dstSize), uint64(scratchPtr), scratchSize)
	if err != nil {
		return nil, fmt.Errorf("wasm TianoDecompress() failed: %w", err)
	}
	if err := edk2Error(int32(results[0])); err != nil {
		return nil, fmt.Errorf("TianoDecompress: %w", err)
	}
	return t.read(ctx, outPtr, int(dstSize))
}

// Compress using Tiano compression algorithm from EDK2.
func (t *Tiano) Compress(in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrEmptyInput
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ctxC := context.WithCancel(context.Background())
	defer ctxC()

	inPtr, err := t.malloc(ctx, len(in))
	if err != nil {
		return nil, err
	}
	defer t.free(ctx, inPtr)
	if err := t.write(ctx, inPtr, in); err != nil {
		return nil, err
	}

	// Tiano output is bounded by the input size plus its header.
	outCap := len(in) + 8
	outPtr, err := t.malloc(ctx, outCap)
	if err != nil {
		return nil, err
	}
	defer t.free(ctx, outPtr)

	outSizePtr, err := t.malloc(ctx, 4)
	if err != nil {
		return nil, err
	}
	defer t.free(ctx, outSizePtr)
	sizeBuf := bytes.NewBuffer(nil)
	binary.Write(sizeBuf, binary.LittleEndian, uint32(outCap))
	if err := t.write(ctx, outSizePtr, sizeBuf.Bytes()); err != nil {
		return nil, err
	}

	results, err := t.compressF.Call(ctx, uint64(inPtr), uint64(len(in)), uint64(outPtr), uint64(outSizePtr))
	if err != nil {
		return nil, fmt.Errorf("wasm TianoCompress() failed: %w", err)
	}
	if err := edk2Error(int32(results[0])); err != nil {
		return nil, fmt.Errorf("TianoCompress: %w", err)
	}

	outSize, err := t.read(ctx, outSizePtr, 4)
	if err != nil {
		return nil, err
	}
	return t.read(ctx, outPtr, int(binary.LittleEndian.Uint32(outSize)))
}
