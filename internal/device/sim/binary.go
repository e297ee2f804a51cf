package sim

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/samcharles93/offload/internal/device"
)

// BinaryMagic prefixes every native sim image.
var BinaryMagic = []byte("OFBN")

const binaryVersion = 1

var errBinary = errors.New("sim: malformed binary")

// Binary is a native sim image.
type Binary struct {
	Version int         `msgpack:"v"`
	Arch    string      `msgpack:"arch"`
	Kernels []BinKernel `msgpack:"kernels"`
	Globals []BinGlobal `msgpack:"globals"`
}

// Const is a parameter whose value was baked into the kernel.
type Const struct {
	Index int    `msgpack:"i"`
	Value uint64 `msgpack:"v"`
}

// Hint is an alignment the kernel was compiled to assume for a parameter.
type Hint struct {
	Index int    `msgpack:"i"`
	Align uint64 `msgpack:"a"`
}

// BinKernel is a compiled kernel entry.
type BinKernel struct {
	Name      string  `msgpack:"name"`
	Body      string  `msgpack:"body"`
	NumParams int     `msgpack:"nparams"`
	Mode      int8    `msgpack:"mode"`
	Consts    []Const `msgpack:"consts,omitempty"`
	Aligns    []Hint  `msgpack:"aligns,omitempty"`
	// NumTeams and NumThreads are baked launch sizes, 0 when dynamic.
	NumTeams     int `msgpack:"teams,omitempty"`
	NumThreads   int `msgpack:"threads,omitempty"`
	MaxRegisters int `msgpack:"regs,omitempty"`
	MaxThreads   int `msgpack:"max_threads,omitempty"`
}

// BinGlobal is a module global. Hidden globals exist on the device but are
// not exported for symbol lookup.
type BinGlobal struct {
	Name   string `msgpack:"name"`
	Size   int    `msgpack:"size"`
	Init   []byte `msgpack:"init,omitempty"`
	Hidden bool   `msgpack:"hidden,omitempty"`
}

// IsBinary reports whether image carries the sim binary magic.
func IsBinary(image []byte) bool {
	return bytes.HasPrefix(image, BinaryMagic)
}

// EncodeBinary serialises b.
func EncodeBinary(b *Binary) ([]byte, error) {
	out := *b
	if out.Version == 0 {
		out.Version = binaryVersion
	}
	body, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("sim: encode binary: %w", err)
	}
	return append(bytes.Clone(BinaryMagic), body...), nil
}

// DecodeBinary parses a native sim image.
func DecodeBinary(image []byte) (*Binary, error) {
	if !IsBinary(image) {
		return nil, fmt.Errorf("%w: %w: missing magic", device.ErrInvalidImage, errBinary)
	}
	var b Binary
	if err := msgpack.Unmarshal(image[len(BinaryMagic):], &b); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", device.ErrInvalidImage, errBinary, err)
	}
	if b.Version != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported sim binary version %d", device.ErrInvalidImage, b.Version)
	}
	for _, g := range b.Globals {
		if g.Size < 0 || len(g.Init) > g.Size {
			return nil, fmt.Errorf("%w: %w: global %s initializer is %d bytes for size %d", device.ErrInvalidImage, errBinary, g.Name, len(g.Init), g.Size)
		}
	}
	return &b, nil
}
