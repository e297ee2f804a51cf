// Package kernel defines the descriptors used to key compiled kernel
// variants, their matching rules and their flat binary encoding.
//
// A Key is the exact shape of one launch request. A Specialized descriptor is
// a Key whose argument words were snapshotted together with a mask of the bits
// that the compiled variant depends on. Matching is only defined from the
// Specialized side: the cached descriptor's mask decides which bits of a new
// Key are compared.
package kernel

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/offload/internal/binio"
)

// FullMask marks every bit of an argument as significant.
const FullMask = ^uint64(0)

var (
	// ErrMaskLength reports a mask whose length differs from the argument count.
	ErrMaskLength = errors.New("kernel: mask length does not match argument count")
	// ErrCorrupt reports a descriptor that could not be decoded.
	ErrCorrupt = errors.New("kernel: corrupt descriptor")
	// ErrInvalidName reports a kernel name the descriptor encoding cannot
	// carry.
	ErrInvalidName = errors.New("kernel: invalid kernel name")
)

// Key is the raw, exact description of a launch request. Args is a borrowed
// view of the caller's argument words until Specialize copies it.
type Key struct {
	Name       string
	NumTeams   uint32
	NumThreads uint32
	Args       []uint64
}

// NewKey returns a Key for the named kernel with no arguments.
func NewKey(name string) Key {
	return Key{Name: name}
}

// SetArgs records args without copying.
func (k *Key) SetArgs(args []uint64) {
	k.Args = args
}

// Equal reports exact equality of two raw keys.
func (k Key) Equal(o Key) bool {
	return k.Name == o.Name &&
		k.NumTeams == o.NumTeams &&
		k.NumThreads == o.NumThreads &&
		slices.Equal(k.Args, o.Args)
}

// Specialize snapshots the argument words into owned storage and attaches
// mask. The returned descriptor shares no memory with k or mask.
func (k Key) Specialize(mask []uint64) (Specialized, error) {
	// Names are encoded NUL-terminated.
	if strings.IndexByte(k.Name, 0) >= 0 {
		return Specialized{}, fmt.Errorf("%w: %q contains NUL", ErrInvalidName, k.Name)
	}
	if len(mask) != len(k.Args) {
		return Specialized{}, fmt.Errorf("%w: %d mask words for %d arguments", ErrMaskLength, len(mask), len(k.Args))
	}
	owned := k
	owned.Args = slices.Clone(k.Args)
	if owned.Args == nil {
		owned.Args = []uint64{}
	}
	m := slices.Clone(mask)
	if m == nil {
		m = []uint64{}
	}
	return Specialized{key: owned, mask: m}, nil
}

// FullMaskFor returns a mask of n fully significant words.
func FullMaskFor(n int) []uint64 {
	m := make([]uint64, n)
	for i := range m {
		m[i] = FullMask
	}
	return m
}

// Specialized is a Key bound to the argument mask of a compiled variant. It
// is immutable once constructed.
type Specialized struct {
	key  Key
	mask []uint64
}

func (s Specialized) Name() string       { return s.key.Name }
func (s Specialized) NumTeams() uint32   { return s.key.NumTeams }
func (s Specialized) NumThreads() uint32 { return s.key.NumThreads }
func (s Specialized) NumArgs() int       { return len(s.key.Args) }

// Args returns a copy of the snapshotted argument words.
func (s Specialized) Args() []uint64 { return slices.Clone(s.key.Args) }

// Mask returns a copy of the argument mask.
func (s Specialized) Mask() []uint64 { return slices.Clone(s.mask) }

// Key returns a copy of the raw key the descriptor was built from.
func (s Specialized) Key() Key {
	k := s.key
	k.Args = slices.Clone(s.key.Args)
	return k
}

// Validate checks the mask/argument length invariant.
func (s Specialized) Validate() error {
	if len(s.mask) != len(s.key.Args) {
		return ErrMaskLength
	}
	return nil
}

// Matches reports whether k can reuse the variant described by s. Name,
// team and thread counts and argument count must be identical; then every
// argument must agree with the snapshot on the bits selected by s's mask.
func (s Specialized) Matches(k Key) bool {
	if s.key.Name != k.Name {
		return false
	}
	if s.key.NumTeams != k.NumTeams || s.key.NumThreads != k.NumThreads {
		return false
	}
	if len(s.key.Args) != len(k.Args) {
		return false
	}
	for i, m := range s.mask {
		if s.key.Args[i]&m != k.Args[i]&m {
			return false
		}
	}
	return true
}

// Covers reports whether o describes the same variant as s: o's snapshot
// matches s and both carry the same mask.
func (s Specialized) Covers(o Specialized) bool {
	return s.Matches(o.key) && slices.Equal(s.mask, o.mask)
}

// Size returns the encoded length of the descriptor in bytes.
func (s Specialized) Size() int {
	n := len(s.key.Name) + 1 // name + NUL
	n += 4 * 3               // teams, threads, argument count
	n += 8 * len(s.key.Args) // arguments
	n += 8 * len(s.mask)     // mask
	return n
}

// MarshalTo appends the descriptor encoding to w and returns the cursor.
func (s Specialized) MarshalTo(w *binio.Writer) int {
	w.CString(s.key.Name)
	w.Uint32(s.key.NumTeams)
	w.Uint32(s.key.NumThreads)
	w.Uint32(uint32(len(s.key.Args)))
	for _, a := range s.key.Args {
		w.Uint64(a)
	}
	for _, m := range s.mask {
		w.Uint64(m)
	}
	return w.Len()
}

// UnmarshalSpecialized decodes a descriptor written by MarshalTo.
func UnmarshalSpecialized(r *binio.Reader) (Specialized, error) {
	name, err := r.CString()
	if err != nil {
		return Specialized{}, fmt.Errorf("%w: name: %w", ErrCorrupt, err)
	}
	teams, err := r.Uint32()
	if err != nil {
		return Specialized{}, fmt.Errorf("%w: teams: %w", ErrCorrupt, err)
	}
	threads, err := r.Uint32()
	if err != nil {
		return Specialized{}, fmt.Errorf("%w: threads: %w", ErrCorrupt, err)
	}
	nargs, err := r.Uint32()
	if err != nil {
		return Specialized{}, fmt.Errorf("%w: argument count: %w", ErrCorrupt, err)
	}
	if uint64(nargs)*16 > uint64(r.Len()) {
		return Specialized{}, fmt.Errorf("%w: %d arguments exceed remaining input", ErrCorrupt, nargs)
	}
	args := make([]uint64, nargs)
	for i := range args {
		if args[i], err = r.Uint64(); err != nil {
			return Specialized{}, fmt.Errorf("%w: argument %d: %w", ErrCorrupt, i, err)
		}
	}
	mask := make([]uint64, nargs)
	for i := range mask {
		if mask[i], err = r.Uint64(); err != nil {
			return Specialized{}, fmt.Errorf("%w: mask %d: %w", ErrCorrupt, i, err)
		}
	}
	return Specialized{
		key:  Key{Name: name, NumTeams: teams, NumThreads: threads, Args: args},
		mask: mask,
	}, nil
}
