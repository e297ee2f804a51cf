package kernel

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/offload/internal/binio"
)

func mustSpecialize(t *testing.T, k Key, mask []uint64) Specialized {
	t.Helper()
	s, err := k.Specialize(mask)
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	return s
}

func TestMatchesIgnoresMaskedOutBits(t *testing.T) {
	t.Parallel()

	cached := Key{Name: "saxpy", NumTeams: 4, NumThreads: 128, Args: []uint64{0x7f000000, 0x7f001000, 42}}
	s := mustSpecialize(t, cached, []uint64{0x7f, 0x7f, FullMask})

	tests := []struct {
		name string
		args []uint64
		want bool
	}{
		{"identical", []uint64{0x7f000000, 0x7f001000, 42}, true},
		{"different high address bits", []uint64{0x11000000, 0x22003000, 42}, true},
		{"misaligned pointer", []uint64{0x7f000008, 0x7f001000, 42}, false},
		{"different scalar", []uint64{0x7f000000, 0x7f001000, 43}, false},
	}
	for _, tc := range tests {
		k := Key{Name: "saxpy", NumTeams: 4, NumThreads: 128, Args: tc.args}
		if got := s.Matches(k); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchesShortCircuitsOnShape(t *testing.T) {
	t.Parallel()

	base := Key{Name: "k", NumTeams: 1, NumThreads: 32, Args: []uint64{1}}
	s := mustSpecialize(t, base, []uint64{0})

	mismatches := []Key{
		{Name: "other", NumTeams: 1, NumThreads: 32, Args: []uint64{1}},
		{Name: "k", NumTeams: 2, NumThreads: 32, Args: []uint64{1}},
		{Name: "k", NumTeams: 1, NumThreads: 64, Args: []uint64{1}},
		{Name: "k", NumTeams: 1, NumThreads: 32, Args: []uint64{1, 2}},
		{Name: "k", NumTeams: 1, NumThreads: 32},
	}
	for i, k := range mismatches {
		if s.Matches(k) {
			t.Errorf("case %d: expected mismatch for %+v", i, k)
		}
	}
	if !s.Matches(Key{Name: "k", NumTeams: 1, NumThreads: 32, Args: []uint64{999}}) {
		t.Error("zero mask should accept any value")
	}
}

func TestMatchUsesCachedSideMaskOnly(t *testing.T) {
	t.Parallel()

	// Only the low byte of the cached entry is significant. The probe is a raw
	// key and carries no mask of its own.
	s := mustSpecialize(t, Key{Name: "k", Args: []uint64{0x1234}}, []uint64{0xff})
	if !s.Matches(Key{Name: "k", Args: []uint64{0xab34}}) {
		t.Fatal("expected match on low byte")
	}
}

func TestSpecializeCopiesBorrowedArgs(t *testing.T) {
	t.Parallel()

	args := []uint64{1, 2}
	k := NewKey("k")
	k.SetArgs(args)
	mask := []uint64{FullMask, FullMask}
	s := mustSpecialize(t, k, mask)

	args[0] = 100
	mask[1] = 0
	if got := s.Args(); got[0] != 1 {
		t.Fatalf("specialized descriptor aliases caller args: %v", got)
	}
	if got := s.Mask(); got[1] != FullMask {
		t.Fatalf("specialized descriptor aliases caller mask: %v", got)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSpecializeRejectsMaskLengthMismatch(t *testing.T) {
	t.Parallel()

	_, err := Key{Name: "k", Args: []uint64{1, 2}}.Specialize([]uint64{1})
	if !errors.Is(err, ErrMaskLength) {
		t.Fatalf("expected ErrMaskLength, got %v", err)
	}
}

func TestSpecializeRejectsNULName(t *testing.T) {
	t.Parallel()

	_, err := Key{Name: "k\x00tail", Args: []uint64{1}}.Specialize([]uint64{FullMask})
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestDescriptorRoundTripAndSize(t *testing.T) {
	t.Parallel()

	s := mustSpecialize(t,
		Key{Name: "__omp_offloading_fd02_main_l12", NumTeams: 80, NumThreads: 256, Args: []uint64{0xdead0000, 7, 1 << 63}},
		[]uint64{0x7f, FullMask, 0})

	w := binio.NewWriter(0)
	if n := s.MarshalTo(w); n != s.Size() {
		t.Fatalf("Size()=%d but MarshalTo wrote %d bytes", s.Size(), n)
	}

	got, err := UnmarshalSpecialized(binio.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("UnmarshalSpecialized: %v", err)
	}
	if got.Name() != s.Name() || got.NumTeams() != 80 || got.NumThreads() != 256 {
		t.Fatalf("header mismatch: %+v", got.Key())
	}
	if !slices.Equal(got.Args(), s.Args()) || !slices.Equal(got.Mask(), s.Mask()) {
		t.Fatalf("args/mask mismatch: %v %v", got.Args(), got.Mask())
	}
}

func TestImageRoundTripAndSize(t *testing.T) {
	t.Parallel()

	s := mustSpecialize(t, Key{Name: "k", NumThreads: 64, Args: []uint64{5}}, []uint64{FullMask})
	img := &Image{Kernel: s, Data: []byte("compiled-bytes")}

	raw := img.Marshal()
	if len(raw) != img.Size() {
		t.Fatalf("Size()=%d, encoded %d", img.Size(), len(raw))
	}
	if raw[len(raw)-1] != 0 {
		t.Fatal("missing trailing NUL")
	}

	r := binio.NewReader(raw)
	got, err := UnmarshalImage(r)
	if err != nil {
		t.Fatalf("UnmarshalImage: %v", err)
	}
	if string(got.Data) != "compiled-bytes" {
		t.Fatalf("data mismatch: %q", got.Data)
	}
	if !got.Kernel.Covers(s) {
		t.Fatal("decoded descriptor does not cover the original")
	}
	if r.Len() != 0 {
		t.Fatalf("%d trailing bytes", r.Len())
	}

	raw[len(raw)-2] = 'X'
	if got.Data[len(got.Data)-1] != 's' {
		t.Fatal("decoded image aliases the input buffer")
	}
}

func TestUnmarshalImageRejectsTruncation(t *testing.T) {
	t.Parallel()

	s := mustSpecialize(t, Key{Name: "k", Args: []uint64{1, 2}}, []uint64{0, 0})
	raw := (&Image{Kernel: s, Data: []byte{1, 2, 3, 4}}).Marshal()
	for cut := range len(raw) {
		if _, err := UnmarshalImage(binio.NewReader(raw[:cut])); err == nil {
			t.Fatalf("truncation at %d accepted", cut)
		}
	}
}

func TestExecMode(t *testing.T) {
	t.Parallel()

	for _, b := range []int8{1, 2, 3} {
		m, err := ParseExecMode(b)
		if err != nil {
			t.Fatalf("ParseExecMode(%d): %v", b, err)
		}
		if m.String() == "" {
			t.Fatal("empty mode string")
		}
	}
	if _, err := ParseExecMode(0); !errors.Is(err, ErrUnknownExecMode) {
		t.Fatalf("mode 0: %v", err)
	}
	if ExecGeneric.IsSPMD() || !ExecGenericSPMD.IsSPMD() {
		t.Fatal("IsSPMD bit test wrong")
	}
	if ExecModeSymbol("k") != "k_exec_mode" {
		t.Fatal("unexpected mode symbol")
	}
}
