package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/offload/internal/binio"
	"github.com/samcharles93/offload/internal/kernel"
)

var (
	// ErrCorruptFile reports a cache file that could not be decoded.
	ErrCorruptFile = errors.New("cache: corrupt cache file")
	// ErrTargetMismatch reports a cache file written for another target.
	ErrTargetMismatch = errors.New("cache: cache file target mismatch")
)

// lz4FrameMagic is the little-endian LZ4 frame magic number 0x184D2204.
var lz4FrameMagic = []byte{0x04, 0x22, 0x4d, 0x18}

// Snapshot is the decoded content of a cache file.
type Snapshot struct {
	Target string
	Keys   []string
	Images map[string][]*kernel.Image
}

// Len returns the number of images in the snapshot.
func (s *Snapshot) Len() int {
	n := 0
	for _, imgs := range s.Images {
		n += len(imgs)
	}
	return n
}

// Encode serialises every cached image for target. Keys are written in sorted
// order so identical caches produce identical files.
func (c *Images) Encode(target string) []byte {
	grouped := make(map[string][]*kernel.Image)
	c.list.each(func(key string, _ kernel.Specialized, img *kernel.Image) {
		grouped[key] = append(grouped[key], img)
	})
	keys := make([]string, 0, len(grouped))
	size := len(target) + 1 + 4
	for k, imgs := range grouped {
		keys = append(keys, k)
		size += len(k) + 1 + 4
		for _, img := range imgs {
			size += img.Size()
		}
	}
	slices.Sort(keys)

	w := binio.NewWriter(size)
	w.CString(target)
	w.Int32(int32(len(keys)))
	for _, k := range keys {
		w.CString(k)
		w.Int32(int32(len(grouped[k])))
		for _, img := range grouped[k] {
			img.MarshalTo(w)
		}
	}
	return w.Bytes()
}

// MaxDecompressedSize bounds the decompressed body of a cache file.
const MaxDecompressedSize = 1 << 30

// Decode parses a cache file body. Compressed bodies are detected by the LZ4
// frame magic. A zero-length body decodes to an empty snapshot.
func Decode(data []byte) (*Snapshot, error) {
	return decode(data, MaxDecompressedSize)
}

func decode(data []byte, limit int64) (*Snapshot, error) {
	snap := &Snapshot{Images: make(map[string][]*kernel.Image)}
	if len(data) == 0 {
		return snap, nil
	}
	if bytes.HasPrefix(data, lz4FrameMagic) {
		plain, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), limit+1))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrCorruptFile, err)
		}
		if int64(len(plain)) > limit {
			return nil, fmt.Errorf("%w: decompressed body exceeds %d bytes", ErrCorruptFile, limit)
		}
		data = plain
	}

	r := binio.NewReader(data)
	target, err := r.CString()
	if err != nil {
		return nil, fmt.Errorf("%w: target: %w", ErrCorruptFile, err)
	}
	snap.Target = target
	nkeys, err := r.Count(5)
	if err != nil {
		return nil, fmt.Errorf("%w: key count: %w", ErrCorruptFile, err)
	}
	for range nkeys {
		key, err := r.CString()
		if err != nil {
			return nil, fmt.Errorf("%w: key: %w", ErrCorruptFile, err)
		}
		nimgs, err := r.Count(1)
		if err != nil {
			return nil, fmt.Errorf("%w: image count for %s: %w", ErrCorruptFile, key, err)
		}
		if _, dup := snap.Images[key]; !dup {
			snap.Keys = append(snap.Keys, key)
		}
		for i := range nimgs {
			img, err := kernel.UnmarshalImage(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %s image %d: %w", ErrCorruptFile, key, i, err)
			}
			snap.Images[key] = append(snap.Images[key], img)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFile, r.Len())
	}
	return snap, nil
}

// Load reads the cache file at path and adds its images for target. Nothing
// is added unless the whole file decodes. A missing file is not an error.
func (c *Images) Load(path, target string) (int, error) {
	data, release, err := readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer release()

	snap, err := Decode(data)
	if err != nil {
		return 0, err
	}
	if snap.Len() == 0 {
		return 0, nil
	}
	if snap.Target != target {
		return 0, fmt.Errorf("%w: file %q, runtime %q", ErrTargetMismatch, snap.Target, target)
	}
	n := 0
	for _, key := range snap.Keys {
		for _, img := range snap.Images[key] {
			if _, inserted := c.insertKey(key, img); inserted {
				n++
			}
		}
	}
	return n, nil
}

// Save writes the cache to path, replacing any existing file atomically.
func (c *Images) Save(path, target string, compress bool) error {
	body := c.Encode(target)
	if compress {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("cache: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("cache: compress: %w", err)
		}
		body = buf.Bytes()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := writeFull(tmp, body); err != nil {
		return cleanup(fmt.Errorf("cache: write %s: %w", tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("cache: rename to %s: %w", path, err)
	}
	return nil
}

// ReadSnapshot decodes the cache file at path without touching any cache.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, release, err := readFile(path)
	if err != nil {
		return nil, err
	}
	defer release()
	return Decode(data)
}

// readFile maps path read-only. If mmap is unavailable it falls back to
// ReadAt-based loading. release must be called once the data is no longer
// referenced.
func readFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, nil, ErrCorruptFile
	}
	size := int(size64)
	if size == 0 {
		return nil, func() {}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, func() { _ = unix.Munmap(data) }, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, nil, err
	}
	return data, func() {}, nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
