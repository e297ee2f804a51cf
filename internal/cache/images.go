package cache

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/samcharles93/offload/internal/kernel"
)

// ImageKey builds the composite key of the image cache: the device
// architecture string followed by the kernel name.
func ImageKey(arch, kernelName string) string {
	return arch + "-" + kernelName
}

// Images caches compiled kernel images per (architecture, kernel name). It is
// shared by every device of a plugin; devices with the same architecture reuse
// each other's images.
type Images struct {
	list   *list[*kernel.Image]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewImages returns an empty image cache.
func NewImages() *Images {
	return &Images{list: newList[*kernel.Image]()}
}

// Get returns the first cached image under (arch, k.Name) whose descriptor
// matches k.
func (c *Images) Get(arch string, k kernel.Key) (*kernel.Image, bool) {
	_, img, ok := c.list.get(ImageKey(arch, k.Name), k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return img, ok
}

// Insert stores img unless a cached image already matches its snapshot. The cached
// image is returned either way, so two racing specializations of the same
// shape converge on one artifact.
func (c *Images) Insert(arch string, img *kernel.Image) (*kernel.Image, bool) {
	return c.insertKey(ImageKey(arch, img.Kernel.Name()), img)
}

func (c *Images) insertKey(key string, img *kernel.Image) (*kernel.Image, bool) {
	return c.list.insert(key, img.Kernel, img)
}

// Len returns the number of cached images.
func (c *Images) Len() int { return c.list.len() }

// Reset drops every cached image.
func (c *Images) Reset() { c.list.reset() }

// Stats summarises cache effectiveness.
type Stats struct {
	Images int   `json:"images"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func (c *Images) Stats() Stats {
	return Stats{Images: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Entry describes one cached image for diagnostics.
type Entry struct {
	Key        string   `json:"key"`
	Kernel     string   `json:"kernel"`
	NumTeams   uint32   `json:"num_teams"`
	NumThreads uint32   `json:"num_threads"`
	Args       []string `json:"args"`
	Mask       []string `json:"mask"`
	Bytes      int      `json:"bytes"`
}

// Entries lists the cached images sorted by key, preserving insertion order
// within a key.
func (c *Images) Entries() []Entry {
	var out []Entry
	c.list.each(func(key string, s kernel.Specialized, img *kernel.Image) {
		out = append(out, Entry{
			Key:        key,
			Kernel:     s.Name(),
			NumTeams:   s.NumTeams(),
			NumThreads: s.NumThreads(),
			Args:       hexWords(s.Args()),
			Mask:       hexWords(s.Mask()),
			Bytes:      len(img.Data),
		})
	})
	slices.SortStableFunc(out, func(a, b Entry) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

func hexWords(ws []uint64) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = fmt.Sprintf("%#x", w)
	}
	return out
}

// Tables caches loaded entry tables by kernel name. T is the table type of
// the caller; entries remain valid for as long as the module that produced
// them stays loaded.
type Tables[T any] struct {
	list *list[T]
}

// NewTables returns an empty table cache.
func NewTables[T any]() *Tables[T] {
	return &Tables[T]{list: newList[T]()}
}

// Get returns the first table whose descriptor matches k.
func (c *Tables[T]) Get(k kernel.Key) (T, bool) {
	_, t, ok := c.list.get(k.Name, k)
	return t, ok
}

// Insert stores t for s unless an equivalent descriptor is already present,
// in which case the existing table is returned.
func (c *Tables[T]) Insert(s kernel.Specialized, t T) (T, bool) {
	return c.list.insert(s.Name(), s, t)
}

// Len returns the number of cached tables.
func (c *Tables[T]) Len() int { return c.list.len() }
