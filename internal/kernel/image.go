package kernel

import (
	"fmt"

	"github.com/samcharles93/offload/internal/binio"
)

// Image is a compiled device binary together with the descriptor it was
// specialized for. Data is owned by whoever holds the Image, normally a cache
// entry.
type Image struct {
	Kernel Specialized
	Data   []byte
}

// Size returns the encoded length: descriptor, i64 length, data and a
// trailing NUL.
func (img *Image) Size() int {
	return img.Kernel.Size() + 8 + len(img.Data) + 1
}

// MarshalTo appends the image encoding to w and returns the cursor.
func (img *Image) MarshalTo(w *binio.Writer) int {
	img.Kernel.MarshalTo(w)
	w.Int64(int64(len(img.Data)))
	w.Write(img.Data)
	w.Write([]byte{0})
	return w.Len()
}

// Marshal returns the image encoding.
func (img *Image) Marshal() []byte {
	w := binio.NewWriter(img.Size())
	img.MarshalTo(w)
	return w.Bytes()
}

// UnmarshalImage decodes an image written by MarshalTo. The image bytes are
// copied so the result does not alias r's buffer.
func UnmarshalImage(r *binio.Reader) (*Image, error) {
	k, err := UnmarshalSpecialized(r)
	if err != nil {
		return nil, err
	}
	n, err := r.Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: image length: %w", ErrCorrupt, err)
	}
	if n < 0 || n >= int64(r.Len()) {
		return nil, fmt.Errorf("%w: image length %d with %d bytes left", ErrCorrupt, n, r.Len())
	}
	raw, err := r.Bytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: image data: %w", ErrCorrupt, err)
	}
	term, err := r.Bytes(1)
	if err != nil || term[0] != 0 {
		return nil, fmt.Errorf("%w: missing image terminator", ErrCorrupt)
	}
	data := make([]byte, n)
	copy(data, raw)
	return &Image{Kernel: k, Data: data}, nil
}
