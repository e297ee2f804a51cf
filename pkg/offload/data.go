package offload

import (
	"fmt"

	"github.com/samcharles93/offload/internal/alloc"
	"github.com/samcharles93/offload/internal/device"
)

// DataAlloc allocates size bytes of kind on device id. Default and Device
// allocations go through the memory manager when it is enabled. A zero size
// returns a nil pointer.
func (p *Plugin) DataAlloc(id int, size int64, kind AllocKind) (device.Ptr, error) {
	d, err := p.ready(id)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	if size < 0 {
		return 0, fmt.Errorf("offload: negative allocation size %d", size)
	}
	var ptr device.Ptr
	if d.mm != nil && (kind == alloc.Default || kind == alloc.Device) {
		ptr, err = d.mm.Allocate(size)
	} else {
		ptr, err = d.alloc.Alloc(size, kind)
	}
	if err != nil {
		p.log.Error("allocation failed", "device", id, "size", size, "kind", kind.String(), "error", err)
		return 0, fmt.Errorf("offload: device %d: alloc %d bytes: %w", id, size, err)
	}
	return ptr, nil
}

// DataDelete frees memory returned by DataAlloc.
func (p *Plugin) DataDelete(id int, ptr device.Ptr) error {
	d, err := p.ready(id)
	if err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	if d.mm != nil && d.mm.Owns(ptr) {
		err = d.mm.Free(ptr)
	} else {
		err = d.alloc.Free(ptr)
	}
	if err != nil {
		return fmt.Errorf("offload: device %d: free %#x: %w", id, uintptr(ptr), err)
	}
	return nil
}

// DataSubmit copies src to device memory at dst and waits for the copy.
func (p *Plugin) DataSubmit(id int, dst device.Ptr, src []byte) error {
	return p.sync(id, func(info *AsyncInfo) error {
		return p.DataSubmitAsync(id, dst, src, info)
	})
}

// DataSubmitAsync enqueues a host to device copy on info's stream.
func (p *Plugin) DataSubmitAsync(id int, dst device.Ptr, src []byte, info *AsyncInfo) error {
	d, s, err := p.queue(id, info)
	if err != nil {
		return err
	}
	if err := d.ctx.CopyHtoDAsync(dst, src, s); err != nil {
		p.log.Error("host to device copy failed", "device", id, "dst", fmt.Sprintf("%#x", uintptr(dst)), "size", len(src), "async", info.ID, "error", err)
		return err
	}
	return nil
}

// DataRetrieve copies device memory at src into dst and waits for the copy.
func (p *Plugin) DataRetrieve(id int, dst []byte, src device.Ptr) error {
	return p.sync(id, func(info *AsyncInfo) error {
		return p.DataRetrieveAsync(id, dst, src, info)
	})
}

// DataRetrieveAsync enqueues a device to host copy on info's stream. dst must
// stay untouched until the stream is synchronized.
func (p *Plugin) DataRetrieveAsync(id int, dst []byte, src device.Ptr, info *AsyncInfo) error {
	d, s, err := p.queue(id, info)
	if err != nil {
		return err
	}
	if err := d.ctx.CopyDtoHAsync(dst, src, s); err != nil {
		p.log.Error("device to host copy failed", "device", id, "src", fmt.Sprintf("%#x", uintptr(src)), "size", len(dst), "async", info.ID, "error", err)
		return err
	}
	return nil
}

// DataExchange copies size bytes between devices and waits for the copy.
func (p *Plugin) DataExchange(srcID int, src device.Ptr, dstID int, dst device.Ptr, size int64) error {
	return p.sync(srcID, func(info *AsyncInfo) error {
		return p.DataExchangeAsync(srcID, src, dstID, dst, size, info)
	})
}

// DataExchangeAsync enqueues a device to device copy on the source device's
// stream. Across devices a peer copy is tried first; when peer access is not
// possible the copy falls back to a plain device to device copy.
func (p *Plugin) DataExchangeAsync(srcID int, src device.Ptr, dstID int, dst device.Ptr, size int64, info *AsyncInfo) error {
	sd, s, err := p.queue(srcID, info)
	if err != nil {
		return err
	}
	if srcID != dstID {
		dd, err := p.ready(dstID)
		if err != nil {
			return err
		}
		if p.peerCopy(sd, src, dd, dst, size, s) {
			return nil
		}
	}
	if err := sd.ctx.CopyDtoDAsync(dst, src, size, s); err != nil {
		p.log.Error("device to device copy failed", "device", srcID, "size", size, "async", info.ID, "error", err)
		return err
	}
	return nil
}

// peerCopy reports whether a peer copy was enqueued. Failures are logged and
// leave the caller to fall back.
func (p *Plugin) peerCopy(sd *deviceState, src device.Ptr, dd *deviceState, dst device.Ptr, size int64, s device.Stream) bool {
	log := p.log.With("src", sd.id, "dst", dd.id)
	ok, err := sd.ctx.CanAccessPeer(dd.ctx)
	if err != nil {
		log.Debug("peer access query failed", "error", err)
		return false
	}
	if !ok {
		log.Debug("peer copy not supported, falling back to device copy")
		return false
	}
	if err := sd.ctx.EnablePeerAccess(dd.ctx); err != nil {
		log.Debug("enabling peer access failed", "error", err)
		return false
	}
	if err := sd.ctx.CopyPeerAsync(dst, dd.ctx, src, size, s); err != nil {
		log.Debug("peer copy failed", "error", err)
		return false
	}
	return true
}

// Synchronize waits for info's stream to drain, then returns the stream to
// the pool. The stream is released even when the wait reports an error.
func (p *Plugin) Synchronize(id int, info *AsyncInfo) error {
	d, err := p.ready(id)
	if err != nil {
		return err
	}
	if info == nil || info.Queue == 0 {
		return nil
	}
	s := info.Queue
	err = d.ctx.SynchronizeStream(s)
	d.releaseStream(info)
	if err != nil {
		p.log.Error("stream synchronization failed", "device", id, "stream", uintptr(s), "async", info.ID, "error", err)
		return err
	}
	return nil
}

// ReleaseAsyncInfo returns info's stream without waiting for it.
func (p *Plugin) ReleaseAsyncInfo(id int, info *AsyncInfo) error {
	d, err := p.ready(id)
	if err != nil {
		return err
	}
	if info != nil {
		d.releaseStream(info)
	}
	return nil
}

// queue resolves the device and the stream of info.
func (p *Plugin) queue(id int, info *AsyncInfo) (*deviceState, device.Stream, error) {
	d, err := p.ready(id)
	if err != nil {
		return nil, 0, err
	}
	if info == nil {
		return nil, 0, fmt.Errorf("offload: nil async info")
	}
	if err := d.ctx.MakeCurrent(); err != nil {
		return nil, 0, err
	}
	s, err := d.stream(info)
	if err != nil {
		return nil, 0, err
	}
	return d, s, nil
}

// sync runs fn against a single-use AsyncInfo and synchronizes it. The
// stream is returned to the pool whether or not fn succeeded.
func (p *Plugin) sync(id int, fn func(*AsyncInfo) error) error {
	info := NewAsyncInfo()
	if err := fn(info); err != nil {
		if info.Queue != 0 {
			_ = p.Synchronize(id, info)
		}
		return err
	}
	return p.Synchronize(id, info)
}
