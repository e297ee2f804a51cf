package offload

import (
	"fmt"

	"github.com/google/uuid"
)

// CreateEvent takes an event from the device's pool.
func (p *Plugin) CreateEvent(id int) (*Event, error) {
	d, err := p.ready(id)
	if err != nil {
		return nil, err
	}
	h, err := d.events.Acquire()
	if err != nil {
		return nil, fmt.Errorf("offload: device %d: create event: %w", id, err)
	}
	return &Event{ID: uuid.New(), handle: h}, nil
}

// DestroyEvent returns ev to the pool.
func (p *Plugin) DestroyEvent(id int, ev *Event) error {
	d, err := p.ready(id)
	if err != nil {
		return err
	}
	if ev == nil || ev.handle == 0 {
		return nil
	}
	d.events.Release(ev.handle)
	ev.handle = 0
	return nil
}

// RecordEvent records ev at the current end of info's stream.
func (p *Plugin) RecordEvent(id int, ev *Event, info *AsyncInfo) error {
	d, s, err := p.queue(id, info)
	if err != nil {
		return err
	}
	if err := d.ctx.RecordEvent(ev.handle, s); err != nil {
		p.log.Error("record event failed", "device", id, "event", ev.ID, "async", info.ID, "error", err)
		return err
	}
	return nil
}

// WaitEvent makes info's stream wait for ev without blocking the host.
func (p *Plugin) WaitEvent(id int, ev *Event, info *AsyncInfo) error {
	d, s, err := p.queue(id, info)
	if err != nil {
		return err
	}
	if err := d.ctx.StreamWaitEvent(s, ev.handle); err != nil {
		p.log.Error("wait event failed", "device", id, "event", ev.ID, "async", info.ID, "error", err)
		return err
	}
	return nil
}

// SyncEvent blocks until ev completes.
func (p *Plugin) SyncEvent(id int, ev *Event) error {
	d, err := p.ready(id)
	if err != nil {
		return err
	}
	if err := d.ctx.SynchronizeEvent(ev.handle); err != nil {
		p.log.Error("event synchronization failed", "device", id, "event", ev.ID, "error", err)
		return err
	}
	return nil
}
