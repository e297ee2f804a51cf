package api

import (
	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/pkg/offload"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Backend string `json:"backend"`
	Devices int    `json:"devices"`
}

// DeviceStatus is one row of the device listing. Info is nil until the
// device has been initialized.
type DeviceStatus struct {
	ID          int                 `json:"id"`
	Initialized bool                `json:"initialized"`
	Info        *offload.DeviceInfo `json:"info,omitempty"`
}

type DevicesResponse struct {
	Object  string         `json:"object"`
	Backend string         `json:"backend"`
	Data    []DeviceStatus `json:"data"`
}

type ImagesResponse struct {
	Object string        `json:"object"`
	File   string        `json:"file,omitempty"`
	Stats  cache.Stats   `json:"stats"`
	Data   []cache.Entry `json:"data"`
}

type FlushRequest struct {
	Note string `json:"note,omitempty"`
}

// FlushRecord describes one write of the image cache to disk.
type FlushRecord struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	CreatedAt int64        `json:"created_at"`
	Status    string       `json:"status"`
	File      string       `json:"file,omitempty"`
	Images    int          `json:"images"`
	Note      string       `json:"note,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
