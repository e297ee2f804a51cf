// Package api serves a read-mostly HTTP view of an offload plugin: device
// descriptions, the launch-time image cache and cache flushes.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/version"
	"github.com/samcharles93/offload/pkg/offload"
)

// Runtime is the part of the plugin the API exposes.
type Runtime interface {
	Backend() string
	NumDevices() int
	DeviceInfo(id int) (offload.DeviceInfo, error)
	CacheFile() string
	Images() []cache.Entry
	ImageStats() cache.Stats
	FlushImageCache() error
}

// DefaultFlushInterval is the minimum spacing of cache flushes.
const DefaultFlushInterval = 10 * time.Second

const headerRequestID = "X-Request-Id"

type Options struct {
	Logger logger.Logger
	// FlushInterval rate-limits POST /v1/cache/flush; a negative value
	// disables the limit.
	FlushInterval time.Duration
	Store         *FlushStore
}

type Server struct {
	rt      Runtime
	log     logger.Logger
	store   *FlushStore
	limiter *rate.Limiter
	clock   func() time.Time
}

func NewServer(rt Runtime, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	store := opts.Store
	if store == nil {
		store = NewFlushStore(0)
	}
	interval := opts.FlushInterval
	if interval == 0 {
		interval = DefaultFlushInterval
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &Server{
		rt:      rt,
		log:     logger.Component(log, "api"),
		store:   store,
		limiter: limiter,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)

	e.GET("/healthz", s.handleHealth)

	e.GET("/v1/devices", s.handleListDevices)
	e.GET("/v1/devices/:id", s.handleGetDevice)

	e.GET("/v1/cache/images", s.handleListImages)
	e.POST("/v1/cache/flush", s.handleFlush)
	e.GET("/v1/cache/flushes", s.handleListFlushes)
	e.GET("/v1/cache/flushes/:id", s.handleGetFlush)
}

// requestID tags every request and response with an ID, keeping one the
// client supplied.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			c.Request().Header.Set(headerRequestID, id)
		}
		c.Response().Header().Set(headerRequestID, id)
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Backend: s.rt.Backend(),
		Devices: s.rt.NumDevices(),
	})
}

func (s *Server) handleListDevices(c *echo.Context) error {
	n := s.rt.NumDevices()
	resp := DevicesResponse{
		Object:  "list",
		Backend: s.rt.Backend(),
		Data:    make([]DeviceStatus, 0, n),
	}
	for id := range n {
		st, err := s.deviceStatus(id)
		if err != nil {
			return s.writeDeviceError(c, id, err)
		}
		resp.Data = append(resp.Data, st)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetDevice(c *echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		return writeBadRequest(c, fmt.Sprintf("invalid device id %q", c.Param("id")))
	}
	if id >= s.rt.NumDevices() {
		return writeNotFound(c, fmt.Sprintf("device %d not found", id))
	}
	st, err := s.deviceStatus(id)
	if err != nil {
		return s.writeDeviceError(c, id, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) deviceStatus(id int) (DeviceStatus, error) {
	info, err := s.rt.DeviceInfo(id)
	if errors.Is(err, offload.ErrNotInitialized) {
		return DeviceStatus{ID: id}, nil
	}
	if err != nil {
		return DeviceStatus{}, err
	}
	return DeviceStatus{ID: id, Initialized: true, Info: &info}, nil
}

func (s *Server) writeDeviceError(c *echo.Context, id int, err error) error {
	switch {
	case errors.Is(err, offload.ErrInvalidDevice):
		return writeNotFound(c, err.Error())
	case errors.Is(err, offload.ErrClosed):
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", err.Error(), "", "closed")
	default:
		s.log.Error("device query failed", "device", id, "request_id", c.Request().Header.Get(headerRequestID), "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func (s *Server) handleListImages(c *echo.Context) error {
	entries := s.rt.Images()
	if entries == nil {
		entries = []cache.Entry{}
	}
	return c.JSON(http.StatusOK, ImagesResponse{
		Object: "list",
		File:   s.rt.CacheFile(),
		Stats:  s.rt.ImageStats(),
		Data:   entries,
	})
}

func (s *Server) handleFlush(c *echo.Context) error {
	req, err := decodeJSON[FlushRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "cache flush requested too frequently", "", "rate_limited")
	}

	file := s.rt.CacheFile()
	images := s.rt.ImageStats().Images
	flushErr := s.rt.FlushImageCache()
	rec := s.store.Create(file, images, req.Note, flushErr, s.clock())
	if flushErr != nil {
		s.log.Error("cache flush failed", "file", file, "flush", rec.ID, "error", flushErr)
		return c.JSON(http.StatusInternalServerError, rec)
	}
	s.log.Info("cache flushed", "file", file, "images", images, "flush", rec.ID)
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListFlushes(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.store.List(),
	})
}

func (s *Server) handleGetFlush(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "flush not found")
	}
	return c.JSON(http.StatusOK, rec)
}
