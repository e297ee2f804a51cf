package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/offload/internal/cache"
	"github.com/samcharles93/offload/internal/config"
	"github.com/samcharles93/offload/internal/device/sim"
	"github.com/samcharles93/offload/pkg/offload"
)

type fakeRuntime struct {
	flushErr error
	flushes  int
}

func (f *fakeRuntime) Backend() string { return "fake" }
func (f *fakeRuntime) NumDevices() int { return 1 }
func (f *fakeRuntime) DeviceInfo(id int) (offload.DeviceInfo, error) {
	return offload.DeviceInfo{}, errors.New("driver wedged")
}
func (f *fakeRuntime) CacheFile() string       { return "/nonexistent/cache" }
func (f *fakeRuntime) Images() []cache.Entry   { return nil }
func (f *fakeRuntime) ImageStats() cache.Stats { return cache.Stats{Images: 3} }
func (f *fakeRuntime) FlushImageCache() error {
	f.flushes++
	return f.flushErr
}

func newSimPlugin(t *testing.T) *offload.Plugin {
	t.Helper()
	cfg := config.Default()
	cfg.CacheFile = filepath.Join(t.TempDir(), "jit.cache")
	p, err := offload.New(offload.Options{Driver: sim.New(sim.Options{Devices: 2}), Config: &cfg})
	if err != nil {
		t.Fatalf("offload.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.InitDevice(0); err != nil {
		t.Fatalf("InitDevice: %v", err)
	}
	return p
}

func newTestEcho(rt Runtime, opts Options) *echo.Echo {
	e := echo.New()
	NewServer(rt, opts).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndRequestID(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newSimPlugin(t), Options{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "ok" || health.Backend != "sim" || health.Devices != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "abc-123")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(headerRequestID); got != "abc-123" {
		t.Fatalf("request id not propagated: %q", got)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newSimPlugin(t), Options{})

	rec := doJSON(t, e, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[DevicesResponse](t, rec)
	if len(list.Data) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(list.Data))
	}
	if !list.Data[0].Initialized || list.Data[0].Info == nil || list.Data[0].Info.Arch != "sim_80" {
		t.Fatalf("device 0: %+v", list.Data[0])
	}
	if list.Data[1].Initialized || list.Data[1].Info != nil {
		t.Fatalf("device 1 should be uninitialized: %+v", list.Data[1])
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/devices/0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if st := decode[DeviceStatus](t, rec); st.Info == nil || st.Info.ThreadsPerBlock != 1024 {
		t.Fatalf("device 0 info: %+v", st)
	}

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/v1/devices/7", http.StatusNotFound, "not_found_error"},
		{"/v1/devices/abc", http.StatusBadRequest, "invalid device id"},
		{"/v1/devices/-1", http.StatusBadRequest, "invalid device id"},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodGet, tc.path, "")
		if rec.Code != tc.code {
			t.Errorf("%s: got %d, want %d", tc.path, rec.Code, tc.code)
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Errorf("%s: body %s missing %q", tc.path, rec.Body.String(), tc.want)
		}
	}
}

func TestDeviceQueryFailure(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakeRuntime{}, Options{})
	rec := doJSON(t, e, http.MethodGet, "/v1/devices", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"error"`) || !strings.Contains(rec.Body.String(), "driver wedged") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestImagesEndpoint(t *testing.T) {
	t.Parallel()

	p := newSimPlugin(t)
	e := newTestEcho(p, Options{})
	rec := doJSON(t, e, http.MethodGet, "/v1/cache/images", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	images := decode[ImagesResponse](t, rec)
	if images.File != p.CacheFile() || images.Stats.Images != 0 || images.Data == nil {
		t.Fatalf("unexpected images response: %+v", images)
	}
}

func TestFlushLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newSimPlugin(t), Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/cache/flush", `{"note":"nightly"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("flush status: got %d body=%s", rec.Code, rec.Body.String())
	}
	flushed := decode[FlushRecord](t, rec)
	if flushed.Status != "completed" || flushed.Note != "nightly" || !strings.HasPrefix(flushed.ID, "flush_") {
		t.Fatalf("unexpected flush record: %+v", flushed)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/cache/flush", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for an immediate second flush, got %d", rec.Code)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/cache/flushes/"+flushed.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get flush status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[FlushRecord](t, rec); got.ID != flushed.ID {
		t.Fatalf("got flush %s, want %s", got.ID, flushed.ID)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/cache/flushes/flush_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestFlushValidationAndFailure(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{flushErr: errors.New("disk full")}
	e := newTestEcho(rt, Options{FlushInterval: -1})

	rec := doJSON(t, e, http.MethodPost, "/v1/cache/flush", `{"bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rt.flushes != 0 {
		t.Fatal("a rejected request must not flush")
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/cache/flush", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%s", rec.Code, rec.Body.String())
	}
	failed := decode[FlushRecord](t, rec)
	if failed.Status != "failed" || failed.Error == nil || failed.Images != 3 {
		t.Fatalf("unexpected failed record: %+v", failed)
	}

	// Without a rate limit a retry goes through.
	rec = doJSON(t, e, http.MethodPost, "/v1/cache/flush", "")
	if rec.Code != http.StatusInternalServerError || rt.flushes != 2 {
		t.Fatalf("retry: got %d after %d flushes", rec.Code, rt.flushes)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/cache/flushes", "")
	if !strings.Contains(rec.Body.String(), "disk full") {
		t.Fatalf("history missing failures: %s", rec.Body.String())
	}
}

func TestFlushStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewFlushStore(2)
	first := s.Create("f", 1, "", nil, fixedTime)
	s.Create("f", 2, "", nil, fixedTime)
	s.Create("f", 3, "", nil, fixedTime)
	if _, ok := s.Get(first.ID); ok {
		t.Fatal("oldest record should have been evicted")
	}
	list := s.List()
	if len(list) != 2 || list[0].Images != 2 || list[1].Images != 3 {
		t.Fatalf("unexpected history: %+v", list)
	}
}

var fixedTime = time.Unix(1_700_000_000, 0)
