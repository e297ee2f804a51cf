package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlushStore keeps the records of cache flushes requested through the API.
type FlushStore struct {
	mu      sync.Mutex
	records map[string]*FlushRecord
	order   []string
	limit   int
}

// DefaultFlushHistory is how many flush records a store keeps.
const DefaultFlushHistory = 64

func NewFlushStore(limit int) *FlushStore {
	if limit <= 0 {
		limit = DefaultFlushHistory
	}
	return &FlushStore{
		records: make(map[string]*FlushRecord),
		limit:   limit,
	}
}

// Create stores a record for a flush of images cache entries to file and
// returns it. err is the flush outcome.
func (s *FlushStore) Create(file string, images int, note string, err error, now time.Time) FlushRecord {
	rec := FlushRecord{
		ID:        newFlushID(),
		Object:    "cache.flush",
		CreatedAt: now.Unix(),
		Status:    "completed",
		File:      file,
		Images:    images,
		Note:      note,
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = &ErrorDetail{Message: err.Error(), Type: "server_error"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == s.limit {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	s.records[rec.ID] = &rec
	s.order = append(s.order, rec.ID)
	return rec
}

func (s *FlushStore) Get(id string) (FlushRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return FlushRecord{}, false
	}
	return *rec, true
}

// List returns the stored records, oldest first.
func (s *FlushStore) List() []FlushRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FlushRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

func newFlushID() string {
	return "flush_" + uuid.NewString()
}
