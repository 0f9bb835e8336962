package upstream

import (
	"context"
	"sync"

	"github.com/distboard/distboard/pkg/types"
)

// StubFetcher is a scripted test double. Responses are keyed by
// "date/entityID"; an entry may carry a queue of errors to return before
// succeeding, which is how tests exercise retry and backoff paths.
type StubFetcher struct {
	mu      sync.Mutex
	records map[string]types.EntityRecord
	errs    map[string][]error
	calls   []string
}

// NewStubFetcher returns an empty stub; unknown keys yield ErrNotAvailable.
func NewStubFetcher() *StubFetcher {
	return &StubFetcher{
		records: map[string]types.EntityRecord{},
		errs:    map[string][]error{},
	}
}

func key(date, entityID string) string { return date + "/" + entityID }

// Set scripts a successful response.
func (s *StubFetcher) Set(date, entityID string, rec types.EntityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.EntityID = entityID
	s.records[key(date, entityID)] = rec
}

// FailNext queues errors returned before the scripted record, in order.
func (s *StubFetcher) FailNext(date, entityID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key(date, entityID)] = append(s.errs[key(date, entityID)], errs...)
}

// Calls returns every "date/entity" fetch in invocation order.
func (s *StubFetcher) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *StubFetcher) Fetch(ctx context.Context, date, entityID string) (*types.EntityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(date, entityID)
	s.calls = append(s.calls, k)
	if queue := s.errs[k]; len(queue) > 0 {
		err := queue[0]
		s.errs[k] = queue[1:]
		return nil, err
	}
	rec, ok := s.records[k]
	if !ok {
		return nil, ErrNotAvailable
	}
	cp := rec
	return &cp, nil
}
