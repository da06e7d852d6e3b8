// Package inmem provides an in-memory implementation of callrecord.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/eager/runtime/eager/callrecord"
)

// Store implements callrecord.Store in memory.
type Store struct {
	mu      sync.Mutex
	nextSeq map[string]int64
	records map[string][]*callrecord.Record
}

// New returns a new in-memory record store.
func New() *Store {
	return &Store{
		nextSeq: make(map[string]int64),
		records: make(map[string][]*callrecord.Record),
	}
}

// Append implements callrecord.Store.
func (s *Store) Append(_ context.Context, r *callrecord.Record) error {
	if r == nil {
		return fmt.Errorf("record is required")
	}
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[r.RunID] + 1
	s.nextSeq[r.RunID] = seq
	r.ID = strconv.FormatInt(seq, 10)
	cp := *r
	s.records[r.RunID] = append(s.records[r.RunID], &cp)
	return nil
}

// List implements callrecord.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (callrecord.Page, error) {
	if runID == "" {
		return callrecord.Page{}, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		return callrecord.Page{}, fmt.Errorf("limit must be > 0")
	}
	var start int
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || id < 0 {
			return callrecord.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		// IDs are 1-based sequence numbers.
		start = int(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[runID]
	if start >= len(all) {
		return callrecord.Page{}, nil
	}
	end := min(start+limit, len(all))
	recs := append([]*callrecord.Record(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = recs[len(recs)-1].ID
	}
	return callrecord.Page{Records: recs, NextCursor: next}, nil
}
