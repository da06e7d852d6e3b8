// Package callrecord provides a durable, append-only log of the node events
// of eager runs.
//
// The log backs run introspection after the fact: an Observer appends every
// node transition as it happens and callers list them using opaque cursors.
package callrecord

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/telemetry"
)

type (
	// Record is a single immutable node event appended to the log.
	//
	// Store implementations assign the ID when persisting the record. IDs are
	// opaque, monotonically ordered within a run, and suitable for
	// cursor-based pagination.
	Record struct {
		// ID is the store-assigned opaque identifier for this record.
		ID string
		// RunID is the identifier of the eager run this record belongs to.
		RunID string
		// Type is the node event type.
		Type eager.EventType
		// NodeIndex is the position of the node in the call stack, -1 for
		// run level events.
		NodeIndex int
		// Entity is the qualified name of the node entity.
		Entity string
		// ExecutionID identifies the node execution.
		ExecutionID string
		// Payload is the JSON-encoded node event.
		Payload json.RawMessage
		// Timestamp is the event time.
		Timestamp time.Time
	}

	// Page is a forward page of records.
	Page struct {
		// Records are ordered oldest-first.
		Records []*Record
		// NextCursor is the cursor to use to fetch the next page. It is empty
		// when there are no further records.
		NextCursor string
	}

	// Store is an append-only record store.
	//
	// Implementations must provide stable ordering within a run. Cursor values
	// are store-owned and opaque to callers.
	Store interface {
		// Append stores the record and assigns its ID.
		Append(ctx context.Context, r *Record) error

		// List returns the next forward page of records for the given run ID.
		// Cursor is empty to start from the beginning. Limit must be greater
		// than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Recorder is an eager.Observer appending every node event to a Store.
	Recorder struct {
		store  Store
		logger telemetry.Logger
	}
)

var _ eager.Observer = (*Recorder)(nil)

// NewRecord builds the record of ev.
func NewRecord(ev eager.NodeEvent) (*Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	r := &Record{
		RunID:     ev.RunID,
		Type:      ev.Type,
		NodeIndex: -1,
		Payload:   payload,
		Timestamp: ev.Timestamp,
	}
	if ev.Type != eager.EventRunCompleted {
		r.NodeIndex = ev.Node.Index
		r.Entity = ev.Node.EntityName
		r.ExecutionID = ev.Node.ExecutionID
	}
	return r, nil
}

// Event decodes the node event stored in the record payload.
func (r *Record) Event() (eager.NodeEvent, error) {
	var ev eager.NodeEvent
	err := json.Unmarshal(r.Payload, &ev)
	return ev, err
}

// NewRecorder returns an observer appending node events to store. Append
// failures are logged and never fail the run.
func NewRecorder(store Store, logger telemetry.Logger) *Recorder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Recorder{store: store, logger: logger}
}

// Observe appends ev to the store.
func (r *Recorder) Observe(ctx context.Context, ev eager.NodeEvent) {
	rec, err := NewRecord(ev)
	if err == nil {
		err = r.store.Append(ctx, rec)
	}
	if err != nil {
		r.logger.Warn(ctx, "failed to record node event", "run", ev.RunID, "type", string(ev.Type), "err", err)
	}
}

// ListAll pages through every record of runID.
func ListAll(ctx context.Context, s Store, runID string, pageSize int) ([]*Record, error) {
	var (
		out    []*Record
		cursor string
	)
	for {
		page, err := s.List(ctx, runID, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
