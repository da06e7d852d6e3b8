package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/eager/features/callrecord/mongo/clients/mongo"
	"goa.design/eager/runtime/eager/callrecord"
)

// Store implements callrecord.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ callrecord.Store = (*Store)(nil)

// NewStore builds a Mongo-backed record store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements callrecord.Store.
func (s *Store) Append(ctx context.Context, r *callrecord.Record) error {
	return s.client.Append(ctx, r)
}

// List implements callrecord.Store.
func (s *Store) List(ctx context.Context, runID string, cursor string, limit int) (callrecord.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}

// ByExecution returns the records of the node that ran execID, oldest first.
func (s *Store) ByExecution(ctx context.Context, execID string) ([]*callrecord.Record, error) {
	return s.client.ByExecution(ctx, execID)
}
