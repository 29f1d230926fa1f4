package storage

import (
	"context"

	"construct/internal/domain"
	"construct/internal/keys"
)

// EventRecord is the storage representation for one accepted event.
type EventRecord struct {
	Seq      uint64
	EventID  domain.EventID
	RoomID   domain.RoomID
	Type     string
	StateKey *string
	Depth    int64
	Origin   domain.ServerName
	RawJSON  []byte
}

// QuerySort controls room timeline query ordering.
type QuerySort int

const (
	SortSeqOrder QuerySort = iota
	SortDepthOrder
)

// Events is the contract for the durable event log. Events append under a
// strictly increasing sequence number and are never rewritten.
type Events interface {
	AppendEvent(ctx context.Context, rec EventRecord) error
	GetEvent(ctx context.Context, id domain.EventID) (EventRecord, bool, error)
	HasEvent(ctx context.Context, id domain.EventID) (bool, error)
	RoomEvents(ctx context.Context, room domain.RoomID, sort QuerySort, limit int) ([]EventRecord, error)
	Backfill(ctx context.Context, room domain.RoomID, beforeDepth int64, limit int) ([]EventRecord, error)
	MaxSeq(ctx context.Context) (uint64, error)
}

// Origins tracks which remote servers are joined to which rooms, feeding
// fetch origin selection.
type Origins interface {
	AddOrigin(ctx context.Context, room domain.RoomID, origin domain.ServerName) error
	RoomOrigins(ctx context.Context, room domain.RoomID) ([]domain.ServerName, error)
}

// Engine is the full durable persistence contract.
type Engine interface {
	Events
	Origins
	keys.Store
	Close() error
}
