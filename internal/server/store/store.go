// Package store provides durable, partitioned storage for curation records
// across stage × status namespaces. Implementations do not interpret lineage
// or moderation semantics; they only guarantee the uniqueness and atomicity
// contracts described on the Store interface.
package store

import (
	"context"
	"time"

	"github.com/mozhii/curator/internal/server/models"
)

// Ref addresses a single record. For the chunked stage, Filename is the
// source filename and ChunkIndex selects the chunk; for raw/cleaned stages
// ChunkIndex is ignored.
type Ref struct {
	Stage      models.Stage
	Filename   string
	ChunkIndex int
}

// ItemRef builds a Ref for a raw or cleaned record.
func ItemRef(stage models.Stage, filename string) Ref {
	return Ref{Stage: stage, Filename: filename, ChunkIndex: -1}
}

// ChunkRef builds a Ref for one chunk of a source file.
func ChunkRef(source string, index int) Ref {
	return Ref{Stage: models.StageChunked, Filename: source, ChunkIndex: index}
}

// RecordRef derives the Ref addressing rec.
func RecordRef(rec *models.Record) Ref {
	if rec.IsChunk() && rec.Chunk != nil {
		return ChunkRef(rec.Chunk.SourceFilename, rec.Chunk.ChunkIndex)
	}
	return ItemRef(rec.Stage, rec.Filename)
}

// OrderField selects the timestamp List sorts by (always descending).
type OrderField string

const (
	OrderBySubmittedAt OrderField = "submitted_at"
	OrderByApprovedAt  OrderField = "approved_at"
)

// Store is the durable record store.
//
// Error contract: Get/Move/Delete return common.ErrNotFound when the source
// record is missing; Put and Move return common.ErrConflict when the target
// already exists; underlying storage failures surface as common.ErrIOFailure
// and are never partially applied; callers treat a failed Move as a no-op.
// Filenames that fail models.ValidFilename are rejected with
// common.ErrInvalidState before any storage access.
type Store interface {
	// Put creates rec in the (stage, status) partition given by the record
	// itself. It never overwrites.
	Put(ctx context.Context, rec *models.Record) error

	// PutBatch creates every record or none: implementations undo the
	// records already created when a later one fails.
	PutBatch(ctx context.Context, recs []*models.Record) error

	// Replace overwrites an existing record in place, keeping its partition.
	Replace(ctx context.Context, rec *models.Record) error

	// Get returns the record at ref in the given status partition.
	Get(ctx context.Context, status models.Status, ref Ref) (*models.Record, error)

	// List returns all records of a stage/status partition ordered by the
	// given timestamp field, newest first. For the chunked stage it returns
	// every chunk across all source files.
	List(ctx context.Context, stage models.Stage, status models.Status, orderBy OrderField) ([]*models.Record, error)

	// ListChunks returns the chunks of one source file ordered by index.
	ListChunks(ctx context.Context, status models.Status, source string) ([]*models.Record, error)

	// ListChunkSources returns the distinct source filenames that have at
	// least one chunk in the given status partition.
	ListChunkSources(ctx context.Context, status models.Status) ([]string, error)

	// CountChunks returns the number of distinct chunk indices for source
	// across the pending and approved partitions combined. Counting distinct
	// indices keeps the result stable while a chunk move is mid-flight and
	// briefly visible in both partitions.
	CountChunks(ctx context.Context, source string) (int, error)

	// Move atomically relocates the record at ref from one status partition
	// to the other. When approvedAt is non-nil the relocated record's
	// metadata is stamped with it as part of the same step. A failed Move
	// leaves the record where it was.
	Move(ctx context.Context, ref Ref, from, to models.Status, approvedAt *time.Time) error

	// Delete removes the record at ref from the given status partition.
	Delete(ctx context.Context, status models.Status, ref Ref) error

	// DeleteSource removes every chunk of a source file from the given
	// status partition, returning the number removed.
	DeleteSource(ctx context.Context, status models.Status, source string) (int, error)

	// Recover reconciles state left behind by a crash mid-Move. It runs once
	// on startup before the store serves requests.
	Recover(ctx context.Context) error
}
