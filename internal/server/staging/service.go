// Package staging enforces the pending → approved state machine for
// curation records: submission with lineage validation, moderator edits,
// approval, rejection and the bulk variants.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/logging"
	"github.com/mozhii/curator/internal/server/models"
	"github.com/mozhii/curator/internal/server/store"
	"github.com/mozhii/curator/internal/syncx"
)

// Service is the staging state machine. All mutations are single-record
// atomic store operations; the only additional coordination is the per-source
// advisory lock around chunk index assignment.
type Service struct {
	store  store.Store
	locks  *syncx.KeyedMutex
	logger logging.Logger

	// now is a seam for tests.
	now func() time.Time
}

func NewService(st store.Store, logger logging.Logger) *Service {
	return &Service{
		store:  st,
		locks:  syncx.NewKeyedMutex(),
		logger: logger.With("module", "staging"),
		now:    time.Now,
	}
}

// SubmitRequest describes a raw or cleaned submission. Source is the lineage
// pointer and is required for the cleaned stage.
type SubmitRequest struct {
	Stage    models.Stage
	Filename string
	Content  string
	Language string
	Category string
	Source   string
}

// Submit creates a pending record. It fails with ErrDuplicatePending when a
// pending record with the same filename exists and with ErrLineageUnresolved
// when a non-raw submission does not point at an approved upstream record.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Record, error) {
	if req.Stage != models.StageRaw && req.Stage != models.StageCleaned {
		return nil, fmt.Errorf("%w: stage %q does not accept item submissions", common.ErrInvalidState, req.Stage)
	}
	if !models.ValidFilename(req.Filename) {
		return nil, fmt.Errorf("%w: invalid filename %q", common.ErrInvalidState, req.Filename)
	}

	ref := store.ItemRef(req.Stage, req.Filename)
	if _, err := s.store.Get(ctx, models.StatusPending, ref); err == nil {
		return nil, common.ErrDuplicatePending
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if req.Stage == models.StageCleaned {
		if err := s.requireApproved(ctx, store.ItemRef(models.StageRaw, req.Source)); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	rec := &models.Record{
		Stage:    req.Stage,
		Status:   models.StatusPending,
		Filename: req.Filename,
		Content:  req.Content,
		Metadata: models.Metadata{
			ID:          uuid.NewString(),
			Language:    req.Language,
			Category:    req.Category,
			Source:      req.Source,
			Length:      utf8.RuneCountInString(req.Content),
			CreatedAt:   now,
			SubmittedAt: now,
		},
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "submitted", "stage", req.Stage, "filename", req.Filename, "length", rec.Metadata.Length)
	return rec, nil
}

// requireApproved resolves a lineage pointer to an approved upstream record.
func (s *Service) requireApproved(ctx context.Context, ref store.Ref) error {
	if ref.Filename == "" {
		return fmt.Errorf("%w: missing lineage pointer", common.ErrLineageUnresolved)
	}
	_, err := s.store.Get(ctx, models.StatusApproved, ref)
	if errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("%w: no approved %s record %q", common.ErrLineageUnresolved, ref.Stage, ref.Filename)
	}
	return err
}

// ChunkPayload is one chunk of a batch submission.
type ChunkPayload struct {
	Text     string
	Language string
	Category string
	Overlap  string
}

// SubmitChunks validates the source lineage, then assigns contiguous indices
// to the whole batch under a single acquisition of the source's advisory
// lock and writes the batch all-or-nothing.
func (s *Service) SubmitChunks(ctx context.Context, source string, payloads []ChunkPayload) ([]*models.Record, error) {
	if !models.ValidFilename(source) {
		return nil, fmt.Errorf("%w: invalid source filename %q", common.ErrInvalidState, source)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: empty chunk batch", common.ErrInvalidState)
	}
	if err := s.requireApproved(ctx, store.ItemRef(models.StageCleaned, source)); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(source)
	defer unlock()

	next, err := s.store.CountChunks(ctx, source)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	recs := make([]*models.Record, 0, len(payloads))
	for i, p := range payloads {
		index := next + i
		recs = append(recs, &models.Record{
			Stage:    models.StageChunked,
			Status:   models.StatusPending,
			Filename: source,
			Chunk: &models.Chunk{
				ChunkID:        ChunkID(p.Language, p.Category, source, index),
				SourceFilename: source,
				ChunkIndex:     index,
				Text:           p.Text,
				Category:       p.Category,
				Overlap:        p.Overlap,
			},
			Metadata: models.Metadata{
				ID:          uuid.NewString(),
				Language:    p.Language,
				Category:    p.Category,
				Source:      source,
				Length:      utf8.RuneCountInString(p.Text),
				CreatedAt:   now,
				SubmittedAt: now,
			},
		})
	}

	if err := s.store.PutBatch(ctx, recs); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "submitted chunk batch", "source", source, "count", len(recs), "first_index", next)
	return recs, nil
}

// Approve moves a pending record to approved, stamping approved_at. When the
// record is already approved the call is a no-op success, so racing admin
// actions do not surface spurious errors.
func (s *Service) Approve(ctx context.Context, ref store.Ref) error {
	now := s.now().UTC()
	err := s.store.Move(ctx, ref, models.StatusPending, models.StatusApproved, &now)
	if err == nil {
		s.logger.Info(ctx, "approved", "stage", ref.Stage, "filename", ref.Filename, "chunk_index", ref.ChunkIndex)
		return nil
	}
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrConflict) {
		if _, getErr := s.store.Get(ctx, models.StatusApproved, ref); getErr == nil {
			return nil
		}
	}
	return err
}

// Reject destroys a pending record, logging the reason for the audit trail.
func (s *Service) Reject(ctx context.Context, ref store.Ref, reason string) error {
	if err := s.store.Delete(ctx, models.StatusPending, ref); err != nil {
		return err
	}
	if reason == "" {
		reason = "no reason provided"
	}
	s.logger.Info(ctx, "rejected", "stage", ref.Stage, "filename", ref.Filename, "chunk_index", ref.ChunkIndex, "reason", reason)
	return nil
}

// Outcome is the per-item result of a bulk approval.
type Outcome struct {
	Ref   store.Ref `json:"ref"`
	Error string    `json:"error,omitempty"`
}

// BatchResult reports a bulk approval. Failed items never abort the batch.
type BatchResult struct {
	Approved int       `json:"approved"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// ApproveAll approves every pending record of a stage; for the chunked stage
// it approves every pending chunk of the named source file. Items are
// processed independently.
func (s *Service) ApproveAll(ctx context.Context, stage models.Stage, source string) (*BatchResult, error) {
	var (
		pending []*models.Record
		err     error
	)
	if stage == models.StageChunked {
		if source == "" {
			return nil, fmt.Errorf("%w: chunk approval requires a source filename", common.ErrInvalidState)
		}
		pending, err = s.store.ListChunks(ctx, models.StatusPending, source)
	} else {
		pending, err = s.store.List(ctx, stage, models.StatusPending, store.OrderBySubmittedAt)
	}
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, rec := range pending {
		ref := store.RecordRef(rec)
		if err := s.Approve(ctx, ref); err != nil {
			result.Failed++
			result.Outcomes = append(result.Outcomes, Outcome{Ref: ref, Error: err.Error()})
			continue
		}
		result.Approved++
		result.Outcomes = append(result.Outcomes, Outcome{Ref: ref})
	}
	return result, nil
}

// UpdateRequest patches a pending record. Nil fields are left untouched.
// Text and Overlap apply to chunk records; Content to raw/cleaned records.
type UpdateRequest struct {
	Content  *string
	Language *string
	Category *string
	Text     *string
	Overlap  *string
	Actor    string
}

// Update mutates a pending record and stamps updated_at/updated_by. Approved
// records are immutable (delete+resubmit is the only way to change them);
// attempting to edit one fails with ErrInvalidState.
func (s *Service) Update(ctx context.Context, ref store.Ref, req UpdateRequest) (*models.Record, error) {
	rec, err := s.store.Get(ctx, models.StatusPending, ref)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			if _, aerr := s.store.Get(ctx, models.StatusApproved, ref); aerr == nil {
				return nil, fmt.Errorf("%w: approved records are immutable", common.ErrInvalidState)
			}
		}
		return nil, err
	}

	if req.Content != nil && !rec.IsChunk() {
		rec.Content = *req.Content
		rec.Metadata.Length = utf8.RuneCountInString(rec.Content)
	}
	if req.Language != nil {
		rec.Metadata.Language = *req.Language
	}
	if req.Category != nil {
		rec.Metadata.Category = *req.Category
		if rec.Chunk != nil {
			rec.Chunk.Category = *req.Category
		}
	}
	if rec.Chunk != nil {
		if req.Text != nil {
			rec.Chunk.Text = *req.Text
			rec.Metadata.Length = utf8.RuneCountInString(rec.Chunk.Text)
		}
		if req.Overlap != nil {
			rec.Chunk.Overlap = *req.Overlap
		}
	}

	now := s.now().UTC()
	rec.Metadata.UpdatedAt = &now
	rec.Metadata.UpdatedBy = req.Actor

	if err := s.store.Replace(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "updated", "stage", ref.Stage, "filename", ref.Filename, "chunk_index", ref.ChunkIndex, "actor", req.Actor)
	return rec, nil
}

// GetItem fetches a single record for display or editing.
func (s *Service) GetItem(ctx context.Context, status models.Status, ref store.Ref) (*models.Record, error) {
	return s.store.Get(ctx, status, ref)
}

// ListPending returns the pending records of a stage, newest first.
func (s *Service) ListPending(ctx context.Context, stage models.Stage) ([]*models.Record, error) {
	return s.store.List(ctx, stage, models.StatusPending, store.OrderBySubmittedAt)
}

// ListApproved returns the approved records of a stage, most recently
// approved first.
func (s *Service) ListApproved(ctx context.Context, stage models.Stage) ([]*models.Record, error) {
	return s.store.List(ctx, stage, models.StatusApproved, store.OrderByApprovedAt)
}

// StageCounts is the pending/approved tally for one stage.
type StageCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
}

// Stats aggregates record counts across all stages.
type Stats struct {
	Raw     StageCounts `json:"raw"`
	Cleaned StageCounts `json:"cleaned"`
	Chunked StageCounts `json:"chunked"`
	Totals  StageCounts `json:"totals"`
}

// Stats counts records per stage and status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	targets := map[models.Stage]*StageCounts{
		models.StageRaw:     &stats.Raw,
		models.StageCleaned: &stats.Cleaned,
		models.StageChunked: &stats.Chunked,
	}
	for stage, counts := range targets {
		pending, err := s.store.List(ctx, stage, models.StatusPending, store.OrderBySubmittedAt)
		if err != nil {
			return nil, err
		}
		approved, err := s.store.List(ctx, stage, models.StatusApproved, store.OrderByApprovedAt)
		if err != nil {
			return nil, err
		}
		counts.Pending = len(pending)
		counts.Approved = len(approved)
		stats.Totals.Pending += len(pending)
		stats.Totals.Approved += len(approved)
	}
	return stats, nil
}

// Dangling describes an approved record whose lineage pointer no longer
// resolves to an approved upstream record. Deleting an upstream approval
// never cascades, so these must be surfaced for the moderator to resolve.
type Dangling struct {
	Stage    models.Stage `json:"stage"`
	Filename string       `json:"filename"`
	Source   string       `json:"source"`
}

// ListDangling reports approved cleaned records without an approved raw
// upstream, and approved chunk sources without an approved cleaned upstream.
func (s *Service) ListDangling(ctx context.Context) ([]Dangling, error) {
	var dangling []Dangling

	cleaned, err := s.store.List(ctx, models.StageCleaned, models.StatusApproved, store.OrderByApprovedAt)
	if err != nil {
		return nil, err
	}
	for _, rec := range cleaned {
		if rec.Metadata.Source == "" {
			continue
		}
		_, err := s.store.Get(ctx, models.StatusApproved, store.ItemRef(models.StageRaw, rec.Metadata.Source))
		if errors.Is(err, common.ErrNotFound) {
			dangling = append(dangling, Dangling{Stage: models.StageCleaned, Filename: rec.Filename, Source: rec.Metadata.Source})
		} else if err != nil {
			return nil, err
		}
	}

	sources, err := s.store.ListChunkSources(ctx, models.StatusApproved)
	if err != nil {
		return nil, err
	}
	for _, source := range sources {
		_, err := s.store.Get(ctx, models.StatusApproved, store.ItemRef(models.StageCleaned, source))
		if errors.Is(err, common.ErrNotFound) {
			dangling = append(dangling, Dangling{Stage: models.StageChunked, Filename: source, Source: source})
		} else if err != nil {
			return nil, err
		}
	}

	return dangling, nil
}
