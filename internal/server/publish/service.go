// Package publish synchronizes approved records to the remote dataset hub
// and tracks what has already been pushed in the publish ledger.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/logging"
	"github.com/mozhii/curator/internal/server/hub"
	"github.com/mozhii/curator/internal/server/ledger"
	"github.com/mozhii/curator/internal/server/models"
	"github.com/mozhii/curator/internal/server/store"
)

// Service diffs the approved partitions against the publish ledger and
// uploads whatever the hub has not acknowledged yet.
type Service struct {
	store  store.Store
	hub    hub.Client
	ledger ledger.Ledger
	logger logging.Logger

	// uploadTimeout bounds each record's upload unit.
	uploadTimeout time.Duration
}

const defaultUploadTimeout = 30 * time.Second

func NewService(st store.Store, hc hub.Client, lg ledger.Ledger, logger logging.Logger, uploadTimeout time.Duration) *Service {
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}
	return &Service{
		store:         st,
		hub:           hc,
		ledger:        lg,
		logger:        logger.With("module", "publish"),
		uploadTimeout: uploadTimeout,
	}
}

// Scope narrows a sync run. Zero value means everything approved; Stage
// restricts to one stage and Filename to one item (or one chunk source).
type Scope struct {
	Stage    models.Stage
	Filename string
}

// StageResult reports one stage of a sync run.
type StageResult struct {
	Uploaded     int      `json:"uploaded"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	Files        []string `json:"files,omitempty"`
	FailedChunks []string `json:"failed_chunks,omitempty"`
}

// Result reports a whole sync run.
type Result struct {
	Raw     StageResult `json:"raw"`
	Cleaned StageResult `json:"cleaned"`
	Chunked StageResult `json:"chunked"`
}

// Total returns the uploaded/skipped/failed counts summed across stages.
func (r *Result) Total() (uploaded, skipped, failed int) {
	for _, sr := range []StageResult{r.Raw, r.Cleaned, r.Chunked} {
		uploaded += sr.Uploaded
		skipped += sr.Skipped
		failed += sr.Failed
	}
	return
}

// SyncAll pushes every approved record within scope that the ledger does not
// already mark as pushed. Failures are recorded in the ledger and never
// abort the run; partially uploaded units stay unmarked so the next run
// retries them.
func (s *Service) SyncAll(ctx context.Context, scope Scope) (*Result, error) {
	result := &Result{}

	stages := []models.Stage{models.StageRaw, models.StageCleaned, models.StageChunked}
	if scope.Stage != "" {
		if !scope.Stage.Valid() {
			return nil, fmt.Errorf("%w: unknown stage %q", common.ErrInvalidState, scope.Stage)
		}
		stages = []models.Stage{scope.Stage}
	}

	for _, stage := range stages {
		var (
			target *StageResult
			err    error
		)
		switch stage {
		case models.StageRaw:
			target = &result.Raw
			err = s.syncItems(ctx, stage, scope.Filename, target)
		case models.StageCleaned:
			target = &result.Cleaned
			err = s.syncItems(ctx, stage, scope.Filename, target)
		case models.StageChunked:
			target = &result.Chunked
			err = s.syncChunks(ctx, scope.Filename, target)
		}
		if err != nil {
			return nil, err
		}
	}

	uploaded, skipped, failed := result.Total()
	s.logger.Info(ctx, "sync finished", "uploaded", uploaded, "skipped", skipped, "failed", failed)
	return result, nil
}

func (s *Service) syncItems(ctx context.Context, stage models.Stage, filename string, out *StageResult) error {
	recs, err := s.store.List(ctx, stage, models.StatusApproved, store.OrderByApprovedAt)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if filename != "" && rec.Filename != filename {
			continue
		}
		key := ledger.Key(stage, rec.Filename)
		if entry, ok := s.ledger.Get(key); ok && entry.Pushed {
			out.Skipped++
			continue
		}
		if err := s.pushItem(ctx, rec, key); err != nil {
			out.Failed++
			continue
		}
		out.Uploaded++
		out.Files = append(out.Files, rec.Filename)
	}
	return nil
}

// pushItem uploads one raw or cleaned record. Raw records ship the content
// body plus the metadata sidecar; cleaned records ship only the body, the
// hub dataset derives cleaned-stage metadata from the raw upstream. The
// ledger entry flips to pushed only after every artifact is acknowledged.
func (s *Service) pushItem(ctx context.Context, rec *models.Record, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	ref, err := s.hub.UploadContent(ctx, string(rec.Stage), rec.Filename, []byte(rec.Content))
	if err != nil {
		return s.recordFailure(ctx, key, err)
	}

	if rec.Stage == models.StageRaw {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return s.recordFailure(ctx, key, err)
		}
		if _, err := s.hub.UploadMetadata(ctx, string(rec.Stage), rec.Filename, meta); err != nil {
			return s.recordFailure(ctx, key, err)
		}
	}

	if err := s.ledger.MarkPushed(key, ref); err != nil {
		return err
	}
	s.logger.Info(ctx, "pushed", "stage", rec.Stage, "filename", rec.Filename, "remote_ref", ref)
	return nil
}

func (s *Service) syncChunks(ctx context.Context, source string, out *StageResult) error {
	sources, err := s.store.ListChunkSources(ctx, models.StatusApproved)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if source != "" && src != source {
			continue
		}
		chunks, err := s.store.ListChunks(ctx, models.StatusApproved, src)
		if err != nil {
			return err
		}
		for _, rec := range chunks {
			key := ledger.ChunkKey(src, rec.Chunk.ChunkIndex)
			if entry, ok := s.ledger.Get(key); ok && entry.Pushed {
				out.Skipped++
				continue
			}
			if err := s.pushChunk(ctx, rec, key); err != nil {
				out.Failed++
				out.FailedChunks = append(out.FailedChunks, rec.Chunk.ChunkID)
				continue
			}
			out.Uploaded++
			out.Files = append(out.Files, rec.Chunk.ChunkID)
		}
	}
	return nil
}

// chunkDocument is the single JSON object shipped per chunk. It merges the
// chunk body with the metadata the hub dataset indexes on.
type chunkDocument struct {
	ChunkID        string `json:"chunk_id"`
	SourceFilename string `json:"source_filename"`
	ChunkIndex     int    `json:"chunk_index"`
	Text           string `json:"text"`
	Language       string `json:"language,omitempty"`
	Category       string `json:"category,omitempty"`
	Overlap        string `json:"overlap,omitempty"`
}

func (s *Service) pushChunk(ctx context.Context, rec *models.Record, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	doc, err := json.Marshal(chunkDocument{
		ChunkID:        rec.Chunk.ChunkID,
		SourceFilename: rec.Chunk.SourceFilename,
		ChunkIndex:     rec.Chunk.ChunkIndex,
		Text:           rec.Chunk.Text,
		Language:       rec.Metadata.Language,
		Category:       rec.Chunk.Category,
		Overlap:        rec.Chunk.Overlap,
	})
	if err != nil {
		return s.recordFailure(ctx, key, err)
	}

	ref, err := s.hub.UploadChunk(ctx, rec.Chunk.SourceFilename, rec.Chunk.ChunkIndex, doc)
	if err != nil {
		return s.recordFailure(ctx, key, err)
	}

	if err := s.ledger.MarkPushed(key, ref); err != nil {
		return err
	}
	s.logger.Info(ctx, "pushed chunk", "chunk_id", rec.Chunk.ChunkID, "remote_ref", ref)
	return nil
}

func (s *Service) recordFailure(ctx context.Context, key string, cause error) error {
	s.logger.Error(ctx, "push failed", "key", key, "error", cause)
	if err := s.ledger.MarkFailed(key, cause.Error()); err != nil {
		s.logger.Error(ctx, "recording push failure", "key", key, "error", err)
	}
	return cause
}

// ListRemote enumerates the hub object keys stored under one stage prefix.
func (s *Service) ListRemote(ctx context.Context, stage models.Stage) ([]string, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", common.ErrInvalidState, stage)
	}
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()
	return s.hub.ListContent(ctx, string(stage))
}

// FetchRemote downloads one hub object by its key.
func (s *Service) FetchRemote(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty object key", common.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()
	return s.hub.Download(ctx, key)
}

// DeleteScope selects which approved artifacts of a filename to delete.
type DeleteScope string

const (
	DeleteRaw     DeleteScope = "raw"
	DeleteCleaned DeleteScope = "cleaned"
	DeleteChunks  DeleteScope = "chunks"
	DeleteAll     DeleteScope = "all"
)

// DeleteResult reports what an approved-record deletion removed.
type DeleteResult struct {
	Raw     bool `json:"raw"`
	Cleaned bool `json:"cleaned"`
	Chunks  int  `json:"chunks"`
}

// DeleteApproved removes approved artifacts of filename per scope, together
// with their ledger entries so a re-submission re-publishes cleanly. It
// fails with ErrNotFound when nothing in scope matched. Downstream records
// are never cascaded; orphans show up in the dangling-lineage report.
func (s *Service) DeleteApproved(ctx context.Context, filename string, scope DeleteScope) (*DeleteResult, error) {
	result := &DeleteResult{}

	if scope == DeleteRaw || scope == DeleteAll {
		err := s.store.Delete(ctx, models.StatusApproved, store.ItemRef(models.StageRaw, filename))
		switch {
		case err == nil:
			result.Raw = true
			if err := s.ledger.Discard(ledger.Key(models.StageRaw, filename)); err != nil {
				return nil, err
			}
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}

	if scope == DeleteCleaned || scope == DeleteAll {
		err := s.store.Delete(ctx, models.StatusApproved, store.ItemRef(models.StageCleaned, filename))
		switch {
		case err == nil:
			result.Cleaned = true
			if err := s.ledger.Discard(ledger.Key(models.StageCleaned, filename)); err != nil {
				return nil, err
			}
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}

	if scope == DeleteChunks || scope == DeleteAll {
		removed, err := s.store.DeleteSource(ctx, models.StatusApproved, filename)
		switch {
		case err == nil:
			result.Chunks = removed
			if err := s.ledger.DiscardPrefix(fmt.Sprintf("%s/%s/", models.StageChunked, filename)); err != nil {
				return nil, err
			}
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}

	if !result.Raw && !result.Cleaned && result.Chunks == 0 {
		return nil, fmt.Errorf("%w: no approved records for %q in scope %q", common.ErrNotFound, filename, scope)
	}

	s.logger.Info(ctx, "deleted approved", "filename", filename, "scope", scope,
		"raw", result.Raw, "cleaned", result.Cleaned, "chunks", result.Chunks)
	return result, nil
}
