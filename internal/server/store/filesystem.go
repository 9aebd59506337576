package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/filex"
	"github.com/mozhii/curator/internal/server/models"
)

const (
	contentExt = ".txt"
	metaExt    = ".meta.json"
	chunkExt   = ".json"

	// moveMarkerPrefix names the write-ahead markers protecting moves that
	// cannot be a single rename (chunk rewrites, cross-device copies).
	moveMarkerPrefix = ".moving."
)

// FilesystemStore keeps records under
//
//	<root>/{pending,approved}/{raw,cleaned}/<name>.txt + <name>.meta.json
//	<root>/{pending,approved}/chunked/<source>/chunk_NN.json
//
// mirroring one logical record per content file. Moves between partitions
// are a single os.Rename wherever possible.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the partition directories under root.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	for _, status := range []models.Status{models.StatusPending, models.StatusApproved} {
		for _, stage := range []models.Stage{models.StageRaw, models.StageCleaned, models.StageChunked} {
			if err := filex.EnsureDir(filepath.Join(root, string(status), string(stage))); err != nil {
				return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
			}
		}
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) stageDir(status models.Status, stage models.Stage) string {
	return filepath.Join(s.root, string(status), string(stage))
}

// checkName rejects names that would escape the store root when joined into
// a path. Callers above the store validate too; this is the last line.
func checkName(name string) error {
	if !models.ValidFilename(name) {
		return fmt.Errorf("%w: unsafe filename %q", common.ErrInvalidState, name)
	}
	return nil
}

func (s *FilesystemStore) contentPath(status models.Status, stage models.Stage, filename string) string {
	return filepath.Join(s.stageDir(status, stage), filename+contentExt)
}

func (s *FilesystemStore) metaPath(status models.Status, stage models.Stage, filename string) string {
	return filepath.Join(s.stageDir(status, stage), filename+metaExt)
}

func chunkFileName(index int) string {
	return fmt.Sprintf("chunk_%02d%s", index, chunkExt)
}

func (s *FilesystemStore) chunkPath(status models.Status, source string, index int) string {
	return filepath.Join(s.stageDir(status, models.StageChunked), source, chunkFileName(index))
}

func (s *FilesystemStore) Put(ctx context.Context, rec *models.Record) error {
	if err := checkName(rec.Filename); err != nil {
		return err
	}
	if rec.IsChunk() {
		if err := checkName(rec.Chunk.SourceFilename); err != nil {
			return err
		}
		return s.putChunk(rec)
	}

	contentPath := s.contentPath(rec.Status, rec.Stage, rec.Filename)
	if _, err := os.Stat(contentPath); err == nil {
		return common.ErrConflict
	}

	meta, err := json.MarshalIndent(rec.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(s.metaPath(rec.Status, rec.Stage, rec.Filename), meta); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(contentPath, []byte(rec.Content)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return nil
}

func (s *FilesystemStore) putChunk(rec *models.Record) error {
	path := s.chunkPath(rec.Status, rec.Chunk.SourceFilename, rec.Chunk.ChunkIndex)
	if _, err := os.Stat(path); err == nil {
		return common.ErrConflict
	}
	if err := filex.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	doc, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal chunk: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(path, doc); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return nil
}

// PutBatch creates the records in order and removes the ones already
// written if a later Put fails.
func (s *FilesystemStore) PutBatch(ctx context.Context, recs []*models.Record) error {
	for i, rec := range recs {
		if err := s.Put(ctx, rec); err != nil {
			for _, created := range recs[:i] {
				_ = s.Delete(ctx, created.Status, RecordRef(created))
			}
			return err
		}
	}
	return nil
}

func (s *FilesystemStore) Replace(ctx context.Context, rec *models.Record) error {
	if err := checkName(rec.Filename); err != nil {
		return err
	}
	if rec.IsChunk() {
		path := s.chunkPath(rec.Status, rec.Chunk.SourceFilename, rec.Chunk.ChunkIndex)
		if _, err := os.Stat(path); err != nil {
			return common.ErrNotFound
		}
		doc, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("%w: marshal chunk: %v", common.ErrIOFailure, err)
		}
		if err := filex.WriteAtomic(path, doc); err != nil {
			return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		return nil
	}

	contentPath := s.contentPath(rec.Status, rec.Stage, rec.Filename)
	if _, err := os.Stat(contentPath); err != nil {
		return common.ErrNotFound
	}
	meta, err := json.MarshalIndent(rec.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(s.metaPath(rec.Status, rec.Stage, rec.Filename), meta); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(contentPath, []byte(rec.Content)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return nil
}

func (s *FilesystemStore) Get(ctx context.Context, status models.Status, ref Ref) (*models.Record, error) {
	if err := checkName(ref.Filename); err != nil {
		return nil, err
	}
	if ref.Stage == models.StageChunked {
		return s.readChunk(status, ref.Filename, ref.ChunkIndex)
	}
	return s.readItem(status, ref.Stage, ref.Filename)
}

func (s *FilesystemStore) readItem(status models.Status, stage models.Stage, filename string) (*models.Record, error) {
	content, err := os.ReadFile(s.contentPath(status, stage, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	rec := &models.Record{
		Stage:    stage,
		Status:   status,
		Filename: filename,
		Content:  string(content),
	}

	meta, err := os.ReadFile(s.metaPath(status, stage, filename))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err == nil {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata %s: %v", common.ErrIOFailure, filename, err)
		}
	}
	return rec, nil
}

func (s *FilesystemStore) readChunk(status models.Status, source string, index int) (*models.Record, error) {
	doc, err := os.ReadFile(s.chunkPath(status, source, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	var rec models.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode chunk %s/%d: %v", common.ErrIOFailure, source, index, err)
	}
	rec.Status = status
	return &rec, nil
}

func (s *FilesystemStore) List(ctx context.Context, stage models.Stage, status models.Status, orderBy OrderField) ([]*models.Record, error) {
	var records []*models.Record

	if stage == models.StageChunked {
		sources, err := s.ListChunkSources(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, source := range sources {
			chunks, err := s.ListChunks(ctx, status, source)
			if err != nil {
				return nil, err
			}
			records = append(records, chunks...)
		}
	} else {
		entries, err := os.ReadDir(s.stageDir(status, stage))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), contentExt) {
				continue
			}
			name := strings.TrimSuffix(e.Name(), contentExt)
			rec, err := s.readItem(status, stage, name)
			if err != nil {
				if errors.Is(err, common.ErrNotFound) {
					continue // raced with a move/delete
				}
				return nil, err
			}
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return orderTime(records[i], orderBy).After(orderTime(records[j], orderBy))
	})
	return records, nil
}

func orderTime(rec *models.Record, orderBy OrderField) time.Time {
	if orderBy == OrderByApprovedAt && rec.Metadata.ApprovedAt != nil {
		return *rec.Metadata.ApprovedAt
	}
	return rec.Metadata.SubmittedAt
}

func (s *FilesystemStore) ListChunks(ctx context.Context, status models.Status, source string) ([]*models.Record, error) {
	if err := checkName(source); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.stageDir(status, models.StageChunked), source)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	var chunks []*models.Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		doc, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		var rec models.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("%w: decode chunk %s/%s: %v", common.ErrIOFailure, source, e.Name(), err)
		}
		rec.Status = status
		chunks = append(chunks, &rec)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Chunk.ChunkIndex < chunks[j].Chunk.ChunkIndex
	})
	return chunks, nil
}

func (s *FilesystemStore) ListChunkSources(ctx context.Context, status models.Status) ([]string, error) {
	entries, err := os.ReadDir(s.stageDir(status, models.StageChunked))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	var sources []string
	for _, e := range entries {
		if e.IsDir() {
			sources = append(sources, e.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}

// CountChunks counts distinct indices rather than files: an approval in
// flight writes the approved copy before removing the pending one, and a
// concurrent submission must not see that chunk twice.
func (s *FilesystemStore) CountChunks(ctx context.Context, source string) (int, error) {
	seen := map[int]struct{}{}
	for _, status := range []models.Status{models.StatusPending, models.StatusApproved} {
		chunks, err := s.ListChunks(ctx, status, source)
		if err != nil {
			return 0, err
		}
		for _, rec := range chunks {
			seen[rec.Chunk.ChunkIndex] = struct{}{}
		}
	}
	return len(seen), nil
}

// Move relocates a record between status partitions. For raw/cleaned items
// the updated metadata is written to the target first and the content rename
// is the commit point; stray metadata without content is cleaned up by
// Recover. Chunk moves rewrite a single JSON document under a write-ahead
// marker.
func (s *FilesystemStore) Move(ctx context.Context, ref Ref, from, to models.Status, approvedAt *time.Time) error {
	if err := checkName(ref.Filename); err != nil {
		return err
	}
	if ref.Stage == models.StageChunked {
		return s.moveChunk(ref, from, to, approvedAt)
	}

	rec, err := s.readItem(from, ref.Stage, ref.Filename)
	if err != nil {
		return err
	}

	targetContent := s.contentPath(to, ref.Stage, ref.Filename)
	if _, err := os.Stat(targetContent); err == nil {
		return common.ErrConflict
	}

	if approvedAt != nil {
		rec.Metadata.ApprovedAt = approvedAt
	}
	meta, err := json.MarshalIndent(rec.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(s.metaPath(to, ref.Stage, ref.Filename), meta); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	sourceContent := s.contentPath(from, ref.Stage, ref.Filename)
	if err := os.Rename(sourceContent, targetContent); err != nil {
		if !isCrossDevice(err) {
			// Roll the prepared metadata back so the failed move is a no-op.
			os.Remove(s.metaPath(to, ref.Stage, ref.Filename))
			return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		if err := s.copyWithMarker(ref, sourceContent, targetContent); err != nil {
			os.Remove(s.metaPath(to, ref.Stage, ref.Filename))
			return err
		}
	}

	os.Remove(s.metaPath(from, ref.Stage, ref.Filename))
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyWithMarker performs a copy+delete move guarded by a marker file so a
// crash mid-copy is reconciled on next startup instead of leaving two live
// copies.
func (s *FilesystemStore) copyWithMarker(ref Ref, source, target string) error {
	marker := s.markerPath(ref)
	record, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(marker, record); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	in, err := os.Open(source)
	if err != nil {
		os.Remove(marker)
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	data, err := io.ReadAll(in)
	in.Close()
	if err != nil {
		os.Remove(marker)
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(target, data); err != nil {
		os.Remove(marker)
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	os.Remove(source)
	os.Remove(marker)
	return nil
}

func (s *FilesystemStore) markerPath(ref Ref) string {
	name := moveMarkerPrefix + ref.Filename
	if ref.Stage == models.StageChunked {
		name = fmt.Sprintf("%s%s.%02d", moveMarkerPrefix, ref.Filename, ref.ChunkIndex)
	}
	return filepath.Join(s.root, name)
}

func (s *FilesystemStore) moveChunk(ref Ref, from, to models.Status, approvedAt *time.Time) error {
	rec, err := s.readChunk(from, ref.Filename, ref.ChunkIndex)
	if err != nil {
		return err
	}

	targetPath := s.chunkPath(to, ref.Filename, ref.ChunkIndex)
	if _, err := os.Stat(targetPath); err == nil {
		return common.ErrConflict
	}
	if err := filex.EnsureDir(filepath.Dir(targetPath)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	rec.Status = to
	if approvedAt != nil {
		rec.Metadata.ApprovedAt = approvedAt
	}
	doc, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal chunk: %v", common.ErrIOFailure, err)
	}

	marker := s.markerPath(ref)
	markerDoc, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(marker, markerDoc); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(targetPath, doc); err != nil {
		os.Remove(marker)
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}

	os.Remove(s.chunkPath(from, ref.Filename, ref.ChunkIndex))
	s.removeDirIfEmpty(filepath.Join(s.stageDir(from, models.StageChunked), ref.Filename))
	os.Remove(marker)
	return nil
}

func (s *FilesystemStore) removeDirIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}

func (s *FilesystemStore) Delete(ctx context.Context, status models.Status, ref Ref) error {
	if err := checkName(ref.Filename); err != nil {
		return err
	}
	if ref.Stage == models.StageChunked {
		path := s.chunkPath(status, ref.Filename, ref.ChunkIndex)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return common.ErrNotFound
			}
			return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
		}
		s.removeDirIfEmpty(filepath.Dir(path))
		return nil
	}

	contentPath := s.contentPath(status, ref.Stage, ref.Filename)
	if err := os.Remove(contentPath); err != nil {
		if os.IsNotExist(err) {
			return common.ErrNotFound
		}
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	os.Remove(s.metaPath(status, ref.Stage, ref.Filename))
	return nil
}

func (s *FilesystemStore) DeleteSource(ctx context.Context, status models.Status, source string) (int, error) {
	chunks, err := s.ListChunks(ctx, status, source)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	dir := filepath.Join(s.stageDir(status, models.StageChunked), source)
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return len(chunks), nil
}

// Recover reconciles interrupted moves:
//
//   - a marker whose target record is complete means the move committed; the
//     source copy is removed. A marker without a complete target rolls the
//     partial target back.
//   - metadata files without a matching content file are strays from a move
//     interrupted between the metadata write and the content rename.
func (s *FilesystemStore) Recover(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), moveMarkerPrefix) {
			continue
		}
		markerPath := filepath.Join(s.root, e.Name())
		doc, err := os.ReadFile(markerPath)
		if err != nil {
			continue
		}
		var ref Ref
		if err := json.Unmarshal(doc, &ref); err != nil {
			os.Remove(markerPath)
			continue
		}
		s.reconcileMove(ref)
		os.Remove(markerPath)
	}

	for _, status := range []models.Status{models.StatusPending, models.StatusApproved} {
		for _, stage := range []models.Stage{models.StageRaw, models.StageCleaned} {
			s.removeStrayMetadata(status, stage)
		}
	}
	return nil
}

func (s *FilesystemStore) reconcileMove(ref Ref) {
	if ref.Stage == models.StageChunked {
		target := s.chunkPath(models.StatusApproved, ref.Filename, ref.ChunkIndex)
		source := s.chunkPath(models.StatusPending, ref.Filename, ref.ChunkIndex)
		if _, err := os.Stat(target); err == nil {
			os.Remove(source)
			s.removeDirIfEmpty(filepath.Dir(source))
		}
		return
	}

	target := s.contentPath(models.StatusApproved, ref.Stage, ref.Filename)
	source := s.contentPath(models.StatusPending, ref.Stage, ref.Filename)
	if _, err := os.Stat(target); err == nil {
		os.Remove(source)
		os.Remove(s.metaPath(models.StatusPending, ref.Stage, ref.Filename))
	} else {
		os.Remove(s.metaPath(models.StatusApproved, ref.Stage, ref.Filename))
	}
}

func (s *FilesystemStore) removeStrayMetadata(status models.Status, stage models.Stage) {
	entries, err := os.ReadDir(s.stageDir(status, stage))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), metaExt)
		if _, err := os.Stat(s.contentPath(status, stage, name)); os.IsNotExist(err) {
			os.Remove(filepath.Join(s.stageDir(status, stage), e.Name()))
		}
	}
}
