package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/server/models"
)

func newTestFS(t *testing.T) *FilesystemStore {
	t.Helper()
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func itemRecord(stage models.Stage, status models.Status, filename, content string, submittedAt time.Time) *models.Record {
	return &models.Record{
		Stage:    stage,
		Status:   status,
		Filename: filename,
		Content:  content,
		Metadata: models.Metadata{
			ID:          "id-" + filename,
			Language:    "ta",
			Category:    "science",
			CreatedAt:   submittedAt,
			SubmittedAt: submittedAt,
		},
	}
}

func chunkRecord(status models.Status, source string, index int, submittedAt time.Time) *models.Record {
	return &models.Record{
		Stage:    models.StageChunked,
		Status:   status,
		Filename: source,
		Chunk: &models.Chunk{
			ChunkID:        fmt.Sprintf("ta_science_%s_%04d", source, index),
			SourceFilename: source,
			ChunkIndex:     index,
			Text:           fmt.Sprintf("chunk %d", index),
		},
		Metadata: models.Metadata{
			ID:          fmt.Sprintf("id-%s-%d", source, index),
			Language:    "ta",
			CreatedAt:   submittedAt,
			SubmittedAt: submittedAt,
		},
	}
}

func TestPutGetItem(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := itemRecord(models.StageRaw, models.StatusPending, "lesson_1.txt", "உள்ளடக்கம்", now)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, models.StatusPending, ItemRef(models.StageRaw, "lesson_1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "உள்ளடக்கம்", got.Content)
	assert.Equal(t, "id-lesson_1.txt", got.Metadata.ID)
	assert.Equal(t, now, got.Metadata.SubmittedAt)

	// Both the content file and the metadata sidecar exist on disk.
	assert.FileExists(t, filepath.Join(s.root, "pending", "raw", "lesson_1.txt.txt"))
	assert.FileExists(t, filepath.Join(s.root, "pending", "raw", "lesson_1.txt.meta.json"))
}

func TestPutConflict(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "x", now)))
	err := s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "y", now))
	assert.ErrorIs(t, err, common.ErrConflict)

	// Same filename in a different partition is fine.
	require.NoError(t, s.Put(ctx, itemRecord(models.StageCleaned, models.StatusPending, "a.txt", "y", now)))
	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusApproved, "a.txt", "y", now)))
}

func TestGetMissing(t *testing.T) {
	s := newTestFS(t)
	_, err := s.Get(context.Background(), models.StatusPending, ItemRef(models.StageRaw, "nope.txt"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.Get(context.Background(), models.StatusPending, ChunkRef("nope.txt", 0))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPutGetChunk(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := chunkRecord(models.StatusPending, "lesson_1.txt", 3, now)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, models.StatusPending, ChunkRef("lesson_1.txt", 3))
	require.NoError(t, err)
	require.NotNil(t, got.Chunk)
	assert.Equal(t, 3, got.Chunk.ChunkIndex)
	assert.Equal(t, "chunk 3", got.Chunk.Text)

	assert.FileExists(t, filepath.Join(s.root, "pending", "chunked", "lesson_1.txt", "chunk_03.json"))

	err = s.Put(ctx, chunkRecord(models.StatusPending, "lesson_1.txt", 3, now))
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestPutBatchRollsBackOnConflict(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "lesson_1.txt", 1, now)))

	err := s.PutBatch(ctx, []*models.Record{
		chunkRecord(models.StatusPending, "lesson_1.txt", 0, now),
		chunkRecord(models.StatusPending, "lesson_1.txt", 1, now),
	})
	assert.ErrorIs(t, err, common.ErrConflict)

	_, err = s.Get(ctx, models.StatusPending, ChunkRef("lesson_1.txt", 0))
	assert.ErrorIs(t, err, common.ErrNotFound, "the chunk created before the conflict is rolled back")
}

func TestReplace(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.Replace(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "x", now))
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "x", now)))

	updated := itemRecord(models.StageRaw, models.StatusPending, "a.txt", "revised", now)
	updated.Metadata.UpdatedBy = "admin"
	require.NoError(t, s.Replace(ctx, updated))

	got, err := s.Get(ctx, models.StatusPending, ItemRef(models.StageRaw, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "revised", got.Content)
	assert.Equal(t, "admin", got.Metadata.UpdatedBy)
}

func TestListOrdering(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "older.txt", "x", base)))
	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "newer.txt", "y", base.Add(time.Hour))))

	recs, err := s.List(ctx, models.StageRaw, models.StatusPending, OrderBySubmittedAt)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "newer.txt", recs[0].Filename, "newest first")
	assert.Equal(t, "older.txt", recs[1].Filename)

	recs, err = s.List(ctx, models.StageCleaned, models.StatusPending, OrderBySubmittedAt)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListChunkedStage(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "a.txt", 0, now)))
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "a.txt", 1, now)))
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "b.txt", 0, now)))

	recs, err := s.List(ctx, models.StageChunked, models.StatusPending, OrderBySubmittedAt)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	sources, err := s.ListChunkSources(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, sources)

	count, err := s.CountChunks(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCountChunksSpansPartitions(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "a.txt", 0, now)))
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusApproved, "a.txt", 1, now)))

	count, err := s.CountChunks(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCountChunksIgnoresMidMoveDuplicate(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Index 0 present in both partitions is exactly the state a chunk
	// approval passes through between writing the approved copy and removing
	// the pending one. The count must not inflate and open an index gap.
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "a.txt", 0, now)))
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusApproved, "a.txt", 0, now)))
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "a.txt", 1, now)))

	count, err := s.CountChunks(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRejectsPathEscapingNames(t *testing.T) {
	base := t.TempDir()
	s, err := NewFilesystemStore(filepath.Join(base, "store"))
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	victim := filepath.Join(base, "victim.txt")
	require.NoError(t, os.WriteFile(victim, []byte("off limits"), 0o600))

	escape := "../../../victim"
	ref := ItemRef(models.StageRaw, escape)

	_, err = s.Get(ctx, models.StatusPending, ref)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	err = s.Delete(ctx, models.StatusPending, ref)
	assert.ErrorIs(t, err, common.ErrInvalidState)
	assert.FileExists(t, victim, "nothing outside the root may be touched")

	err = s.Move(ctx, ref, models.StatusPending, models.StatusApproved, &now)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	err = s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, escape, "x", now))
	assert.ErrorIs(t, err, common.ErrInvalidState)

	err = s.Replace(ctx, itemRecord(models.StageRaw, models.StatusPending, escape, "x", now))
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = s.ListChunks(ctx, models.StatusPending, "../outside")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = s.DeleteSource(ctx, models.StatusPending, "../outside")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	for _, name := range []string{"", ".", "..", `a\b`} {
		_, err = s.Get(ctx, models.StatusPending, ItemRef(models.StageRaw, name))
		assert.ErrorIs(t, err, common.ErrInvalidState, "name %q", name)
	}
}

func TestMoveItem(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()
	approvedAt := now.Add(time.Minute).Truncate(time.Second)

	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "body", now)))
	require.NoError(t, s.Move(ctx, ItemRef(models.StageRaw, "a.txt"), models.StatusPending, models.StatusApproved, &approvedAt))

	got, err := s.Get(ctx, models.StatusApproved, ItemRef(models.StageRaw, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "body", got.Content)
	require.NotNil(t, got.Metadata.ApprovedAt)
	assert.Equal(t, approvedAt, *got.Metadata.ApprovedAt)

	_, err = s.Get(ctx, models.StatusPending, ItemRef(models.StageRaw, "a.txt"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	// No stray pending metadata left behind.
	assert.NoFileExists(t, filepath.Join(s.root, "pending", "raw", "a.txt.meta.json"))
}

func TestMoveMissingAndConflict(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.Move(ctx, ItemRef(models.StageRaw, "nope.txt"), models.StatusPending, models.StatusApproved, nil)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "x", now)))
	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusApproved, "a.txt", "y", now)))

	err = s.Move(ctx, ItemRef(models.StageRaw, "a.txt"), models.StatusPending, models.StatusApproved, nil)
	assert.ErrorIs(t, err, common.ErrConflict)

	// The failed move left the pending record intact.
	got, err := s.Get(ctx, models.StatusPending, ItemRef(models.StageRaw, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", got.Content)
}

func TestMoveChunk(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()
	approvedAt := now.Truncate(time.Second)

	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusPending, "a.txt", 0, now)))
	require.NoError(t, s.Move(ctx, ChunkRef("a.txt", 0), models.StatusPending, models.StatusApproved, &approvedAt))

	got, err := s.Get(ctx, models.StatusApproved, ChunkRef("a.txt", 0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
	require.NotNil(t, got.Metadata.ApprovedAt)

	_, err = s.Get(ctx, models.StatusPending, ChunkRef("a.txt", 0))
	assert.ErrorIs(t, err, common.ErrNotFound)

	// The emptied pending source directory and the marker are cleaned up.
	assert.NoDirExists(t, filepath.Join(s.root, "pending", "chunked", "a.txt"))
	entries, err := os.ReadDir(s.root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Type().IsRegular() && e.Name()[0] == '.', "leftover marker %s", e.Name())
	}
}

func TestDelete(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "x", now)))
	require.NoError(t, s.Delete(ctx, models.StatusPending, ItemRef(models.StageRaw, "a.txt")))
	assert.ErrorIs(t, s.Delete(ctx, models.StatusPending, ItemRef(models.StageRaw, "a.txt")), common.ErrNotFound)

	assert.NoFileExists(t, filepath.Join(s.root, "pending", "raw", "a.txt.meta.json"))
}

func TestDeleteSource(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusApproved, "a.txt", 0, now)))
	require.NoError(t, s.Put(ctx, chunkRecord(models.StatusApproved, "a.txt", 1, now)))

	removed, err := s.DeleteSource(ctx, models.StatusApproved, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = s.DeleteSource(ctx, models.StatusApproved, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestRecoverRemovesStrayMetadata(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	// Simulate a crash between the target metadata write and the content
	// rename: approved metadata exists without content.
	stray := filepath.Join(s.root, "approved", "raw", "a.txt.meta.json")
	require.NoError(t, os.WriteFile(stray, []byte(`{"id":"x"}`), 0o644))

	require.NoError(t, s.Recover(ctx))
	assert.NoFileExists(t, stray)
}

func TestRecoverReconcilesCommittedMove(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A committed cross-device move that crashed before removing the source:
	// both copies exist plus the marker.
	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "body", now)))
	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusApproved, "a.txt", "body", now)))
	ref := ItemRef(models.StageRaw, "a.txt")
	require.NoError(t, os.WriteFile(s.markerPath(ref), []byte(`{"Stage":"raw","Filename":"a.txt","ChunkIndex":-1}`), 0o644))

	require.NoError(t, s.Recover(ctx))

	_, err := s.Get(ctx, models.StatusApproved, ref)
	assert.NoError(t, err, "the committed target survives")
	_, err = s.Get(ctx, models.StatusPending, ref)
	assert.ErrorIs(t, err, common.ErrNotFound, "the stale source copy is removed")
	assert.NoFileExists(t, s.markerPath(ref))
}

func TestRecoverRollsBackUncommittedMove(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A move that crashed after writing target metadata but before the
	// content rename: pending record intact, approved metadata stray,
	// marker present.
	require.NoError(t, s.Put(ctx, itemRecord(models.StageRaw, models.StatusPending, "a.txt", "body", now)))
	strayMeta := filepath.Join(s.root, "approved", "raw", "a.txt.meta.json")
	require.NoError(t, os.WriteFile(strayMeta, []byte(`{"id":"x"}`), 0o644))
	ref := ItemRef(models.StageRaw, "a.txt")
	require.NoError(t, os.WriteFile(s.markerPath(ref), []byte(`{"Stage":"raw","Filename":"a.txt","ChunkIndex":-1}`), 0o644))

	require.NoError(t, s.Recover(ctx))

	got, err := s.Get(ctx, models.StatusPending, ref)
	require.NoError(t, err, "the uncommitted move rolls back to pending")
	assert.Equal(t, "body", got.Content)
	assert.NoFileExists(t, strayMeta)
}
