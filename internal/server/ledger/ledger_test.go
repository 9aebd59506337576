package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozhii/curator/internal/server/models"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "raw/lesson_1.txt", Key(models.StageRaw, "lesson_1.txt"))
	assert.Equal(t, "cleaned/lesson_1.txt", Key(models.StageCleaned, "lesson_1.txt"))
	assert.Equal(t, "chunked/lesson_1.txt/07", ChunkKey("lesson_1.txt", 7))
}

func TestMarkPushedAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)

	_, ok := l.Get("raw/a.txt")
	assert.False(t, ok)

	require.NoError(t, l.MarkPushed("raw/a.txt", "s3://curated/raw/a.txt.txt"))

	entry, ok := l.Get("raw/a.txt")
	require.True(t, ok)
	assert.True(t, entry.Pushed)
	assert.Equal(t, "s3://curated/raw/a.txt.txt", entry.RemoteRef)
	require.NotNil(t, entry.PushedAt)
	assert.Empty(t, entry.LastError)
}

func TestMarkFailedClearsPushed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)

	require.NoError(t, l.MarkPushed("raw/a.txt", "ref"))
	require.NoError(t, l.MarkFailed("raw/a.txt", "connection refused"))

	entry, ok := l.Get("raw/a.txt")
	require.True(t, ok)
	assert.False(t, entry.Pushed)
	assert.Equal(t, "connection refused", entry.LastError)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	l, err := OpenFileLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.MarkPushed("raw/a.txt", "ref-a"))
	require.NoError(t, l.MarkFailed("cleaned/b.txt", "boom"))

	reopened, err := OpenFileLedger(path)
	require.NoError(t, err)

	entry, ok := reopened.Get("raw/a.txt")
	require.True(t, ok)
	assert.True(t, entry.Pushed)
	assert.Equal(t, "ref-a", entry.RemoteRef)

	entry, ok = reopened.Get("cleaned/b.txt")
	require.True(t, ok)
	assert.False(t, entry.Pushed)
	assert.Equal(t, "boom", entry.LastError)
}

func TestDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)

	require.NoError(t, l.MarkPushed("raw/a.txt", "ref"))
	require.NoError(t, l.Discard("raw/a.txt"))

	_, ok := l.Get("raw/a.txt")
	assert.False(t, ok)

	// Discarding an absent key is a no-op.
	require.NoError(t, l.Discard("raw/a.txt"))
}

func TestDiscardPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)

	require.NoError(t, l.MarkPushed(ChunkKey("a.txt", 0), "r0"))
	require.NoError(t, l.MarkPushed(ChunkKey("a.txt", 1), "r1"))
	require.NoError(t, l.MarkPushed(ChunkKey("b.txt", 0), "r2"))

	require.NoError(t, l.DiscardPrefix("chunked/a.txt/"))

	_, ok := l.Get(ChunkKey("a.txt", 0))
	assert.False(t, ok)
	_, ok = l.Get(ChunkKey("a.txt", 1))
	assert.False(t, ok)
	_, ok = l.Get(ChunkKey("b.txt", 0))
	assert.True(t, ok, "other sources keep their entries")
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenFileLedger(path)
	assert.Error(t, err)
}
