// Package ledger tracks per-item external-publish status. The ledger is a
// sidecar persisted separately from the record store so ledger corruption
// cannot corrupt content. Entries are written atomically per mutation.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/filex"
	"github.com/mozhii/curator/internal/server/models"
)

// Entry records the publish state of one item. Pushed flips to true only
// after the external store acknowledged every artifact of the unit.
type Entry struct {
	Pushed    bool       `json:"pushed"`
	RemoteRef string     `json:"remote_ref,omitempty"`
	PushedAt  *time.Time `json:"pushed_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Key addresses a raw/cleaned item in the ledger.
func Key(stage models.Stage, filename string) string {
	return fmt.Sprintf("%s/%s", stage, filename)
}

// ChunkKey addresses one chunk of a source file.
func ChunkKey(source string, index int) string {
	return fmt.Sprintf("%s/%s/%02d", models.StageChunked, source, index)
}

// Ledger is the persisted publish ledger. Implementations must make each
// mutation durable before returning.
type Ledger interface {
	Get(key string) (Entry, bool)
	MarkPushed(key, remoteRef string) error
	MarkFailed(key, reason string) error
	Discard(key string) error
	DiscardPrefix(prefix string) error
}

// FileLedger keeps the whole ledger in one JSON document rewritten via
// temp-file+rename on every mutation. The map is small (one entry per
// approved item) so the full rewrite is cheap and keeps recovery trivial.
type FileLedger struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// OpenFileLedger loads the ledger at path, starting empty when the file
// does not exist yet.
func OpenFileLedger(path string) (*FileLedger, error) {
	l := &FileLedger{path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("%w: read ledger: %v", common.ErrIOFailure, err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("%w: decode ledger %s: %v", common.ErrIOFailure, path, err)
	}
	return l, nil
}

func (l *FileLedger) Get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return e, ok
}

func (l *FileLedger) MarkPushed(key, remoteRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	l.entries[key] = Entry{Pushed: true, RemoteRef: remoteRef, PushedAt: &now}
	return l.persistLocked()
}

func (l *FileLedger) MarkFailed(key, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.Pushed = false
	e.LastError = reason
	l.entries[key] = e
	return l.persistLocked()
}

func (l *FileLedger) Discard(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; !ok {
		return nil
	}
	delete(l.entries, key)
	return l.persistLocked()
}

func (l *FileLedger) DiscardPrefix(prefix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := false
	for key := range l.entries {
		if strings.HasPrefix(key, prefix) {
			delete(l.entries, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.persistLocked()
}

func (l *FileLedger) persistLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode ledger: %v", common.ErrIOFailure, err)
	}
	if err := filex.WriteAtomic(l.path, data); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIOFailure, err)
	}
	return nil
}
