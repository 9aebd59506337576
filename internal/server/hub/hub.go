// Package hub uploads approved curation records to the remote dataset hub.
package hub

import (
	"context"
)

// Client pushes approved artifacts to the hub. Each method returns the
// remote reference of the stored object.
//
// Error contract: transient transport and service failures surface as
// common.ErrRemoteUnavailable, credential problems as common.ErrAuthRejected
// and write races as common.ErrRemoteConflict, all matchable via errors.Is.
type Client interface {
	// UploadContent stores the text body of a raw or cleaned record.
	UploadContent(ctx context.Context, stage, filename string, body []byte) (string, error)

	// UploadMetadata stores the metadata sidecar of a raw record.
	UploadMetadata(ctx context.Context, stage, filename string, body []byte) (string, error)

	// UploadChunk stores one chunk document of a source file.
	UploadChunk(ctx context.Context, source string, index int, body []byte) (string, error)

	// ListContent returns the keys stored under a stage prefix.
	ListContent(ctx context.Context, stage string) ([]string, error)

	// Download fetches one stored object by key. A missing key fails with
	// common.ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)
}
