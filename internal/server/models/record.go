// Package models defines the durable record types moving through the
// raw → cleaned → chunked curation pipeline.
package models

import (
	"strings"
	"time"
)

// Stage is a phase of content processing.
type Stage string

const (
	StageRaw     Stage = "raw"
	StageCleaned Stage = "cleaned"
	StageChunked Stage = "chunked"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageRaw, StageCleaned, StageChunked:
		return true
	}
	return false
}

// ValidFilename reports whether name is safe to use as a record identifier.
// Names with path separators or dot components are rejected so a crafted
// filename can never address anything outside a store's own namespace.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Status is the moderation state of a record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// Metadata carries the semantic fields of an item record. Source is the
// lineage pointer to the upstream stage's filename; it is empty for raw
// records.
type Metadata struct {
	ID          string     `json:"id"`
	Language    string     `json:"language,omitempty"`
	Category    string     `json:"category,omitempty"`
	Source      string     `json:"source,omitempty"`
	Length      int        `json:"length,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
}

// Chunk holds the structured fields of a chunked-stage record. ChunkIndex is
// zero-based and unique per (source filename, status) at submission time;
// ChunkID is derived deterministically and never changes afterwards.
type Chunk struct {
	ChunkID        string `json:"chunk_id"`
	SourceFilename string `json:"source_filename"`
	ChunkIndex     int    `json:"chunk_index"`
	Text           string `json:"text"`
	Category       string `json:"category,omitempty"`
	Overlap        string `json:"overlap,omitempty"`
}

// Record is the unit of work at any stage. Raw and cleaned records carry
// Content; chunked records carry Chunk instead. A (stage, status, filename)
// triple is unique; for chunks the filename is the source filename and
// uniqueness extends to the chunk index.
type Record struct {
	Stage    Stage    `json:"stage"`
	Status   Status   `json:"status"`
	Filename string   `json:"filename"`
	Content  string   `json:"content,omitempty"`
	Chunk    *Chunk   `json:"chunk,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// IsChunk reports whether the record belongs to the chunked stage.
func (r *Record) IsChunk() bool {
	return r.Stage == StageChunked
}
