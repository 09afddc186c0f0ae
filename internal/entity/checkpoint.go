package entity

import (
	"fmt"
	"time"

	"github.com/datadict/dictpipe/internal/common"
)

// Stage is one ordered phase of the pipeline whose output is checkpointed.
type Stage string

const (
	StageIngested  Stage = "ingested"
	StageAnalyzed  Stage = "analyzed"
	StageEnriched  Stage = "enriched"
	StageFinalized Stage = "finalized"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{StageIngested, StageAnalyzed, StageEnriched, StageFinalized}

// StageRank returns the position of s in the pipeline order, or -1 for an
// unrecognized stage. Resume decisions compare ranks, never raw strings.
func StageRank(s Stage) int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// AtOrBeyond reports whether s is at or beyond target in pipeline order.
func (s Stage) AtOrBeyond(target Stage) bool {
	r, t := StageRank(s), StageRank(target)
	return r >= 0 && t >= 0 && r >= t
}

// Checkpoint is an immutable snapshot of pipeline progress for one job.
// A new checkpoint supersedes the prior one for the same (job, stage) key;
// it is never mutated in place.
type Checkpoint struct {
	JobID          string          `json:"job_id"`
	Stage          Stage           `json:"stage"`
	CheckpointTime time.Time       `json:"checkpoint_time"`
	Processed      int             `json:"processed"`
	Total          int             `json:"total"`
	IngestedFields []Field         `json:"ingested_fields,omitempty"`
	AnalyzedFields []AnalyzedField `json:"analyzed_fields,omitempty"`
	// ProcessedFields holds the stable identifiers of items already
	// completed within the enrichment stage.
	ProcessedFields []string `json:"processed_fields,omitempty"`

	// Path is the file the checkpoint was loaded from. Not serialized.
	Path string `json:"-"`
}

// Validate checks checkpoint content invariants before resumed state is
// trusted. Malformed snapshots fail here at load time, not at point of use.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("%w: checkpoint missing job_id", common.ErrValidation)
	}
	if StageRank(c.Stage) < 0 {
		return fmt.Errorf("%w: unrecognized stage %q", common.ErrValidation, c.Stage)
	}
	if c.Processed < 0 || c.Total < 0 {
		return fmt.Errorf("%w: negative counters (processed=%d total=%d)", common.ErrValidation, c.Processed, c.Total)
	}
	if c.Processed > c.Total {
		return fmt.Errorf("%w: processed %d exceeds total %d", common.ErrValidation, c.Processed, c.Total)
	}
	return nil
}

// ProcessedSet returns the processed identifiers as a set for skip checks.
func (c *Checkpoint) ProcessedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ProcessedFields))
	for _, name := range c.ProcessedFields {
		set[name] = struct{}{}
	}
	return set
}

// CheckpointSummary describes one stored checkpoint for listings.
type CheckpointSummary struct {
	Path           string    `json:"path"`
	JobID          string    `json:"job_id"`
	Stage          Stage     `json:"stage"`
	CheckpointTime time.Time `json:"checkpoint_time"`
	Progress       string    `json:"progress"`
	SizeKB         float64   `json:"size_kb"`
}
