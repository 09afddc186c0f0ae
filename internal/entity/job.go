package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the canonical status for rows in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusRunning   JobStatus = "Running"   // in progress
	JobStatusPaused    JobStatus = "Paused"    // finished processing, pending review
	JobStatusCompleted JobStatus = "Completed" // terminal success
	JobStatusFailed    JobStatus = "Failed"    // terminal failure, resumable
)

// ValidStatus reports whether s is one of the stable status values.
func ValidStatus(s JobStatus) bool {
	switch s {
	case JobStatusRunning, JobStatusPaused, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job represents one end-to-end pipeline run.
type Job struct {
	ID         string    `json:"id"`
	SourceFile string    `json:"source_file"`
	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewJobID returns a short random job identifier: the first 12 hex
// characters of a UUID.
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
