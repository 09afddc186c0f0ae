package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/entity"
)

// Store persists checkpoints as JSON files under Dir, one file per
// (job, stage) key: {dir}/{jobID}_{stage}.json. A later save for the same
// key replaces the file; the latest checkpoint for a job is the one with
// the most recent recorded checkpoint time across its stages.
type Store struct {
	dir    string
	schema map[string]any
	log    *slog.Logger
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create checkpoint dir %s: %v", common.ErrStorage, dir, err)
	}
	return &Store{dir: dir, schema: BuildCheckpointJSONSchema(), log: log}, nil
}

// Dir returns the checkpoint root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(jobID string, stage entity.Stage) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", jobID, stage))
}

// Save persists cp and returns the file path it was written to. Save
// failures surface to the caller; silent checkpoint loss would defeat the
// resumability guarantee.
func (s *Store) Save(cp *entity.Checkpoint) (string, error) {
	if err := cp.Validate(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal checkpoint: %v", common.ErrStorage, err)
	}

	path := s.path(cp.JobID, cp.Stage)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write checkpoint %s: %v", common.ErrStorage, tmp, err)
	}
	// Rename so a crash mid-write never leaves a torn checkpoint behind.
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: replace checkpoint %s: %v", common.ErrStorage, path, err)
	}

	s.log.Info("checkpoint.saved",
		"job_id", cp.JobID,
		"stage", cp.Stage,
		"processed", cp.Processed,
		"total", cp.Total,
		"path", path,
	)
	return path, nil
}

// Load reads the checkpoint for (jobID, stage). Returns common.ErrNotFound
// when no such checkpoint exists and common.ErrValidation when the file
// content is malformed.
func (s *Store) Load(jobID string, stage entity.Stage) (*entity.Checkpoint, error) {
	return s.read(s.path(jobID, stage))
}

// LoadLatest returns the checkpoint with the most recent recorded
// checkpoint time across all stages for jobID, breaking timestamp ties by
// stage order. File mtimes are not used: saves within one run can land
// inside the filesystem's timestamp granularity, and a mtime tie would
// resolve to glob order and resume an earlier stage.
func (s *Store) LoadLatest(jobID string) (*entity.Checkpoint, error) {
	paths, err := s.glob(jobID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no checkpoint for job %s", common.ErrNotFound, jobID)
	}

	stamped := make([]stampedPath, 0, len(paths))
	for _, p := range paths {
		sp, err := s.stamp(p)
		if err != nil {
			return nil, err
		}
		stamped = append(stamped, sp)
	}
	sortNewestFirst(stamped)
	return s.read(stamped[0].path)
}

// stampedPath orders a checkpoint file by its recorded checkpoint time and
// stage rank.
type stampedPath struct {
	path string
	at   time.Time
	rank int
}

func (s *Store) stamp(path string) (stampedPath, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stampedPath{}, fmt.Errorf("%w: read checkpoint %s: %v", common.ErrStorage, path, err)
	}
	var cp entity.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return stampedPath{}, fmt.Errorf("%w: decode checkpoint %s: %v", common.ErrValidation, path, err)
	}
	return stampedPath{path: path, at: cp.CheckpointTime, rank: entity.StageRank(cp.Stage)}, nil
}

func sortNewestFirst(stamped []stampedPath) {
	sort.Slice(stamped, func(i, j int) bool {
		if !stamped[i].at.Equal(stamped[j].at) {
			return stamped[i].at.After(stamped[j].at)
		}
		return stamped[i].rank > stamped[j].rank
	})
}

func (s *Store) read(path string) (*entity.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: checkpoint %s", common.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read checkpoint %s: %v", common.ErrStorage, path, err)
	}

	if err := ValidateJSONAgainstSchema(s.schema, data); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s: %v", common.ErrValidation, path, err)
	}
	var cp entity.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: decode checkpoint %s: %v", common.ErrValidation, path, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	cp.Path = path

	s.log.Info("checkpoint.loaded",
		"job_id", cp.JobID,
		"stage", cp.Stage,
		"processed", cp.Processed,
		"total", cp.Total,
	)
	return &cp, nil
}

// List enumerates stored checkpoints newest-first, optionally filtered by
// job. Unreadable files are logged and skipped.
func (s *Store) List(jobID string) ([]entity.CheckpointSummary, error) {
	pattern := "*.json"
	if jobID != "" {
		pattern = jobID + "_*.json"
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", common.ErrStorage, err)
	}

	summaries := make([]entity.CheckpointSummary, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			s.log.Warn("checkpoint.list_skip", "path", p, "error", err)
			continue
		}
		var cp entity.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.log.Warn("checkpoint.list_skip", "path", p, "error", err)
			continue
		}
		summaries = append(summaries, entity.CheckpointSummary{
			Path:           p,
			JobID:          cp.JobID,
			Stage:          cp.Stage,
			CheckpointTime: cp.CheckpointTime,
			Progress:       fmt.Sprintf("%d/%d", cp.Processed, cp.Total),
			SizeKB:         float64(len(data)) / 1024,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CheckpointTime.After(summaries[j].CheckpointTime)
	})
	return summaries, nil
}

// Prune deletes all but the keepLatest most recent checkpoints for jobID,
// ordered the same way LoadLatest picks its resume point. keepLatest of
// zero removes everything; fewer files than keepLatest is a no-op.
// Individual delete failures are logged, not fatal.
func (s *Store) Prune(jobID string, keepLatest int) error {
	if keepLatest < 0 {
		return fmt.Errorf("%w: negative keepLatest %d", common.ErrInvalidInput, keepLatest)
	}
	paths, err := s.glob(jobID)
	if err != nil {
		return err
	}
	if len(paths) <= keepLatest {
		return nil
	}

	stamped := make([]stampedPath, 0, len(paths))
	for _, p := range paths {
		sp, err := s.stamp(p)
		if err != nil {
			// Undecodable files sort oldest and get pruned first.
			s.log.Warn("checkpoint.prune_unreadable", "path", p, "error", err)
			sp = stampedPath{path: p, rank: -1}
		}
		stamped = append(stamped, sp)
	}
	sortNewestFirst(stamped)

	for _, sp := range stamped[keepLatest:] {
		if err := os.Remove(sp.path); err != nil {
			s.log.Warn("checkpoint.prune_skip", "path", sp.path, "error", err)
			continue
		}
		s.log.Info("checkpoint.pruned", "job_id", jobID, "path", sp.path)
	}
	return nil
}

func (s *Store) glob(jobID string) ([]string, error) {
	if strings.ContainsAny(jobID, `*?[]/\`) {
		return nil, fmt.Errorf("%w: job id %q", common.ErrInvalidInput, jobID)
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, jobID+"_*.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: glob checkpoints for %s: %v", common.ErrStorage, jobID, err)
	}
	return paths, nil
}
