package checkpoint

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	return store
}

func sampleCheckpoint(jobID string, stage entity.Stage) *entity.Checkpoint {
	return &entity.Checkpoint{
		JobID:          jobID,
		Stage:          stage,
		CheckpointTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Processed:      1,
		Total:          3,
		IngestedFields: []entity.Field{
			{Name: "patient_id", DataType: "int", Description: "subject identifier"},
			{Name: "bp_systolic", DataType: "float"},
			{Name: "visit_date", DataType: "date"},
		},
		AnalyzedFields: []entity.AnalyzedField{
			{Field: entity.Field{Name: "patient_id", DataType: "int"}, NamingConvention: "snake_case", TypeHint: "numeric", Identifier: true},
		},
		ProcessedFields: []string{"patient_id"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cp := sampleCheckpoint("job1", entity.StageEnriched)
	path, err := store.Save(cp)
	require.NoError(t, err)
	assert.FileExists(t, path)

	got, err := store.Load("job1", entity.StageEnriched)
	require.NoError(t, err)
	assert.Equal(t, cp.JobID, got.JobID)
	assert.Equal(t, cp.Stage, got.Stage)
	assert.True(t, cp.CheckpointTime.Equal(got.CheckpointTime))
	assert.Equal(t, cp.Processed, got.Processed)
	assert.Equal(t, cp.Total, got.Total)
	assert.Equal(t, cp.IngestedFields, got.IngestedFields)
	assert.Equal(t, cp.AnalyzedFields, got.AnalyzedFields)
	assert.Equal(t, cp.ProcessedFields, got.ProcessedFields)
	assert.Equal(t, path, got.Path)
}

func TestSaveReplacesSameStage(t *testing.T) {
	store := newTestStore(t)

	cp := sampleCheckpoint("job1", entity.StageEnriched)
	_, err := store.Save(cp)
	require.NoError(t, err)

	cp.Processed = 2
	cp.ProcessedFields = []string{"patient_id", "bp_systolic"}
	_, err = store.Save(cp)
	require.NoError(t, err)

	got, err := store.Load("job1", entity.StageEnriched)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Processed)

	summaries, err := store.List("job1")
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("nope", entity.StageIngested)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = store.LoadLatest("nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLoadLatestPicksMostRecentCheckpointTime(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Saved out of stage order; the recorded checkpoint time decides.
	for i, stage := range []entity.Stage{entity.StageEnriched, entity.StageIngested, entity.StageAnalyzed} {
		cp := sampleCheckpoint("job1", stage)
		cp.CheckpointTime = base.Add(time.Duration(i) * time.Minute)
		_, err := store.Save(cp)
		require.NoError(t, err)
	}

	got, err := store.LoadLatest("job1")
	require.NoError(t, err)
	assert.Equal(t, entity.StageAnalyzed, got.Stage)
}

func TestLoadLatestBreaksTimestampTiesByStage(t *testing.T) {
	// Back-to-back saves can carry identical timestamps; the furthest
	// stage must win or a resume would regress and redo finished work.
	store := newTestStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, stage := range entity.Stages {
		cp := sampleCheckpoint("job1", stage)
		cp.CheckpointTime = at
		cp.Processed = 3
		_, err := store.Save(cp)
		require.NoError(t, err)
	}

	got, err := store.LoadLatest("job1")
	require.NoError(t, err)
	assert.Equal(t, entity.StageFinalized, got.Stage)
}

func TestLoadLatestAfterInterruptedEnrichment(t *testing.T) {
	// An analyzed checkpoint followed immediately by an enriched one with
	// one item done: the resume point is the enriched snapshot, so the
	// finished item is never reapplied.
	store := newTestStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	analyzed := sampleCheckpoint("job1", entity.StageAnalyzed)
	analyzed.CheckpointTime = at
	analyzed.Processed = 0
	analyzed.ProcessedFields = nil
	_, err := store.Save(analyzed)
	require.NoError(t, err)

	enriched := sampleCheckpoint("job1", entity.StageEnriched)
	enriched.CheckpointTime = at.Add(time.Nanosecond)
	_, err = store.Save(enriched)
	require.NoError(t, err)

	got, err := store.LoadLatest("job1")
	require.NoError(t, err)
	assert.Equal(t, entity.StageEnriched, got.Stage)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, []string{"patient_id"}, got.ProcessedFields)
}

func TestSaveRejectsInvalidCheckpoint(t *testing.T) {
	store := newTestStore(t)

	cp := sampleCheckpoint("job1", entity.StageEnriched)
	cp.Processed = 5 // exceeds total
	_, err := store.Save(cp)
	assert.ErrorIs(t, err, common.ErrValidation)

	cp = sampleCheckpoint("job1", "half-done")
	_, err = store.Save(cp)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestLoadRejectsMalformedContent(t *testing.T) {
	store := newTestStore(t)

	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), name), []byte(content), 0o644))
	}

	// Non-numeric counter.
	write("job1_ingested.json", `{"job_id":"job1","stage":"ingested","checkpoint_time":"2025-06-01T12:00:00Z","processed":"abc","total":3}`)
	_, err := store.Load("job1", entity.StageIngested)
	assert.ErrorIs(t, err, common.ErrValidation)

	// Unknown stage.
	write("job2_ingested.json", `{"job_id":"job2","stage":"warming","checkpoint_time":"2025-06-01T12:00:00Z","processed":0,"total":3}`)
	_, err = store.Load("job2", entity.StageIngested)
	assert.ErrorIs(t, err, common.ErrValidation)

	// Processed beyond total passes the schema but fails validation.
	write("job3_ingested.json", `{"job_id":"job3","stage":"ingested","checkpoint_time":"2025-06-01T12:00:00Z","processed":9,"total":3}`)
	_, err = store.Load("job3", entity.StageIngested)
	assert.ErrorIs(t, err, common.ErrValidation)

	// Not JSON at all.
	write("job4_ingested.json", "not json")
	_, err = store.Load("job4", entity.StageIngested)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestListSortsNewestFirstAndFilters(t *testing.T) {
	store := newTestStore(t)

	older := sampleCheckpoint("job1", entity.StageIngested)
	older.CheckpointTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err := store.Save(older)
	require.NoError(t, err)

	newer := sampleCheckpoint("job1", entity.StageAnalyzed)
	newer.CheckpointTime = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	_, err = store.Save(newer)
	require.NoError(t, err)

	other := sampleCheckpoint("job2", entity.StageIngested)
	other.CheckpointTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err = store.Save(other)
	require.NoError(t, err)

	all, err := store.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "job2", all[0].JobID)
	assert.Equal(t, entity.StageAnalyzed, all[1].Stage)
	assert.Equal(t, entity.StageIngested, all[2].Stage)
	assert.Equal(t, "1/3", all[0].Progress)

	onlyJob1, err := store.List("job1")
	require.NoError(t, err)
	assert.Len(t, onlyJob1, 2)
}

func TestPruneKeepsLatestN(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, stage := range entity.Stages {
		cp := sampleCheckpoint("job1", stage)
		cp.CheckpointTime = base.Add(time.Duration(i) * time.Minute)
		cp.Processed = 3
		_, err := store.Save(cp)
		require.NoError(t, err)
	}

	require.NoError(t, store.Prune("job1", 2))
	summaries, err := store.List("job1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.Contains(t, []entity.Stage{entity.StageEnriched, entity.StageFinalized}, s.Stage)
	}
}

func TestPruneZeroRemovesAll(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(sampleCheckpoint("job1", entity.StageIngested))
	require.NoError(t, err)
	_, err = store.Save(sampleCheckpoint("job1", entity.StageAnalyzed))
	require.NoError(t, err)

	require.NoError(t, store.Prune("job1", 0))
	summaries, err := store.List("job1")
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestPruneFewerThanKeepIsNoOp(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(sampleCheckpoint("job1", entity.StageIngested))
	require.NoError(t, err)

	require.NoError(t, store.Prune("job1", 5))
	summaries, err := store.List("job1")
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestPruneDoesNotTouchOtherJobs(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(sampleCheckpoint("job1", entity.StageIngested))
	require.NoError(t, err)
	_, err = store.Save(sampleCheckpoint("job2", entity.StageIngested))
	require.NoError(t, err)

	require.NoError(t, store.Prune("job1", 0))

	summaries, err := store.List("job2")
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}
