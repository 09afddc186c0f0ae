package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadict/dictpipe/internal/checkpoint"
	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/dictionary"
	"github.com/datadict/dictpipe/internal/entity"
	"github.com/datadict/dictpipe/internal/repository"
	"github.com/datadict/dictpipe/internal/retry"
	"github.com/datadict/dictpipe/internal/version"
)

const sampleSource = `variable_name,data_type,description
patient_id,int,Subject identifier
bp_systolic,float,Systolic blood pressure
visit_date,date,Date of clinic visit
`

// scriptedEnricher fails fields listed in failOn until they are cleared,
// and counts calls per field.
type scriptedEnricher struct {
	failOn map[string]error
	calls  map[string]int
}

func newScriptedEnricher() *scriptedEnricher {
	return &scriptedEnricher{failOn: make(map[string]error), calls: make(map[string]int)}
}

func (e *scriptedEnricher) Enrich(_ context.Context, field entity.AnalyzedField) (entity.DocumentedField, error) {
	e.calls[field.Name]++
	if err := e.failOn[field.Name]; err != nil {
		return entity.DocumentedField{}, err
	}
	return entity.DocumentedField{
		Name:    field.Name,
		Content: fmt.Sprintf("# %s\n\ndocumentation for %s", field.Name, field.Name),
	}, nil
}

type collectingSink struct {
	items []entity.DocumentedField
}

func (s *collectingSink) Emit(_ context.Context, _ string, item entity.DocumentedField, _ bool) error {
	s.items = append(s.items, item)
	return nil
}

type testPipeline struct {
	controller *Controller
	jobs       repository.JobRepository
	store      *checkpoint.Store
	ledger     *version.Ledger
	enricher   *scriptedEnricher
	sink       *collectingSink
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	db, err := repository.Open(context.Background(), common.DatabaseConfig{DSN: "sqlite::memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := checkpoint.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	ledger, err := version.Open(version.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	// A single attempt and no spacing keeps failure tests instant.
	governor := retry.NewGovernor(common.RetryConfig{
		MaxRetries:    1,
		BaseDelay:     time.Millisecond,
		TransientBase: time.Millisecond,
		MaxBackoff:    time.Millisecond,
	}, nil)

	enricher := newScriptedEnricher()
	sink := &collectingSink{}
	jobs := repository.NewJobRepository(db, nil)

	controller := NewController(
		jobs,
		store,
		ledger,
		governor,
		dictionary.NewCSVIngestor(nil),
		dictionary.NewConventionAnalyzer(nil),
		enricher,
		sink,
		3,
		nil,
	)
	return &testPipeline{
		controller: controller,
		jobs:       jobs,
		store:      store,
		ledger:     ledger,
		enricher:   enricher,
		sink:       sink,
	}
}

func jobStatus(t *testing.T, p *testPipeline, jobID string) entity.JobStatus {
	t.Helper()
	job, err := p.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}

func TestRunCompletesAllStages(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	jobID, err := p.controller.Run(ctx, sampleSource, "survey.csv", Options{AutoApprove: true})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	assert.Equal(t, entity.JobStatusCompleted, jobStatus(t, p, jobID))
	require.Len(t, p.sink.items, 3)
	assert.Equal(t, "patient_id", p.sink.items[0].Name)
	assert.Equal(t, "0.0.1", p.sink.items[0].Version)

	cp, err := p.store.LoadLatest(jobID)
	require.NoError(t, err)
	assert.Equal(t, entity.StageFinalized, cp.Stage)
	assert.Equal(t, 3, cp.Processed)
	assert.Equal(t, 3, cp.Total)
	assert.ElementsMatch(t, []string{"patient_id", "bp_systolic", "visit_date"}, cp.ProcessedFields)

	// Finalize prunes stage checkpoints down to the retention count.
	summaries, err := p.store.List(jobID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(summaries), 3)

	history, err := p.ledger.History(ctx, jobID+"/patient_id")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRunWithoutAutoApprovePauses(t *testing.T) {
	p := newTestPipeline(t)

	jobID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusPaused, jobStatus(t, p, jobID))
}

func TestRunEmptyInputFinalizesImmediately(t *testing.T) {
	p := newTestPipeline(t)

	jobID, err := p.controller.Run(context.Background(), "", "empty.csv", Options{})
	require.NoError(t, err)

	assert.Equal(t, entity.JobStatusCompleted, jobStatus(t, p, jobID))
	assert.Empty(t, p.sink.items)
	assert.Empty(t, p.enricher.calls)

	cp, err := p.store.LoadLatest(jobID)
	require.NoError(t, err)
	assert.Equal(t, entity.StageFinalized, cp.Stage)
	assert.Equal(t, 0, cp.Total)
}

func TestRunFailureKeepsProgressCheckpoint(t *testing.T) {
	p := newTestPipeline(t)
	p.enricher.failOn["bp_systolic"] = assert.AnError

	jobID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "item 2")
	assert.Contains(t, err.Error(), string(entity.StageEnriched))

	assert.Equal(t, entity.JobStatusFailed, jobStatus(t, p, jobID))
	require.Len(t, p.sink.items, 1)

	cp, err := p.store.LoadLatest(jobID)
	require.NoError(t, err)
	assert.Equal(t, entity.StageEnriched, cp.Stage)
	assert.Equal(t, []string{"patient_id"}, cp.ProcessedFields)
	assert.Equal(t, 1, cp.Processed)
	assert.Equal(t, 3, cp.Total)
}

func TestResumeSkipsProcessedItems(t *testing.T) {
	p := newTestPipeline(t)
	p.enricher.failOn["bp_systolic"] = assert.AnError

	jobID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{})
	require.Error(t, err)

	// Clear the fault and resume the same job.
	delete(p.enricher.failOn, "bp_systolic")
	p.enricher.calls = make(map[string]int)
	p.sink.items = nil

	resumedID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{
		JobID:       jobID,
		Resume:      true,
		AutoApprove: true,
	})
	require.NoError(t, err)
	assert.Equal(t, jobID, resumedID)

	// The already-documented field is not re-enriched.
	assert.Zero(t, p.enricher.calls["patient_id"])
	assert.Equal(t, 1, p.enricher.calls["bp_systolic"])
	assert.Equal(t, 1, p.enricher.calls["visit_date"])
	require.Len(t, p.sink.items, 2)

	assert.Equal(t, entity.JobStatusCompleted, jobStatus(t, p, jobID))

	cp, err := p.store.LoadLatest(jobID)
	require.NoError(t, err)
	assert.Equal(t, entity.StageFinalized, cp.Stage)
	assert.Equal(t, 3, cp.Processed)
}

func TestResumeWithoutJobIDPicksLatest(t *testing.T) {
	p := newTestPipeline(t)
	p.enricher.failOn["visit_date"] = assert.AnError

	jobID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{})
	require.Error(t, err)

	delete(p.enricher.failOn, "visit_date")
	resumedID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, jobID, resumedID)
}

func TestResumeFinalizedJobIsNoOp(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	jobID, err := p.controller.Run(ctx, sampleSource, "survey.csv", Options{AutoApprove: true})
	require.NoError(t, err)

	p.enricher.calls = make(map[string]int)
	p.sink.items = nil

	resumedID, err := p.controller.Run(ctx, sampleSource, "survey.csv", Options{JobID: jobID, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, jobID, resumedID)
	assert.Empty(t, p.enricher.calls)
	assert.Empty(t, p.sink.items)
	assert.Equal(t, entity.JobStatusCompleted, jobStatus(t, p, jobID))
}

func TestResumeWithNoCheckpointsStartsFresh(t *testing.T) {
	p := newTestPipeline(t)

	jobID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{Resume: true, AutoApprove: true})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	assert.Equal(t, entity.JobStatusCompleted, jobStatus(t, p, jobID))
	assert.Len(t, p.sink.items, 3)
}

func TestRunPublishesProgressEvents(t *testing.T) {
	p := newTestPipeline(t)

	jobID, err := p.controller.Run(context.Background(), sampleSource, "survey.csv", Options{AutoApprove: true})
	require.NoError(t, err)

	var events []ProgressEvent
drain:
	for {
		select {
		case ev := <-p.controller.Events():
			events = append(events, ev)
		default:
			break drain
		}
	}

	// ingest + analyze + one per enriched item + finalize.
	require.Len(t, events, 6)
	assert.Equal(t, entity.StageIngested, events[0].Stage)
	assert.Equal(t, entity.StageAnalyzed, events[1].Stage)
	assert.Equal(t, "patient_id", events[2].Item)
	assert.Equal(t, 1, events[2].Processed)
	assert.Equal(t, entity.StageFinalized, events[5].Stage)
	for _, ev := range events {
		assert.Equal(t, jobID, ev.JobID)
	}
}

func TestRunIngestErrorFailsJob(t *testing.T) {
	p := newTestPipeline(t)

	// Ragged CSV: second row has the wrong number of columns.
	jobID, err := p.controller.Run(context.Background(), "variable_name,data_type\nage\n", "bad.csv", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Contains(t, err.Error(), string(entity.StageIngested))
	assert.Equal(t, entity.JobStatusFailed, jobStatus(t, p, jobID))
}
