package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datadict/dictpipe/internal/checkpoint"
	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/entity"
	"github.com/datadict/dictpipe/internal/repository"
	"github.com/datadict/dictpipe/internal/retry"
	"github.com/datadict/dictpipe/internal/version"
)

// Ingestor parses the raw source payload into fields.
type Ingestor interface {
	Ingest(source string) ([]entity.Field, error)
}

// Analyzer annotates ingested fields.
type Analyzer interface {
	Analyze(fields []entity.Field) ([]entity.AnalyzedField, error)
}

// Enricher documents one field through the rate-limited remote dependency.
// The controller wraps every call in the retry governor.
type Enricher interface {
	Enrich(ctx context.Context, field entity.AnalyzedField) (entity.DocumentedField, error)
}

// Sink receives each completed item. Review queues and exporters plug in
// here; the controller does not interpret what they do with the payload.
type Sink interface {
	Emit(ctx context.Context, jobID string, item entity.DocumentedField, approved bool) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, jobID string, item entity.DocumentedField, approved bool) error

func (f SinkFunc) Emit(ctx context.Context, jobID string, item entity.DocumentedField, approved bool) error {
	return f(ctx, jobID, item, approved)
}

// Options control one pipeline run.
type Options struct {
	// JobID resumes a specific job. Empty with Resume set picks the job
	// with the most recent checkpoint.
	JobID       string
	AutoApprove bool
	Resume      bool
}

// Controller advances a job through the ordered stages
// ingest -> analyze -> enrich -> finalize, resuming from the latest
// checkpoint and checkpointing after every item and every stage boundary.
// A controller runs one job at a time on a single goroutine; checkpoint
// writes happen strictly in completion order.
type Controller struct {
	jobs        repository.JobRepository
	checkpoints *checkpoint.Store
	versions    *version.Ledger
	governor    *retry.Governor
	ingestor    Ingestor
	analyzer    Analyzer
	enricher    Enricher
	sink        Sink
	keepLatest  int
	log         *slog.Logger
	events      chan ProgressEvent
}

// NewController wires the pipeline. sink may be nil when no downstream
// consumer is attached.
func NewController(
	jobs repository.JobRepository,
	checkpoints *checkpoint.Store,
	versions *version.Ledger,
	governor *retry.Governor,
	ingestor Ingestor,
	analyzer Analyzer,
	enricher Enricher,
	sink Sink,
	keepLatest int,
	log *slog.Logger,
) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, string, entity.DocumentedField, bool) error { return nil })
	}
	if keepLatest < 0 {
		keepLatest = 0
	}
	return &Controller{
		jobs:        jobs,
		checkpoints: checkpoints,
		versions:    versions,
		governor:    governor,
		ingestor:    ingestor,
		analyzer:    analyzer,
		enricher:    enricher,
		sink:        sink,
		keepLatest:  keepLatest,
		log:         log,
		events:      make(chan ProgressEvent, 64),
	}
}

// Run executes (or resumes) the pipeline for source and returns the job id.
// On an unrecoverable error the job is marked Failed inside a transaction,
// the last-good checkpoint stays valid for a future resume, and the error
// names the stage and item index at which processing stopped.
func (c *Controller) Run(ctx context.Context, source, sourceFile string, opts Options) (string, error) {
	cp, jobID, err := c.prepare(ctx, sourceFile, opts)
	if err != nil {
		return "", err
	}
	if cp != nil && cp.Stage == entity.StageFinalized {
		c.log.Info("pipeline.already_finalized", "job_id", jobID)
		return jobID, nil
	}

	// Stage 1: ingest.
	fields, err := c.runIngest(ctx, jobID, cp, source)
	if err != nil {
		return jobID, c.fail(ctx, jobID, entity.StageIngested, -1, err)
	}
	if len(fields) == 0 {
		if err := c.finalize(ctx, jobID, nil, nil, 0, true); err != nil {
			return jobID, err
		}
		c.log.Info("pipeline.empty_input", "job_id", jobID)
		return jobID, nil
	}

	// Stage 2: analyze.
	analyzed, err := c.runAnalyze(ctx, jobID, cp, fields)
	if err != nil {
		return jobID, c.fail(ctx, jobID, entity.StageAnalyzed, -1, err)
	}

	// Stage 3: enrich, item by item.
	processed, err := c.runEnrich(ctx, jobID, cp, fields, analyzed)
	if err != nil {
		return jobID, err
	}

	// Stage 4: finalize.
	if err := c.finalize(ctx, jobID, fields, analyzed, len(processed), opts.AutoApprove); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// prepare resolves the checkpoint to resume from (if any) and the job id,
// creating a fresh Running job when starting over.
func (c *Controller) prepare(ctx context.Context, sourceFile string, opts Options) (*entity.Checkpoint, string, error) {
	if opts.Resume {
		cp, err := c.loadResumePoint(opts.JobID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return nil, "", err
		}
		if cp != nil {
			c.log.Info("pipeline.resuming",
				"job_id", cp.JobID,
				"stage", cp.Stage,
				"processed", cp.Processed,
				"total", cp.Total,
			)
			if cp.Stage != entity.StageFinalized {
				err := c.jobs.WithTx(ctx, func(tx repository.JobStore) error {
					return tx.UpdateStatus(ctx, cp.JobID, entity.JobStatusRunning)
				})
				if err != nil {
					return nil, "", err
				}
			}
			return cp, cp.JobID, nil
		}
	}

	var jobID string
	err := c.jobs.WithTx(ctx, func(tx repository.JobStore) error {
		job, err := tx.Create(ctx, sourceFile)
		if err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	c.log.Info("pipeline.started", "job_id", jobID, "source_file", sourceFile)
	return nil, jobID, nil
}

func (c *Controller) loadResumePoint(jobID string) (*entity.Checkpoint, error) {
	if jobID != "" {
		return c.checkpoints.LoadLatest(jobID)
	}
	summaries, err := c.checkpoints.List("")
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints to resume from", common.ErrNotFound)
	}
	return c.checkpoints.LoadLatest(summaries[0].JobID)
}

func (c *Controller) runIngest(ctx context.Context, jobID string, cp *entity.Checkpoint, source string) ([]entity.Field, error) {
	if cp != nil && cp.Stage.AtOrBeyond(entity.StageIngested) && len(cp.IngestedFields) > 0 {
		c.log.Info("pipeline.stage.from_checkpoint", "job_id", jobID, "stage", entity.StageIngested)
		return cp.IngestedFields, nil
	}

	c.log.Info("pipeline.stage.start", "job_id", jobID, "stage", entity.StageIngested)
	fields, err := c.ingestor.Ingest(source)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	if err := c.saveCheckpoint(jobID, entity.StageIngested, fields, nil, nil); err != nil {
		return nil, err
	}
	c.publish(ProgressEvent{JobID: jobID, Stage: entity.StageIngested, Total: len(fields)})
	return fields, nil
}

func (c *Controller) runAnalyze(ctx context.Context, jobID string, cp *entity.Checkpoint, fields []entity.Field) ([]entity.AnalyzedField, error) {
	if cp != nil && cp.Stage.AtOrBeyond(entity.StageAnalyzed) && len(cp.AnalyzedFields) > 0 {
		c.log.Info("pipeline.stage.from_checkpoint", "job_id", jobID, "stage", entity.StageAnalyzed)
		return cp.AnalyzedFields, nil
	}

	c.log.Info("pipeline.stage.start", "job_id", jobID, "stage", entity.StageAnalyzed)
	analyzed, err := c.analyzer.Analyze(fields)
	if err != nil {
		return nil, err
	}

	if err := c.saveCheckpoint(jobID, entity.StageAnalyzed, fields, analyzed, nil); err != nil {
		return nil, err
	}
	c.publish(ProgressEvent{JobID: jobID, Stage: entity.StageAnalyzed, Total: len(analyzed)})
	return analyzed, nil
}

func (c *Controller) runEnrich(ctx context.Context, jobID string, cp *entity.Checkpoint, fields []entity.Field, analyzed []entity.AnalyzedField) (map[string]struct{}, error) {
	processed := make(map[string]struct{})
	var order []string
	if cp != nil {
		processed = cp.ProcessedSet()
		order = append(order, cp.ProcessedFields...)
	}
	c.log.Info("pipeline.stage.start",
		"job_id", jobID,
		"stage", entity.StageEnriched,
		"already_processed", len(processed),
		"total", len(analyzed),
	)

	for i, field := range analyzed {
		if _, done := processed[field.Name]; done {
			c.log.Info("pipeline.item.skip", "job_id", jobID, "item", field.Name, "index", i+1, "total", len(analyzed))
			continue
		}

		var doc entity.DocumentedField
		err := c.governor.Call(ctx, func(ctx context.Context) error {
			var err error
			doc, err = c.enricher.Enrich(ctx, field)
			return err
		})
		if err != nil {
			// Persist progress so far, then fail the job. The last
			// good checkpoint stays valid for a resume.
			if cpErr := c.saveEnrichCheckpoint(jobID, fields, analyzed, order); cpErr != nil {
				c.log.Error("pipeline.checkpoint_on_failure_failed", "job_id", jobID, "error", cpErr)
			}
			return nil, c.fail(ctx, jobID, entity.StageEnriched, i+1, err)
		}

		res, err := c.versions.CreateVersion(ctx, jobID+"/"+field.Name, "documentation", doc.Content)
		if err != nil {
			if cpErr := c.saveEnrichCheckpoint(jobID, fields, analyzed, order); cpErr != nil {
				c.log.Error("pipeline.checkpoint_on_failure_failed", "job_id", jobID, "error", cpErr)
			}
			return nil, c.fail(ctx, jobID, entity.StageEnriched, i+1, err)
		}
		doc.Version = res.Version
		if !res.Changed {
			c.log.Info("pipeline.item.unchanged", "job_id", jobID, "item", field.Name, "version", res.Version)
		}

		if err := c.sink.Emit(ctx, jobID, doc, false); err != nil {
			if cpErr := c.saveEnrichCheckpoint(jobID, fields, analyzed, order); cpErr != nil {
				c.log.Error("pipeline.checkpoint_on_failure_failed", "job_id", jobID, "error", cpErr)
			}
			return nil, c.fail(ctx, jobID, entity.StageEnriched, i+1, err)
		}

		processed[field.Name] = struct{}{}
		order = append(order, field.Name)
		// Checkpoint after every item: a crash loses at most the
		// in-flight item.
		if err := c.saveEnrichCheckpoint(jobID, fields, analyzed, order); err != nil {
			return nil, c.fail(ctx, jobID, entity.StageEnriched, i+1, err)
		}
		c.publish(ProgressEvent{
			JobID:     jobID,
			Stage:     entity.StageEnriched,
			Item:      field.Name,
			Processed: len(processed),
			Total:     len(analyzed),
		})
		c.log.Info("pipeline.item.done", "job_id", jobID, "item", field.Name, "processed", len(processed), "total", len(analyzed))
	}
	return processed, nil
}

func (c *Controller) finalize(ctx context.Context, jobID string, fields []entity.Field, analyzed []entity.AnalyzedField, processedCount int, autoApprove bool) error {
	status := entity.JobStatusPaused
	if autoApprove {
		status = entity.JobStatusCompleted
	}
	err := c.jobs.WithTx(ctx, func(tx repository.JobStore) error {
		return tx.UpdateStatus(ctx, jobID, status)
	})
	if err != nil {
		return err
	}

	cp := &entity.Checkpoint{
		JobID:          jobID,
		Stage:          entity.StageFinalized,
		CheckpointTime: time.Now().UTC(),
		Processed:      processedCount,
		Total:          len(analyzed),
		IngestedFields: fields,
		AnalyzedFields: analyzed,
		ProcessedFields: func() []string {
			names := make([]string, 0, len(analyzed))
			for _, f := range analyzed {
				names = append(names, f.Name)
			}
			return names
		}(),
	}
	if _, err := c.checkpoints.Save(cp); err != nil {
		return err
	}
	if err := c.checkpoints.Prune(jobID, c.keepLatest); err != nil {
		c.log.Warn("pipeline.prune_failed", "job_id", jobID, "error", err)
	}

	c.publish(ProgressEvent{JobID: jobID, Stage: entity.StageFinalized, Processed: processedCount, Total: len(analyzed)})
	c.log.Info("pipeline.finalized", "job_id", jobID, "status", status, "processed", processedCount, "total", len(analyzed))
	return nil
}

func (c *Controller) saveCheckpoint(jobID string, stage entity.Stage, fields []entity.Field, analyzed []entity.AnalyzedField, processedNames []string) error {
	total := len(fields)
	if len(analyzed) > 0 {
		total = len(analyzed)
	}
	cp := &entity.Checkpoint{
		JobID:           jobID,
		Stage:           stage,
		CheckpointTime:  time.Now().UTC(),
		Processed:       len(processedNames),
		Total:           total,
		IngestedFields:  fields,
		AnalyzedFields:  analyzed,
		ProcessedFields: processedNames,
	}
	_, err := c.checkpoints.Save(cp)
	return err
}

func (c *Controller) saveEnrichCheckpoint(jobID string, fields []entity.Field, analyzed []entity.AnalyzedField, processedNames []string) error {
	return c.saveCheckpoint(jobID, entity.StageEnriched, fields, analyzed, processedNames)
}

// fail marks the job Failed inside a transaction and annotates err with the
// stage and item index at which processing stopped. The status update is
// best effort; the original error always wins.
func (c *Controller) fail(ctx context.Context, jobID string, stage entity.Stage, itemIndex int, err error) error {
	txErr := c.jobs.WithTx(ctx, func(tx repository.JobStore) error {
		return tx.UpdateStatus(ctx, jobID, entity.JobStatusFailed)
	})
	if txErr != nil {
		c.log.Error("pipeline.mark_failed_failed", "job_id", jobID, "error", txErr)
	}
	if itemIndex >= 0 {
		return fmt.Errorf("job %s failed at stage %s, item %d: %w", jobID, stage, itemIndex, err)
	}
	return fmt.Errorf("job %s failed at stage %s: %w", jobID, stage, err)
}
