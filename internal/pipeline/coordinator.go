package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"process-intel/internal/config"
	"process-intel/internal/models"
	"process-intel/internal/telemetry"
)

// Engine produces insight assessments for raw event payloads. Engine
// implementations degrade internally and never fail.
type Engine interface {
	ScoreProcess(ctx context.Context, payload map[string]any) models.Assessment
}

// ActionPolicy derives follow-up actions from an assessment.
type ActionPolicy interface {
	DeriveActions(event models.ProcessEvent, assessment models.Assessment) []string
}

// ResultSink persists pipeline results. The store implements this.
type ResultSink interface {
	SaveResult(ctx context.Context, event models.ProcessEvent, result models.PipelineResult, duration time.Duration) error
}

// Coordinator owns the in-memory registry of pipeline jobs and orchestrates
// one run per inbound event. A single long-lived instance is constructed at
// startup and shared by every handler; jobs never reference each other's
// registry entries, so a plain mutex around point reads/writes suffices.
type Coordinator struct {
	cfg    config.Config
	engine Engine
	policy ActionPolicy
	sink   ResultSink

	mu    sync.Mutex
	jobs  map[string]*models.ProcessingJob
	order []string // insertion order, drives retention eviction
}

// New constructs the coordinator.
func New(cfg config.Config, engine Engine, policy ActionPolicy, sink ResultSink) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		engine: engine,
		policy: policy,
		sink:   sink,
		jobs:   make(map[string]*models.ProcessingJob),
	}
}

// Process runs one event through the full pipeline: register job, score,
// derive actions, compute composite efficiency, persist, mark done. Engine
// degradation never fails a run; a persistence or policy failure marks the
// job failed and is returned to the caller, who needs to know the job did
// not complete.
func (c *Coordinator) Process(ctx context.Context, event models.ProcessEvent) (models.PipelineResult, error) {
	jobID := newJobID()
	start := time.Now()
	c.register(jobID, event, start)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := c.run(ctx, jobID, event, start)
	if err != nil {
		c.finish(jobID, models.StatusFailed, err.Error())
		telemetry.PipelineFailures.Inc()
		return models.PipelineResult{}, err
	}

	c.finish(jobID, models.StatusCompleted, "")
	telemetry.EventsProcessed.Inc()
	telemetry.ProcessingTime.Observe(time.Since(start).Seconds())
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, jobID string, event models.ProcessEvent, start time.Time) (models.PipelineResult, error) {
	assessment := c.engine.ScoreProcess(ctx, event.Payload)
	actions := c.policy.DeriveActions(event, assessment)
	automation := models.AutomationLevel(event.Payload)

	result := models.PipelineResult{
		ProcessID:       jobID,
		Insights:        assessment,
		Actions:         actions,
		Efficiency:      c.compositeEfficiency(assessment, time.Since(start), automation),
		AutomationLevel: automation,
	}

	if err := c.sink.SaveResult(ctx, event, result, time.Since(start)); err != nil {
		return models.PipelineResult{}, fmt.Errorf("persist result: %w", err)
	}
	return result, nil
}

// compositeEfficiency folds processing speed and payload automation level
// into the assessment's base score, clamped to [0,100]. A zero base score is
// treated as absent and replaced with the engine default.
func (c *Coordinator) compositeEfficiency(assessment models.Assessment, elapsed time.Duration, automation float64) float64 {
	base := assessment.EfficiencyScore
	if base == 0 {
		base = 75
	}
	if elapsed < c.cfg.EfficiencyFastThreshold {
		base += c.cfg.EfficiencyFastBonus
	}
	if elapsed > c.cfg.EfficiencySlowThreshold {
		base -= c.cfg.EfficiencySlowPenalty
	}
	base += automation * c.cfg.EfficiencyAutomationWeight

	if base < 0 {
		return 0
	}
	if base > 100 {
		return 100
	}
	return base
}

// Status returns a read-only snapshot of one job.
func (c *Coordinator) Status(jobID string) (models.ProcessingJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return models.ProcessingJob{}, false
	}
	return snapshot(job), true
}

// ActiveJobs returns snapshots of jobs still processing.
func (c *Coordinator) ActiveJobs() []models.ProcessingJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := []models.ProcessingJob{}
	for _, id := range c.order {
		if job, ok := c.jobs[id]; ok && job.Status == models.StatusProcessing {
			active = append(active, snapshot(job))
		}
	}
	return active
}

// QueueStats aggregates the registry. The average covers jobs with an end
// time and is 0 when none have finished.
func (c *Coordinator) QueueStats() models.QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := models.QueueStats{}
	var totalMS float64
	var finished int
	for _, job := range c.jobs {
		stats.Total++
		switch job.Status {
		case models.StatusProcessing:
			stats.Processing++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		}
		if job.EndTime != nil {
			totalMS += float64(job.EndTime.Sub(job.StartTime).Milliseconds())
			finished++
		}
	}
	if finished > 0 {
		stats.AvgProcessingTime = totalMS / float64(finished)
	}
	return stats
}

func (c *Coordinator) register(jobID string, event models.ProcessEvent, start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobID] = &models.ProcessingJob{
		JobID:     jobID,
		Event:     event,
		StartTime: start,
		Status:    models.StatusProcessing,
	}
	c.order = append(c.order, jobID)
	c.evictLocked()
}

// evictLocked drops the oldest finished jobs once the registry exceeds the
// history limit. In-flight jobs are never evicted.
func (c *Coordinator) evictLocked() {
	limit := c.cfg.JobHistoryLimit
	if limit <= 0 || len(c.jobs) <= limit {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		job, ok := c.jobs[id]
		if !ok {
			continue
		}
		if len(c.jobs) > limit && job.Finished() {
			delete(c.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (c *Coordinator) finish(jobID, status, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return
	}
	now := time.Now()
	job.Status = status
	job.EndTime = &now
	job.Error = errMsg
}

func snapshot(job *models.ProcessingJob) models.ProcessingJob {
	copied := *job
	if job.EndTime != nil {
		end := *job.EndTime
		copied.EndTime = &end
	}
	return copied
}

// newJobID builds a time-prefixed unique identifier. Uniqueness within the
// process lifetime is the only hard requirement.
func newJobID() string {
	return fmt.Sprintf("proc_%d_%s", time.Now().UnixMilli(), strings.SplitN(uuid.NewString(), "-", 2)[0])
}
