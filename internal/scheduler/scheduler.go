// Package scheduler fires cron and interval jobs through the agent
// pool. Job state lives in the cron store so schedules survive
// restarts; execution is bounded by a process-wide concurrency cap and
// fires at the cap are skipped, never queued.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariaengine/aria/internal/pool"
	"github.com/ariaengine/aria/internal/providers"
	"github.com/ariaengine/aria/internal/store"
	"github.com/ariaengine/aria/internal/tools"
)

const (
	// MaxConcurrentJobs bounds simultaneous job executions.
	MaxConcurrentJobs = 5

	// tickInterval is how often due jobs are checked.
	tickInterval = time.Second

	retryBase = 2 * time.Second
	retryCap  = 60 * time.Second

	minDuration = 10
	maxDuration = 3600
	maxRetries  = 5
)

// Scheduler owns the job loop for one process.
type Scheduler struct {
	cron   store.CronStore
	agents store.AgentStore
	pool   *pool.Pool
	tools  *tools.Registry
	log    *slog.Logger

	sem     chan struct{}
	mu      sync.Mutex
	running map[uuid.UUID]bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func New(cron store.CronStore, agents store.AgentStore, p *pool.Pool, reg *tools.Registry, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron,
		agents:  agents,
		pool:    p,
		tools:   reg,
		log:     log,
		sem:     make(chan struct{}, MaxConcurrentJobs),
		running: make(map[uuid.UUID]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the job loop. Jobs missing a next_run_at (fresh rows,
// restored backups) get one computed on the first pass.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
	s.log.Info("scheduler started", "capacity", MaxConcurrentJobs)
}

// Stop halts the loop; in-flight jobs finish on their own contexts.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	jobs, err := s.cron.ListJobs(ctx, true)
	if err != nil {
		s.log.Warn("job listing failed", "error", err)
		return
	}
	for _, job := range jobs {
		if job.NextRunAt == nil {
			s.scheduleNext(ctx, job, now)
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}

		s.mu.Lock()
		if s.running[job.ID] {
			// Previous fire still in flight; this one is dropped, not
			// queued.
			s.mu.Unlock()
			continue
		}
		s.running[job.ID] = true
		s.mu.Unlock()

		go func(job *store.CronJob) {
			defer func() {
				s.mu.Lock()
				delete(s.running, job.ID)
				s.mu.Unlock()
			}()
			s.execute(ctx, job, now)
		}(job)
	}
}

// scheduleNext stamps a job that has no next fire time yet.
func (s *Scheduler) scheduleNext(ctx context.Context, job *store.CronJob, now time.Time) {
	trigger, err := ParseSchedule(job.Schedule)
	if err != nil {
		s.log.Warn("job has an invalid schedule", "job", job.Name, "schedule", job.Schedule)
		return
	}
	next, err := trigger.Next(now)
	if err != nil {
		return
	}
	job.NextRunAt = &next
	if err := s.cron.UpdateJob(ctx, job); err != nil {
		s.log.Warn("next fire not stamped", "job", job.Name, "error", err)
	}
}

// execute runs one job fire: concurrency gate, dispatch with retry and
// backoff, run recording.
func (s *Scheduler) execute(ctx context.Context, job *store.CronJob, firedAt time.Time) {
	next := s.computeNext(job, time.Now().UTC())

	select {
	case s.sem <- struct{}{}:
	default:
		// At the cap: skip this fire entirely.
		s.recordRun(ctx, job, &store.CronRun{
			JobID: job.ID, Status: "skipped", StartedAt: firedAt,
		}, next)
		s.log.Info("job fire skipped at capacity", "job", job.Name)
		return
	}
	defer func() { <-s.sem }()

	if _, err := s.agents.GetAgent(ctx, job.AgentID); err != nil {
		s.recordRun(ctx, job, &store.CronRun{
			JobID: job.ID, Status: "failed",
			Error: fmt.Sprintf("agent %q not found", job.AgentID), StartedAt: firedAt,
		}, next)
		return
	}

	maxDur := time.Duration(job.MaxDuration) * time.Second
	if maxDur <= 0 {
		maxDur = 5 * time.Minute
	}

	start := time.Now()
	var lastErr error
	status := "failed"
	for attempt := 0; attempt <= job.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(
				float64(retryBase)*math.Pow(2, float64(attempt-1)),
				float64(retryCap),
			))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				attempt = job.RetryCount + 1
			}
			if ctx.Err() != nil {
				break
			}
		}

		jctx, cancel := context.WithTimeout(ctx, maxDur)
		lastErr = s.dispatch(jctx, job)
		cancel()

		if lastErr == nil {
			status = "success"
			break
		}
		if errors.Is(lastErr, context.DeadlineExceeded) {
			status = "timeout"
			break
		}
		s.log.Warn("job attempt failed",
			"job", job.Name, "attempt", attempt+1, "error", lastErr)
	}

	run := &store.CronRun{
		JobID:      job.ID,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
		StartedAt:  firedAt,
	}
	if lastErr != nil {
		run.Error = lastErr.Error()
	}
	s.recordRun(ctx, job, run, next)
	s.log.Info("job finished",
		"job", job.Name, "status", status, "duration_ms", run.DurationMS)
}

// skillPayload is the JSON form a skill job may carry. A bare
// "<skill>__<method>" string works too.
type skillPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Scheduler) dispatch(ctx context.Context, job *store.CronJob) error {
	switch job.PayloadType {
	case store.PayloadPrompt:
		_, err := s.pool.ProcessWith(ctx, job.AgentID, job.Payload, pool.ProcessOpts{})
		return err

	case store.PayloadSkill:
		p := skillPayload{Name: job.Payload}
		if json.Valid([]byte(job.Payload)) {
			_ = json.Unmarshal([]byte(job.Payload), &p)
		}
		args, _ := json.Marshal(p.Arguments)
		res := s.tools.Execute(ctx, providers.ToolCall{
			ID:        store.NewID().String(),
			Name:      p.Name,
			Arguments: string(args),
		})
		if !res.Success {
			return fmt.Errorf("skill %s: %s", p.Name, res.Content)
		}
		return nil

	case store.PayloadPipeline:
		return fmt.Errorf("pipeline payloads are not supported")

	default:
		return fmt.Errorf("unknown payload type %q", job.PayloadType)
	}
}

func (s *Scheduler) computeNext(job *store.CronJob, after time.Time) *time.Time {
	trigger, err := ParseSchedule(job.Schedule)
	if err != nil {
		return nil
	}
	next, err := trigger.Next(after)
	if err != nil {
		return nil
	}
	return &next
}

func (s *Scheduler) recordRun(ctx context.Context, job *store.CronJob, run *store.CronRun, next *time.Time) {
	if err := s.cron.RecordRun(context.WithoutCancel(ctx), run, next); err != nil {
		s.log.Warn("run not recorded", "job", job.Name, "error", err)
	}
}

// AddJob validates and persists a new job with its first fire time.
func (s *Scheduler) AddJob(ctx context.Context, job *store.CronJob) error {
	if err := s.validate(job); err != nil {
		return err
	}
	trigger, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}
	next, err := trigger.Next(time.Now().UTC())
	if err != nil {
		return err
	}
	job.NextRunAt = &next
	return s.cron.CreateJob(ctx, job)
}

// UpdateJob revalidates and recomputes the next fire on change.
func (s *Scheduler) UpdateJob(ctx context.Context, job *store.CronJob) error {
	if err := s.validate(job); err != nil {
		return err
	}
	trigger, err := ParseSchedule(job.Schedule)
	if err != nil {
		return err
	}
	next, err := trigger.Next(time.Now().UTC())
	if err != nil {
		return err
	}
	job.NextRunAt = &next
	return s.cron.UpdateJob(ctx, job)
}

func (s *Scheduler) RemoveJob(ctx context.Context, id uuid.UUID) error {
	return s.cron.DeleteJob(ctx, id)
}

func (s *Scheduler) GetJob(ctx context.Context, id uuid.UUID) (*store.CronJob, error) {
	return s.cron.GetJob(ctx, id)
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]*store.CronJob, error) {
	return s.cron.ListJobs(ctx, false)
}

func (s *Scheduler) History(ctx context.Context, id uuid.UUID, limit int) ([]*store.CronRun, error) {
	return s.cron.History(ctx, id, limit)
}

// TriggerNow fires a job immediately, outside its schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, id uuid.UUID) error {
	job, err := s.cron.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrJobRunning, job.Name)
	}
	s.running[job.ID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()
		s.execute(context.WithoutCancel(ctx), job, time.Now().UTC())
	}()
	return nil
}

// RunningCount reports in-flight job executions.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) validate(job *store.CronJob) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if _, err := ParseSchedule(job.Schedule); err != nil {
		return err
	}
	if job.MaxDuration != 0 && (job.MaxDuration < minDuration || job.MaxDuration > maxDuration) {
		return fmt.Errorf("max_duration_seconds must be %d–%d", minDuration, maxDuration)
	}
	if job.RetryCount < 0 || job.RetryCount > maxRetries {
		return fmt.Errorf("retry_count must be 0–%d", maxRetries)
	}
	switch job.PayloadType {
	case store.PayloadPrompt, store.PayloadSkill, store.PayloadPipeline:
	case "":
		job.PayloadType = store.PayloadPrompt
	default:
		return fmt.Errorf("unknown payload type %q", job.PayloadType)
	}
	switch job.SessionMode {
	case store.SessionModeIsolated, store.SessionModeShared, store.SessionModePersistent:
	case "":
		job.SessionMode = store.SessionModeIsolated
	default:
		return fmt.Errorf("unknown session mode %q", job.SessionMode)
	}
	return nil
}
