// Package cron fires persisted jobs on their schedules. A poll loop
// claims jobs whose next run time has passed, executes their payloads
// (bus events or agent runs), and records a CronRun per firing.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/otel"
	"github.com/reclaw/reclaw-core/internal/runtime"
	"github.com/reclaw/reclaw-core/internal/store"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store   *store.Store
	Bus     *bus.Bus
	Runtime *runtime.Runtime
	// Enabled gates the poll loop. A disabled scheduler still serves
	// Status and RunNow.
	Enabled      bool
	PollInterval time.Duration // defaults to 1 second
	// RunsLimit bounds retained history per job; defaults to 500.
	RunsLimit int
	Metrics   *otel.Metrics
}

// Scheduler periodically queries the store for due jobs and fires each
// one. Firings are serialized within a tick; jobs that block (agentTurn
// payloads) are bounded by their own timeouts.
type Scheduler struct {
	cfg      Config
	interval time.Duration

	mu         sync.Mutex
	lastTickMs int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status is the cron.status snapshot.
type Status struct {
	Enabled        bool            `json:"enabled"`
	Jobs           []store.CronJob `json:"jobs"`
	Runs           []store.CronRun `json:"runs"`
	LastTickMs     int64           `json:"lastTickMs,omitempty"`
	PollIntervalMs int64           `json:"pollIntervalMs"`
	StorePath      string          `json:"storePath"`
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RunsLimit <= 0 {
		cfg.RunsLimit = 500
	}
	return &Scheduler{cfg: cfg, interval: cfg.PollInterval}
}

// Start begins the poll loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		slog.Info("cron scheduler disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("cron scheduler started", "poll_interval", s.interval)
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Tick immediately on startup so overdue jobs fire after a restart.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	s.lastTickMs = now
	s.mu.Unlock()

	due, err := s.cfg.Store.DueCronJobs(ctx, now)
	if err != nil {
		slog.Error("cron due query failed", "error", err)
		return
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.fire(ctx, job, false); err != nil {
			slog.Error("cron firing failed", "job_id", job.ID, "error", err)
		}
	}
}

// RunNow fires a job immediately, regardless of its schedule or enabled
// flag, and returns the recorded run.
func (s *Scheduler) RunNow(ctx context.Context, id string) (store.CronRun, error) {
	job, err := s.cfg.Store.GetCronJob(ctx, id)
	if err != nil {
		return store.CronRun{}, err
	}
	return s.fire(ctx, job, true)
}

// Status reports the scheduler state plus current jobs and recent runs.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	jobs, err := s.cfg.Store.ListCronJobs(ctx, true, 0)
	if err != nil {
		return Status{}, err
	}
	runs, err := s.cfg.Store.ListCronRuns(ctx, "", 50)
	if err != nil {
		return Status{}, err
	}
	if jobs == nil {
		jobs = []store.CronJob{}
	}
	if runs == nil {
		runs = []store.CronRun{}
	}
	s.mu.Lock()
	last := s.lastTickMs
	s.mu.Unlock()
	return Status{
		Enabled:        s.cfg.Enabled,
		Jobs:           jobs,
		Runs:           runs,
		LastTickMs:     last,
		PollIntervalMs: s.interval.Milliseconds(),
		StorePath:      s.cfg.Store.Path(),
	}, nil
}

// fire executes one job's payload and records the outcome. The job row
// advances (or disables, once no occurrence remains) even when the
// payload errors: a broken job must not refire every poll tick.
func (s *Scheduler) fire(ctx context.Context, job store.CronJob, manual bool) (store.CronRun, error) {
	started := time.Now().UnixMilli()
	output, execErr := s.execute(ctx, job, started)
	finished := time.Now().UnixMilli()

	var next int64
	var sched Schedule
	if err := json.Unmarshal(job.Schedule, &sched); err != nil {
		if execErr == nil {
			execErr = fmt.Errorf("decode schedule: %v", err)
		}
	} else if n, err := NextRun(sched, finished); err == nil {
		next = n
	}
	stillEnabled := job.Enabled && next > 0
	if err := s.cfg.Store.MarkCronJobRun(ctx, job.ID, finished, next, stillEnabled); err != nil {
		return store.CronRun{}, err
	}

	run := store.CronRun{
		ID:           "cronrun-" + uuid.NewString(),
		JobID:        job.ID,
		Manual:       manual,
		StartedAtMs:  started,
		FinishedAtMs: finished,
	}
	if execErr != nil {
		run.Status = "error"
		run.Error = execErr.Error()
	} else {
		run.Status = "ok"
		run.Output = output
	}
	if err := s.cfg.Store.RecordCronRun(ctx, run, s.cfg.RunsLimit); err != nil {
		return store.CronRun{}, err
	}

	s.cfg.Bus.Publish(bus.KindCron, "cron.fired", "", map[string]any{
		"jobId":  job.ID,
		"name":   job.Name,
		"runId":  run.ID,
		"status": run.Status,
		"manual": manual,
		"ts":     finished,
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CronFirings.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", run.Status)))
	}
	if execErr != nil {
		slog.Warn("cron job errored", "job_id", job.ID, "run_id", run.ID, "error", execErr)
	} else {
		slog.Info("cron job fired", "job_id", job.ID, "run_id", run.ID, "manual", manual, "next_run_ms", next)
	}
	return run, nil
}

// execute performs the payload side effect and returns the run output.
func (s *Scheduler) execute(ctx context.Context, job store.CronJob, startedMs int64) (string, error) {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode payload: %v", err)
	}
	switch payload.Kind {
	case "systemEvent":
		s.cfg.Bus.Publish(bus.KindSystem, "system.event", "", map[string]any{
			"jobId": job.ID,
			"text":  payload.Text,
			"ts":    startedMs,
		})
		return fmt.Sprintf("systemEvent:%s @%d", payload.Text, startedMs), nil
	case "agentTurn":
		return s.executeAgentTurn(ctx, job, payload)
	default:
		return "", fmt.Errorf("unsupported cron payload kind: %s", payload.Kind)
	}
}

// executeAgentTurn submits the payload message as an agent run and waits
// (bounded) for the reply, which becomes the run output.
func (s *Scheduler) executeAgentTurn(ctx context.Context, job store.CronJob, payload Payload) (string, error) {
	if s.cfg.Runtime == nil {
		return "", fmt.Errorf("agentTurn payload requires the agent runtime")
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		return "", fmt.Errorf("agentTurn payload requires a message")
	}
	agentID := payload.AgentID
	if agentID == "" {
		agentID = "main"
	}
	sessionKey := payload.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:cron:%s", agentID, job.ID)
	}

	res, err := s.cfg.Runtime.Submit(ctx, runtime.SubmitRequest{
		SessionKey: sessionKey,
		AgentID:    agentID,
		Source:     "cron",
		Input:      message,
		Metadata:   map[string]any{"cronJobId": job.ID},
	})
	if err != nil {
		return "", err
	}

	timeout := 60 * time.Second
	if payload.TimeoutSeconds > 0 {
		timeout = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	run, err := s.cfg.Runtime.Wait(ctx, res.Run.ID, timeout)
	if err != nil {
		return "", err
	}
	switch run.State {
	case store.RunCompleted:
		return run.Output, nil
	case store.RunFailed:
		return "", fmt.Errorf("agent run %s failed: %s", run.ID, run.Error)
	case store.RunAborted:
		return "", fmt.Errorf("agent run %s aborted", run.ID)
	default:
		return fmt.Sprintf("agentTurn run=%s still %s", run.ID, run.State), nil
	}
}
