// Package runtime owns the agent-run lifecycle: a worker pool drains the
// queue persisted in the store while keeping at most one running run per
// session. Execution itself is delegated to an injected Executor; the
// runtime performs no retries — a failed execution is a failed run.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/reclaw/reclaw-core/internal/bus"
	"github.com/reclaw/reclaw-core/internal/otel"
	"github.com/reclaw/reclaw-core/internal/store"
)

// ErrSaturated is returned by Submit when the queue exceeds MaxQueueDepth.
var ErrSaturated = errors.New("run queue saturated: backpressure applied")

type Config struct {
	Workers      int
	PollInterval time.Duration
	RunTimeout   time.Duration
	// MaxQueueDepth bounds the number of queued runs; 0 = unlimited.
	MaxQueueDepth int
	Metrics       *otel.Metrics
}

// SubmitRequest describes a run to enqueue.
type SubmitRequest struct {
	// RunID is optional; a fresh id is minted when empty.
	RunID      string
	SessionKey string
	AgentID    string
	// Source records what produced the run: chat, hook, cron, channel.
	Source string
	Input  string
	// Deferred runs stay queued until Wait releases them.
	Deferred       bool
	IdempotencyKey string
	Metadata       map[string]any
}

// SubmitResult is the outcome of Submit. Idempotent is true when an
// existing run was reused instead of creating a new one.
type SubmitResult struct {
	Run        store.AgentRun
	Idempotent bool
}

// Status is a point-in-time snapshot for the status RPC.
type Status struct {
	Workers    int    `json:"workers"`
	ActiveRuns int32  `json:"activeRuns"`
	QueuedRuns int64  `json:"queuedRuns"`
	LastError  string `json:"lastError,omitempty"`
}

type Runtime struct {
	store *store.Store
	bus   *bus.Bus
	exec  Executor
	cfg   Config

	once sync.Once
	wg   sync.WaitGroup
	// wake nudges an idle worker after Submit or a terminal transition so
	// queue pickup does not wait for the next poll tick.
	wake chan struct{}

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	// idem is the fast-path dedupe cache; the storage unique index on
	// (session_key, idempotency_key) stays authoritative.
	idemMu sync.Mutex
	idem   map[string]string

	activeRuns atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(st *store.Store, b *bus.Bus, exec Executor, cfg Config) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if exec == nil {
		exec = EchoExecutor{}
	}
	return &Runtime{
		store:   st,
		bus:     b,
		exec:    exec,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		cancels: map[string]context.CancelFunc{},
		idem:    map[string]string{},
	}
}

// Start launches the worker pool. Runs stranded in the running state by an
// unclean shutdown are failed first so their sessions unblock.
func (r *Runtime) Start(ctx context.Context) {
	r.once.Do(func() {
		n, recErr := r.store.RecoverInterruptedRuns(ctx)
		if recErr != nil {
			slog.Error("run recovery failed", "error", recErr)
		} else if n > 0 {
			slog.Info("recovered interrupted runs on startup", "count", n)
		}
		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.worker(ctx)
			}()
		}
	})
}

// Drain waits for in-flight runs to finish within the timeout. Runs still
// executing after the timeout are recovered as failed on next startup.
func (r *Runtime) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("runtime drained cleanly")
	case <-time.After(timeout):
		slog.Warn("runtime drain timeout; in-flight runs recover on next startup", "timeout", timeout)
	}
}

func (r *Runtime) Status(ctx context.Context) Status {
	queued, _, err := r.store.CountActiveRuns(ctx)
	if err != nil {
		r.setLastError(err)
	}
	st := Status{
		Workers:    r.cfg.Workers,
		ActiveRuns: r.activeRuns.Load(),
		QueuedRuns: queued,
	}
	if p := r.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

// Submit enqueues a run. Replays carrying a previously seen idempotency
// key (or run id) return the existing run with no second execution.
func (r *Runtime) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.SessionKey == "" {
		return SubmitResult{}, fmt.Errorf("submit run: empty session key")
	}
	if req.AgentID == "" {
		req.AgentID = "main"
	}
	if req.Source == "" {
		req.Source = "chat"
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := r.findExisting(ctx, req.SessionKey, req.IdempotencyKey); err != nil {
			return SubmitResult{}, err
		} else if ok {
			return res, nil
		}
	}

	if r.cfg.MaxQueueDepth > 0 {
		queued, _, err := r.store.CountActiveRuns(ctx)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("check queue depth: %w", err)
		}
		if queued >= int64(r.cfg.MaxQueueDepth) {
			slog.Warn("run queue backpressure applied", "depth", queued, "max", r.cfg.MaxQueueDepth)
			return SubmitResult{}, ErrSaturated
		}
	}

	if _, err := r.store.EnsureSession(ctx, req.SessionKey, req.AgentID); err != nil {
		return SubmitResult{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	run, err := r.store.CreateRun(ctx, store.AgentRun{
		ID:             runID,
		SessionKey:     req.SessionKey,
		AgentID:        req.AgentID,
		Source:         req.Source,
		Deferred:       req.Deferred,
		IdempotencyKey: req.IdempotencyKey,
		Input:          req.Input,
		Metadata:       req.Metadata,
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost a concurrent creation race; the unique index guarantees
		// exactly one run exists, so surface that one.
		if req.IdempotencyKey != "" {
			if res, ok, ferr := r.findExisting(ctx, req.SessionKey, req.IdempotencyKey); ferr == nil && ok {
				return res, nil
			}
		}
		if existing, ferr := r.store.GetRun(ctx, runID); ferr == nil {
			return SubmitResult{Run: existing, Idempotent: true}, nil
		}
		return SubmitResult{}, err
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if req.IdempotencyKey != "" {
		r.idemRemember(req.SessionKey, req.IdempotencyKey, run.ID)
	}
	// The user message is written only after the run row won the unique
	// index, so concurrent idempotent submits leave exactly one transcript
	// row; replays never reach this point.
	if _, err := r.store.AppendMessage(ctx, store.ChatMessage{
		SessionKey: req.SessionKey,
		Role:       "user",
		Text:       req.Input,
	}); err != nil {
		return SubmitResult{}, err
	}
	r.publish("agent.queued", run, nil)
	r.signalWake()
	slog.Debug("run queued", "run_id", run.ID, "session_key", run.SessionKey, "source", run.Source, "deferred", run.Deferred)
	return SubmitResult{Run: run}, nil
}

// findExisting checks the dedupe cache, then storage, for a run already
// created under (sessionKey, idemKey).
func (r *Runtime) findExisting(ctx context.Context, sessionKey, idemKey string) (SubmitResult, bool, error) {
	r.idemMu.Lock()
	id, hit := r.idem[sessionKey+"\x00"+idemKey]
	r.idemMu.Unlock()
	if hit {
		if run, err := r.store.GetRun(ctx, id); err == nil {
			return SubmitResult{Run: run, Idempotent: true}, true, nil
		}
	}
	run, err := r.store.FindRunByIdempotencyKey(ctx, sessionKey, idemKey)
	if errors.Is(err, store.ErrNotFound) {
		return SubmitResult{}, false, nil
	}
	if err != nil {
		return SubmitResult{}, false, err
	}
	r.idemRemember(sessionKey, idemKey, run.ID)
	return SubmitResult{Run: run, Idempotent: true}, true, nil
}

func (r *Runtime) idemRemember(sessionKey, idemKey, runID string) {
	r.idemMu.Lock()
	r.idem[sessionKey+"\x00"+idemKey] = runID
	r.idemMu.Unlock()
}

// Wait blocks until the run reaches a terminal state or the timeout
// elapses. The first Wait on a deferred run releases it for execution.
// A timeout is not an abort: the run's current state is returned.
func (r *Runtime) Wait(ctx context.Context, runID string, timeout time.Duration) (store.AgentRun, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return store.AgentRun{}, err
	}
	if run.State.Terminal() {
		return run, nil
	}

	// Subscribe before re-checking state so a transition between the two
	// is not missed.
	sub := r.bus.Subscribe(bus.Filter{Kinds: []string{bus.KindAgent}, SessionKey: run.SessionKey})
	defer r.bus.Unsubscribe(sub)

	if run.Deferred && run.State == store.RunQueued {
		released, rerr := r.store.ReleaseRun(ctx, runID)
		if rerr != nil {
			return store.AgentRun{}, rerr
		}
		run = released
		r.signalWake()
	}

	if run.State.Terminal() {
		return run, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	// The poll ticker backstops a missed or dropped bus event.
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-timer.C:
			current, gerr := r.store.GetRun(ctx, runID)
			if gerr != nil {
				return run, gerr
			}
			return current, nil
		case ev := <-sub.Ch():
			if eventRunID(ev) != runID {
				continue
			}
			current, gerr := r.store.GetRun(ctx, runID)
			if gerr != nil {
				return run, gerr
			}
			if current.State.Terminal() {
				return current, nil
			}
			run = current
		case <-poll.C:
			current, gerr := r.store.GetRun(ctx, runID)
			if gerr != nil {
				return run, gerr
			}
			if current.State.Terminal() {
				return current, nil
			}
			run = current
		}
	}
}

// Abort moves a non-terminal run to aborted, cancels its executor if one
// is running, and emits agent.aborted exactly once. Terminal runs return
// store.ErrInvalidTransition.
func (r *Runtime) Abort(ctx context.Context, runID, note string) (store.AgentRun, error) {
	// State moves first: once the store says aborted, the worker's own
	// terminal writes are rejected and it stays silent.
	run, err := r.store.AbortRun(ctx, runID, note)
	if err != nil {
		return store.AgentRun{}, err
	}
	r.cancelMu.RLock()
	cancel := r.cancels[runID]
	r.cancelMu.RUnlock()
	if cancel != nil {
		cancel()
	}
	r.publish("agent.aborted", run, nil)
	r.countRun("aborted")
	slog.Info("run aborted", "run_id", run.ID, "session_key", run.SessionKey)
	return run, nil
}

// AbortSession aborts every non-terminal run for a session in queue order
// and returns the ids that were transitioned.
func (r *Runtime) AbortSession(ctx context.Context, sessionKey, note string) ([]string, error) {
	active, err := r.store.ListActiveRunsBySession(ctx, sessionKey, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, run := range active {
		if _, err := r.Abort(ctx, run.ID, note); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				continue // reached a terminal state in the meantime
			}
			return ids, err
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

func (r *Runtime) worker(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, err := r.store.ClaimNextQueuedRun(ctx)
		if err != nil {
			r.setLastError(err)
		}
		if err != nil || run == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			case <-ticker.C:
			}
			continue
		}
		r.executeRun(ctx, *run)
	}
}

func (r *Runtime) executeRun(ctx context.Context, run store.AgentRun) {
	slog.Info("run started", "run_id", run.ID, "session_key", run.SessionKey, "source", run.Source)
	r.publish("agent.running", run, nil)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	r.activeRuns.Add(1)

	r.cancelMu.Lock()
	r.cancels[run.ID] = cancel
	r.cancelMu.Unlock()

	start := time.Now()
	defer func() {
		cancel()
		r.cancelMu.Lock()
		delete(r.cancels, run.ID)
		r.cancelMu.Unlock()
		r.activeRuns.Add(-1)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RunDuration.Record(context.Background(), time.Since(start).Seconds())
		}
		// The session just freed its running slot; let a worker claim the
		// next queued run immediately.
		r.signalWake()
	}()

	emit := func(name string, payload map[string]any) {
		if runCtx.Err() != nil {
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}
		if _, ok := payload["runId"]; !ok {
			payload["runId"] = run.ID
		}
		if _, ok := payload["sessionKey"]; !ok {
			payload["sessionKey"] = run.SessionKey
		}
		r.bus.Publish(bus.KindAgent, name, run.SessionKey, payload)
	}

	outcome, execErr := r.exec.Execute(runCtx, run, emit)

	if execErr != nil {
		if errors.Is(runCtx.Err(), context.Canceled) {
			// Abort already transitioned the run and emitted agent.aborted.
			return
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			execErr = fmt.Errorf("run timeout exceeded: %w", runCtx.Err())
		}
		r.failRun(run, execErr)
		return
	}

	// Invariant: never write a success result once the context has ended.
	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.Canceled) {
			return
		}
		r.failRun(run, fmt.Errorf("skip complete after context end: %w", runCtx.Err()))
		return
	}

	// Terminal state and assistant transcript land in one transaction, so
	// a waiter that sees completed always finds the reply row.
	completed, err := r.store.CompleteRunWithReply(context.Background(), run.ID, outcome.Output, outcome.Metadata)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Aborted between the executor returning and this write.
			return
		}
		r.setLastError(err)
		return
	}
	r.publish("agent.completed", completed, nil)
	r.publishChatFinal(completed, outcome)
	r.countRun("completed")
	slog.Info("run completed", "run_id", run.ID, "session_key", run.SessionKey, "duration_ms", time.Since(start).Milliseconds())
}

func (r *Runtime) failRun(run store.AgentRun, execErr error) {
	r.setLastError(execErr)
	failed, err := r.store.FailRun(context.Background(), run.ID, execErr.Error())
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			r.setLastError(err)
		}
		return
	}
	r.publish("agent.failed", failed, map[string]any{"error": execErr.Error()})
	r.publishChatError(failed, execErr.Error())
	r.countRun("failed")
	slog.Warn("run failed", "run_id", run.ID, "session_key", run.SessionKey, "error", execErr)
}

func (r *Runtime) publish(name string, run store.AgentRun, extra map[string]any) {
	payload := map[string]any{
		"runId":      run.ID,
		"sessionKey": run.SessionKey,
		"agentId":    run.AgentID,
		"state":      string(run.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	r.bus.Publish(bus.KindAgent, name, run.SessionKey, payload)
}

func (r *Runtime) publishChatFinal(run store.AgentRun, outcome Outcome) {
	payload := map[string]any{
		"runId":      run.ID,
		"sessionKey": run.SessionKey,
		"reply":      outcome.Output,
	}
	if len(outcome.Metadata) > 0 {
		payload["metadata"] = outcome.Metadata
	}
	r.bus.Publish(bus.KindChat, "chat.final", run.SessionKey, payload)
}

func (r *Runtime) publishChatError(run store.AgentRun, message string) {
	r.bus.Publish(bus.KindChat, "chat.error", run.SessionKey, map[string]any{
		"runId":      run.ID,
		"sessionKey": run.SessionKey,
		"error":      map[string]any{"code": "UNAVAILABLE", "message": message},
	})
}

func (r *Runtime) countRun(state string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RunsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("state", state)))
	}
}

func (r *Runtime) signalWake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	r.lastError.Store(&msg)
}

func eventRunID(ev bus.Event) string {
	if m, ok := ev.Payload.(map[string]any); ok {
		if id, ok := m["runId"].(string); ok {
			return id
		}
	}
	return ""
}
