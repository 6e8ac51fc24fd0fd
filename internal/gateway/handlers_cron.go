package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/cron"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/store"
)

func (s *Server) handleCronList(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		IncludeDisabled *bool `json:"includeDisabled"`
		Limit           int   `json:"limit"`
	}
	if perr := decodeParams("cron.list", raw, &params, false); perr != nil {
		return nil, perr
	}
	includeDisabled := params.IncludeDisabled == nil || *params.IncludeDisabled

	jobs, err := s.cfg.Store.ListCronJobs(ctx, includeDisabled, params.Limit)
	if err != nil {
		return nil, storageError(err)
	}
	if jobs == nil {
		jobs = []store.CronJob{}
	}
	return map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	}, nil
}

func (s *Server) handleCronStatus(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct{}
	if perr := decodeParams("cron.status", raw, &params, false); perr != nil {
		return nil, perr
	}
	st, err := s.cfg.Cron.Status(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return st, nil
}

func (s *Server) handleCronAdd(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		ID       string         `json:"id"`
		Name     string         `json:"name"`
		Enabled  *bool          `json:"enabled"`
		Schedule cron.Schedule  `json:"schedule"`
		Payload  cron.Payload   `json:"payload"`
		Metadata map[string]any `json:"metadata"`
	}
	if perr := decodeParams("cron.add", raw, &params, true); perr != nil {
		return nil, perr
	}
	if perr := validateCronSchedule(params.Schedule); perr != nil {
		return nil, perr
	}

	now := time.Now().UnixMilli()
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = "job-" + uuid.NewString()
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = fmt.Sprintf("Cron %s", id)
	}
	enabled := params.Enabled == nil || *params.Enabled

	var nextRunMs int64
	if enabled {
		// Validation above already proved the schedule computes.
		nextRunMs, _ = cron.NextRun(params.Schedule, now)
	}

	job, err := s.cfg.Store.InsertCronJob(ctx, store.CronJob{
		ID:        id,
		Name:      name,
		Enabled:   enabled,
		Schedule:  mustJSON(params.Schedule),
		Payload:   mustJSON(params.Payload),
		Metadata:  params.Metadata,
		NextRunMs: nextRunMs,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "cron job already exists: %s", id)
	}
	if err != nil {
		return nil, storageError(err)
	}
	return job, nil
}

func (s *Server) handleCronUpdate(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		ID    string `json:"id"`
		JobID string `json:"jobId"`
		Patch struct {
			Name      *string         `json:"name"`
			Enabled   *bool           `json:"enabled"`
			Schedule  *cron.Schedule  `json:"schedule"`
			Payload   *cron.Payload   `json:"payload"`
			Metadata  map[string]any  `json:"metadata"`
			NextRunMs json.RawMessage `json:"nextRunMs"`
		} `json:"patch"`
	}
	if perr := decodeParams("cron.update", raw, &params, true); perr != nil {
		return nil, perr
	}
	id, perr := resolveCronID("cron.update", params.ID, params.JobID)
	if perr != nil {
		return nil, perr
	}
	if params.Patch.Schedule != nil {
		if perr := validateCronSchedule(*params.Patch.Schedule); perr != nil {
			return nil, perr
		}
	}

	job, err := s.cfg.Store.GetCronJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "cron job not found: %s", id)
	}
	if err != nil {
		return nil, storageError(err)
	}

	if params.Patch.Name != nil {
		if name := strings.TrimSpace(*params.Patch.Name); name != "" {
			job.Name = name
		}
	}
	if params.Patch.Enabled != nil {
		job.Enabled = *params.Patch.Enabled
	}
	if params.Patch.Schedule != nil {
		job.Schedule = mustJSON(*params.Patch.Schedule)
	}
	if params.Patch.Payload != nil {
		job.Payload = mustJSON(*params.Patch.Payload)
	}
	if params.Patch.Metadata != nil {
		job.Metadata = params.Patch.Metadata
	}

	// An explicit nextRunMs wins; otherwise a schedule change recomputes
	// it; otherwise it is left untouched.
	if next, set, perr := decodeNextRunMs(params.Patch.NextRunMs); perr != nil {
		return nil, perr
	} else if set {
		job.NextRunMs = next
	} else if params.Patch.Schedule != nil {
		n, nerr := cron.NextRun(*params.Patch.Schedule, time.Now().UnixMilli())
		if nerr != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid cron schedule: %v", nerr)
		}
		job.NextRunMs = n
	}

	updated, err := s.cfg.Store.UpdateCronJob(ctx, job)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "cron job not found: %s", id)
	}
	if err != nil {
		return nil, storageError(err)
	}
	return updated, nil
}

func (s *Server) handleCronRemove(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		ID    string `json:"id"`
		JobID string `json:"jobId"`
	}
	if perr := decodeParams("cron.remove", raw, &params, true); perr != nil {
		return nil, perr
	}
	id, perr := resolveCronID("cron.remove", params.ID, params.JobID)
	if perr != nil {
		return nil, perr
	}
	removed, err := s.cfg.Store.DeleteCronJob(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	return map[string]any{
		"ok":      true,
		"id":      id,
		"removed": removed,
	}, nil
}

func (s *Server) handleCronRun(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		ID    string `json:"id"`
		JobID string `json:"jobId"`
	}
	if perr := decodeParams("cron.run", raw, &params, true); perr != nil {
		return nil, perr
	}
	id, perr := resolveCronID("cron.run", params.ID, params.JobID)
	if perr != nil {
		return nil, perr
	}
	run, err := s.cfg.Cron.RunNow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "cron job not found: %s", id)
	}
	if err != nil {
		return nil, storageError(err)
	}
	return run, nil
}

func (s *Server) handleCronRuns(ctx context.Context, _ *conn, raw json.RawMessage) (any, *protocol.Error) {
	var params struct {
		ID    string `json:"id"`
		JobID string `json:"jobId"`
		Limit int    `json:"limit"`
	}
	if perr := decodeParams("cron.runs", raw, &params, false); perr != nil {
		return nil, perr
	}
	jobID := firstNonEmpty(params.ID, params.JobID)
	limit := 0
	if params.Limit > 0 {
		limit = clampInt(params.Limit, 50, 1, 1000)
	}

	runs, err := s.cfg.Store.ListCronRuns(ctx, jobID, limit)
	if err != nil {
		return nil, storageError(err)
	}
	if runs == nil {
		runs = []store.CronRun{}
	}
	scope := "all"
	var jobField any
	if jobID != "" {
		scope = "job"
		jobField = jobID
	}
	return map[string]any{
		"scope": scope,
		"jobId": jobField,
		"runs":  runs,
		"count": len(runs),
	}, nil
}

func validateCronSchedule(sched cron.Schedule) *protocol.Error {
	if strings.TrimSpace(sched.Kind) == "" {
		return protocol.NewError(protocol.CodeInvalidRequest, "invalid cron schedule: kind is required")
	}
	if _, err := cron.NextRun(sched, time.Now().UnixMilli()); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid cron schedule: %v", err)
	}
	return nil
}

func resolveCronID(method, id, jobID string) (string, *protocol.Error) {
	v := firstNonEmpty(id, jobID)
	if v == "" {
		return "", protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: missing id", method)
	}
	return v, nil
}

// decodeNextRunMs distinguishes an absent nextRunMs from an explicit
// value or null (null clears the next firing).
func decodeNextRunMs(raw json.RawMessage) (int64, bool, *protocol.Error) {
	if len(raw) == 0 {
		return 0, false, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, true, nil
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, protocol.Errorf(protocol.CodeInvalidRequest,
			"invalid cron.update params: nextRunMs must be a number or null")
	}
	return v, true, nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
