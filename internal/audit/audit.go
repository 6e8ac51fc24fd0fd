// Package audit appends one JSONL line per gateway decision — dispatched
// RPCs, hook deliveries, webhook ingests — to <home>/logs/audit.jsonl.
// Recording is best-effort: an unwritable journal never fails the request
// that triggered it.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reclaw/reclaw-core/internal/telemetry"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Surface   string `json:"surface"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Surface names the ingress (rpc, hook,
// webhook, openai); action is the method or path; subject identifies the
// caller (conn id, remote address). Detail is scrubbed for secrets before
// it reaches disk.
func Record(decision, surface, action, subject, detail string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	detail = telemetry.Redact(detail)
	subject = telemetry.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Surface:   surface,
		Action:    action,
		Subject:   subject,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
