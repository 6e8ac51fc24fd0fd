package runtime

import (
	"context"
	"time"

	"github.com/reclaw/reclaw-core/internal/store"
)

// Outcome is what an executor produced for a run that finished on its own.
type Outcome struct {
	Output   string
	Metadata map[string]any
}

// EmitFunc publishes an incremental event (for example an assistant text
// chunk) while the run is still in flight. Emissions after the run's
// context ends are dropped.
type EmitFunc func(name string, payload map[string]any)

// Executor performs one agent turn. The context carries the cancellation
// signal; implementations must observe it at every LLM and tool boundary.
// The runtime owns all state transitions: an executor reports success or
// failure and never touches the run record itself.
type Executor interface {
	Execute(ctx context.Context, run store.AgentRun, emit EmitFunc) (Outcome, error)
}

// EchoExecutor is the deterministic built-in executor: it replies with the
// input prefixed by "Echo: ". Delay, when set, simulates model latency and
// makes the executor interruptible for abort handling.
type EchoExecutor struct {
	Delay time.Duration
}

func (e EchoExecutor) Execute(ctx context.Context, run store.AgentRun, emit EmitFunc) (Outcome, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	reply := "Echo: " + run.Input
	emit("agent.assistant.text", map[string]any{"text": reply})
	return Outcome{Output: reply}, nil
}
