package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/reclaw/reclaw-core/internal/store"
)

const defaultGenkitModel = "gemini-2.0-flash"

// GenkitConfig configures the LLM-backed executor.
type GenkitConfig struct {
	// APIKey is the Google AI key. Empty means the executor answers with
	// deterministic echo replies instead of calling the model.
	APIKey string
	// Model is the bare model id (without the provider prefix).
	Model string
	// SystemPrompt overrides the built-in system prompt when set.
	SystemPrompt string
	// HistoryLimit caps how many transcript messages feed the model.
	HistoryLimit int
}

// GenkitExecutor answers runs with a Genkit-backed model, feeding it the
// session transcript as conversation history.
type GenkitExecutor struct {
	g     *genkit.Genkit
	store *store.Store
	cfg   GenkitConfig
	llmOn bool
}

// NewGenkitExecutor initializes Genkit with the Google AI plugin. Without
// an API key it still constructs (startup must not fail on a missing
// credential) and degrades to echo replies.
func NewGenkitExecutor(ctx context.Context, st *store.Store, cfg GenkitConfig) *GenkitExecutor {
	if cfg.Model == "" {
		cfg.Model = defaultGenkitModel
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	var g *genkit.Genkit
	llmOn := false
	if cfg.APIKey != "" {
		_ = os.Setenv("GEMINI_API_KEY", cfg.APIKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+cfg.Model),
		)
		llmOn = true
		slog.Info("genkit executor initialized", "model", "googleai/"+cfg.Model)
	} else {
		g = genkit.Init(ctx)
		slog.Warn("Google API key missing; genkit executor using deterministic fallback")
	}
	return &GenkitExecutor{g: g, store: st, cfg: cfg, llmOn: llmOn}
}

func (e *GenkitExecutor) Execute(ctx context.Context, run store.AgentRun, emit EmitFunc) (Outcome, error) {
	if !e.llmOn {
		reply := "Echo: " + run.Input
		emit("agent.assistant.text", map[string]any{"text": reply})
		return Outcome{Output: reply, Metadata: map[string]any{"model": "echo"}}, nil
	}

	system := strings.TrimSpace(e.cfg.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt(run.AgentID)
	}
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithPrompt(run.Input),
		ai.WithSystem(system),
	}
	if msgs := e.historyMessages(ctx, run); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, e.g, opts...)
	if err != nil {
		return Outcome{}, fmt.Errorf("genkit generate: %w", err)
	}
	reply := resp.Text()
	emit("agent.assistant.text", map[string]any{"text": reply})
	return Outcome{Output: reply, Metadata: map[string]any{"model": e.cfg.Model}}, nil
}

// historyMessages converts the persisted transcript into model messages.
// The newest user message is the prompt itself, so a trailing duplicate is
// dropped. History failures degrade to a history-free turn.
func (e *GenkitExecutor) historyMessages(ctx context.Context, run store.AgentRun) []*ai.Message {
	if e.store == nil {
		return nil
	}
	history, err := e.store.ListMessages(ctx, run.SessionKey, e.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("failed to load session history", "session_key", run.SessionKey, "error", err)
		return nil
	}
	if n := len(history); n > 0 && history[n-1].Role == "user" && history[n-1].Text == run.Input {
		history = history[:n-1]
	}
	var msgs []*ai.Message
	for _, item := range history {
		var role ai.Role
		switch item.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Text)},
		})
	}
	return msgs
}

func defaultSystemPrompt(agentID string) string {
	if agentID == "" {
		agentID = "main"
	}
	return fmt.Sprintf("You are %s, a helpful gateway-resident assistant. Keep replies concise and answer from the conversation when possible.", agentID)
}
