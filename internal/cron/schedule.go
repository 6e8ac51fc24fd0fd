package cron

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// minEveryMs is the floor for interval schedules. Anything faster would
// outpace the poll loop and just burn the run history.
const minEveryMs = 1000

// cronParser accepts standard 5-field cron expressions (minute, hour,
// dom, month, dow) with an optional leading seconds field.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule describes when a job fires. Kind selects the variant:
//
//	cron  - Expr holds a cron expression, optionally scoped to TZ
//	every - fire every EveryMs, stepped from AnchorMs when set
//	at    - fire once at the RFC3339 instant in At
//	once  - never fires on its own; cron.run triggers it manually
type Schedule struct {
	Kind     string `json:"kind"`
	Expr     string `json:"expr,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	At       string `json:"at,omitempty"`
	TZ       string `json:"tz,omitempty"`
}

// Payload describes what a firing does. Kind selects the variant:
//
//	systemEvent - publish Text as a system.event on the bus
//	agentTurn   - submit Message as an agent run and wait for the reply
type Payload struct {
	Kind           string `json:"kind"`
	Text           string `json:"text,omitempty"`
	Message        string `json:"message,omitempty"`
	SessionKey     string `json:"sessionKey,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	TimeoutSeconds int64  `json:"timeoutSeconds,omitempty"`
}

// NextRun computes the next firing in unix milliseconds strictly after
// fromMs. Zero with a nil error means the schedule has no future
// occurrence (kind=once, or a one-shot instant already in the past).
func NextRun(sched Schedule, fromMs int64) (int64, error) {
	switch strings.TrimSpace(sched.Kind) {
	case "at":
		at := strings.TrimSpace(sched.At)
		if at == "" {
			return 0, fmt.Errorf("schedule.at is required for kind=at")
		}
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return 0, fmt.Errorf("invalid RFC3339 timestamp: %v", err)
		}
		if atMs := parsed.UnixMilli(); atMs > fromMs {
			return atMs, nil
		}
		return 0, nil

	case "every":
		if sched.EveryMs <= 0 {
			return 0, fmt.Errorf("schedule.everyMs is required for kind=every")
		}
		if sched.EveryMs < minEveryMs {
			return 0, fmt.Errorf("schedule.everyMs must be >= %d", minEveryMs)
		}
		every := sched.EveryMs
		if anchor := sched.AnchorMs; anchor > 0 {
			if fromMs < anchor {
				return anchor, nil
			}
			steps := (fromMs - anchor) / every
			return anchor + (steps+1)*every, nil
		}
		return fromMs + every, nil

	case "cron":
		expr := strings.TrimSpace(sched.Expr)
		if expr == "" {
			return 0, fmt.Errorf("schedule.expr is required for kind=cron")
		}
		if tz := strings.TrimSpace(sched.TZ); tz != "" &&
			!strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
			expr = "CRON_TZ=" + tz + " " + expr
		}
		spec, err := cronParser.Parse(expr)
		if err != nil {
			return 0, fmt.Errorf("invalid cron expression: %v", err)
		}
		next := spec.Next(time.UnixMilli(fromMs))
		if next.IsZero() {
			return 0, nil
		}
		return next.UnixMilli(), nil

	case "once":
		return 0, nil

	case "":
		return 0, fmt.Errorf("kind is required")

	default:
		return 0, fmt.Errorf("unsupported schedule kind: %s", sched.Kind)
	}
}
