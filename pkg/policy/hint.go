package policy

import (
	"context"
	"time"
)

// HintEngine is a deterministic Engine driven entirely by EvalInput.Hint,
// used in tests and as a cheap default when OPA isn't configured. An empty
// hint decides "allow".
type HintEngine struct{}

// Evaluate implements Engine.
func (HintEngine) Evaluate(_ context.Context, in EvalInput) (EvalOutcome, error) {
	switch in.Hint {
	case "deny":
		return EvalOutcome{Decision: "deny", Source: "hint_deny"}, nil
	case "quarantine":
		return EvalOutcome{Decision: "quarantine", Source: "hint_quarantine"}, nil
	case "allow":
		return EvalOutcome{Decision: "allow", Source: "hint_allow"}, nil
	default:
		return EvalOutcome{Decision: "allow", Source: "default_allow"}, nil
	}
}

// SlowEngine wraps another Engine and, when EvalInput.PolicyEngineVersion
// equals "simulate_timeout", waits Delay before delegating to Inner,
// returning ctx.Err() if ctx is done first — the §8 scenario 4 test hook for exercising the Gate's fail-closed
// timeout path without a real misbehaving policy backend.
type SlowEngine struct {
	Inner Engine
	Delay time.Duration
}

// Evaluate implements Engine.
func (s SlowEngine) Evaluate(ctx context.Context, in EvalInput) (EvalOutcome, error) {
	if in.PolicyEngineVersion == "simulate_timeout" {
		select {
		case <-ctx.Done():
			return EvalOutcome{}, ctx.Err()
		case <-time.After(s.Delay):
			return s.Inner.Evaluate(ctx, in)
		}
	}
	return s.Inner.Evaluate(ctx, in)
}
