package policy

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
)

// defaultModule is the built-in fallback Rego policy: allow publish/promote
// unless the caller supplied a "deny" or "quarantine" hint. Real deployments
// load their own module text via NewOPAEngineFromModule.
const defaultModule = `
package artifortress.policy

default decision = "allow"

decision = "deny" {
	input.hint == "deny"
}

decision = "quarantine" {
	input.hint == "quarantine"
}
`

// OPAEngine is an Engine backed by a compiled Rego query, the real decision
// callable SPEC_FULL.md commits to ahead of the HintEngine test double.
// Grounded on the pack's `open-policy-agent/opa/rego` dependency; the
// teacher itself carries no policy engine, so the query shape (single
// `data.<pkg>.decision` string result) follows OPA's own documented
// embedding pattern rather than a teacher file.
type OPAEngine struct {
	query   rego.PreparedEvalQuery
	version string
}

// NewOPAEngine compiles the built-in default module.
func NewOPAEngine(ctx context.Context, version string) (*OPAEngine, error) {
	return NewOPAEngineFromModule(ctx, version, "artifortress_policy.rego", defaultModule)
}

// NewOPAEngineFromModule compiles the given Rego module text, expecting it
// to define `data.artifortress.policy.decision` as one of
// "allow"|"deny"|"quarantine".
func NewOPAEngineFromModule(ctx context.Context, version, moduleName, moduleText string) (*OPAEngine, error) {
	q, err := rego.New(
		rego.Query("data.artifortress.policy.decision"),
		rego.Module(moduleName, moduleText),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &OPAEngine{query: q, version: version}, nil
}

// Evaluate implements Engine by feeding the EvalInput as the Rego input
// document and reading back the single decision string.
func (e *OPAEngine) Evaluate(ctx context.Context, in EvalInput) (EvalOutcome, error) {
	input := map[string]interface{}{
		"repo_id":    in.RepoID,
		"version_id": in.VersionID,
		"action":     string(in.Action),
		"hint":       in.Hint,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return EvalOutcome{}, Error.Wrap(err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return EvalOutcome{Decision: "allow", Source: "default_allow"}, nil
	}
	decision, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return EvalOutcome{}, Error.New("unexpected decision value type %T", rs[0].Expressions[0].Value)
	}
	return outcomeFromDecision(decision), nil
}

func outcomeFromDecision(decision string) EvalOutcome {
	switch decision {
	case "deny":
		return EvalOutcome{Decision: "deny", Source: "hint_deny"}
	case "quarantine":
		return EvalOutcome{Decision: "quarantine", Source: "hint_quarantine"}
	default:
		return EvalOutcome{Decision: "allow", Source: "default_allow"}
	}
}
