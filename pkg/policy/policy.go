// Package policy is Policy & Quarantine Gating (§4.G): a bounded-time,
// fail-closed evaluation callable, persistence of the decision, quarantine
// upsert/resolution, and the suppression predicate the blob read path
// consults. Grounded on the teacher's style of a pluggable, timeout-bounded
// decision step feeding a transactional persistence step (mirrored on
// satellite/metainfo's pre-publish validation gate), with the engine
// itself enriched from the pack's `open-policy-agent/opa` dependency
// (see opa.go).
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/pkg/audit"
)

// Error is the package's error class.
var Error = errs.Class("policy")

// DefaultTimeout is the §4.G default bounded-evaluation timeout.
const DefaultTimeout = 250 * time.Millisecond

// EvalInput describes one evaluation request.
type EvalInput struct {
	RepoID              string
	VersionID           string
	Action              store.PolicyAction
	Hint                string // "allow" | "deny" | "quarantine" | ""
	PolicyEngineVersion string
}

// EvalOutcome is an engine's decision plus the decision_source label
// persisted alongside it.
type EvalOutcome struct {
	Decision store.PolicyDecision
	Source   string
}

// Engine is the pluggable decision callable of §4.G: a bounded-time
// function `(version, action, hint?) -> decision`. Implementations must
// respect ctx cancellation promptly; the Gate enforces the timeout
// independently regardless.
type Engine interface {
	Evaluate(ctx context.Context, in EvalInput) (EvalOutcome, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Gate implements §4.G end to end: bounded evaluation, persistence, and
// quarantine resolution.
type Gate struct {
	store   store.Store
	engine  Engine
	timeout time.Duration
	log     *zap.Logger
	now     Clock
	cache   SuppressionCache // optional; nil disables caching
}

// NewGate constructs a Gate. A zero timeout uses DefaultTimeout.
func NewGate(st store.Store, engine Engine, timeout time.Duration, log *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{store: st, engine: engine, timeout: timeout, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithCache attaches an optional best-effort suppression cache (see
// cache.go); returns the Gate for chaining.
func (g *Gate) WithCache(c SuppressionCache) *Gate {
	g.cache = c
	return g
}

// WithClock overrides the gate's clock; used by tests.
func (g *Gate) WithClock(clock Clock) *Gate {
	g.now = clock
	return g
}

type evalResult struct {
	outcome EvalOutcome
	err     error
}

// Evaluate runs the bounded-time decision callable and, absent a timeout,
// persists the resulting PolicyEvaluation (and, if the decision is
// `quarantine`, upserts a QuarantineItem) inside one transaction. On
// timeout, it is fail-closed: a `policy.timeout` audit row is written, the
// task's eventual result is discarded, and no evaluation is persisted.
func (g *Gate) Evaluate(ctx context.Context, tenantID, repoID, versionID string, in EvalInput, evaluatedBy string) (*store.PolicyEvaluation, error) {
	if _, err := g.store.Versions().Get(ctx, versionID); err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("version", "version not found")
		}
		return nil, apierr.Unavailable("store_error", err.Error())
	}

	resultCh := make(chan evalResult, 1)
	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	go func() {
		outcome, err := g.engine.Evaluate(evalCtx, in)
		resultCh <- evalResult{outcome, err} // buffered: never blocks even if discarded
	}()

	var outcome EvalOutcome
	select {
	case <-evalCtx.Done():
		log := audit.New(g.store).WithClock(audit.Clock(g.now))
		_ = log.Append(ctx, tenantID, evaluatedBy, "policy.timeout", "package_version", versionID,
			map[string]string{"action": string(in.Action), "policy_engine_version": in.PolicyEngineVersion})
		return nil, apierr.Unavailable("policy_timeout", "policy evaluation timed out")
	case r := <-resultCh:
		if r.err != nil {
			return nil, apierr.Unavailable("policy_engine_error", r.err.Error())
		}
		outcome = r.outcome
	}

	now := g.now()
	eval := &store.PolicyEvaluation{
		TenantID:            tenantID,
		RepoID:              repoID,
		VersionID:           versionID,
		Action:              in.Action,
		Decision:            outcome.Decision,
		DecisionSource:      outcome.Source,
		PolicyEngineVersion: in.PolicyEngineVersion,
		EvaluatedAt:         now,
		EvaluatedBy:         evaluatedBy,
	}

	txErr := g.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.PolicyEvaluations().Insert(ctx, eval); err != nil {
			return err
		}
		if outcome.Decision == store.DecisionQuarantine {
			q := &store.QuarantineItem{
				TenantID:  tenantID,
				RepoID:    repoID,
				VersionID: versionID,
				Status:    store.QuarantineActive,
				Reason:    outcome.Source,
				CreatedAt: now,
			}
			if existing, err := tx.Quarantine().GetByVersion(ctx, tenantID, repoID, versionID); err == nil {
				q.QuarantineID = existing.QuarantineID
			} else if err != store.ErrNotFound {
				return err
			}
			if err := tx.Quarantine().Upsert(ctx, q); err != nil {
				return err
			}
			if g.cache != nil {
				g.cache.Invalidate(ctx, repoID, versionID)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, apierr.Unavailable("store_error", txErr.Error())
	}
	return eval, nil
}

// ResolveAction is "release" or "reject".
type ResolveAction string

const (
	ResolveRelease ResolveAction = "release"
	ResolveReject  ResolveAction = "reject"
)

// Resolve implements §4.G "Resolve quarantine": a conditional UPDATE from
// `quarantined` to the target status. If no row updates, it disambiguates
// "already resolved" (returns the current status) from "not found".
func (g *Gate) Resolve(ctx context.Context, quarantineID string, action ResolveAction, resolvedBy string) (*store.QuarantineItem, error) {
	target := store.QuarantineReleased
	if action == ResolveReject {
		target = store.QuarantineRejected
	}

	updated, err := g.store.Quarantine().TransitionStatus(ctx, quarantineID, target, resolvedBy, g.now())
	if err == nil {
		if g.cache != nil {
			g.cache.Invalidate(ctx, updated.RepoID, updated.VersionID)
		}
		return updated, nil
	}
	if err != store.ErrNoRowsUpdated {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("quarantine", "quarantine item not found")
		}
		return nil, apierr.Unavailable("store_error", err.Error())
	}

	current, gerr := g.store.Quarantine().Get(ctx, quarantineID)
	if gerr != nil {
		if gerr == store.ErrNotFound {
			return nil, apierr.NotFound("quarantine", "quarantine item not found")
		}
		return nil, apierr.Unavailable("store_error", gerr.Error())
	}
	return current, apierr.Conflict("already_resolved", fmt.Sprintf("quarantine item already resolved as %s", current.Status))
}

// IsSuppressed implements blobs.Suppressor: it consults the optional cache
// first, falling back to the metadata store's AnyActiveForDigestInRepo on a
// miss or cache error.
func (g *Gate) IsSuppressed(ctx context.Context, repoID, digest string) (bool, error) {
	if g.cache != nil {
		if suppressed, ok := g.cache.Get(ctx, repoID, digest); ok {
			return suppressed, nil
		}
	}
	suppressed, err := g.store.Quarantine().AnyActiveForDigestInRepo(ctx, repoID, digest)
	if err != nil {
		return false, err
	}
	if g.cache != nil {
		g.cache.Set(ctx, repoID, digest, suppressed)
	}
	return suppressed, nil
}
