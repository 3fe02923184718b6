package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/policy"
)

func seedDraftVersion(t *testing.T, st store.Store, repoID string) string {
	t.Helper()
	ctx := context.Background()
	pkg, err := st.Packages().UpsertGet(ctx, repoID, "npm", "", "pkg")
	require.NoError(t, err)
	v := &store.Version{VersionID: "v-" + pkg.PackageID, RepoID: repoID, PackageID: pkg.PackageID, Version: "1.0.0", State: store.VersionDraft, CreatedAt: time.Now()}
	require.NoError(t, st.Versions().InsertDraft(ctx, v))
	return v.VersionID
}

// TestEvaluateAllow walks the default-allow path and checks the persisted
// decision_source.
func TestEvaluateAllow(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	gate := policy.NewGate(st, policy.HintEngine{}, 0, zaptest.NewLogger(t))
	versionID := seedDraftVersion(t, st, "repo1")

	eval, err := gate.Evaluate(ctx, "tenant1", "repo1", versionID, policy.EvalInput{
		RepoID: "repo1", VersionID: versionID, Action: store.PolicyActionPublish,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.DecisionAllow, eval.Decision)
	assert.Equal(t, "default_allow", eval.DecisionSource)
}

// TestEvaluateQuarantineAndResolve walks §8 scenario 4's happy path: a
// quarantine hint creates a QuarantineItem, suppressing reads, then Resolve
// releases it.
func TestEvaluateQuarantineAndResolve(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	gate := policy.NewGate(st, policy.HintEngine{}, 0, zaptest.NewLogger(t))
	versionID := seedDraftVersion(t, st, "repo1")

	require.NoError(t, st.ArtifactEntries().Upsert(ctx, &store.ArtifactEntry{
		VersionID: versionID, RelativePath: "a.txt",
		BlobDigest: "d" + versionID, SizeBytes: 1,
	}))

	eval, err := gate.Evaluate(ctx, "tenant1", "repo1", versionID, policy.EvalInput{
		RepoID: "repo1", VersionID: versionID, Action: store.PolicyActionPublish, Hint: "quarantine",
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.DecisionQuarantine, eval.Decision)

	suppressed, err := gate.IsSuppressed(ctx, "repo1", "d"+versionID)
	require.NoError(t, err)
	assert.True(t, suppressed)

	q, err := st.Quarantine().GetByVersion(ctx, "tenant1", "repo1", versionID)
	require.NoError(t, err)

	released, err := gate.Resolve(ctx, q.QuarantineID, policy.ResolveRelease, "bob")
	require.NoError(t, err)
	assert.Equal(t, store.QuarantineReleased, released.Status)

	suppressedAfter, err := gate.IsSuppressed(ctx, "repo1", "d"+versionID)
	require.NoError(t, err)
	assert.False(t, suppressedAfter)

	// Resolving an already-resolved item is a conflict, not a panic.
	_, err = gate.Resolve(ctx, q.QuarantineID, policy.ResolveRelease, "bob")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "already_resolved", ae.Code)
}

// TestEvaluateTimeoutIsFailClosed walks §8 scenario 4's timeout branch: a
// policy engine that blocks past the bounded timeout yields 503 with no
// persisted evaluation and a policy.timeout audit row.
func TestEvaluateTimeoutIsFailClosed(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	slow := policy.SlowEngine{Inner: policy.HintEngine{}, Delay: 50 * time.Millisecond}
	gate := policy.NewGate(st, slow, 5*time.Millisecond, zaptest.NewLogger(t))
	versionID := seedDraftVersion(t, st, "repo1")

	_, err := gate.Evaluate(ctx, "tenant1", "repo1", versionID, policy.EvalInput{
		RepoID: "repo1", VersionID: versionID, Action: store.PolicyActionPublish,
		PolicyEngineVersion: "simulate_timeout",
	}, "alice")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "policy_timeout", ae.Code)

	entries, lerr := st.Audit().List(ctx, "tenant1", 10)
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.Equal(t, "policy.timeout", entries[0].Action)

	count, cerr := st.PolicyEvaluations().CountRecentTimeouts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, cerr)
	assert.Equal(t, 0, count) // no evaluation row persisted on timeout
}
