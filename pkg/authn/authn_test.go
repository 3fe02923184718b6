package authn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/authn"
)

func TestHasRoleMatrix(t *testing.T) {
	cases := []struct {
		scopes   []string
		repoKey  string
		required store.Role
		want     bool
	}{
		{[]string{"*:admin"}, "lib", store.RoleRead, true},
		{[]string{"*:admin"}, "lib", store.RoleAdmin, true},
		{[]string{"lib:admin"}, "lib", store.RolePromote, true},
		{[]string{"lib:promote"}, "lib", store.RoleWrite, false},
		{[]string{"lib:promote"}, "lib", store.RoleRead, true},
		{[]string{"lib:write"}, "lib", store.RoleRead, true},
		{[]string{"lib:write"}, "lib", store.RolePromote, false},
		{[]string{"lib:read"}, "lib", store.RoleRead, true},
		{[]string{"lib:read"}, "other", store.RoleRead, false},
		{[]string{"read"}, "lib", store.RoleRead, false}, // malformed scope (no colon)
	}
	for _, c := range cases {
		got := authn.HasRole(c.scopes, c.repoKey, c.required)
		assert.Equal(t, c.want, got, "scopes=%v repo=%s required=%s", c.scopes, c.repoKey, c.required)
	}
}

func TestResolvePATHappyPathAndExpiry(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.PATs().Insert(ctx, &store.PAT{
		TokenID: "tok1", TenantID: "t1", Subject: "alice",
		TokenHash: authn.HashToken("secret-token"), Scopes: []string{"lib:read"},
		ExpiresAt: fixedNow.Add(time.Hour),
	}))

	r := authn.NewResolver(st, nil).WithClock(func() time.Time { return fixedNow })
	p, err := r.Resolve(ctx, "secret-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, authn.SourcePAT, p.Source)

	_, err = r.Resolve(ctx, "wrong-token")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnauthenticated, ae.Kind)

	expiredResolver := authn.NewResolver(st, nil).WithClock(func() time.Time { return fixedNow.Add(2 * time.Hour) })
	_, err = expiredResolver.Resolve(ctx, "secret-token")
	ae, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnauthenticated, ae.Kind)
}

func TestIssuePATBootstrapThenRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	r := authn.NewResolver(st, nil)

	// First PAT for the tenant is issued with the bootstrap header.
	first, plaintext, err := r.IssuePAT(ctx, "t1", "alice", []string{"lib:read"}, 0, nil, "secret", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.Equal(t, "t1", first.TenantID)

	// Second PAT with no authority and no bootstrap header is forbidden.
	_, _, err = r.IssuePAT(ctx, "t1", "bob", nil, 0, nil, "", "secret")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindForbidden, ae.Kind)

	// Bootstrap header matching the configured secret authorizes issuance.
	_, _, err = r.IssuePAT(ctx, "t1", "bob", nil, 0, nil, "secret", "secret")
	require.NoError(t, err)

	// A requester carrying *:admin also authorizes issuance.
	admin := &authn.Principal{TenantID: "t1", Subject: "root", Scopes: []string{"*:admin"}}
	_, _, err = r.IssuePAT(ctx, "t1", "carol", nil, 0, admin, "", "secret")
	require.NoError(t, err)
}

func TestOIDCVerifyHS256(t *testing.T) {
	// OIDC HS256 verification is not exercised here: the test body only
	// skips, and no other test in this package calls Verify.
	t.Skip("OIDC Verify has no unit test in this package")
}
