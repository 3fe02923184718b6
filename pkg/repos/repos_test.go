package repos_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/repos"
)

func TestCreateVirtualRejectsSelfReference(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := repos.New(st)

	_, err := svc.CreateVirtual(ctx, "t1", "all", []string{"all"})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindValidation, ae.Kind)
}

func TestCreateVirtualRejectsMissingMember(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := repos.New(st)

	_, err := svc.CreateVirtual(ctx, "t1", "all", []string{"npm-local"})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindValidation, ae.Kind)
}

func TestCreateVirtualRejectsCycle(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := repos.New(st)

	// A true cycle can't arise purely from CreateVirtual (members must
	// already exist when a repo is inserted), so construct one directly
	// against the store: "a" and "b" each list the other as a member.
	require.NoError(t, st.Repos().Insert(ctx, &store.Repo{
		RepoID: "r-a", TenantID: "t1", RepoKey: "a",
		RepoType: store.RepoTypeVirtual, MemberKeys: []string{"b"},
	}))
	require.NoError(t, st.Repos().Insert(ctx, &store.Repo{
		RepoID: "r-b", TenantID: "t1", RepoKey: "b",
		RepoType: store.RepoTypeVirtual, MemberKeys: []string{"a"},
	}))

	_, err := svc.CreateVirtual(ctx, "t1", "c", []string{"a"})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindValidation, ae.Kind)
}

func TestCreateVirtualHappyPathAndResolveMembers(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := repos.New(st)

	_, err := svc.CreateLocal(ctx, "t1", "npm-local")
	require.NoError(t, err)
	_, err = svc.CreateRemote(ctx, "t1", "npm-proxy", "https://registry.npmjs.org")
	require.NoError(t, err)

	v, err := svc.CreateVirtual(ctx, "t1", "npm-all", []string{"npm-local", "npm-proxy"})
	require.NoError(t, err)
	assert.Equal(t, store.RepoTypeVirtual, v.RepoType)

	members, err := svc.ResolveMembers(ctx, "t1", v)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "npm-local", members[0].RepoKey)
	assert.Equal(t, "npm-proxy", members[1].RepoKey)
}
