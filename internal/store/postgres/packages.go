package postgres

import (
	"context"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type packageStore struct{ q tagsql.Queryer }

// UpsertGet finds-or-creates a Package keyed on (repo, type, ns, name).
// namespace is coalesced to '' for uniqueness per §3, matching the unique
// index the schema declares on (repo_id, package_type, namespace, name).
func (s *packageStore) UpsertGet(ctx context.Context, repoID, packageType, namespace, name string) (*store.Package, error) {
	p := &store.Package{}
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO packages (package_id, repo_id, package_type, namespace, name)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4)
		ON CONFLICT (repo_id, package_type, namespace, name)
		DO UPDATE SET name = EXCLUDED.name
		RETURNING package_id, repo_id, package_type, namespace, name`,
		repoID, packageType, namespace, name).
		Scan(&p.PackageID, &p.RepoID, &p.PackageType, &p.Namespace, &p.Name)
	if err != nil {
		return nil, wrapErr(err)
	}
	return p, nil
}

func (s *packageStore) Get(ctx context.Context, packageID string) (*store.Package, error) {
	p := &store.Package{}
	err := s.q.QueryRowContext(ctx, `
		SELECT package_id, repo_id, package_type, namespace, name FROM packages WHERE package_id = $1`, packageID).
		Scan(&p.PackageID, &p.RepoID, &p.PackageType, &p.Namespace, &p.Name)
	if err != nil {
		return nil, wrapErr(err)
	}
	return p, nil
}
