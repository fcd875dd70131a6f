package fake

import (
	"context"
	"sync/atomic"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
)

// Resolver is a scripted scanning.SnapshotResolver that pins every
// repository to one commit and never touches the filesystem.
type Resolver struct {
	CommitSHA      string
	Path           string
	ResolveErr     error
	MaterializeErr error
	// MaterializeBlocks makes Materialize wait until its context ends, like a
	// clone of a huge repository.
	MaterializeBlocks bool

	resolves     atomic.Int64
	materializes atomic.Int64
	releases     atomic.Int64
}

var _ scanning.SnapshotResolver = (*Resolver)(nil)

// NewResolver creates a Resolver pinning to commitSHA.
func NewResolver(commitSHA string) *Resolver {
	return &Resolver{CommitSHA: commitSHA, Path: "/tmp/fake-snapshot"}
}

func (r *Resolver) Resolve(ctx context.Context, repo scanning.RepositoryIdentity, refHint string) (scanning.SnapshotRef, error) {
	r.resolves.Add(1)
	if r.ResolveErr != nil {
		return scanning.SnapshotRef{}, r.ResolveErr
	}
	if refHint == "" {
		refHint = "main"
	}
	return scanning.NewSnapshotRef(repo, refHint, r.CommitSHA)
}

func (r *Resolver) Materialize(ctx context.Context, ref scanning.SnapshotRef) (scanning.Snapshot, func(), error) {
	r.materializes.Add(1)
	if r.MaterializeBlocks {
		<-ctx.Done()
		return scanning.Snapshot{}, nil, ctx.Err()
	}
	if r.MaterializeErr != nil {
		return scanning.Snapshot{}, nil, r.MaterializeErr
	}
	return scanning.Snapshot{Ref: ref, Path: r.Path}, func() { r.releases.Add(1) }, nil
}

// Resolves returns how many times Resolve was called.
func (r *Resolver) Resolves() int { return int(r.resolves.Load()) }

// Materializes returns how many times Materialize was called.
func (r *Resolver) Materializes() int { return int(r.materializes.Load()) }

// Releases returns how many snapshots were released.
func (r *Resolver) Releases() int { return int(r.releases.Load()) }
