// Package scanning provides the domain model for repository vulnerability scans:
// snapshot identity, detector contracts and outcomes, finding canonicalization and
// deduplication, scan results and the health metrics derived from them.
package scanning

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRepository is returned when a repository identity is missing its owner or name.
var ErrInvalidRepository = errors.New("repository owner and name are required")

// RepositoryIdentity names a repository independently of any commit. It is stable
// across commits and is the grouping key for time-series metrics.
type RepositoryIdentity struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// NewRepositoryIdentity trims and validates the owner/name pair.
func NewRepositoryIdentity(owner, name string) (RepositoryIdentity, error) {
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if owner == "" || name == "" {
		return RepositoryIdentity{}, ErrInvalidRepository
	}
	return RepositoryIdentity{Owner: owner, Name: name}, nil
}

// String returns the owner/name form.
func (r RepositoryIdentity) String() string { return r.Owner + "/" + r.Name }

// Valid reports whether both owner and name are non-blank, matching what
// NewRepositoryIdentity accepts.
func (r RepositoryIdentity) Valid() bool {
	return strings.TrimSpace(r.Owner) != "" && strings.TrimSpace(r.Name) != ""
}

// SnapshotRef identifies one immutable, content-addressed state of a repository.
// Two scans of the same SnapshotRef with the same configuration are interchangeable.
type SnapshotRef struct {
	Repository RepositoryIdentity `json:"repository"`
	// Ref is the branch, tag or hint the commit was resolved from. It is
	// informational only and does not participate in identity.
	Ref       string `json:"ref"`
	CommitSHA string `json:"commit_sha"`
}

// NewSnapshotRef creates a SnapshotRef, requiring a resolved commit.
func NewSnapshotRef(repo RepositoryIdentity, ref, commitSHA string) (SnapshotRef, error) {
	if !repo.Valid() {
		return SnapshotRef{}, ErrInvalidRepository
	}
	commitSHA = strings.TrimSpace(commitSHA)
	if commitSHA == "" {
		return SnapshotRef{}, fmt.Errorf("snapshot of %s has no resolved commit", repo)
	}
	return SnapshotRef{Repository: repo, Ref: ref, CommitSHA: commitSHA}, nil
}

// String returns owner/name@commit.
func (s SnapshotRef) String() string { return s.Repository.String() + "@" + s.CommitSHA }

// Snapshot is a SnapshotRef materialized on the local filesystem.
type Snapshot struct {
	Ref  SnapshotRef
	Path string
}
