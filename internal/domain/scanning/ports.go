package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SnapshotResolver turns a repository reference into an immutable snapshot.
// Resolution and checkout are separate so a cache hit never pays for a clone.
type SnapshotResolver interface {
	// Resolve pins refHint (the default branch when empty) to a commit.
	Resolve(ctx context.Context, repo RepositoryIdentity, refHint string) (SnapshotRef, error)

	// Materialize checks out ref locally. The returned release func removes
	// the checkout and must be called once the snapshot is no longer needed.
	Materialize(ctx context.Context, ref SnapshotRef) (Snapshot, func(), error)
}

// ResultSink durably records a completed scan. Implementations must not
// retain or mutate the result.
type ResultSink interface {
	Store(ctx context.Context, result *ScanResult, metrics HealthMetrics) error
}

// ErrScanNotFound is returned by ScanHistory when no scan has the given id.
var ErrScanNotFound = errors.New("scan not found")

// ScanHistory reads scans previously recorded by a ResultSink.
type ScanHistory interface {
	GetScan(ctx context.Context, id uuid.UUID) (*ScanResult, HealthMetrics, error)
	// ListScans returns the metrics of the most recent scans of repo, newest
	// first.
	ListScans(ctx context.Context, repo RepositoryIdentity, limit int) ([]HealthMetrics, error)
}

// CacheKey identifies a memoized scan: one repository, one commit, one
// configuration fingerprint.
type CacheKey struct {
	Owner             string
	Name              string
	CommitSHA         string
	ConfigFingerprint string
}

// NewCacheKey builds the cache key of a snapshot scanned with the given
// configuration fingerprint. Owner and name are case-folded since GitHub
// treats them case-insensitively.
func NewCacheKey(ref SnapshotRef, fingerprint string) CacheKey {
	return CacheKey{
		Owner:             strings.ToLower(ref.Repository.Owner),
		Name:              strings.ToLower(ref.Repository.Name),
		CommitSHA:         ref.CommitSHA,
		ConfigFingerprint: fingerprint,
	}
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s#%s@%s", k.Owner, k.Name, k.CommitSHA, k.ConfigFingerprint)
}

// CachedScan is the memoized value: the result together with the metrics
// derived from it at insertion time.
type CachedScan struct {
	Result  *ScanResult
	Metrics HealthMetrics
}

// Clone returns a copy whose metrics share no memory with c's. The result is
// shared; it cannot be modified through its accessors.
func (c CachedScan) Clone() CachedScan {
	return CachedScan{Result: c.Result, Metrics: c.Metrics.Clone()}
}

// ScanCache memoizes completed scans. Implementations must be safe for
// concurrent use.
type ScanCache interface {
	Get(key CacheKey) (CachedScan, bool)
	Put(key CacheKey, value CachedScan)
}
