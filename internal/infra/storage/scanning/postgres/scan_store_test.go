package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/oss-health-monitor/internal/domain/scanning"
	"github.com/ahrav/oss-health-monitor/internal/infra/storage"
)

func setupScanStoreTest(t *testing.T) (context.Context, *pgxpool.Pool, *scanStore, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	db, cleanup := storage.SetupTestContainer(t)
	store := NewScanStore(db, storage.NoOpTracer())
	return context.Background(), db, store, cleanup
}

func ptr[T any](v T) *T { return &v }

func createTestResult(t *testing.T, repo scanning.RepositoryIdentity, completedAt time.Time) *scanning.ScanResult {
	t.Helper()

	snap, err := scanning.NewSnapshotRef(repo, "main", "0e322768cf8d1a4f0f5e2c2a5cbb7e0ba3ef5f3d")
	require.NoError(t, err)

	published := time.Date(2023, 5, 22, 20, 36, 32, 0, time.UTC)
	outcomes := []scanning.DetectorOutcome{
		scanning.Succeeded(scanning.DetectorOSV, []scanning.RawFinding{
			{
				Detector:        scanning.DetectorOSV,
				Ecosystem:       "PyPI",
				PackageName:     "requests",
				Version:         "2.25.0",
				VulnerabilityID: "CVE-2023-32681",
				Aliases:         []string{"GHSA-j8r2-6x86-q33q"},
				Severity:        scanning.SeverityMedium,
				Score:           ptr(6.1),
				FixedVersion:    "2.31.0",
				Summary:         "Proxy-Authorization header leak",
				PublishedAt:     &published,
			},
			{
				Detector:        scanning.DetectorOSV,
				Ecosystem:       "PyPI",
				PackageName:     "urllib3",
				Version:         "1.26.4",
				VulnerabilityID: "GHSA-v845-jxx5-vc9f",
				Severity:        scanning.SeverityHigh,
			},
		}, 2*time.Second),
		scanning.TimedOut(scanning.DetectorTrivy, 60*time.Second),
	}

	return scanning.NewScanResult(uuid.New(), snap, "fp", outcomes, completedAt)
}

func TestScanStore_StoreAndGet(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	repo := scanning.RepositoryIdentity{Owner: "psf", Name: "requests"}
	completedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	result := createTestResult(t, repo, completedAt)
	metrics := scanning.ComputeMetrics(result)

	require.NoError(t, store.Store(ctx, result, metrics))

	loaded, loadedMetrics, err := store.GetScan(ctx, result.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, result.ID(), loaded.ID())
	assert.Equal(t, result.Snapshot(), loaded.Snapshot())
	assert.Equal(t, result.ConfigFingerprint(), loaded.ConfigFingerprint())
	assert.Equal(t, scanning.ScanStatusPartialFailure, loaded.Status())
	assert.True(t, completedAt.Equal(loaded.CompletedAt()))
	assert.Equal(t, result.Findings(), loaded.Findings())
	assert.Equal(t, []scanning.DetectorName{scanning.DetectorTrivy}, loaded.FailedDetectors())

	assert.Equal(t, metrics.TotalFindings, loadedMetrics.TotalFindings)
	assert.Equal(t, metrics.BySeverity, loadedMetrics.BySeverity)
	assert.Equal(t, metrics.Ecosystems, loadedMetrics.Ecosystems)
	assert.Equal(t, metrics.FailedDetectors, loadedMetrics.FailedDetectors)
	assert.Equal(t, metrics.VulnerabilityAge, loadedMetrics.VulnerabilityAge)
	assert.Equal(t, metrics.Status, loadedMetrics.Status)
}

func TestScanStore_StoreIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	result := createTestResult(t, scanning.RepositoryIdentity{Owner: "psf", Name: "requests"}, time.Now().UTC().Truncate(time.Microsecond))
	metrics := scanning.ComputeMetrics(result)

	require.NoError(t, store.Store(ctx, result, metrics))
	require.NoError(t, store.Store(ctx, result, metrics))

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM scan_findings`).Scan(&count))
	assert.Equal(t, result.FindingCount(), count)
}

func TestScanStore_GetScanNotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	_, _, err := store.GetScan(ctx, uuid.New())
	assert.True(t, errors.Is(err, scanning.ErrScanNotFound))
}

func TestScanStore_ListScans(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	repo := scanning.RepositoryIdentity{Owner: "psf", Name: "requests"}
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := range 3 {
		result := createTestResult(t, repo, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.Store(ctx, result, scanning.ComputeMetrics(result)))
		ids = append(ids, result.ID())
	}
	other := createTestResult(t, scanning.RepositoryIdentity{Owner: "pallets", Name: "flask"}, base)
	require.NoError(t, store.Store(ctx, other, scanning.ComputeMetrics(other)))

	scans, err := store.ListScans(ctx, scanning.RepositoryIdentity{Owner: "PSF", Name: "Requests"}, 2)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, ids[2], scans[0].ScanID, "newest first")
	assert.Equal(t, ids[1], scans[1].ScanID)

	none, err := store.ListScans(ctx, scanning.RepositoryIdentity{Owner: "nobody", Name: "nothing"}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScanStore_Ping(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	assert.NoError(t, store.Ping(ctx))
}
