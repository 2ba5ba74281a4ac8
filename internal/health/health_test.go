package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Monitor, *storage.Repository) {
	t.Helper()

	repo, err := storage.New(filepath.Join(t.TempDir(), "zorp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return New(repo, Options{StuckAfter: 5 * time.Minute, IdleWindow: 24 * time.Hour, FailureThreshold: 3}), repo
}

func createZone(t *testing.T, repo *storage.Repository, name string, created time.Time, desired, applied models.State) {
	t.Helper()

	require.NoError(t, repo.CreateZone(context.Background(), models.Zone{
		Name:      name,
		Owner:     "Alice",
		OwnerKey:  names.Normalize("Alice"),
		ServerID:  "main",
		Delay:     5 * time.Minute,
		State:     models.StateSync{Desired: desired, Applied: applied, DesiredChangedAt: created},
		CreatedAt: created,
		UpdatedAt: created,
	}, "test"))
}

func failAttempt(t *testing.T, repo *storage.Repository, n int, at time.Time) {
	t.Helper()

	require.NoError(t, repo.InsertAttempt(context.Background(), models.RconAttempt{
		ZoneName: "Alice_Base", ServerID: "main", Target: models.StateRed,
		Command: "zones.editcustomzone \"Alice_Base\" color (255,0,0)", Response: "Zone not found",
		Attempt: n, CreatedAt: at,
	}))
}

func openFindings(t *testing.T, repo *storage.Repository, check models.CheckType) []models.Finding {
	t.Helper()

	list, err := repo.ListFindings(context.Background(), true, check)
	require.NoError(t, err)
	return list
}

func TestRconFailureNotDuplicated(t *testing.T) {
	ctx := context.Background()
	m, repo := setup(t)
	createZone(t, repo, "Alice_Base", t0, models.StateGreen, models.StateGreen)

	for i := 1; i <= 3; i++ {
		failAttempt(t, repo, i, t0.Add(time.Duration(i)*time.Second))
	}

	rep, err := m.Sweep(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Opened)

	failAttempt(t, repo, 4, t0.Add(2*time.Minute))
	rep, err = m.Sweep(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, rep.Opened)

	findings := openFindings(t, repo, models.CheckRconFailure)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "Alice_Base", findings[0].ZoneName)

	require.NoError(t, repo.RecordSuccess(ctx, models.RconAttempt{
		ZoneName: "Alice_Base", ServerID: "main", Target: models.StateGreen,
		Command: "c", Success: true, Attempt: 5, CreatedAt: t0.Add(4 * time.Minute),
	}, "test"))

	rep, err = m.Sweep(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Empty(t, openFindings(t, repo, models.CheckRconFailure))
}

func TestStuckZone(t *testing.T) {
	ctx := context.Background()
	m, repo := setup(t)
	createZone(t, repo, "Alice_Base", t0, models.StateRed, models.StateYellow)

	_, err := m.Sweep(ctx, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, openFindings(t, repo, models.CheckStuck))

	_, err = m.Sweep(ctx, t0.Add(6*time.Minute))
	require.NoError(t, err)
	stuck := openFindings(t, repo, models.CheckStuck)
	require.Len(t, stuck, 1)
	assert.Contains(t, stuck[0].Detail, "desired red")
}

func TestNoTransitionDespiteActivity(t *testing.T) {
	ctx := context.Background()
	m, repo := setup(t)
	now := t0.Add(72 * time.Hour)
	createZone(t, repo, "Alice_Base", t0, models.StateGreen, models.StateGreen)

	edge := now.Add(-2 * time.Hour)
	_, _, err := repo.UpdatePresence(ctx, "main", names.Normalize("Alice"), func(*models.Presence) (models.Presence, bool) {
		return models.Presence{
			ServerID: "main", PlayerKey: names.Normalize("Alice"), DisplayName: "Alice",
			LastSeenAt: edge, LastOfflineAt: &edge,
		}, true
	})
	require.NoError(t, err)

	_, err = m.Sweep(ctx, now)
	require.NoError(t, err)
	require.Len(t, openFindings(t, repo, models.CheckNoTransition), 1)
	assert.Empty(t, openFindings(t, repo, models.CheckStuck))
}

func TestOrphanFindingsResolved(t *testing.T) {
	ctx := context.Background()
	m, repo := setup(t)
	createZone(t, repo, "Alice_Base", t0, models.StateRed, models.StateYellow)

	_, err := m.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, openFindings(t, repo, models.CheckStuck), 1)

	require.NoError(t, repo.DeleteZone(ctx, "Alice_Base", models.EventZoneDeleted, "test", t0.Add(2*time.Hour)))

	rep, err := m.Sweep(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Empty(t, openFindings(t, repo, models.CheckStuck))
}
