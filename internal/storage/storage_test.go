package storage

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	repo, err := New(filepath.Join(t.TempDir(), "zorp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func setupMockDB(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewWithDB(db), mock
}

func testZone(name, owner string) models.Zone {
	return models.Zone{
		Name:     name,
		Owner:    owner,
		OwnerKey: names.Normalize(owner),
		ServerID: "main",
		Size:     75,
		Colors:   models.Colors{Online: "0,255,0", Yellow: "255,255,0", Offline: "255,0,0"},
		Delay:    5 * time.Minute,
		MinTeam:  1,
		MaxTeam:  8,
		State: models.StateSync{
			Desired:          models.StateGreen,
			DesiredChangedAt: t0,
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zorp.db")

	repo, err := New(path)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = New(path)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	version, err := repo.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "0001_zones.sql", version)
}

func TestZoneLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	z := testZone("Alice_Base", "Alice")
	require.NoError(t, repo.CreateZone(ctx, z, "api"))
	assert.ErrorIs(t, repo.CreateZone(ctx, z, "api"), ErrZoneExists)

	got, err := repo.GetZone(ctx, "Alice_Base")
	require.NoError(t, err)
	assert.Equal(t, names.Key("alice"), got.OwnerKey)
	assert.Equal(t, 5*time.Minute, got.Delay)
	assert.Equal(t, t0, got.CreatedAt)
	assert.True(t, got.State.Pending())
	assert.Nil(t, got.State.AppliedAt)

	changed, err := repo.SetDesired(ctx, "Alice_Base", models.StateYellow, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.SetDesired(ctx, "Alice_Base", models.StateYellow, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = repo.GetZone(ctx, "Alice_Base")
	require.NoError(t, err)
	assert.Equal(t, models.StateYellow, got.State.Desired)
	assert.Equal(t, t0.Add(time.Minute), got.State.DesiredChangedAt)

	require.NoError(t, repo.DeleteZone(ctx, "Alice_Base", models.EventZoneDeleted, "api", t0.Add(time.Hour)))
	_, err = repo.GetZone(ctx, "Alice_Base")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.DeleteZone(ctx, "Alice_Base", models.EventZoneDeleted, "api", t0), ErrNotFound)

	events, err := repo.ListEvents(ctx, "Alice_Base", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventZoneDeleted, events[0].Type)
	assert.Equal(t, models.EventZoneCreated, events[1].Type)
}

func TestListZonesFilters(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.CreateZone(ctx, testZone("a", "Alice"), "test"))
	require.NoError(t, repo.CreateZone(ctx, testZone("b", "Bob"), "test"))
	other := testZone("c", "Alice")
	other.ServerID = "second"
	require.NoError(t, repo.CreateZone(ctx, other, "test"))

	all, err := repo.ListZones(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := repo.ListZones(ctx, "main", names.Normalize("ALICE"))
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].Name)
}

func TestExpiredZones(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	short := testZone("short", "Alice")
	short.Expire = time.Hour
	require.NoError(t, repo.CreateZone(ctx, short, "test"))
	require.NoError(t, repo.CreateZone(ctx, testZone("forever", "Bob"), "test"))

	zones, err := repo.ExpiredZones(ctx, t0.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, zones)

	zones, err = repo.ExpiredZones(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "short", zones[0].Name)
}

func TestUpdatePresenceCopiesEdgeToZones(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.CreateZone(ctx, testZone("Alice_Base", "Alice"), "test"))

	key := names.Normalize("Alice")
	offAt := t0.Add(10 * time.Minute)

	prev, next, err := repo.UpdatePresence(ctx, "main", key, func(prev *models.Presence) (models.Presence, bool) {
		assert.Nil(t, prev)
		return models.Presence{
			ServerID: "main", PlayerKey: key, DisplayName: "Alice",
			Online: false, LastSeenAt: offAt, LastOfflineAt: &offAt,
		}, true
	})
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.False(t, next.Online)

	p, err := repo.GetPresence(ctx, "main", key)
	require.NoError(t, err)
	require.NotNil(t, p.LastOfflineAt)
	assert.Equal(t, offAt, *p.LastOfflineAt)

	z, err := repo.GetZone(ctx, "Alice_Base")
	require.NoError(t, err)
	require.NotNil(t, z.LastOfflineAt)
	assert.Equal(t, offAt, *z.LastOfflineAt)

	// no write requested leaves the row untouched
	_, _, err = repo.UpdatePresence(ctx, "main", key, func(prev *models.Presence) (models.Presence, bool) {
		require.NotNil(t, prev)
		return *prev, false
	})
	require.NoError(t, err)

	online, err := repo.ListOnline(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestAcquireLockConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)

	for _, worker := range []string{"workerX", "workerY"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			ok, _, err := repo.AcquireLock(ctx, "serverA", worker, t0, 90*time.Second)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins = append(wins, worker)
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	assert.Len(t, wins, 1)
}

func TestAcquireLockTTL(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	ttl := 90 * time.Second

	ok, prev, err := repo.AcquireLock(ctx, "serverA", "x", t0, ttl)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, prev)

	ok, _, err = repo.AcquireLock(ctx, "serverA", "y", t0.Add(89*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// owner refresh extends the lease
	ok, _, err = repo.AcquireLock(ctx, "serverA", "x", t0.Add(60*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = repo.AcquireLock(ctx, "serverA", "y", t0.Add(120*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, prev, err = repo.AcquireLock(ctx, "serverA", "y", t0.Add(150*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, prev)
	assert.Equal(t, "x", prev.Owner)

	released, err := repo.ReleaseLock(ctx, "serverA", "x")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = repo.ReleaseLock(ctx, "serverA", "y")
	require.NoError(t, err)
	assert.True(t, released)

	_, err = repo.GetLock(ctx, "serverA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordSuccessUpdatesApplied(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.CreateZone(ctx, testZone("Alice_Base", "Alice"), "test"))

	failed := models.RconAttempt{
		ZoneName: "Alice_Base", ServerID: "main", Target: models.StateGreen,
		Command: "cmd", Response: "error", Attempt: 1, CreatedAt: t0.Add(time.Second),
	}
	require.NoError(t, repo.InsertAttempt(ctx, failed))

	z, err := repo.GetZone(ctx, "Alice_Base")
	require.NoError(t, err)
	assert.Equal(t, models.State(""), z.State.Applied)

	ok := failed
	ok.Success = true
	ok.Attempt = 2
	ok.CreatedAt = t0.Add(2 * time.Second)
	require.NoError(t, repo.RecordSuccess(ctx, ok, "worker"))

	z, err = repo.GetZone(ctx, "Alice_Base")
	require.NoError(t, err)
	assert.Equal(t, models.StateGreen, z.State.Applied)
	assert.False(t, z.State.Pending())
	require.NotNil(t, z.State.AppliedAt)

	n, last, err := repo.CountAttempts(ctx, "Alice_Base", models.StateGreen, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, t0.Add(2*time.Second), last)

	recent, err := repo.RecentAttempts(ctx, "Alice_Base", 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Success)
	assert.False(t, recent[1].Success)

	appliedAt, err := repo.LastAppliedAt(ctx, "Alice_Base")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), appliedAt)

	missing := ok
	missing.ZoneName = "nope"
	assert.ErrorIs(t, repo.RecordSuccess(ctx, missing, "worker"), ErrNotFound)
}

func TestFindingsDeduplicated(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	f := models.Finding{
		ZoneName: "Alice_Base", ServerID: "main", Check: models.CheckRconFailure,
		Severity: models.SeverityCritical, Detail: "3 failed attempts", CreatedAt: t0,
	}

	created, err := repo.OpenFinding(ctx, f)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.OpenFinding(ctx, f)
	require.NoError(t, err)
	assert.False(t, created)

	resolved, err := repo.ResolveFinding(ctx, "Alice_Base", models.CheckRconFailure, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, resolved)

	created, err = repo.OpenFinding(ctx, f)
	require.NoError(t, err)
	assert.True(t, created)

	open, err := repo.ListFindings(ctx, true)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	all, err := repo.ListFindings(ctx, false, models.CheckRconFailure)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// the zone does not exist, so the open finding is an orphan
	n, err := repo.ResolveOrphanFindings(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pruned, err := repo.PruneResolvedFindings(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
}

func TestPruneAttempts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for i := range 3 {
		require.NoError(t, repo.InsertAttempt(ctx, models.RconAttempt{
			ZoneName: "z", ServerID: "main", Target: models.StateRed, Command: "c",
			Attempt: i + 1, CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	n, err := repo.PruneAttempts(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestReleaseLockSQL(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM processing_locks WHERE server_id = ? AND owner = ?")).
		WithArgs("serverA", "x").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ReleaseLock(context.Background(), "serverA", "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenFindingIgnoredSQL(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT OR IGNORE INTO health_findings")).
		WithArgs("z", "main", "stuck", "warning", "", toMillis(t0)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.OpenFinding(context.Background(), models.Finding{
		ZoneName: "z", ServerID: "main", Check: models.CheckStuck, Severity: models.SeverityWarning, CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLockQueryError(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT server_id, owner, acquired_at, expires_at FROM processing_locks")).
		WithArgs("serverA").
		WillReturnError(assert.AnError)

	ok, _, err := repo.AcquireLock(context.Background(), "serverA", "x", t0, time.Minute)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
