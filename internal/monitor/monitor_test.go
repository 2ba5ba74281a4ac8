package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/zorp/internal/config"
	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/presence"
	"github.com/woozymasta/zorp/internal/rcon"
	"github.com/woozymasta/zorp/internal/reconcile"
	"github.com/woozymasta/zorp/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConsole struct {
	frames  chan rcon.Frame
	players string
}

func newFakeConsole(players string) *fakeConsole {
	return &fakeConsole{frames: make(chan rcon.Frame, 8), players: players}
}

func (c *fakeConsole) Run(ctx context.Context, _ time.Duration) { <-ctx.Done() }
func (c *fakeConsole) Broadcasts() <-chan rcon.Frame { return c.frames }
func (c *fakeConsole) Connected() bool { return true }

func (c *fakeConsole) Execute(context.Context, string) (rcon.Response, error) {
	return rcon.Response{Message: c.players}, nil
}

type recordingPasser struct {
	calls chan []names.Key
}

func (p *recordingPasser) Pass(_ context.Context, owners ...names.Key) (reconcile.Report, error) {
	p.calls <- owners
	return reconcile.Report{ServerID: "main", Zones: len(owners)}, nil
}

func newRepo(t *testing.T) *storage.Repository {
	t.Helper()

	repo, err := storage.New(filepath.Join(t.TempDir(), "zorp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func startWorker(t *testing.T, repo *storage.Repository, console Console, opts WorkerOptions) (*Worker, *recordingPasser) {
	t.Helper()

	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}

	passer := &recordingPasser{calls: make(chan []names.Key, 16)}
	srv := config.GameServer{ID: "main", Host: "127.0.0.1", RconPort: 28016}
	w := NewWorker(srv, console, presence.NewTracker(repo, nil), passer, repo, nil, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-w.done
	})

	return w, passer
}

func nextPass(t *testing.T, p *recordingPasser) []names.Key {
	t.Helper()

	select {
	case owners := <-p.calls:
		return owners
	case <-time.After(2 * time.Second):
		t.Fatal("no reconciliation pass")
		return nil
	}
}

func TestWorkerConsoleEdgesTriggerOwnerPass(t *testing.T) {
	repo := newRepo(t)
	console := newFakeConsole("")
	w, passer := startWorker(t, repo, console, WorkerOptions{})

	console.frames <- rcon.Frame{Message: "10.0.0.1:1234/76561198000000001/Alice joined [windows/76561198000000001]"}
	assert.Equal(t, []names.Key{"alice"}, nextPass(t, passer))

	p, err := repo.GetPresence(context.Background(), "main", "alice")
	require.NoError(t, err)
	assert.True(t, p.Online)

	require.NoError(t, w.Submit(models.PresenceEvent{Player: "ALICE", Online: false, Source: models.SourceAPI}))
	assert.Equal(t, []names.Key{"alice"}, nextPass(t, passer))

	// a repeated offline observation is not an edge
	require.NoError(t, w.Submit(models.PresenceEvent{Player: "Alice", Online: false, Source: models.SourceAPI}))

	rep, err := w.Reconcile(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Zones)
	assert.Equal(t, []names.Key{"bob"}, nextPass(t, passer))
}

func TestWorkerPollSeedsFromStoredPresence(t *testing.T) {
	repo := newRepo(t)

	_, err := presence.NewTracker(repo, nil).Record(context.Background(), models.PresenceEvent{
		ServerID: "main", Player: "Alice", Online: true, ObservedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	console := newFakeConsole(`[{"SteamID":"2","DisplayName":"Bob"}]`)
	_, passer := startWorker(t, repo, console, WorkerOptions{PlayerListCmd: "playerlist", PollInterval: 20 * time.Millisecond})

	assert.Equal(t, []names.Key{"alice"}, nextPass(t, passer))
	assert.Equal(t, []names.Key{"bob"}, nextPass(t, passer))

	select {
	case owners := <-passer.calls:
		t.Fatalf("unexpected pass for %v", owners)
	case <-time.After(100 * time.Millisecond):
	}

	alice, err := repo.GetPresence(context.Background(), "main", "alice")
	require.NoError(t, err)
	assert.False(t, alice.Online)
}

func TestWorkerPollKeepsPlayersOnBlankReply(t *testing.T) {
	repo := newRepo(t)

	_, err := presence.NewTracker(repo, nil).Record(context.Background(), models.PresenceEvent{
		ServerID: "main", Player: "Alice", Online: true, ObservedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, passer := startWorker(t, repo, newFakeConsole(" \n"), WorkerOptions{PlayerListCmd: "playerlist", PollInterval: 20 * time.Millisecond})

	select {
	case owners := <-passer.calls:
		t.Fatalf("unexpected pass for %v", owners)
	case <-time.After(150 * time.Millisecond):
	}

	alice, err := repo.GetPresence(context.Background(), "main", "alice")
	require.NoError(t, err)
	assert.True(t, alice.Online)
	assert.Nil(t, alice.LastOfflineAt)
}

func TestSupervisorDispatch(t *testing.T) {
	repo := newRepo(t)
	w, passer := startWorker(t, repo, newFakeConsole(""), WorkerOptions{})
	s := NewSupervisor([]*Worker{w}, nil, nil, SupervisorOptions{}, nil)

	err := s.Dispatch(models.PresenceEvent{ServerID: "other", Player: "Alice", Online: true})
	assert.True(t, errors.Is(err, ErrUnknownServer))

	_, err = s.Reconcile(context.Background(), "other")
	assert.True(t, errors.Is(err, ErrUnknownServer))

	require.NoError(t, s.Dispatch(models.PresenceEvent{ServerID: "main", Player: "Carol", Online: true}))
	assert.Equal(t, []names.Key{"carol"}, nextPass(t, passer))
	assert.True(t, s.Known("main"))
}

func TestExpireZones(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for _, name := range []string{"Alice_Base", "Bob_Base"} {
		expire := time.Hour
		if name == "Bob_Base" {
			expire = 0
		}
		require.NoError(t, repo.CreateZone(ctx, models.Zone{
			Name:      name,
			Owner:     "Alice",
			OwnerKey:  names.Normalize("Alice"),
			ServerID:  "main",
			Delay:     5 * time.Minute,
			Expire:    expire,
			State:     models.StateSync{Desired: models.StateGreen, DesiredChangedAt: t0},
			CreatedAt: t0,
			UpdatedAt: t0,
		}, "test"))
	}

	n, err := ExpireZones(ctx, repo, "worker-1", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ExpireZones(ctx, repo, "worker-1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.GetZone(ctx, "Alice_Base")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetZone(ctx, "Bob_Base")
	assert.NoError(t, err)

	expired, err := repo.HasEvent(ctx, "Alice_Base", models.EventZoneExpired)
	require.NoError(t, err)
	assert.True(t, expired)
}
