// Package monitor runs one worker per game server and the supervisor-level sweeps.
//
// A worker is the only goroutine consuming presence for its server. Console
// lines, player list polls and HTTP ingestion are each applied in arrival order.
package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/config"
	"github.com/woozymasta/zorp/internal/game"
	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/presence"
	"github.com/woozymasta/zorp/internal/rcon"
	"github.com/woozymasta/zorp/internal/reconcile"
)

var (
	// ErrQueueFull is returned when a worker cannot take more presence events.
	ErrQueueFull = errors.New("presence queue full")
	// ErrStopped is returned when the worker is not running.
	ErrStopped = errors.New("worker stopped")
)

// Console is the remote console session of one server.
type Console interface {
	Run(ctx context.Context, backoff time.Duration)
	Broadcasts() <-chan rcon.Frame
	Execute(ctx context.Context, command string) (rcon.Response, error)
	Connected() bool
}

// Recorder records presence observations.
type Recorder interface {
	Record(ctx context.Context, ev models.PresenceEvent) (presence.Transition, error)
}

// Passer runs reconciliation passes.
type Passer interface {
	Pass(ctx context.Context, owners ...names.Key) (reconcile.Report, error)
}

// OnlineLister lists players stored as online.
type OnlineLister interface {
	ListOnline(ctx context.Context, serverID string) ([]models.Presence, error)
}

// WorkerOptions tunes a worker.
type WorkerOptions struct {
	PlayerListCmd    string
	SweepInterval    time.Duration
	PollInterval     time.Duration
	ProbeInterval    time.Duration
	ReconnectBackoff time.Duration
	QueueSize        int
}

type passRequest struct {
	reply  chan passReply
	owners []names.Key
}

type passReply struct {
	err error
	rep reconcile.Report
}

// Worker owns the console, presence feed and passes of one server.
type Worker struct {
	console  Console
	tracker  Recorder
	passer   Passer
	prober   *game.Prober
	online   OnlineLister
	events   chan models.PresenceEvent
	requests chan passRequest
	done     chan struct{}
	last     rcon.Snapshot
	srv      config.GameServer
	opts     WorkerOptions
	now      func() time.Time
}

// NewWorker wires a worker for srv. prober may be nil.
func NewWorker(srv config.GameServer, console Console, tracker Recorder, passer Passer, online OnlineLister, prober *game.Prober, opts WorkerOptions, now func() time.Time) *Worker {
	if now == nil {
		now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}

	return &Worker{
		srv:      srv,
		console:  console,
		tracker:  tracker,
		passer:   passer,
		online:   online,
		prober:   prober,
		opts:     opts,
		now:      now,
		events:   make(chan models.PresenceEvent, opts.QueueSize),
		requests: make(chan passRequest),
		done:     make(chan struct{}),
	}
}

// ServerID returns the id of the served game server.
func (w *Worker) ServerID() string {
	return w.srv.ID
}

// Submit queues a presence event without blocking.
func (w *Worker) Submit(ev models.PresenceEvent) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}

	select {
	case w.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Reconcile runs a pass on the worker goroutine and waits for its report.
func (w *Worker) Reconcile(ctx context.Context, owners ...names.Key) (reconcile.Report, error) {
	req := passRequest{owners: owners, reply: make(chan passReply, 1)}

	select {
	case w.requests <- req:
	case <-w.done:
		return reconcile.Report{}, ErrStopped
	case <-ctx.Done():
		return reconcile.Report{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.rep, r.err
	case <-ctx.Done():
		return reconcile.Report{}, ctx.Err()
	}
}

// Run processes the server until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	logger := log.With().Str("server", w.srv.ID).Logger()
	logger.Info().Str("rcon", w.srv.RconAddress()).Msg("Server worker started")

	go w.console.Run(ctx, w.opts.ReconnectBackoff)

	w.seedSnapshot(ctx)

	sweep := time.NewTicker(w.opts.SweepInterval)
	defer sweep.Stop()

	var pollC, probeC <-chan time.Time
	if w.opts.PollInterval > 0 && w.opts.PlayerListCmd != "" {
		poll := time.NewTicker(w.opts.PollInterval)
		defer poll.Stop()
		pollC = poll.C
	}
	if w.prober != nil && w.opts.ProbeInterval > 0 {
		w.prober.Probe(w.srv)
		probe := time.NewTicker(w.opts.ProbeInterval)
		defer probe.Stop()
		probeC = probe.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Server worker stopped")
			return

		case ev := <-w.events:
			w.observe(ctx, ev)

		case frame := <-w.console.Broadcasts():
			for _, line := range strings.Split(frame.Message, "\n") {
				if ev, ok := rcon.ParseConsoleLine(w.srv.ID, line, w.now()); ok {
					w.observe(ctx, ev)
				}
			}

		case <-pollC:
			w.poll(ctx)

		case <-probeC:
			w.prober.Probe(w.srv)

		case <-sweep.C:
			if w.reachable() {
				w.pass(ctx)
			}

		case req := <-w.requests:
			rep, err := w.passer.Pass(ctx, req.owners...)
			req.reply <- passReply{rep: rep, err: err}
		}
	}
}

func (w *Worker) reachable() bool {
	return w.prober == nil || w.prober.Reachable(w.srv.ID)
}

func (w *Worker) observe(ctx context.Context, ev models.PresenceEvent) {
	if ev.ServerID == "" {
		ev.ServerID = w.srv.ID
	}

	tr, err := w.tracker.Record(ctx, ev)
	if err != nil {
		log.Warn().Err(err).Str("server", w.srv.ID).Str("player", ev.Player).Msg("Presence event rejected")
		return
	}

	if !tr.Edge || !w.reachable() {
		return
	}

	w.pass(ctx, tr.Key)
}

func (w *Worker) pass(ctx context.Context, owners ...names.Key) {
	if _, err := w.passer.Pass(ctx, owners...); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("server", w.srv.ID).Msg("Reconciliation pass failed")
	}
}

// seedSnapshot starts the poll diff from the players stored as online, so
// players that left while the daemon was down are seen going offline.
func (w *Worker) seedSnapshot(ctx context.Context) {
	if w.online == nil {
		return
	}

	list, err := w.online.ListOnline(ctx, w.srv.ID)
	if err != nil {
		log.Warn().Err(err).Str("server", w.srv.ID).Msg("Failed to load online players")
		return
	}

	players := make([]rcon.Player, 0, len(list))
	for _, p := range list {
		players = append(players, rcon.Player{DisplayName: p.DisplayName})
	}
	w.last = rcon.NewSnapshot(players)
}

func (w *Worker) poll(ctx context.Context) {
	if !w.console.Connected() {
		return
	}

	resp, err := w.console.Execute(ctx, w.opts.PlayerListCmd)
	if err != nil {
		log.Debug().Err(err).Str("server", w.srv.ID).Msg("Player list poll failed")
		return
	}

	players, err := rcon.ParsePlayerList(resp.Message)
	if errors.Is(err, rcon.ErrEmptyPlayerList) {
		log.Debug().Str("server", w.srv.ID).Msg("Blank player list reply, keeping last snapshot")
		return
	} else if err != nil {
		log.Warn().Err(err).Str("server", w.srv.ID).Msg("Unreadable player list")
		return
	}

	snap := rcon.NewSnapshot(players)
	events := snap.Diff(w.last, w.srv.ID, w.now())
	w.last = snap

	for _, ev := range events {
		w.observe(ctx, ev)
	}
}
