// Package applier pushes a zone's desired state to its game server.
//
// Every attempt is logged. The applied state changes only together with the
// record of a confirmed successful attempt for that state. Retries use jittered
// exponential backoff within a pass, and a total cap per desired-state change
// stops retrying until a cool-down has elapsed.
package applier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/rcon"
	"github.com/woozymasta/zorp/internal/storage"
)

var (
	// ErrExhausted is returned while a zone sits out its cool-down after too many failed attempts.
	ErrExhausted = errors.New("apply attempts exhausted")
	// ErrRejected marks a reply that did not confirm the command.
	ErrRejected = errors.New("command rejected")

	// errZoneGone marks a zone deleted while its command was in flight.
	errZoneGone = errors.New("zone deleted")
)

// Commander executes a remote console command.
type Commander interface {
	Execute(ctx context.Context, command string) (rcon.Response, error)
}

// Store is the persistence the applier needs.
type Store interface {
	InsertAttempt(ctx context.Context, a models.RconAttempt) error
	RecordSuccess(ctx context.Context, a models.RconAttempt, actor string) error
	CountAttempts(ctx context.Context, zone string, target models.State, since time.Time) (int, time.Time, error)
	InsertEvent(ctx context.Context, ev models.ZoneEvent) error
}

// Options tunes command rendering and retries.
type Options struct {
	// Templates are rendered in order for every attempt; placeholders are
	// {zone} (quoted), {color}, {state} and {owner}.
	Templates      []string
	FailureMarkers []string
	Actor          string
	PassAttempts   int
	MaxAttempts    int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Cooldown       time.Duration
	Jitter         float64
}

// Result summarizes one Apply call.
type Result struct {
	LastAttemptAt time.Time
	Zone          string
	Target        models.State
	Response      string
	// Attempts made during this call.
	Attempts int
	// Total attempts logged for the current desired state.
	Total   int
	Applied bool
	Skipped bool
}

// Applier pushes desired states through one server's Commander.
type Applier struct {
	store   Store
	cmd     Commander
	now     func() time.Time
	opts    Options
	markers []string
}

// New creates an applier. A nil clock defaults to time.Now.
func New(store Store, cmd Commander, opts Options, now func() time.Time) *Applier {
	if now == nil {
		now = time.Now
	}
	if opts.PassAttempts < 1 {
		opts.PassAttempts = 1
	}
	if opts.MaxAttempts < opts.PassAttempts {
		opts.MaxAttempts = opts.PassAttempts
	}
	if opts.Actor == "" {
		opts.Actor = "applier"
	}

	markers := make([]string, 0, len(opts.FailureMarkers))
	for _, m := range opts.FailureMarkers {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, strings.ToLower(m))
		}
	}

	return &Applier{store: store, cmd: cmd, opts: opts, now: now, markers: markers}
}

// Render expands the state templates for the zone's desired state.
func (a *Applier) Render(z models.Zone) []string {
	state := z.State.Desired
	r := strings.NewReplacer(
		"{zone}", strconv.Quote(z.Name),
		"{color}", z.Colors.For(state),
		"{state}", string(state),
		"{owner}", z.Owner,
	)

	commands := make([]string, 0, len(a.opts.Templates))
	for _, tpl := range a.opts.Templates {
		commands = append(commands, r.Replace(tpl))
	}

	return commands
}

// Confirmed reports whether a reply confirms the command.
func (a *Applier) Confirmed(resp rcon.Response) bool {
	if resp.Failed() {
		return false
	}

	msg := strings.ToLower(resp.Message)
	for _, m := range a.markers {
		if strings.Contains(msg, m) {
			return false
		}
	}

	return true
}

// Apply pushes the zone's desired state. Zones without a pending change are skipped.
func (a *Applier) Apply(ctx context.Context, z models.Zone) (Result, error) {
	target := z.State.Desired
	res := Result{Zone: z.Name, Target: target}

	if !z.State.Pending() {
		res.Skipped = true
		return res, nil
	}

	total, last, err := a.store.CountAttempts(ctx, z.Name, target, z.State.DesiredChangedAt)
	if err != nil {
		return res, fmt.Errorf("counting attempts: %w", err)
	}
	res.Total = total
	res.LastAttemptAt = last

	budget := a.opts.PassAttempts
	if total >= a.opts.MaxAttempts {
		if a.now().Sub(last) < a.opts.Cooldown {
			return res, ErrExhausted
		}
	} else {
		budget = min(budget, a.opts.MaxAttempts-total)
	}

	commands := a.Render(z)

	policy := retrypolicy.Builder[string]().
		WithMaxAttempts(budget).
		WithBackoff(a.opts.BackoffMin, a.opts.BackoffMax).
		WithJitterFactor(float32(a.opts.Jitter)).
		HandleIf(func(_ string, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errZoneGone)
		}).
		ReturnLastFailure().
		Build()

	response, err := failsafe.NewExecutor[string](policy).
		WithContext(ctx).
		Get(func() (string, error) {
			res.Attempts++
			res.Total++
			return a.attempt(ctx, z, commands, res.Total)
		})

	res.Response = response
	res.LastAttemptAt = a.now().UTC()
	if errors.Is(err, errZoneGone) {
		res.Skipped = true
		log.Info().Str("server", z.ServerID).Str("zone", z.Name).Msg("Zone deleted during apply")
		return res, nil
	}
	if err != nil {
		a.failed(ctx, z, res, err)
		return res, err
	}

	res.Applied = true
	log.Info().
		Str("server", z.ServerID).
		Str("zone", z.Name).
		Str("state", string(target)).
		Int("attempt", res.Total).
		Msg("Zone state applied")

	return res, nil
}

// attempt runs every command once and logs the outcome as one attempt.
func (a *Applier) attempt(ctx context.Context, z models.Zone, commands []string, n int) (string, error) {
	var (
		replies []string
		failure error
	)

	for _, command := range commands {
		resp, err := a.cmd.Execute(ctx, command)
		if err != nil {
			failure = err
			replies = append(replies, err.Error())
			break
		}

		replies = append(replies, resp.Message)
		if !a.Confirmed(resp) {
			failure = fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(resp.Message))
			break
		}
	}

	rec := models.RconAttempt{
		ZoneName:  z.Name,
		ServerID:  z.ServerID,
		Target:    z.State.Desired,
		Command:   strings.Join(commands, "\n"),
		Response:  strings.Join(replies, "\n"),
		Attempt:   n,
		Success:   failure == nil,
		CreatedAt: a.now().UTC(),
	}

	// the attempt row is written on a fresh context so a cancelled pass still logs it
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if failure != nil {
		log.Warn().
			Err(failure).
			Str("server", z.ServerID).
			Str("zone", z.Name).
			Str("state", string(rec.Target)).
			Int("attempt", n).
			Msg("RCON attempt failed")

		if err := a.store.InsertAttempt(logCtx, rec); err != nil {
			log.Error().Err(err).Str("zone", z.Name).Msg("Failed to log RCON attempt")
		}
		return rec.Response, failure
	}

	if err := a.store.RecordSuccess(logCtx, rec, a.opts.Actor); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rec.Response, errZoneGone
		}
		return rec.Response, fmt.Errorf("recording applied state: %w", err)
	}

	return rec.Response, nil
}

func (a *Applier) failed(ctx context.Context, z models.Zone, res Result, cause error) {
	detail := map[string]any{
		"attempts": res.Attempts,
		"total":    res.Total,
		"error":    cause.Error(),
	}
	if res.Total >= a.opts.MaxAttempts {
		detail["exhausted"] = true
	}

	err := a.store.InsertEvent(context.WithoutCancel(ctx), models.ZoneEvent{
		ZoneName:  z.Name,
		ServerID:  z.ServerID,
		Type:      models.EventApplyFailed,
		OldState:  z.State.Applied,
		NewState:  z.State.Desired,
		Actor:     a.opts.Actor,
		Detail:    storage.EventDetail(detail),
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("zone", z.Name).Msg("Failed to record apply failure")
	}
}
