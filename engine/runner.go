package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/campaignlab/connector-sync/internal"
	"github.com/campaignlab/connector-sync/pubsub"
	"github.com/campaignlab/connector-sync/state"
	"github.com/campaignlab/connector-sync/upstream"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// wall-clock ceiling per invocation, comfortably below the host's hard
	// 60s execution limit
	DefaultBudget = 55 * time.Second
	// hard ceiling on chained continuations for one sync, so a systemic
	// upstream failure cannot loop forever
	DefaultMaxBatches = 40

	historicalChunkDays    = 90
	historicalLookbackDays = 730
)

// historicalChunks is the number of fixed-size date ranges covering the
// lookback window.
const historicalChunks = (historicalLookbackDays + historicalChunkDays - 1) / historicalChunkDays

// errStopped signals that the user wrote sync_status=stopped and the runner
// observed it at a loop boundary.
var errStopped = errors.New("sync stopped by user")

// Store is the persistence surface the runner needs. *state.Storage satisfies
// it; engine tests use an in-memory fake.
type Store interface {
	Connection(tenantID, platform string) (*state.SyncConnection, error)
	ConnectionStatus(connID int64) (string, error)
	MarkSyncing(connID int64) (bool, error)
	FinishRun(connID int64, status string, fullSync bool) error
	SaveProgress(connID int64, patch []byte, expectedVersion int64) (int64, error)
	Reset(conn *state.SyncConnection) error
	UpsertEntities(entities []state.Entity) error
	UpdateEntityAnalytics(tenantID, platform, platformEntityID string, analytics json.RawMessage) error
	LocalEntityIDs(tenantID, platform string) ([]string, error)
	UpsertSubEntities(subs []state.SubEntity) error
	InsertEvents(events []state.Event) (int, error)
	UpsertDailyStats(stats []state.DailyStat) error
}

type Options struct {
	// Reset purges all previously synced rows and the checkpoint before
	// fetching anything.
	Reset bool
	// Continuation marks a self-triggered invocation. Continuations observe a
	// stopped connection and exit without work; user triggers restart it.
	Continuation bool
}

type RunResult struct {
	Complete bool      `json:"complete"`
	Progress *Progress `json:"progress,omitempty"`
	Message  string    `json:"message"`
	// Error is set when the run aborted with a connection-level failure.
	Error string `json:"error,omitempty"`
}

// Runner is the time-boxed batch runner: one Run call is one invocation,
// processing work until either everything is synced or the budget is
// exhausted, at which point it checkpoints and schedules a continuation.
type Runner struct {
	Store      Store
	Adapters   map[string]upstream.Adapter
	Continuer  Continuer
	Notifier   pubsub.Notifier
	Budget     time.Duration
	MaxBatches int
	Metrics    *Metrics

	// test hook
	Now func() time.Time
}

func NewRunner(store Store, adapters map[string]upstream.Adapter, continuer Continuer, notifier pubsub.Notifier) *Runner {
	return &Runner{
		Store:      store,
		Adapters:   adapters,
		Continuer:  continuer,
		Notifier:   notifier,
		Budget:     DefaultBudget,
		MaxBatches: DefaultMaxBatches,
		Now:        time.Now,
	}
}

// run carries the mutable state of a single invocation.
type run struct {
	r       *Runner
	conn    *state.SyncConnection
	adapter upstream.Adapter
	cp      *Checkpoint
	version int64
	start   time.Time
	log     zerolog.Logger
}

// Run executes one sync invocation for the given connection.
func (r *Runner) Run(ctx context.Context, tenantID, platform string, opts Options) (*RunResult, error) {
	ctx, span := internal.StartSpan(ctx, "SyncRun")
	defer span.End()

	adapter := r.Adapters[platform]
	if adapter == nil {
		return nil, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("unknown platform %q", platform),
		}
	}
	conn, err := r.Store.Connection(tenantID, platform)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &internal.HandlerError{
				StatusCode: 404,
				Err:        fmt.Errorf("no active %s connection for tenant %s", platform, tenantID),
			}
		}
		return nil, err
	}

	// cooperative cancellation: a continuation arriving after a user stop
	// must exit without doing work. An explicit user trigger restarts.
	if opts.Continuation && conn.SyncStatus == state.StatusStopped {
		return &RunResult{Complete: true, Message: "sync stopped by user"}, nil
	}

	if opts.Reset {
		if err := r.Store.Reset(conn); err != nil {
			return nil, fmt.Errorf("reset failed: %w", err)
		}
	} else {
		ok, err := r.Store.MarkSyncing(conn.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &internal.HandlerError{
				StatusCode: 409,
				Err:        fmt.Errorf("a sync for %s/%s is already running", tenantID, platform),
			}
		}
	}

	cp, err := ParseCheckpoint(conn.SyncProgress)
	if err != nil {
		// a corrupt checkpoint cannot be resumed; start over rather than fail forever
		logger.Warn().Err(err).Int64("conn", conn.ID).Msg("corrupt checkpoint, starting from scratch")
		cp = &Checkpoint{}
	}
	// an explicit trigger starts a fresh continuation chain; the batch ceiling
	// bounds one chain, not the checkpoint's lifetime
	if !opts.Continuation {
		cp.Batches = 0
	}
	cp.Batches++

	rn := &run{
		r:       r,
		conn:    conn,
		adapter: adapter,
		cp:      cp,
		version: conn.ProgressVersion,
		start:   r.Now(),
		log: logger.With().
			Str("tenant", tenantID).
			Str("platform", platform).
			Int("batch", cp.Batches).
			Logger(),
	}

	maxBatches := r.MaxBatches
	if maxBatches == 0 {
		maxBatches = DefaultMaxBatches
	}
	if cp.Batches > maxBatches {
		msg := fmt.Sprintf("sync exceeded %d chained batches, aborting", maxBatches)
		rn.log.Error().Msg(msg)
		if err := r.Store.FinishRun(conn.ID, state.StatusError, false); err != nil {
			return nil, err
		}
		return &RunResult{Complete: false, Error: msg, Message: msg, Progress: cp.Progress()}, nil
	}

	if r.Metrics != nil {
		r.Metrics.runningSyncs.Inc()
		defer r.Metrics.runningSyncs.Dec()
	}
	return rn.execute(ctx)
}

func (rn *run) budgetExceeded() bool {
	budget := rn.r.Budget
	if budget == 0 {
		budget = DefaultBudget
	}
	return rn.r.Now().Sub(rn.start) > budget
}

// stopRequested re-reads sync_status at a loop iteration boundary. An
// in-flight upstream call is never interrupted.
func (rn *run) stopRequested() bool {
	status, err := rn.r.Store.ConnectionStatus(rn.conn.ID)
	if err != nil {
		rn.log.Warn().Err(err).Msg("failed to re-read sync status, continuing")
		return false
	}
	return status == state.StatusStopped
}

// save persists the checkpoint as a merge patch guarded by the version token.
func (rn *run) save() error {
	newVersion, err := rn.r.Store.SaveProgress(rn.conn.ID, rn.cp.MarshalPatch(rn.r.Now()), rn.version)
	if err != nil {
		return err
	}
	rn.version = newVersion
	return nil
}

func (rn *run) recordItemError(context string, err error) {
	rn.log.Warn().Err(err).Msg(context)
	rn.cp.RecordError(fmt.Sprintf("%s: %s", context, err))
}

func (rn *run) countSynced(phase string, n int) {
	if rn.r.Metrics != nil {
		rn.r.Metrics.itemsSynced.WithLabelValues(rn.conn.Platform, phase).Add(float64(n))
	}
}

func (rn *run) execute(ctx context.Context) (*RunResult, error) {
	// connection-level validation up front: a bad credential fails the whole
	// run rather than producing 50 per-item errors
	if err := rn.adapter.Validate(ctx, rn.conn.Credential); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return rn.suspendCancelled("validate")
		}
		return rn.abortConnection(err)
	}

	phases := []struct {
		name string
		fn   func(ctx context.Context) (bool, error)
	}{
		{PhaseHistorical, rn.runHistorical},
		{PhaseEntities, rn.runEntities},
		{PhaseSubEntities, rn.runSubEntities},
		{PhaseEvents, rn.runEvents},
	}
	for _, phase := range phases {
		phaseCtx, span := internal.StartSpan(ctx, "phase."+phase.name)
		done, err := phase.fn(phaseCtx)
		span.End()
		if err != nil {
			switch {
			case errors.Is(err, errStopped):
				// status is already "stopped"; leave the checkpoint as-is so
				// a later trigger resumes from here
				rn.log.Info().Str("phase", phase.name).Msg("stop observed, exiting")
				return &RunResult{Complete: false, Progress: rn.cp.Progress(), Message: "sync stopped by user"}, nil
			case errors.Is(err, state.ErrStaleProgress):
				// a reset (or newer run) owns the checkpoint now; do not
				// touch status, do not continue
				if rn.r.Metrics != nil {
					rn.r.Metrics.staleCheckpoints.Inc()
				}
				rn.log.Warn().Str("phase", phase.name).Msg("checkpoint superseded by a newer write, aborting")
				return &RunResult{Complete: false, Message: "superseded by a newer run"}, nil
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return rn.suspendCancelled(phase.name)
			case internal.IsAuthError(err):
				return rn.abortConnection(err)
			default:
				return rn.abortRun(phase.name, err)
			}
		}
		if !done {
			return rn.checkpointAndContinue(phase.name)
		}
	}

	// everything synced within budget
	if err := rn.r.Store.FinishRun(rn.conn.ID, state.StatusSuccess, true); err != nil {
		return nil, err
	}
	progress := rn.cp.Progress()
	progress.Percent = 100
	progress.Message = "sync complete"
	rn.log.Info().
		Int("entities", progress.EntitiesSynced).
		Int("subentities", progress.SubEntitiesSynced).
		Int("events", progress.EventsSynced).
		Int("batches", rn.cp.Batches).
		Msg("sync complete")
	if rn.r.Notifier != nil {
		if err := rn.r.Notifier.Notify(pubsub.ChanLifecycle, &pubsub.SyncComplete{
			TenantID: rn.conn.TenantID,
			Platform: rn.conn.Platform,
		}); err != nil {
			rn.log.Warn().Err(err).Msg("failed to publish completion")
		}
	}
	return &RunResult{Complete: true, Progress: progress, Message: "sync complete"}, nil
}

// checkpointAndContinue persists partial progress then fires the follow-up
// invocation. Persist strictly precedes scheduling: if the continuation runs
// immediately it must observe the checkpoint we just wrote.
func (rn *run) checkpointAndContinue(phase string) (*RunResult, error) {
	if err := rn.save(); err != nil {
		if errors.Is(err, state.ErrStaleProgress) {
			if rn.r.Metrics != nil {
				rn.r.Metrics.staleCheckpoints.Inc()
			}
			return &RunResult{Complete: false, Message: "superseded by a newer run"}, nil
		}
		return nil, err
	}
	if err := rn.r.Store.FinishRun(rn.conn.ID, state.StatusPartial, false); err != nil {
		return nil, err
	}
	if rn.r.Metrics != nil {
		rn.r.Metrics.continuations.Inc()
	}
	rn.log.Info().Str("phase", phase).Msg("time budget exhausted, scheduling continuation")
	if rn.r.Continuer != nil {
		rn.r.Continuer.Schedule(rn.conn.TenantID, rn.conn.Platform, "budget exhausted during "+phase)
	}
	return &RunResult{
		Complete: false,
		Progress: rn.cp.Progress(),
		Message:  fmt.Sprintf("time budget exhausted during %s, continuation scheduled", phase),
	}, nil
}

// suspendCancelled handles a cancelled context: the cursor still points at the
// first unprocessed item, so persist it and leave the connection partial for an
// explicit retrigger. No continuation is scheduled: whoever cancelled the
// context is gone.
func (rn *run) suspendCancelled(phase string) (*RunResult, error) {
	rn.log.Warn().Str("phase", phase).Msg("context cancelled, checkpointing for retrigger")
	if err := rn.save(); err != nil {
		if errors.Is(err, state.ErrStaleProgress) {
			if rn.r.Metrics != nil {
				rn.r.Metrics.staleCheckpoints.Inc()
			}
			return &RunResult{Complete: false, Message: "superseded by a newer run"}, nil
		}
		return nil, err
	}
	if err := rn.r.Store.FinishRun(rn.conn.ID, state.StatusPartial, false); err != nil {
		return nil, err
	}
	return &RunResult{
		Complete: false,
		Progress: rn.cp.Progress(),
		Message:  "run cancelled during " + phase + "; retrigger to resume",
	}, nil
}

// abortConnection handles credential/workspace failures: terminal error
// status, no continuation, surfaced to the UI.
func (rn *run) abortConnection(cause error) (*RunResult, error) {
	msg := fmt.Sprintf("connection failure: %s", cause)
	rn.log.Error().Err(cause).Msg("aborting run: connection-level failure")
	sentry.CaptureException(cause)
	if err := rn.r.Store.FinishRun(rn.conn.ID, state.StatusError, false); err != nil {
		return nil, err
	}
	if rn.r.Notifier != nil {
		_ = rn.r.Notifier.Notify(pubsub.ChanLifecycle, &pubsub.SyncFailed{
			TenantID: rn.conn.TenantID,
			Platform: rn.conn.Platform,
			Message:  msg,
		})
	}
	return &RunResult{Complete: false, Error: msg, Message: msg, Progress: rn.cp.Progress()}, nil
}

// abortRun handles unexpected storage/pipeline failures mid-run.
func (rn *run) abortRun(phase string, cause error) (*RunResult, error) {
	rn.log.Error().Err(cause).Str("phase", phase).Msg("aborting run")
	sentry.CaptureException(cause)
	if err := rn.r.Store.FinishRun(rn.conn.ID, state.StatusError, false); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("sync failed during %s: %s", phase, cause)
	return &RunResult{Complete: false, Error: msg, Message: msg, Progress: rn.cp.Progress()}, nil
}
