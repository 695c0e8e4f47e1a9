// Package gateway is the only component that writes realtime data. It
// applies reconciler groups transactionally and serves reads over the
// same tables.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"

	"github.com/mtatracker-data/internal/common/db"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-realtime/reconciler"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotInitialized = errors.New("no poll has committed yet")
)

// Action is the effect an intent had on its row.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionStale     Action = "stale"
)

type UpsertOutcome struct {
	Kind   reconciler.Kind
	Key    string
	Action Action
	Intent reconciler.Intent
}

// PersistenceError reports a group whose transaction was rolled back.
type PersistenceError struct {
	Source    string
	EntityID  string
	Retryable bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s entity %q: %v", e.Source, e.EntityID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Report summarizes one Apply call.
type Report struct {
	Source    string
	Groups    int
	Committed int
	Outcomes  []UpsertOutcome
	Errors    []*PersistenceError
}

// Count returns how many outcomes of kind ended with action.
func (r *Report) Count(kind reconciler.Kind, action Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind && o.Action == action {
			n++
		}
	}
	return n
}

// Actions tallies outcomes by action.
func (r *Report) Actions() map[Action]int {
	out := make(map[Action]int)
	for _, o := range r.Outcomes {
		out[o.Action]++
	}
	return out
}

type Options struct {
	CommitTimeout time.Duration
	// MaxRetries bounds retries of a group that failed with a transient
	// database error.
	MaxRetries uint64
	// CacheSize is the number of known keys kept by the state reader.
	CacheSize int
	CacheTTL  time.Duration
}

func DefaultOptions() Options {
	return Options{
		CommitTimeout: 10 * time.Second,
		MaxRetries:    3,
		CacheSize:     50000,
		CacheTTL:      time.Hour,
	}
}

type Gateway struct {
	db     *db.DB
	logger logger.Logger
	opts   Options
	known  gcache.Cache
	now    func() time.Time

	snapshot  atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	feeds     map[string]time.Time
}

func New(database *db.DB, log logger.Logger, opts Options) *Gateway {
	def := DefaultOptions()
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = def.CommitTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	return &Gateway{
		db:     database,
		logger: log,
		opts:   opts,
		known:  gcache.New(opts.CacheSize).LRU().Expiration(opts.CacheTTL).Build(),
		now:    time.Now,
		feeds:  make(map[string]time.Time),
	}
}

// Apply commits every group of batch in its own transaction. A failed group
// is rolled back alone and reported; the others still commit.
func (g *Gateway) Apply(ctx context.Context, batch *reconciler.Batch) *Report {
	report := &Report{Source: batch.Source, Groups: len(batch.Groups)}
	startTime := time.Now()

	for _, group := range batch.Groups {
		outcomes, err := g.applyGroup(ctx, group)
		if err != nil {
			perr := &PersistenceError{
				Source:    group.Source,
				EntityID:  group.EntityID,
				Retryable: db.IsRetryable(err),
				Err:       err,
			}
			report.Errors = append(report.Errors, perr)
			g.logger.Warn("Rolled back entity group",
				"source", group.Source,
				"entity_id", group.EntityID,
				"retryable", perr.Retryable,
				"constraint_violation", db.IsConstraintViolation(err),
				"error", err)
			continue
		}
		report.Committed++
		report.Outcomes = append(report.Outcomes, outcomes...)
		g.remember(outcomes)
	}

	// Until something commits there is no state worth a snapshot.
	if report.Committed > 0 || g.snapshot.Load() != nil {
		if err := g.refresh(ctx, batch.Source); err != nil {
			g.logger.Warn("Failed to refresh snapshot", "source", batch.Source, "error", err)
		}
	}

	g.logger.Debug("Applied batch",
		"source", batch.Source,
		"groups", report.Groups,
		"committed", report.Committed,
		"failed", len(report.Errors),
		"duration_ms", time.Since(startTime).Milliseconds())

	return report
}

func (g *Gateway) applyGroup(ctx context.Context, group reconciler.Group) ([]UpsertOutcome, error) {
	attempt := func() ([]UpsertOutcome, error) {
		outcomes, err := g.commitGroup(ctx, group)
		if err != nil && !retryGroup(err) {
			return nil, backoff.Permanent(err)
		}
		return outcomes, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.RetryNotifyWithData(attempt,
		backoff.WithContext(backoff.WithMaxRetries(b, g.opts.MaxRetries), ctx),
		func(err error, d time.Duration) {
			g.logger.Debug("Retrying entity group",
				"source", group.Source,
				"entity_id", group.EntityID,
				"backoff_ms", d.Milliseconds(),
				"error", err)
		})
}

// retryGroup reports whether a rolled back group should run again. Besides
// transient failures this covers losing an insert race on a key that the
// group read as missing.
func retryGroup(err error) bool {
	return db.IsRetryable(err) || db.IsUniqueViolation(err)
}

func (g *Gateway) commitGroup(ctx context.Context, group reconciler.Group) ([]UpsertOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.CommitTimeout)
	defer cancel()

	tx, err := g.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := db.Timestamp(g.now())
	cursors := make(map[string]int)
	outcomes := make([]UpsertOutcome, 0, len(group.Intents))
	for _, intent := range group.Intents {
		action, err := g.write(ctx, tx, intent, cursors, now)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", intent.Kind(), intent.Key(), err)
		}
		outcomes = append(outcomes, UpsertOutcome{
			Kind:   intent.Kind(),
			Key:    intent.Key(),
			Action: action,
			Intent: intent,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return outcomes, nil
}
