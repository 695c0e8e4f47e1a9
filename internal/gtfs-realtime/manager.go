package gtfs_realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mtatracker-data/internal/common/config"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-realtime/consumer"
	"github.com/mtatracker-data/internal/gtfs-realtime/decoder"
	"github.com/mtatracker-data/internal/gtfs-realtime/gateway"
	"github.com/mtatracker-data/internal/gtfs-realtime/publisher"
	"github.com/mtatracker-data/internal/gtfs-realtime/reconciler"
	"github.com/mtatracker-data/pkg/transit/models"
)

var (
	// ErrPollInFlight is returned when a poll is requested for a source
	// whose previous cycle has not finished.
	ErrPollInFlight = errors.New("poll already in flight")
	ErrUnknownFeed  = errors.New("unknown feed")
)

// Phase is the position of a poller in its cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseDecoding    Phase = "decoding"
	PhaseReconciling Phase = "reconciling"
	PhaseCommitting  Phase = "committing"
	PhaseFailed      Phase = "failed"
)

// Poll outcomes reported to metrics.
const (
	OutcomeOK          = "ok"
	OutcomePartial     = "partial"
	OutcomeNotModified = "not_modified"
	OutcomeTransport   = "transport"
	OutcomeDecode      = "decode"
)

type FeedStatus struct {
	Source string
	Phase  Phase
	// Reason is set while Phase is PhaseFailed.
	Reason        string
	LastPollID    string
	LastPollAt    time.Time
	LastSuccessAt time.Time
	Failures      int
	Stopped       bool
}

// PollResult is the outcome of one completed cycle.
type PollResult struct {
	PollID      string
	Source      string
	NotModified bool
	Batch       *reconciler.Batch
	Report      *gateway.Report
}

type Fetcher interface {
	Fetch(ctx context.Context, ep consumer.Endpoint) (*consumer.FeedResult, error)
	Invalidate(name string)
}

type Store interface {
	State() reconciler.State
	Apply(ctx context.Context, batch *reconciler.Batch) *gateway.Report
}

type Metrics interface {
	PollObserved(source, outcome string, d time.Duration)
	IntentsObserved(source string, actions map[string]int)
	EntityErrorsAdd(source, kind string, n int)
}

type Publisher interface {
	PublishPoll(summary publisher.PollSummary) error
	PublishVehicle(source string, pos models.VehiclePosition) error
}

type Option func(*Manager)

func WithMetrics(m Metrics) Option { return func(mgr *Manager) { mgr.metrics = m } }

func WithPublisher(p Publisher) Option { return func(mgr *Manager) { mgr.publisher = p } }

type Manager struct {
	config     config.GTFSRealtimeConfig
	logger     logger.Logger
	fetcher    Fetcher
	store      Store
	reconciler *reconciler.Reconciler
	metrics    Metrics
	publisher  Publisher

	pollers map[string]*poller
	order   []string

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup
}

type poller struct {
	feed     config.FeedConfig
	source   decoder.Source
	endpoint consumer.Endpoint

	inFlight atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	status FeedStatus
}

// NewManager builds one poller per enabled feed of cfg.
func NewManager(cfg config.GTFSRealtimeConfig, fetcher Fetcher, store Store, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		config:  cfg,
		logger:  log,
		fetcher: fetcher,
		store:   store,
		pollers: make(map[string]*poller),
	}
	for _, opt := range opts {
		opt(m)
	}

	rules := make(reconciler.Rules)
	for _, feed := range cfg.EnabledFeeds() {
		rules[feed.Name] = reconciler.Rule{
			StopSuffixes:   feed.StopSuffixes,
			RouteSeparator: feed.RouteSeparator,
			KeepHistory:    feed.KeepHistory,
		}
		m.pollers[feed.Name] = &poller{
			feed: feed,
			source: decoder.Source{
				Name:           feed.Name,
				Direction:      decoder.DirectionPolicy(feed.Direction),
				FixedDirection: feed.FixedDirection,
				NorthDirection: feed.NorthDirection,
			},
			endpoint: consumer.EndpointFromConfig(feed),
			stop:     make(chan struct{}),
			status:   FeedStatus{Source: feed.Name, Phase: PhaseIdle},
		}
		m.order = append(m.order, feed.Name)
	}
	m.reconciler = reconciler.New(store.State(), rules)
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("GTFS-realtime manager is already running")
	}
	if err := m.validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel

	for _, name := range m.order {
		p := m.pollers[name]
		m.wg.Add(1)
		go m.run(ctx, p)
	}

	m.isRunning = true
	m.logger.Info("GTFS-realtime manager started", "feeds", len(m.order))
	return nil
}

// Stop halts rescheduling and waits for in-flight cycles, which finish
// under their own timeouts.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.logger.Info("Stopping GTFS-realtime manager")
	m.cancelFn()
	m.isRunning = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("GTFS-realtime manager stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// StopFeed stops rescheduling one source. Its in-flight cycle, if any,
// still completes.
func (m *Manager) StopFeed(name string) error {
	p, ok := m.pollers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}
	p.stopOnce.Do(func() {
		close(p.stop)
		p.update(func(s *FeedStatus) { s.Stopped = true })
		m.logger.Info("Stopped feed", "source", name)
	})
	return nil
}

// PollNow runs one cycle for a source immediately.
func (m *Manager) PollNow(ctx context.Context, name string) (*PollResult, error) {
	p, ok := m.pollers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}
	return m.poll(ctx, p)
}

// Status returns the state of every poller in configuration order.
func (m *Manager) Status() []FeedStatus {
	out := make([]FeedStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.pollers[name].snapshot())
	}
	return out
}

func (m *Manager) run(ctx context.Context, p *poller) {
	defer m.wg.Done()

	interval := p.feed.Interval
	if interval <= 0 {
		interval = m.config.PollingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Starting feed polling", "source", p.feed.Name, "url", p.feed.URL, "interval", interval)

	m.tick(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			m.tick(ctx, p)
		}
	}
}

func (m *Manager) tick(ctx context.Context, p *poller) {
	// The cycle must not be torn down halfway by shutdown; the fetch and
	// commit timeouts bound it instead.
	_, err := m.poll(context.WithoutCancel(ctx), p)
	if errors.Is(err, ErrPollInFlight) {
		m.logger.Debug("Skipping tick, poll in flight", "source", p.feed.Name)
	}
}

func (m *Manager) poll(ctx context.Context, p *poller) (*PollResult, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPollInFlight
	}
	defer p.inFlight.Store(false)

	pollID := uuid.NewString()
	name := p.feed.Name
	log := m.logger.With("source", name, "poll_id", pollID)
	startTime := time.Now()

	p.update(func(s *FeedStatus) {
		s.Phase = PhaseFetching
		s.Reason = ""
		s.LastPollID = pollID
		s.LastPollAt = startTime
	})

	fetchCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	res, err := m.fetcher.Fetch(fetchCtx, p.endpoint)
	cancel()
	if errors.Is(err, consumer.ErrNotModified) {
		p.update(func(s *FeedStatus) { s.Phase = PhaseIdle })
		m.observe(name, OutcomeNotModified, startTime)
		log.Debug("Feed not modified, skipping cycle")
		return &PollResult{PollID: pollID, Source: name, NotModified: true}, nil
	}
	if err != nil {
		m.fail(p, "fetch", err, OutcomeTransport, startTime)
		return nil, err
	}

	p.update(func(s *FeedStatus) { s.Phase = PhaseDecoding })
	feed, err := decoder.Decode(p.source, res.Payload)
	if err != nil {
		m.fetcher.Invalidate(name)
		m.fail(p, "decode", err, OutcomeDecode, startTime)
		return nil, err
	}

	p.update(func(s *FeedStatus) { s.Phase = PhaseReconciling })
	batch := m.reconciler.ReconcileFeed(ctx, feed)
	for _, rerr := range batch.Errors {
		log.Warn("Skipped entity", "entity_id", rerr.EntityID, "reason", rerr.Reason, "error", rerr.Err)
	}

	p.update(func(s *FeedStatus) { s.Phase = PhaseCommitting })
	report := m.store.Apply(ctx, batch)

	now := time.Now()
	p.update(func(s *FeedStatus) {
		s.Phase = PhaseIdle
		s.LastSuccessAt = now
		s.Failures = 0
	})

	outcome := OutcomeOK
	if len(batch.Errors) > 0 || len(report.Errors) > 0 {
		outcome = OutcomePartial
	}
	actions := actionCounts(report)
	m.observe(name, outcome, startTime)
	if m.metrics != nil {
		m.metrics.IntentsObserved(name, actions)
		m.metrics.EntityErrorsAdd(name, "reconcile", len(batch.Errors))
		m.metrics.EntityErrorsAdd(name, "persist", len(report.Errors))
	}

	log.Info("Poll committed",
		"entities", batch.Entities,
		"groups", report.Groups,
		"committed", report.Committed,
		"reconcile_errors", len(batch.Errors),
		"persist_errors", len(report.Errors),
		"created", actions[string(gateway.ActionCreated)],
		"updated", actions[string(gateway.ActionUpdated)],
		"duration_ms", time.Since(startTime).Milliseconds())

	m.publish(log, pollID, feed, batch, report, actions, now)

	return &PollResult{PollID: pollID, Source: name, Batch: batch, Report: report}, nil
}

func (m *Manager) fail(p *poller, stage string, err error, outcome string, startTime time.Time) {
	reason := fmt.Sprintf("%s: %v", stage, err)
	p.update(func(s *FeedStatus) {
		s.Phase = PhaseFailed
		s.Reason = reason
		s.Failures++
	})
	m.observe(p.feed.Name, outcome, startTime)
	m.logger.Error("Poll failed", "source", p.feed.Name, "stage", stage, "error", err)
}

func (m *Manager) observe(source, outcome string, startTime time.Time) {
	if m.metrics != nil {
		m.metrics.PollObserved(source, outcome, time.Since(startTime))
	}
}

func (m *Manager) publish(log logger.Logger, pollID string, feed *decoder.Feed, batch *reconciler.Batch, report *gateway.Report, actions map[string]int, committedAt time.Time) {
	if m.publisher == nil {
		return
	}

	summary := publisher.PollSummary{
		PollID:        pollID,
		Source:        feed.Source,
		FeedTimestamp: feed.Timestamp,
		CommittedAt:   committedAt.UTC(),
		Entities:      batch.Entities,
		Actions:       actions,
		Errors:        len(batch.Errors) + len(report.Errors),
	}
	if err := m.publisher.PublishPoll(summary); err != nil {
		log.Warn("Failed to publish poll summary", "error", err)
	}

	for _, o := range report.Outcomes {
		if o.Action != gateway.ActionCreated && o.Action != gateway.ActionUpdated {
			continue
		}
		vp, ok := o.Intent.(reconciler.UpsertVehiclePosition)
		if !ok {
			continue
		}
		if err := m.publisher.PublishVehicle(feed.Source, vp.Position); err != nil {
			log.Warn("Failed to publish vehicle position", "trip_id", vp.Position.TripID, "error", err)
		}
	}
}

func actionCounts(report *gateway.Report) map[string]int {
	out := make(map[string]int)
	for action, n := range report.Actions() {
		out[string(action)] = n
	}
	return out
}

func (m *Manager) validateConfig() error {
	if len(m.order) == 0 {
		return fmt.Errorf("at least one enabled feed must be configured")
	}
	if m.config.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	for _, name := range m.order {
		p := m.pollers[name]
		if p.feed.URL == "" {
			return fmt.Errorf("feed %s: URL cannot be empty", name)
		}
		if p.feed.Interval <= 0 && m.config.PollingInterval <= 0 {
			return fmt.Errorf("feed %s: polling interval must be positive", name)
		}
	}
	return nil
}

func (p *poller) update(fn func(*FeedStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.status)
}

func (p *poller) snapshot() FeedStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
