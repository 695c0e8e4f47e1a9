package gtfs_realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/config"
	"github.com/mtatracker-data/internal/common/db/dbtest"
	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-realtime/consumer"
	"github.com/mtatracker-data/internal/gtfs-realtime/decoder"
	"github.com/mtatracker-data/internal/gtfs-realtime/feedtest"
	"github.com/mtatracker-data/internal/gtfs-realtime/gateway"
	"github.com/mtatracker-data/internal/gtfs-realtime/publisher"
	"github.com/mtatracker-data/pkg/transit/models"
)

var feedTime = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu          sync.Mutex
	payloads    map[string][]byte
	errs        map[string]error
	calls       map[string]int
	invalidated []string

	// When set, fetches of block wait on release after signalling entered.
	block   string
	entered chan struct{}
	release chan struct{}
}

func newFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: map[string][]byte{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ep consumer.Endpoint) (*consumer.FeedResult, error) {
	f.mu.Lock()
	f.calls[ep.Name]++
	payload, err := f.payloads[ep.Name], f.errs[ep.Name]
	block := f.block == ep.Name
	f.mu.Unlock()

	if block {
		f.entered <- struct{}{}
		<-f.release
	}
	if err != nil {
		return nil, err
	}
	return &consumer.FeedResult{Endpoint: ep, Payload: payload, FetchedAt: time.Now()}, nil
}

func (f *fakeFetcher) Invalidate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, name)
}

func (f *fakeFetcher) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fakePublisher struct {
	mu        sync.Mutex
	summaries []publisher.PollSummary
	vehicles  []models.VehiclePosition
}

func (p *fakePublisher) PublishPoll(s publisher.PollSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
	return nil
}

func (p *fakePublisher) PublishVehicle(_ string, pos models.VehiclePosition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vehicles = append(p.vehicles, pos)
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (m *fakeMetrics) PollObserved(source, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string][]string{}
	}
	m.outcomes[source] = append(m.outcomes[source], outcome)
}

func (m *fakeMetrics) IntentsObserved(string, map[string]int) {}
func (m *fakeMetrics) EntityErrorsAdd(string, string, int)    {}

func testConfig(names ...string) config.GTFSRealtimeConfig {
	cfg := config.GTFSRealtimeConfig{
		PollingInterval: time.Hour,
		FetchTimeout:    time.Second,
		CommitTimeout:   time.Second,
	}
	for _, name := range names {
		cfg.Feeds = append(cfg.Feeds, config.FeedConfig{
			Name:           name,
			URL:            "http://feeds.test/" + name,
			StopSuffixes:   "NS",
			RouteSeparator: "_",
			Direction:      config.DirectionNYCT,
		})
	}
	return cfg
}

func lineL(t *testing.T) []byte {
	return feedtest.New(feedTime).
		TripUpdate("1", feedtest.TripUpdate{
			TripID:        "083950_L..S",
			RouteID:       "L",
			StartDate:     "20240301",
			NyctDirection: feedtest.South,
			Stops: []feedtest.Stop{
				{ID: "L01S", Arrival: feedTime.Unix() + 60},
				{ID: "L02S", Arrival: feedTime.Unix() + 120},
			},
		}).
		Vehicle("v1", feedtest.Vehicle{TripID: "083950_L..S", RouteID: "L", StopID: "L01S"}).
		Bytes(t)
}

func newTestManager(t *testing.T, fetcher *fakeFetcher, names ...string) (*Manager, *gateway.Gateway, *fakePublisher, *fakeMetrics) {
	t.Helper()
	database := dbtest.Open(t)
	gw := gateway.New(database, logger.Nop(), gateway.DefaultOptions())
	pub := &fakePublisher{}
	met := &fakeMetrics{}
	m := NewManager(testConfig(names...), fetcher, gw, logger.Nop(), WithPublisher(pub), WithMetrics(met))
	return m, gw, pub, met
}

func TestPollTwiceDoesNotGrowTripStops(t *testing.T) {
	fetcher := newFetcher()
	fetcher.payloads["L"] = lineL(t)
	m, gw, pub, met := newTestManager(t, fetcher, "L")
	ctx := context.Background()

	first, err := m.PollNow(ctx, "L")
	require.NoError(t, err)
	assert.NotEmpty(t, first.PollID)
	assert.Equal(t, 2, first.Report.Count("trip_stop", gateway.ActionCreated))

	stops, err := gw.ListTripStops(ctx, "083950_L..S")
	require.NoError(t, err)
	require.Len(t, stops, 2)

	second, err := m.PollNow(ctx, "L")
	require.NoError(t, err)
	assert.NotEqual(t, first.PollID, second.PollID)
	assert.Zero(t, second.Report.Count("trip_stop", gateway.ActionCreated))

	stops, err = gw.ListTripStops(ctx, "083950_L..S")
	require.NoError(t, err)
	assert.Len(t, stops, 2)

	stats, err := gw.GetStats()
	require.NoError(t, err)
	assert.Equal(t, models.Stats{VehicleCount: 1, TripCount: 1, RouteCount: 1}, stats)

	require.Len(t, pub.summaries, 2)
	assert.Equal(t, "L", pub.summaries[0].Source)
	assert.Equal(t, 2, pub.summaries[0].Entities)
	assert.Len(t, pub.vehicles, 1, "the unchanged position is not republished")
	assert.Equal(t, []string{OutcomeOK, OutcomeOK}, met.outcomes["L"])

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, PhaseIdle, status[0].Phase)
	assert.Equal(t, second.PollID, status[0].LastPollID)
}

func TestFailingFeedDoesNotAffectOthers(t *testing.T) {
	fetcher := newFetcher()
	fetcher.payloads["L"] = lineL(t)
	fetcher.errs["ACE"] = &consumer.TransportError{Source: "ACE", StatusCode: 503, Err: errors.New("unavailable")}
	fetcher.payloads["G"] = []byte("<html>oops</html>")
	m, gw, _, met := newTestManager(t, fetcher, "ACE", "G", "L")
	ctx := context.Background()

	_, err := m.PollNow(ctx, "ACE")
	var terr *consumer.TransportError
	assert.ErrorAs(t, err, &terr)

	_, err = m.PollNow(ctx, "G")
	var derr *decoder.DecodeError
	assert.ErrorAs(t, err, &derr)
	assert.Equal(t, []string{"G"}, fetcher.invalidated)

	_, err = m.PollNow(ctx, "L")
	require.NoError(t, err)

	_, err = gw.GetTrip(ctx, "083950_L..S")
	require.NoError(t, err)

	status := m.Status()
	require.Len(t, status, 3)
	assert.Equal(t, PhaseFailed, status[0].Phase)
	assert.Contains(t, status[0].Reason, "fetch")
	assert.Equal(t, 1, status[0].Failures)
	assert.Equal(t, PhaseFailed, status[1].Phase)
	assert.Contains(t, status[1].Reason, "decode")
	assert.Equal(t, PhaseIdle, status[2].Phase)

	assert.Equal(t, []string{OutcomeTransport}, met.outcomes["ACE"])
	assert.Equal(t, []string{OutcomeDecode}, met.outcomes["G"])

	// The failed source recovers on its next cycle.
	fetcher.mu.Lock()
	delete(fetcher.errs, "ACE")
	fetcher.payloads["ACE"] = feedtest.New(feedTime).Bytes(t)
	fetcher.mu.Unlock()
	_, err = m.PollNow(ctx, "ACE")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, m.Status()[0].Phase)
	assert.Empty(t, m.Status()[0].Reason)
}

func TestNotModifiedSkipsCycle(t *testing.T) {
	fetcher := newFetcher()
	fetcher.errs["L"] = consumer.ErrNotModified
	m, _, pub, met := newTestManager(t, fetcher, "L")

	result, err := m.PollNow(context.Background(), "L")
	require.NoError(t, err)
	assert.True(t, result.NotModified)
	assert.Nil(t, result.Report)
	assert.Empty(t, pub.summaries)
	assert.Equal(t, []string{OutcomeNotModified}, met.outcomes["L"])
	assert.Equal(t, PhaseIdle, m.Status()[0].Phase)
}

func TestPollNowWhileInFlight(t *testing.T) {
	fetcher := newFetcher()
	fetcher.payloads["L"] = lineL(t)
	fetcher.block = "L"
	fetcher.entered = make(chan struct{})
	fetcher.release = make(chan struct{})
	m, _, _, _ := newTestManager(t, fetcher, "L")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.PollNow(ctx, "L")
		done <- err
	}()
	<-fetcher.entered

	assert.Equal(t, PhaseFetching, m.Status()[0].Phase)
	_, err := m.PollNow(ctx, "L")
	assert.ErrorIs(t, err, ErrPollInFlight)

	close(fetcher.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fetcher.callCount("L"))
}

func TestPollUnknownFeed(t *testing.T) {
	m, _, _, _ := newTestManager(t, newFetcher(), "L")
	_, err := m.PollNow(context.Background(), "Q")
	assert.ErrorIs(t, err, ErrUnknownFeed)
	assert.ErrorIs(t, m.StopFeed("Q"), ErrUnknownFeed)
}

func TestStartPollsAndStops(t *testing.T) {
	fetcher := newFetcher()
	fetcher.payloads["L"] = lineL(t)
	fetcher.payloads["G"] = feedtest.New(feedTime).Bytes(t)
	m, _, _, _ := newTestManager(t, fetcher, "L", "G")
	for _, p := range m.pollers {
		p.feed.Interval = 10 * time.Millisecond
	}

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return fetcher.callCount("L") >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.StopFeed("G"))
	assert.True(t, m.Status()[1].Stopped)
	stoppedAt := fetcher.callCount("G")
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, fetcher.callCount("G"), stoppedAt+1)

	m.Stop()
	assert.False(t, m.IsRunning())
	after := fetcher.callCount("L")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, fetcher.callCount("L"))
}

func TestStartRequiresFeeds(t *testing.T) {
	m, _, _, _ := newTestManager(t, newFetcher())
	assert.Error(t, m.Start(context.Background()))
}
