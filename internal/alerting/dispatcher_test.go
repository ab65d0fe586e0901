package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockSink struct {
	name     string
	failures atomic.Int32 // fail this many calls first
	calls    atomic.Int32

	mu       sync.Mutex
	received []domain.Alert
}

func (s *mockSink) Name() string { return s.name }

func (s *mockSink) Publish(_ context.Context, alerts []domain.Alert) error {
	s.calls.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("broker unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, alerts...)
	return nil
}

func (s *mockSink) alerts() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Alert(nil), s.received...)
}

// stallingSink never completes a publish until its context is cancelled.
type stallingSink struct{ calls atomic.Int32 }

func (s *stallingSink) Name() string { return "stalling" }

func (s *stallingSink) Publish(ctx context.Context, _ []domain.Alert) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

// gatedFinder blocks its first lookup until release is closed.
type gatedFinder struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedFinder() *gatedFinder {
	return &gatedFinder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (f *gatedFinder) QueryNear(domain.Coordinate, float64, ...domain.PlaceKind) []places.Hit {
	f.once.Do(func() {
		close(f.entered)
		<-f.release
	})
	return nil
}

// --- helpers ---

var marineDrive = domain.Coordinate{Lat: 19.0760, Lng: 72.8777}

func north(c domain.Coordinate, km float64) domain.Coordinate {
	return domain.Coordinate{Lat: c.Lat + km/111.19492664, Lng: c.Lng}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 5}
	return cfg
}

func newTestDispatcher(t *testing.T, sinks ...Sink) *Dispatcher {
	t.Helper()
	dir := places.New()
	_, err := dir.LoadDefaults()
	require.NoError(t, err)
	return NewDispatcher(fastConfig(), dir, NewLog(0), sinks, discardLogger(), observability.NewMetricsForTesting())
}

func floodEvent(state domain.EventState, sev domain.Severity) domain.HazardEvent {
	return domain.HazardEvent{
		ID:              "evt-00000001",
		Type:            domain.HazardFlood,
		CurrentSeverity: sev,
		Centroid:        marineDrive,
		Address:         "Marine Drive, Mumbai",
		MemberReportIDs: []string{"r1", "r2", "r3"},
		State:           state,
		ConfidenceScore: 0.8,
	}
}

func changeOf(ev domain.HazardEvent, from domain.EventState, fromSev domain.Severity) domain.EventChange {
	return domain.EventChange{Event: ev, FromState: from, FromSeverity: fromSev}
}

func mustSubscribe(t *testing.T, d *Dispatcher, id string, at domain.Coordinate, radius float64, minSev domain.Severity) {
	t.Helper()
	_, err := d.Subscribe(domain.AlertSubscription{SubscriberID: id, WatchCoordinate: at, RadiusKm: radius, MinSeverity: minSev})
	require.NoError(t, err)
}

func subscribers(alerts []domain.Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.SubscriberID
	}
	return out
}

// --- tests ---

func TestDispatcher_Subscribe_Validation(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []struct {
		name string
		sub  domain.AlertSubscription
	}{
		{"missing id", domain.AlertSubscription{WatchCoordinate: marineDrive, RadiusKm: 5}},
		{"bad coordinate", domain.AlertSubscription{SubscriberID: "s", WatchCoordinate: domain.Coordinate{Lat: 100}, RadiusKm: 5}},
		{"zero radius", domain.AlertSubscription{SubscriberID: "s", WatchCoordinate: marineDrive}},
		{"negative radius", domain.AlertSubscription{SubscriberID: "s", WatchCoordinate: marineDrive, RadiusKm: -2}},
		{"bad severity", domain.AlertSubscription{SubscriberID: "s", WatchCoordinate: marineDrive, RadiusKm: 5, MinSeverity: 9}},
		{"separator in id", domain.AlertSubscription{SubscriberID: "a|b", WatchCoordinate: marineDrive, RadiusKm: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Subscribe(tt.sub)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	sub, err := d.Subscribe(domain.AlertSubscription{SubscriberID: "s", WatchCoordinate: marineDrive, RadiusKm: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityLow, sub.MinSeverity)
}

func TestDispatcher_VerifiedEventAlertsMatchingSubscribers(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "near", north(marineDrive, 2), 5, domain.SeverityLow)
	mustSubscribe(t, d, "exact-min", north(marineDrive, 1), 5, domain.SeverityHigh)
	mustSubscribe(t, d, "too-severe", north(marineDrive, 1), 5, domain.SeverityCritical)
	mustSubscribe(t, d, "out-of-radius", north(marineDrive, 8), 5, domain.SeverityLow)
	mustSubscribe(t, d, "wide", north(marineDrive, 30), 40, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))
	alerts := d.Drain()

	assert.Equal(t, []string{"exact-min", "near", "wide"}, subscribers(alerts))
	for _, a := range alerts {
		assert.Equal(t, domain.AlertHazard, a.Kind)
		assert.Equal(t, domain.LevelWarning, a.Level)
		assert.Equal(t, "evt-00000001", a.EventID)
		assert.Equal(t, domain.SeverityHigh, a.Severity)
		assert.Equal(t, []string{"shivaji-park-cc"}, a.NearbyPlaces)
		assert.Contains(t, a.Message, "Shivaji Park Community Center")
		assert.NotEmpty(t, a.ID)
		assert.NotZero(t, a.Sequence)
	}
	assert.Len(t, d.Log().Since(0, 0), 3)
}

func TestDispatcher_CriticalIsEmergency(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityCritical), domain.StateCorroborating, domain.SeverityCritical))
	alerts := d.Drain()

	require.Len(t, alerts, 1)
	assert.Equal(t, domain.LevelEmergency, alerts[0].Level)
}

func TestDispatcher_Ledger(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	corroborating := floodEvent(domain.StateCorroborating, domain.SeverityMedium)
	d.OnEventStateChanged(changeOf(corroborating, domain.StateReported, domain.SeverityLow))
	first := d.Drain()
	require.Len(t, first, 1)
	assert.Equal(t, domain.AlertWarning, first[0].Kind)
	assert.Empty(t, first[0].NearbyPlaces)

	// Same state and severity again: suppressed.
	d.OnEventStateChanged(changeOf(corroborating, domain.StateCorroborating, domain.SeverityMedium))
	assert.Empty(t, d.Drain())

	// Escalation re-emits.
	escalated := floodEvent(domain.StateCorroborating, domain.SeverityHigh)
	d.OnEventStateChanged(changeOf(escalated, domain.StateCorroborating, domain.SeverityMedium))
	second := d.Drain()
	require.Len(t, second, 1)
	assert.Equal(t, domain.AlertWarning, second[0].Kind)
	assert.Contains(t, second[0].Title, "raised to high")

	// Reaching verified re-emits as a hazard.
	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))
	third := d.Drain()
	require.Len(t, third, 1)
	assert.Equal(t, domain.AlertHazard, third[0].Kind)

	assert.Len(t, d.Log().Since(0, 0), 3)
}

func TestDispatcher_RejectedIsAllClear(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateCorroborating, domain.SeverityCritical), domain.StateReported, domain.SeverityLow))
	require.Len(t, d.Drain(), 1)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateRejected, domain.SeverityCritical), domain.StateCorroborating, domain.SeverityCritical))
	alerts := d.Drain()

	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertAllClear, alerts[0].Kind)
	assert.Equal(t, domain.LevelInfo, alerts[0].Level)
	assert.Contains(t, alerts[0].Message, "withdrawn")
	assert.Empty(t, alerts[0].NearbyPlaces)
}

func TestDispatcher_Acknowledge(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)
	mustSubscribe(t, d, "s2", marineDrive, 5, domain.SeverityLow)

	ev := floodEvent(domain.StateCorroborating, domain.SeverityMedium)
	d.OnEventStateChanged(changeOf(ev, domain.StateReported, domain.SeverityMedium))
	alerts := d.Drain()
	require.Len(t, alerts, 2)
	s1Alert := alerts[0]
	require.Equal(t, "s1", s1Alert.SubscriberID)

	require.ErrorIs(t, d.Acknowledge("s1", "no-such-alert"), domain.ErrNotFound)
	require.ErrorIs(t, d.Acknowledge("s2", s1Alert.ID), domain.ErrNotFound)
	require.NoError(t, d.Acknowledge("s1", s1Alert.ID))

	// s1 acknowledged, so a repeat change reaches them; s2 still holds an
	// unacknowledged alert.
	d.OnEventStateChanged(changeOf(ev, domain.StateCorroborating, domain.SeverityMedium))
	again := d.Drain()
	assert.Equal(t, []string{"s1"}, subscribers(again))

	// The old alert is superseded; acknowledging it is harmless.
	require.NoError(t, d.Acknowledge("s1", s1Alert.ID))
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateCorroborating, domain.SeverityLow), domain.StateReported, domain.SeverityLow))
	require.Len(t, d.Drain(), 1)

	require.NoError(t, d.Unsubscribe("s1"))
	require.ErrorIs(t, d.Unsubscribe("s1"), domain.ErrNotFound)
	_, err := d.Subscription("s1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityLow))
	assert.Empty(t, d.Drain())
	assert.Len(t, d.Log().Since(0, 0), 1, "emitted alerts stay in the log")
}

func TestDispatcher_ResubscribeReplaces(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)
	mustSubscribe(t, d, "s1", north(marineDrive, 100), 5, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))
	assert.Empty(t, d.Drain())

	sub, err := d.Subscription("s1")
	require.NoError(t, err)
	assert.InDelta(t, north(marineDrive, 100).Lat, sub.WatchCoordinate.Lat, 1e-9)
}

func TestDispatcher_OnEventStateChanged_DoesNotBlock(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			d.OnEventStateChanged(changeOf(floodEvent(domain.StateCorroborating, domain.SeverityLow), domain.StateReported, domain.SeverityLow))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked without a running dispatcher")
	}

	assert.Len(t, d.Drain(), 1, "ledger collapses repeats into one alert")
}

func TestDispatcher_Run_DeliversToSinksWithRetry(t *testing.T) {
	flaky := &mockSink{name: "flaky"}
	flaky.failures.Store(2)
	steady := &mockSink{name: "steady"}
	d := newTestDispatcher(t, flaky, steady)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))

	require.Eventually(t, func() bool {
		return len(flaky.alerts()) == 1 && len(steady.alerts()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, int32(1), steady.calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_Run_SinkGivesUp(t *testing.T) {
	broken := &mockSink{name: "broken"}
	broken.failures.Store(1000)
	d := newTestDispatcher(t, broken)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))

	// One initial attempt plus MaxRetries retries.
	require.Eventually(t, func() bool { return broken.calls.Load() == 6 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, d.Log().Since(0, 0), 1, "delivery failure never removes the alert from the log")
}

func TestDispatcher_Run_FlushesFinalDrainToSinks(t *testing.T) {
	sink := &mockSink{name: "archive"}
	d := newTestDispatcher(t, sink)
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))

	// Already cancelled: the queued change is dispatched by the final drain.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, uint64(1), d.Log().Last())
	require.Len(t, sink.alerts(), 1, "alerts emitted while stopping still reach the sinks")
	assert.Equal(t, "s1", sink.alerts()[0].SubscriberID)
}

func TestDispatcher_Run_FlushGivesUpAfterTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.FlushTimeout = 50 * time.Millisecond
	stalled := &stallingSink{}
	steady := &mockSink{name: "steady"}
	d := NewDispatcher(cfg, places.New(), NewLog(0), []Sink{stalled, steady}, discardLogger(), observability.NewMetricsForTesting())
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	d.OnEventStateChanged(changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the flush timeout")
	}
	assert.Equal(t, int32(1), stalled.calls.Load())
	assert.Len(t, steady.alerts(), 1, "a stalled sink does not hold back the others")
}

func TestDispatcher_UnsubscribeDuringDispatch(t *testing.T) {
	finder := newGatedFinder()
	d := NewDispatcher(fastConfig(), finder, NewLog(0), nil, discardLogger(), observability.NewMetricsForTesting())
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)

	change := changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh)
	d.OnEventStateChanged(change)
	drained := make(chan []domain.Alert, 1)
	go func() { drained <- d.Drain() }()

	// Matching is done; the subscriber leaves before alerts are built.
	<-finder.entered
	require.NoError(t, d.Unsubscribe("s1"))
	close(finder.release)

	assert.Empty(t, <-drained, "no alert for a subscriber that already left")
	assert.Zero(t, d.Log().Last())

	// No stale ledger entry survives to suppress a fresh subscription.
	mustSubscribe(t, d, "s1", marineDrive, 5, domain.SeverityLow)
	d.OnEventStateChanged(change)
	assert.Len(t, d.Drain(), 1)
}

func TestDispatcher_UnsubscribeKeepsOtherLedgers(t *testing.T) {
	d := newTestDispatcher(t)
	mustSubscribe(t, d, "a", marineDrive, 5, domain.SeverityLow)
	mustSubscribe(t, d, "ab", marineDrive, 5, domain.SeverityLow)

	change := changeOf(floodEvent(domain.StateVerified, domain.SeverityHigh), domain.StateCorroborating, domain.SeverityHigh)
	d.OnEventStateChanged(change)
	require.Len(t, d.Drain(), 2)

	require.NoError(t, d.Unsubscribe("a"))
	d.OnEventStateChanged(change)
	assert.Empty(t, d.Drain(), "the remaining subscriber's ledger still suppresses the repeat")
}
