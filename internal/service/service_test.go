package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/couchcryptid/harbor-hazard-core/internal/alerting"
	"github.com/couchcryptid/harbor-hazard-core/internal/credibility"
	"github.com/couchcryptid/harbor-hazard-core/internal/dedup"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
	"github.com/couchcryptid/harbor-hazard-core/internal/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockGeocoder struct {
	forward domain.GeocodingResult
	err     error
	calls   int
}

func (m *mockGeocoder) ForwardGeocode(_ context.Context, _ string) (domain.GeocodingResult, error) {
	m.calls++
	return m.forward, m.err
}

func (m *mockGeocoder) ReverseGeocode(_ context.Context, _, _ float64) (domain.GeocodingResult, error) {
	m.calls++
	return domain.GeocodingResult{FormattedAddress: "Marine Drive, Mumbai, Maharashtra"}, m.err
}

// --- helpers ---

var marineDrive = domain.Coordinate{Lat: 19.0760, Lng: 72.8777}

type harness struct {
	svc        *Service
	cred       *credibility.Model
	dispatcher *alerting.Dispatcher
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	dir := places.New()
	_, err := dir.LoadDefaults()
	require.NoError(t, err)

	cred := credibility.New()
	dispatcher := alerting.NewDispatcher(alerting.DefaultConfig(), dir, alerting.NewLog(0), nil, logger, metrics)
	engine, err := dedup.New(dedup.Config{
		Policy:       dedup.DefaultPolicy(),
		Verification: verification.DefaultPolicy(),
	}, cred, dispatcher, logger, metrics)
	require.NoError(t, err)

	return harness{
		svc:        New(engine, dispatcher, cred, dir, opts, logger, metrics),
		cred:       cred,
		dispatcher: dispatcher,
	}
}

func floodInput(submitter string, c domain.Coordinate) domain.HazardReportInput {
	return domain.HazardReportInput{
		SubmitterID: submitter,
		Type:        "flood",
		Severity:    "high",
		Coordinate:  &c,
		Title:       "Street flooding on Marine Drive",
		Description: "Water level rising rapidly, about knee-deep.",
	}
}

func north(c domain.Coordinate, km float64) domain.Coordinate {
	return domain.Coordinate{Lat: c.Lat + km/111.19492664, Lng: c.Lng}
}

// --- tests ---

func TestService_VerifiedFloodAlertsSubscribersInRadius(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.cred.Seed(domain.UserCredibility{UserID: "u80", TotalReports: 6, VerifiedReports: 6}))
	require.NoError(t, h.cred.Seed(domain.UserCredibility{UserID: "u70", TotalReports: 4, VerifiedReports: 4}))
	require.NoError(t, h.cred.Seed(domain.UserCredibility{UserID: "u90", TotalReports: 8, VerifiedReports: 8}))

	for _, sub := range []domain.AlertSubscription{
		{SubscriberID: "promenade", WatchCoordinate: north(marineDrive, 1), RadiusKm: 3, MinSeverity: domain.SeverityMedium},
		{SubscriberID: "colaba", WatchCoordinate: north(marineDrive, 2.5), RadiusKm: 5, MinSeverity: domain.SeverityHigh},
		{SubscriberID: "critical-only", WatchCoordinate: marineDrive, RadiusKm: 5, MinSeverity: domain.SeverityCritical},
		{SubscriberID: "thane", WatchCoordinate: north(marineDrive, 20), RadiusKm: 5},
	} {
		_, err := h.svc.Subscribe(sub)
		require.NoError(t, err)
	}

	ctx := context.Background()
	var last SubmitResult
	for i, u := range []string{"u80", "u70", "u90"} {
		res, err := h.svc.SubmitReport(ctx, floodInput(u, north(marineDrive, float64(i)*0.2)))
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, domain.StateVerified, last.State)

	ev, err := h.svc.GetEvent(last.EventID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, ev.ConfidenceScore, 1e-9)
	assert.Equal(t, 3, ev.MemberCount())

	h.dispatcher.Drain()
	var hazards []domain.Alert
	for _, a := range h.svc.Alerts(0, 0) {
		if a.Kind == domain.AlertHazard {
			hazards = append(hazards, a)
		}
	}
	require.Len(t, hazards, 2)
	got := map[string]bool{}
	for _, a := range hazards {
		got[a.SubscriberID] = true
		assert.Equal(t, last.EventID, a.EventID)
	}
	assert.Equal(t, map[string]bool{"promenade": true, "colaba": true}, got)
	assert.InDelta(t, 85, h.svc.Credibility("u80").CredibilityScore, 1e-9)
}

func TestService_SubmitReport_Validation(t *testing.T) {
	h := newHarness(t, Options{})
	in := floodInput("u1", marineDrive)
	in.Type = "meteor"

	_, err := h.svc.SubmitReport(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, h.svc.Alerts(0, 0))
}

func TestService_SubmitReport_GeocodesAddress(t *testing.T) {
	geo := &mockGeocoder{forward: domain.GeocodingResult{Lat: marineDrive.Lat, Lng: marineDrive.Lng}}
	h := newHarness(t, Options{Geocoder: geo})

	in := floodInput("u1", marineDrive)
	in.Coordinate = nil
	in.Address = "Marine Drive, Mumbai"

	res, err := h.svc.SubmitReport(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, geo.calls)

	r, err := h.svc.GetReport(res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, marineDrive, r.Coordinate)
}

func TestService_SubmitReport_GeocodeFailureIsValidationError(t *testing.T) {
	geo := &mockGeocoder{err: errors.New("mapbox down")}
	h := newHarness(t, Options{Geocoder: geo})

	in := floodInput("u1", marineDrive)
	in.Coordinate = nil
	in.Address = "somewhere"

	_, err := h.svc.SubmitReport(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_SubmitReport_RateLimited(t *testing.T) {
	h := newHarness(t, Options{SubmitRatePerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.svc.SubmitReport(ctx, floodInput("spammer", marineDrive))
		require.NoError(t, err)
	}
	_, err := h.svc.SubmitReport(ctx, floodInput("spammer", marineDrive))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))

	_, err = h.svc.SubmitReport(ctx, floodInput("someone-else", marineDrive))
	require.NoError(t, err)
}

func TestService_SubmitReport_InvalidSubmissionsKeepBudget(t *testing.T) {
	h := newHarness(t, Options{SubmitRatePerMinute: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		bad := floodInput("careful", marineDrive)
		bad.Title = ""
		_, err := h.svc.SubmitReport(ctx, bad)
		require.ErrorIs(t, err, domain.ErrValidation)
	}

	_, err := h.svc.SubmitReport(ctx, floodInput("careful", marineDrive))
	require.NoError(t, err)

	_, err = h.svc.SubmitReport(ctx, floodInput("careful", marineDrive))
	require.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestService_QueryValidation(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.svc.QueryEventsNear(domain.Coordinate{Lat: 95}, 1)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.QueryEventsNear(marineDrive, -1)
	require.ErrorIs(t, err, domain.ErrValidation)

	hits, err := h.svc.QueryEventsNear(marineDrive, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = h.svc.QueryPlacesNear(marineDrive, 10, "bunker")
	require.ErrorIs(t, err, domain.ErrValidation)

	placesHit, err := h.svc.QueryPlacesNear(marineDrive, 10, domain.PlaceShelter)
	require.NoError(t, err)
	require.Len(t, placesHit, 1)
	assert.Equal(t, "shivaji-park-cc", placesHit[0].Place.ID)
}

func TestService_UnsubscribeUnknown(t *testing.T) {
	h := newHarness(t, Options{})
	require.ErrorIs(t, h.svc.Unsubscribe("nobody"), domain.ErrNotFound)
}
