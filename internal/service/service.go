// Package service is the core's inbound and outbound surface. It validates
// and enriches submissions before they reach deduplication and exposes the
// read models that the HTTP and Kafka adapters serve.
package service

import (
	"context"
	"log/slog"
	"math"

	"github.com/couchcryptid/harbor-hazard-core/internal/alerting"
	"github.com/couchcryptid/harbor-hazard-core/internal/dedup"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
)

// Events is the hazard event store.
type Events interface {
	Submit(ctx context.Context, r domain.HazardReport) (dedup.SubmitResult, error)
	Get(eventID string) (domain.HazardEvent, error)
	Report(reportID string) (domain.HazardReport, error)
	QueryNear(center domain.Coordinate, radiusKm float64) []dedup.EventHit
}

// Alerts manages subscriptions and the emitted alert stream.
type Alerts interface {
	Subscribe(sub domain.AlertSubscription) (domain.AlertSubscription, error)
	Unsubscribe(subscriberID string) error
	Subscription(subscriberID string) (domain.AlertSubscription, error)
	Acknowledge(subscriberID, alertID string) error
	Log() *alerting.Log
}

// Credibility reads submitter trust records.
type Credibility interface {
	Get(userID string) domain.UserCredibility
}

// Places finds safe places.
type Places interface {
	Get(id string) (domain.SafePlace, error)
	QueryNear(center domain.Coordinate, radiusKm float64, kinds ...domain.PlaceKind) []places.Hit
}

// Options carries the service's optional collaborators.
type Options struct {
	Geocoder            domain.Geocoder // nil disables enrichment
	SubmitRatePerMinute int             // 0 disables rate limiting
}

// SubmitResult is returned to submitters.
type SubmitResult struct {
	ReportID string            `json:"report_id"`
	EventID  string            `json:"event_id"`
	State    domain.EventState `json:"state"`
	Attached bool              `json:"attached"`
}

// Service wires validation, enrichment and rate limiting in front of the core.
type Service struct {
	events   Events
	alerts   Alerts
	cred     Credibility
	places   Places
	geocoder domain.Geocoder
	limiter  *submitLimiter
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Service.
func New(events Events, alerts Alerts, cred Credibility, pl Places, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		events:   events,
		alerts:   alerts,
		cred:     cred,
		places:   pl,
		geocoder: opts.Geocoder,
		limiter:  newSubmitLimiter(opts.SubmitRatePerMinute),
		logger:   logger,
		metrics:  metrics,
	}
}

// SubmitReport validates a submission and routes it into deduplication.
// Validation failures and rate limiting are classified errors; nothing is
// stored for a rejected submission.
func (s *Service) SubmitReport(ctx context.Context, in domain.HazardReportInput) (SubmitResult, error) {
	const op = "submit report"

	in = domain.EnrichWithGeocoding(ctx, in, s.geocoder, s.logger)
	report, err := domain.NewReport(in)
	if err != nil {
		s.metrics.ReportsRejected.WithLabelValues("validation").Inc()
		return SubmitResult{}, err
	}

	// Only valid submissions spend the submitter's budget.
	if !s.limiter.Allow(report.SubmitterID) {
		s.metrics.ReportsRejected.WithLabelValues("rate_limited").Inc()
		return SubmitResult{}, domain.RateLimited(op, report.SubmitterID)
	}

	res, err := s.events.Submit(ctx, report)
	if err != nil {
		s.metrics.ReportsRejected.WithLabelValues("error").Inc()
		return SubmitResult{}, err
	}
	if !res.Duplicate {
		s.metrics.ReportsAccepted.Inc()
	}
	return SubmitResult{ReportID: report.ID, EventID: res.EventID, State: res.State, Attached: res.Attached}, nil
}

// Subscribe registers or replaces a watch area.
func (s *Service) Subscribe(sub domain.AlertSubscription) (domain.AlertSubscription, error) {
	return s.alerts.Subscribe(sub)
}

// Unsubscribe removes a watch area.
func (s *Service) Unsubscribe(subscriberID string) error {
	return s.alerts.Unsubscribe(subscriberID)
}

// Subscription returns a subscriber's watch area.
func (s *Service) Subscription(subscriberID string) (domain.AlertSubscription, error) {
	return s.alerts.Subscription(subscriberID)
}

// Acknowledge marks an alert as seen.
func (s *Service) Acknowledge(subscriberID, alertID string) error {
	return s.alerts.Acknowledge(subscriberID, alertID)
}

// GetEvent returns one hazard event.
func (s *Service) GetEvent(eventID string) (domain.HazardEvent, error) {
	return s.events.Get(eventID)
}

// GetReport returns one accepted report.
func (s *Service) GetReport(reportID string) (domain.HazardReport, error) {
	return s.events.Report(reportID)
}

// QueryEventsNear returns events near a point, nearest first.
func (s *Service) QueryEventsNear(center domain.Coordinate, radiusKm float64) ([]dedup.EventHit, error) {
	if err := validQuery("query events", center, radiusKm); err != nil {
		return nil, err
	}
	return s.events.QueryNear(center, radiusKm), nil
}

// QueryPlacesNear returns safe places near a point, nearest first.
func (s *Service) QueryPlacesNear(center domain.Coordinate, radiusKm float64, kinds ...domain.PlaceKind) ([]places.Hit, error) {
	if err := validQuery("query places", center, radiusKm); err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, domain.Validation("query places", "unknown place type %q", k)
		}
	}
	return s.places.QueryNear(center, radiusKm, kinds...), nil
}

// GetPlace returns one safe place.
func (s *Service) GetPlace(id string) (domain.SafePlace, error) {
	return s.places.Get(id)
}

// Credibility returns a submitter's trust record.
func (s *Service) Credibility(userID string) domain.UserCredibility {
	return s.cred.Get(userID)
}

// Alerts returns up to limit alerts after the given sequence.
func (s *Service) Alerts(after uint64, limit int) []domain.Alert {
	return s.alerts.Log().Since(after, limit)
}

// AlertLog exposes the alert stream for streaming consumers.
func (s *Service) AlertLog() *alerting.Log {
	return s.alerts.Log()
}

// validQuery accepts a valid center and a non-negative radius. A zero radius
// is allowed and matches nothing.
func validQuery(op string, center domain.Coordinate, radiusKm float64) error {
	if !center.Valid() {
		return domain.Validation(op, "center %v out of range", center)
	}
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return domain.Validation(op, "radius must not be negative")
	}
	return nil
}
