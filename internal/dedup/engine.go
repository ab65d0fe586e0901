// Package dedup clusters near-duplicate hazard reports into canonical hazard
// events and drives each event's verification lifecycle.
//
// Submission is the only write path. The merge decision for a report runs
// under the cell locks of every tile its merge disc touches, namespaced by
// hazard type, so concurrent reports that could join the same event
// serialize while reports elsewhere proceed in parallel. Each event also
// carries a version; an attach planned against a stale version is re-planned.
package dedup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/geoindex"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/verification"
	"github.com/paulmach/orb/maptile"
)

// Credibility supplies submitter weights and receives verification outcomes.
type Credibility interface {
	Weight(userID string) float64
	RecordOutcome(userID string, outcome domain.Outcome) (domain.UserCredibility, error)
}

// Notifier is told about every state transition and severity upgrade.
// It is called while the event is locked and must not block.
type Notifier interface {
	OnEventStateChanged(change domain.EventChange)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(domain.EventChange)

// OnEventStateChanged calls f.
func (f NotifierFunc) OnEventStateChanged(c domain.EventChange) { f(c) }

// SubmitResult describes what happened to a submitted report.
type SubmitResult struct {
	EventID     string
	State       domain.EventState
	Attached    bool // joined an existing event
	Duplicate   bool // report id was already accepted
	Transitions []verification.Transition
}

// EventHit is an event returned by a proximity query.
type EventHit struct {
	Event      domain.HazardEvent `json:"event"`
	DistanceKm float64            `json:"distance_km"`
}

// Config bundles the engine's tunables.
type Config struct {
	Policy       Policy
	Verification verification.Policy
	Zoom         maptile.Zoom // geo index bucketing; zero selects the default
}

type eventRecord struct {
	mu         sync.Mutex
	version    uint64
	event      domain.HazardEvent
	sum        domain.Vector
	coords     []domain.Coordinate
	submitters []string
}

// settlement is a terminal outcome awaiting credit to its submitters.
type settlement struct {
	eventID    string
	outcome    domain.Outcome
	submitters []string
}

// Engine owns every hazard event and accepted report.
type Engine struct {
	policy   Policy
	machine  *verification.Machine
	cred     Credibility
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	locks    *geoindex.CellLocks

	open map[domain.HazardType]*geoindex.Index // non-terminal events, per type
	all  *geoindex.Index                       // every event, for read queries

	mu          sync.RWMutex
	events      map[string]*eventRecord
	reports     map[string]domain.HazardReport
	reportEvent map[string]string
	claims      map[string]chan struct{} // report ids being placed

	seq atomic.Uint64
}

// New creates an engine. A nil notifier discards changes.
func New(cfg Config, cred Credibility, notifier Notifier, logger *slog.Logger, metrics *observability.Metrics) (*Engine, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("dedup policy: %w", err)
	}
	if err := cfg.Verification.Validate(); err != nil {
		return nil, fmt.Errorf("verification policy: %w", err)
	}
	if notifier == nil {
		notifier = NotifierFunc(func(domain.EventChange) {})
	}

	open := make(map[domain.HazardType]*geoindex.Index, len(domain.HazardTypes))
	for _, t := range domain.HazardTypes {
		open[t] = geoindex.New(cfg.Zoom)
	}

	return &Engine{
		policy:      cfg.Policy,
		machine:     verification.NewMachine(cfg.Verification),
		cred:        cred,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		locks:       geoindex.NewCellLocks(0),
		open:        open,
		all:         geoindex.New(cfg.Zoom),
		events:      make(map[string]*eventRecord),
		reports:     make(map[string]domain.HazardReport),
		reportEvent: make(map[string]string),
		claims:      make(map[string]chan struct{}),
	}, nil
}

// Submit places an accepted report into the nearest open event of its type
// or starts a new event. Resubmitting an accepted report id is a no-op that
// reports the event's current state.
func (e *Engine) Submit(ctx context.Context, r domain.HazardReport) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	release, dup, ok, err := e.claim(ctx, r.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	if ok {
		return dup, nil
	}
	defer release()

	radius := e.policy.RadiusFor(r.Type)
	tiles := geoindex.Covering(r.Coordinate, radius, geoindex.LockZoom(radius), 0)
	unlock := e.locks.Lock(string(r.Type), tiles)

	var (
		res     SubmitResult
		settled *settlement
	)
	for attempt := 1; ; attempt++ {
		res, settled, err = e.place(r, radius)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			unlock()
			return SubmitResult{}, err
		}
		e.metrics.SubmitConflicts.Inc()
		e.logger.Debug("attach conflict, re-planning", "report_id", r.ID, "attempt", attempt, "error", err)
		if attempt >= e.policy.MaxAttempts {
			res, settled = e.create(r), nil
			break
		}
	}
	unlock()

	if settled != nil {
		e.settle(*settled)
	}
	return res, nil
}

// claim reserves reportID for one submission at a time, wherever the
// competing copies are located. A caller that finds the id already stored gets
// the duplicate result; one that finds it in flight waits for the holder.
func (e *Engine) claim(ctx context.Context, reportID string) (release func(), dup SubmitResult, isDup bool, err error) {
	for {
		if res, ok := e.duplicate(reportID); ok {
			return nil, res, true, nil
		}

		e.mu.Lock()
		if _, stored := e.reportEvent[reportID]; stored {
			e.mu.Unlock()
			continue
		}
		wait, held := e.claims[reportID]
		if !held {
			done := make(chan struct{})
			e.claims[reportID] = done
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.claims, reportID)
				e.mu.Unlock()
				close(done)
			}, SubmitResult{}, false, nil
		}
		e.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, SubmitResult{}, false, ctx.Err()
		}
	}
}

func (e *Engine) duplicate(reportID string) (SubmitResult, bool) {
	e.mu.RLock()
	eventID, ok := e.reportEvent[reportID]
	rec := e.events[eventID]
	e.mu.RUnlock()
	if !ok || rec == nil {
		return SubmitResult{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return SubmitResult{EventID: eventID, State: rec.event.State, Duplicate: true}, true
}

// place runs one merge decision. Callers hold the report's cell locks.
func (e *Engine) place(r domain.HazardReport, radius float64) (SubmitResult, *settlement, error) {
	hits := e.open[r.Type].QueryRadius(r.Coordinate, radius)
	if len(hits) == 0 {
		return e.create(r), nil, nil
	}
	rec := e.record(hits[0].ID)
	if rec == nil {
		return e.create(r), nil, nil
	}
	p, ok := e.planAttach(rec, r)
	if !ok {
		return e.create(r), nil, nil
	}
	return e.commitAttach(rec, p, r)
}

type attachPlan struct {
	version     uint64
	sum         domain.Vector
	centroid    domain.Coordinate
	severity    domain.Severity
	confidence  float64
	transitions []verification.Transition
}

// planAttach computes the event as it would be with r attached. It reports
// false when the event no longer accepts reports or r would pull the
// centroid too far from an existing member.
func (e *Engine) planAttach(rec *eventRecord, r domain.HazardReport) (attachPlan, bool) {
	rec.mu.Lock()
	version := rec.version
	ev := rec.event
	sum := rec.sum
	coords := slices.Clone(rec.coords)
	submitters := slices.Clone(rec.submitters)
	rec.mu.Unlock()

	if ev.State.Terminal() {
		return attachPlan{}, false
	}

	sum = sum.Add(r.Coordinate.UnitVector())
	centroid := sum.Coordinate()
	limit := e.policy.DeviationFor(r.Type)
	for _, c := range append(coords, r.Coordinate) {
		if domain.HaversineKm(centroid, c) > limit {
			return attachPlan{}, false
		}
	}

	weights := make([]float64, 0, len(submitters)+1)
	for _, s := range append(submitters, r.SubmitterID) {
		weights = append(weights, e.cred.Weight(s))
	}
	confidence := verification.Confidence(weights)

	return attachPlan{
		version:     version,
		sum:         sum,
		centroid:    centroid,
		severity:    domain.MaxSeverity(ev.CurrentSeverity, r.Severity),
		confidence:  confidence,
		transitions: e.machine.Evaluate(ev.State, len(weights), confidence),
	}, true
}

func (e *Engine) commitAttach(rec *eventRecord, p attachPlan, r domain.HazardReport) (SubmitResult, *settlement, error) {
	rec.mu.Lock()
	if rec.version != p.version {
		current := rec.version
		rec.mu.Unlock()
		return SubmitResult{}, nil, domain.Conflict("attach report", "event %s at version %d, planned against %d", rec.event.ID, current, p.version)
	}

	prev := rec.event
	ev := &rec.event
	ev.MemberReportIDs = append(ev.MemberReportIDs, r.ID)
	ev.CurrentSeverity = p.severity
	ev.Centroid = p.centroid
	ev.ConfidenceScore = p.confidence
	ev.State = verification.Final(prev.State, p.transitions)
	ev.LastUpdatedAt = domain.Now()
	if ev.Address == "" {
		ev.Address = r.Address
	}
	rec.sum = p.sum
	rec.coords = append(rec.coords, r.Coordinate)
	rec.submitters = append(rec.submitters, r.SubmitterID)
	rec.version++

	e.storeReport(r, ev.ID)
	e.all.Insert(ev.ID, ev.Centroid)
	if ev.State.Terminal() {
		_ = e.open[ev.Type].Remove(ev.ID)
	} else {
		e.open[ev.Type].Insert(ev.ID, ev.Centroid)
	}

	change := domain.EventChange{Event: cloneEvent(*ev), FromState: prev.State, FromSeverity: prev.CurrentSeverity}
	if change.StateChanged() || change.Escalated() {
		e.notifier.OnEventStateChanged(change)
	}

	var settled *settlement
	if outcome, ok := verification.OutcomeFor(ev.State); ok {
		settled = &settlement{eventID: ev.ID, outcome: outcome, submitters: distinct(rec.submitters)}
	}
	res := SubmitResult{EventID: ev.ID, State: ev.State, Attached: true, Transitions: p.transitions}
	rec.mu.Unlock()

	e.metrics.ReportsAttached.Inc()
	for _, t := range p.transitions {
		e.metrics.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
		e.logger.Info("hazard event transitioned",
			"event_id", res.EventID,
			"from", t.From,
			"to", t.To,
			"members", change.Event.MemberCount(),
			"confidence", p.confidence,
		)
	}
	if settled != nil {
		e.metrics.OpenEvents.Dec()
	}
	e.logger.Debug("report attached", "report_id", r.ID, "event_id", res.EventID, "state", res.State)
	return res, settled, nil
}

func (e *Engine) create(r domain.HazardReport) SubmitResult {
	id := fmt.Sprintf("evt-%08d", e.seq.Add(1))
	now := domain.Now()
	rec := &eventRecord{
		event: domain.HazardEvent{
			ID:              id,
			Type:            r.Type,
			CurrentSeverity: r.Severity,
			Centroid:        r.Coordinate,
			Address:         r.Address,
			MemberReportIDs: []string{r.ID},
			State:           domain.StateReported,
			ConfidenceScore: verification.Confidence([]float64{e.cred.Weight(r.SubmitterID)}),
			CreatedAt:       now,
			LastUpdatedAt:   now,
		},
		sum:        r.Coordinate.UnitVector(),
		coords:     []domain.Coordinate{r.Coordinate},
		submitters: []string{r.SubmitterID},
	}

	e.mu.Lock()
	e.events[id] = rec
	e.mu.Unlock()
	e.storeReport(r, id)
	e.open[r.Type].Insert(id, r.Coordinate)
	e.all.Insert(id, r.Coordinate)

	e.metrics.EventsCreated.WithLabelValues(string(r.Type)).Inc()
	e.metrics.OpenEvents.Inc()
	e.logger.Info("hazard event created", "event_id", id, "type", r.Type, "severity", r.Severity, "report_id", r.ID)
	return SubmitResult{EventID: id, State: domain.StateReported}
}

func (e *Engine) storeReport(r domain.HazardReport, eventID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports[r.ID] = r
	e.reportEvent[r.ID] = eventID
}

// settle credits a terminal outcome once to each distinct submitter.
func (e *Engine) settle(s settlement) {
	for _, userID := range s.submitters {
		if _, err := e.cred.RecordOutcome(userID, s.outcome); err != nil {
			e.logger.Error("record credibility outcome failed", "event_id", s.eventID, "user_id", userID, "error", err)
			continue
		}
		e.metrics.CredibilityOutcomes.WithLabelValues(string(s.outcome)).Inc()
	}
	e.logger.Info("hazard event settled", "event_id", s.eventID, "outcome", s.outcome, "submitters", len(s.submitters))
}

func (e *Engine) record(id string) *eventRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.events[id]
}

// Get returns a copy of the event.
func (e *Engine) Get(eventID string) (domain.HazardEvent, error) {
	rec := e.record(eventID)
	if rec == nil {
		return domain.HazardEvent{}, domain.NotFound("get event", "hazard event", eventID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneEvent(rec.event), nil
}

// Report returns an accepted report.
func (e *Engine) Report(reportID string) (domain.HazardReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.reports[reportID]
	if !ok {
		return domain.HazardReport{}, domain.NotFound("get report", "report", reportID)
	}
	return r, nil
}

// QueryNear returns events of any state whose centroid lies within radiusKm
// of center, nearest first.
func (e *Engine) QueryNear(center domain.Coordinate, radiusKm float64) []EventHit {
	hits := e.all.QueryRadius(center, radiusKm)
	out := make([]EventHit, 0, len(hits))
	for _, h := range hits {
		ev, err := e.Get(h.ID)
		if err != nil {
			continue
		}
		out = append(out, EventHit{Event: ev, DistanceKm: h.DistanceKm})
	}
	return out
}

// Events returns a copy of every event ordered by id.
func (e *Engine) Events() []domain.HazardEvent {
	e.mu.RLock()
	recs := make([]*eventRecord, 0, len(e.events))
	for _, rec := range e.events {
		recs = append(recs, rec)
	}
	e.mu.RUnlock()

	out := make([]domain.HazardEvent, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, cloneEvent(rec.event))
		rec.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.HazardEvent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func cloneEvent(ev domain.HazardEvent) domain.HazardEvent {
	ev.MemberReportIDs = slices.Clone(ev.MemberReportIDs)
	return ev
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
