// Package alerting matches hazard event changes against subscriber watch
// areas and emits alerts.
//
// The dispatcher is fire-and-forget relative to verification: event changes
// are queued without blocking and processed by Run. Emitted alerts go to
// the alert Log and then to every Sink, each with its own retrying worker,
// so a failed delivery never reaches the ingestion path.
package alerting

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/geoindex"
	"github.com/couchcryptid/harbor-hazard-core/internal/observability"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// PlaceFinder looks up safe places near a point.
type PlaceFinder interface {
	QueryNear(center domain.Coordinate, radiusKm float64, kinds ...domain.PlaceKind) []places.Hit
}

// Config tunes dispatch.
type Config struct {
	LedgerTTL      time.Duration `yaml:"ledger_ttl"`
	PlacesRadiusKm float64       `yaml:"places_radius_km"`
	MaxPlaces      int           `yaml:"max_places"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"` // sink delivery budget once Run is stopping
	Retry          RetryPolicy   `yaml:"-"`
}

// DefaultConfig remembers alerts for a day and lists up to three safe places
// within 10 km.
func DefaultConfig() Config {
	return Config{
		LedgerTTL:      24 * time.Hour,
		PlacesRadiusKm: 10,
		MaxPlaces:      3,
		FlushTimeout:   5 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// ledgerKeySep joins subscriber and event ids in ledger keys. Subscriber ids
// may not contain it, so a subscriber's keys share an unambiguous prefix.
const ledgerKeySep = "|"

func ledgerKey(subscriberID, eventID string) string {
	return subscriberID + ledgerKeySep + eventID
}

// ledgerEntry is the latest alert a subscriber holds for an event.
type ledgerEntry struct {
	AlertID      string
	SubscriberID string
	Severity     domain.Severity
	State        domain.EventState
	Acknowledged bool
}

// Dispatcher owns subscriptions and the per-subscriber alert ledger.
type Dispatcher struct {
	cfg     Config
	places  PlaceFinder
	log     *Log
	workers []*sinkWorker
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	subs      map[string]domain.AlertSubscription
	watch     *geoindex.Index
	maxRadius float64

	ledgerMu sync.Mutex
	ledger   *gocache.Cache // subscriber|event -> ledgerEntry
	alertKey *gocache.Cache // alert id -> ledger key

	qmu    sync.Mutex
	queue  []domain.EventChange
	signal chan struct{}
}

// NewDispatcher creates a dispatcher writing to log and sinks. finder may be nil.
func NewDispatcher(cfg Config, finder PlaceFinder, log *Log, sinks []Sink, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = DefaultConfig().LedgerTTL
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	d := &Dispatcher{
		cfg:      cfg,
		places:   finder,
		log:      log,
		logger:   logger,
		metrics:  metrics,
		subs:     make(map[string]domain.AlertSubscription),
		watch:    geoindex.New(0),
		ledger:   gocache.New(cfg.LedgerTTL, cfg.LedgerTTL/2),
		alertKey: gocache.New(cfg.LedgerTTL, cfg.LedgerTTL/2),
		signal:   make(chan struct{}, 1),
	}
	for _, s := range sinks {
		d.workers = append(d.workers, newSinkWorker(s, cfg.Retry, logger, metrics))
	}
	return d
}

// Log returns the alert log the dispatcher appends to.
func (d *Dispatcher) Log() *Log { return d.log }

// Subscribe registers or replaces a subscriber's watch area. A zero
// MinSeverity means every severity.
func (d *Dispatcher) Subscribe(sub domain.AlertSubscription) (domain.AlertSubscription, error) {
	const op = "subscribe"
	sub.SubscriberID = strings.TrimSpace(sub.SubscriberID)
	switch {
	case sub.SubscriberID == "":
		return domain.AlertSubscription{}, domain.Validation(op, "subscriber id is required")
	case strings.Contains(sub.SubscriberID, ledgerKeySep):
		return domain.AlertSubscription{}, domain.Validation(op, "subscriber id must not contain %q", ledgerKeySep)
	case !sub.WatchCoordinate.Valid():
		return domain.AlertSubscription{}, domain.Validation(op, "watch coordinate %v out of range", sub.WatchCoordinate)
	case !(sub.RadiusKm > 0) || math.IsInf(sub.RadiusKm, 0):
		return domain.AlertSubscription{}, domain.Validation(op, "radius must be a positive number of kilometres")
	case sub.MinSeverity != domain.SeverityUnknown && !sub.MinSeverity.Valid():
		return domain.AlertSubscription{}, domain.Validation(op, "unknown minimum severity %d", int(sub.MinSeverity))
	}
	if sub.MinSeverity == domain.SeverityUnknown {
		sub.MinSeverity = domain.SeverityLow
	}

	d.mu.Lock()
	d.subs[sub.SubscriberID] = sub
	d.watch.Insert(sub.SubscriberID, sub.WatchCoordinate)
	d.maxRadius = max(d.maxRadius, sub.RadiusKm)
	n := len(d.subs)
	d.mu.Unlock()

	d.metrics.Subscriptions.Set(float64(n))
	d.logger.Info("subscription registered", "subscriber_id", sub.SubscriberID, "radius_km", sub.RadiusKm, "min_severity", sub.MinSeverity)
	return sub, nil
}

// Unsubscribe removes a subscriber from future dispatch. Alerts already in
// the log are unaffected.
func (d *Dispatcher) Unsubscribe(subscriberID string) error {
	d.mu.Lock()
	if _, ok := d.subs[subscriberID]; !ok {
		d.mu.Unlock()
		return domain.NotFound("unsubscribe", "subscription", subscriberID)
	}
	delete(d.subs, subscriberID)
	_ = d.watch.Remove(subscriberID)
	d.maxRadius = 0
	for _, s := range d.subs {
		d.maxRadius = max(d.maxRadius, s.RadiusKm)
	}
	n := len(d.subs)
	d.mu.Unlock()

	d.forget(subscriberID)
	d.metrics.Subscriptions.Set(float64(n))
	d.logger.Info("subscription removed", "subscriber_id", subscriberID)
	return nil
}

// Subscription returns a registered subscription.
func (d *Dispatcher) Subscription(subscriberID string) (domain.AlertSubscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.subs[subscriberID]
	if !ok {
		return domain.AlertSubscription{}, domain.NotFound("get subscription", "subscription", subscriberID)
	}
	return s, nil
}

// Acknowledge marks a subscriber's alert as seen, so the next change to its
// event alerts them again. Acknowledging a superseded alert is a no-op.
func (d *Dispatcher) Acknowledge(subscriberID, alertID string) error {
	const op = "acknowledge alert"
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()

	k, ok := d.alertKey.Get(alertID)
	if !ok {
		return domain.NotFound(op, "alert", alertID)
	}
	key := k.(string)
	v, ok := d.ledger.Get(key)
	if !ok {
		return domain.NotFound(op, "alert", alertID)
	}
	entry := v.(ledgerEntry)
	if entry.SubscriberID != subscriberID {
		return domain.NotFound(op, "alert", alertID)
	}
	if entry.AlertID != alertID {
		return nil
	}
	entry.Acknowledged = true
	d.ledger.Set(key, entry, gocache.DefaultExpiration)
	return nil
}

// OnEventStateChanged queues a change for dispatch. It never blocks.
func (d *Dispatcher) OnEventStateChanged(change domain.EventChange) {
	d.qmu.Lock()
	d.queue = append(d.queue, change)
	depth := len(d.queue)
	d.qmu.Unlock()

	d.metrics.DispatchQueueDepth.Set(float64(depth))
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Run dispatches queued changes and drives the sink workers until ctx is
// cancelled. On cancellation it dispatches what is still queued and gives
// the sinks up to FlushTimeout to deliver it. Run must be called at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(sinkCtx)
		}()
	}
	d.logger.Info("dispatcher started", "sinks", len(d.workers))

	for {
		select {
		case <-ctx.Done():
			d.Drain()
			d.flushSinks(&wg, stopSinks)
			d.logger.Info("dispatcher stopped", "reason", ctx.Err())
			return nil
		case <-d.signal:
			d.Drain()
		}
	}
}

// flushSinks lets every worker deliver its pending batches, cancelling
// delivery once FlushTimeout has passed.
func (d *Dispatcher) flushSinks(wg *sync.WaitGroup, stop context.CancelFunc) {
	for _, w := range d.workers {
		w.close()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("alert sink flush timed out", "timeout", d.cfg.FlushTimeout)
		stop()
		<-done
	}
}

// Drain processes every queued change and returns the alerts emitted.
func (d *Dispatcher) Drain() []domain.Alert {
	var emitted []domain.Alert
	for {
		d.qmu.Lock()
		batch := d.queue
		d.queue = nil
		d.qmu.Unlock()
		if len(batch) == 0 {
			d.metrics.DispatchQueueDepth.Set(0)
			return emitted
		}
		for _, change := range batch {
			emitted = append(emitted, d.dispatch(change)...)
		}
	}
}

func (d *Dispatcher) dispatch(change domain.EventChange) []domain.Alert {
	ev := change.Event
	matched := d.match(ev)
	if len(matched) == 0 {
		return nil
	}

	kind := kindFor(ev.State)
	var nearby []places.Hit
	if kind == domain.AlertHazard && d.places != nil && d.cfg.MaxPlaces > 0 {
		nearby = d.places.QueryNear(ev.Centroid, d.cfg.PlacesRadiusKm)
		if len(nearby) > d.cfg.MaxPlaces {
			nearby = nearby[:d.cfg.MaxPlaces]
		}
	}
	title, message := render(kind, ev, change.Escalated() && !change.StateChanged(), nearby)
	var placeIDs []string
	for _, h := range nearby {
		placeIDs = append(placeIDs, h.Place.ID)
	}

	var alerts []domain.Alert
	d.ledgerMu.Lock()
	for _, sub := range matched {
		// Unsubscribe clears the ledger after removing the subscription, so a
		// subscriber still registered here has not been forgotten yet.
		if !d.subscribed(sub.SubscriberID) {
			continue
		}
		key := ledgerKey(sub.SubscriberID, ev.ID)
		if !d.shouldEmit(key, ev) {
			d.metrics.AlertsSuppressed.Inc()
			continue
		}
		a := domain.Alert{
			ID:           uuid.NewString(),
			EventID:      ev.ID,
			SubscriberID: sub.SubscriberID,
			Kind:         kind,
			Level:        levelFor(kind, ev.CurrentSeverity),
			HazardType:   ev.Type,
			Severity:     ev.CurrentSeverity,
			State:        ev.State,
			Title:        title,
			Message:      message,
			Coordinate:   ev.Centroid,
			NearbyPlaces: placeIDs,
			EmittedAt:    domain.Now(),
		}
		d.ledger.Set(key, ledgerEntry{
			AlertID:      a.ID,
			SubscriberID: sub.SubscriberID,
			Severity:     ev.CurrentSeverity,
			State:        ev.State,
		}, gocache.DefaultExpiration)
		d.alertKey.Set(a.ID, key, gocache.DefaultExpiration)
		alerts = append(alerts, a)
	}
	d.ledgerMu.Unlock()

	if len(alerts) == 0 {
		return nil
	}
	alerts = d.log.Append(alerts...)
	for _, w := range d.workers {
		w.enqueue(alerts)
	}
	d.metrics.AlertsEmitted.WithLabelValues(string(kind)).Add(float64(len(alerts)))
	d.logger.Info("alerts emitted", "event_id", ev.ID, "kind", kind, "state", ev.State, "severity", ev.CurrentSeverity, "alerts", len(alerts))
	return alerts
}

// shouldEmit applies the ledger rule. Callers hold ledgerMu.
func (d *Dispatcher) shouldEmit(key string, ev domain.HazardEvent) bool {
	v, ok := d.ledger.Get(key)
	if !ok {
		return true
	}
	prior := v.(ledgerEntry)
	switch {
	case prior.Acknowledged:
		return true
	case ev.CurrentSeverity > prior.Severity:
		return true
	case ev.State.Terminal() && ev.State != prior.State:
		return true
	default:
		return false
	}
}

// match returns subscriptions whose own radius covers the event and whose
// minimum severity it meets, nearest first.
func (d *Dispatcher) match(ev domain.HazardEvent) []domain.AlertSubscription {
	d.mu.RLock()
	defer d.mu.RUnlock()

	hits := d.watch.QueryRadius(ev.Centroid, d.maxRadius)
	out := make([]domain.AlertSubscription, 0, len(hits))
	for _, h := range hits {
		sub, ok := d.subs[h.ID]
		if !ok || h.DistanceKm > sub.RadiusKm || sub.MinSeverity > ev.CurrentSeverity {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (d *Dispatcher) subscribed(subscriberID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.subs[subscriberID]
	return ok
}

func (d *Dispatcher) forget(subscriberID string) {
	prefix := subscriberID + ledgerKeySep
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()
	for key, item := range d.ledger.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if entry, ok := item.Object.(ledgerEntry); ok {
			d.alertKey.Delete(entry.AlertID)
		}
		d.ledger.Delete(key)
	}
}
