package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/alerting"
	"github.com/couchcryptid/harbor-hazard-core/internal/dedup"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
	"github.com/couchcryptid/harbor-hazard-core/internal/service"
)

const (
	maxBodyBytes      = 1 << 20
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// API is the core surface served over HTTP. *service.Service implements it.
type API interface {
	SubmitReport(ctx context.Context, in domain.HazardReportInput) (service.SubmitResult, error)
	GetReport(reportID string) (domain.HazardReport, error)
	GetEvent(eventID string) (domain.HazardEvent, error)
	QueryEventsNear(center domain.Coordinate, radiusKm float64) ([]dedup.EventHit, error)
	QueryPlacesNear(center domain.Coordinate, radiusKm float64, kinds ...domain.PlaceKind) ([]places.Hit, error)
	GetPlace(id string) (domain.SafePlace, error)
	Credibility(userID string) domain.UserCredibility
	Subscribe(sub domain.AlertSubscription) (domain.AlertSubscription, error)
	Subscription(subscriberID string) (domain.AlertSubscription, error)
	Unsubscribe(subscriberID string) error
	Acknowledge(subscriberID, alertID string) error
	Alerts(after uint64, limit int) []domain.Alert
	AlertLog() *alerting.Log
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type alertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Next   uint64         `json:"next"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var in domain.HazardReportInput
	if !s.decode(w, r, &in) {
		return
	}
	res, err := s.api.SubmitReport(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Attached {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.api.GetReport(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.api.GetEvent(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	center, radius, err := parseArea(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hits, err := s.api.QueryEventsNear(center, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": hits})
}

func (s *Server) handleQueryPlaces(w http.ResponseWriter, r *http.Request) {
	center, radius, err := parseArea(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var kinds []domain.PlaceKind
	for _, v := range r.URL.Query()["type"] {
		for k := range strings.SplitSeq(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, domain.PlaceKind(k))
			}
		}
	}
	hits, err := s.api.QueryPlacesNear(center, radius, kinds...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": hits})
}

func (s *Server) handleGetPlace(w http.ResponseWriter, r *http.Request) {
	p, err := s.api.GetPlace(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCredibility(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Credibility(r.PathValue("id")))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub domain.AlertSubscription
	if !s.decode(w, r, &sub) {
		return
	}
	out, err := s.api.Subscribe(sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.api.Subscription(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Unsubscribe(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.api.Acknowledge(r.PathValue("id"), r.PathValue("alertID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	after, limit, err := parsePage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	alerts := s.api.Alerts(after, limit)
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	next := after
	if n := len(alerts); n > 0 {
		next = alerts[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Next: next})
}

// handleAlertStream writes alerts after the requested sequence as
// newline-delimited JSON until the client disconnects or the server shuts
// down.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	after, _, err := parsePage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	enc := json.NewEncoder(w)
	for alert := range s.api.AlertLog().All(ctx, after) {
		if err := enc.Encode(alert); err != nil {
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, domain.Validation("decode request", "invalid JSON body: %v", err))
		return false
	}
	return true
}

// writeError maps the error kind to a status code. Unclassified errors are
// logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	var status int
	switch kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func parseArea(r *http.Request) (domain.Coordinate, float64, error) {
	const op = "parse query"
	q := r.URL.Query()
	lat, err := parseFloat(q.Get("lat"))
	if err != nil {
		return domain.Coordinate{}, 0, domain.Validation(op, "lat: %v", err)
	}
	lng, err := parseFloat(q.Get("lng"))
	if err != nil {
		return domain.Coordinate{}, 0, domain.Validation(op, "lng: %v", err)
	}
	radius, err := parseFloat(q.Get("radius_km"))
	if err != nil {
		return domain.Coordinate{}, 0, domain.Validation(op, "radius_km: %v", err)
	}
	return domain.Coordinate{Lat: lat, Lng: lng}, radius, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("required")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

func parsePage(r *http.Request) (uint64, int, error) {
	const op = "parse query"
	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, domain.Validation(op, "after: not a sequence number: %q", v)
		}
		after = n
	}
	limit := defaultAlertLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, domain.Validation(op, "limit: must be a positive integer")
		}
		limit = min(n, maxAlertLimit)
	}
	return after, limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
