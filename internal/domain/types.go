package domain

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// HazardType is the closed set of coastal hazards a report can describe.
type HazardType string

const (
	HazardFlood          HazardType = "flood"
	HazardHighWaves      HazardType = "high-waves"
	HazardStormSurge     HazardType = "storm-surge"
	HazardTsunami        HazardType = "tsunami"
	HazardCoastalErosion HazardType = "coastal-erosion"
	HazardAbnormalTide   HazardType = "abnormal-tide"
)

// HazardTypes lists every accepted hazard type in display order.
var HazardTypes = []HazardType{
	HazardFlood,
	HazardHighWaves,
	HazardStormSurge,
	HazardTsunami,
	HazardCoastalErosion,
	HazardAbnormalTide,
}

// Valid reports whether t is one of the accepted hazard types.
func (t HazardType) Valid() bool {
	return slices.Contains(HazardTypes, t)
}

// Label returns the human-readable name, e.g. "Storm Surge".
func (t HazardType) Label() string {
	parts := strings.Split(string(t), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// ParseHazardType normalizes and validates a hazard type string.
func ParseHazardType(s string) (HazardType, error) {
	t := HazardType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown hazard type %q", s)
	}
	return t, nil
}

// Severity is an ordered hazard severity. The zero value is unset.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return severityNames[s]
}

// Valid reports whether s is a set severity level.
func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityCritical
}

// ParseSeverity converts "low", "medium", "high" or "critical" to a Severity.
func ParseSeverity(s string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i := SeverityLow; i <= SeverityCritical; i++ {
		if severityNames[i] == v {
			return i, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", s)
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

func (s Severity) MarshalText() ([]byte, error) {
	if s == SeverityUnknown {
		return []byte{}, nil
	}
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = SeverityUnknown
		return nil
	}
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Coordinate is a WGS-84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and within range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// MediaKind is the type of an attached media reference.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points at externally stored media. The core never fetches it.
type MediaRef struct {
	Kind MediaKind `json:"type"`
	URL  string    `json:"url"`
}

// HazardReportInput is a report as submitted, before validation.
// Coordinate is optional when Address can be geocoded.
type HazardReportInput struct {
	ID          string      `json:"id,omitempty"`
	SubmitterID string      `json:"submitter_id"`
	Type        string      `json:"type"`
	Severity    string      `json:"severity"`
	Coordinate  *Coordinate `json:"coordinate,omitempty"`
	Address     string      `json:"address,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at,omitzero"`
	Media       []MediaRef  `json:"media,omitempty"`
}

// HazardReport is an accepted report. It is never mutated after acceptance;
// corrections arrive as new reports.
type HazardReport struct {
	ID          string     `json:"id"`
	SubmitterID string     `json:"submitter_id"`
	Type        HazardType `json:"type"`
	Severity    Severity   `json:"severity"`
	Coordinate  Coordinate `json:"coordinate"`
	Address     string     `json:"address,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Media       []MediaRef `json:"media,omitempty"`
}

// EventState is a hazard event's position in the verification lifecycle.
type EventState string

const (
	StateReported      EventState = "reported"
	StateCorroborating EventState = "corroborating"
	StateVerified      EventState = "verified"
	StateRejected      EventState = "rejected"
)

// Terminal reports whether the state accepts no further reports.
func (s EventState) Terminal() bool {
	return s == StateVerified || s == StateRejected
}

// HazardEvent is the deduplicated aggregate of one physical hazard.
// Values handed out by the engine are copies; mutating them has no effect.
type HazardEvent struct {
	ID              string     `json:"id"`
	Type            HazardType `json:"type"`
	CurrentSeverity Severity   `json:"severity"`
	Centroid        Coordinate `json:"centroid"`
	Address         string     `json:"address,omitempty"`
	MemberReportIDs []string   `json:"member_report_ids"`
	State           EventState `json:"state"`
	ConfidenceScore float64    `json:"confidence_score"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
}

// MemberCount is the number of reports aggregated into the event.
func (e HazardEvent) MemberCount() int {
	return len(e.MemberReportIDs)
}

// EventChange describes an update to a hazard event that subscribers may
// need to hear about: a state transition, a severity upgrade, or both.
type EventChange struct {
	Event        HazardEvent
	FromState    EventState
	FromSeverity Severity
}

// StateChanged reports whether the event moved to a new state.
func (c EventChange) StateChanged() bool { return c.Event.State != c.FromState }

// Escalated reports whether the event's severity increased.
func (c EventChange) Escalated() bool { return c.Event.CurrentSeverity > c.FromSeverity }

// Outcome is the verification result credited to a submitter.
type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeRejected Outcome = "rejected"
)

// UserCredibility is a submitter's trust record.
// Invariant: 0 <= VerifiedReports <= TotalReports.
type UserCredibility struct {
	UserID           string  `json:"user_id"`
	CredibilityScore float64 `json:"credibility_score"`
	TotalReports     int     `json:"total_reports"`
	VerifiedReports  int     `json:"verified_reports"`
	Tier             string  `json:"tier"`
}

// RejectedReports is the number of outcomes that were not verified.
func (u UserCredibility) RejectedReports() int {
	return u.TotalReports - u.VerifiedReports
}

// AlertSubscription is a subscriber's watch area.
type AlertSubscription struct {
	SubscriberID    string     `json:"subscriber_id"`
	WatchCoordinate Coordinate `json:"watch_coordinate"`
	RadiusKm        float64    `json:"radius_km"`
	MinSeverity     Severity   `json:"min_severity"`
}

// AlertKind mirrors the alert categories shown in the app.
type AlertKind string

const (
	AlertHazard   AlertKind = "hazard"
	AlertWarning  AlertKind = "warning"
	AlertAllClear AlertKind = "all-clear"
)

// AlertLevel is the display urgency of an alert.
type AlertLevel string

const (
	LevelInfo      AlertLevel = "info"
	LevelWarning   AlertLevel = "warning"
	LevelEmergency AlertLevel = "emergency"
)

// LevelFor maps a severity to its display level.
func LevelFor(s Severity) AlertLevel {
	switch {
	case s >= SeverityCritical:
		return LevelEmergency
	case s >= SeverityMedium:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Alert is an emitted, write-once notification for one subscriber.
type Alert struct {
	ID           string     `json:"id"`
	Sequence     uint64     `json:"sequence"`
	EventID      string     `json:"event_id"`
	SubscriberID string     `json:"subscriber_id"`
	Kind         AlertKind  `json:"kind"`
	Level        AlertLevel `json:"level"`
	HazardType   HazardType `json:"hazard_type"`
	Severity     Severity   `json:"severity"`
	State        EventState `json:"state"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Coordinate   Coordinate `json:"coordinate"`
	NearbyPlaces []string   `json:"nearby_places,omitempty"`
	EmittedAt    time.Time  `json:"emitted_at"`
}

// PlaceKind classifies a safe place.
type PlaceKind string

const (
	PlaceShelter         PlaceKind = "shelter"
	PlaceHospital        PlaceKind = "hospital"
	PlaceHighGround      PlaceKind = "high-ground"
	PlaceEmergencyCenter PlaceKind = "emergency-center"
)

// Valid reports whether k is a known place kind.
func (k PlaceKind) Valid() bool {
	switch k {
	case PlaceShelter, PlaceHospital, PlaceHighGround, PlaceEmergencyCenter:
		return true
	}
	return false
}

// SafePlace is a location people can move to during a hazard.
type SafePlace struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Kind       PlaceKind  `json:"type" yaml:"type"`
	Coordinate Coordinate `json:"coordinate" yaml:"coordinate"`
	Address    string     `json:"address,omitempty" yaml:"address"`
	Capacity   int        `json:"capacity,omitempty" yaml:"capacity"`
	Contact    string     `json:"contact,omitempty" yaml:"contact"`
	Facilities []string   `json:"facilities,omitempty" yaml:"facilities"`
}
