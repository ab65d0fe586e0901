package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseRawEvent deserializes a report-topic message into a submission.
// Malformed JSON and unparseable timestamps are validation errors so the
// pipeline can skip them as poison pills.
func ParseRawEvent(raw RawEvent) (HazardReportInput, error) {
	const op = "parse report message"

	var rec RawReportRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return HazardReportInput{}, &Error{Kind: KindValidation, Op: op, Err: err}
	}

	submittedAt := raw.Timestamp
	if ts := strings.TrimSpace(rec.Timestamp); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return HazardReportInput{}, Validation(op, "invalid timestamp %q", rec.Timestamp)
		}
		submittedAt = t
	}

	in := HazardReportInput{
		ID:          rec.ID,
		SubmitterID: rec.UserID,
		Type:        rec.Type,
		Severity:    rec.Severity,
		Address:     rec.Location.Address,
		Title:       rec.Title,
		Description: rec.Description,
		SubmittedAt: submittedAt.UTC(),
		Media:       rec.Media,
	}
	if rec.Location.Lat != nil && rec.Location.Lng != nil {
		in.Coordinate = &Coordinate{Lat: *rec.Location.Lat, Lng: *rec.Location.Lng}
	}
	// The message key only routes to a partition, so it is never an id.
	// Redeliveries of the same message map to the same report id.
	if in.ID == "" && raw.Topic != "" {
		in.ID = fmt.Sprintf("%s-%d-%d", raw.Topic, raw.Partition, raw.Offset)
	}
	return in, nil
}

// SerializeAlert encodes an alert for the alert topic. Messages are keyed by
// subscriber so one subscriber's alerts stay ordered within a partition.
func SerializeAlert(alert Alert) (OutputEvent, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize alert: %w", err)
	}
	return OutputEvent{
		Key:   []byte(alert.SubscriberID),
		Value: data,
		Headers: map[string]string{
			"kind":       string(alert.Kind),
			"level":      string(alert.Level),
			"event_id":   alert.EventID,
			"emitted_at": alert.EmittedAt.Format(time.RFC3339),
		},
	}, nil
}
