package domain

import (
	"context"
	"time"
)

// RawReportRecord is the JSON shape of a report submission on the report
// topic. It follows the mobile app's report payload.
type RawReportRecord struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	Type        string      `json:"type"`
	Severity    string      `json:"severity"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Location    RawLocation `json:"location"`
	Timestamp   string      `json:"timestamp"` // RFC 3339; empty uses the message time
	Media       []MediaRef  `json:"media,omitempty"`
}

// RawLocation carries optional coordinates and a free-text address.
type RawLocation struct {
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	Address string   `json:"address,omitempty"`
}

// RawEvent represents an unprocessed message from the report topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// OutputEvent is the serialized form destined for the alert topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}
