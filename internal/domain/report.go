package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 4000
	maxMediaRefs      = 10
)

// NewReport validates a submission and converts it into an accepted report.
// A missing ID is filled with a random UUID and a zero SubmittedAt with the
// current clock time. Every failure is a KindValidation error.
func NewReport(in HazardReportInput) (HazardReport, error) {
	const op = "validate report"

	submitter := strings.TrimSpace(in.SubmitterID)
	if submitter == "" {
		return HazardReport{}, Validation(op, "submitter id is required")
	}

	if strings.TrimSpace(in.Type) == "" {
		return HazardReport{}, Validation(op, "hazard type is required")
	}
	hazardType, err := ParseHazardType(in.Type)
	if err != nil {
		return HazardReport{}, Validation(op, "%v", err)
	}

	if strings.TrimSpace(in.Severity) == "" {
		return HazardReport{}, Validation(op, "severity is required")
	}
	severity, err := ParseSeverity(in.Severity)
	if err != nil {
		return HazardReport{}, Validation(op, "%v", err)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return HazardReport{}, Validation(op, "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return HazardReport{}, Validation(op, "title exceeds %d characters", maxTitleLen)
	}
	description := strings.TrimSpace(in.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return HazardReport{}, Validation(op, "description exceeds %d characters", maxDescriptionLen)
	}

	if in.Coordinate == nil {
		return HazardReport{}, Validation(op, "coordinate is required")
	}
	if !in.Coordinate.Valid() {
		return HazardReport{}, Validation(op, "coordinate %v out of range", *in.Coordinate)
	}

	if len(in.Media) > maxMediaRefs {
		return HazardReport{}, Validation(op, "at most %d media references allowed", maxMediaRefs)
	}
	var media []MediaRef
	for i, m := range in.Media {
		if m.Kind != MediaImage && m.Kind != MediaVideo {
			return HazardReport{}, Validation(op, "media[%d]: unknown type %q", i, m.Kind)
		}
		if strings.TrimSpace(m.URL) == "" {
			return HazardReport{}, Validation(op, "media[%d]: url is required", i)
		}
		media = append(media, m)
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	submittedAt := in.SubmittedAt.UTC()
	if in.SubmittedAt.IsZero() {
		submittedAt = Now()
	}

	return HazardReport{
		ID:          id,
		SubmitterID: submitter,
		Type:        hazardType,
		Severity:    severity,
		Coordinate:  *in.Coordinate,
		Address:     strings.TrimSpace(in.Address),
		Title:       title,
		Description: description,
		SubmittedAt: submittedAt,
		Media:       media,
	}, nil
}
