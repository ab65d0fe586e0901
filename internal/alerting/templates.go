package alerting

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/places"
)

// kindFor picks the alert kind for an event's current state.
func kindFor(state domain.EventState) domain.AlertKind {
	switch state {
	case domain.StateVerified:
		return domain.AlertHazard
	case domain.StateRejected:
		return domain.AlertAllClear
	default:
		return domain.AlertWarning
	}
}

func levelFor(kind domain.AlertKind, sev domain.Severity) domain.AlertLevel {
	if kind == domain.AlertAllClear {
		return domain.LevelInfo
	}
	return domain.LevelFor(sev)
}

func where(ev domain.HazardEvent) string {
	if ev.Address != "" {
		return ev.Address
	}
	return ev.Centroid.String()
}

func render(kind domain.AlertKind, ev domain.HazardEvent, escalated bool, nearby []places.Hit) (title, message string) {
	label := ev.Type.Label()
	switch kind {
	case domain.AlertHazard:
		title = fmt.Sprintf("%s verified near %s", label, where(ev))
		var b strings.Builder
		fmt.Fprintf(&b, "%s confirmed by %d reports. Severity: %s.", label, ev.MemberCount(), ev.CurrentSeverity)
		if len(nearby) > 0 {
			b.WriteString(" Nearest safe places:")
			for i, h := range nearby {
				if i > 0 {
					b.WriteString(";")
				}
				fmt.Fprintf(&b, " %s (%.1f km)", h.Place.Name, h.DistanceKm)
			}
			b.WriteString(".")
		}
		return title, b.String()

	case domain.AlertAllClear:
		title = fmt.Sprintf("All clear: %s near %s", strings.ToLower(label), where(ev))
		message = fmt.Sprintf("Earlier %s reports near %s could not be verified and have been withdrawn. No action is needed.",
			strings.ToLower(label), where(ev))
		return title, message

	default:
		if escalated {
			title = fmt.Sprintf("%s severity raised to %s near %s", label, ev.CurrentSeverity, where(ev))
		} else {
			title = fmt.Sprintf("Possible %s near %s", strings.ToLower(label), where(ev))
		}
		message = fmt.Sprintf("%d reports of %s (severity %s), not yet verified. Stay alert and avoid the area if you can.",
			ev.MemberCount(), strings.ToLower(label), ev.CurrentSeverity)
		return title, message
	}
}
