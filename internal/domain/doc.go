// Package domain models crowd-submitted coastal hazard reports and the
// canonical hazard events, credibility records, subscriptions and alerts
// derived from them.
//
// # Hazard Types
//
// Six hazard types are accepted, matching the reporting form of the mobile
// app: flood, high-waves, storm-surge, tsunami, coastal-erosion and
// abnormal-tide. Any other value is a validation error at ingestion.
//
// # Severity
//
// Severity is an ordered scale: low < medium < high < critical. It is stored
// as an integer so comparisons use the scale order, never string equality.
// The zero value means "unset" and never passes validation.
//
// # Coordinates
//
// Coordinates are WGS-84 degrees. Distances use the haversine formula on a
// sphere of mean radius 6371 km, which stays correct across the antimeridian
// and near the poles. Event centroids are the normalized mean of member unit
// vectors rather than an arithmetic mean of degrees, so a cluster straddling
// 180° longitude does not collapse to 0°.
//
// # Event Lifecycle
//
//	reported ──(2 members)──▶ corroborating ──(confidence ≥ 0.6, 3 members)──▶ verified
//	                               │
//	                               └──(confidence < 0.25, 5 members)──▶ rejected
//
// Verified and rejected are terminal. Reports arriving near a terminal event
// start a new event instead of reopening it.
//
// # Alerts
//
// Alerts use the three kinds shown by the app: hazard (event verified),
// warning (corroborating or escalating) and all-clear (event rejected, sent
// as a retraction). Display level is derived from severity:
//
//	low → info | medium, high → warning | critical → emergency
//
// # Errors
//
// Every error returned across a package boundary carries a [Kind] so callers
// can branch with errors.Is against [ErrValidation], [ErrNotFound],
// [ErrConflict] or [ErrRateLimited] without parsing messages.
package domain
