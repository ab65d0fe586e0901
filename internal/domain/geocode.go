package domain

import (
	"context"
	"log/slog"
)

// EnrichWithGeocoding fills the missing half of a submission's location.
// A report with an address but no coordinate is forward geocoded; a report
// with a coordinate but no address is reverse geocoded. Geocoding failures
// degrade gracefully: the input is returned unchanged and validation decides
// whether it is still acceptable.
func EnrichWithGeocoding(ctx context.Context, in HazardReportInput, geocoder Geocoder, logger *slog.Logger) HazardReportInput {
	if geocoder == nil {
		return in
	}

	// Forward geocode: address → coordinate (when the coordinate is missing).
	if in.Coordinate == nil {
		if in.Address == "" {
			return in
		}
		result, err := geocoder.ForwardGeocode(ctx, in.Address)
		if err != nil {
			logger.Warn("forward geocoding failed",
				"report_id", in.ID,
				"address", in.Address,
				"error", err,
			)
			return in
		}
		if result.Lat != 0 || result.Lng != 0 {
			in.Coordinate = &Coordinate{Lat: result.Lat, Lng: result.Lng}
		}
		return in
	}

	// Reverse geocode: coordinate → address (when the address is missing).
	if in.Address != "" || !in.Coordinate.Valid() {
		return in
	}
	result, err := geocoder.ReverseGeocode(ctx, in.Coordinate.Lat, in.Coordinate.Lng)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"report_id", in.ID,
			"lat", in.Coordinate.Lat,
			"lng", in.Coordinate.Lng,
			"error", err,
		)
		return in
	}
	in.Address = result.FormattedAddress
	return in
}
