package dedup

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
)

// Policy controls when a report joins an existing event.
type Policy struct {
	MergeRadiusKm          float64                       `yaml:"merge_radius_km"`
	MergeRadiusByType      map[domain.HazardType]float64 `yaml:"merge_radius_by_type"`
	MaxCentroidDeviationKm float64                       `yaml:"max_centroid_deviation_km"`
	DeviationByType        map[domain.HazardType]float64 `yaml:"max_centroid_deviation_by_type"`
	MaxAttempts            int                           `yaml:"max_attempts"`
}

// DefaultPolicy merges within 1 km, except tsunamis which span a coastline.
func DefaultPolicy() Policy {
	return Policy{
		MergeRadiusKm:          1,
		MergeRadiusByType:      map[domain.HazardType]float64{domain.HazardTsunami: 25},
		MaxCentroidDeviationKm: 0.5,
		DeviationByType:        map[domain.HazardType]float64{domain.HazardTsunami: 12.5},
		MaxAttempts:            3,
	}
}

// RadiusFor returns the merge radius for t.
func (p Policy) RadiusFor(t domain.HazardType) float64 {
	if r, ok := p.MergeRadiusByType[t]; ok {
		return r
	}
	return p.MergeRadiusKm
}

// DeviationFor returns how far the centroid may drift from any member of a t event.
func (p Policy) DeviationFor(t domain.HazardType) float64 {
	if d, ok := p.DeviationByType[t]; ok {
		return d
	}
	return p.MaxCentroidDeviationKm
}

// Validate rejects non-positive distances and unknown hazard types.
func (p Policy) Validate() error {
	if p.MergeRadiusKm <= 0 {
		return errors.New("merge_radius_km must be positive")
	}
	if p.MaxCentroidDeviationKm <= 0 {
		return errors.New("max_centroid_deviation_km must be positive")
	}
	if p.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	for t, r := range p.MergeRadiusByType {
		if !t.Valid() {
			return fmt.Errorf("merge_radius_by_type: unknown hazard type %q", t)
		}
		if r <= 0 {
			return fmt.Errorf("merge_radius_by_type[%s] must be positive", t)
		}
	}
	for t, d := range p.DeviationByType {
		if !t.Valid() {
			return fmt.Errorf("max_centroid_deviation_by_type: unknown hazard type %q", t)
		}
		if d <= 0 {
			return fmt.Errorf("max_centroid_deviation_by_type[%s] must be positive", t)
		}
	}
	return nil
}
