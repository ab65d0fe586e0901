package domain

import "math"

// EarthRadiusKm is the mean Earth radius used for all distance math.
const EarthRadiusKm = 6371.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLng := toRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Vector is a point on the unit sphere, or a sum of such points.
type Vector struct {
	X, Y, Z float64
}

// UnitVector projects c onto the unit sphere.
func (c Coordinate) UnitVector() Vector {
	lat := toRadians(c.Lat)
	lng := toRadians(c.Lng)
	return Vector{
		X: math.Cos(lat) * math.Cos(lng),
		Y: math.Cos(lat) * math.Sin(lng),
		Z: math.Sin(lat),
	}
}

// Add returns v + w.
func (v Vector) Add(w Vector) Vector {
	return Vector{X: v.X + w.X, Y: v.Y + w.Y, Z: v.Z + w.Z}
}

// Coordinate converts a (possibly unnormalized) vector back to degrees.
// The zero vector maps to 0,0.
func (v Vector) Coordinate() Coordinate {
	hyp := math.Hypot(v.X, v.Y)
	if hyp == 0 && v.Z == 0 {
		return Coordinate{}
	}
	return Coordinate{
		Lat: toDegrees(math.Atan2(v.Z, hyp)),
		Lng: toDegrees(math.Atan2(v.Y, v.X)),
	}
}
