// Package geoindex provides radius lookup over coordinates bucketed by
// Web-Mercator tile.
//
// A radius query computes the spherical bounding box of the query disc,
// visits only the tiles overlapping it, and filters candidates by exact
// haversine distance. Boxes that cross the antimeridian are split in two and
// boxes that reach a pole sweep every longitude, so neither edge loses hits.
package geoindex

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// DefaultZoom gives tiles of roughly 4.9 km at the equator.
const DefaultZoom maptile.Zoom = 13

// maxQueryTiles bounds how many buckets one query may visit before it falls
// back to scanning every entry.
const maxQueryTiles = 4096

// Mercator tiles stop short of the poles.
const maxMercatorLat = 85.05112878

// Hit is one query result.
type Hit struct {
	ID         string
	Coordinate domain.Coordinate
	DistanceKm float64
}

// Index maps ids to coordinates. It is safe for concurrent use.
type Index struct {
	zoom maptile.Zoom

	mu      sync.RWMutex
	cells   map[maptile.Tile]map[string]domain.Coordinate
	entries map[string]maptile.Tile
}

// New creates an empty index. A zero zoom selects DefaultZoom.
func New(zoom maptile.Zoom) *Index {
	if zoom == 0 {
		zoom = DefaultZoom
	}
	return &Index{
		zoom:    zoom,
		cells:   make(map[maptile.Tile]map[string]domain.Coordinate),
		entries: make(map[string]maptile.Tile),
	}
}

// Insert places id at c, moving it if it is already present.
func (ix *Index) Insert(id string, c domain.Coordinate) {
	tile := TileAt(c, ix.zoom)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.entries[id]; ok {
		ix.removeLocked(id, old)
	}
	bucket, ok := ix.cells[tile]
	if !ok {
		bucket = make(map[string]domain.Coordinate)
		ix.cells[tile] = bucket
	}
	bucket[id] = c
	ix.entries[id] = tile
}

// Remove deletes id. It fails with a NotFound error when id is absent.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tile, ok := ix.entries[id]
	if !ok {
		return domain.NotFound("remove from geo index", "entry", id)
	}
	ix.removeLocked(id, tile)
	return nil
}

func (ix *Index) removeLocked(id string, tile maptile.Tile) {
	delete(ix.entries, id)
	bucket := ix.cells[tile]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(ix.cells, tile)
	}
}

// Get returns the coordinate stored for id.
func (ix *Index) Get(id string) (domain.Coordinate, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	tile, ok := ix.entries[id]
	if !ok {
		return domain.Coordinate{}, false
	}
	return ix.cells[tile][id], true
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// QueryRadius returns every entry within radiusKm of center, nearest first.
// Equal distances are ordered by id. A non-positive radius yields nothing.
func (ix *Index) QueryRadius(center domain.Coordinate, radiusKm float64) []Hit {
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return nil
	}

	tiles, ok := coveringTiles(center, radiusKm, ix.zoom, maxQueryTiles)

	ix.mu.RLock()
	var hits []Hit
	collect := func(bucket map[string]domain.Coordinate) {
		for id, c := range bucket {
			if d := domain.HaversineKm(center, c); d <= radiusKm {
				hits = append(hits, Hit{ID: id, Coordinate: c, DistanceKm: d})
			}
		}
	}
	if ok {
		for _, t := range tiles {
			if bucket, found := ix.cells[t]; found {
				collect(bucket)
			}
		}
	} else {
		for _, bucket := range ix.cells {
			collect(bucket)
		}
	}
	ix.mu.RUnlock()

	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return hits
}

// TileAt returns the tile containing c at zoom z. Latitudes beyond the
// Mercator limit fall in the outermost row.
func TileAt(c domain.Coordinate, z maptile.Zoom) maptile.Tile {
	lat := math.Max(-maxMercatorLat, math.Min(maxMercatorLat, c.Lat))
	lng := normalizeLng(c.Lng)
	if lng >= 180 {
		lng = math.Nextafter(180, 0)
	}
	return maptile.At(orb.Point{lng, lat}, z)
}

// Covering returns the tiles a radius query around center touches, or nil
// when the disc would cover more than limit tiles.
func Covering(center domain.Coordinate, radiusKm float64, z maptile.Zoom, limit int) []maptile.Tile {
	tiles, ok := coveringTiles(center, radiusKm, z, limit)
	if !ok {
		return nil
	}
	return tiles
}

func coveringTiles(center domain.Coordinate, radiusKm float64, z maptile.Zoom, limit int) ([]maptile.Tile, bool) {
	box := boundAround(center, radiusKm)

	top := TileAt(domain.Coordinate{Lat: box.maxLat, Lng: center.Lng}, z).Y
	bottom := TileAt(domain.Coordinate{Lat: box.minLat, Lng: center.Lng}, z).Y

	var cols [][2]uint32
	last := uint32(1)<<z - 1
	switch {
	case box.fullLng:
		cols = append(cols, [2]uint32{0, last})
	case box.minLng < -180:
		cols = append(cols,
			[2]uint32{TileAt(domain.Coordinate{Lng: box.minLng + 360}, z).X, last},
			[2]uint32{0, TileAt(domain.Coordinate{Lng: box.maxLng}, z).X})
	case box.maxLng > 180:
		cols = append(cols,
			[2]uint32{TileAt(domain.Coordinate{Lng: box.minLng}, z).X, last},
			[2]uint32{0, TileAt(domain.Coordinate{Lng: box.maxLng - 360}, z).X})
	default:
		cols = append(cols, [2]uint32{
			TileAt(domain.Coordinate{Lng: box.minLng}, z).X,
			TileAt(domain.Coordinate{Lng: box.maxLng}, z).X,
		})
	}

	rows := int(bottom-top) + 1
	count := 0
	for _, c := range cols {
		count += rows * (int(c[1]-c[0]) + 1)
	}
	if limit > 0 && count > limit {
		return nil, false
	}

	tiles := make([]maptile.Tile, 0, count)
	for y := top; y <= bottom; y++ {
		for _, c := range cols {
			for x := c[0]; x <= c[1]; x++ {
				tiles = append(tiles, maptile.New(x, y, z))
			}
		}
	}
	return tiles, true
}

type bound struct {
	minLat, maxLat float64
	minLng, maxLng float64 // may extend past ±180 when the box wraps
	fullLng        bool
}

// boundAround computes the lat/lng box enclosing the spherical disc of
// radiusKm around c (Chamberlain's bounding-circle method).
func boundAround(c domain.Coordinate, radiusKm float64) bound {
	angular := radiusKm / domain.EarthRadiusKm
	lat := c.Lat * math.Pi / 180

	minLat := lat - angular
	maxLat := lat + angular
	if minLat <= -math.Pi/2 || maxLat >= math.Pi/2 {
		return bound{
			minLat:  math.Max(minLat, -math.Pi/2) * 180 / math.Pi,
			maxLat:  math.Min(maxLat, math.Pi/2) * 180 / math.Pi,
			fullLng: true,
		}
	}

	ratio := math.Sin(angular) / math.Cos(lat)
	if ratio >= 1 {
		return bound{minLat: minLat * 180 / math.Pi, maxLat: maxLat * 180 / math.Pi, fullLng: true}
	}
	deltaLng := math.Asin(ratio) * 180 / math.Pi
	lng := normalizeLng(c.Lng)
	return bound{
		minLat: minLat * 180 / math.Pi,
		maxLat: maxLat * 180 / math.Pi,
		minLng: lng - deltaLng,
		maxLng: lng + deltaLng,
	}
}

// normalizeLng maps any longitude into [-180, 180].
func normalizeLng(lng float64) float64 {
	if lng >= -180 && lng <= 180 {
		return lng
	}
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}
