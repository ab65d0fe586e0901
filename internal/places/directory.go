// Package places is the directory of shelters, hospitals, high ground and
// emergency centres that alerts point people towards.
package places

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/couchcryptid/harbor-hazard-core/internal/geoindex"
	"gopkg.in/yaml.v3"
)

//go:embed mumbai.yaml
var mumbaiYAML []byte

// Hit is a place returned by a proximity query.
type Hit struct {
	Place      domain.SafePlace `json:"place"`
	DistanceKm float64          `json:"distance_km"`
}

// Directory indexes safe places by location. It is safe for concurrent use.
type Directory struct {
	index *geoindex.Index

	mu     sync.RWMutex
	places map[string]domain.SafePlace
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		index:  geoindex.New(0),
		places: make(map[string]domain.SafePlace),
	}
}

// Add validates p and stores it, replacing any place with the same id.
func (d *Directory) Add(p domain.SafePlace) error {
	const op = "add safe place"
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.ID == "":
		return domain.Validation(op, "id is required")
	case p.Name == "":
		return domain.Validation(op, "place %s: name is required", p.ID)
	case !p.Kind.Valid():
		return domain.Validation(op, "place %s: unknown type %q", p.ID, p.Kind)
	case !p.Coordinate.Valid():
		return domain.Validation(op, "place %s: coordinate %v out of range", p.ID, p.Coordinate)
	case p.Capacity < 0:
		return domain.Validation(op, "place %s: capacity must not be negative", p.ID)
	}

	d.mu.Lock()
	d.places[p.ID] = p
	d.mu.Unlock()
	d.index.Insert(p.ID, p.Coordinate)
	return nil
}

// Get returns the place with id.
func (d *Directory) Get(id string) (domain.SafePlace, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.places[id]
	if !ok {
		return domain.SafePlace{}, domain.NotFound("get safe place", "safe place", id)
	}
	return p, nil
}

// Len returns the number of places.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.places)
}

// QueryNear returns places within radiusKm of center, nearest first. When
// kinds is non-empty only those kinds are returned.
func (d *Directory) QueryNear(center domain.Coordinate, radiusKm float64, kinds ...domain.PlaceKind) []Hit {
	hits := d.index.QueryRadius(center, radiusKm)

	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		p, ok := d.places[h.ID]
		if !ok {
			continue
		}
		if len(kinds) > 0 && !slices.Contains(kinds, p.Kind) {
			continue
		}
		out = append(out, Hit{Place: p, DistanceKm: h.DistanceKm})
	}
	return out
}

type file struct {
	Places []domain.SafePlace `yaml:"places"`
}

// Load reads a YAML places document and adds every entry. It stops at the
// first invalid place.
func (d *Directory) Load(r io.Reader) (int, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return 0, fmt.Errorf("decode safe places: %w", err)
	}
	for i, p := range f.Places {
		if err := d.Add(p); err != nil {
			return i, err
		}
	}
	return len(f.Places), nil
}

// LoadFile loads places from a YAML file.
func (d *Directory) LoadFile(path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open safe places: %w", err)
	}
	defer fh.Close()
	return d.Load(fh)
}

// LoadDefaults loads the bundled Mumbai coastline places.
func (d *Directory) LoadDefaults() (int, error) {
	return d.Load(bytes.NewReader(mumbaiYAML))
}
