package geoindex

import (
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"sync"

	"github.com/paulmach/orb/maptile"
)

const defaultStripes = 1024

// equatorKm is the Earth's circumference, the width of the zoom 0 tile.
const equatorKm = 2 * math.Pi * 6371.0

// LockZoom returns the deepest zoom whose tiles are at least twice radiusKm
// wide at the equator, capped at DefaultZoom+2. A merge disc then touches only
// a handful of lock cells.
func LockZoom(radiusKm float64) maptile.Zoom {
	if radiusKm <= 0 {
		return DefaultZoom
	}
	z := math.Floor(math.Log2(equatorKm / (2 * radiusKm)))
	return maptile.Zoom(min(max(z, 0), float64(DefaultZoom+2)))
}

// CellLocks serializes work on geographic cells. Cells hash onto a fixed set
// of mutex stripes; a caller locking several cells acquires their stripes in
// ascending order so overlapping lock sets cannot deadlock.
type CellLocks struct {
	stripes []sync.Mutex
}

// NewCellLocks creates a lock table with n stripes (defaultStripes when n <= 0).
func NewCellLocks(n int) *CellLocks {
	if n <= 0 {
		n = defaultStripes
	}
	return &CellLocks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires every stripe covering the given cells within namespace and
// returns a function that releases them.
func (l *CellLocks) Lock(namespace string, tiles []maptile.Tile) (unlock func()) {
	idx := make([]int, 0, len(tiles))
	for _, t := range tiles {
		idx = append(idx, l.stripe(namespace, t))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.stripes[idx[i]].Unlock()
		}
	}
}

func (l *CellLocks) stripe(namespace string, t maptile.Tile) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d/%d/%d", namespace, t.Z, t.X, t.Y)
	return int(h.Sum32() % uint32(len(l.stripes)))
}
