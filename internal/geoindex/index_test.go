package geoindex

import (
	"fmt"
	"sync"
	"testing"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var marineDrive = domain.Coordinate{Lat: 19.0760, Lng: 72.8777}

// offsetNorth returns a point km kilometres due north of c.
func offsetNorth(c domain.Coordinate, km float64) domain.Coordinate {
	return domain.Coordinate{Lat: c.Lat + km/111.19492664, Lng: c.Lng}
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestIndex_QueryRadius_OrderedByDistance(t *testing.T) {
	ix := New(0)
	ix.Insert("far", offsetNorth(marineDrive, 3))
	ix.Insert("near", offsetNorth(marineDrive, 0.5))
	ix.Insert("mid", offsetNorth(marineDrive, 1.5))
	ix.Insert("outside", offsetNorth(marineDrive, 10))

	hits := ix.QueryRadius(marineDrive, 5)

	assert.Equal(t, []string{"near", "mid", "far"}, ids(hits))
	assert.InDelta(t, 0.5, hits[0].DistanceKm, 1e-6)
}

func TestIndex_QueryRadius_TiesBrokenByID(t *testing.T) {
	ix := New(0)
	p := offsetNorth(marineDrive, 0.2)
	ix.Insert("b", p)
	ix.Insert("a", p)
	ix.Insert("c", p)

	assert.Equal(t, []string{"a", "b", "c"}, ids(ix.QueryRadius(marineDrive, 1)))
}

func TestIndex_QueryRadius_NonPositiveRadius(t *testing.T) {
	ix := New(0)
	ix.Insert("x", marineDrive)

	assert.Empty(t, ix.QueryRadius(marineDrive, 0))
	assert.Empty(t, ix.QueryRadius(marineDrive, -3))
}

func TestIndex_QueryRadius_CrossesTileBoundaries(t *testing.T) {
	ix := New(16) // ~600 m tiles so a 2 km query spans many buckets
	for i := 0; i < 20; i++ {
		ix.Insert(fmt.Sprintf("p%02d", i), offsetNorth(marineDrive, float64(i)*0.1))
	}

	hits := ix.QueryRadius(marineDrive, 1.05)
	assert.Len(t, hits, 11)
}

func TestIndex_QueryRadius_Antimeridian(t *testing.T) {
	ix := New(0)
	ix.Insert("east", domain.Coordinate{Lat: -16.5, Lng: 179.99})
	ix.Insert("west", domain.Coordinate{Lat: -16.5, Lng: -179.99})

	hits := ix.QueryRadius(domain.Coordinate{Lat: -16.5, Lng: 179.995}, 5)
	assert.ElementsMatch(t, []string{"east", "west"}, ids(hits))

	hits = ix.QueryRadius(domain.Coordinate{Lat: -16.5, Lng: -179.995}, 5)
	assert.ElementsMatch(t, []string{"east", "west"}, ids(hits))
}

func TestIndex_QueryRadius_NearPole(t *testing.T) {
	ix := New(0)
	ix.Insert("a", domain.Coordinate{Lat: 89.95, Lng: 0})
	ix.Insert("b", domain.Coordinate{Lat: 89.95, Lng: 180})
	ix.Insert("c", domain.Coordinate{Lat: 89.95, Lng: -90})

	hits := ix.QueryRadius(domain.Coordinate{Lat: 90, Lng: 0}, 10)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(hits))
}

func TestIndex_QueryRadius_HugeRadiusScansEverything(t *testing.T) {
	ix := New(0)
	ix.Insert("mumbai", marineDrive)
	ix.Insert("chennai", domain.Coordinate{Lat: 13.0827, Lng: 80.2707})

	hits := ix.QueryRadius(marineDrive, 2000)
	assert.Equal(t, []string{"mumbai", "chennai"}, ids(hits))
}

func TestIndex_InsertMoves(t *testing.T) {
	ix := New(0)
	ix.Insert("x", marineDrive)
	moved := domain.Coordinate{Lat: 13.0827, Lng: 80.2707}
	ix.Insert("x", moved)

	assert.Equal(t, 1, ix.Len())
	assert.Empty(t, ix.QueryRadius(marineDrive, 5))
	got, ok := ix.Get("x")
	require.True(t, ok)
	assert.Equal(t, moved, got)
}

func TestIndex_Remove(t *testing.T) {
	ix := New(0)
	ix.Insert("x", marineDrive)

	require.NoError(t, ix.Remove("x"))
	assert.Zero(t, ix.Len())
	assert.Empty(t, ix.QueryRadius(marineDrive, 5))

	err := ix.Remove("x")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIndex_ConcurrentInsertQuery(t *testing.T) {
	ix := New(0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ix.Insert(fmt.Sprintf("w%d-%d", w, i), offsetNorth(marineDrive, float64(i)*0.01))
				ix.QueryRadius(marineDrive, 1)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, ix.Len())
}

func TestCovering_SmallRadiusFewTiles(t *testing.T) {
	tiles := Covering(marineDrive, 1, DefaultZoom, 0)
	require.NotEmpty(t, tiles)
	assert.LessOrEqual(t, len(tiles), 4)
	assert.Contains(t, tiles, TileAt(marineDrive, DefaultZoom))
}

func TestCovering_LimitExceeded(t *testing.T) {
	assert.Nil(t, Covering(marineDrive, 500, 16, 100))
}
