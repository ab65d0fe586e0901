package places

import (
	"strings"
	"testing"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var worli = domain.Coordinate{Lat: 19.0176, Lng: 72.8162}

func TestDirectory_LoadDefaults(t *testing.T) {
	d := New()
	n, err := d.LoadDefaults()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, d.Len())

	p, err := d.Get("kem-hospital")
	require.NoError(t, err)
	assert.Equal(t, domain.PlaceHospital, p.Kind)
	assert.Equal(t, 200, p.Capacity)
	assert.InDelta(t, 18.9894, p.Coordinate.Lat, 1e-9)
	assert.Contains(t, p.Facilities, "Blood Bank")
}

func TestDirectory_QueryNear(t *testing.T) {
	d := New()
	_, err := d.LoadDefaults()
	require.NoError(t, err)

	hits := d.QueryNear(worli, 10)
	require.NotEmpty(t, hits)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].DistanceKm, hits[i].DistanceKm)
	}
	assert.Equal(t, "shivaji-park-cc", hits[0].Place.ID)

	hospitals := d.QueryNear(worli, 10, domain.PlaceHospital)
	require.Len(t, hospitals, 1)
	assert.Equal(t, "kem-hospital", hospitals[0].Place.ID)

	assert.Empty(t, d.QueryNear(worli, 0))
}

func TestDirectory_Add_Validation(t *testing.T) {
	d := New()
	valid := domain.SafePlace{ID: "p1", Name: "Dock shelter", Kind: domain.PlaceShelter, Coordinate: worli}

	tests := []struct {
		name   string
		modify func(p *domain.SafePlace)
	}{
		{"missing id", func(p *domain.SafePlace) { p.ID = " " }},
		{"missing name", func(p *domain.SafePlace) { p.Name = "" }},
		{"unknown kind", func(p *domain.SafePlace) { p.Kind = "bunker" }},
		{"bad coordinate", func(p *domain.SafePlace) { p.Coordinate.Lat = 91 }},
		{"negative capacity", func(p *domain.SafePlace) { p.Capacity = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.modify(&p)
			require.ErrorIs(t, d.Add(p), domain.ErrValidation)
		})
	}

	require.NoError(t, d.Add(valid))
	assert.Equal(t, 1, d.Len())
}

func TestDirectory_Get_NotFound(t *testing.T) {
	_, err := New().Get("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDirectory_Load_InvalidYAML(t *testing.T) {
	_, err := New().Load(strings.NewReader("places: [:"))
	require.Error(t, err)
}

func TestDirectory_Load_Empty(t *testing.T) {
	n, err := New().Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)
}
