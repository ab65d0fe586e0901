package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func openTestArchive(t *testing.T) (*Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.db")
	a, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, path
}

func testAlert(seq uint64, subscriber string) domain.Alert {
	return domain.Alert{
		ID:           fmt.Sprintf("alert-%d", seq),
		Sequence:     seq,
		EventID:      "evt-00000001",
		SubscriberID: subscriber,
		Kind:         domain.AlertHazard,
		Level:        domain.LevelWarning,
		HazardType:   domain.HazardFlood,
		Severity:     domain.SeverityHigh,
		State:        domain.StateVerified,
		Title:        "Flood verified near Marine Drive",
		Coordinate:   domain.Coordinate{Lat: 19.076, Lng: 72.8777},
		NearbyPlaces: []string{"Shivaji Park Community Centre"},
		EmittedAt:    time.Date(2024, 9, 24, 11, 0, int(seq), 0, time.UTC),
	}
}

// --- tests ---

func TestArchive_PublishAndSince(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	alerts := []domain.Alert{testAlert(1, "promenade"), testAlert(2, "colaba"), testAlert(3, "promenade")}
	require.NoError(t, a.Publish(ctx, alerts))

	got, err := a.Since(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, alerts[0], got[0])
	assert.Equal(t, uint64(3), got[2].Sequence)

	got, err = a.Since(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alert-2", got[0].ID)

	last, err := a.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestArchive_PublishIsIdempotent(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Publish(ctx, []domain.Alert{testAlert(1, "promenade")}))
	require.NoError(t, a.Publish(ctx, []domain.Alert{testAlert(1, "promenade"), testAlert(2, "promenade")}))

	got, err := a.Since(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestArchive_SurvivesReopen(t *testing.T) {
	a, path := openTestArchive(t)
	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, []domain.Alert{testAlert(7, "promenade")}))
	require.NoError(t, a.Close())

	reopened, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)
}

func TestArchive_EmptyLastSequence(t *testing.T) {
	a, _ := openTestArchive(t)
	last, err := a.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
	assert.Equal(t, "sqlite", a.Name())
	require.NoError(t, a.Publish(context.Background(), nil))
}
