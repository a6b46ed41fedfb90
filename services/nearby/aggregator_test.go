package nearby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/services/grid"
)

var (
	testGridCfg = models.GridConfig{StepSeconds: 30}
	testPresCfg = models.PresenceConfig{
		HeartbeatInterval: 3 * time.Minute,
		StaleThreshold:    4 * time.Minute,
		RecordTTL:         24 * time.Hour,
	}
	// Reference point in Bogotá used by all aggregator tests.
	testReference = models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
)

func seedPresence(t *testing.T, store docstore.Store, uid string, role models.Role, point models.GeoPoint, lastSeen time.Time) string {
	t.Helper()
	cellID, err := grid.CellID(point.Latitude, point.Longitude, testGridCfg.StepSeconds)
	require.NoError(t, err)
	record := models.PresenceRecord{
		UID:       uid,
		Role:      role,
		LastSeen:  lastSeen,
		ExpiresAt: lastSeen.Add(testPresCfg.RecordTTL),
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		CellID:    cellID,
		UpdatedAt: lastSeen,
	}
	require.NoError(t, store.Set(context.Background(), constants.PresenceCollection(cellID), uid, record))
	return cellID
}

func TestAggregator_CountsFreshRoleMatches(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	seedPresence(t, store, "driver-1", models.RoleDriver, testReference, now)
	seedPresence(t, store, "driver-2", models.RoleDriver, testReference, now.Add(-time.Minute))
	seedPresence(t, store, "client-1", models.RoleClient, testReference, now)

	agg, err := NewAggregator(context.Background(), testReference, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer agg.Dispose()

	assert.Equal(t, 2, agg.Count())

	records := agg.FreshRecords()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, models.RoleDriver, r.Role)
	}
}

func TestAggregator_StaleRecordsExcluded(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	seedPresence(t, store, "fresh", models.RoleDriver, testReference, now)
	// Silent past the staleness window but nowhere near the 24h expiry. The
	// record still exists in the store yet must not be counted.
	seedPresence(t, store, "silent", models.RoleDriver, testReference, now.Add(-10*time.Minute))

	agg, err := NewAggregator(context.Background(), testReference, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer agg.Dispose()

	assert.Equal(t, 1, agg.Count())
}

func TestAggregator_CoversNeighborCells(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	// A driver roughly one cell east still counts; one far across town does not.
	seedPresence(t, store, "near", models.RoleDriver, models.GeoPoint{Latitude: 4.7336, Longitude: -74.0580}, now)
	farCell := seedPresence(t, store, "far", models.RoleDriver, models.GeoPoint{Latitude: 4.8000, Longitude: -74.2000}, now)

	centerCell, err := grid.CellID(testReference.Latitude, testReference.Longitude, testGridCfg.StepSeconds)
	require.NoError(t, err)
	require.NotEqual(t, centerCell, farCell)

	agg, err := NewAggregator(context.Background(), testReference, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer agg.Dispose()

	assert.Equal(t, 1, agg.Count())
	records := agg.FreshRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "near", records[0].UID)
}

func TestAggregator_UpdatesOnPresenceChange(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	now := time.Now().UTC()

	agg, err := NewAggregator(context.Background(), testReference, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer agg.Dispose()

	require.Equal(t, 0, agg.Count())

	cellID := seedPresence(t, store, "driver-1", models.RoleDriver, testReference, now)

	require.Eventually(t, func() bool { return agg.Count() == 1 }, time.Second, 5*time.Millisecond)

	select {
	case count := <-agg.Updates():
		assert.Equal(t, 1, count)
	case <-time.After(time.Second):
		t.Fatal("expected an update after a presence write")
	}

	require.NoError(t, store.Delete(context.Background(), constants.PresenceCollection(cellID), "driver-1"))
	require.Eventually(t, func() bool { return agg.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAggregator_RefreshRecounts(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	// Fresh at subscription time, stale shortly after. Refresh re-applies the
	// staleness cut without waiting for a store event.
	seedPresence(t, store, "fading", models.RoleDriver, testReference, time.Now().UTC().Add(-testPresCfg.StaleThreshold).Add(50*time.Millisecond))

	agg, err := NewAggregator(context.Background(), testReference, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer agg.Dispose()

	require.Equal(t, 1, agg.Count())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, agg.Refresh())
}

func TestAggregator_DisposeIsIdempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	agg, err := NewAggregator(context.Background(), testReference, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	require.NoError(t, err)

	agg.Dispose()
	agg.Dispose()

	// Writes after Dispose must not panic the closed updates channel.
	seedPresence(t, store, "driver-1", models.RoleDriver, testReference, time.Now().UTC())

	_, open := <-agg.Updates()
	assert.False(t, open)
}

func TestAggregator_InvalidReference(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()

	_, err := NewAggregator(context.Background(), models.GeoPoint{Latitude: 200, Longitude: 0}, models.RoleDriver, store, testGridCfg, testPresCfg, logger.NewTestLogger())
	assert.ErrorIs(t, err, grid.ErrInvalidCoordinate)
}
