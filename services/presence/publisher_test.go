package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/location"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/services/grid"
)

var (
	testGridCfg = models.GridConfig{StepSeconds: 30}
	testPresCfg = models.PresenceConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		StaleThreshold:    4 * time.Minute,
		RecordTTL:         24 * time.Hour,
	}
)

func newTestPublisher(t *testing.T, uid string, role models.Role, store docstore.Store) *Publisher {
	t.Helper()
	return NewPublisher(uid, role, map[string]string{"vehicle": "motorcycle"}, store, testGridCfg, testPresCfg, logger.NewTestLogger())
}

func mustCellID(t *testing.T, lat, lng float64) string {
	t.Helper()
	cellID, err := grid.CellID(lat, lng, testGridCfg.StepSeconds)
	require.NoError(t, err)
	return cellID
}

func readPresence(t *testing.T, store docstore.Store, cellID, uid string) models.PresenceRecord {
	t.Helper()
	doc, err := store.Get(context.Background(), constants.PresenceCollection(cellID), uid)
	require.NoError(t, err)
	var record models.PresenceRecord
	require.NoError(t, doc.DataTo(&record))
	return record
}

func TestPublisher_PublishWritesCellRecord(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)

	point := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
	require.NoError(t, pub.Publish(context.Background(), point, ""))

	cellID := mustCellID(t, point.Latitude, point.Longitude)
	assert.Equal(t, cellID, pub.CurrentCellID())

	record := readPresence(t, store, cellID, "driver-1")
	assert.Equal(t, "driver-1", record.UID)
	assert.Equal(t, models.RoleDriver, record.Role)
	assert.Equal(t, cellID, record.CellID)
	assert.Equal(t, point.Latitude, record.Latitude)
	assert.Equal(t, point.Longitude, record.Longitude)
	assert.Equal(t, "motorcycle", record.Tags["vehicle"])
	assert.NotEmpty(t, record.Geohash)
	assert.True(t, record.ExpiresAt.After(record.LastSeen))
	assert.True(t, record.IsFresh(time.Now(), testPresCfg.StaleThreshold))
}

func TestPublisher_PublishInvalidCoordinate(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)

	err := pub.Publish(context.Background(), models.GeoPoint{Latitude: 91, Longitude: 0}, "")
	assert.ErrorIs(t, err, grid.ErrInvalidCoordinate)
	assert.Empty(t, pub.CurrentCellID())
}

func TestPublisher_CellMoveDeletesOldRecord(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)
	ctx := context.Background()

	// Two points far enough apart to land in different cells.
	first := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
	second := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0850}
	firstCell := mustCellID(t, first.Latitude, first.Longitude)
	secondCell := mustCellID(t, second.Latitude, second.Longitude)
	require.NotEqual(t, firstCell, secondCell)

	require.NoError(t, pub.Publish(ctx, first, ""))
	require.NoError(t, pub.Publish(ctx, second, ""))

	assert.Equal(t, secondCell, pub.CurrentCellID())
	_, err := store.Get(ctx, constants.PresenceCollection(firstCell), "driver-1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	readPresence(t, store, secondCell, "driver-1")
}

func TestPublisher_SameCellRefreshKeepsSingleRecord(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)
	ctx := context.Background()

	// Nearby points inside the same 30-arcsecond bucket.
	first := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
	second := models.GeoPoint{Latitude: 4.7338, Longitude: -74.0652}
	cellID := mustCellID(t, first.Latitude, first.Longitude)
	require.Equal(t, cellID, mustCellID(t, second.Latitude, second.Longitude))

	require.NoError(t, pub.Publish(ctx, first, ""))
	before := readPresence(t, store, cellID, "driver-1")
	require.NoError(t, pub.Publish(ctx, second, ""))
	after := readPresence(t, store, cellID, "driver-1")

	assert.Equal(t, second.Latitude, after.Latitude)
	assert.False(t, after.LastSeen.Before(before.LastSeen))
}

func TestPublisher_ActiveRequestID(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "client-1", models.RoleClient, store)
	ctx := context.Background()

	point := models.GeoPoint{Latitude: -34.6037, Longitude: -58.3816}
	require.NoError(t, pub.Publish(ctx, point, "req-42"))

	record := readPresence(t, store, pub.CurrentCellID(), "client-1")
	assert.Equal(t, "req-42", record.ActiveRequestID)

	require.NoError(t, pub.Publish(ctx, point, ""))
	record = readPresence(t, store, pub.CurrentCellID(), "client-1")
	assert.Empty(t, record.ActiveRequestID)
}

func TestPublisher_GoOfflineRemovesRecord(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)
	ctx := context.Background()

	point := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
	require.NoError(t, pub.Publish(ctx, point, ""))
	cellID := pub.CurrentCellID()

	require.NoError(t, pub.GoOffline(ctx))
	assert.Empty(t, pub.CurrentCellID())
	_, err := store.Get(ctx, constants.PresenceCollection(cellID), "driver-1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	// Going offline twice is harmless.
	assert.NoError(t, pub.GoOffline(ctx))
}

func TestPublisher_HeartbeatPublishesPeriodically(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)

	point := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
	provider := location.NewStaticProvider(point)

	require.NoError(t, pub.StartHeartbeat(provider, func() string { return "req-7" }))
	assert.Error(t, pub.StartHeartbeat(provider, nil))

	// The first beat fires before the ticker; give a couple of periods to
	// confirm the loop keeps refreshing.
	require.Eventually(t, func() bool {
		return pub.CurrentCellID() != ""
	}, time.Second, 5*time.Millisecond)

	cellID := pub.CurrentCellID()
	first := readPresence(t, store, cellID, "driver-1")
	assert.Equal(t, "req-7", first.ActiveRequestID)

	require.Eventually(t, func() bool {
		latest := readPresence(t, store, cellID, "driver-1")
		return latest.LastSeen.After(first.LastSeen)
	}, time.Second, 5*time.Millisecond)

	pub.Stop()

	// After Stop the record stays put but no longer refreshes.
	stopped := readPresence(t, store, cellID, "driver-1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped.LastSeen, readPresence(t, store, cellID, "driver-1").LastSeen)

	// A stopped publisher may be restarted.
	require.NoError(t, pub.StartHeartbeat(provider, nil))
	pub.Stop()
}

func TestPublisher_HeartbeatFollowsMovement(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	pub := newTestPublisher(t, "driver-1", models.RoleDriver, store)

	first := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0650}
	second := models.GeoPoint{Latitude: 4.7336, Longitude: -74.0850}
	firstCell := mustCellID(t, first.Latitude, first.Longitude)
	secondCell := mustCellID(t, second.Latitude, second.Longitude)

	provider := location.NewStaticProvider(first)
	require.NoError(t, pub.StartHeartbeat(provider, nil))
	defer pub.Stop()

	require.Eventually(t, func() bool {
		return pub.CurrentCellID() == firstCell
	}, time.Second, 5*time.Millisecond)

	provider.Move(second)

	require.Eventually(t, func() bool {
		return pub.CurrentCellID() == secondCell
	}, time.Second, 5*time.Millisecond)

	_, err := store.Get(context.Background(), constants.PresenceCollection(firstCell), "driver-1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
