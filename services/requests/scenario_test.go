package requests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/services/nearby"
	"github.com/rideloka/geocell/services/presence"
)

// TestRideFlow walks the full happy path on one shared store: both parties
// publish presence, the client sees a nearby driver and opens a request, the
// driver's search finds and claims it and both sides complete the ride.
func TestRideFlow(t *testing.T) {
	store := docstore.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	cfg := testConfig()
	log := logger.NewTestLogger()

	presCfg := models.PresenceConfig{
		HeartbeatInterval: 3 * time.Minute,
		StaleThreshold:    4 * time.Minute,
		RecordTTL:         24 * time.Hour,
	}

	clientPoint := testPickup
	driverPoint := driverReference // one cell over

	// Both actors come online.
	clientPub := presence.NewPublisher("client-1", models.RoleClient, nil, store, cfg.Grid, presCfg, log)
	driverPub := presence.NewPublisher("driver-a", models.RoleDriver, map[string]string{"vehicle": "motorcycle"}, store, cfg.Grid, presCfg, log)
	require.NoError(t, clientPub.Publish(ctx, clientPoint, ""))
	require.NoError(t, driverPub.Publish(ctx, driverPoint, ""))

	// The client sees one driver in the neighborhood.
	agg, err := nearby.NewAggregator(ctx, clientPoint, models.RoleDriver, store, cfg.Grid, presCfg, log)
	require.NoError(t, err)
	defer agg.Dispose()
	require.Equal(t, 1, agg.Count())

	// Client opens a request; driver's search starts narrow and widens.
	clientIdx := NewIndex("client-1", store, cfg, nil, nil, log)
	driverIdx := NewIndex("driver-a", store, cfg, nil, nil, log)

	record, err := clientIdx.CreateRequest(ctx, clientPoint, &testDropoff)
	require.NoError(t, err)
	require.NoError(t, clientPub.Publish(ctx, clientPoint, record.RequestID))

	finder, err := NewFinder(ctx, driverPoint, store, cfg.Grid, cfg.Discovery, log)
	require.NoError(t, err)
	defer finder.Stop()

	require.Empty(t, finder.Fresh())
	require.Eventually(t, func() bool {
		fresh := finder.Fresh()
		return len(fresh) == 1 && fresh[0].RequestID == record.RequestID
	}, time.Second, 5*time.Millisecond)

	// Driver claims the request and both parties confirm completion.
	claimed, err := driverIdx.Assign(ctx, record.CellID, record.RequestID)
	require.NoError(t, err)
	require.Equal(t, "driver-a", claimed.AssignedDriverUID)

	done, err := driverIdx.Complete(ctx, record.CellID, record.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCompleted, done.Status)
	again, err := clientIdx.Complete(ctx, record.CellID, record.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCompleted, again.Status)

	// A completed request no longer surfaces to other drivers.
	assert.Empty(t, finder.Fresh())

	require.NoError(t, clientPub.GoOffline(ctx))
	require.NoError(t, driverPub.GoOffline(ctx))
	assert.Equal(t, 0, agg.Refresh())
}
