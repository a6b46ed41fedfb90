// Package presence publishes an actor's live location into the correct cell
// bucket and keeps it fresh with a periodic heartbeat.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/location"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/internal/utils"
	"github.com/rideloka/geocell/services/grid"
)

// ActiveRequestProvider reports the request id the actor is currently bound
// to, empty when idle. Optional.
type ActiveRequestProvider func() string

// Publisher owns this actor's presence document: it is the only component
// allowed to write it, per the shared-resource policy.
type Publisher struct {
	store    docstore.Store
	log      *logrus.Entry
	uid      string
	role     models.Role
	tags     map[string]string
	stepSecs int
	presCfg  models.PresenceConfig

	mu         sync.Mutex
	lastCellID string

	hbCtx    context.Context
	hbCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewPublisher creates a presence publisher for one actor.
func NewPublisher(uid string, role models.Role, tags map[string]string, store docstore.Store, gridCfg models.GridConfig, presCfg models.PresenceConfig, appLogger *logger.AppLogger) *Publisher {
	stepSecs := gridCfg.StepSeconds
	if stepSecs == 0 {
		stepSecs = grid.DefaultStepSeconds
	}
	return &Publisher{
		store:    store,
		log:      appLogger.WithComponent("presence.publisher").WithField("uid", uid),
		uid:      uid,
		role:     role,
		tags:     tags,
		stepSecs: stepSecs,
		presCfg:  presCfg,
	}
}

// Publish writes the actor's current location into its cell bucket. When the
// point quantizes to a new cell the old cell's record is deleted best-effort
// first; a failed delete is only logged since the stale record ages out via
// staleness filtering and store expiry.
func (p *Publisher) Publish(ctx context.Context, point models.GeoPoint, activeRequestID string) error {
	cellID, err := grid.CellID(point.Latitude, point.Longitude, p.stepSecs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := models.PresenceRecord{
		UID:             p.uid,
		Role:            p.role,
		LastSeen:        now,
		ExpiresAt:       now.Add(p.presCfg.RecordTTL),
		Latitude:        point.Latitude,
		Longitude:       point.Longitude,
		CellID:          cellID,
		Geohash:         utils.EncodeGeohash(point),
		ActiveRequestID: activeRequestID,
		Tags:            p.tags,
		UpdatedAt:       now,
	}

	p.mu.Lock()
	previous := p.lastCellID
	p.lastCellID = cellID
	p.mu.Unlock()

	if previous != "" && previous != cellID {
		if err := p.store.Delete(ctx, constants.PresenceCollection(previous), p.uid); err != nil {
			p.log.WithError(err).WithField("cell_id", previous).Warn("Failed to delete presence from previous cell")
		}
	}

	if err := p.store.Set(ctx, constants.PresenceCollection(cellID), p.uid, record); err != nil {
		p.log.WithError(err).WithField("cell_id", cellID).Error("Failed to publish presence")
		return err
	}
	return nil
}

// StartHeartbeat publishes immediately and then on a fixed period until Stop
// or GoOffline is called.
func (p *Publisher) StartHeartbeat(provider location.Provider, activeRequest ActiveRequestProvider) error {
	p.mu.Lock()
	if p.hbCtx != nil {
		p.mu.Unlock()
		return errors.New("presence heartbeat is already running")
	}
	p.hbCtx, p.hbCancel = context.WithCancel(context.Background())
	ctx := p.hbCtx
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeatLoop(ctx, provider, activeRequest)
	}()

	p.log.WithField("interval", p.presCfg.HeartbeatInterval.String()).Info("Presence heartbeat started")
	return nil
}

// Stop cancels the heartbeat without touching the presence record; use
// GoOffline to also remove it.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if p.hbCancel != nil {
		p.hbCancel()
		p.hbCtx = nil
		p.hbCancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// GoOffline cancels the heartbeat and deletes the actor's presence record.
func (p *Publisher) GoOffline(ctx context.Context) error {
	p.Stop()

	p.mu.Lock()
	cellID := p.lastCellID
	p.lastCellID = ""
	p.mu.Unlock()

	if cellID == "" {
		return nil
	}
	if err := p.store.Delete(ctx, constants.PresenceCollection(cellID), p.uid); err != nil {
		p.log.WithError(err).WithField("cell_id", cellID).Error("Failed to delete presence record on going offline")
		return err
	}
	p.log.Info("Presence record removed, actor offline")
	return nil
}

// CurrentCellID returns the last published cell id, empty before the first
// publish or after going offline.
func (p *Publisher) CurrentCellID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCellID
}

func (p *Publisher) heartbeatLoop(ctx context.Context, provider location.Provider, activeRequest ActiveRequestProvider) {
	p.beat(ctx, provider, activeRequest)

	ticker := time.NewTicker(p.presCfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.beat(ctx, provider, activeRequest)
		case <-ctx.Done():
			p.log.Info("Presence heartbeat stopping")
			return
		}
	}
}

func (p *Publisher) beat(ctx context.Context, provider location.Provider, activeRequest ActiveRequestProvider) {
	point, err := provider.GetLocation()
	if err != nil {
		p.log.WithError(err).Warn("Failed to read device location, skipping heartbeat")
		return
	}

	requestID := ""
	if activeRequest != nil {
		requestID = activeRequest()
	}

	// Publish already logged the failure; the next beat converges.
	_ = p.Publish(ctx, point, requestID)
}
