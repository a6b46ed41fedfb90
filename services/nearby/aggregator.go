// Package nearby maintains a live count of fresh actors around a reference
// point without re-querying the store on every UI refresh.
package nearby

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/services/grid"
)

// coarseWindow bounds the initial subscription payload. It is deliberately
// much wider than the staleness threshold: realtime subscriptions cannot be
// re-filtered as the clock advances, so the actual freshness boundary is
// applied locally in recompute, never in the store query.
const coarseWindow = time.Hour

// Aggregator watches the 3×3 cell neighborhood around a reference point and
// exposes a recount of fresh actors after every store change or manual
// refresh. One realtime subscription is held per cell; Dispose releases all
// of them and is idempotent.
type Aggregator struct {
	store          docstore.Store
	log            *logrus.Entry
	role           models.Role
	staleThreshold time.Duration

	mu      sync.Mutex
	cache   map[string][]models.PresenceRecord
	cancels []docstore.CancelFunc
	updates chan int
	closed  bool

	disposeOnce sync.Once
}

// NewAggregator computes the 9-cell neighborhood once and opens one realtime
// subscription per cell, filtered to the given role plus the coarse time
// bound. The first counts are delivered on the updates channel as the initial
// snapshots arrive.
func NewAggregator(ctx context.Context, reference models.GeoPoint, role models.Role, store docstore.Store, gridCfg models.GridConfig, presCfg models.PresenceConfig, appLogger *logger.AppLogger) (*Aggregator, error) {
	stepSecs := gridCfg.StepSeconds
	if stepSecs == 0 {
		stepSecs = grid.DefaultStepSeconds
	}

	cellIDs, err := grid.Neighborhood(reference.Latitude, reference.Longitude, stepSecs)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		store:          store,
		log:            appLogger.WithComponent("nearby.aggregator").WithField("role", string(role)),
		role:           role,
		staleThreshold: presCfg.StaleThreshold,
		cache:          make(map[string][]models.PresenceRecord, len(cellIDs)),
		updates:        make(chan int, 1),
	}

	filters := []docstore.Filter{
		{Field: constants.FieldRole, Op: docstore.OpEqual, Value: string(role)},
		{Field: constants.FieldLastSeen, Op: docstore.OpGreaterEq, Value: time.Now().Add(-coarseWindow)},
	}

	for _, cellID := range cellIDs {
		id := cellID
		cancel, err := store.Watch(ctx, constants.PresenceCollection(id), filters, func(snap docstore.Snapshot) {
			a.onSnapshot(id, snap)
		})
		if err != nil {
			a.Dispose()
			return nil, err
		}
		a.mu.Lock()
		a.cancels = append(a.cancels, cancel)
		a.mu.Unlock()
	}

	return a, nil
}

// onSnapshot replaces the cell's cached raw records wholesale and triggers a
// recount. Overwrite, not merge: each snapshot is the cell's complete result
// set.
func (a *Aggregator) onSnapshot(cellID string, snap docstore.Snapshot) {
	records := make([]models.PresenceRecord, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var rec models.PresenceRecord
		if err := doc.DataTo(&rec); err != nil {
			a.log.WithError(err).WithField("cell_id", cellID).Warn("Skipping undecodable presence record")
			continue
		}
		records = append(records, rec)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.cache[cellID] = records
	count := a.countLocked(time.Now())
	a.mu.Unlock()

	a.emit(count)
}

// Count filters the cached records to the staleness window and sums across
// all cells. Purely local; safe to call as often as the UI needs.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked(time.Now())
}

// Refresh re-evaluates freshness against the current clock with no new reads
// and pushes the result to the updates channel.
func (a *Aggregator) Refresh() int {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0
	}
	count := a.countLocked(time.Now())
	a.mu.Unlock()

	a.emit(count)
	return count
}

// Updates emits the recomputed fresh count after every underlying store
// change and every manual Refresh. The channel holds only the latest value.
func (a *Aggregator) Updates() <-chan int {
	return a.updates
}

// FreshRecords returns the currently-fresh records across the neighborhood,
// for callers that need more than the count.
func (a *Aggregator) FreshRecords() []models.PresenceRecord {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.PresenceRecord
	for _, records := range a.cache {
		for i := range records {
			if records[i].IsFresh(now, a.staleThreshold) {
				out = append(out, records[i])
			}
		}
	}
	return out
}

// Dispose cancels all cell subscriptions, clears the caches and closes the
// updates channel. Idempotent.
func (a *Aggregator) Dispose() {
	a.disposeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		cancels := a.cancels
		a.cancels = nil
		a.cache = make(map[string][]models.PresenceRecord)
		close(a.updates)
		a.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		a.log.Info("Nearby aggregator disposed")
	})
}

func (a *Aggregator) countLocked(now time.Time) int {
	count := 0
	for _, records := range a.cache {
		for i := range records {
			if records[i].IsFresh(now, a.staleThreshold) {
				count++
			}
		}
	}
	return count
}

// emit keeps only the latest count in the buffered channel so a slow consumer
// never blocks a subscription callback. The send happens under the same lock
// as Dispose's close, so it can never hit a closed channel.
func (a *Aggregator) emit(count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	select {
	case a.updates <- count:
	default:
		select {
		case <-a.updates:
		default:
		}
		select {
		case a.updates <- count:
		default:
		}
	}
}
