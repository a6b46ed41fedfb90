package requests

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/internal/utils"
	"github.com/rideloka/geocell/services/grid"
)

// SearchState is the driver-side discovery breadth.
type SearchState string

const (
	// StateNarrow watches open requests in the driver's current cell only.
	StateNarrow SearchState = "narrow"
	// StateWide additionally watches the 8 neighboring cells. Once reached,
	// the state never reverts on its own; only going offline or an explicit
	// Reset narrows the search again.
	StateWide SearchState = "wide"
)

// finderCoarseWindow bounds the initial subscription payload; the real
// freshness boundary is the local updatedAt filter applied on read.
const finderCoarseWindow = time.Hour

// Finder implements the driver-side expanding request search. It starts
// Narrow and widens to the 3×3 neighborhood after the configured dwell time,
// favoring discovery breadth over read minimization once the quiet period
// has elapsed.
type Finder struct {
	store     docstore.Store
	log       *logrus.Entry
	stepSecs  int
	cfg       models.DiscoveryConfig
	reference models.GeoPoint

	mu         sync.Mutex
	ctx        context.Context
	state      SearchState
	cache      map[string][]models.RequestRecord
	cancels    []docstore.CancelFunc
	dwellTimer *time.Timer
	updates    chan []models.RequestRecord
	closed     bool

	stopOnce sync.Once
}

// NewFinder opens the Narrow subscription on the driver's current cell and
// arms the dwell timer that widens the search.
func NewFinder(ctx context.Context, reference models.GeoPoint, store docstore.Store, gridCfg models.GridConfig, cfg models.DiscoveryConfig, appLogger *logger.AppLogger) (*Finder, error) {
	stepSecs := gridCfg.StepSeconds
	if stepSecs == 0 {
		stepSecs = grid.DefaultStepSeconds
	}

	f := &Finder{
		store:     store,
		log:       appLogger.WithComponent("requests.finder"),
		stepSecs:  stepSecs,
		cfg:       cfg,
		reference: reference,
		ctx:       ctx,
		state:     StateNarrow,
		cache:     make(map[string][]models.RequestRecord),
		updates:   make(chan []models.RequestRecord, 1),
	}

	if err := f.subscribeNarrow(); err != nil {
		return nil, err
	}
	f.armDwellTimer()
	return f, nil
}

// State returns the current search breadth.
func (f *Finder) State() SearchState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Fresh returns the currently-known open requests whose creator is still
// live, sorted nearest-first from the driver's reference point.
func (f *Finder) Fresh() []models.RequestRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freshLocked(time.Now())
}

// Updates emits the merged, filtered request list after every store change.
// The channel holds only the latest list.
func (f *Finder) Updates() <-chan []models.RequestRecord {
	return f.updates
}

// Reset re-centers the search on a new reference point, typically after the
// driver moved to a different cell. The search returns to Narrow and the
// dwell timer restarts.
func (f *Finder) Reset(reference models.GeoPoint) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	cancels := f.cancels
	f.cancels = nil
	f.cache = make(map[string][]models.RequestRecord)
	f.reference = reference
	f.state = StateNarrow
	if f.dwellTimer != nil {
		f.dwellTimer.Stop()
	}
	f.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if err := f.subscribeNarrow(); err != nil {
		return err
	}
	f.armDwellTimer()
	f.log.Info("Request search reset to narrow")
	return nil
}

// Stop cancels all subscriptions and closes the updates channel. Idempotent.
func (f *Finder) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		if f.dwellTimer != nil {
			f.dwellTimer.Stop()
		}
		cancels := f.cancels
		f.cancels = nil
		f.cache = make(map[string][]models.RequestRecord)
		close(f.updates)
		f.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		f.log.Info("Request finder stopped")
	})
}

func (f *Finder) subscribeNarrow() error {
	cellID, err := grid.CellID(f.reference.Latitude, f.reference.Longitude, f.stepSecs)
	if err != nil {
		return err
	}
	return f.subscribeCells([]string{cellID})
}

// expand widens the search to the full 3×3 neighborhood. Runs off the dwell
// timer; a finder that is closed or already wide is left alone.
func (f *Finder) expand() {
	f.mu.Lock()
	if f.closed || f.state != StateNarrow {
		f.mu.Unlock()
		return
	}
	f.state = StateWide
	reference := f.reference
	f.mu.Unlock()

	neighbors, err := grid.Neighbors(reference.Latitude, reference.Longitude, f.stepSecs)
	if err != nil {
		f.log.WithError(err).Error("Failed to compute neighbor cells for wide search")
		return
	}
	cellIDs := make([]string, 0, len(neighbors))
	for _, canonical := range neighbors {
		cellIDs = append(cellIDs, grid.CellIDFromCanonical(canonical))
	}

	if err := f.subscribeCells(cellIDs); err != nil {
		f.log.WithError(err).Error("Failed to widen request search")
		return
	}
	f.log.Info("Request search widened to 3x3 neighborhood")
}

func (f *Finder) subscribeCells(cellIDs []string) error {
	filters := []docstore.Filter{
		{Field: constants.FieldStatus, Op: docstore.OpEqual, Value: string(models.RequestStatusOpen)},
		{Field: constants.FieldUpdatedAt, Op: docstore.OpGreaterEq, Value: time.Now().Add(-finderCoarseWindow)},
	}

	for _, cellID := range cellIDs {
		id := cellID
		cancel, err := f.store.Watch(f.ctx, constants.RequestsCollection(id), filters, func(snap docstore.Snapshot) {
			f.onSnapshot(id, snap)
		})
		if err != nil {
			return err
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			cancel()
			return nil
		}
		f.cancels = append(f.cancels, cancel)
		f.mu.Unlock()
	}
	return nil
}

func (f *Finder) armDwellTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.dwellTimer = time.AfterFunc(f.cfg.WideSearchDwell, f.expand)
}

func (f *Finder) onSnapshot(cellID string, snap docstore.Snapshot) {
	records := make([]models.RequestRecord, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var record models.RequestRecord
		if err := doc.DataTo(&record); err != nil {
			f.log.WithError(err).WithField("cell_id", cellID).Warn("Skipping undecodable request record")
			continue
		}
		records = append(records, record)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.cache[cellID] = records
	fresh := f.freshLocked(time.Now())

	// Latest-list-only channel; the send shares the lock with Stop's close.
	select {
	case f.updates <- fresh:
	default:
		select {
		case <-f.updates:
		default:
		}
		select {
		case f.updates <- fresh:
		default:
		}
	}
	f.mu.Unlock()
}

// freshLocked merges the cached cells, drops requests whose creator has gone
// silent and anything no longer open, and sorts nearest-first.
func (f *Finder) freshLocked(now time.Time) []models.RequestRecord {
	var out []models.RequestRecord
	for _, records := range f.cache {
		for i := range records {
			if records[i].Status != models.RequestStatusOpen {
				continue
			}
			if !records[i].IsFresh(now, f.cfg.RequestStale) {
				continue
			}
			out = append(out, records[i])
		}
	}
	sort.Slice(out, func(a, b int) bool {
		da := utils.CalculateDistance(f.reference, out[a].Pickup)
		db := utils.CalculateDistance(f.reference, out[b].Pickup)
		if da == db {
			return out[a].RequestID < out[b].RequestID
		}
		return da < db
	})
	return out
}
