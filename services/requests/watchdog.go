package requests

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

// Watchdog monitors the presence heartbeat of the counterpart on an active
// ride request. When the counterpart stops publishing for longer than the
// configured timeout, the watchdog cancels the request so the other side is
// not left waiting on a dead peer.
type Watchdog struct {
	index      *Index
	store      docstore.Store
	log        *logrus.Entry
	stepSecs   int
	timeout    time.Duration
	cellID     string
	requestID  string
	counterUID string

	mu       sync.Mutex
	lastSeen time.Time
	cancels  []docstore.CancelFunc
	stopFn   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Expired fires once when the counterpart times out, after the cancel
	// has been attempted.
	Expired chan struct{}
}

// NewWatchdog starts monitoring the counterpart's presence in the 3×3
// neighborhood around the request pickup. The baseline is the watchdog start
// time, so a counterpart that never appears at all still times out.
func NewWatchdog(ctx context.Context, index *Index, store docstore.Store, req *models.RequestRecord, counterUID string, gridCfg models.GridConfig, cfg models.DiscoveryConfig, appLogger *logger.AppLogger) (*Watchdog, error) {
	stepSecs := gridCfg.StepSeconds
	if stepSecs == 0 {
		stepSecs = grid.DefaultStepSeconds
	}

	wdCtx, stop := context.WithCancel(ctx)
	w := &Watchdog{
		index:      index,
		store:      store,
		log:        appLogger.WithComponent("requests.watchdog").WithField("request_id", req.RequestID),
		stepSecs:   stepSecs,
		timeout:    cfg.CounterpartTimeout,
		cellID:     req.CellID,
		requestID:  req.RequestID,
		counterUID: counterUID,
		lastSeen:   time.Now(),
		stopFn:     stop,
		Expired:    make(chan struct{}),
	}

	cellIDs, err := grid.Neighborhood(req.Pickup.Latitude, req.Pickup.Longitude, stepSecs)
	if err != nil {
		stop()
		return nil, err
	}

	filters := []docstore.Filter{
		{Field: constants.FieldUID, Op: docstore.OpEqual, Value: counterUID},
	}
	for _, cellID := range cellIDs {
		cancel, err := store.Watch(wdCtx, constants.PresenceCollection(cellID), filters, w.onSnapshot)
		if err != nil {
			stop()
			for _, c := range w.cancels {
				c()
			}
			return nil, err
		}
		w.cancels = append(w.cancels, cancel)
	}

	w.wg.Add(1)
	go w.run(wdCtx)
	return w, nil
}

// Stop ends monitoring without touching the request. Idempotent.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		w.stopFn()
		for _, cancel := range w.cancels {
			cancel()
		}
		w.wg.Wait()
	})
}

func (w *Watchdog) onSnapshot(snap docstore.Snapshot) {
	var latest time.Time
	for _, doc := range snap.Docs {
		var record models.PresenceRecord
		if err := doc.DataTo(&record); err != nil {
			continue
		}
		if record.UID != w.counterUID {
			continue
		}
		if record.LastSeen.After(latest) {
			latest = record.LastSeen
		}
	}
	if latest.IsZero() {
		return
	}

	w.mu.Lock()
	if latest.After(w.lastSeen) {
		w.lastSeen = latest
	}
	w.mu.Unlock()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	// Checking at a fraction of the timeout keeps detection latency small
	// without hammering the clock.
	interval := w.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.mu.Lock()
			silentFor := now.Sub(w.lastSeen)
			w.mu.Unlock()
			if silentFor <= w.timeout {
				continue
			}

			w.log.WithFields(logrus.Fields{
				"counterpart_uid": w.counterUID,
				"silent_for":      silentFor.String(),
			}).Warn("Counterpart presence timed out, cancelling request")

			if _, err := w.index.Cancel(ctx, w.cellID, w.requestID); err != nil {
				w.log.WithError(err).Error("Failed to cancel request after counterpart timeout")
			}
			close(w.Expired)
			go w.Stop()
			return
		}
	}
}
