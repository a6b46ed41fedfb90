// Package requests creates, discovers and transitions ride requests bucketed
// by the pickup point's cell.
package requests

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rideloka/geocell/internal/pkg/constants"
	"github.com/rideloka/geocell/internal/pkg/docstore"
	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/internal/utils"
	"github.com/rideloka/geocell/services/grid"
)

var (
	// ErrInvalidTransition is returned when a status move is not permitted
	// by the request state machine.
	ErrInvalidTransition = errors.New("requests: invalid status transition")

	// ErrRequestTaken is returned to a driver whose claim lost the
	// conditional write: the request was no longer open. Callers treat it as
	// a normal "request gone" signal, not a failure.
	ErrRequestTaken = errors.New("requests: request is no longer open")
)

// errNoop aborts a transaction without an error surfacing to the caller,
// used for idempotent redundant writes (e.g. both parties confirming
// completion).
var errNoop = errors.New("requests: no-op transition")

// EventPublisher receives a lifecycle event after every status transition.
type EventPublisher interface {
	PublishRequestEvent(ctx context.Context, event *models.RequestEvent) error
}

// Archiver persists terminal requests for history and billing export.
type Archiver interface {
	SaveTerminal(ctx context.Context, record *models.RequestRecord) error
}

// Index is the request-side entry point for one actor. Events and archive
// are optional collaborators; a nil value disables them.
type Index struct {
	store    docstore.Store
	log      *logrus.Entry
	uid      string
	stepSecs int
	cfg      models.DiscoveryConfig
	pricing  models.PricingConfig
	events   EventPublisher
	archive  Archiver
}

// NewIndex creates a request index acting on behalf of the given actor.
func NewIndex(uid string, store docstore.Store, cfg *models.Config, events EventPublisher, archive Archiver, appLogger *logger.AppLogger) *Index {
	stepSecs := cfg.Grid.StepSeconds
	if stepSecs == 0 {
		stepSecs = grid.DefaultStepSeconds
	}
	return &Index{
		store:    store,
		log:      appLogger.WithComponent("requests.index").WithField("uid", uid),
		uid:      uid,
		stepSecs: stepSecs,
		cfg:      cfg.Discovery,
		pricing:  cfg.Pricing,
		events:   events,
		archive:  archive,
	}
}

// CreateRequest writes a new open request bucketed at the pickup point's
// cell. The bucket is fixed for the request's lifetime.
func (i *Index) CreateRequest(ctx context.Context, pickup models.GeoPoint, dropoff *models.GeoPoint) (*models.RequestRecord, error) {
	cellID, err := grid.CellID(pickup.Latitude, pickup.Longitude, i.stepSecs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fare := utils.EstimateFare(pickup, dropoff, i.pricing)
	record := &models.RequestRecord{
		RequestID:    uuid.New().String(),
		CreatedByUID: i.uid,
		Pickup:       pickup,
		Dropoff:      dropoff,
		Status:       models.RequestStatusOpen,
		CellID:       cellID,
		Fare:         &fare,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}

	if err := i.store.Set(ctx, constants.RequestsCollection(cellID), record.RequestID, record); err != nil {
		i.log.WithError(err).Error("Failed to create request")
		return nil, err
	}

	i.publishEvent(ctx, record)
	i.log.WithField("request_id", record.RequestID).WithField("cell_id", cellID).Info("Request created")
	return record, nil
}

// Assign claims an open request for the acting driver. The claim is a
// conditional write: it succeeds only while the request is still open, so of
// two competing drivers exactly one wins and the other gets ErrRequestTaken.
func (i *Index) Assign(ctx context.Context, cellID, requestID string) (*models.RequestRecord, error) {
	var claimed models.RequestRecord

	err := i.store.Transact(ctx, constants.RequestsCollection(cellID), requestID, func(current docstore.Doc, exists bool) (interface{}, error) {
		if !exists {
			return nil, docstore.ErrNotFound
		}
		var record models.RequestRecord
		if err := current.DataTo(&record); err != nil {
			return nil, err
		}
		if record.Status != models.RequestStatusOpen {
			return nil, ErrRequestTaken
		}
		record.Status = models.RequestStatusAssigned
		record.AssignedDriverUID = i.uid
		record.UpdatedAt = time.Now().UTC()
		claimed = record
		return &record, nil
	})
	if err != nil {
		return nil, err
	}

	i.publishEvent(ctx, &claimed)
	i.log.WithField("request_id", requestID).Info("Request assigned")
	return &claimed, nil
}

// Complete confirms pickup on an assigned request. Either party may call it;
// the first write wins and a redundant confirmation is a silent no-op, the
// other side's UI converging via its own subscription.
func (i *Index) Complete(ctx context.Context, cellID, requestID string) (*models.RequestRecord, error) {
	return i.transition(ctx, cellID, requestID, models.RequestStatusCompleted)
}

// Cancel moves an open or assigned request to cancelled. Permitted to the
// creator at any pre-terminal point, and to the liveness watchdog when the
// counterpart has gone silent.
func (i *Index) Cancel(ctx context.Context, cellID, requestID string) (*models.RequestRecord, error) {
	return i.transition(ctx, cellID, requestID, models.RequestStatusCancelled)
}

// transition runs a guarded status move with idempotence on redundant writes
// to the same terminal state.
func (i *Index) transition(ctx context.Context, cellID, requestID string, next models.RequestStatus) (*models.RequestRecord, error) {
	var result models.RequestRecord

	err := i.store.Transact(ctx, constants.RequestsCollection(cellID), requestID, func(current docstore.Doc, exists bool) (interface{}, error) {
		if !exists {
			return nil, docstore.ErrNotFound
		}
		var record models.RequestRecord
		if err := current.DataTo(&record); err != nil {
			return nil, err
		}
		if record.Status == next {
			result = record
			return nil, errNoop
		}
		if !record.Status.CanTransition(next) {
			return nil, ErrInvalidTransition
		}
		record.Status = next
		record.UpdatedAt = time.Now().UTC()
		result = record
		return &record, nil
	})
	if errors.Is(err, errNoop) {
		return &result, nil
	}
	if err != nil {
		return nil, err
	}

	i.publishEvent(ctx, &result)
	if result.Status.Terminal() {
		i.archiveTerminal(ctx, &result)
	}
	i.log.WithField("request_id", requestID).WithField("status", string(result.Status)).Info("Request transitioned")
	return &result, nil
}

// Get reads a request document once.
func (i *Index) Get(ctx context.Context, cellID, requestID string) (*models.RequestRecord, error) {
	doc, err := i.store.Get(ctx, constants.RequestsCollection(cellID), requestID)
	if err != nil {
		return nil, err
	}
	var record models.RequestRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

// WatchRequest subscribes to a single request's changes, delivering the
// decoded record after every store write. Used by both parties to converge
// on transitions performed by the other side.
func (i *Index) WatchRequest(ctx context.Context, cellID, requestID string, handler func(models.RequestRecord)) (docstore.CancelFunc, error) {
	filters := []docstore.Filter{
		{Field: constants.FieldRequestID, Op: docstore.OpEqual, Value: requestID},
	}
	return i.store.Watch(ctx, constants.RequestsCollection(cellID), filters, func(snap docstore.Snapshot) {
		for _, doc := range snap.Docs {
			var record models.RequestRecord
			if err := doc.DataTo(&record); err != nil {
				i.log.WithError(err).Warn("Skipping undecodable request record")
				continue
			}
			handler(record)
		}
	})
}

func (i *Index) publishEvent(ctx context.Context, record *models.RequestRecord) {
	if i.events == nil {
		return
	}
	event := &models.RequestEvent{
		RequestID:         record.RequestID,
		Status:            record.Status,
		CreatedByUID:      record.CreatedByUID,
		AssignedDriverUID: record.AssignedDriverUID,
		CellID:            record.CellID,
		Timestamp:         time.Now().UTC(),
	}
	if err := i.events.PublishRequestEvent(ctx, event); err != nil {
		i.log.WithError(err).WithField("request_id", record.RequestID).Warn("Failed to publish lifecycle event")
	}
}

func (i *Index) archiveTerminal(ctx context.Context, record *models.RequestRecord) {
	if i.archive == nil {
		return
	}
	if err := i.archive.SaveTerminal(ctx, record); err != nil {
		i.log.WithError(err).WithField("request_id", record.RequestID).Warn("Failed to archive terminal request")
	}
}
