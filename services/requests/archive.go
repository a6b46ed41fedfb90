package requests

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rideloka/geocell/internal/pkg/logger"
	"github.com/rideloka/geocell/internal/pkg/models"
	"github.com/rideloka/geocell/internal/pkg/retry"
)

// archivedRequestDTO flattens a terminal request for relational storage.
type archivedRequestDTO struct {
	RequestID         string          `db:"request_id"`
	CreatedByUID      string          `db:"created_by_uid"`
	PickupLatitude    float64         `db:"pickup_latitude"`
	PickupLongitude   float64         `db:"pickup_longitude"`
	DropoffLatitude   sql.NullFloat64 `db:"dropoff_latitude"`
	DropoffLongitude  sql.NullFloat64 `db:"dropoff_longitude"`
	Status            string          `db:"status"`
	AssignedDriverUID sql.NullString  `db:"assigned_driver_uid"`
	CellID            string          `db:"cell_id"`
	FareAmount        sql.NullFloat64 `db:"fare_amount"`
	FareCurrency      sql.NullString  `db:"fare_currency"`
	DistanceKm        sql.NullFloat64 `db:"distance_km"`
	CreatedAt         time.Time       `db:"created_at"`
	CompletedAt       time.Time       `db:"completed_at"`
}

func toArchivedDTO(record *models.RequestRecord) archivedRequestDTO {
	dto := archivedRequestDTO{
		RequestID:       record.RequestID,
		CreatedByUID:    record.CreatedByUID,
		PickupLatitude:  record.Pickup.Latitude,
		PickupLongitude: record.Pickup.Longitude,
		Status:          string(record.Status),
		CellID:          record.CellID,
		CreatedAt:       record.CreatedAt,
		CompletedAt:     record.UpdatedAt,
	}
	if record.Dropoff != nil {
		dto.DropoffLatitude = sql.NullFloat64{Float64: record.Dropoff.Latitude, Valid: true}
		dto.DropoffLongitude = sql.NullFloat64{Float64: record.Dropoff.Longitude, Valid: true}
	}
	if record.AssignedDriverUID != "" {
		dto.AssignedDriverUID = sql.NullString{String: record.AssignedDriverUID, Valid: true}
	}
	if record.Fare != nil {
		dto.FareAmount = sql.NullFloat64{Float64: record.Fare.Amount, Valid: true}
		dto.FareCurrency = sql.NullString{String: record.Fare.Currency, Valid: true}
		dto.DistanceKm = sql.NullFloat64{Float64: record.Fare.DistanceKm, Valid: true}
	}
	return dto
}

// ArchiveRepo persists terminal requests to PostgreSQL for history and
// billing export. Writes are retried with backoff so a brief database blip
// does not lose history rows.
type ArchiveRepo struct {
	db      *sqlx.DB
	log     *logrus.Entry
	retrier *retry.Retrier
}

// NewArchiveRepo creates an archive repository over an open database handle.
func NewArchiveRepo(db *sqlx.DB, appLogger *logger.AppLogger) *ArchiveRepo {
	return &ArchiveRepo{
		db:      db,
		log:     appLogger.WithComponent("requests.archive"),
		retrier: retry.NewWithDefaults(appLogger),
	}
}

// SaveTerminal implements Archiver. Replays of the same terminal event
// update the existing row instead of failing.
func (r *ArchiveRepo) SaveTerminal(ctx context.Context, record *models.RequestRecord) error {
	if !record.Status.Terminal() {
		return fmt.Errorf("request %s is not terminal (status %s)", record.RequestID, record.Status)
	}
	dto := toArchivedDTO(record)

	query := `
		INSERT INTO archived_requests (
			request_id, created_by_uid,
			pickup_latitude, pickup_longitude,
			dropoff_latitude, dropoff_longitude,
			status, assigned_driver_uid, cell_id,
			fare_amount, fare_currency, distance_km,
			created_at, completed_at
		) VALUES (
			:request_id, :created_by_uid,
			:pickup_latitude, :pickup_longitude,
			:dropoff_latitude, :dropoff_longitude,
			:status, :assigned_driver_uid, :cell_id,
			:fare_amount, :fare_currency, :distance_km,
			:created_at, :completed_at
		)
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_driver_uid = EXCLUDED.assigned_driver_uid,
			fare_amount = EXCLUDED.fare_amount,
			fare_currency = EXCLUDED.fare_currency,
			distance_km = EXCLUDED.distance_km,
			completed_at = EXCLUDED.completed_at
	`

	err := r.retrier.Execute(ctx, func(ctx context.Context) error {
		_, err := r.db.NamedExecContext(ctx, query, dto)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive request %s: %w", record.RequestID, err)
	}

	r.log.WithFields(logrus.Fields{
		"request_id": record.RequestID,
		"status":     record.Status,
	}).Info("Archived terminal request")
	return nil
}
