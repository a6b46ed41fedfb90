package models

import "time"

// RequestStatus represents the current status of a ride request.
type RequestStatus string

const (
	RequestStatusOpen      RequestStatus = "open"
	RequestStatusAssigned  RequestStatus = "assigned"
	RequestStatusCancelled RequestStatus = "cancelled"
	RequestStatusCompleted RequestStatus = "completed"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCancelled || s == RequestStatusCompleted
}

// CanTransition reports whether the status may move to next. Legal moves are
// open→assigned, assigned→completed and open|assigned→cancelled.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case RequestStatusOpen:
		return next == RequestStatusAssigned || next == RequestStatusCancelled
	case RequestStatusAssigned:
		return next == RequestStatusCompleted || next == RequestStatusCancelled
	default:
		return false
	}
}

// RequestRecord is a ride request bucketed at its pickup point's cell. The
// bucket is fixed at creation and never moves, even when the pickup lies near
// a cell boundary.
type RequestRecord struct {
	RequestID         string        `json:"requestId"`
	CreatedByUID      string        `json:"createdByUid"`
	Pickup            GeoPoint      `json:"pickup"`
	Dropoff           *GeoPoint     `json:"dropoff,omitempty"`
	Status            RequestStatus `json:"status"`
	AssignedDriverUID string        `json:"assignedDriverUid,omitempty"`
	CellID            string        `json:"cellId"`
	Fare              *FareEstimate `json:"fare,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
}

// IsFresh reports whether the request has been touched recently enough to be
// surfaced to drivers. Requests whose creator has gone silent age out of
// discovery long before the store reaps them.
func (r *RequestRecord) IsFresh(now time.Time, staleThreshold time.Duration) bool {
	return now.Sub(r.UpdatedAt) < staleThreshold
}

// RequestEvent is the lifecycle notification published on every status
// transition for downstream consumers (history, billing export).
type RequestEvent struct {
	RequestID         string        `json:"request_id"`
	Status            RequestStatus `json:"status"`
	CreatedByUID      string        `json:"created_by_uid"`
	AssignedDriverUID string        `json:"assigned_driver_uid,omitempty"`
	CellID            string        `json:"cell_id"`
	Timestamp         time.Time     `json:"timestamp"`
}
