package models

import "time"

// Role identifies which side of a ride an actor is on. The wire values are
// fixed by the store schema and shared with every other client implementation.
type Role string

const (
	RoleDriver Role = "driver"
	RoleClient Role = "client"
)

// PresenceRecord is a per-actor, per-cell live location beacon. One document
// exists per (cell, actor); the heartbeat refreshes LastSeen in place and the
// record moves to a new cell document when the actor's location quantizes to a
// different cell.
type PresenceRecord struct {
	UID             string            `json:"uid"`
	Role            Role              `json:"role"`
	LastSeen        time.Time         `json:"lastSeen"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	Latitude        float64           `json:"lat"`
	Longitude       float64           `json:"lng"`
	CellID          string            `json:"cellId"`
	Geohash         string            `json:"geohash,omitempty"`
	ActiveRequestID string            `json:"activeRequestId,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// IsFresh reports whether the record's heartbeat is recent enough to count the
// actor as currently online. This is the liveness signal; ExpiresAt is only the
// store's long-horizon cleanup deadline and must never be consulted here.
func (p *PresenceRecord) IsFresh(now time.Time, staleThreshold time.Duration) bool {
	return now.Sub(p.LastSeen) < staleThreshold
}

// Point returns the record's last known coordinates.
func (p *PresenceRecord) Point() GeoPoint {
	return GeoPoint{Latitude: p.Latitude, Longitude: p.Longitude}
}
