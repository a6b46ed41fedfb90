package constants

import "fmt"

// Document store path conventions. These are wire-visible: every client
// implementation addresses the same collections.
const (
	presenceCollectionFmt = "cells/%s/presence" // Format: cells/{cellId}/presence
	requestsCollectionFmt = "cells/%s/requests" // Format: cells/{cellId}/requests
)

// PresenceCollection returns the presence collection path for a cell.
func PresenceCollection(cellID string) string {
	return fmt.Sprintf(presenceCollectionFmt, cellID)
}

// RequestsCollection returns the ride request collection path for a cell.
func RequestsCollection(cellID string) string {
	return fmt.Sprintf(requestsCollectionFmt, cellID)
}

// Presence and request document field names used in subscription filters and
// partial updates.
const (
	FieldUID       = "uid"
	FieldRequestID = "requestId"
	FieldRole      = "role"
	FieldLastSeen  = "lastSeen"
	FieldStatus    = "status"
	FieldUpdatedAt = "updatedAt"
	FieldAssignee  = "assignedDriverUid"
	FieldActiveReq = "activeRequestId"
)
