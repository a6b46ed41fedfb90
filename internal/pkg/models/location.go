package models

// GeoPoint represents a geographic coordinate pair in decimal degrees.
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// FareEstimate is the flat demo estimate attached to a request at creation.
// It is informational only; billing runs downstream off lifecycle events.
type FareEstimate struct {
	DistanceKm float64 `json:"distance_km"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}
