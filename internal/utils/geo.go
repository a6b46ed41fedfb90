package utils

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/rideloka/geocell/internal/pkg/models"
)

// GeohashPrecision is the precision of the convenience geohash tag written
// into presence records. The tag is informational (interop with geo tooling);
// the cell id remains the only bucketing key.
const GeohashPrecision = 7

// EncodeGeohash returns the geohash tag for a point.
func EncodeGeohash(point models.GeoPoint) string {
	return geohash.EncodeWithPrecision(point.Latitude, point.Longitude, GeohashPrecision)
}

// CalculateDistance calculates the distance between two points in kilometers
// using the Haversine formula.
func CalculateDistance(point1, point2 models.GeoPoint) float64 {
	// Earth's radius in kilometers
	const earthRadius = 6371.0

	lat1 := point1.Latitude * math.Pi / 180.0
	lon1 := point1.Longitude * math.Pi / 180.0
	lat2 := point2.Latitude * math.Pi / 180.0
	lon2 := point2.Longitude * math.Pi / 180.0

	dLat := lat2 - lat1
	dLon := lon2 - lon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// EstimateFare computes the flat demo fare for a pickup/dropoff pair. With no
// dropoff the estimate is the base fare alone.
func EstimateFare(pickup models.GeoPoint, dropoff *models.GeoPoint, pricing models.PricingConfig) models.FareEstimate {
	estimate := models.FareEstimate{
		Amount:   pricing.BaseFare,
		Currency: pricing.Currency,
	}
	if dropoff != nil {
		estimate.DistanceKm = CalculateDistance(pickup, *dropoff)
		estimate.Amount += estimate.DistanceKm * pricing.RatePerKm
	}
	return estimate
}
