// Package location supplies device geolocation to the presence publisher.
package location

import "github.com/rideloka/geocell/internal/pkg/models"

// Provider interface defines the methods for location providers
type Provider interface {
	GetLocation() (models.GeoPoint, error)
}
