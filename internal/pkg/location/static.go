package location

import (
	"sync"

	"github.com/rideloka/geocell/internal/pkg/models"
)

// StaticProvider returns a fixed, settable location. Used by the presence
// agent when no GPS device is attached, and by tests.
type StaticProvider struct {
	mu    sync.RWMutex
	point models.GeoPoint
}

// NewStaticProvider creates a provider pinned to the given point.
func NewStaticProvider(point models.GeoPoint) *StaticProvider {
	return &StaticProvider{point: point}
}

// GetLocation returns the current point.
func (s *StaticProvider) GetLocation() (models.GeoPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.point, nil
}

// Move updates the point returned by subsequent GetLocation calls.
func (s *StaticProvider) Move(point models.GeoPoint) {
	s.mu.Lock()
	s.point = point
	s.mu.Unlock()
}
