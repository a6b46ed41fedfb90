package location

import (
	"bufio"
	"errors"
	"strings"

	"github.com/adrianmo/go-nmea"
	"github.com/tarm/serial"

	"github.com/rideloka/geocell/internal/pkg/models"
)

// NMEAProvider reads location fixes from a GPS device connected via a serial
// port, parsing GGA sentences.
type NMEAProvider struct {
	device   string
	baudRate int
}

// NewNMEAProvider creates a provider for the given serial device.
func NewNMEAProvider(device string, baudRate int) *NMEAProvider {
	return &NMEAProvider{device: device, baudRate: baudRate}
}

// GetLocation reads from the device until a valid GGA sentence arrives.
func (p *NMEAProvider) GetLocation() (models.GeoPoint, error) {
	port, err := serial.OpenPort(&serial.Config{Name: p.device, Baud: p.baudRate})
	if err != nil {
		return models.GeoPoint{}, err
	}
	defer port.Close()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "$GPGGA") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			return models.GeoPoint{}, err
		}
		if gga, ok := sentence.(nmea.GGA); ok {
			return models.GeoPoint{Latitude: gga.Latitude, Longitude: gga.Longitude}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return models.GeoPoint{}, err
	}
	return models.GeoPoint{}, errors.New("no valid GPS data found")
}
