// Package location holds the fix and enriched-location records that flow
// from a backend through enrichment to the owning service.
package location

import (
	"fmt"
	"time"
)

// ProviderID identifies the backend that produced a fix.
type ProviderID int

const (
	ProviderDistanceFilter ProviderID = 0 // NMEA with stationary detection
	ProviderActivity       ProviderID = 1 // reserved, activity-recognition backends
	ProviderRaw            ProviderID = 2 // NMEA, every fix forwarded
	ProviderDemo           ProviderID = 3 // simulated
)

func (id ProviderID) String() string {
	switch id {
	case ProviderDistanceFilter:
		return "distance_filter"
	case ProviderActivity:
		return "activity"
	case ProviderRaw:
		return "raw"
	case ProviderDemo:
		return "demo"
	}
	return fmt.Sprintf("provider(%d)", int(id))
}

// Fix is a single position sample as reported by a backend.
type Fix struct {
	Provider  string    `json:"provider"`  // Source backend name
	Latitude  float64   `json:"latitude"`  // Decimal degrees
	Longitude float64   `json:"longitude"` // Decimal degrees
	Altitude  float64   `json:"altitude"`  // Meters
	Accuracy  float64   `json:"accuracy"`  // Meters (horizontal)
	Speed     float64   `json:"speed"`     // m/s
	Bearing   float64   `json:"bearing"`   // Degrees true
	Time      time.Time `json:"time"`
}

// Location is a Fix enriched with device telemetry.
//
// Pointer fields are nil when the value was unavailable. A stationary event
// has Stationary set; StationaryRadius is additionally set when the radius is
// known, so an unknown radius stays distinguishable from a zero one.
type Location struct {
	ProviderID ProviderID `json:"providerId"`
	Fix

	BatteryLevel       *int     `json:"batteryLevel,omitempty"`   // 0-100
	SignalStrength     *int     `json:"signalStrength,omitempty"` // dBm
	DeviceID           string   `json:"deviceId,omitempty"`
	DeviceManufacturer string   `json:"deviceManufacturer"`
	DeviceModel        string   `json:"deviceModel"`
	Stationary         bool     `json:"stationary,omitempty"`
	StationaryRadius   *float64 `json:"radius,omitempty"` // meters
}

// IsStationary reports whether the record describes a stationary region.
func (l *Location) IsStationary() bool {
	return l.Stationary || l.StationaryRadius != nil
}

// HasRadius reports whether a stationary radius is known.
func (l *Location) HasRadius() bool {
	return l.StationaryRadius != nil
}
