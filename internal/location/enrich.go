package location

import "github.com/shaunagostinho/bgloc/internal/telemetry"

// New wraps a fix as a moving-fix record for the given provider.
func New(id ProviderID, fix Fix) *Location {
	return &Location{ProviderID: id, Fix: fix}
}

// NewStationary wraps a fix as a stationary event with unknown radius.
func NewStationary(id ProviderID, fix Fix) *Location {
	return &Location{ProviderID: id, Fix: fix, Stationary: true}
}

// NewStationaryWithRadius wraps a fix as a stationary event with a radius.
// A zero radius is kept as zero.
func NewStationaryWithRadius(id ProviderID, fix Fix, radius float64) *Location {
	r := radius
	return &Location{ProviderID: id, Fix: fix, Stationary: true, StationaryRadius: &r}
}

// Enrich applies the present values of a telemetry snapshot to loc.
// Fix fields are never touched; absent telemetry leaves fields unset.
func Enrich(loc *Location, snap telemetry.Snapshot) *Location {
	if snap.BatteryLevel != nil {
		v := *snap.BatteryLevel
		loc.BatteryLevel = &v
	}
	if snap.SignalStrength != nil {
		v := *snap.SignalStrength
		loc.SignalStrength = &v
	}
	if snap.DeviceID != "" {
		loc.DeviceID = snap.DeviceID
	}
	loc.DeviceManufacturer = snap.Manufacturer
	loc.DeviceModel = snap.Model
	return loc
}
