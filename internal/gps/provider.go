// Package gps contains the location backends: an NMEA 0183 serial receiver
// and a simulated source.
package gps

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/logging"
	"github.com/shaunagostinho/bgloc/internal/provider"
)

// New builds the backend selected by the provider config. It returns nil
// when the backend is disabled.
func New(svc provider.Service, factory alert.Factory, log *logging.Logger) (provider.Provider, error) {
	cfg := svc.Config().ProviderSnapshot()

	mode := Mode(cfg.Mode)
	filter := NewFilter(mode, cfg.StationaryRadius, time.Duration(cfg.StationaryDwell)*time.Second, cfg.MinAccuracy)

	switch cfg.Type {
	case "nmea":
		id := location.ProviderDistanceFilter
		if filter.Mode() == ModeRaw {
			id = location.ProviderRaw
		}
		base := provider.NewBase(id, "nmea", svc, factory, log)
		return NewNMEA(base, NMEAConfig{PortPath: cfg.PortPath, BaudRate: cfg.BaudRate}, filter), nil
	case "demo", "":
		base := provider.NewBase(location.ProviderDemo, "demo", svc, factory, log)
		return NewDemo(base, time.Second, filter), nil
	case "disabled":
		return nil, nil
	}
	return nil, fmt.Errorf("gps: unknown provider type %q", cfg.Type)
}
