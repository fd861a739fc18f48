package location

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/bgloc/internal/telemetry"
)

func sampleFix() Fix {
	return Fix{
		Provider:  "gps",
		Latitude:  43.6532,
		Longitude: -79.3832,
		Altitude:  76.5,
		Accuracy:  4.2,
		Speed:     13.9,
		Bearing:   270,
		Time:      time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
	}
}

func intPtr(v int) *int { return &v }

func TestEnrich_PreservesFix(t *testing.T) {
	fix := sampleFix()
	snap := telemetry.Snapshot{
		BatteryLevel:   intPtr(50),
		SignalStrength: intPtr(-91),
		DeviceID:       "356938035643809",
		Manufacturer:   "Quectel",
		Model:          "EC25",
	}

	loc := Enrich(New(ProviderRaw, fix), snap)

	assert.Equal(t, fix, loc.Fix)
	assert.Equal(t, ProviderRaw, loc.ProviderID)
	require.NotNil(t, loc.BatteryLevel)
	assert.Equal(t, 50, *loc.BatteryLevel)
	require.NotNil(t, loc.SignalStrength)
	assert.Equal(t, -91, *loc.SignalStrength)
	assert.Equal(t, "356938035643809", loc.DeviceID)
	assert.Equal(t, "Quectel", loc.DeviceManufacturer)
	assert.Equal(t, "EC25", loc.DeviceModel)
	assert.False(t, loc.IsStationary())
}

func TestEnrich_AbsentTelemetryStaysUnset(t *testing.T) {
	loc := Enrich(New(ProviderDemo, sampleFix()), telemetry.Snapshot{Manufacturer: "unknown", Model: "unknown"})

	assert.Nil(t, loc.BatteryLevel)
	assert.Nil(t, loc.SignalStrength)
	assert.Empty(t, loc.DeviceID)
	assert.Equal(t, sampleFix(), loc.Fix)
}

func TestEnrich_DoesNotAliasSnapshot(t *testing.T) {
	level := 10
	snap := telemetry.Snapshot{BatteryLevel: &level}

	loc := Enrich(New(ProviderRaw, sampleFix()), snap)
	level = 99

	assert.Equal(t, 10, *loc.BatteryLevel)
}

func TestStationaryRadius(t *testing.T) {
	noRadius := NewStationary(ProviderDistanceFilter, sampleFix())
	zero := NewStationaryWithRadius(ProviderDistanceFilter, sampleFix(), 0)
	fifty := NewStationaryWithRadius(ProviderDistanceFilter, sampleFix(), 50)

	assert.True(t, noRadius.IsStationary())
	assert.False(t, noRadius.HasRadius())
	assert.Nil(t, noRadius.StationaryRadius)

	assert.True(t, zero.IsStationary())
	require.True(t, zero.HasRadius())
	assert.Equal(t, 0.0, *zero.StationaryRadius)

	assert.Equal(t, 50.0, *fifty.StationaryRadius)
}

func TestLocationJSON(t *testing.T) {
	loc := Enrich(NewStationaryWithRadius(ProviderRaw, sampleFix(), 0), telemetry.Snapshot{
		BatteryLevel: intPtr(77),
		Manufacturer: "Acme",
		Model:        "T1",
	})

	data, err := json.Marshal(loc)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 43.6532, m["latitude"])
	assert.Equal(t, 77.0, m["batteryLevel"])
	assert.Equal(t, 0.0, m["radius"])
	assert.NotContains(t, m, "signalStrength")
	assert.Equal(t, true, m["stationary"])
}

func TestProviderIDString(t *testing.T) {
	assert.Equal(t, "distance_filter", ProviderDistanceFilter.String())
	assert.Equal(t, "raw", ProviderRaw.String())
	assert.Equal(t, "provider(42)", ProviderID(42).String())
}
