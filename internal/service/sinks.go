package service

import (
	"context"
	"time"

	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
	"github.com/shaunagostinho/bgloc/internal/store"
)

// Store persists records and tracks which ones reached the broker.
// *store.Store satisfies it.
type Store interface {
	Insert(ctx context.Context, loc *location.Location) (int64, error)
	Unsynced(ctx context.Context, limit int) ([]store.Record, error)
	MarkSynced(ctx context.Context, ids ...int64) error
}

// Publisher forwards records to the MQTT broker. *mqtt.Publisher satisfies it.
type Publisher interface {
	PublishLocation(loc *location.Location) error
	PublishStationary(loc *location.Location) error
	ReplayStationary(loc *location.Location) error
	PublishError(e *provider.ErrorObject) error
	IsConnected() bool
}

// Emitter appends records to the event stream. *kafka.Emitter satisfies it.
type Emitter interface {
	EmitLocation(ctx context.Context, loc *location.Location) error
	EmitError(ctx context.Context, deviceID string, obj *provider.ErrorObject) error
}

// GeoCache keeps the last known position per device. *geocache.Cache satisfies it.
type GeoCache interface {
	Update(ctx context.Context, loc *location.Location) error
}

// TimeSeries records telemetry points. *tsdb.Client satisfies it.
type TimeSeries interface {
	WriteLocation(loc *location.Location)
	WriteError(code int, at time.Time)
}

// Recorder writes CSV rows. *logger.Logger satisfies it.
type Recorder interface {
	Record(loc *location.Location)
}

// Feed pushes frames to live clients. *server.Server satisfies it.
type Feed interface {
	BroadcastLocation(loc *location.Location)
	BroadcastError(e *provider.ErrorObject)
}

// Sinks are the optional destinations of every record. Nil fields are skipped.
type Sinks struct {
	Store Store
	MQTT  Publisher
	Kafka Emitter
	Geo   GeoCache
	TSDB  TimeSeries
	CSV   Recorder
	Feed  Feed
}

// names lists the configured sinks for status reporting.
func (s Sinks) names() []string {
	var out []string
	if s.Store != nil {
		out = append(out, "store")
	}
	if s.MQTT != nil {
		out = append(out, "mqtt")
	}
	if s.Kafka != nil {
		out = append(out, "kafka")
	}
	if s.Geo != nil {
		out = append(out, "redis")
	}
	if s.TSDB != nil {
		out = append(out, "influxdb")
	}
	if s.CSV != nil {
		out = append(out, "csv")
	}
	if s.Feed != nil {
		out = append(out, "ws")
	}
	return out
}
