// Package tsdb records location and device telemetry as InfluxDB time
// series. Writes are non-blocking and batched.
package tsdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000

	measurementLocation = "location"
	measurementDevice   = "device_telemetry"
	measurementError    = "provider_error"
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client writes points to one bucket. Safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
}

// Connect creates the client and verifies the server with a ping.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{client: client, writeAPI: writeAPI, connected: true}
	go c.handleWriteErrors(writeAPI.Errors())
	return c, nil
}

func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets a callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// WriteLocation records position and, when present, device telemetry.
func (c *Client) WriteLocation(loc *location.Location) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"provider": loc.ProviderID.String(),
		"device":   deviceTag(loc),
	}

	fields := map[string]interface{}{
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
		"altitude":  loc.Altitude,
		"accuracy":  loc.Accuracy,
		"speed":     loc.Speed,
		"bearing":   loc.Bearing,
	}
	if loc.IsStationary() {
		fields["stationary"] = true
		if loc.StationaryRadius != nil {
			fields["radius"] = *loc.StationaryRadius
		}
	}
	c.writeAPI.WritePoint(write.NewPoint(measurementLocation, tags, fields, loc.Time))

	telemetry := map[string]interface{}{}
	if loc.BatteryLevel != nil {
		telemetry["battery_level"] = *loc.BatteryLevel
	}
	if loc.SignalStrength != nil {
		telemetry["signal_dbm"] = *loc.SignalStrength
	}
	if len(telemetry) > 0 {
		c.writeAPI.WritePoint(write.NewPoint(measurementDevice, tags, telemetry, loc.Time))
	}
}

// WriteError records a provider error occurrence.
func (c *Client) WriteError(code int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		measurementError,
		map[string]string{"code": fmt.Sprint(code)},
		map[string]interface{}{"count": 1},
		at,
	))
}

// Close flushes pending writes and closes the client.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func deviceTag(loc *location.Location) string {
	if loc.DeviceID != "" {
		return loc.DeviceID
	}
	return loc.DeviceModel
}
