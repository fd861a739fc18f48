// Package telemetry gathers the device state attached to every location
// record: battery charge, cellular signal strength and device identity.
//
// Each source is queried inside its own boundary. A source that errors,
// panics or exceeds the query timeout is reported as unavailable and its
// field stays unset; the other sources are unaffected.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/bgloc/internal/logging"
)

const defaultQueryTimeout = 2 * time.Second

var (
	// ErrUnavailable is returned when a source cannot answer.
	ErrUnavailable = errors.New("telemetry: unavailable")

	// ErrTimeout is returned when a source does not answer in time.
	ErrTimeout = errors.New("telemetry: query timed out")

	// ErrNoSource is returned when no source is configured.
	ErrNoSource = errors.New("telemetry: no source configured")
)

// BatterySource reports raw battery level and scale. Either value may be -1
// when unknown.
type BatterySource interface {
	BatteryState(ctx context.Context) (level, scale int, err error)
}

// CellSource reports the cells seen by the radio and the hardware identifier
// of the radio (IMEI or equivalent).
type CellSource interface {
	CellInfo(ctx context.Context) ([]CellInfo, error)
	DeviceID(ctx context.Context) (string, error)
}

// DeviceSource reports static build metadata.
type DeviceSource interface {
	Device() Device
}

// Device is manufacturer and model of the host.
type Device struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
}

// Snapshot is the merged result of one collection pass. Nil pointers and
// empty DeviceID mean the value was unavailable.
type Snapshot struct {
	BatteryLevel   *int
	SignalStrength *int
	DeviceID       string
	Manufacturer   string
	Model          string
}

// Collector queries the configured sources.
type Collector struct {
	battery BatterySource
	cell    CellSource
	device  DeviceSource
	timeout time.Duration
	log     *logging.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithBattery sets the battery source.
func WithBattery(s BatterySource) Option { return func(c *Collector) { c.battery = s } }

// WithCell sets the cellular source.
func WithCell(s CellSource) Option { return func(c *Collector) { c.cell = s } }

// WithDevice sets the build metadata source.
func WithDevice(s DeviceSource) Option { return func(c *Collector) { c.device = s } }

// WithTimeout bounds every individual query.
func WithTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for failures.
func WithLogger(l *logging.Logger) Option { return func(c *Collector) { c.log = l } }

// NewCollector creates a Collector. Missing sources yield unset fields;
// a missing device source reports "unknown".
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		timeout: defaultQueryTimeout,
		log:     logging.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.device == nil {
		c.device = StaticDevice{}
	}
	return c
}

// Collect runs every query in order and merges the present values.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if lvl, ok := c.BatteryLevel(ctx); ok {
		snap.BatteryLevel = &lvl
	}
	if dbm, ok := c.SignalStrength(ctx); ok {
		snap.SignalStrength = &dbm
	}
	if id, ok := c.DeviceID(ctx); ok {
		snap.DeviceID = id
	}

	dev := c.Device()
	snap.Manufacturer = dev.Manufacturer
	snap.Model = dev.Model

	return snap
}

// BatteryLevel returns the charge percentage, or false if unknown.
func (c *Collector) BatteryLevel(ctx context.Context) (int, bool) {
	if c.battery == nil {
		return 0, false
	}
	type state struct{ level, scale int }
	st, err := query(ctx, c.timeout, func(ctx context.Context) (state, error) {
		level, scale, err := c.battery.BatteryState(ctx)
		return state{level, scale}, err
	})
	if err != nil {
		c.log.Warn("battery query failed", "error", err)
		return 0, false
	}
	return BatteryPercent(st.level, st.scale)
}

// SignalStrength returns the dBm of the first registered cell that decodes,
// or false if none does.
func (c *Collector) SignalStrength(ctx context.Context) (int, bool) {
	if c.cell == nil {
		return 0, false
	}
	infos, err := query(ctx, c.timeout, c.cell.CellInfo)
	if err != nil {
		c.log.Warn("cell info query failed", "error", err)
		return 0, false
	}
	return SelectSignal(infos)
}

// DeviceID returns the radio hardware identifier, or false if unknown.
func (c *Collector) DeviceID(ctx context.Context) (string, bool) {
	if c.cell == nil {
		return "", false
	}
	id, err := query(ctx, c.timeout, c.cell.DeviceID)
	if err != nil {
		c.log.Warn("device id query failed", "error", err)
		return "", false
	}
	return id, id != ""
}

// Device returns build metadata. It never fails; a panicking source reports
// "unknown".
func (c *Collector) Device() (dev Device) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("device source panicked", "panic", r)
			dev = Device{Manufacturer: unknown, Model: unknown}
		}
	}()
	dev = c.device.Device()
	if dev.Manufacturer == "" {
		dev.Manufacturer = unknown
	}
	if dev.Model == "" {
		dev.Model = unknown
	}
	return dev
}

// query runs fn with a deadline. Panics and timeouts are converted into
// errors; the result channel is buffered so a late answer never blocks.
func query[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: panic: %v", ErrUnavailable, r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
