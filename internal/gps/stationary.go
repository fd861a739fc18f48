package gps

import (
	"context"
	"math"
	"time"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/location"
)

const earthRadius = 6371000.0 // meters

// Mode selects how fixes are forwarded.
type Mode string

const (
	// ModeDistanceFilter forwards moving fixes and collapses a stop into a
	// single stationary event.
	ModeDistanceFilter Mode = "distance_filter"
	// ModeRaw forwards every fix.
	ModeRaw Mode = "raw"
)

// handler is the part of a provider a Filter dispatches to.
type handler interface {
	HandleLocation(ctx context.Context, fix location.Fix)
	HandleStationaryWithRadius(ctx context.Context, fix location.Fix, radius float64)
	StartTone(t alert.Tone)
}

// Event is the outcome of feeding one fix to a Detector.
type Event int

const (
	EventMoving     Event = iota // forward as a location
	EventStationary              // entered a stationary region
	EventSuppressed              // still inside the stationary region
	EventResumed                 // left the region, forward as a location
)

// Detector tracks whether the device has stayed within radius of an anchor
// for at least dwell. Not safe for concurrent use.
type Detector struct {
	radius float64
	dwell  time.Duration

	anchor     *location.Fix
	stationary bool
}

// NewDetector creates a stationary detector.
func NewDetector(radius float64, dwell time.Duration) *Detector {
	return &Detector{radius: radius, dwell: dwell}
}

// Update feeds a fix and reports what it means.
func (d *Detector) Update(fix location.Fix) Event {
	if d.anchor == nil {
		d.anchor = &fix
		return EventMoving
	}

	if Distance(*d.anchor, fix) > d.radius {
		wasStationary := d.stationary
		d.anchor = &fix
		d.stationary = false
		if wasStationary {
			return EventResumed
		}
		return EventMoving
	}

	if d.stationary {
		return EventSuppressed
	}
	if fix.Time.Sub(d.anchor.Time) >= d.dwell {
		d.stationary = true
		return EventStationary
	}
	return EventMoving
}

// Stationary reports whether the last update left the device stationary.
func (d *Detector) Stationary() bool { return d.stationary }

// Anchor returns the center of the current region.
func (d *Detector) Anchor() (location.Fix, bool) {
	if d.anchor == nil {
		return location.Fix{}, false
	}
	return *d.anchor, true
}

// Filter turns decoded fixes into provider calls according to the mode.
type Filter struct {
	mode        Mode
	minAccuracy float64
	detector    *Detector
}

// NewFilter creates a filter. minAccuracy rejects fixes whose accuracy is
// worse than the given meters; 0 disables the check.
func NewFilter(mode Mode, radius float64, dwell time.Duration, minAccuracy float64) *Filter {
	f := &Filter{mode: mode, minAccuracy: minAccuracy}
	if mode != ModeRaw {
		f.mode = ModeDistanceFilter
		f.detector = NewDetector(radius, dwell)
	}
	return f
}

// Mode returns the effective mode.
func (f *Filter) Mode() Mode { return f.mode }

func (f *Filter) apply(ctx context.Context, h handler, fix location.Fix) {
	if f.minAccuracy > 0 && fix.Accuracy > f.minAccuracy {
		return
	}
	if f.detector == nil {
		h.StartTone(alert.Beep)
		h.HandleLocation(ctx, fix)
		return
	}

	switch f.detector.Update(fix) {
	case EventMoving:
		h.StartTone(alert.Beep)
		h.HandleLocation(ctx, fix)
	case EventResumed:
		h.StartTone(alert.DoodlyDoo)
		h.HandleLocation(ctx, fix)
	case EventStationary:
		// region center, observed now
		anchor, _ := f.detector.Anchor()
		st := fix
		st.Latitude, st.Longitude = anchor.Latitude, anchor.Longitude
		h.StartTone(alert.LongBeep)
		h.HandleStationaryWithRadius(ctx, st, f.detector.radius)
	case EventSuppressed:
	}
}

// Distance returns the great-circle distance between two fixes in meters.
func Distance(a, b location.Fix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}
