package gps

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
)

// Demo generates simulated fixes: a loop around a point with a stop every
// few minutes so stationary detection can be exercised without hardware.
type Demo struct {
	*provider.Base

	interval time.Duration
	filter   *Filter
	now      func() time.Time

	t        float64
	tick     int
	driveFor int
	stopFor  int
}

// NewDemo creates a demo backend emitting one fix per interval.
func NewDemo(base *provider.Base, interval time.Duration, filter *Filter) *Demo {
	if interval <= 0 {
		interval = time.Second
	}
	return &Demo{
		Base:     base,
		interval: interval,
		filter:   filter,
		now:      time.Now,
		driveFor: 120,
		stopFor:  90,
	}
}

func (d *Demo) Start(ctx context.Context) error {
	d.StartTone(alert.DialTone)
	defer d.StartTone(alert.BeepBeepBeep)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.filter.apply(ctx, d, d.next())
		}
	}
}

// next advances the simulation by one step.
func (d *Demo) next() location.Fix {
	d.tick++
	moving := d.tick%(d.driveFor+d.stopFor) < d.driveFor
	if moving {
		d.t += 0.1
	}

	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	speed := 0.0
	if moving {
		speed = 14 + 8*math.Sin(d.t*0.3) + rand.Float64()*1.5
	}

	return location.Fix{
		Provider:  "demo",
		Latitude:  centerLat + radius*math.Sin(d.t*0.1),
		Longitude: centerLon + radius*math.Cos(d.t*0.1),
		Altitude:  76,
		Accuracy:  4 + rand.Float64()*2,
		Speed:     speed,
		Bearing:   math.Mod(d.t*10, 360),
		Time:      d.now().UTC(),
	}
}
