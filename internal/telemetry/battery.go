package telemetry

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shaunagostinho/bgloc/internal/broadcast"
)

// unknownLevel is the sentinel a battery source reports for unknown values.
const unknownLevel = -1

// BatteryPercent converts a raw level/scale pair into 0-100.
// Unknown inputs (-1) or a non-positive scale yield false, never 0.
func BatteryPercent(level, scale int) (int, bool) {
	if level == unknownLevel || scale == unknownLevel || level < 0 || scale <= 0 {
		return 0, false
	}
	pct := int(math.Round(float64(level) / float64(scale) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// Registrar is the receiver-registration side of the owning service.
type Registrar interface {
	RegisterReceiver(r broadcast.Receiver, f broadcast.Filter) *broadcast.Intent
}

// StickyBattery reads the last battery intent published on the service's
// broadcast hub, the same way a platform battery-changed broadcast is read.
type StickyBattery struct {
	registrar Registrar
}

// NewStickyBattery creates a battery source backed by sticky intents.
func NewStickyBattery(r Registrar) *StickyBattery {
	return &StickyBattery{registrar: r}
}

func (s *StickyBattery) BatteryState(_ context.Context) (int, int, error) {
	in := s.registrar.RegisterReceiver(nil, broadcast.NewFilter(broadcast.ActionBatteryChanged))
	if in == nil {
		return unknownLevel, unknownLevel, fmt.Errorf("%w: no battery state published", ErrUnavailable)
	}
	return in.IntExtra(broadcast.ExtraLevel, unknownLevel), in.IntExtra(broadcast.ExtraScale, unknownLevel), nil
}

// SysfsBattery reads a Linux power_supply node, e.g.
// /sys/class/power_supply/BAT0. capacity is already a percentage so scale
// is 100; charge_now/charge_full are used when capacity is missing.
type SysfsBattery struct {
	dir string
}

// NewSysfsBattery creates a battery source for a power_supply directory.
func NewSysfsBattery(dir string) *SysfsBattery {
	return &SysfsBattery{dir: dir}
}

func (s *SysfsBattery) BatteryState(_ context.Context) (int, int, error) {
	if v, err := readSysfsInt(filepath.Join(s.dir, "capacity")); err == nil {
		return v, 100, nil
	}
	now, err := readSysfsInt(filepath.Join(s.dir, "charge_now"))
	if err != nil {
		return unknownLevel, unknownLevel, fmt.Errorf("battery: %w", err)
	}
	full, err := readSysfsInt(filepath.Join(s.dir, "charge_full"))
	if err != nil {
		return now, unknownLevel, fmt.Errorf("battery: %w", err)
	}
	return now, full, nil
}

// Status returns the charging status string ("Charging", "Discharging", ...).
func (s *SysfsBattery) Status() string {
	data, err := os.ReadFile(filepath.Join(s.dir, "status"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// DemoBattery simulates a slowly draining battery.
type DemoBattery struct {
	mu    sync.Mutex
	level int
}

// NewDemoBattery creates a simulated battery starting at level percent.
func NewDemoBattery(level int) *DemoBattery {
	return &DemoBattery{level: level}
}

func (d *DemoBattery) BatteryState(_ context.Context) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.level > 5 {
		d.level--
	} else {
		d.level = 100 // "recharged"
	}
	return d.level, 100, nil
}
