package server

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shaunagostinho/bgloc/internal/gps"
	"github.com/shaunagostinho/bgloc/internal/location"
)

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// odometer accumulates distance between forwarded moving fixes and persists
// the totals across restarts.
type odometer struct {
	mu    sync.Mutex
	path  string
	total float64 // km
	trip  float64 // km

	last  location.Fix
	valid bool
}

func newOdometer(path string) *odometer {
	o := &odometer{path: path}
	o.load()
	return o
}

// update accumulates distance from position changes.
func (o *odometer) update(loc *location.Location) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.valid {
		// First fix seeds the position
		o.last = loc.Fix
		o.valid = true
		return
	}

	dist := gps.Distance(o.last, loc.Fix) / 1000

	// Ignore jumps > 500m between fixes (receiver glitch or long gap)
	if dist > 0.5 {
		o.last = loc.Fix
		return
	}

	// Minimum movement threshold: ~2 meters
	if dist > 0.002 {
		o.total += dist
		o.trip += dist
		o.last = loc.Fix
	}
}

func (o *odometer) resetTrip() {
	o.mu.Lock()
	o.trip = 0
	o.mu.Unlock()
}

func (o *odometer) snapshot() *OdoData {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &OdoData{Total: math.Round(o.total*10) / 10, Trip: math.Round(o.trip*10) / 10}
}

func (o *odometer) load() {
	data, err := os.ReadFile(o.path)
	if err != nil {
		log.Printf("[odo] no saved data at %s (starting at 0)", o.path)
		return
	}
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(parts) >= 1 {
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
			o.total = v
		}
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			o.trip = v
		}
	}
	log.Printf("[odo] loaded: total=%.1f km, trip=%.1f km", o.total, o.trip)
}

func (o *odometer) save() {
	o.mu.Lock()
	total, trip := o.total, o.trip
	o.mu.Unlock()

	os.MkdirAll(filepath.Dir(o.path), 0755)

	data := fmt.Sprintf("%.6f\n%.6f\n", total, trip)
	if err := os.WriteFile(o.path, []byte(data), 0644); err != nil {
		log.Printf("[odo] save failed: %v", err)
	}
}
