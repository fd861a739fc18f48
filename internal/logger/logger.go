// Package logger records locations to CSV files with automatic rotation.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
)

// Logger writes one row per location. Moving fixes are throttled to the
// configured interval; stationary events are always written.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~28 hrs at 1 Hz)
)

var csvHeader = []string{
	"timestamp", "fix_time", "provider",
	"latitude", "longitude", "altitude_m", "accuracy_m",
	"speed_mps", "bearing_deg",
	"battery_pct", "signal_dbm",
	"device_id", "manufacturer", "model",
	"stationary", "radius_m",
}

// New creates a new Logger.
func New(cfg config.CSVConfig) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/bgloc"
	}
	interval := time.Duration(cfg.Interval) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		now:      time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a location row if logging is enabled.
func (l *Logger) Record(loc *location.Location) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || loc == nil {
		return
	}

	now := l.now()
	if !loc.IsStationary() && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, loc)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("locations_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, loc *location.Location) []string {
	row := make([]string, len(csvHeader))

	row[0] = ts.UTC().Format(time.RFC3339Nano)
	row[1] = loc.Time.UTC().Format(time.RFC3339Nano)
	row[2] = loc.ProviderID.String()
	row[3] = fmt.Sprintf("%.6f", loc.Latitude)
	row[4] = fmt.Sprintf("%.6f", loc.Longitude)
	row[5] = fmt.Sprintf("%.1f", loc.Altitude)
	row[6] = fmt.Sprintf("%.1f", loc.Accuracy)
	row[7] = fmt.Sprintf("%.2f", loc.Speed)
	row[8] = fmt.Sprintf("%.1f", loc.Bearing)
	if loc.BatteryLevel != nil {
		row[9] = strconv.Itoa(*loc.BatteryLevel)
	}
	if loc.SignalStrength != nil {
		row[10] = strconv.Itoa(*loc.SignalStrength)
	}
	row[11] = loc.DeviceID
	row[12] = loc.DeviceManufacturer
	row[13] = loc.DeviceModel
	row[14] = boolStr(loc.IsStationary())
	if loc.StationaryRadius != nil {
		row[15] = fmt.Sprintf("%.1f", *loc.StationaryRadius)
	}

	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
