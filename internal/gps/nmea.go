package gps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
)

const (
	knotsToMPS      = 0.514444
	hdopToMeters    = 5.0 // rough UERE for consumer receivers
	serialReadDelay = 200 * time.Millisecond
)

// NMEA reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEA struct {
	*provider.Base

	portPath string
	baudRate int
	open     func(path string, baud int) (io.ReadCloser, error)
	filter   *Filter
}

// NMEAConfig holds configuration for the NMEA backend.
type NMEAConfig struct {
	PortPath string
	BaudRate int
}

// NewNMEA creates an NMEA backend bound to base. The filter decides which
// fixes become locations and which become stationary events.
func NewNMEA(base *provider.Base, cfg NMEAConfig, filter *Filter) *NMEA {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEA{
		Base:     base,
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		open:     openSerial,
		filter:   filter,
	}
}

func openSerial(path string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("gps: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(serialReadDelay); err != nil {
		port.Close()
		return nil, fmt.Errorf("gps: failed to set timeout: %w", err)
	}
	log.Printf("[gps] connected to %s at %d baud", path, baud)
	return port, nil
}

// Start opens the port with exponential backoff and streams fixes until
// ctx is done. A port the process may not open is reported to the service
// as a permission error, then retried like any other failure.
func (n *NMEA) Start(ctx context.Context) error {
	n.StartTone(alert.DialTone)
	defer n.StartTone(alert.BeepBeepBeep)

	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		port, err := n.open(n.portPath, n.baudRate)
		if err != nil {
			attempt++
			if provider.IsPermissionError(err) {
				n.StartTone(alert.ChirpChirpChirp)
				n.HandleSecurityException(err)
			}
			log.Printf("[gps] connect attempt %d failed: %v (retry in %v)", attempt, err, delay)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		attempt = 0
		delay = 1 * time.Second
		err = n.stream(ctx, port)
		port.Close()
		if err != nil && ctx.Err() == nil {
			log.Printf("[gps] read error on %s: %v, reconnecting", n.portPath, err)
		}
	}
}

// stream reads sentences until ctx is done or the port fails.
func (n *NMEA) stream(ctx context.Context, r io.Reader) error {
	var (
		dec   decoder
		buf   []byte
		chunk = make([]byte, 512)
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		nr, err := r.Read(chunk)
		if err != nil {
			return err
		}
		if nr == 0 {
			continue // read timeout
		}
		buf = append(buf, chunk[:nr]...)

		for {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(buf[:idx]))
			buf = buf[idx+1:]

			for _, fix := range dec.feed(line) {
				n.filter.apply(ctx, n, fix)
			}
		}
		// drop garbage that never terminates
		if len(buf) > 4096 {
			buf = buf[:0]
		}
	}
}

// decoder assembles RMC and GGA sentences of one epoch into a fix. A fix is
// emitted once both sentences for the same UTC time were seen, or when a
// new epoch starts while only the RMC of the previous one arrived.
type decoder struct {
	rmc     *rmcData
	gga     *ggaData
	rmcTime string
	ggaTime string
}

type rmcData struct {
	valid     bool
	time      time.Time
	latitude  float64
	longitude float64
	speed     float64 // m/s
	bearing   float64
}

type ggaData struct {
	quality  int
	hdop     float64
	altitude float64
}

// feed consumes one sentence and returns the fixes it completes.
func (d *decoder) feed(line string) []location.Fix {
	if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
		return nil
	}
	parts := splitNMEA(line)
	if len(parts) < 2 || len(parts[0]) < 5 {
		return nil
	}

	var out []location.Fix
	switch parts[0][2:] {
	case "RMC":
		rmc, ok := parseRMC(parts)
		if !ok {
			return nil
		}
		if d.rmc != nil && d.rmcTime != parts[1] {
			if fix, ok := buildFix(d.rmc, nil); ok {
				out = append(out, fix)
			}
		}
		d.rmc, d.rmcTime = &rmc, parts[1]
	case "GGA":
		gga, ok := parseGGA(parts)
		if !ok {
			return nil
		}
		d.gga, d.ggaTime = &gga, parts[1]
	default:
		return nil
	}

	if d.rmc != nil && d.gga != nil && d.rmcTime == d.ggaTime {
		if fix, ok := buildFix(d.rmc, d.gga); ok {
			out = append(out, fix)
		}
		d.rmc, d.gga = nil, nil
		d.rmcTime, d.ggaTime = "", ""
	}
	return out
}

func buildFix(rmc *rmcData, gga *ggaData) (location.Fix, bool) {
	if !rmc.valid {
		return location.Fix{}, false
	}
	fix := location.Fix{
		Provider:  "gps",
		Latitude:  rmc.latitude,
		Longitude: rmc.longitude,
		Speed:     rmc.speed,
		Bearing:   rmc.bearing,
		Time:      rmc.time,
	}
	if gga != nil {
		if gga.quality == 0 {
			return location.Fix{}, false
		}
		fix.Altitude = gga.altitude
		fix.Accuracy = gga.hdop * hdopToMeters
	}
	return fix, true
}

func parseRMC(parts []string) (rmcData, bool) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	if len(parts) < 10 {
		return rmcData{}, false
	}
	r := rmcData{valid: parts[2] == "A"}
	if !r.valid {
		return r, true
	}

	r.latitude = parseNMEACoord(parts[3], parts[4])
	r.longitude = parseNMEACoord(parts[5], parts[6])
	if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
		r.speed = spd * knotsToMPS
	}
	if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
		r.bearing = hdg
	}
	t, err := parseNMEATime(parts[9], parts[1])
	if err != nil {
		return rmcData{}, false
	}
	r.time = t
	return r, true
}

func parseGGA(parts []string) (ggaData, bool) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	if len(parts) < 11 {
		return ggaData{}, false
	}
	var g ggaData
	if fix, err := strconv.Atoi(parts[6]); err == nil {
		g.quality = fix
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		g.hdop = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		g.altitude = alt
	}
	return g, true
}

// parseNMEATime combines ddmmyy and hhmmss.ss into a UTC time.
func parseNMEATime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, fmt.Errorf("gps: bad date/time %q %q", date, clock)
	}
	t, err := time.Parse("020106150405", date+clock[:6])
	if err != nil {
		return time.Time{}, err
	}
	if len(clock) > 7 && clock[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+clock[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t, nil
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	// Strip checksum: everything after *
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
