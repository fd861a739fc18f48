package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrModemCommand is returned when the modem answers ERROR to a command.
var ErrModemCommand = errors.New("modem: command failed")

const modemReadTimeout = 200 * time.Millisecond

// atPort is the part of serial.Port the modem needs.
type atPort interface {
	io.ReadWriter
	Close() error
}

// Modem reads cellular state from a 3GPP modem over its AT command port
// (e.g. the third ttyUSB of a Quectel/SIMCom module).
//
// Commands used: AT+CREG? (registration), AT+COPS? (access technology),
// AT+CSQ (GSM RSSI), AT+CESQ (WCDMA RSCP / LTE RSRP), AT+CGSN (IMEI).
type Modem struct {
	portPath string
	baudRate int
	open     func(path string, baud int) (atPort, error)

	mu   sync.Mutex
	port atPort
}

// NewModem creates a modem cell source. The port is opened on first use.
func NewModem(portPath string, baudRate int) *Modem {
	if baudRate == 0 {
		baudRate = 115200
	}
	return &Modem{
		portPath: portPath,
		baudRate: baudRate,
		open:     openSerial,
	}
}

func openSerial(path string, baud int) (atPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("modem: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(modemReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("modem: failed to set timeout: %w", err)
	}
	log.Printf("[modem] opened %s at %d baud", path, baud)
	return port, nil
}

// Close releases the serial port.
func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// CellInfo reports the serving cell. The modem only exposes the cell it is
// camped on, so the result has at most one entry.
func (m *Modem) CellInfo(ctx context.Context) ([]CellInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureOpen(); err != nil {
		return nil, err
	}

	lines, err := m.transact(ctx, "AT+CREG?")
	if err != nil {
		return nil, m.fail(err)
	}
	info := CellInfo{Registered: parseCREG(lines)}

	// A rejected AT+COPS? leaves the radio unknown; an I/O error may leave
	// its answer unread, so the port is dropped.
	lines, err = m.transact(ctx, "AT+COPS?")
	switch {
	case err == nil:
		info.Radio = parseCOPSRadio(lines)
	case !errors.Is(err, ErrModemCommand):
		return nil, m.fail(err)
	}

	switch info.Radio {
	case RadioGSM:
		lines, err := m.transact(ctx, "AT+CSQ")
		if err != nil {
			return nil, m.fail(err)
		}
		if asu, ok := parseCSQ(lines); ok {
			info.Strength = GSMStrength{ASU: asu}
		}
	case RadioWCDMA, RadioLTE:
		lines, err := m.transact(ctx, "AT+CESQ")
		if err != nil {
			return nil, m.fail(err)
		}
		if q, ok := parseCESQ(lines); ok {
			if info.Radio == RadioLTE {
				info.Strength = LTEStrength{RSRPIndex: q.rsrp}
			} else {
				info.Strength = WCDMAStrength{RSCPIndex: q.rscp}
			}
		}
	}

	return []CellInfo{info}, nil
}

// DeviceID returns the modem IMEI.
func (m *Modem) DeviceID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureOpen(); err != nil {
		return "", err
	}
	lines, err := m.transact(ctx, "AT+CGSN")
	if err != nil {
		return "", m.fail(err)
	}
	return parseCGSN(lines), nil
}

func (m *Modem) ensureOpen() error {
	if m.port != nil {
		return nil
	}
	port, err := m.open(m.portPath, m.baudRate)
	if err != nil {
		return err
	}
	m.port = port
	return nil
}

// fail drops the port on I/O errors so the next query reopens it.
func (m *Modem) fail(err error) error {
	if !errors.Is(err, ErrModemCommand) && m.port != nil {
		m.port.Close()
		m.port = nil
	}
	return err
}

// transact sends one command and collects response lines up to the final
// result code. Echo and blank lines are skipped.
func (m *Modem) transact(ctx context.Context, cmd string) ([]string, error) {
	if _, err := m.port.Write([]byte(cmd + "\r")); err != nil {
		return nil, fmt.Errorf("modem: write %s: %w", cmd, err)
	}

	var (
		lines []string
		buf   []byte
		chunk = make([]byte, 256)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := m.port.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("modem: read %s: %w", cmd, err)
		}
		if n == 0 {
			continue // read timeout, re-check ctx
		}
		buf = append(buf, chunk[:n]...)

		for {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(buf[:idx]))
			buf = buf[idx+1:]

			switch {
			case line == "" || line == cmd:
			case line == "OK":
				return lines, nil
			case line == "ERROR", strings.HasPrefix(line, "+CME ERROR"), strings.HasPrefix(line, "+CMS ERROR"):
				return nil, fmt.Errorf("%w: %s: %s", ErrModemCommand, cmd, line)
			default:
				lines = append(lines, line)
			}
		}
	}
}

// responseFields returns the comma separated fields of the first line with
// the given prefix, e.g. "+CSQ: 20,99" -> ["20", "99"].
func responseFields(lines []string, prefix string) ([]string, bool) {
	for _, l := range lines {
		if !strings.HasPrefix(l, prefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(l, prefix))
		parts := strings.Split(rest, ",")
		for i := range parts {
			parts[i] = strings.Trim(strings.TrimSpace(parts[i]), `"`)
		}
		return parts, true
	}
	return nil, false
}

// parseCREG reports registration: stat 1 (home) or 5 (roaming).
// "+CREG: <n>,<stat>[,...]"
func parseCREG(lines []string) bool {
	f, ok := responseFields(lines, "+CREG:")
	if !ok || len(f) < 2 {
		return false
	}
	stat, err := strconv.Atoi(f[1])
	if err != nil {
		return false
	}
	return stat == 1 || stat == 5
}

// parseCOPSRadio maps the <AcT> field of "+COPS: <mode>,<format>,<oper>,<AcT>".
func parseCOPSRadio(lines []string) Radio {
	f, ok := responseFields(lines, "+COPS:")
	if !ok || len(f) < 4 {
		return RadioUnknown
	}
	act, err := strconv.Atoi(f[3])
	if err != nil {
		return RadioUnknown
	}
	switch act {
	case 0, 1, 3: // GSM, GSM compact, GSM w/EGPRS
		return RadioGSM
	case 2, 4, 5, 6: // UTRAN, HSDPA, HSUPA, HSDPA+HSUPA
		return RadioWCDMA
	case 7: // E-UTRAN
		return RadioLTE
	}
	return RadioUnknown
}

// parseCSQ returns the RSSI ASU of "+CSQ: <rssi>,<ber>".
func parseCSQ(lines []string) (int, bool) {
	f, ok := responseFields(lines, "+CSQ:")
	if !ok || len(f) < 1 {
		return 0, false
	}
	rssi, err := strconv.Atoi(f[0])
	if err != nil {
		return 0, false
	}
	return rssi, true
}

type cesq struct {
	rscp int
	rsrp int
}

// parseCESQ reads "+CESQ: <rxlev>,<ber>,<rscp>,<ecno>,<rsrq>,<rsrp>".
func parseCESQ(lines []string) (cesq, bool) {
	f, ok := responseFields(lines, "+CESQ:")
	if !ok || len(f) < 6 {
		return cesq{}, false
	}
	rscp, err1 := strconv.Atoi(f[2])
	rsrp, err2 := strconv.Atoi(f[5])
	if err1 != nil || err2 != nil {
		return cesq{}, false
	}
	return cesq{rscp: rscp, rsrp: rsrp}, true
}

// parseCGSN extracts the IMEI; some modems prefix it with "+CGSN:".
func parseCGSN(lines []string) string {
	for _, l := range lines {
		l = strings.Trim(strings.TrimSpace(strings.TrimPrefix(l, "+CGSN:")), `"`)
		if l == "" {
			continue
		}
		if _, err := strconv.ParseUint(l, 10, 64); err == nil {
			return l
		}
	}
	return ""
}
