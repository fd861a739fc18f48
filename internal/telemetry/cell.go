package telemetry

// Radio is the radio access technology of a cell.
type Radio int

const (
	RadioUnknown Radio = iota
	RadioGSM
	RadioWCDMA
	RadioLTE
)

func (r Radio) String() string {
	switch r {
	case RadioGSM:
		return "gsm"
	case RadioWCDMA:
		return "wcdma"
	case RadioLTE:
		return "lte"
	}
	return "unknown"
}

// SignalStrength is a radio-specific strength measurement.
type SignalStrength interface {
	// Dbm decodes the measurement. ok is false when the raw value is the
	// radio's "unknown" code.
	Dbm() (dbm int, ok bool)
}

// GSMStrength holds the 3GPP TS 27.007 RSSI "ASU" (0-31, 99 unknown).
type GSMStrength struct {
	ASU int
}

func (s GSMStrength) Dbm() (int, bool) {
	if s.ASU < 0 || s.ASU > 31 {
		return 0, false
	}
	return -113 + 2*s.ASU, true
}

// WCDMAStrength holds RSCP either as a CESQ index (0-96, 255 unknown) or as
// an ASU (0-31 mapped to -120+ASU dBm) when RSCPIndex is negative.
type WCDMAStrength struct {
	RSCPIndex int
	ASU       int
}

func (s WCDMAStrength) Dbm() (int, bool) {
	if s.RSCPIndex >= 0 && s.RSCPIndex <= 96 {
		return s.RSCPIndex - 121, true
	}
	if s.RSCPIndex < 0 && s.ASU >= 0 && s.ASU <= 96 {
		return -120 + s.ASU, true
	}
	return 0, false
}

// LTEStrength holds RSRP as a CESQ index (0-97, 255 unknown).
type LTEStrength struct {
	RSRPIndex int
}

func (s LTEStrength) Dbm() (int, bool) {
	if s.RSRPIndex < 0 || s.RSRPIndex > 97 {
		return 0, false
	}
	return s.RSRPIndex - 141, true
}

// CellInfo is one cell seen by the radio.
type CellInfo struct {
	Radio      Radio
	Registered bool // serving cell the device is registered on
	Strength   SignalStrength
}

// SelectSignal returns the dBm of the first registered cell whose strength
// decodes. Later records are ignored once a match is found.
func SelectSignal(infos []CellInfo) (int, bool) {
	for _, info := range infos {
		if !info.Registered || info.Strength == nil {
			continue
		}
		if dbm, ok := decode(info); ok {
			return dbm, true
		}
	}
	return 0, false
}

// decode only trusts strength objects that match the cell's radio.
func decode(info CellInfo) (int, bool) {
	switch s := info.Strength.(type) {
	case GSMStrength:
		if info.Radio == RadioGSM {
			return s.Dbm()
		}
	case WCDMAStrength:
		if info.Radio == RadioWCDMA {
			return s.Dbm()
		}
	case LTEStrength:
		if info.Radio == RadioLTE {
			return s.Dbm()
		}
	}
	return 0, false
}
