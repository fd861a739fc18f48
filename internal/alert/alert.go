// Package alert plays short debug tones. It is cosmetic: every misuse is
// absorbed and nothing here can affect location delivery.
package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/bgloc/internal/logging"
)

// Tone is a symbolic tone name. The zero value is not a tone; values can
// only be obtained from the package variables or ParseTone.
type Tone struct {
	id uint8
}

var (
	Beep            = Tone{1}
	BeepBeepBeep    = Tone{2}
	LongBeep        = Tone{3}
	DoodlyDoo       = Tone{4}
	ChirpChirpChirp = Tone{5}
	DialTone        = Tone{6}
)

// ToneDuration is how long every tone plays.
const ToneDuration = 1000 * time.Millisecond

// Tone codes follow the Android ToneGenerator numbering so mobile clients
// can replay cues received over the feed.
const (
	CodeSupRingtone          = 23
	CodePropBeep             = 24
	CodeCDMAConfirm          = 41
	CodeCDMAAlertNetworkLite = 86
	CodeCDMAAlertCallGuard   = 93
	CodeCDMAAbbrAlert        = 97
)

type toneSpec struct {
	name     string
	code     int
	duration time.Duration
}

var toneTable = map[Tone]toneSpec{
	Beep:            {name: "BEEP", code: CodePropBeep, duration: ToneDuration},
	BeepBeepBeep:    {name: "BEEP_BEEP_BEEP", code: CodeCDMAConfirm, duration: ToneDuration},
	LongBeep:        {name: "LONG_BEEP", code: CodeCDMAAbbrAlert, duration: ToneDuration},
	DoodlyDoo:       {name: "DOODLY_DOO", code: CodeCDMAAlertNetworkLite, duration: ToneDuration},
	ChirpChirpChirp: {name: "CHIRP_CHIRP_CHIRP", code: CodeCDMAAlertCallGuard, duration: ToneDuration},
	DialTone:        {name: "DIALTONE", code: CodeSupRingtone, duration: ToneDuration},
}

// Tones lists every tone in declaration order.
func Tones() []Tone {
	return []Tone{Beep, BeepBeepBeep, LongBeep, DoodlyDoo, ChirpChirpChirp, DialTone}
}

func (t Tone) String() string {
	if s, ok := toneTable[t]; ok {
		return s.name
	}
	return "INVALID"
}

// Code returns the backend tone code.
func (t Tone) Code() int {
	return toneTable[t].code
}

// ParseTone resolves a tone name such as "long_beep" or "LONG_BEEP".
func ParseTone(name string) (Tone, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for t, s := range toneTable {
		if s.name == upper {
			return t, nil
		}
	}
	return Tone{}, fmt.Errorf("alert: unknown tone %q", name)
}

// ToneForCode maps a backend tone code back to its tone.
func ToneForCode(code int) (Tone, bool) {
	for t, s := range toneTable {
		if s.code == code {
			return t, true
		}
	}
	return Tone{}, false
}

// Generator produces tones on some output.
type Generator interface {
	StartTone(code int, duration time.Duration) error
	Release() error
}

// Factory acquires a generator bound to an output stream and volume.
type Factory func(stream string, volume int) (Generator, error)

// State is the lifecycle of a Signal.
type State int

const (
	Uninitialized State = iota
	Active
	Released
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Released:
		return "released"
	}
	return "invalid"
}

// Signal owns one generator: Uninitialized -> Active -> Released.
// Start is effective only while Active. Safe for concurrent use.
type Signal struct {
	factory Factory
	stream  string
	volume  int
	log     *logging.Logger

	mu    sync.Mutex
	state State
	gen   Generator
}

// NewSignal creates an uninitialized signal. A nil factory makes every
// tone a no-op.
func NewSignal(factory Factory, stream string, volume int, log *logging.Logger) *Signal {
	if log == nil {
		log = logging.Discard()
	}
	return &Signal{
		factory: factory,
		stream:  stream,
		volume:  volume,
		log:     log,
	}
}

// State returns the current lifecycle state.
func (s *Signal) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquire moves Uninitialized to Active. Failing to acquire the generator
// is not fatal; the signal stays Uninitialized and tones are ignored.
// Calls in any other state are no-ops.
func (s *Signal) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized || s.factory == nil {
		return
	}
	gen, err := s.factory(s.stream, s.volume)
	if err == nil && gen == nil {
		err = fmt.Errorf("alert: factory returned no generator")
	}
	if err != nil {
		s.log.Warn("tone generator unavailable", "stream", s.stream, "error", err)
		return
	}
	s.gen = gen
	s.state = Active
}

// Start plays t if the signal is Active; otherwise it does nothing.
func (s *Signal) Start(t Tone) {
	spec, ok := toneTable[t]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return
	}
	if err := s.gen.StartTone(spec.code, spec.duration); err != nil {
		s.log.Debug("tone failed", "tone", spec.name, "error", err)
	}
}

// Release moves Active to Released and frees the generator. It is a no-op
// in any other state.
func (s *Signal) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return
	}
	if err := s.gen.Release(); err != nil {
		s.log.Debug("tone generator release failed", "error", err)
	}
	s.gen = nil
	s.state = Released
}
