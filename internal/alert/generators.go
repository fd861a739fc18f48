package alert

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shaunagostinho/bgloc/internal/logging"
)

// ErrReleased is returned by generators used after Release.
var ErrReleased = errors.New("alert: generator released")

// BellGenerator rings the terminal bell (BEL) once per tone, muted at volume 0.
type BellGenerator struct {
	mu       sync.Mutex
	w        io.Writer
	volume   int
	released bool
}

// NewBellFactory returns a factory writing BEL characters to w.
func NewBellFactory(w io.Writer) Factory {
	return func(_ string, volume int) (Generator, error) {
		if w == nil {
			return nil, fmt.Errorf("alert: no terminal")
		}
		return &BellGenerator{w: w, volume: volume}, nil
	}
}

func (b *BellGenerator) StartTone(_ int, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	if b.volume <= 0 {
		return nil
	}
	_, err := b.w.Write([]byte{'\a'})
	return err
}

func (b *BellGenerator) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

// LogGenerator records tones as debug log lines.
type LogGenerator struct {
	log    *logging.Logger
	stream string
}

// NewLogFactory returns a factory logging every tone.
func NewLogFactory(log *logging.Logger) Factory {
	return func(stream string, _ int) (Generator, error) {
		return &LogGenerator{log: log, stream: stream}, nil
	}
}

func (l *LogGenerator) StartTone(code int, duration time.Duration) error {
	l.log.Info("tone", "stream", l.stream, "code", code, "duration_ms", duration.Milliseconds())
	return nil
}

func (l *LogGenerator) Release() error { return nil }
