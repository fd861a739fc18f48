package server

import (
	"sync"
	"time"

	"github.com/shaunagostinho/bgloc/internal/alert"
)

// ToneFrame describes a debug tone for clients to play.
type ToneFrame struct {
	Name       string `json:"name"`
	Code       int    `json:"code"`
	DurationMs int64  `json:"durationMs"`
	Stream     string `json:"stream"`
	Volume     int    `json:"volume"`
}

// ToneGenerator forwards tones to connected WebSocket clients.
type ToneGenerator struct {
	s      *Server
	stream string
	volume int

	mu       sync.Mutex
	released bool
}

// NewToneFactory returns a tone factory that plays through the feed.
func NewToneFactory(s *Server) alert.Factory {
	return func(stream string, volume int) (alert.Generator, error) {
		return &ToneGenerator{s: s, stream: stream, volume: volume}, nil
	}
}

func (g *ToneGenerator) StartTone(code int, duration time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return alert.ErrReleased
	}
	name := "UNKNOWN"
	if t, ok := alert.ToneForCode(code); ok {
		name = t.String()
	}
	g.s.broadcast(Frame{
		Type: FrameTone,
		Tone: &ToneFrame{
			Name:       name,
			Code:       code,
			DurationMs: duration.Milliseconds(),
			Stream:     g.stream,
			Volume:     g.volume,
		},
		Stamp: time.Now().UnixMilli(),
	})
	return nil
}

func (g *ToneGenerator) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	return nil
}
