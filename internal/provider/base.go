package provider

import (
	"context"
	"sync"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/broadcast"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/logging"
	"github.com/shaunagostinho/bgloc/internal/telemetry"
)

// Base implements every Provider operation except Start.
type Base struct {
	id      location.ProviderID
	name    string
	service Service
	signal  *alert.Signal
	log     *logging.Logger

	mu   sync.Mutex
	last *location.Location
}

// NewBase binds a provider to its service. Tones are only enabled when the
// provider is configured for debugging and factory is non-nil.
func NewBase(id location.ProviderID, name string, svc Service, factory alert.Factory, log *logging.Logger) *Base {
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("component", "provider", "provider", name)

	cfg := svc.Config()
	if !cfg.ProviderSnapshot().Debug {
		factory = nil
	}
	ac := cfg.AlertSnapshot()

	return &Base{
		id:      id,
		name:    name,
		service: svc,
		signal:  alert.NewSignal(factory, ac.Stream, ac.Volume, log),
		log:     log,
	}
}

func (b *Base) ID() location.ProviderID { return b.id }
func (b *Base) Name() string            { return b.name }

// Service returns the owning service.
func (b *Base) Service() Service { return b.service }

// Logger returns the provider-scoped logger.
func (b *Base) Logger() *logging.Logger { return b.log }

func (b *Base) OnCreate() {
	b.signal.Acquire()
}

func (b *Base) OnDestroy() {
	b.signal.Release()
}

// StartTone plays t when debug tones are active.
func (b *Base) StartTone(t alert.Tone) {
	b.signal.Start(t)
}

// ToneState exposes the alert lifecycle for status reporting.
func (b *Base) ToneState() alert.State {
	return b.signal.State()
}

func (b *Base) HandleLocation(ctx context.Context, fix location.Fix) {
	loc := b.enrich(ctx, location.New(b.id, fix))
	b.service.HandleLocation(loc)
}

func (b *Base) HandleStationary(ctx context.Context, fix location.Fix) {
	loc := b.enrich(ctx, location.NewStationary(b.id, fix))
	b.service.HandleStationary(loc)
}

func (b *Base) HandleStationaryWithRadius(ctx context.Context, fix location.Fix, radius float64) {
	loc := b.enrich(ctx, location.NewStationaryWithRadius(b.id, fix, radius))
	b.service.HandleStationary(loc)
}

// HandleSecurityException reports a denied access to the service. It never
// dispatches a location.
func (b *Base) HandleSecurityException(err error) {
	e := PermissionDenied(err)
	b.log.Error("permission denied", "error", e.Message)
	b.service.HandleError(e)
}

// RegisterReceiver forwards to the owning service.
func (b *Base) RegisterReceiver(r broadcast.Receiver, f broadcast.Filter) *broadcast.Intent {
	return b.service.RegisterReceiver(r, f)
}

// UnregisterReceiver forwards to the owning service.
func (b *Base) UnregisterReceiver(r broadcast.Receiver) {
	b.service.UnregisterReceiver(r)
}

// LastLocation returns a copy of the last record dispatched, or nil.
func (b *Base) LastLocation() *location.Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil
	}
	cp := *b.last
	return &cp
}

func (b *Base) enrich(ctx context.Context, loc *location.Location) *location.Location {
	var snap telemetry.Snapshot
	if c := b.service.Telemetry(); c != nil {
		snap = c.Collect(ctx)
	} else {
		snap = telemetry.Snapshot{Manufacturer: "unknown", Model: "unknown"}
	}
	location.Enrich(loc, snap)

	b.mu.Lock()
	cp := *loc
	b.last = &cp
	b.mu.Unlock()

	return loc
}
