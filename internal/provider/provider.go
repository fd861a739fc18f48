// Package provider defines the contract between location backends and the
// service that owns them.
//
// A backend embeds *Base and implements Start. Base turns every fix the
// backend reports into exactly one enriched record for the service, and
// converts permission failures into error objects instead of crashes.
package provider

import (
	"context"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/broadcast"
	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/telemetry"
)

// Provider is a location backend.
type Provider interface {
	ID() location.ProviderID
	Name() string

	// OnCreate acquires provider resources. Failures are not fatal.
	OnCreate()
	// OnDestroy releases provider resources. Safe to call more than once
	// and without a prior OnCreate.
	OnDestroy()

	// Start runs the backend until ctx is done.
	Start(ctx context.Context) error

	HandleLocation(ctx context.Context, fix location.Fix)
	HandleStationary(ctx context.Context, fix location.Fix)
	HandleStationaryWithRadius(ctx context.Context, fix location.Fix, radius float64)
	HandleSecurityException(err error)

	StartTone(t alert.Tone)
}

// Service is the owner of a provider. It receives enriched records and
// errors, and gives access to shared configuration and device state.
type Service interface {
	Config() *config.Config
	Telemetry() *telemetry.Collector

	// RegisterReceiver subscribes r to intents matching f and returns the
	// current sticky intent, if any. A nil r only reads sticky state.
	RegisterReceiver(r broadcast.Receiver, f broadcast.Filter) *broadcast.Intent
	UnregisterReceiver(r broadcast.Receiver)

	HandleLocation(loc *location.Location)
	HandleStationary(loc *location.Location)
	HandleError(e *ErrorObject)
}
