// Package service owns the running location provider. It receives enriched
// records and errors from the provider and fans them out to the configured
// sinks, and it publishes device state on the broadcast hub.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/broadcast"
	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/logging"
	"github.com/shaunagostinho/bgloc/internal/provider"
	"github.com/shaunagostinho/bgloc/internal/server"
	"github.com/shaunagostinho/bgloc/internal/telemetry"
)

const (
	sinkTimeout         = 5 * time.Second
	defaultBatteryPoll  = 30 * time.Second
	defaultSyncInterval = 30 * time.Second
	syncBatch           = 100
)

// Options configures a LocationService.
type Options struct {
	Sinks Sinks

	// Battery is polled and published as sticky battery intents; the
	// collector reads the level back from the hub.
	Battery     telemetry.BatterySource
	BatteryPoll time.Duration

	Cell   telemetry.CellSource
	Device telemetry.DeviceSource

	// SyncInterval is how often records that missed the broker are retried.
	SyncInterval time.Duration
}

// LocationService implements provider.Service.
type LocationService struct {
	cfg       *config.Config
	hub       *broadcast.Hub
	collector *telemetry.Collector
	sinks     Sinks
	log       *logging.Logger
	now       func() time.Time

	battery      telemetry.BatterySource
	batteryPoll  time.Duration
	syncInterval time.Duration

	// syncMu keeps a live publish and a resync from sending the same row.
	syncMu sync.Mutex

	mu         sync.Mutex
	prov       provider.Provider
	running    bool
	startedAt  time.Time
	locations  int64
	stationary int64
	errCount   int64
	lastError  *provider.ErrorObject
	deviceID   string
}

var _ provider.Service = (*LocationService)(nil)

// New creates a service. log may be nil.
func New(cfg *config.Config, opts Options, log *logging.Logger) *LocationService {
	if log == nil {
		log = logging.Discard()
	}
	s := &LocationService{
		cfg:          cfg,
		hub:          broadcast.NewHub(),
		sinks:        opts.Sinks,
		log:          log,
		now:          time.Now,
		battery:      opts.Battery,
		batteryPoll:  opts.BatteryPoll,
		syncInterval: opts.SyncInterval,
	}
	if s.batteryPoll <= 0 {
		s.batteryPoll = defaultBatteryPoll
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaultSyncInterval
	}

	tcfg := cfg.TelemetrySnapshot()
	copts := []telemetry.Option{
		telemetry.WithTimeout(time.Duration(tcfg.QueryTimeoutMs) * time.Millisecond),
		telemetry.WithLogger(log.With("component", "telemetry")),
	}
	if opts.Battery != nil {
		copts = append(copts, telemetry.WithBattery(telemetry.NewStickyBattery(s)))
	}
	if opts.Cell != nil {
		copts = append(copts, telemetry.WithCell(opts.Cell))
	}
	if opts.Device != nil {
		copts = append(copts, telemetry.WithDevice(opts.Device))
	}
	s.collector = telemetry.NewCollector(copts...)
	return s
}

func (s *LocationService) Config() *config.Config          { return s.cfg }
func (s *LocationService) Telemetry() *telemetry.Collector { return s.collector }

// Hub returns the broadcast hub intents are published on.
func (s *LocationService) Hub() *broadcast.Hub { return s.hub }

// Attach updates the sinks, e.g. once a broker connection comes up.
func (s *LocationService) Attach(fn func(*Sinks)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.sinks)
}

func (s *LocationService) currentSinks() Sinks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks
}

func (s *LocationService) RegisterReceiver(r broadcast.Receiver, f broadcast.Filter) *broadcast.Intent {
	return s.hub.Register(r, f)
}

func (s *LocationService) UnregisterReceiver(r broadcast.Receiver) {
	s.hub.Unregister(r)
}

// Run drives p until ctx is done. The provider is always destroyed before
// Run returns. A nil provider leaves the service idle.
func (s *LocationService) Run(ctx context.Context, p provider.Provider) error {
	if s.battery != nil {
		s.PublishBattery(ctx)
		go s.monitorBattery(ctx)
	}
	go s.syncLoop(ctx)

	if p == nil {
		s.log.Info("location provider disabled")
		<-ctx.Done()
		return nil
	}

	s.mu.Lock()
	s.prov = p
	s.running = true
	s.startedAt = s.now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	p.OnCreate()
	defer p.OnDestroy()

	s.hub.SendSticky(broadcast.NewIntent(broadcast.ActionProviderChanged).
		Put("name", p.Name()).
		Put("id", int(p.ID())))

	s.log.Info("location provider started", "provider", p.Name(), "provider_id", p.ID().String())
	err := p.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("location provider stopped", "provider", p.Name(), "error", err)
		return err
	}
	s.log.Info("location provider stopped", "provider", p.Name())
	return nil
}

// HandleLocation fans a moving fix out to every sink.
func (s *LocationService) HandleLocation(loc *location.Location) {
	s.mu.Lock()
	s.locations++
	s.trackDevice(loc)
	s.mu.Unlock()
	s.dispatch(loc)
}

// HandleStationary fans a stationary event out to every sink.
func (s *LocationService) HandleStationary(loc *location.Location) {
	s.mu.Lock()
	s.stationary++
	s.trackDevice(loc)
	s.mu.Unlock()
	s.dispatch(loc)
}

// HandleError records a provider error and forwards it to the sinks that
// carry errors.
func (s *LocationService) HandleError(e *provider.ErrorObject) {
	if e == nil {
		return
	}
	s.mu.Lock()
	s.errCount++
	last := *e
	s.lastError = &last
	deviceID := s.deviceID
	sinks := s.sinks
	s.mu.Unlock()

	s.log.Warn("provider error", "code", e.Code, "message", e.Message)

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if sinks.MQTT != nil {
		if err := sinks.MQTT.PublishError(e); err != nil {
			s.log.Warn("mqtt error publish failed", "error", err)
		}
	}
	if sinks.Kafka != nil {
		if err := sinks.Kafka.EmitError(ctx, deviceID, e); err != nil {
			s.log.Warn("kafka error emit failed", "error", err)
		}
	}
	if sinks.TSDB != nil {
		sinks.TSDB.WriteError(e.Code, s.now())
	}
	if sinks.Feed != nil {
		sinks.Feed.BroadcastError(e)
	}
}

func (s *LocationService) trackDevice(loc *location.Location) {
	if loc.DeviceID != "" {
		s.deviceID = loc.DeviceID
	}
}

func (s *LocationService) dispatch(loc *location.Location) {
	sinks := s.currentSinks()
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	log := s.log.With("provider", loc.ProviderID.String(), "stationary", loc.IsStationary())
	log.Debug("location received", "lat", loc.Latitude, "lon", loc.Longitude, "accuracy", loc.Accuracy)

	s.deliver(ctx, log, sinks, loc)

	if sinks.Kafka != nil {
		if err := sinks.Kafka.EmitLocation(ctx, loc); err != nil {
			log.Warn("kafka emit failed", "error", err)
		}
	}
	if sinks.Geo != nil {
		if err := sinks.Geo.Update(ctx, loc); err != nil {
			log.Warn("geocache update failed", "error", err)
		}
	}
	if sinks.TSDB != nil {
		sinks.TSDB.WriteLocation(loc)
	}
	if sinks.CSV != nil {
		sinks.CSV.Record(loc)
	}
	if sinks.Feed != nil {
		sinks.Feed.BroadcastLocation(loc)
	}
}

// deliver stores the record and publishes it to the broker, marking the row
// synced once the broker has it.
func (s *LocationService) deliver(ctx context.Context, log *logging.Logger, sinks Sinks, loc *location.Location) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	var id int64
	if sinks.Store != nil {
		var err error
		if id, err = sinks.Store.Insert(ctx, loc); err != nil {
			log.Warn("store insert failed", "error", err)
		}
	}

	if sinks.MQTT == nil {
		return
	}
	var err error
	if loc.IsStationary() {
		err = sinks.MQTT.PublishStationary(loc)
	} else {
		err = sinks.MQTT.PublishLocation(loc)
	}
	switch {
	case err != nil:
		log.Warn("mqtt publish failed", "error", err)
	case id > 0:
		if err := sinks.Store.MarkSynced(ctx, id); err != nil {
			log.Warn("mark synced failed", "id", id, "error", err)
		}
	}
}

// PublishBattery reads the battery source once and publishes the result as
// the sticky battery intent. Unreadable states are not published.
func (s *LocationService) PublishBattery(ctx context.Context) {
	if s.battery == nil {
		return
	}
	level, scale, err := s.battery.BatteryState(ctx)
	if err != nil {
		s.log.Debug("battery read failed", "error", err)
		return
	}
	in := broadcast.NewIntent(broadcast.ActionBatteryChanged).
		Put(broadcast.ExtraLevel, level).
		Put(broadcast.ExtraScale, scale)
	if st, ok := s.battery.(interface{ Status() string }); ok {
		if v := st.Status(); v != "" {
			in.Put(broadcast.ExtraStatus, v)
		}
	}
	s.hub.SendSticky(in)
}

func (s *LocationService) monitorBattery(ctx context.Context) {
	ticker := time.NewTicker(s.batteryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PublishBattery(ctx)
		}
	}
}

func (s *LocationService) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SyncPending(ctx); err != nil {
				s.log.Warn("sync failed", "synced", n, "error", err)
			} else if n > 0 {
				s.log.Info("synced pending locations", "count", n)
			}
		}
	}
}

// SyncPending republishes stored records that never reached the broker,
// oldest first, and returns how many were synced. Stationary rows are
// replayed unretained.
func (s *LocationService) SyncPending(ctx context.Context) (int, error) {
	sinks := s.currentSinks()
	if sinks.Store == nil || sinks.MQTT == nil || !sinks.MQTT.IsConnected() {
		return 0, nil
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	recs, err := sinks.Store.Unsynced(ctx, syncBatch)
	if err != nil {
		return 0, err
	}

	var ids []int64
	for _, rec := range recs {
		var perr error
		if rec.IsStationary() {
			perr = sinks.MQTT.ReplayStationary(rec.Location)
		} else {
			perr = sinks.MQTT.PublishLocation(rec.Location)
		}
		if perr != nil {
			err = perr
			break
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) > 0 {
		if merr := sinks.Store.MarkSynced(ctx, ids...); merr != nil {
			return 0, merr
		}
	}
	return len(ids), err
}

// Status reports the daemon state.
func (s *LocationService) Status() server.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := server.Status{
		Running:    s.running,
		StartedAt:  s.startedAt,
		Locations:  s.locations,
		Stationary: s.stationary,
		Errors:     s.errCount,
		Sinks:      s.sinks.names(),
		ToneState:  alert.Uninitialized.String(),
	}
	if s.lastError != nil {
		e := *s.lastError
		st.LastError = &e
	}
	if s.prov != nil {
		st.Provider = s.prov.Name()
		st.ProviderID = s.prov.ID()
		if ts, ok := s.prov.(interface{ ToneState() alert.State }); ok {
			st.ToneState = ts.ToneState().String()
		}
	}
	return st
}
