package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/broadcast"
	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
	"github.com/shaunagostinho/bgloc/internal/store"
	"github.com/shaunagostinho/bgloc/internal/telemetry"
)

type fakeStore struct {
	mu        sync.Mutex
	inserted  []*location.Location
	synced    []int64
	unsynced  []store.Record
	insertErr error
}

func (f *fakeStore) Insert(_ context.Context, loc *location.Location) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, loc)
	return int64(len(f.inserted)), nil
}

func (f *fakeStore) Unsynced(_ context.Context, limit int) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.unsynced) > limit {
		return f.unsynced[:limit], nil
	}
	return f.unsynced, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, ids ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, ids...)
	return nil
}

type fakePublisher struct {
	mu         sync.Mutex
	connected  bool
	err        error
	failAfter  int
	locations  []*location.Location
	stationary []*location.Location
	replayed   []*location.Location
	errs       []*provider.ErrorObject
}

func (f *fakePublisher) publish(dst *[]*location.Location, loc *location.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.failAfter > 0 && len(f.locations)+len(f.stationary)+len(f.replayed) >= f.failAfter {
		return errors.New("broker gone")
	}
	*dst = append(*dst, loc)
	return nil
}

func (f *fakePublisher) PublishLocation(loc *location.Location) error {
	return f.publish(&f.locations, loc)
}

func (f *fakePublisher) PublishStationary(loc *location.Location) error {
	return f.publish(&f.stationary, loc)
}

func (f *fakePublisher) ReplayStationary(loc *location.Location) error {
	return f.publish(&f.replayed, loc)
}

func (f *fakePublisher) PublishError(e *provider.ErrorObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, e)
	return f.err
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

type MockEmitter struct{ mock.Mock }

func (m *MockEmitter) EmitLocation(ctx context.Context, loc *location.Location) error {
	return m.Called(ctx, loc).Error(0)
}

func (m *MockEmitter) EmitError(ctx context.Context, deviceID string, obj *provider.ErrorObject) error {
	return m.Called(ctx, deviceID, obj).Error(0)
}

type fakeGeo struct{ updates []*location.Location }

func (f *fakeGeo) Update(_ context.Context, loc *location.Location) error {
	f.updates = append(f.updates, loc)
	return errors.New("redis down")
}

type fakeTSDB struct {
	locations []*location.Location
	codes     []int
}

func (f *fakeTSDB) WriteLocation(loc *location.Location) { f.locations = append(f.locations, loc) }
func (f *fakeTSDB) WriteError(code int, _ time.Time)     { f.codes = append(f.codes, code) }

type fakeCSV struct{ rows []*location.Location }

func (f *fakeCSV) Record(loc *location.Location) { f.rows = append(f.rows, loc) }

type fakeFeed struct {
	mu        sync.Mutex
	locations []*location.Location
	errs      []*provider.ErrorObject
}

func (f *fakeFeed) BroadcastLocation(loc *location.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, loc)
}

func (f *fakeFeed) BroadcastError(e *provider.ErrorObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, e)
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

type fixedBattery struct{ level, scale int }

func (b fixedBattery) BatteryState(context.Context) (int, int, error) {
	return b.level, b.scale, nil
}

type statusBattery struct{ fixedBattery }

func (statusBattery) Status() string { return "Discharging" }

type failingBattery struct{}

func (failingBattery) BatteryState(context.Context) (int, int, error) {
	return -1, -1, errors.New("no battery")
}

func testLoc(stationary bool) *location.Location {
	fix := location.Fix{Provider: "demo", Latitude: 43.65, Longitude: -79.38, Time: time.Now()}
	if stationary {
		return location.NewStationaryWithRadius(location.ProviderDistanceFilter, fix, 50)
	}
	loc := location.New(location.ProviderDistanceFilter, fix)
	loc.DeviceID = "356938035643809"
	return loc
}

func TestHandleLocation_FansOutToEverySink(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{connected: true}
	em := &MockEmitter{}
	geo := &fakeGeo{}
	ts := &fakeTSDB{}
	csv := &fakeCSV{}
	feed := &fakeFeed{}

	loc := testLoc(false)
	em.On("EmitLocation", mock.Anything, loc).Return(nil).Once()

	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{
		Store: st, MQTT: pub, Kafka: em, Geo: geo, TSDB: ts, CSV: csv, Feed: feed,
	}}, nil)
	svc.HandleLocation(loc)

	em.AssertExpectations(t)
	assert.Equal(t, []*location.Location{loc}, st.inserted)
	assert.Equal(t, []*location.Location{loc}, pub.locations)
	assert.Empty(t, pub.stationary)
	assert.Equal(t, []int64{1}, st.synced)
	assert.Len(t, geo.updates, 1) // error logged, not fatal
	assert.Len(t, ts.locations, 1)
	assert.Len(t, csv.rows, 1)
	assert.Equal(t, 1, feed.count())

	status := svc.Status()
	assert.EqualValues(t, 1, status.Locations)
	assert.ElementsMatch(t, []string{"store", "mqtt", "kafka", "redis", "influxdb", "csv", "ws"}, status.Sinks)
}

func TestHandleStationary_UsesStationaryTopic(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{connected: true}
	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

	svc.HandleStationary(testLoc(true))

	assert.Len(t, pub.stationary, 1)
	assert.Empty(t, pub.locations)
	assert.EqualValues(t, 1, svc.Status().Stationary)
}

func TestHandleLocation_PublishFailureLeavesRecordUnsynced(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{err: errors.New("not connected")}
	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

	svc.HandleLocation(testLoc(false))
	assert.Len(t, st.inserted, 1)
	assert.Empty(t, st.synced)
}

func TestHandleLocation_StoreFailureStillPublishes(t *testing.T) {
	st := &fakeStore{insertErr: errors.New("disk full")}
	pub := &fakePublisher{connected: true}
	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

	svc.HandleLocation(testLoc(false))
	assert.Len(t, pub.locations, 1)
	assert.Empty(t, st.synced)
}

func TestHandleLocation_NoSinks(t *testing.T) {
	svc := New(config.DefaultConfig(), Options{}, nil)
	assert.NotPanics(t, func() { svc.HandleLocation(testLoc(false)) })
	assert.Empty(t, svc.Status().Sinks)
}

func TestHandleError(t *testing.T) {
	pub := &fakePublisher{}
	em := &MockEmitter{}
	ts := &fakeTSDB{}
	feed := &fakeFeed{}
	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{MQTT: pub, Kafka: em, TSDB: ts, Feed: feed}}, nil)

	// device id is learned from dispatched records
	em.On("EmitLocation", mock.Anything, mock.Anything).Return(nil)
	svc.HandleLocation(testLoc(false))

	obj := provider.PermissionDenied(errors.New("open /dev/ttyGPS: permission denied"))
	em.On("EmitError", mock.Anything, "356938035643809", obj).Return(errors.New("kafka down")).Once()
	svc.HandleError(obj)
	svc.HandleError(nil)

	em.AssertExpectations(t)
	assert.Equal(t, []*provider.ErrorObject{obj}, pub.errs)
	assert.Equal(t, []int{provider.PermissionDeniedCode}, ts.codes)
	assert.Equal(t, []*provider.ErrorObject{obj}, feed.errs)

	status := svc.Status()
	assert.EqualValues(t, 1, status.Errors)
	require.NotNil(t, status.LastError)
	assert.Equal(t, provider.PermissionDeniedCode, status.LastError.Code)
}

func TestPublishBattery(t *testing.T) {
	tests := []struct {
		name    string
		source  telemetry.BatterySource
		want    int
		present bool
		status  string
	}{
		{"fixed", fixedBattery{level: 37, scale: 50}, 74, true, ""},
		{"with status", statusBattery{fixedBattery{level: 80, scale: 100}}, 80, true, "Discharging"},
		{"failing", failingBattery{}, 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(config.DefaultConfig(), Options{Battery: tt.source}, nil)
			svc.PublishBattery(context.Background())

			lvl, ok := svc.Telemetry().BatteryLevel(context.Background())
			assert.Equal(t, tt.present, ok)
			assert.Equal(t, tt.want, lvl)

			in := svc.RegisterReceiver(nil, broadcast.NewFilter(broadcast.ActionBatteryChanged))
			if !tt.present {
				assert.Nil(t, in)
				return
			}
			require.NotNil(t, in)
			assert.Equal(t, tt.status, in.StringExtra(broadcast.ExtraStatus, ""))
		})
	}
}

type batteryReceiver struct {
	mu     sync.Mutex
	levels []int
}

func (r *batteryReceiver) OnReceive(in *broadcast.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, in.IntExtra(broadcast.ExtraLevel, -1))
}

func (r *batteryReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.levels)
}

func TestBatteryMonitorPublishesPeriodically(t *testing.T) {
	svc := New(config.DefaultConfig(), Options{
		Battery:     telemetry.NewDemoBattery(90),
		BatteryPoll: 10 * time.Millisecond,
	}, nil)
	recv := &batteryReceiver{}
	svc.RegisterReceiver(recv, broadcast.NewFilter(broadcast.ActionBatteryChanged))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, nil) }()

	assert.Eventually(t, func() bool { return recv.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	svc.UnregisterReceiver(recv)
	n := recv.count()
	svc.PublishBattery(context.Background())
	assert.Equal(t, n, recv.count())
}

func TestSyncPending(t *testing.T) {
	recs := []store.Record{
		{ID: 4, Location: testLoc(false)},
		{ID: 5, Location: testLoc(true)},
		{ID: 6, Location: testLoc(false)},
	}

	t.Run("publishes and marks", func(t *testing.T) {
		st := &fakeStore{unsynced: recs}
		pub := &fakePublisher{connected: true}
		svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

		n, err := svc.SyncPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []int64{4, 5, 6}, st.synced)
		assert.Len(t, pub.locations, 2)
		assert.Empty(t, pub.stationary)
		assert.Len(t, pub.replayed, 1)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		st := &fakeStore{unsynced: recs}
		pub := &fakePublisher{connected: true, failAfter: 2}
		svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

		n, err := svc.SyncPending(context.Background())
		assert.Error(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []int64{4, 5}, st.synced)
	})

	t.Run("skipped while disconnected", func(t *testing.T) {
		st := &fakeStore{unsynced: recs}
		svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: &fakePublisher{}}}, nil)

		n, err := svc.SyncPending(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, st.synced)
	})
}

// scriptedProvider reports a fixed sequence of events, then waits.
type scriptedProvider struct {
	*provider.Base
	fixes   []location.Fix
	destroy int
	startFn func(ctx context.Context) error
}

func (p *scriptedProvider) OnDestroy() {
	p.destroy++
	p.Base.OnDestroy()
}

func (p *scriptedProvider) Start(ctx context.Context) error {
	if p.startFn != nil {
		return p.startFn(ctx)
	}
	for i, fix := range p.fixes {
		if i == len(p.fixes)-1 {
			p.HandleStationaryWithRadius(ctx, fix, 30)
			continue
		}
		p.HandleLocation(ctx, fix)
	}
	<-ctx.Done()
	return nil
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Debug = true
	feed := &fakeFeed{}
	svc := New(cfg, Options{
		Sinks:   Sinks{Feed: feed},
		Battery: fixedBattery{level: 3, scale: 4},
		Device:  telemetry.StaticDevice{Manufacturer: "Raspberry", Model: "Pi 4"},
	}, nil)

	var tones []int
	var toneMu sync.Mutex
	factory := func(string, int) (alert.Generator, error) {
		return toneFunc(func(code int) {
			toneMu.Lock()
			tones = append(tones, code)
			toneMu.Unlock()
		}), nil
	}

	now := time.Now()
	p := &scriptedProvider{
		Base: provider.NewBase(location.ProviderDistanceFilter, "scripted", svc, factory, nil),
		fixes: []location.Fix{
			{Latitude: 1, Longitude: 2, Time: now},
			{Latitude: 1.001, Longitude: 2, Time: now.Add(time.Second)},
			{Latitude: 1.001, Longitude: 2, Time: now.Add(time.Minute)},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, p) }()

	require.Eventually(t, func() bool { return feed.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	st := svc.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "scripted", st.Provider)
	assert.Equal(t, "active", st.ToneState)
	p.StartTone(alert.Beep)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, p.destroy)
	assert.False(t, svc.Status().Running)
	assert.Equal(t, "released", svc.Status().ToneState)

	feed.mu.Lock()
	defer feed.mu.Unlock()
	for _, loc := range feed.locations {
		require.NotNil(t, loc.BatteryLevel)
		assert.Equal(t, 75, *loc.BatteryLevel)
		assert.Equal(t, "Raspberry", loc.DeviceManufacturer)
		assert.Equal(t, "Pi 4", loc.DeviceModel)
	}
	assert.False(t, feed.locations[0].IsStationary())
	require.True(t, feed.locations[2].IsStationary())
	assert.InDelta(t, 30, *feed.locations[2].StationaryRadius, 1e-9)

	toneMu.Lock()
	assert.Equal(t, []int{alert.Beep.Code()}, tones)
	toneMu.Unlock()

	in := svc.RegisterReceiver(nil, broadcast.NewFilter(broadcast.ActionProviderChanged))
	require.NotNil(t, in)
	assert.Equal(t, "scripted", in.StringExtra("name", ""))
}

func TestRun_ProviderErrorIsReturnedAndDestroyed(t *testing.T) {
	svc := New(config.DefaultConfig(), Options{}, nil)
	p := &scriptedProvider{
		Base:    provider.NewBase(location.ProviderRaw, "broken", svc, nil, nil),
		startFn: func(context.Context) error { return errors.New("port vanished") },
	}

	err := svc.Run(context.Background(), p)
	assert.EqualError(t, err, "port vanished")
	assert.Equal(t, 1, p.destroy)
}

type toneFunc func(code int)

func (f toneFunc) StartTone(code int, _ time.Duration) error {
	f(code)
	return nil
}

func (f toneFunc) Release() error { return nil }

func TestAttach(t *testing.T) {
	svc := New(config.DefaultConfig(), Options{}, nil)
	svc.HandleLocation(testLoc(false))

	feed := &fakeFeed{}
	svc.Attach(func(s *Sinks) { s.Feed = feed })
	svc.HandleLocation(testLoc(false))

	assert.Equal(t, 1, feed.count())
	assert.Equal(t, []string{"ws"}, svc.Status().Sinks)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "locations.db"), BusyTimeout: 5})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// blockingPublisher holds the first location publish until released.
type blockingPublisher struct {
	*fakePublisher
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingPublisher) PublishLocation(loc *location.Location) error {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.fakePublisher.PublishLocation(loc)
}

func TestSyncPending_WaitsForLivePublish(t *testing.T) {
	st := openStore(t)
	pub := &blockingPublisher{
		fakePublisher: &fakePublisher{connected: true},
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.HandleLocation(testLoc(false))
	}()
	<-pub.started

	synced := make(chan int, 1)
	go func() {
		n, err := svc.SyncPending(context.Background())
		assert.NoError(t, err)
		synced <- n
	}()

	select {
	case <-synced:
		t.Fatal("resync ran while the live publish was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	<-done
	assert.Equal(t, 0, <-synced)

	pub.mu.Lock()
	assert.Len(t, pub.locations, 1)
	pub.mu.Unlock()

	pending, err := st.Unsynced(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncPending_StaleStationaryIsNotRetained(t *testing.T) {
	st := openStore(t)
	pub := &fakePublisher{connected: true, err: errors.New("broker unreachable")}
	svc := New(config.DefaultConfig(), Options{Sinks: Sinks{Store: st, MQTT: pub}}, nil)

	stationaryAt := func(lat float64) *location.Location {
		return location.NewStationaryWithRadius(location.ProviderDistanceFilter,
			location.Fix{Latitude: lat, Longitude: 2, Time: time.Now()}, 50)
	}

	svc.HandleStationary(stationaryAt(1))
	pub.err = nil
	svc.HandleStationary(stationaryAt(2))

	n, err := svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.stationary, 1)
	assert.Equal(t, 2.0, pub.stationary[0].Latitude)
	require.Len(t, pub.replayed, 1)
	assert.Equal(t, 1.0, pub.replayed[0].Latitude)
}
