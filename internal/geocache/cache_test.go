package geocache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/bgloc/internal/location"
)

type fakeRedis struct {
	geo    map[string]*redis.GeoLocation
	hashes map[string][]interface{}
	err    error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{geo: map[string]*redis.GeoLocation{}, hashes: map[string][]interface{}{}}
}

func (f *fakeRedis) GeoAdd(ctx context.Context, key string, locs ...*redis.GeoLocation) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	for _, l := range locs {
		f.geo[key+"/"+l.Name] = l
	}
	cmd.SetVal(int64(len(locs)))
	return cmd
}

func (f *fakeRedis) GeoPos(ctx context.Context, key string, members ...string) *redis.GeoPosCmd {
	cmd := redis.NewGeoPosCmd(ctx)
	var out []*redis.GeoPos
	for _, m := range members {
		if l, ok := f.geo[key+"/"+m]; ok {
			out = append(out, &redis.GeoPos{Latitude: l.Latitude, Longitude: l.Longitude})
		} else {
			out = append(out, nil)
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.hashes[key] = values
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusCmd(ctx)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func hashMap(values []interface{}) map[string]interface{} {
	m := map[string]interface{}{}
	for i := 0; i+1 < len(values); i += 2 {
		m[values[i].(string)] = values[i+1]
	}
	return m
}

func TestUpdateAndPosition(t *testing.T) {
	fr := newFakeRedis()
	c := newCache(fr, "")
	level := 88

	loc := location.New(location.ProviderDemo, location.Fix{
		Latitude:  43.65,
		Longitude: -79.38,
		Accuracy:  3,
		Time:      time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC),
	})
	loc.DeviceID = "imei-9"
	loc.BatteryLevel = &level

	require.NoError(t, c.Update(context.Background(), loc))

	lat, lon, err := c.Position(context.Background(), "imei-9")
	require.NoError(t, err)
	assert.Equal(t, 43.65, lat)
	assert.Equal(t, -79.38, lon)

	h := hashMap(fr.hashes["bgloc:positions:imei-9"])
	assert.Equal(t, "88", h["battery"])
	assert.Equal(t, "demo", h["provider"])
	assert.Equal(t, "false", h["stationary"])
	assert.NotContains(t, h, "signal")
}

func TestPosition_UnknownDevice(t *testing.T) {
	c := newCache(newFakeRedis(), "k")
	_, _, err := c.Position(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestUpdate_Error(t *testing.T) {
	fr := newFakeRedis()
	fr.err = errors.New("READONLY")
	c := newCache(fr, "k")

	err := c.Update(context.Background(), location.New(location.ProviderRaw, location.Fix{}))
	assert.ErrorContains(t, err, "READONLY")
}

func TestMemberName(t *testing.T) {
	loc := &location.Location{}
	assert.Equal(t, "unknown", memberName(loc))
	loc.DeviceModel = "EC25"
	assert.Equal(t, "EC25", memberName(loc))
	loc.DeviceID = "imei"
	assert.Equal(t, "imei", memberName(loc))
}

func TestClose(t *testing.T) {
	fr := newFakeRedis()
	require.NoError(t, newCache(fr, "").Close())
	assert.True(t, fr.closed)
}
