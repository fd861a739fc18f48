// Package geocache keeps the last known position and telemetry of every
// device in Redis so other services can run radius queries.
package geocache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
)

const defaultKey = "bgloc:positions"

// ErrUnknownDevice is returned when a device has no cached position.
var ErrUnknownDevice = errors.New("geocache: unknown device")

// redisClient is the subset of *redis.Client the cache uses.
type redisClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoPos(ctx context.Context, key string, members ...string) *redis.GeoPosCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Cache writes positions into a Redis geo set and a per-device hash.
type Cache struct {
	client redisClient
	key    string
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		ReadTimeout:  3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("geocache: redis ping failed: %w", err)
	}
	return newCache(client, cfg.Key), nil
}

func newCache(c redisClient, key string) *Cache {
	if key == "" {
		key = defaultKey
	}
	return &Cache{client: c, key: key}
}

// Update records loc as the current position of its device.
func (c *Cache) Update(ctx context.Context, loc *location.Location) error {
	member := memberName(loc)

	_, err := c.client.GeoAdd(ctx, c.key, &redis.GeoLocation{
		Name:      member,
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
	}).Result()
	if err != nil {
		return fmt.Errorf("geocache: geoadd %s: %w", member, err)
	}

	fields := []interface{}{
		"time", loc.Time.UTC().Format(time.RFC3339Nano),
		"accuracy", strconv.FormatFloat(loc.Accuracy, 'f', -1, 64),
		"provider", loc.ProviderID.String(),
		"stationary", strconv.FormatBool(loc.IsStationary()),
		"manufacturer", loc.DeviceManufacturer,
		"model", loc.DeviceModel,
	}
	if loc.BatteryLevel != nil {
		fields = append(fields, "battery", strconv.Itoa(*loc.BatteryLevel))
	}
	if loc.SignalStrength != nil {
		fields = append(fields, "signal", strconv.Itoa(*loc.SignalStrength))
	}
	if err := c.client.HSet(ctx, c.hashKey(member), fields...).Err(); err != nil {
		return fmt.Errorf("geocache: hset %s: %w", member, err)
	}
	return nil
}

// Position returns the cached coordinates of a device.
func (c *Cache) Position(ctx context.Context, deviceID string) (lat, lon float64, err error) {
	positions, err := c.client.GeoPos(ctx, c.key, deviceID).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("geocache: geopos %s: %w", deviceID, err)
	}
	if len(positions) == 0 || positions[0] == nil {
		return 0, 0, ErrUnknownDevice
	}
	return positions[0].Latitude, positions[0].Longitude, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) hashKey(member string) string {
	return c.key + ":" + member
}

// memberName falls back to the model when no hardware id is known.
func memberName(loc *location.Location) string {
	if loc.DeviceID != "" {
		return loc.DeviceID
	}
	if loc.DeviceModel != "" {
		return loc.DeviceModel
	}
	return "unknown"
}
