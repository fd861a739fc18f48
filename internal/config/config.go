package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Location backend
	Provider ProviderConfig `yaml:"provider" json:"provider"`

	// Device telemetry sources used for enrichment
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Debug tones
	Alert AlertConfig `yaml:"alert" json:"alert"`

	// Sinks
	Store    StoreConfig    `yaml:"store" json:"store"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	InfluxDB InfluxDBConfig `yaml:"influxdb" json:"influxdb"`
	CSV      CSVConfig      `yaml:"csv" json:"csv"`

	// Structured logging
	Log LogConfig `yaml:"log" json:"log"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ProviderConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea", "demo" or "disabled"
	Mode     string `yaml:"mode" json:"mode"`          // "distance_filter" or "raw"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Debug    bool   `yaml:"debug" json:"debug"` // Play tones on fix/stationary events

	// Stationary detection (distance_filter mode)
	StationaryRadius float64 `yaml:"stationary_radius" json:"stationaryRadius"` // meters
	StationaryDwell  int     `yaml:"stationary_dwell_s" json:"stationaryDwellS"`
	MinAccuracy      float64 `yaml:"min_accuracy" json:"minAccuracy"` // reject fixes worse than this (m), 0 = off
}

type TelemetryConfig struct {
	QueryTimeoutMs int           `yaml:"query_timeout_ms" json:"queryTimeoutMs"`
	Battery        BatteryConfig `yaml:"battery" json:"battery"`
	Modem          ModemConfig   `yaml:"modem" json:"modem"`
	Device         DeviceConfig  `yaml:"device" json:"device"`
}

type BatteryConfig struct {
	Type       string `yaml:"type" json:"type"` // "sysfs", "demo" or "none"
	Path       string `yaml:"path" json:"path"` // e.g. /sys/class/power_supply/BAT0
	PollSecond int    `yaml:"poll_s" json:"pollS"`
}

type ModemConfig struct {
	Type     string `yaml:"type" json:"type"` // "serial", "demo" or "none"
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// DeviceConfig overrides detected manufacturer/model when set.
type DeviceConfig struct {
	Manufacturer string `yaml:"manufacturer" json:"manufacturer"`
	Model        string `yaml:"model" json:"model"`
}

type AlertConfig struct {
	Output string `yaml:"output" json:"output"` // "ws", "bell", "log" or "none"
	Stream string `yaml:"stream" json:"stream"`
	Volume int    `yaml:"volume" json:"volume"`
}

type StoreConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Path        string `yaml:"path" json:"path"`
	WALMode     bool   `yaml:"wal_mode" json:"walMode"`
	BusyTimeout int    `yaml:"busy_timeout_s" json:"busyTimeoutS"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	QoS         int    `yaml:"qos" json:"qos"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	Token         string `yaml:"token" json:"-"`
	Org           string `yaml:"org" json:"org"`
	Bucket        string `yaml:"bucket" json:"bucket"`
	BatchSize     int    `yaml:"batch_size" json:"batchSize"`
	FlushInterval int    `yaml:"flush_interval_s" json:"flushIntervalS"`
}

type CSVConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between rows
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json or text
	Output string `yaml:"output" json:"output"` // stdout or stderr
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:             "demo",
			Mode:             "distance_filter",
			PortPath:         "/dev/ttyGPS",
			BaudRate:         9600,
			Debug:            false,
			StationaryRadius: 50,
			StationaryDwell:  60,
		},
		Telemetry: TelemetryConfig{
			QueryTimeoutMs: 2000,
			Battery: BatteryConfig{
				Type:       "demo",
				Path:       "/sys/class/power_supply/BAT0",
				PollSecond: 30,
			},
			Modem: ModemConfig{
				Type:     "demo",
				PortPath: "/dev/ttyUSB2",
				BaudRate: 115200,
			},
		},
		Alert: AlertConfig{
			Output: "log",
			Stream: "notification",
			Volume: 100,
		},
		Store: StoreConfig{
			Enabled:     true,
			Path:        "/var/lib/bgloc/locations.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "bgloc",
			QoS:         1,
			TopicPrefix: "bgloc",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "location-updates",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  "bgloc:positions",
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "bgloc",
			Bucket:        "telemetry",
			BatchSize:     100,
			FlushInterval: 10,
		},
		CSV: CSVConfig{
			Enabled:  false,
			Path:     "/var/log/bgloc",
			Interval: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func Load(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD; real env takes precedence
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if _, err := os.Stat(ep); err != nil {
			continue
		}
		if err := godotenv.Load(ep); err != nil {
			log.Printf("[config] error loading %s: %v", ep, err)
			continue
		}
		log.Printf("[config] loaded .env from %s", ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	setString("PROVIDER_TYPE", &c.Provider.Type)
	setString("PROVIDER_MODE", &c.Provider.Mode)
	setString("PROVIDER_PORT", &c.Provider.PortPath)
	setInt("PROVIDER_BAUD", &c.Provider.BaudRate)
	setBool("PROVIDER_DEBUG", &c.Provider.Debug)
	if v := os.Getenv("STATIONARY_RADIUS"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Provider.StationaryRadius = n
		}
	}

	setInt("TELEMETRY_TIMEOUT_MS", &c.Telemetry.QueryTimeoutMs)
	setString("BATTERY_TYPE", &c.Telemetry.Battery.Type)
	setString("BATTERY_PATH", &c.Telemetry.Battery.Path)
	setString("MODEM_TYPE", &c.Telemetry.Modem.Type)
	setString("MODEM_PORT", &c.Telemetry.Modem.PortPath)
	setInt("MODEM_BAUD", &c.Telemetry.Modem.BaudRate)
	setString("DEVICE_MANUFACTURER", &c.Telemetry.Device.Manufacturer)
	setString("DEVICE_MODEL", &c.Telemetry.Device.Model)

	setString("ALERT_OUTPUT", &c.Alert.Output)

	setBool("STORE_ENABLED", &c.Store.Enabled)
	setString("STORE_PATH", &c.Store.Path)

	setBool("MQTT_ENABLED", &c.MQTT.Enabled)
	setString("MQTT_BROKER", &c.MQTT.Broker)
	setString("MQTT_USERNAME", &c.MQTT.Username)
	setString("MQTT_PASSWORD", &c.MQTT.Password)

	setBool("KAFKA_ENABLED", &c.Kafka.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("KAFKA_TOPIC", &c.Kafka.Topic)

	setBool("REDIS_ENABLED", &c.Redis.Enabled)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)

	setBool("INFLUX_ENABLED", &c.InfluxDB.Enabled)
	setString("INFLUX_URL", &c.InfluxDB.URL)
	setString("INFLUX_TOKEN", &c.InfluxDB.Token)
	setString("INFLUX_ORG", &c.InfluxDB.Org)
	setString("INFLUX_BUCKET", &c.InfluxDB.Bucket)

	setBool("CSV_ENABLED", &c.CSV.Enabled)
	setString("CSV_PATH", &c.CSV.Path)
	setInt("CSV_INTERVAL_MS", &c.CSV.Interval)

	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)

	setString("LISTEN_ADDR", &c.Server.ListenAddr)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/bgloc/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ProviderSnapshot returns a copy of the provider section for readers on other goroutines.
func (c *Config) ProviderSnapshot() ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider
}

// AlertSnapshot returns a copy of the alert section.
func (c *Config) AlertSnapshot() AlertConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Alert
}

// TelemetrySnapshot returns a copy of the telemetry section.
func (c *Config) TelemetrySnapshot() TelemetryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telemetry
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Secrets are never exported, so they survive
// a round trip through the API untouched.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
