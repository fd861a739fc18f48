package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/bgloc/internal/alert"
	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/geocache"
	"github.com/shaunagostinho/bgloc/internal/gps"
	"github.com/shaunagostinho/bgloc/internal/kafka"
	"github.com/shaunagostinho/bgloc/internal/logger"
	"github.com/shaunagostinho/bgloc/internal/logging"
	"github.com/shaunagostinho/bgloc/internal/mqtt"
	"github.com/shaunagostinho/bgloc/internal/server"
	"github.com/shaunagostinho/bgloc/internal/service"
	"github.com/shaunagostinho/bgloc/internal/store"
	"github.com/shaunagostinho/bgloc/internal/telemetry"
	"github.com/shaunagostinho/bgloc/internal/tsdb"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/bgloc/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated GPS, battery and modem")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] bgloc starting")

	cfg := config.Load(*configPath)

	if *demo {
		cfg.Provider.Type = "demo"
		cfg.Telemetry.Battery.Type = "demo"
		cfg.Telemetry.Modem.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logg := logging.New(cfg.Log, version)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logg.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	// Local sinks come up synchronously; a failure only disables the sink
	var sinks service.Sinks
	var history server.History
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store)
		if err != nil {
			logg.Error("location store unavailable", "path", cfg.Store.Path, "error", err)
		} else {
			defer st.Close()
			sinks.Store = st
			history = st
		}
	}
	if cfg.CSV.Enabled {
		csv := logger.New(cfg.CSV)
		defer csv.Close()
		sinks.CSV = csv
	}

	svc := service.New(cfg, service.Options{
		Sinks:       sinks,
		Battery:     batterySource(cfg.Telemetry.Battery),
		BatteryPoll: time.Duration(cfg.Telemetry.Battery.PollSecond) * time.Second,
		Cell:        cellSource(cfg.Telemetry.Modem),
		Device: telemetry.DetectDevice(telemetry.Device{
			Manufacturer: cfg.Telemetry.Device.Manufacturer,
			Model:        cfg.Telemetry.Device.Model,
		}),
	}, logg.With("component", "service"))

	srv := server.New(cfg, history, svc)
	svc.Attach(func(s *service.Sinks) { s.Feed = srv })

	// Network sinks connect in the background with exponential backoff
	if cfg.MQTT.Enabled {
		go connectWithRetry(ctx, "mqtt", 10, func() error {
			pub, err := mqtt.Connect(cfg.MQTT)
			if err != nil {
				return err
			}
			svc.Attach(func(s *service.Sinks) { s.MQTT = pub })
			closeOnDone(ctx, pub.Close)
			return nil
		})
	}
	if cfg.Kafka.Enabled {
		go connectWithRetry(ctx, "kafka", 10, func() error {
			p, err := kafka.NewProducer(cfg.Kafka.Brokers)
			if err != nil {
				return err
			}
			em := kafka.NewEmitter(p, cfg.Kafka.Topic)
			svc.Attach(func(s *service.Sinks) { s.Kafka = em })
			closeOnDone(ctx, em.Close)
			return nil
		})
	}
	if cfg.Redis.Enabled {
		go connectWithRetry(ctx, "redis", 10, func() error {
			c, err := geocache.Connect(cfg.Redis)
			if err != nil {
				return err
			}
			svc.Attach(func(s *service.Sinks) { s.Geo = c })
			closeOnDone(ctx, c.Close)
			return nil
		})
	}
	if cfg.InfluxDB.Enabled {
		go connectWithRetry(ctx, "influxdb", 10, func() error {
			c, err := tsdb.Connect(cfg.InfluxDB)
			if err != nil {
				return err
			}
			c.SetOnError(func(err error) {
				logg.Warn("influxdb write failed", "error", err)
			})
			svc.Attach(func(s *service.Sinks) { s.TSDB = c })
			closeOnDone(ctx, c.Close)
			return nil
		})
	}

	prov, err := gps.New(svc, toneFactory(cfg.Alert, srv, logg), logg)
	if err != nil {
		logg.Error("location provider unavailable", "error", err)
	}

	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		if err := svc.Run(ctx, prov); err != nil {
			logg.Error("service exited", "error", err)
			cancel()
		}
	}()

	// Start server; the feed works immediately even while sinks are connecting
	if err := srv.Run(ctx); err != nil {
		logg.Error("server exited", "error", err)
	}
	cancel()
	<-svcDone
}

func batterySource(cfg config.BatteryConfig) telemetry.BatterySource {
	switch cfg.Type {
	case "sysfs":
		return telemetry.NewSysfsBattery(cfg.Path)
	case "demo":
		return telemetry.NewDemoBattery(100)
	}
	return nil
}

func cellSource(cfg config.ModemConfig) telemetry.CellSource {
	switch cfg.Type {
	case "serial":
		return telemetry.NewModem(cfg.PortPath, cfg.BaudRate)
	case "demo":
		return telemetry.NewDemoCell()
	}
	return nil
}

func toneFactory(cfg config.AlertConfig, srv *server.Server, logg *logging.Logger) alert.Factory {
	switch cfg.Output {
	case "ws":
		return server.NewToneFactory(srv)
	case "bell":
		return alert.NewBellFactory(os.Stdout)
	case "log":
		return alert.NewLogFactory(logg.With("component", "alert"))
	}
	return nil
}

func closeOnDone(ctx context.Context, closeFn func() error) {
	go func() {
		<-ctx.Done()
		closeFn()
	}()
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, maxAttempts int, connect func() error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
