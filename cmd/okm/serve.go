package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/okm-core/internal/access"
	"github.com/nerrad567/okm-core/internal/api"
	"github.com/nerrad567/okm-core/internal/crawler"
	"github.com/nerrad567/okm-core/internal/device"
	"github.com/nerrad567/okm-core/internal/events"
	"github.com/nerrad567/okm-core/internal/infrastructure/config"
	"github.com/nerrad567/okm-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/okm-core/internal/infrastructure/logging"
	"github.com/nerrad567/okm-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/okm-core/internal/link"
	"github.com/nerrad567/okm-core/internal/recovery"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var simulator bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the lock controllers and serve the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, simulator, cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&simulator, "simulator", false,
		"replace every controller with a virtual one badged from stdin")
	return cmd
}

// healthFunc adapts a function to api.HealthChecker.
type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// runServe wires the application and blocks until ctx is cancelled.
//
// Startup order matters: the recovery check must finish before the crawler
// takes its first badge, and links are opened last so a controller waiting
// for its ready banner does not hold up the database.
func runServe(ctx context.Context, opts *rootOptions, simulator bool, stdin io.Reader) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	if simulator {
		cfg.UseSimulator()
	}
	log.Info("starting OKM Core",
		"version", version,
		"commit", commit,
		"build_date", date,
		"site", cfg.Site.ID,
		"simulator", simulator,
	)

	// Database
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		closeDatabase(db, log)
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store := access.NewSQLiteStore(db.DB)

	registry, err := device.FromConfig(cfg.Devices)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	log.Info("device registry initialised", "devices", registry.Len())

	state := crawler.NewStateOwner(registry.IDs())

	if simulator {
		if err := seedDemoKeys(ctx, store, registry.IDs()); err != nil {
			return err
		}
		log.Info("simulator keys seeded")
	}

	// Close sessions left open by the previous run before taking badges.
	report, err := recovery.Run(ctx, recovery.Options{
		Store:  store,
		State:  state,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("recovery check: %w", err)
	}

	// Event fan-out
	hub := api.NewHub(cfg.WebSocket, log)
	observers := crawler.MultiObserver{hub}

	mqttClient, mqttPub, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		observers = append(observers, mqttPub)
	}

	influxClient := connectInfluxDB(cfg, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		observers = append(observers, events.NewMetricsRecorder(influxClient))
	}

	// Deferred after the clients so it drains before they close.
	async := crawler.NewAsyncObserver(observers, 0, log)
	defer async.Close()

	for _, r := range report.Repairs {
		async.Notify(crawler.Event{
			Type:     crawler.EventRecovered,
			DeviceID: r.DeviceID,
			KeyID:    r.KeyID,
			Duration: r.ClosedAt.Sub(r.OpenedAt),
			Time:     r.ClosedAt,
		})
	}
	if mqttPub != nil {
		mqttPub.PublishSnapshot(state.Snapshot())
	}

	// Links
	virtual := make(map[int]*link.VirtualLink)
	links, err := openLinks(ctx, cfg, registry, virtual, log)
	if err != nil {
		return err
	}

	c, err := crawler.New(crawler.Options{
		Links:          links,
		Store:          store,
		State:          state,
		Logger:         log,
		Observer:       async,
		PollInterval:   cfg.Crawler.PollInterval,
		ConfirmTimeout: cfg.Crawler.ConfirmTimeout,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("creating crawler: %w", err), link.StopAll(links))
	}

	var server *api.Server
	if cfg.API.Enabled {
		health := map[string]api.HealthChecker{
			"database": db,
			"crawler": healthFunc(func(context.Context) error {
				if !c.Stats().Running {
					return errors.New("crawler not running")
				}
				return nil
			}),
		}
		if mqttClient != nil {
			health["mqtt"] = mqttClient
		}
		if influxClient != nil {
			health["influxdb"] = influxClient
		}

		server, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Registry: registry,
			State:    state,
			Audit:    store,
			Stats:    c,
			Health:   health,
			Hub:      hub,
			Version:  version,
		})
		if err != nil {
			return errors.Join(fmt.Errorf("creating API server: %w", err), link.StopAll(links))
		}
	} else {
		log.Info("API disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.Start(gctx); err != nil {
			return fmt.Errorf("starting crawler: %w", err)
		}
		<-gctx.Done()
		return c.Stop()
	})

	if server != nil {
		g.Go(func() error {
			if err := server.Start(gctx); err != nil {
				return fmt.Errorf("starting API server: %w", err)
			}
			<-gctx.Done()
			return server.Close()
		})
	}

	if simulator {
		g.Go(func() error {
			return runSimulator(gctx, stdin, virtual, log)
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutting down after error", "error", err)
	} else {
		err = nil
	}

	log.Info("OKM Core stopped", "dropped_events", async.Dropped())
	return err
}

// connectMQTT connects when mqtt.enabled is set. A broker that cannot be
// reached at startup aborts; later outages are retried by the client.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, *events.MQTTPublisher, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, events.NewMQTTPublisher(client, log), nil
}

// connectInfluxDB returns nil when metrics are disabled or unreachable.
// Metrics never block the locks.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) *influxdb.Client {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil
	}
	if err != nil {
		log.Warn("InfluxDB unavailable, metrics off", "error", err)
		return nil
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client
}

// openLinks opens the RS-485 bus when a bus device is configured, then one
// link per device. Virtual links are collected into virtual.
func openLinks(ctx context.Context, cfg *config.Config, registry *device.Registry, virtual map[int]*link.VirtualLink, log *logging.Logger) ([]link.DeviceLink, error) {
	var bus *link.Bus
	if n := len(registry.ByTransport(device.TransportBus)); n > 0 {
		var err error
		bus, err = link.OpenBus(link.BusOptions{
			Port:        cfg.Bus.Port,
			Baud:        cfg.Bus.Baud,
			ReadTimeout: cfg.Bus.ReadTimeout,
			Settle:      cfg.Bus.Settle,
			Turnaround:  cfg.Bus.Turnaround,
			DEPin:       cfg.Bus.DEPin,
			REPin:       cfg.Bus.REPin,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("opening RS-485 bus: %w", err)
		}
		log.Info("RS-485 bus ready", "port", cfg.Bus.Port, "devices", n)
	}

	links, err := link.OpenAll(ctx, registry.List(), link.Options{
		USB: link.USBOptions{
			ReadyTimeout: cfg.Crawler.ReadyTimeout,
			InboundQueue: cfg.Crawler.InboundQueue,
		},
		Bus:     bus,
		Virtual: virtual,
		Logger:  log,
	})
	if err != nil {
		if bus != nil {
			err = errors.Join(err, bus.Close())
		}
		return nil, err
	}
	log.Info("device links open", "count", len(links))
	return links, nil
}
