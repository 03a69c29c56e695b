package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"scribe/config"
	"scribe/engine"
	"scribe/messaging"
	"scribe/mirror"
	"scribe/netlink"
	"scribe/power"
	"scribe/printer"
	"scribe/store"
	"scribe/www"
)

func main() {
	configPath := flag.String("config", "scribe.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	portFlag := flag.Int("port", 0, "HTTP port (overrides config)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *portFlag > 0 {
		cfg.Web.Port = *portFlag
	}

	logger := newLogger(cfg.Log, *debug)
	creds := config.NewCredentials(cfg)

	// Device identity
	stack := netlink.NewSysStack(cfg.Interface)
	deviceID, err := netlink.DeviceID(stack)
	if err != nil {
		logger.Fatal().Err(err).Str("interface", cfg.Interface).Msg("device identity")
	}

	// Open journal
	db, err := store.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("open journal")
	}
	defer db.Close()

	// Printer transport
	var out printer.Port
	switch cfg.Printer.Transport {
	case "tcp":
		tp := printer.NewTCPPort(cfg.Printer.Address)
		defer tp.Close()
		out = tp
	default:
		sp, err := printer.OpenSerial(cfg.Printer.Device)
		if err != nil {
			logger.Fatal().Err(err).Str("device", cfg.Printer.Device).Msg("open printer")
		}
		defer sp.Close()
		out = sp
	}
	var gate printer.Gate = printer.AlwaysReady{}
	if cfg.Printer.GatePath != "" {
		gate = printer.NewGPIOGate(cfg.Printer.GatePath, cfg.Printer.GatePoll, cfg.Printer.GateActiveLow)
	}

	host := engine.Host{
		Sensor: power.NewSysfsSensor(cfg.Power.SensorPath),
		Port:   out,
		Gate:   gate,
		Stack:  stack,
		Dialer: newDialer(cfg, deviceID),
	}
	if cfg.Shutdown.SwitchPath != "" {
		host.Switch = power.NewSysfsSensor(cfg.Shutdown.SwitchPath)
	}
	if creds.WifiSSID() != "" {
		host.Radio = netlink.NewWPARadio(cfg.Network.WPACLIPath, cfg.Interface, cfg.Network.ConnectWait)
	} else {
		logger.Warn().Msg("no wifi ssid configured, link not supervised")
	}

	// Optional state mirror
	var mir *mirror.Mirror
	if cfg.Redis.Addr != "" {
		client := mirror.NewClient(cfg.Redis)
		defer client.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available, mirror will retry")
		}
		cancel()
		mir = mirror.New(client, deviceID, cfg.Redis.TTL, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		Creds:      creds,
		DB:         db,
		Mirror:     mir,
		Logger:     logger,
		DeviceID:   deviceID,
		Host:       host,
	})
	eng.Start(ctx)
	defer eng.Stop()

	// Set up HTTP server
	router, stopWeb := www.NewRouter(eng)
	defer stopWeb()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Str("device", deviceID).Msg("scribe listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Stop SSE event hub first so long-lived connections close
	stopWeb()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
}

func newLogger(c config.LogConfig, debug bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	var logger zerolog.Logger
	if c.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func newDialer(cfg *config.Config, deviceID string) messaging.Dialer {
	m := cfg.Messaging
	switch m.Backend {
	case "kafka":
		return messaging.NewKafkaDialer(m.Kafka.Brokers, deviceID, m.MQTT.Timeout)
	default:
		return messaging.NewMQTTDialer(m.MQTT.Broker, m.MQTT.Port, deviceID, m.MQTT.KeepAlive, m.MQTT.Timeout).
			WithResolver(func(ctx context.Context, host string) ([]string, error) {
				return netlink.Resolve(ctx, nil, host, m.RetryDelay)
			})
	}
}
