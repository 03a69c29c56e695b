// Package engine builds the device supervisors, runs them for the life of
// the process and carries their observable state changes on an event bus.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"scribe/config"
	"scribe/messaging"
	"scribe/mirror"
	"scribe/netlink"
	"scribe/power"
	"scribe/printer"
	"scribe/shutdown"
	"scribe/store"
	"scribe/watch"
)

// SelfTestText is printed once at startup when printer.self_test is set.
const SelfTestText = "Test Print, extra lines 12345678901234567890"

// Host bundles the hardware and network collaborators. Radio, Dialer and
// Switch may be nil: without a radio the link is assumed up, without a
// dialer no broker session is run, without a switch only power loss halts.
type Host struct {
	Sensor power.Sensor
	Switch power.Sensor
	Port   printer.Port
	Gate   printer.Gate
	Radio  netlink.Radio
	Stack  netlink.Stack
	Dialer messaging.Dialer
	Halter shutdown.Halter
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	Creds      *config.Credentials
	DB         *store.DB
	Mirror     *mirror.Mirror
	Logger     zerolog.Logger
	DeviceID   string
	Host       Host
}

// Engine owns every long-running device task.
type Engine struct {
	cfg        *config.Config
	configPath string
	creds      *config.Credentials
	db         *store.DB
	mirror     *mirror.Mirror
	root       zerolog.Logger
	log        zerolog.Logger
	deviceID   string
	host       Host

	queue        *printer.Queue
	writer       *printer.Writer
	monitor      *power.Monitor
	supervisor   *netlink.Supervisor
	reporter     *messaging.Reporter
	sessions     *messaging.Manager
	orchestrator *shutdown.Orchestrator
	shutdownSw   *shutdown.Switch

	Events *EventBus

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Engine. Call Start to build and run the tasks.
func New(c Config) *Engine {
	log := c.Logger.With().Str("component", "engine").Logger()
	creds := c.Creds
	if creds == nil {
		creds = config.NewCredentials(c.AppConfig)
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		creds:      creds,
		db:         c.DB,
		mirror:     c.Mirror,
		root:       c.Logger,
		log:        log,
		deviceID:   c.DeviceID,
		host:       c.Host,
		Events: NewEventBus(func(evt Event, err error) {
			log.Error().Err(err).Int("event", int(evt.Type)).Msg("event subscriber failed")
		}),
	}
}

// Start creates all managers, wires event handlers and starts the tasks.
// The tasks run until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	logger := e.root

	// Create subsystem emitter adapters
	printerEmit := &printerEmitter{bus: e.Events}
	powerEmit := &powerEmitter{bus: e.Events}
	linkEmit := &linkEmitter{bus: e.Events}
	sessionEmit := &sessionEmitter{bus: e.Events}
	shutdownEmit := &shutdownEmitter{bus: e.Events}

	// Create managers
	e.queue = printer.NewQueue(e.cfg.Printer.QueueCapacity, printerEmit)
	opts := printer.DefaultWriterOptions()
	opts.LineWidth = e.cfg.Printer.LineWidth
	opts.TrailerLines = e.cfg.Printer.TrailerLines
	opts.UpsideDown = e.cfg.Printer.UpsideDown
	e.writer = printer.NewWriter(e.queue, e.host.Port, e.host.Gate, opts, printerEmit, logger)

	th := power.Thresholds{
		Normal: e.cfg.Power.NormalThreshold,
		Loss:   e.cfg.Power.LossThreshold,
		USB:    e.cfg.Power.USBThreshold,
	}
	e.monitor = power.NewMonitor(e.host.Sensor, th, e.cfg.Power.SampleInterval, powerEmit, logger)

	if e.host.Radio != nil {
		e.supervisor = netlink.NewSupervisor(e.host.Radio, e.host.Stack, e.creds, netlink.Options{
			Scan:      e.cfg.Network.Scan,
			ScanMax:   e.cfg.Network.ScanMax,
			Cooldown:  e.cfg.Network.Cooldown,
			ReadyPoll: e.cfg.Network.ReadyPoll,
		}, linkEmit, logger)
	}

	status := watch.NewSignal[messaging.Status]()
	e.reporter = messaging.NewReporter(e.monitor.Conditions(), e.monitor.Samples(), status,
		e.cfg.Messaging.StatusInterval, logger)
	if e.host.Dialer != nil {
		e.sessions = messaging.NewManager(e.host.Dialer, e.creds, e.deviceID,
			messaging.NewTopics(e.cfg.Namespace, e.deviceID), e.queue, status,
			messaging.Options{RetryDelay: e.cfg.Messaging.RetryDelay, MaxRetries: e.cfg.Messaging.MaxRetries},
			sessionEmit, logger)
	}

	halter := e.host.Halter
	if halter == nil {
		halter = shutdown.NewCommandHalter(e.cfg.Shutdown.Command, logger)
	}
	e.orchestrator = shutdown.NewOrchestrator(e.monitor.Conditions(), e.cfg.Shutdown.Grace, halter, shutdownEmit, logger)
	if e.host.Switch != nil {
		e.shutdownSw = shutdown.NewSwitch(e.host.Switch, e.cfg.Shutdown.SwitchInterval,
			power.Sample(e.cfg.Shutdown.SwitchThreshold), logger)
		e.orchestrator.WithSwitch(e.shutdownSw)
	}

	// Wire the event chain
	e.wireEventHandlers()

	// Start tasks
	e.run(ctx, "printer", e.writer.Run)
	e.run(ctx, "power", e.monitor.Run)
	e.run(ctx, "status", e.reporter.Run)
	e.run(ctx, "shutdown", e.orchestrator.Run)
	if e.shutdownSw != nil {
		e.run(ctx, "shutdown-switch", e.shutdownSw.Run)
	}
	if e.supervisor != nil {
		e.run(ctx, "netlink", e.supervisor.Run)
	}
	if e.sessions != nil {
		e.run(ctx, "messaging", e.runSessions)
	} else {
		e.log.Warn().Msg("no broker dialer, messaging disabled")
	}
	if e.mirror != nil {
		e.run(ctx, "mirror", e.mirror.Run)
	}

	if e.cfg.Printer.SelfTest {
		if _, err := e.queue.Submit(ctx, printer.SourceSelfTest, SelfTestText); err != nil {
			e.log.Warn().Err(err).Msg("self-test print not queued")
		}
	}

	e.log.Info().Str("device", e.deviceID).Str("namespace", e.cfg.Namespace).
		Bool("link_supervised", e.supervisor != nil).Bool("messaging", e.sessions != nil).
		Msg("engine started")
}

// Stop cancels every task, closes the print queue and waits for the tasks
// to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		if e.queue != nil {
			e.queue.Close()
		}
		e.wg.Wait()
		e.log.Info().Msg("engine stopped")
	})
}

func (e *Engine) run(ctx context.Context, name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Str("task", name).Msg("task stopped")
			return
		}
		e.log.Debug().Str("task", name).Msg("task finished")
	}()
}

// runSessions holds the broker session back until the link first comes up.
func (e *Engine) runSessions(ctx context.Context) error {
	if e.supervisor != nil {
		rx, err := e.supervisor.State().Receiver()
		if err != nil {
			return fmt.Errorf("messaging: %w", err)
		}
		for {
			st, err := rx.Changed(ctx)
			if err != nil {
				return err
			}
			if st == netlink.Up {
				break
			}
		}
		e.log.Info().Msg("link up, starting broker session")
	}
	return e.sessions.Run(ctx)
}

// Snapshot is the device state served at /api/status.
type Snapshot struct {
	DeviceID      string `json:"device_id"`
	Link          string `json:"link"`
	Addr          string `json:"addr,omitempty"`
	LinkAttempts  int    `json:"link_attempts"`
	Power         string `json:"power"`
	PowerLevel    uint16 `json:"power_level"`
	Session       bool   `json:"session"`
	Sessions      int    `json:"sessions"`
	Shutdown      string `json:"shutdown"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

// Snapshot reads the live state of every task. Only valid after Start.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		DeviceID:      e.deviceID,
		Link:          netlink.Up.String(),
		Shutdown:      e.orchestrator.State(),
		QueueDepth:    e.queue.Len(),
		QueueCapacity: e.queue.Cap(),
	}
	if e.supervisor != nil {
		st, _ := e.supervisor.State().Peek()
		s.Link = st.String()
		if addr := e.supervisor.Addr(); addr.IsValid() {
			s.Addr = addr.String()
		}
		s.LinkAttempts = e.supervisor.Attempts()
	}
	cond, _ := e.monitor.Conditions().Peek()
	s.Power = cond.String()
	level, _ := e.monitor.Samples().Peek()
	s.PowerLevel = uint16(level)
	if e.sessions != nil {
		s.Session = e.sessions.Connected()
		s.Sessions = e.sessions.Sessions()
	}
	return s
}

// Queue returns the print queue.
func (e *Engine) Queue() *printer.Queue { return e.queue }

// DB returns the journal handle. It may be nil.
func (e *Engine) DB() *store.DB { return e.db }

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }

// ConfigPath returns the config file path.
func (e *Engine) ConfigPath() string { return e.configPath }

// Credentials returns the runtime credential store.
func (e *Engine) Credentials() *config.Credentials { return e.creds }

// DeviceID returns the device identity used in topics.
func (e *Engine) DeviceID() string { return e.deviceID }

// Logger returns the root logger handed to the engine.
func (e *Engine) Logger() zerolog.Logger { return e.root }
