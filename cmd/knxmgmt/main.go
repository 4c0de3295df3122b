// knxmgmt is a KNX network management daemon.
//
// It holds one KNXnet/IP tunnel to the bus and runs commissioning
// procedures (probe, individual address assignment, memory bit switching)
// on request from the HTTP API, MQTT or the interactive console. Group
// traffic seen on the line is streamed to WebSocket and MQTT clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/knxmgmt/cmd/knxmgmt/interactive"
	"github.com/nerrad567/knxmgmt/internal/api"
	"github.com/nerrad567/knxmgmt/internal/audit"
	knxbridge "github.com/nerrad567/knxmgmt/internal/bridges/knx"
	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/config"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/database"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/influxdb"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/logging"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/mqtt"
	"github.com/nerrad567/knxmgmt/internal/knx/bus"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
	"github.com/nerrad567/knxmgmt/internal/knx/tunnel"
	"github.com/nerrad567/knxmgmt/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds closing the bus session.
const shutdownTimeout = 5 * time.Second

// options are the command line flags.
type options struct {
	configPath  string
	console     bool
	issueToken  string
	tokenTTL    time.Duration
	showVersion bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("knxmgmt", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Configuration file path (default $KNXMGMT_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.console, "console", false, "Start the interactive console")
	fs.StringVar(&opts.issueToken, "issue-token", "", "Print an API token for the given subject and exit")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of a token issued with -issue-token")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	switch {
	case opts.showVersion:
		fmt.Printf("knxmgmt %s (commit %s, built %s)\n", version, commit, date)
		return
	case opts.issueToken != "":
		if err := issueToken(opts, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// issueToken signs an API bearer token with the configured secret.
func issueToken(opts options, w io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.SignToken(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, opts.issueToken, opts.tokenTTL)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting knxmgmt",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, database.Source{FS: migrations.FS, Dir: "."}); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	journal := audit.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Open the tunnel and build the bus session on it
	link, err := tunnel.Connect(ctx, tunnel.Config{
		Connection:        cfg.Bus.Connection,
		ConnectTimeout:    cfg.Bus.GetConnectTimeout(),
		ReconnectInterval: cfg.Bus.GetReconnectInterval(),
		HeartbeatInterval: cfg.Bus.GetHeartbeatInterval(),
	})
	if err != nil {
		return fmt.Errorf("connecting to KNX tunnel: %w", err)
	}
	defer func() {
		log.Info("closing KNX tunnel")
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing KNX tunnel", "error", closeErr)
		}
	}()
	link.SetLogger(log.Component("tunnel"))

	sessionCfg, err := sessionConfig(cfg)
	if err != nil {
		return err
	}
	session := bus.NewSession(link, sessionCfg)
	session.SetLogger(log.Component("bus"))
	defer func() {
		log.Info("closing bus session")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		session.Close(closeCtx)
	}()
	log.Info("KNX tunnel connected",
		"connection", cfg.Bus.Connection,
		"own_address", session.OwnAddress().String(),
	)

	runnerOpts := commissioning.RunnerOptions{
		Manager: session.Management(),
		Groups:  session,
		Journal: journal,
		Logger:  log.Component("commissioning"),
	}
	if influxClient != nil {
		runnerOpts.Metrics = influxClient

		recorder := bus.NewMetricsRecorder(session.Counters(), influxClient, cfg.Bus.GetMetricsInterval(),
			map[string]string{"connection": cfg.Bus.Connection})
		recorder.Start(ctx)
		defer recorder.Stop()
	}
	runner, err := commissioning.NewRunner(runnerOpts)
	if err != nil {
		return fmt.Errorf("creating commissioning runner: %w", err)
	}
	defer func() {
		log.Info("stopping commissioning runner")
		runner.Close()
	}()

	monitor := knxbridge.NewBusMonitor(db.DB)

	// The console owns the terminal; log lines go through its writer so
	// they do not break the prompt.
	var console *interactive.Console
	if opts.console {
		console, err = interactive.New(interactive.Options{
			Runner: runner,
			Seen:   monitor,
			Bus:    session,
			UserID: consoleUser(),
		})
		if err != nil {
			return fmt.Errorf("starting console: %w", err)
		}
		log = logging.NewWithWriter(cfg.Logging, version, console.Stdout())
		link.SetLogger(log.Component("tunnel"))
		session.SetLogger(log.Component("bus"))
		runner.SetLogger(log.Component("commissioning"))
		if mqttClient != nil {
			mqttClient.SetLogger(log.Component("mqtt"))
		}
	}
	monitor.SetLogger(log.Component("busmonitor"))

	// HTTP API and WebSocket hub
	checks := map[string]api.HealthChecker{
		"database": db,
		"knx":      link,
	}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Runner:   runner,
		Bus:      session,
		Seen:     monitor,
		Journal:  journal,
		Checks:   checks,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	monitor.AddSink(server.Hub())

	// MQTT bridge (if MQTT is enabled)
	if mqttClient != nil {
		bridge, bridgeErr := startBridge(ctx, cfg, mqttClient, runner, monitor, session, link, log)
		if bridgeErr != nil {
			return bridgeErr
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
	}

	if startErr := monitor.Start(ctx, session.GroupTelegrams()); startErr != nil {
		return fmt.Errorf("starting bus monitor: %w", startErr)
	}
	defer monitor.Stop()

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening", "addr", server.Addr())

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if console != nil {
		go console.Run(ctx, cancel)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred closes run in reverse order: API, bus monitor, bridge,
	// runner, bus session, tunnel, InfluxDB, MQTT, database.
	return nil
}

// sessionConfig converts the bus and management settings.
func sessionConfig(cfg *config.Config) (bus.Config, error) {
	var own telegram.IndividualAddress
	if cfg.Bus.OwnAddress != "" {
		addr, err := telegram.ParseIndividualAddress(cfg.Bus.OwnAddress)
		if err != nil {
			return bus.Config{}, fmt.Errorf("bus.own_address: %w", err)
		}
		own = addr
	}

	mb := cfg.Management.MemoryBit
	return bus.Config{
		OwnAddress: own,
		Handler: cemi.Config{
			ConfirmationTimeout:  cfg.Bus.GetConfirmationTimeout(),
			GroupQueueSize:       cfg.Bus.GroupQueueSize,
			CompactControlFrames: cfg.Bus.CompactControlFrames,
		},
		Management: prog.Config{
			AckTimeout:         cfg.Management.GetAckTimeout(),
			ResponseTimeout:    cfg.Management.GetResponseTimeout(),
			ButtonPollInterval: cfg.Management.GetButtonPollInterval(),
			ButtonWait:         cfg.Management.GetButtonWait(),
			RestartSettle:      cfg.Management.GetRestartSettle(),
			MemoryBitOffset:    uint16(mb.Offset), //nolint:gosec // validated 0..65535
			MemoryBitOn:        byte(mb.On),       //nolint:gosec // validated 0..255
			MemoryBitOff:       byte(mb.Off),      //nolint:gosec // validated 0..255
		},
	}, nil
}

// startBridge creates and starts the MQTT bridge.
func startBridge(
	ctx context.Context,
	cfg *config.Config,
	mqttClient *mqtt.Client,
	runner *commissioning.Runner,
	monitor *knxbridge.BusMonitor,
	session *bus.Session,
	link *tunnel.Client,
	log *logging.Logger,
) (*knxbridge.Bridge, error) {
	bridge, err := knxbridge.NewBridge(knxbridge.BridgeOptions{
		MQTTClient:     mqttClient,
		Runner:         runner,
		Monitor:        monitor,
		Bus:            session,
		Link:           link,
		Version:        version,
		HealthInterval: cfg.MQTT.GetHealthInterval(),
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated 0..2
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	log.Info("MQTT bridge started")
	return bridge, nil
}

// getConfigPath returns the configuration file path.
// Uses KNXMGMT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KNXMGMT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// consoleUser names the operator in the journal.
func consoleUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "console"
}

// healthCheck verifies every dependency once at startup.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
