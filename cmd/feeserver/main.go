// FeeServer - front-end electronics control server
//
// This is the main entry point for a FeeServer instance. It publishes the
// monitoring channels of the front-end cards it controls, accepts binary
// commands on its command channel and answers them on the ACK channel.
//
// The process never restarts itself. It exits with a code from package
// exitcode and cmd/feesupervisor decides whether to start it again.
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

	_ "github.com/nerrad567/feeserver/migrations"

	"github.com/nerrad567/feeserver/internal/api"
	"github.com/nerrad567/feeserver/internal/audit"
	"github.com/nerrad567/feeserver/internal/ce"
	"github.com/nerrad567/feeserver/internal/exitcode"
	"github.com/nerrad567/feeserver/internal/fec"
	"github.com/nerrad567/feeserver/internal/feeserver"
	"github.com/nerrad567/feeserver/internal/infrastructure/config"
	"github.com/nerrad567/feeserver/internal/infrastructure/database"
	"github.com/nerrad567/feeserver/internal/infrastructure/influxdb"
	"github.com/nerrad567/feeserver/internal/infrastructure/logging"
	"github.com/nerrad567/feeserver/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/transport"
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

// tokenSubject is the subject of tokens printed by -issue-token.
const tokenSubject = "operator"

// options are the command-line settings of one run.
type options struct {
	configPath string
	loopback   bool
	tokenTTL   time.Duration
	stdout     io.Writer
}

func main() {
	opts := options{stdout: os.Stdout}
	flag.StringVar(&opts.configPath, "config", getConfigPath(), "path to the configuration file")
	flag.BoolVar(&opts.loopback, "loopback", false, "use the in-memory transport instead of MQTT")
	flag.DurationVar(&opts.tokenTTL, "issue-token", 0, "print a command API token valid for the given duration and exit")
	flag.Parse()

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code, err := run(ctx, opts)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(int(code))
}

// run is the application logic, separated from main for testability. The
// returned code is the process exit code.
func run(ctx context.Context, opts options) (exitcode.Code, error) {
	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingServerName) {
			return exitcode.NoServerName, fmt.Errorf("loading config: %w", err)
		}
		return exitcode.BadConfig, fmt.Errorf("loading config: %w", err)
	}

	if opts.tokenTTL > 0 {
		token, tokenErr := api.IssueToken(cfg.Security.JWT.Secret, tokenSubject, opts.tokenTTL)
		if tokenErr != nil {
			return exitcode.BadConfig, fmt.Errorf("issuing token: %w", tokenErr)
		}
		fmt.Fprintln(opts.stdout, token)
		return exitcode.Normal, nil
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version).With("server", cfg.Server.Name)
	log.Info("starting FeeServer",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", opts.configPath,
		"restart_counter", cfg.Server.RestartCounter,
	)

	// Open database (optional)
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return exitcode.Failure, fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return exitcode.Failure, fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", cfg.Database.Path)
	} else {
		log.Info("database disabled")
	}

	// The hub outlives the API server: the core broadcasts into it from the start.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(hubCtx)

	// Transport
	var (
		tr         transport.Transport
		mqttClient *mqtt.Client
	)
	if opts.loopback {
		tr = transport.NewLoopback()
		log.Info("using loopback transport")
	} else {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT, cfg.Server.Name)
		if err != nil {
			return exitcode.NoTransport, fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		)
		tr = transport.NewMQTT(mqttClient, byte(cfg.MQTT.QoS)) //nolint:gosec // qos validated to 0..2
	}
	defer func() {
		if closeErr := tr.Close(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Server.Name)
		if err != nil {
			return exitcode.Failure, fmt.Errorf("connecting to InfluxDB: %w", err)
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
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device layer
	var history *ce.SQLiteHistory
	layerCfg := fec.Config{
		Boards:         cfg.Devices.FECCount,
		UpdateInterval: time.Duration(cfg.Devices.ServiceUpdateInterval) * time.Millisecond,
		OnStateChange:  hub.PublishStateChange,
	}
	if db != nil {
		history = ce.NewSQLiteHistory(db.DB)
		layerCfg.History = history
	}
	devices := fec.NewLayer(layerCfg)
	devices.SetLogger(log)

	srvCfg := feeserver.Config{
		Name:                    cfg.Server.Name,
		IssueTimeout:            cfg.IssueTimeoutDuration(),
		InitTimeout:             cfg.InitTimeoutDuration(),
		UpdateRate:              cfg.UpdateRateDuration(),
		ForcedRefreshMultiplier: cfg.Monitor.ForcedRefreshMultiplier,
		MemoryBudget:            cfg.Memory.Budget,
		BinaryUpdatePath:        cfg.Server.BinaryUpdatePath,
		RebootCommand:           cfg.Server.RebootCommand,
		ShutdownCommand:         cfg.Server.ShutdownCommand,
		Messages: message.Config{
			Detector:         cfg.Server.Name,
			Level:            message.EventType(cfg.Messages.LogLevel),
			ReplicateTimeout: cfg.ReplicateTimeoutDuration(),
		},
		OnPublish: hub.PublishSample,
		OnMessage: hub.PublishMessage,
	}
	var (
		auditRepo *audit.SQLiteRepository
		msgStore  *message.SQLiteStore
	)
	if db != nil {
		auditRepo = audit.NewSQLiteRepository(db.DB)
		srvCfg.Audit = auditRepo
		if cfg.Messages.History {
			msgStore = message.NewSQLiteStore(db.DB)
			srvCfg.MessageStore = msgStore
		}
	}
	if influxClient != nil {
		srvCfg.ValueSink = influxClient
		srvCfg.CommandSink = influxClient
	}

	srv, err := feeserver.New(srvCfg, tr, devices)
	if err != nil {
		return exitcode.Of(err), fmt.Errorf("creating server: %w", err)
	}
	srv.SetLogger(log)

	if startErr := srv.Start(ctx); startErr != nil {
		return exitcode.Of(startErr), fmt.Errorf("starting server: %w", startErr)
	}
	defer srv.Stop()

	// Start HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log,
			Core:        srv,
			Devices:     devices,
			ExternalHub: hub,
			Version:     version,
		}
		// Interface fields stay nil unless the backing store exists.
		if history != nil {
			deps.History = history
		}
		if msgStore != nil {
			deps.Messages = msgStore
		}
		if auditRepo != nil {
			deps.Audit = auditRepo
		}
		if db != nil {
			deps.DB = db
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}

		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return exitcode.Failure, fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return exitcode.Failure, fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete", "state", srv.State().String())

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
		return exitcode.Normal, nil
	case code := <-srv.Exit():
		log.Info("exit requested by command", "code", code.String())
		return code, nil
	}
}

// getConfigPath returns the configuration file path.
// Uses FEESERVER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FEESERVER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
