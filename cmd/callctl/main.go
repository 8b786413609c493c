// Command callctl is the outbound voice-calling control plane: the
// Queue Processor, Webhook Ingress, stale-slot Reaper, health and
// metrics servers run together in "serve" mode, and the same binary
// doubles as an operator CLI against the same database.
package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"
    "github.com/voxcallhq/callctl/internal/admission"
    "github.com/voxcallhq/callctl/internal/callapi"
    "github.com/voxcallhq/callctl/internal/config"
    "github.com/voxcallhq/callctl/internal/db"
    "github.com/voxcallhq/callctl/internal/directory"
    "github.com/voxcallhq/callctl/internal/health"
    "github.com/voxcallhq/callctl/internal/ledger"
    "github.com/voxcallhq/callctl/internal/lifecycle"
    "github.com/voxcallhq/callctl/internal/metrics"
    "github.com/voxcallhq/callctl/internal/providerclient"
    "github.com/voxcallhq/callctl/internal/queue"
    "github.com/voxcallhq/callctl/internal/reaper"
    "github.com/voxcallhq/callctl/internal/webhook"
    "github.com/voxcallhq/callctl/pkg/logger"
)

var (
    configFile string

    cfg             *config.Config
    database        *db.DB
    cache           *db.Cache
    dir             *directory.Directory
    admissionCtl    *admission.Controller
    queueStore      *queue.Store
    queueProc       *queue.Processor
    providerAdapter *providerclient.Adapter
    providerHealth  *providerclient.HealthMonitor
    lifecycleMach   *lifecycle.Machine
    creditLedger    *ledger.Ledger
    reaperSvc       *reaper.Reaper
    webhookSrv      *webhook.Server
    callAPISvc      *callapi.Server
    healthSvc       *health.Service
    metricsSvc      *metrics.PrometheusMetrics
)

func main() {
    rootCmd := &cobra.Command{
        Use:   "callctl",
        Short: "Outbound voice-calling control plane",
    }
    rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")

    rootCmd.AddCommand(
        createServeCommand(),
        createQueueCommands(),
        createSlotsCommands(),
        createReaperCommands(),
        createLedgerCommands(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func createServeCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "serve",
        Short: "Run the queue processor, webhook ingress, reaper, health and metrics servers",
        RunE: func(cmd *cobra.Command, args []string) error {
            return runServerMode()
        },
    }
}

func runServerMode() error {
    ctx := context.Background()

    var err error
    cfg, err = config.Load(configFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }

    logConfig := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
        Fields: cfg.Monitoring.Logging.Fields,
    }
    if err := logger.Init(logConfig); err != nil {
        return fmt.Errorf("failed to initialize logger: %w", err)
    }

    if err := initializeServices(ctx); err != nil {
        logger.Fatal("failed to initialize services", "error", err)
    }

    queueProc.Start()
    providerHealth.Start()
    reaperSvc.Start()

    go func() {
        if err := webhookSrv.Start(); err != nil {
            logger.Fatal("webhook ingress failed", "error", err)
        }
    }()

    if cfg.Security.API.Enabled {
        go func() {
            if err := callAPISvc.Start(); err != nil {
                logger.Fatal("direct-call admission API failed", "error", err)
            }
        }()
    }

    if cfg.Monitoring.Health.Enabled {
        go func() {
            if err := healthSvc.Start(); err != nil {
                logger.Fatal("health service failed", "error", err)
            }
        }()
    }
    if cfg.Monitoring.Metrics.Enabled {
        go metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    logger.Info("callctl serving")

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
    <-sigChan

    logger.Info("shutting down")
    queueProc.Stop()
    providerHealth.Stop()
    reaperSvc.Stop()
    if err := webhookSrv.Stop(); err != nil {
        logger.WithError(err).Error("error stopping webhook ingress")
    }
    if cfg.Security.API.Enabled {
        if err := callAPISvc.Stop(); err != nil {
            logger.WithError(err).Error("error stopping direct-call admission API")
        }
    }
    if healthSvc != nil {
        if err := healthSvc.Stop(); err != nil {
            logger.WithError(err).Error("error stopping health service")
        }
    }

    logger.Info("shutdown complete")
    return nil
}

// initializeServices wires every component from one *db.DB and one
// *db.Cache, in dependency order: directory and ledger have none,
// admission depends on the queue store, the queue processor depends
// on admission and the provider adapter, and the lifecycle machine
// depends on the ledger.
func initializeServices(ctx context.Context) error {
    dbConfig := db.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }
    if err := db.Initialize(dbConfig); err != nil {
        return fmt.Errorf("failed to connect to database: %w", err)
    }
    database = db.GetDB()

    if err := db.RunDatabaseMigrations(database.DB); err != nil {
        return fmt.Errorf("failed to run migrations: %w", err)
    }

    cacheConfig := db.CacheConfig{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
    }
    if err := db.InitializeCache(cacheConfig, "callctl"); err != nil {
        logger.WithError(err).Warn("failed to initialize redis cache, directory reads will always miss")
    }
    cache = db.GetCache()

    dir = directory.New(database.DB, cache)
    queueStore = queue.NewStore(database.DB)
    creditLedger = ledger.New(database.DB, cfg.Ledger)
    admissionCtl = admission.New(database.DB, queueStore, creditLedger, cfg.Admission.SystemConcurrentCallsLimit, cfg.Admission.DefaultUserConcurrentLimit)
    providerAdapter = providerclient.NewAdapter(cfg.Provider, webhookCallbackURL(), dir)
    providerHealth = providerclient.NewHealthMonitor(providerAdapter, cfg.Provider.HealthPing)
    queueProc = queue.NewProcessor(queueStore, database.DB, admissionCtl, providerAdapter, dir, cfg.Queue.ProcessorInterval)
    lifecycleMach = lifecycle.New(database.DB, creditLedger, dir, queueStore)
    reaperSvc = reaper.New(database.DB, cfg.Reaper.Interval, cfg.Reaper.MaxCallDuration)
    webhookSrv = webhook.NewServer(cfg.Webhook, database.DB, lifecycleMach)
    callAPISvc = callapi.NewServer(cfg.Security.API, database.DB, admissionCtl, dir, providerAdapter)

    metricsSvc = metrics.NewPrometheusMetrics()

    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewService(cfg.Monitoring.Health.Port)
        healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            return database.PingContext(ctx)
        }))
        healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            if !database.IsHealthy() {
                return fmt.Errorf("database not healthy")
            }
            return database.PingContext(ctx)
        }))
        healthSvc.RegisterReadinessCheck("provider", health.CheckFunc(func(ctx context.Context) error {
            if !providerHealth.IsHealthy() {
                return fmt.Errorf("voice provider not reachable")
            }
            return nil
        }))
    }

    return nil
}

func webhookCallbackURL() string {
    return fmt.Sprintf("http://%s/webhooks/voice", cfg.Webhook.GetWebhookAddr())
}

// initializeForCLI brings up just the database connection a read-only
// operator command needs, skipping the processor/ingress/health stack
// that "serve" starts.
func initializeForCLI(ctx context.Context) error {
    var err error
    cfg, err = config.Load(configFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }

    logConfig := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: "text",
    }
    if err := logger.Init(logConfig); err != nil {
        return fmt.Errorf("failed to initialize logger: %w", err)
    }

    dbConfig := db.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }
    if err := db.Initialize(dbConfig); err != nil {
        return fmt.Errorf("failed to connect to database: %w", err)
    }
    database = db.GetDB()

    queueStore = queue.NewStore(database.DB)
    creditLedger = ledger.New(database.DB, cfg.Ledger)
    admissionCtl = admission.New(database.DB, queueStore, creditLedger, cfg.Admission.SystemConcurrentCallsLimit, cfg.Admission.DefaultUserConcurrentLimit)
    reaperSvc = reaper.New(database.DB, cfg.Reaper.Interval, cfg.Reaper.MaxCallDuration)

    return nil
}
