package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    Admission  AdmissionConfig  `mapstructure:"admission"`
    Queue      QueueConfig      `mapstructure:"queue"`
    Provider   ProviderConfig   `mapstructure:"provider"`
    Webhook    WebhookConfig    `mapstructure:"webhook"`
    Ledger     LedgerConfig     `mapstructure:"ledger"`
    Reaper     ReaperConfig     `mapstructure:"reaper"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
    Security   SecurityConfig   `mapstructure:"security"`
}

type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
}

type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AdmissionConfig carries the two concurrency caps from spec §6.
type AdmissionConfig struct {
    SystemConcurrentCallsLimit int           `mapstructure:"system_concurrent_calls_limit"`
    DefaultUserConcurrentLimit int           `mapstructure:"default_user_concurrent_calls_limit"`
    Deadline                   time.Duration `mapstructure:"deadline"`
}

// QueueConfig tunes the Queue Processor loop.
type QueueConfig struct {
    ProcessorInterval time.Duration `mapstructure:"processor_interval"`
    RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
    RetryBackoffBase  time.Duration `mapstructure:"retry_backoff_base"`
    GraceAfterTerminal time.Duration `mapstructure:"grace_after_terminal"`
}

// ProviderConfig addresses the Voice Provider Adapter.
type ProviderConfig struct {
    BaseURL       string        `mapstructure:"base_url"`
    APIKey        string        `mapstructure:"api_key"`
    Timeout       time.Duration `mapstructure:"timeout"`
    HealthPing    time.Duration `mapstructure:"health_ping_interval"`
    ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// WebhookConfig addresses the Webhook Ingress HTTP server.
type WebhookConfig struct {
    ListenAddress   string        `mapstructure:"listen_address"`
    Port            int           `mapstructure:"port"`
    MaxConnections  int           `mapstructure:"max_connections"`
    ReadTimeout     time.Duration `mapstructure:"read_timeout"`
    WriteTimeout    time.Duration `mapstructure:"write_timeout"`
    ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LedgerConfig tunes the Credit Ledger.
type LedgerConfig struct {
    SecondsPerCredit int `mapstructure:"seconds_per_credit"`
}

// ReaperConfig tunes the stale-slot reaper.
type ReaperConfig struct {
    Interval           time.Duration `mapstructure:"interval"`
    MaxCallDuration    time.Duration `mapstructure:"max_call_duration"`
}

type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
    Subsystem string `mapstructure:"subsystem"`
}

type HealthConfig struct {
    Enabled       bool          `mapstructure:"enabled"`
    Port          int           `mapstructure:"port"`
    LivenessPath  string        `mapstructure:"liveness_path"`
    ReadinessPath string        `mapstructure:"readiness_path"`
    CheckInterval time.Duration `mapstructure:"check_interval"`
    CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

type SecurityConfig struct {
    API APIConfig `mapstructure:"api"`
}

type APIConfig struct {
    Enabled      bool          `mapstructure:"enabled"`
    Port         int           `mapstructure:"port"`
    RateLimit    int           `mapstructure:"rate_limit"`
    CORSEnabled  bool          `mapstructure:"cors_enabled"`
    CORSOrigins  []string      `mapstructure:"cors_origins"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Load loads configuration from file and environment, in that order
// of increasing precedence.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/callctl")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("CALLCTL")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

func setDefaults() {
    viper.SetDefault("app.name", "callctl")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "callctl")
    viper.SetDefault("database.password", "callctl")
    viper.SetDefault("database.database", "callctl")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "100ms")
    viper.SetDefault("database.charset", "utf8mb4")

    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    // spec.md §6 configuration surface
    viper.SetDefault("admission.system_concurrent_calls_limit", 10)
    viper.SetDefault("admission.default_user_concurrent_calls_limit", 2)
    viper.SetDefault("admission.deadline", "2s")

    viper.SetDefault("queue.processor_interval", "10s")
    viper.SetDefault("queue.retry_max_attempts", 3)
    viper.SetDefault("queue.retry_backoff_base", "1s")
    viper.SetDefault("queue.grace_after_terminal", "1m")

    viper.SetDefault("provider.timeout", "30s")
    viper.SetDefault("provider.health_ping_interval", "30s")
    viper.SetDefault("provider.reconnect_wait", "5s")

    viper.SetDefault("webhook.listen_address", "0.0.0.0")
    viper.SetDefault("webhook.port", 8090)
    viper.SetDefault("webhook.max_connections", 1000)
    viper.SetDefault("webhook.read_timeout", "10s")
    viper.SetDefault("webhook.write_timeout", "10s")
    viper.SetDefault("webhook.shutdown_timeout", "30s")

    viper.SetDefault("ledger.seconds_per_credit", 60)

    viper.SetDefault("reaper.interval", "5m")
    viper.SetDefault("reaper.max_call_duration", "2h")

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "callctl")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/healthz")
    viper.SetDefault("monitoring.health.readiness_path", "/ready")
    viper.SetDefault("monitoring.health.check_interval", "30s")
    viper.SetDefault("monitoring.health.check_timeout", "5s")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")

    viper.SetDefault("security.api.enabled", true)
    viper.SetDefault("security.api.port", 8081)
    viper.SetDefault("security.api.rate_limit", 100)
    viper.SetDefault("security.api.cors_enabled", true)
}

// Validate checks invariants that must hold before the process starts
// serving traffic.
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Username == "" {
        return fmt.Errorf("database username is required")
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.Admission.SystemConcurrentCallsLimit <= 0 {
        return fmt.Errorf("admission.system_concurrent_calls_limit must be positive")
    }
    if c.Admission.DefaultUserConcurrentLimit <= 0 {
        return fmt.Errorf("admission.default_user_concurrent_calls_limit must be positive")
    }

    if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
        return fmt.Errorf("invalid webhook port: %d", c.Webhook.Port)
    }
    if c.Webhook.MaxConnections <= 0 {
        return fmt.Errorf("webhook max connections must be positive")
    }

    if c.Redis.Host != "" {
        if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
            return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
        }
    }

    if c.Queue.RetryMaxAttempts <= 0 {
        return fmt.Errorf("queue.retry_max_attempts must be positive")
    }

    if c.Monitoring.Metrics.Enabled {
        if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
            return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
        }
    }
    if c.Monitoring.Health.Enabled {
        if c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535 {
            return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
        }
    }

    return nil
}

// GetDSN returns the database connection string.
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local&multiStatements=true&interpolateParams=true",
        c.Username,
        c.Password,
        c.Host,
        c.Port,
        c.Database,
        charset,
    )
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetWebhookAddr returns the Webhook Ingress listen address.
func (c *WebhookConfig) GetWebhookAddr() string {
    return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}

func (c *AppConfig) IsDebug() bool {
    return c.Debug
}
