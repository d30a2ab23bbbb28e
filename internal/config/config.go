package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Log         struct {
		File       string `mapstructure:"file"`       // Optional rotating log file, stdout only when empty
		MaxSizeMB  int    `mapstructure:"maxSizeMB"`  // Rotate after this many megabytes
		MaxBackups int    `mapstructure:"maxBackups"` // Rotated files to keep
		MaxAgeDays int    `mapstructure:"maxAgeDays"` // Days to keep rotated files
	} `mapstructure:"log"`
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Health struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"health"`
	HTTP struct {
		RateLimitPerSecond float64 `mapstructure:"rateLimitPerSecond"`
		RateLimitBurst     int     `mapstructure:"rateLimitBurst"`
		CORSAllowOrigins   string  `mapstructure:"corsAllowOrigins"` // Comma separated
	} `mapstructure:"http"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
		Schema              string `mapstructure:"schema"`
	} `mapstructure:"database"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Pairing   PairingConfig   `mapstructure:"pairing"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Limits    struct {
		DefaultInstanceLimit int `mapstructure:"defaultInstanceLimit"` // <= 0 means unlimited
	} `mapstructure:"limits"`
	NATS struct {
		Enabled       bool   `mapstructure:"enabled"`
		URL           string `mapstructure:"url"`
		Stream        string `mapstructure:"stream"`
		SubjectPrefix string `mapstructure:"subjectPrefix"` // e.g. v1.connection.update
		MaxAge        int64  `mapstructure:"maxAge"`        // max age of status events in days
	} `mapstructure:"nats"`
	Sweeper struct {
		Enabled    bool          `mapstructure:"enabled"`
		Spec       string        `mapstructure:"spec"`
		StaleAfter time.Duration `mapstructure:"staleAfter"`
	} `mapstructure:"sweeper"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Provider WorkerPoolConfig `mapstructure:"provider"`
	} `mapstructure:"workerPools"`
}

// ProviderConfig holds gateway connectivity settings.
// GlobalBaseURL and GlobalAPIKey are the fallback credentials for accounts
// without a dedicated gateway. They are validated lazily at provisioning time.
type ProviderConfig struct {
	GlobalBaseURL   string        `mapstructure:"globalBaseURL"`
	GlobalAPIKey    string        `mapstructure:"globalAPIKey"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"`  // Per attempt
	RetryMaxElapsed time.Duration `mapstructure:"retryMaxElapsed"` // Upper bound for idempotent GET retries
	Integration     string        `mapstructure:"integration"`
}

// PairingConfig holds the pairing-refresh loop timings
type PairingConfig struct {
	QRRefreshInterval  time.Duration `mapstructure:"qrRefreshInterval"`
	StatusPollInterval time.Duration `mapstructure:"statusPollInterval"`
	CallTimeout        time.Duration `mapstructure:"callTimeout"`
	MaxLifetime        time.Duration `mapstructure:"maxLifetime"`
	MaxSessions        int           `mapstructure:"maxSessions"`
}

// WebsocketConfig holds push-channel connection settings
type WebsocketConfig struct {
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	PongWait       time.Duration `mapstructure:"pongWait"`
	PingPeriod     time.Duration `mapstructure:"pingPeriod"`
	SendBuffer     int           `mapstructure:"sendBuffer"`
	AllowedOrigins string        `mapstructure:"allowedOrigins"` // Comma separated, empty allows all
}

// WorkerPoolConfig holds configuration for an ants worker pool
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // Number of workers
	QueueSize  int           `mapstructure:"queueSize"`  // Max blocking submitters
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("log.maxSizeMB", 64)
	v.SetDefault("log.maxBackups", 7)
	v.SetDefault("log.maxAgeDays", 7)
	v.SetDefault("server.port", 8080)
	v.SetDefault("health.port", 8081)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("http.rateLimitPerSecond", 10)
	v.SetDefault("http.rateLimitBurst", 20)
	v.SetDefault("database.postgresAutoMigrate", true)
	v.SetDefault("database.schema", "daisi_wa")

	// Provider defaults
	v.SetDefault("provider.requestTimeout", 10*time.Second)
	v.SetDefault("provider.retryMaxElapsed", 15*time.Second)
	v.SetDefault("provider.integration", "WHATSAPP-BAILEYS")

	// Pairing loop defaults, QR expiry on the provider side is ~30s
	v.SetDefault("pairing.qrRefreshInterval", 30*time.Second)
	v.SetDefault("pairing.statusPollInterval", 5*time.Second)
	v.SetDefault("pairing.callTimeout", 4*time.Second)
	v.SetDefault("pairing.maxLifetime", 5*time.Minute)
	v.SetDefault("pairing.maxSessions", 1000)

	v.SetDefault("websocket.writeTimeout", 10*time.Second)
	v.SetDefault("websocket.pongWait", 60*time.Second)
	v.SetDefault("websocket.pingPeriod", 50*time.Second)
	v.SetDefault("websocket.sendBuffer", 16)

	v.SetDefault("limits.defaultInstanceLimit", 1)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.stream", "connection_status")
	v.SetDefault("nats.subjectPrefix", "v1.connection.update")
	v.SetDefault("nats.maxAge", 7)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.spec", "@every 1m")
	v.SetDefault("sweeper.staleAfter", 10*time.Minute)

	// WorkerPools Defaults
	v.SetDefault("workerPools.provider.poolSize", 64)
	v.SetDefault("workerPools.provider.queueSize", 1024)
	v.SetDefault("workerPools.provider.expiryTime", time.Minute)

	// Config file settings
	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-connection-manager")
	v.AddConfigPath("/etc/daisi-wa-connection-manager")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if key := os.Getenv("PROVIDER_API_KEY"); key != "" {
		v.Set("provider.globalAPIKey", key)
	}
	if baseURL := os.Getenv("PROVIDER_BASE_URL"); baseURL != "" {
		v.Set("provider.globalBaseURL", baseURL)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		// time.Duration is an int64, only recurse into real structs
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
