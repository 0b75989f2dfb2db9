package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"Server"`
	Database  DatabaseConfig  `mapstructure:"Database"`
	Storage   StorageConfig   `mapstructure:"Storage"`
	Quota     QuotaConfig     `mapstructure:"Quota"`
	Redis     RedisConfig     `mapstructure:"Redis"`
	NATS      NATSConfig      `mapstructure:"NATS"`
	Telemetry TelemetryConfig `mapstructure:"Telemetry"`
	Log       LogConfig       `mapstructure:"Log"`
}

type ServerConfig struct {
	Port     string `mapstructure:"Port"`
	GRPCPort string `mapstructure:"GRPCPort"`
	BaseURL  string `mapstructure:"BaseURL"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"Host"`
	Port     string `mapstructure:"Port"`
	User     string `mapstructure:"User"`
	Password string `mapstructure:"Password"`
	Name     string `mapstructure:"Name"`
	SSLMode  string `mapstructure:"SSLMode"`
}

type StorageConfig struct {
	// Backend is "s3" or "fs".
	Backend         string `mapstructure:"Backend"`
	Root            string `mapstructure:"Root"`
	StagingDir      string `mapstructure:"StagingDir"`
	MaxArtifactSize int64  `mapstructure:"MaxArtifactSize"`
	S3ConfigFile    string `mapstructure:"S3ConfigFile"`
	// CleanupPolicy is "log" or "propagate".
	CleanupPolicy string `mapstructure:"CleanupPolicy"`
}

type QuotaConfig struct {
	ReservationLease time.Duration `mapstructure:"ReservationLease"`
	// ReapInterval of zero disables the background reaper.
	ReapInterval time.Duration `mapstructure:"ReapInterval"`
}

// RedisConfig enables the progress tracker when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL    string `mapstructure:"URL"`
	Stream string `mapstructure:"Stream"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"Endpoint"`
	ServiceName string `mapstructure:"ServiceName"`
	Insecure    bool   `mapstructure:"Insecure"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
	File   string `mapstructure:"File"`
}

type binding struct {
	key string
	env string
	def string
}

var bindings = []binding{
	{"Server.Port", "HTTP_PORT", "2525"},
	{"Server.GRPCPort", "GRPC_PORT", "50051"},
	{"Server.BaseURL", "BASE_URL", ""},

	{"Database.Host", "DATABASE_HOST", ""},
	{"Database.Port", "DATABASE_PORT", ""},
	{"Database.User", "DATABASE_USER", ""},
	{"Database.Password", "DATABASE_PASSWORD", ""},
	{"Database.Name", "DATABASE_NAME", ""},
	{"Database.SSLMode", "DATABASE_SSLMODE", "disable"},

	{"Storage.Backend", "STORAGE_BACKEND", "s3"},
	{"Storage.Root", "STORAGE_ROOT", "/var/lib/artifactvault/store"},
	{"Storage.StagingDir", "STORAGE_STAGING_DIR", "/var/lib/artifactvault/staging"},
	{"Storage.MaxArtifactSize", "STORAGE_MAX_ARTIFACT_SIZE", "0"},
	{"Storage.S3ConfigFile", "STORAGE_S3_CONFIG", ".s3.env"},
	{"Storage.CleanupPolicy", "STORAGE_CLEANUP_POLICY", "log"},

	{"Quota.ReservationLease", "QUOTA_RESERVATION_LEASE", "5h"},
	{"Quota.ReapInterval", "QUOTA_REAP_INTERVAL", "1h"},

	{"Redis.Addr", "REDIS_ADDR", ""},
	{"Redis.Password", "REDIS_PASSWORD", ""},
	{"Redis.DB", "REDIS_DB", "0"},

	{"NATS.URL", "NATS_URL", ""},
	{"NATS.Stream", "NATS_STREAM", "ARTIFACTVAULT"},

	{"Telemetry.Endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", ""},
	{"Telemetry.ServiceName", "OTEL_SERVICE_NAME", "artifactvault"},
	{"Telemetry.Insecure", "OTEL_EXPORTER_OTLP_INSECURE", "false"},

	{"Log.Level", "LOG_LEVEL", "info"},
	{"Log.Format", "LOG_FORMAT", "text"},
	{"Log.File", "LOG_FILE", ""},
}

// NewConfig loads the process configuration from the dotenv file at path.
// Environment variables take precedence; a missing file leaves only the
// environment and defaults.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")

	for _, b := range bindings {
		v.BindEnv(b.key, b.env)
	}

	if err := v.ReadInConfig(); err != nil {
		log.WithError(err).Warn("using only environment variables")
	}

	// Dotenv files carry flat keys; lift them onto the nested ones unless the
	// environment already set them, then fill defaults.
	for _, b := range bindings {
		if v.GetString(b.key) != "" {
			continue
		}
		if fromFile := v.GetString(b.env); fromFile != "" {
			v.Set(b.key, fromFile)
		} else if b.def != "" {
			v.Set(b.key, b.def)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.Host == "" ||
		cfg.Database.Port == "" ||
		cfg.Database.User == "" ||
		cfg.Database.Password == "" ||
		cfg.Database.Name == "" {
		return nil, fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Name)
	}

	switch cfg.Storage.Backend {
	case "s3", "fs":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	switch cfg.Storage.CleanupPolicy {
	case "log", "propagate":
	default:
		return nil, fmt.Errorf("unknown cleanup policy %q", cfg.Storage.CleanupPolicy)
	}
	if cfg.Storage.MaxArtifactSize < 0 {
		return nil, fmt.Errorf("storage max artifact size must not be negative")
	}

	return &cfg, nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// URL is the form golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}
