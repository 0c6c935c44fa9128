package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the settings shared by the fieldops binaries.
type Config struct {
	App        AppConfig
	Log        LogConfig
	API        APIConfig
	Breaker    BreakerConfig
	Agent      AgentConfig
	Tracking   TrackingConfig
	Payment    PaymentConfig
	Storefront StorefrontConfig
	Monitor    MonitorConfig
	Stub       StubConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Storage    StorageConfig
	HTTP       HTTPConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// APIConfig points at the remote sales/distribution API.
type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
}

type AgentConfig struct {
	Port     string
	DriverID int64 // 0 means derive from the API token
}

type TrackingConfig struct {
	Interval      time.Duration
	GeolocatorURL string // websocket feed of device position fixes
	AutoStart     bool
}

type PaymentConfig struct {
	PollInterval  time.Duration
	MaxAttempts   int
	Store         string // file, redis, postgres
	FilePath      string
	SessionCookie string
}

type StorefrontConfig struct {
	Port string
}

type MonitorConfig struct {
	Port string
}

// StubConfig drives the local stand-in for the remote API.
type StubConfig struct {
	Port        string
	SettleAfter int // status checks a payment stays PENDING for
	MaxDelay    time.Duration
	ReturnURL   string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// StorageConfig selects where delivery proof photos go. The default backend
// uploads through the API's proof endpoint.
type StorageConfig struct {
	Backend       string // api, s3
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string
}

type HTTPConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Load reads fieldops.toml (optional) and FIELDOPS_ prefixed environment
// variables, which take precedence.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("fieldops")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fieldops")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return build(v)
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return build(v)
}

func build(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("FIELDOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		API: APIConfig{
			BaseURL: v.GetString("api.base_url"),
			Token:   v.GetString("api.token"),
			Timeout: v.GetDuration("api.timeout"),
		},
		Breaker: BreakerConfig{
			MaxFailures: v.GetInt("breaker.max_failures"),
			Timeout:     v.GetDuration("breaker.timeout"),
		},
		Agent: AgentConfig{
			Port:     v.GetString("agent.port"),
			DriverID: v.GetInt64("agent.driver_id"),
		},
		Tracking: TrackingConfig{
			Interval:      v.GetDuration("tracking.interval"),
			GeolocatorURL: v.GetString("tracking.geolocator_url"),
			AutoStart:     v.GetBool("tracking.auto_start"),
		},
		Payment: PaymentConfig{
			PollInterval:  v.GetDuration("payment.poll_interval"),
			MaxAttempts:   v.GetInt("payment.max_attempts"),
			Store:         v.GetString("payment.store"),
			FilePath:      v.GetString("payment.file_path"),
			SessionCookie: v.GetString("payment.session_cookie"),
		},
		Storefront: StorefrontConfig{
			Port: v.GetString("storefront.port"),
		},
		Monitor: MonitorConfig{
			Port: v.GetString("monitor.port"),
		},
		Stub: StubConfig{
			Port:        v.GetString("stub.port"),
			SettleAfter: v.GetInt("stub.settle_after"),
			MaxDelay:    v.GetDuration("stub.max_delay"),
			ReturnURL:   v.GetString("stub.return_url"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Storage: StorageConfig{
			Backend:       v.GetString("storage.backend"),
			Endpoint:      v.GetString("storage.endpoint"),
			Region:        v.GetString("storage.region"),
			Bucket:        v.GetString("storage.bucket"),
			AccessKey:     v.GetString("storage.access_key"),
			SecretKey:     v.GetString("storage.secret_key"),
			UsePathStyle:  v.GetBool("storage.use_path_style"),
			PublicBaseURL: v.GetString("storage.public_base_url"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fieldops"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8082/api"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Agent.Port == "" {
		cfg.Agent.Port = "8090"
	}
	if cfg.Tracking.Interval == 0 {
		cfg.Tracking.Interval = 30 * time.Second
	}
	if cfg.Payment.PollInterval == 0 {
		cfg.Payment.PollInterval = 2 * time.Second
	}
	if cfg.Payment.MaxAttempts == 0 {
		cfg.Payment.MaxAttempts = 10
	}
	if cfg.Payment.Store == "" {
		cfg.Payment.Store = "file"
	}
	if cfg.Payment.FilePath == "" {
		cfg.Payment.FilePath = "pending-payments.json"
	}
	if cfg.Payment.SessionCookie == "" {
		cfg.Payment.SessionCookie = "fieldops_session"
	}
	if cfg.Storefront.Port == "" {
		cfg.Storefront.Port = "8091"
	}
	if cfg.Monitor.Port == "" {
		cfg.Monitor.Port = "8092"
	}
	if cfg.Stub.Port == "" {
		cfg.Stub.Port = "8082"
	}
	if cfg.Stub.SettleAfter == 0 {
		cfg.Stub.SettleAfter = 2
	}
	if cfg.Stub.ReturnURL == "" {
		cfg.Stub.ReturnURL = "http://localhost:" + cfg.Storefront.Port
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "fieldops"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "fieldops"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "fieldops.events"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "api"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// Long enough for a full payment confirmation poll.
		cfg.HTTP.WriteTimeout = 60 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
}

func (c *Config) validate() error {
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url is not a valid URL: %w", err)
	}
	if c.Tracking.Interval < time.Second {
		return fmt.Errorf("tracking.interval must be at least 1s, got %s", c.Tracking.Interval)
	}
	if c.Payment.MaxAttempts < 0 {
		return fmt.Errorf("payment.max_attempts cannot be negative")
	}
	switch c.Payment.Store {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("payment.store must be one of file, redis, postgres, got %q", c.Payment.Store)
	}
	switch c.Storage.Backend {
	case "api":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be api or s3, got %q", c.Storage.Backend)
	}

	if c.App.Env == "production" {
		if c.API.Token == "" {
			return fmt.Errorf("api.token is required in production")
		}
		if c.Database.SSLMode == "disable" && c.Payment.Store == "postgres" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values.
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.DBName,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	return u.String()
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// splitList flattens comma separated entries, which is how list values arrive
// from environment variables.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
