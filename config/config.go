package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const devSecret = "dev-secret-key"

// Remote modes.
const (
	RemoteHTTP      = "http"
	RemoteFirestore = "firestore"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Remote    RemoteConfig    `yaml:"remote"`
	Firebase  FirebaseConfig  `yaml:"firebase"`
	Auth      AuthConfig      `yaml:"auth"`
	Sync      SyncConfig      `yaml:"sync"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DevServer DevServerConfig `yaml:"dev_server"`
}

// ServerConfig is the local API the UI shell talks to.
type ServerConfig struct {
	Host              string        `yaml:"host"                env:"HOST"                env-default:"127.0.0.1"`
	Port              int           `yaml:"port"                env:"PORT"                env-default:"8787"`
	Environment       string        `yaml:"environment"         env:"ENVIRONMENT"         env-default:"development"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" env-default:"5s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"        env:"IDLE_TIMEOUT"        env-default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"    env:"SHUTDOWN_TIMEOUT"    env-default:"10s"`
}

type StoreConfig struct {
	Path string `yaml:"path" env:"STORE_PATH" env-default:"./fieldsync.db"`
}

// RemoteConfig selects where records are delivered.
type RemoteConfig struct {
	Mode             string        `yaml:"mode"               env:"REMOTE_MODE"               env-default:"http"`
	BaseURL          string        `yaml:"base_url"           env:"REMOTE_BASE_URL"           env-default:"http://localhost:8080"`
	IdentityURL      string        `yaml:"identity_url"       env:"REMOTE_IDENTITY_URL"`
	RequestTimeout   time.Duration `yaml:"request_timeout"    env:"REMOTE_REQUEST_TIMEOUT"    env-default:"15s"`
	CompressMinBytes int           `yaml:"compress_min_bytes" env:"REMOTE_COMPRESS_MIN_BYTES" env-default:"8192"`
	AssumeOnline     bool          `yaml:"assume_online"      env:"REMOTE_ASSUME_ONLINE"      env-default:"true"`
}

type FirebaseConfig struct {
	ProjectID       string `yaml:"project_id"       env:"FIREBASE_PROJECT_ID"`
	CredentialsPath string `yaml:"credentials_path" env:"FIREBASE_CREDENTIALS_PATH" env-default:"./serviceAccountKey.json"`
}

// AuthConfig tunes the session manager.
type AuthConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"AUTH_REFRESH_INTERVAL" env-default:"50m"`
	RequestTimeout  time.Duration `yaml:"request_timeout"  env:"AUTH_REQUEST_TIMEOUT"  env-default:"15s"`
	SignOutTimeout  time.Duration `yaml:"sign_out_timeout" env:"AUTH_SIGN_OUT_TIMEOUT" env-default:"3s"`
	VerifyIdentity  bool          `yaml:"verify_identity"  env:"AUTH_VERIFY_IDENTITY"  env-default:"true"`
}

// SyncConfig is the retry and trigger policy of the sync engine.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"        env:"SYNC_INTERVAL"        env-default:"60s"`
	Debounce       time.Duration `yaml:"debounce"        env:"SYNC_DEBOUNCE"        env-default:"1s"`
	MaxAttempts    int           `yaml:"max_attempts"    env:"SYNC_MAX_ATTEMPTS"    env-default:"3"`
	BackoffBase    time.Duration `yaml:"backoff_base"    env:"SYNC_BACKOFF_BASE"    env-default:"1s"`
	BackoffMax     time.Duration `yaml:"backoff_max"     env:"SYNC_BACKOFF_MAX"     env-default:"30s"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"SYNC_ATTEMPT_TIMEOUT" env-default:"15s"`
	RateModerate   float64       `yaml:"rate_moderate"   env:"SYNC_RATE_MODERATE"   env-default:"5"`
	RatePoor       float64       `yaml:"rate_poor"       env:"SYNC_RATE_POOR"       env-default:"1"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests" env:"RATE_LIMIT_REQUESTS" env-default:"100"`
	Window   time.Duration `yaml:"window"   env:"RATE_LIMIT_WINDOW"   env-default:"60s"`
}

type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-default:"http://localhost:5173"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
	Path    string `yaml:"path"    env:"METRICS_PATH"    env-default:"/metrics"`
}

// DevServerConfig configures the reference remote server binary.
type DevServerConfig struct {
	Port                   int           `yaml:"port"                     env:"DEV_SERVER_PORT"          env-default:"8080"`
	JWTSecret              string        `yaml:"jwt_secret"               env:"JWT_SECRET"               env-default:"dev-secret-key"`
	TokenExpiration        time.Duration `yaml:"token_expiration"         env:"JWT_EXPIRATION"           env-default:"30m"`
	RefreshTokenExpiration time.Duration `yaml:"refresh_token_expiration" env:"REFRESH_TOKEN_EXPIRATION" env-default:"168h"`
	BcryptCost             int           `yaml:"bcrypt_cost"              env:"BCRYPT_COST"              env-default:"12"`
}

// Load reads .env if present, then the YAML file named by FIELDSYNC_CONFIG
// if set, then the environment. Priority: ENV > YAML > env-default tags.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	var cfg Config
	if path := os.Getenv("FIELDSYNC_CONFIG"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// Addr is the local API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Origins splits the comma-separated CORS origin list.
func (c CORSConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IdentityBaseURL defaults to the delivery base URL.
func (r RemoteConfig) IdentityBaseURL() string {
	if r.IdentityURL != "" {
		return r.IdentityURL
	}
	return r.BaseURL
}

// Validate performs business-rule validation on the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range (got %d)", c.Server.Port)
	}
	if c.Store.Path == "" {
		return errors.New("store.path must be set")
	}

	switch c.Remote.Mode {
	case RemoteHTTP:
		if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
			return fmt.Errorf("remote.base_url: %w", err)
		}
	case RemoteFirestore:
		if c.Firebase.ProjectID == "" {
			return errors.New("firebase.project_id must be set when remote.mode is firestore")
		}
		if _, err := os.Stat(c.Firebase.CredentialsPath); err != nil {
			return fmt.Errorf("firebase credentials file: %w", err)
		}
	default:
		return fmt.Errorf("remote.mode must be %q or %q (got %q)", RemoteHTTP, RemoteFirestore, c.Remote.Mode)
	}
	if c.Remote.IdentityURL != "" {
		if _, err := url.ParseRequestURI(c.Remote.IdentityURL); err != nil {
			return fmt.Errorf("remote.identity_url: %w", err)
		}
	}
	if c.Remote.RequestTimeout <= 0 {
		return errors.New("remote.request_timeout must be > 0")
	}

	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console (got %q)", c.Logging.Format)
	}

	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate_limit requests and window must be > 0")
	}

	if c.DevServer.JWTSecret == devSecret && c.IsProduction() {
		return errors.New("JWT_SECRET must be set in production")
	}
	return nil
}

func (s SyncConfig) validate() error {
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0 (got %d)", s.MaxAttempts)
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("backoff_max (%s) must be >= backoff_base (%s) > 0", s.BackoffMax, s.BackoffBase)
	}
	if s.AttemptTimeout <= 0 || s.Interval <= 0 {
		return errors.New("attempt_timeout and interval must be > 0")
	}
	if s.Debounce < 0 || s.RateModerate < 0 || s.RatePoor < 0 {
		return errors.New("debounce and rates must be >= 0")
	}
	return nil
}
