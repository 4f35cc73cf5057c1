package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DefaultPath = "config/app.yaml"

	// Documented insecure defaults. The server warns while any is in use.
	DefaultSecretKey     = "insecure-dev-secret-change-me"
	DefaultDSN           = "portal.db"
	DefaultAdminEmail    = "admin@example.com"
	DefaultAdminPassword = "password"
)

type Config struct {
	Port          string `yaml:"port"`
	ServiceName   string `yaml:"service_name"`
	Environment   string `yaml:"environment"`
	SecretKey     string `yaml:"secret_key"`
	EncryptionKey string `yaml:"encryption_key"`
	RedisURL      string `yaml:"redis_url"`

	Database  Database  `yaml:"database"`
	Session   Session   `yaml:"session"`
	Password  Password  `yaml:"password"`
	Bootstrap Bootstrap `yaml:"bootstrap"`
	Log       Log       `yaml:"log"`
	Server    Server    `yaml:"server"`
}

type Database struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type Session struct {
	CookieName string        `yaml:"cookie_name"`
	MaxAge     time.Duration `yaml:"max_age"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	// Secure is nil when unset so the environment can pick the default.
	Secure     *bool  `yaml:"secure"`
	Revocation string `yaml:"revocation"`
}

type Password struct {
	Scheme     string `yaml:"scheme"`
	BcryptCost int    `yaml:"bcrypt_cost"`
}

type Bootstrap struct {
	Enabled       bool   `yaml:"enabled"`
	OnLoginRender bool   `yaml:"on_login_render"`
	Email         string `yaml:"email"`
	Password      string `yaml:"password"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Port:        "8080",
		ServiceName: "portal",
		Environment: EnvDevelopment,
		SecretKey:   DefaultSecretKey,
		Database: Database{
			Driver:          "sqlite3",
			DSN:             DefaultDSN,
			MaxOpenConns:    0,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
			QueryTimeout:    5 * time.Second,
		},
		Session: Session{
			CookieName: "portal_session",
			TokenTTL:   12 * time.Hour,
			Revocation: "memory",
		},
		Password: Password{
			Scheme:     "bcrypt",
			BcryptCost: 12,
		},
		Bootstrap: Bootstrap{
			Enabled:       true,
			OnLoginRender: true,
			Email:         DefaultAdminEmail,
			Password:      DefaultAdminPassword,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Server: Server{
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load layers defaults, the YAML file at filename (a missing file is
// skipped), a .env file and the process environment, then validates.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", filename, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Environment = getEnv("APP_ENV", c.Environment)
	c.SecretKey = getEnv("SECRET_KEY", c.SecretKey)
	c.EncryptionKey = getEnv("ENCRYPTION_KEY", c.EncryptionKey)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.Session.Revocation = getEnv("SESSION_REVOCATION", c.Session.Revocation)
	c.Session.CookieName = getEnv("SESSION_COOKIE_NAME", c.Session.CookieName)
	c.Password.Scheme = getEnv("PASSWORD_SCHEME", c.Password.Scheme)
	c.Bootstrap.Email = getEnv("ADMIN_EMAIL", c.Bootstrap.Email)
	c.Bootstrap.Password = getEnv("ADMIN_PASSWORD", c.Bootstrap.Password)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	var err error
	if c.Database.QueryTimeout, err = getEnvDuration("DB_QUERY_TIMEOUT", c.Database.QueryTimeout); err != nil {
		return err
	}
	if c.Database.MaxOpenConns, err = getEnvInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns); err != nil {
		return err
	}
	if c.Session.MaxAge, err = getEnvDuration("SESSION_MAX_AGE", c.Session.MaxAge); err != nil {
		return err
	}
	if c.Session.TokenTTL, err = getEnvDuration("SESSION_TOKEN_TTL", c.Session.TokenTTL); err != nil {
		return err
	}
	if c.Password.BcryptCost, err = getEnvInt("BCRYPT_COST", c.Password.BcryptCost); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("SESSION_SECURE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SESSION_SECURE: %w", err)
		}
		c.Session.Secure = &b
	}
	if v, ok := os.LookupEnv("BOOTSTRAP_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOOTSTRAP_ENABLED: %w", err)
		}
		c.Bootstrap.Enabled = b
	}
	if v, ok := os.LookupEnv("BOOTSTRAP_ON_LOGIN_RENDER"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOOTSTRAP_ON_LOGIN_RENDER: %w", err)
		}
		c.Bootstrap.OnLoginRender = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.SecretKey == "" {
		return errors.New("secret_key is required")
	}
	switch len(c.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		return errors.New("encryption_key must be 16, 24 or 32 bytes")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	switch c.Session.Revocation {
	case "none", "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("redis_url is required for redis session revocation")
		}
	default:
		return fmt.Errorf("unknown session revocation backend %q", c.Session.Revocation)
	}
	switch c.Password.Scheme {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("unknown password scheme %q", c.Password.Scheme)
	}
	if c.Bootstrap.Enabled || c.Bootstrap.OnLoginRender {
		if c.Bootstrap.Email == "" || c.Bootstrap.Password == "" {
			return errors.New("bootstrap email and password are required when bootstrap is enabled")
		}
	}
	if c.IsProduction() && c.SecretKey == DefaultSecretKey {
		return errors.New("SECRET_KEY must be set in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// SecureCookies defaults to true in production.
func (c *Config) SecureCookies() bool {
	if c.Session.Secure != nil {
		return *c.Session.Secure
	}
	return c.IsProduction()
}

// InsecureDefaults names every setting still at a documented insecure
// default.
func (c *Config) InsecureDefaults() []string {
	var out []string
	if c.SecretKey == DefaultSecretKey {
		out = append(out, "SECRET_KEY is the built-in development key")
	}
	if c.Database.Driver == "sqlite3" && c.Database.DSN == DefaultDSN {
		out = append(out, "DATABASE_URL is the built-in local sqlite file")
	}
	if (c.Bootstrap.Enabled || c.Bootstrap.OnLoginRender) && c.Bootstrap.Password == DefaultAdminPassword {
		out = append(out, "ADMIN_PASSWORD is the built-in default admin password")
	}
	if !c.SecureCookies() {
		out = append(out, "session cookies are sent without the Secure flag")
	}
	return out
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
