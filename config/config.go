package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete proxy configuration
type Config struct {
	Server        ServerConfig
	Policy        PolicyConfig
	Backend       BackendConfig
	OIDC          OIDCConfig
	Audit         AuditConfig
	Session       SessionConfig
	Admin         AdminConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// PolicyConfig holds policy file and approval timing configuration
type PolicyConfig struct {
	File string
	// HITLTimeout applies when the policy document does not set hitl.timeout_seconds.
	HITLTimeout   time.Duration
	SweepInterval time.Duration
}

// BackendConfig holds the tool-serving backend the proxy forwards to
type BackendConfig struct {
	ID      string
	URL     string
	Timeout time.Duration
}

// OIDCConfig holds token verification configuration
type OIDCConfig struct {
	Issuer       string
	Audience     string
	JWKSURL      string
	Provider     string
	SafeClaims   []string
	JWKSCacheTTL time.Duration
}

// AuditConfig holds audit emission configuration
type AuditConfig struct {
	LogDir     string
	BufferSize int
	// Database is the optional PostgreSQL mirror. When nil, only JSONL files are written.
	Database *DatabaseConfig
}

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// SessionConfig bounds the in-memory session registry
type SessionConfig struct {
	IdleTimeout time.Duration
	MaxSessions int
}

// AdminConfig protects the approval and policy API
type AdminConfig struct {
	Token          string
	AllowedOrigins []string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Policy: PolicyConfig{
			File:          getEnv("POLICY_FILE", "policy.yaml"),
			HITLTimeout:   getEnvAsDuration("HITL_TIMEOUT", 30*time.Second),
			SweepInterval: getEnvAsDuration("HITL_SWEEP_INTERVAL", time.Second),
		},
		Backend: BackendConfig{
			ID:      getEnv("BACKEND_ID", "default"),
			URL:     getEnv("BACKEND_URL", "http://localhost:3000/mcp"),
			Timeout: getEnvAsDuration("BACKEND_TIMEOUT", 30*time.Second),
		},
		OIDC: OIDCConfig{
			Issuer:       getEnv("OIDC_ISSUER", ""),
			Audience:     getEnv("OIDC_AUDIENCE", ""),
			JWKSURL:      getEnv("OIDC_JWKS_URL", ""),
			Provider:     getEnv("OIDC_PROVIDER", ""),
			SafeClaims:   getEnvAsSlice("OIDC_SAFE_CLAIMS", []string{"email", "name", "preferred_username"}),
			JWKSCacheTTL: getEnvAsDuration("OIDC_JWKS_CACHE_TTL", time.Hour),
		},
		Audit: AuditConfig{
			LogDir:     getEnv("AUDIT_LOG_DIR", "logs"),
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Database:   loadAuditDatabaseConfig(),
		},
		Session: SessionConfig{
			IdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			MaxSessions: getEnvAsInt("SESSION_MAX", 1000),
		},
		Admin: AdminConfig{
			Token:          getEnv("ADMIN_TOKEN", ""),
			AllowedOrigins: getEnvAsSlice("ADMIN_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Policy.File == "" {
		return fmt.Errorf("policy file is required")
	}
	if c.Policy.HITLTimeout < 0 {
		return fmt.Errorf("hitl timeout must not be negative")
	}
	if c.Policy.SweepInterval <= 0 {
		return fmt.Errorf("hitl sweep interval must be positive")
	}

	if c.Backend.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend url must be an absolute URL: %q", c.Backend.URL)
	}

	if c.Audit.LogDir == "" {
		return fmt.Errorf("audit log directory is required")
	}

	// OIDC and the admin token are required in production
	if c.IsProduction() {
		if c.OIDC.Issuer == "" {
			return fmt.Errorf("oidc issuer is required in production")
		}
		if c.OIDC.Audience == "" {
			return fmt.Errorf("oidc audience is required in production")
		}
		if c.Admin.Token == "" {
			return fmt.Errorf("admin token is required in production")
		}
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	case "":
		return fmt.Errorf("log level is required")
	default:
		return fmt.Errorf("unknown log level %q", c.Observability.LogLevel)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// JWKSEndpoint returns the configured JWKS URL, defaulting to the issuer's well-known path
func (c *OIDCConfig) JWKSEndpoint() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	if c.Issuer == "" {
		return ""
	}
	return strings.TrimSuffix(c.Issuer, "/") + "/.well-known/jwks.json"
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return c.ConnectionString
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	u, err := url.Parse(c.ConnectionString)
	if err != nil || u.Host == "" {
		return "host=<from DATABASE_URL_AUDIT>"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	db := strings.TrimPrefix(u.Path, "/")
	return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, db)
}

// loadAuditDatabaseConfig loads the audit mirror DB config from DATABASE_URL_AUDIT.
// Returns nil when not set.
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma-separated value, dropping empty entries
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
