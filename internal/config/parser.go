// Package config provides configuration loading and connection string handling.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davstr1/sequelae-mcp/internal/models"
	"github.com/spf13/viper"
)

// Defaults applied when the config file or environment leaves them unset.
const (
	DefaultMaxConns         = 10
	DefaultMinConns         = 0
	DefaultIdleTimeout      = 30 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultStatementTimeout = 30 * time.Second
	DefaultRateLimit        = 10.0
	DefaultRateBurst        = 20
)

// Parser handles configuration loading from files and the environment.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SEQUELAE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path, with environment overrides.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// LoadEnv loads configuration from the environment only. DATABASE_URL is
// honored as a fallback for SEQUELAE_DATABASE_URL.
func (p *Parser) LoadEnv() (*models.Config, error) {
	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	cfg.DatabaseURL = os.ExpandEnv(p.v.GetString("database_url"))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (set SEQUELAE_DATABASE_URL or DATABASE_URL)")
	}

	if _, err := ParseConnString(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	cfg.Pool = models.PoolSettings{
		MaxConns:         p.v.GetInt("pool.max_conns"),
		MinConns:         p.v.GetInt("pool.min_conns"),
		IdleTimeout:      p.v.GetDuration("pool.idle_timeout"),
		ConnectTimeout:   p.v.GetDuration("pool.connect_timeout"),
		StatementTimeout: p.v.GetDuration("pool.statement_timeout"),
	}

	if cfg.Pool.MaxConns == 0 {
		cfg.Pool.MaxConns = DefaultMaxConns
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Pool.ConnectTimeout == 0 {
		cfg.Pool.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Pool.StatementTimeout == 0 {
		cfg.Pool.StatementTimeout = DefaultStatementTimeout
	}
	if cfg.Pool.MaxConns < 1 {
		return nil, fmt.Errorf("pool.max_conns must be at least 1")
	}
	if cfg.Pool.MinConns > cfg.Pool.MaxConns {
		return nil, fmt.Errorf("pool.min_conns must not exceed pool.max_conns")
	}

	cfg.Server = models.ServerSettings{
		RateLimit: p.v.GetFloat64("server.rate_limit"),
		RateBurst: p.v.GetInt("server.rate_burst"),
	}

	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = DefaultRateLimit
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = DefaultRateBurst
	}

	return cfg, nil
}

// ParseConnString parses a postgres:// URL into its parts.
func ParseConnString(connString string) (*models.ConnConfig, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("connection string scheme must be postgres:// or postgresql://, got %q", u.Scheme)
	}

	cfg := &models.ConnConfig{
		Host:     u.Hostname(),
		Port:     5432,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q in connection string", portStr)
		}
		cfg.Port = port
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if cfg.User == "" {
		cfg.User = "postgres"
	}

	if cfg.Database == "" {
		return nil, fmt.Errorf("connection string is missing a database name")
	}

	return cfg, nil
}

// BuildConnString builds a PostgreSQL connection URL from parsed parts.
// The password is URL-encoded to handle special characters.
func BuildConnString(cfg models.ConnConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Database,
		sslMode,
	)
}
