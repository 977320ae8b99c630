// Package models contains the data structures used throughout sequelae.
package models

import "time"

// ConnConfig holds the parsed parts of a PostgreSQL connection string.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// PoolSettings holds connection pool tuning knobs.
type PoolSettings struct {
	MaxConns         int
	MinConns         int
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

// ServerSettings holds settings for the stdio tool server.
type ServerSettings struct {
	RateLimit float64 // requests per second
	RateBurst int
}

// Config is the complete runtime configuration.
type Config struct {
	DatabaseURL string
	Pool        PoolSettings
	Server      ServerSettings
}
