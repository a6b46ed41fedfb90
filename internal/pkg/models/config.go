package models

import "time"

// Config represents application configuration
type Config struct {
	App       AppConfig
	Agent     AgentConfig
	Server    ServerConfig
	Grid      GridConfig
	Presence  PresenceConfig
	Discovery DiscoveryConfig
	Pricing   PricingConfig
	Store     StoreConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	Database  DatabaseConfig
	NSQ       NSQConfig
	Location  LocationConfig
	Logger    LoggerConfig
}

// AppConfig contains application-specific configuration
type AppConfig struct {
	Name        string
	Environment string
	Debug       bool
	Version     string
}

// AgentConfig identifies the actor this agent publishes presence for. An
// empty UID gets a generated one at startup.
type AgentConfig struct {
	UID     string
	Role    string // "driver" or "client"
	Vehicle string // optional vehicle tag for driver agents
}

// ServerConfig contains the debug/health HTTP server configuration
type ServerConfig struct {
	Port            int
	ShutdownTimeout int // in seconds
}

// GridConfig contains the spatial bucketing parameters. StepSeconds must be
// identical across every client or cell ids stop agreeing.
type GridConfig struct {
	StepSeconds int
}

// PresenceConfig contains presence publishing and freshness parameters.
type PresenceConfig struct {
	HeartbeatInterval time.Duration // period between location publishes
	StaleThreshold    time.Duration // reader-side liveness window
	RecordTTL         time.Duration // store-side hard delete horizon
}

// DiscoveryConfig contains the driver-side request discovery parameters.
type DiscoveryConfig struct {
	WideSearchDwell    time.Duration // quiet time in Narrow before expanding
	RequestStale       time.Duration // freshness window for surfaced requests
	CounterpartTimeout time.Duration // silence before force-cancelling an assigned request
}

// PricingConfig contains the flat demo fare parameters.
type PricingConfig struct {
	BaseFare  float64
	RatePerKm float64
	Currency  string
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend string // "firestore", "redis" or "memory"
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// FirestoreConfig contains Firestore connection configuration
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// DatabaseConfig contains the archive database connection configuration
type DatabaseConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Database  string
	SSLMode   string
	MaxConns  int
	IdleConns int
}

// NSQConfig contains the lifecycle event publisher configuration
type NSQConfig struct {
	Address string
	Topic   string
}

// LocationConfig selects the geolocation provider for the presence agent.
type LocationConfig struct {
	Provider  string // "static" or "nmea"
	Latitude  float64
	Longitude float64
	Device    string // serial device path for the NMEA provider
	BaudRate  int
}

// LoggerConfig contains logger configuration
type LoggerConfig struct {
	Level    string
	FilePath string
}
