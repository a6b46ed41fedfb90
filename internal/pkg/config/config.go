package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rideloka/geocell/internal/pkg/models"
)

// InitConfig loads configuration from environment variables, optionally
// seeded from a config file. Environment variables win.
func InitConfig(configPath string) *models.Config {
	v := viper.New()
	v.SetEnvPrefix("GEOCELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Println("error loading config from file", err)
		}
	}

	return loadConfig(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "geocell")
	v.SetDefault("app.environment", "local")
	v.SetDefault("app.debug", true)
	v.SetDefault("app.version", "dev")

	v.SetDefault("agent.role", "driver")

	v.SetDefault("server.port", 9990)
	v.SetDefault("server.shutdown_timeout", 30)

	v.SetDefault("grid.step_seconds", 30)

	v.SetDefault("presence.heartbeat_interval", "3m")
	v.SetDefault("presence.stale_threshold", "4m")
	v.SetDefault("presence.record_ttl", "24h")

	v.SetDefault("discovery.wide_search_dwell", "20s")
	v.SetDefault("discovery.request_stale", "4m")
	v.SetDefault("discovery.counterpart_timeout", "3m")

	v.SetDefault("pricing.base_fare", 5000.0)
	v.SetDefault("pricing.rate_per_km", 3000.0)
	v.SetDefault("pricing.currency", "IDR")

	v.SetDefault("store.backend", "memory")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.idle_conns", 5)

	v.SetDefault("nsq.address", "")
	v.SetDefault("nsq.topic", "geocell.request.lifecycle")

	v.SetDefault("location.provider", "static")
	v.SetDefault("location.baud_rate", 9600)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
}

func loadConfig(v *viper.Viper) *models.Config {
	configs := &models.Config{}

	configs.App.Name = v.GetString("app.name")
	configs.App.Environment = v.GetString("app.environment")
	configs.App.Debug = v.GetBool("app.debug")
	configs.App.Version = v.GetString("app.version")

	configs.Agent.UID = v.GetString("agent.uid")
	configs.Agent.Role = v.GetString("agent.role")
	configs.Agent.Vehicle = v.GetString("agent.vehicle")

	configs.Server.Port = v.GetInt("server.port")
	configs.Server.ShutdownTimeout = v.GetInt("server.shutdown_timeout")

	configs.Grid.StepSeconds = v.GetInt("grid.step_seconds")

	configs.Presence.HeartbeatInterval = duration(v, "presence.heartbeat_interval", 3*time.Minute)
	configs.Presence.StaleThreshold = duration(v, "presence.stale_threshold", 4*time.Minute)
	configs.Presence.RecordTTL = duration(v, "presence.record_ttl", 24*time.Hour)

	configs.Discovery.WideSearchDwell = duration(v, "discovery.wide_search_dwell", 20*time.Second)
	configs.Discovery.RequestStale = duration(v, "discovery.request_stale", 4*time.Minute)
	configs.Discovery.CounterpartTimeout = duration(v, "discovery.counterpart_timeout", 3*time.Minute)

	configs.Pricing.BaseFare = v.GetFloat64("pricing.base_fare")
	configs.Pricing.RatePerKm = v.GetFloat64("pricing.rate_per_km")
	configs.Pricing.Currency = v.GetString("pricing.currency")

	configs.Store.Backend = v.GetString("store.backend")

	configs.Redis.Host = v.GetString("redis.host")
	configs.Redis.Port = v.GetInt("redis.port")
	configs.Redis.Password = v.GetString("redis.password")
	configs.Redis.DB = v.GetInt("redis.db")
	configs.Redis.PoolSize = v.GetInt("redis.pool_size")

	configs.Firestore.ProjectID = v.GetString("firestore.project_id")
	configs.Firestore.CredentialsFile = v.GetString("firestore.credentials_file")

	configs.Database.Host = v.GetString("database.host")
	configs.Database.Port = v.GetInt("database.port")
	configs.Database.Username = v.GetString("database.username")
	configs.Database.Password = v.GetString("database.password")
	configs.Database.Database = v.GetString("database.database")
	configs.Database.SSLMode = v.GetString("database.ssl_mode")
	configs.Database.MaxConns = v.GetInt("database.max_conns")
	configs.Database.IdleConns = v.GetInt("database.idle_conns")

	configs.NSQ.Address = v.GetString("nsq.address")
	configs.NSQ.Topic = v.GetString("nsq.topic")

	configs.Location.Provider = v.GetString("location.provider")
	configs.Location.Latitude = v.GetFloat64("location.latitude")
	configs.Location.Longitude = v.GetFloat64("location.longitude")
	configs.Location.Device = v.GetString("location.device")
	configs.Location.BaudRate = v.GetInt("location.baud_rate")

	configs.Logger.Level = v.GetString("logger.level")
	configs.Logger.FilePath = v.GetString("logger.file_path")

	return configs
}

func duration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d := v.GetDuration(key)
	if d <= 0 {
		log.Printf("Warning: invalid duration for %s, using default: %s", key, fallback)
		return fallback
	}
	return d
}
