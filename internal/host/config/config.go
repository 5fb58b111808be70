// Package config holds the Host process's configuration, populated once
// from environment variables at startup. Grounded on
// control-plane/internal/config/config.go's getEnv/getEnvAsX helper style;
// replaces the teacher's module-level-global risk with one Config value
// threaded through every constructor (Design Notes §9).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete Host configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Overlay   OverlayConfig
	Bootstrap BootstrapConfig
}

// ServerConfig configures the Host's HTTP/WS listener and side ports.
type ServerConfig struct {
	Host            string
	Port            int        // default 8000, §6
	SSHProxyPort    int        // default 8002, §4.9
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	SnowflakeNodeID int64 // distinguishes this Host instance's id space in an active/passive pair
	MetricsSampleInterval time.Duration
}

// DatabaseConfig configures the pgx/pgxpool durable store connection.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AuthConfig configures the auth core (§4.10).
type AuthConfig struct {
	BcryptCost     int
	SessionTTL     time.Duration
	AdminSecret    string // configured admin-secret header, checked first
}

// SchedulerConfig configures the heartbeat monitor and dispatch retry (§4.1, §4.2).
type SchedulerConfig struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeoutFactor int
	DispatchRetryInterval time.Duration
	SuspicionThreshold    int
}

// OverlayConfig configures the VXLAN hub-and-spoke overlay (§4.7).
type OverlayConfig struct {
	Enabled      bool
	CIDR         string // e.g. 10.244.0.0/16
	SubnetBits   int    // additional bits carved per Runner, e.g. 8 -> /24 from /16
	VXLANBasePort int
	HMACSecret   string
	ReservationTTL time.Duration
}

// BootstrapConfig names the first admin user created when the user table is
// empty (Supplemented Feature D.5).
type BootstrapConfig struct {
	AdminUsername string
	AdminPassword string
}

// Load reads Config from the environment, validating required fields.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("KR_HOST_ADDR", "0.0.0.0"),
			Port:            getEnvAsInt("KR_HOST_PORT", 8000),
			SSHProxyPort:    getEnvAsInt("KR_SSH_PROXY_PORT", 8002),
			ReadTimeout:     getEnvAsDuration("KR_READ_TIMEOUT", "30s"),
			WriteTimeout:    getEnvAsDuration("KR_WRITE_TIMEOUT", "30s"),
			ShutdownTimeout: getEnvAsDuration("KR_SHUTDOWN_TIMEOUT", "15s"),
			SnowflakeNodeID: int64(getEnvAsInt("KR_SNOWFLAKE_NODE_ID", 1)),
			MetricsSampleInterval: getEnvAsDuration("KR_METRICS_SAMPLE_INTERVAL", "15s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("KR_DB_HOST", "localhost"),
			Port:            getEnvAsInt("KR_DB_PORT", 5432),
			User:            getEnv("KR_DB_USER", "kohakuriver"),
			Password:        getEnv("KR_DB_PASSWORD", ""),
			Database:        getEnv("KR_DB_NAME", "kohakuriver"),
			SSLMode:         getEnv("KR_DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("KR_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("KR_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("KR_DB_CONN_MAX_LIFETIME", "5m"),
		},
		Auth: AuthConfig{
			BcryptCost:  getEnvAsInt("KR_BCRYPT_COST", 12),
			SessionTTL:  getEnvAsDuration("KR_SESSION_TTL", "24h"),
			AdminSecret: getEnv("KR_ADMIN_SECRET", ""),
		},
		Scheduler: SchedulerConfig{
			HeartbeatInterval:      getEnvAsDuration("KR_HEARTBEAT_INTERVAL", "5s"),
			HeartbeatTimeoutFactor: getEnvAsInt("KR_HEARTBEAT_TIMEOUT_FACTOR", 6),
			DispatchRetryInterval:  getEnvAsDuration("KR_DISPATCH_RETRY_INTERVAL", "10s"),
			SuspicionThreshold:     getEnvAsInt("KR_SUSPICION_THRESHOLD", 3),
		},
		Overlay: OverlayConfig{
			Enabled:        getEnvAsBool("KR_OVERLAY_ENABLED", true),
			CIDR:           getEnv("KR_OVERLAY_CIDR", "10.244.0.0/16"),
			SubnetBits:     getEnvAsInt("KR_OVERLAY_SUBNET_BITS", 8),
			VXLANBasePort:  getEnvAsInt("KR_OVERLAY_VXLAN_PORT", 4789),
			HMACSecret:     getEnv("KR_OVERLAY_HMAC_SECRET", ""),
			ReservationTTL: getEnvAsDuration("KR_IP_RESERVATION_TTL", "5m"),
		},
		Bootstrap: BootstrapConfig{
			AdminUsername: getEnv("KR_BOOTSTRAP_ADMIN_USER", ""),
			AdminPassword: getEnv("KR_BOOTSTRAP_ADMIN_PASSWORD", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("KR_DB_PASSWORD is required")
	}
	if cfg.Overlay.Enabled && cfg.Overlay.HMACSecret == "" {
		return nil, fmt.Errorf("KR_OVERLAY_HMAC_SECRET is required when overlay is enabled")
	}

	return cfg, nil
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

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
