// Package config assembles the frozen runtime configuration from defaults,
// an optional .env file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config enumerates every runtime knob. It is populated once at startup and
// treated as read-only afterwards.
type Config struct {
	// Broker connection.
	BrokerURL      string
	ClientIDBase   string
	Username       string
	Password       string
	Topics         []string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	MaxInflight    int
	MQTTEnabled    bool
	// SingleClient publishes through one fixed session instead of the pool.
	SingleClient bool

	// Publish pool.
	PoolInitial       int
	PoolMin           int
	PoolMax           int
	ScaleUpThreshold  int
	DevicesPerConn    int
	AcquireTimeout    time.Duration
	ReconnectCooldown time.Duration

	// Inbound batching.
	ReceiveQueueSize    int
	ReceiveBatchSize    int
	ReceiveBatchWait    time.Duration
	ReceiveDedupeWindow time.Duration

	// History persistence.
	BatchWorkers     int
	BatchSize        int
	OverflowCapacity int
	FlushInterval    time.Duration
	MaxWait          time.Duration
	DrainTimeout     time.Duration

	// Vehicle cache.
	CacheMaxSize       int
	CacheVehicleTTL    time.Duration
	CacheVehicleMaxAge time.Duration
	CacheLocationTTL   time.Duration
	CacheMaintenance   time.Duration

	// Health monitoring.
	HealthInterval          time.Duration
	MemoryLimitBytes        uint64
	BreakerFailureThreshold int
	BreakerTimeout          time.Duration
	BreakerHalfOpenMax      int
	AlertCooldown           time.Duration

	// Processor.
	SpeedAlertKmh  float64
	QuietStartHour int
	QuietEndHour   int

	// Storage.
	PostgresDSN        string
	ClickhouseAddr     string
	ClickhouseDB       string
	ClickhouseTable    string
	ClickhouseUser     string
	ClickhousePassword string
	ClickhouseInsecure bool

	// Operational surface.
	MetricsAddr string
	EnablePprof bool
}

// Default returns the configuration with every knob at its documented
// default.
func Default() Config {
	return Config{
		ClientIDBase:   "gpstracker",
		KeepAlive:      45 * time.Second,
		ConnectTimeout: 20 * time.Second,
		MaxInflight:    500,
		MQTTEnabled:    true,

		PoolInitial:       15,
		PoolMin:           10,
		PoolMax:           35,
		ScaleUpThreshold:  3,
		DevicesPerConn:    15,
		AcquireTimeout:    3 * time.Second,
		ReconnectCooldown: 30 * time.Second,

		ReceiveQueueSize:    1000,
		ReceiveBatchSize:    100,
		ReceiveBatchWait:    2 * time.Second,
		ReceiveDedupeWindow: 10 * time.Minute,

		BatchWorkers:     4,
		BatchSize:        100,
		OverflowCapacity: 10000,
		FlushInterval:    500 * time.Millisecond,
		MaxWait:          5 * time.Second,
		DrainTimeout:     30 * time.Second,

		CacheMaxSize:       10000,
		CacheVehicleTTL:    30 * time.Minute,
		CacheVehicleMaxAge: 60 * time.Minute,
		CacheLocationTTL:   10 * time.Minute,
		CacheMaintenance:   5 * time.Minute,

		HealthInterval:          30 * time.Second,
		MemoryLimitBytes:        1 << 30,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          60 * time.Second,
		BreakerHalfOpenMax:      3,
		AlertCooldown:           5 * time.Minute,

		SpeedAlertKmh:  120,
		QuietStartHour: 22,
		QuietEndHour:   6,

		ClickhouseAddr:  "localhost:9000",
		ClickhouseDB:    "gpstracker",
		ClickhouseTable: "vehicle_history",
		ClickhouseUser:  "default",

		MetricsAddr: ":2112",
	}
}

// Load builds the config from defaults, then the .env file at path if it
// exists, then process environment variables.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("error loading env file %s: %w", path, err)
		}
	}

	cfg := Default()
	var err error

	setString(&cfg.BrokerURL, "GPSTRACKER_BROKER_URL")
	setString(&cfg.ClientIDBase, "GPSTRACKER_CLIENT_ID")
	setString(&cfg.Username, "GPSTRACKER_MQTT_USERNAME")
	setString(&cfg.Password, "GPSTRACKER_MQTT_PASSWORD")
	if v := os.Getenv("GPSTRACKER_TOPICS"); v != "" {
		cfg.Topics = splitTopics(v)
	}
	setDuration(&cfg.KeepAlive, "GPSTRACKER_KEEP_ALIVE", &err)
	setDuration(&cfg.ConnectTimeout, "GPSTRACKER_CONNECT_TIMEOUT", &err)
	setInt(&cfg.MaxInflight, "GPSTRACKER_MAX_INFLIGHT", &err)
	setBool(&cfg.MQTTEnabled, "GPSTRACKER_MQTT_ENABLED", &err)
	setBool(&cfg.SingleClient, "GPSTRACKER_SINGLE_CLIENT", &err)

	setInt(&cfg.PoolInitial, "GPSTRACKER_POOL_INITIAL", &err)
	setInt(&cfg.PoolMin, "GPSTRACKER_POOL_MIN", &err)
	setInt(&cfg.PoolMax, "GPSTRACKER_POOL_MAX", &err)
	setInt(&cfg.ScaleUpThreshold, "GPSTRACKER_POOL_SCALE_UP_THRESHOLD", &err)
	setInt(&cfg.DevicesPerConn, "GPSTRACKER_POOL_DEVICES_PER_CONN", &err)
	setDuration(&cfg.AcquireTimeout, "GPSTRACKER_POOL_ACQUIRE_TIMEOUT", &err)
	setDuration(&cfg.ReconnectCooldown, "GPSTRACKER_POOL_RECONNECT_COOLDOWN", &err)

	setInt(&cfg.ReceiveQueueSize, "GPSTRACKER_RECEIVE_QUEUE_SIZE", &err)
	setInt(&cfg.ReceiveBatchSize, "GPSTRACKER_RECEIVE_BATCH_SIZE", &err)
	setDuration(&cfg.ReceiveBatchWait, "GPSTRACKER_RECEIVE_BATCH_WAIT", &err)
	setDuration(&cfg.ReceiveDedupeWindow, "GPSTRACKER_RECEIVE_DEDUPE_WINDOW", &err)

	setInt(&cfg.BatchWorkers, "GPSTRACKER_BATCH_WORKERS", &err)
	setInt(&cfg.BatchSize, "GPSTRACKER_BATCH_SIZE", &err)
	setInt(&cfg.OverflowCapacity, "GPSTRACKER_BATCH_OVERFLOW_CAPACITY", &err)
	setDuration(&cfg.FlushInterval, "GPSTRACKER_BATCH_FLUSH_INTERVAL", &err)
	setDuration(&cfg.MaxWait, "GPSTRACKER_BATCH_MAX_WAIT", &err)
	setDuration(&cfg.DrainTimeout, "GPSTRACKER_BATCH_DRAIN_TIMEOUT", &err)

	setInt(&cfg.CacheMaxSize, "GPSTRACKER_CACHE_MAX_SIZE", &err)
	setDuration(&cfg.CacheVehicleTTL, "GPSTRACKER_CACHE_VEHICLE_TTL", &err)
	setDuration(&cfg.CacheVehicleMaxAge, "GPSTRACKER_CACHE_VEHICLE_MAX_AGE", &err)
	setDuration(&cfg.CacheLocationTTL, "GPSTRACKER_CACHE_LOCATION_TTL", &err)
	setDuration(&cfg.CacheMaintenance, "GPSTRACKER_CACHE_MAINTENANCE", &err)

	setDuration(&cfg.HealthInterval, "GPSTRACKER_HEALTH_INTERVAL", &err)
	setUint64(&cfg.MemoryLimitBytes, "GPSTRACKER_MEMORY_LIMIT_BYTES", &err)
	setInt(&cfg.BreakerFailureThreshold, "GPSTRACKER_BREAKER_FAILURE_THRESHOLD", &err)
	setDuration(&cfg.BreakerTimeout, "GPSTRACKER_BREAKER_TIMEOUT", &err)
	setInt(&cfg.BreakerHalfOpenMax, "GPSTRACKER_BREAKER_HALF_OPEN_MAX", &err)
	setDuration(&cfg.AlertCooldown, "GPSTRACKER_ALERT_COOLDOWN", &err)

	setFloat(&cfg.SpeedAlertKmh, "GPSTRACKER_SPEED_ALERT_KMH", &err)
	setInt(&cfg.QuietStartHour, "GPSTRACKER_QUIET_START_HOUR", &err)
	setInt(&cfg.QuietEndHour, "GPSTRACKER_QUIET_END_HOUR", &err)

	setString(&cfg.PostgresDSN, "GPSTRACKER_POSTGRES_DSN")
	setString(&cfg.ClickhouseAddr, "GPSTRACKER_CLICKHOUSE_ADDR")
	setString(&cfg.ClickhouseDB, "GPSTRACKER_CLICKHOUSE_DB")
	setString(&cfg.ClickhouseTable, "GPSTRACKER_CLICKHOUSE_TABLE")
	setString(&cfg.ClickhouseUser, "GPSTRACKER_CLICKHOUSE_USER")
	setString(&cfg.ClickhousePassword, "GPSTRACKER_CLICKHOUSE_PASSWORD")
	setBool(&cfg.ClickhouseInsecure, "GPSTRACKER_CLICKHOUSE_INSECURE", &err)

	setString(&cfg.MetricsAddr, "GPSTRACKER_METRICS_ADDR")
	setBool(&cfg.EnablePprof, "GPSTRACKER_ENABLE_PPROF", &err)

	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTTEnabled && c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	if c.PostgresDSN == "" {
		return errors.New("postgres dsn is required")
	}
	if c.PoolMin > c.PoolMax || c.PoolInitial > c.PoolMax {
		return fmt.Errorf("pool sizes inconsistent (min %d, initial %d, max %d)",
			c.PoolMin, c.PoolInitial, c.PoolMax)
	}
	if c.QuietStartHour < 0 || c.QuietStartHour > 23 || c.QuietEndHour < 0 || c.QuietEndHour > 23 {
		return fmt.Errorf("quiet hours out of range (%d-%d)", c.QuietStartHour, c.QuietEndHour)
	}
	return nil
}

func splitTopics(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, err *error) {
	v := os.Getenv(key)
	if v == "" || *err != nil {
		return
	}
	n, perr := strconv.Atoi(v)
	if perr != nil {
		*err = fmt.Errorf("invalid %s: %w", key, perr)
		return
	}
	*dst = n
}

func setUint64(dst *uint64, key string, err *error) {
	v := os.Getenv(key)
	if v == "" || *err != nil {
		return
	}
	n, perr := strconv.ParseUint(v, 10, 64)
	if perr != nil {
		*err = fmt.Errorf("invalid %s: %w", key, perr)
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string, err *error) {
	v := os.Getenv(key)
	if v == "" || *err != nil {
		return
	}
	f, perr := strconv.ParseFloat(v, 64)
	if perr != nil {
		*err = fmt.Errorf("invalid %s: %w", key, perr)
		return
	}
	*dst = f
}

func setBool(dst *bool, key string, err *error) {
	v := os.Getenv(key)
	if v == "" || *err != nil {
		return
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		*err = fmt.Errorf("invalid %s: %w", key, perr)
		return
	}
	*dst = b
}

func setDuration(dst *time.Duration, key string, err *error) {
	v := os.Getenv(key)
	if v == "" || *err != nil {
		return
	}
	d, perr := time.ParseDuration(v)
	if perr != nil {
		*err = fmt.Errorf("invalid %s: %w", key, perr)
		return
	}
	*dst = d
}
