package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type EventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
}

type Config struct {
	Addr     string
	LogLevel string

	// StoreDriver selects the feature store backend: "memory" or "redis".
	StoreDriver string
	RedisAddr   string
	H3Res       int

	DataDir        string
	StoredQueryKey string

	Transactions        bool
	TransactionSecurity bool

	CapabilitiesCacheMax int
	ShutdownTimeout      time.Duration

	Events EventsCfg
}

func FromEnv() Config {
	res := getint("H3_RES", 7)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	return Config{
		Addr:        getenv("ADDR", ":8085"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", "memory")),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		H3Res:       res,

		DataDir:        getenv("DATA_DIR", "./data"),
		StoredQueryKey: getenv("STORED_QUERY_KEY", "stored-queries"),

		Transactions:        getbool("TRANSACTIONS_ENABLED", true),
		TransactionSecurity: getbool("TRANSACTION_SECURITY", false),

		CapabilitiesCacheMax: getint("CACHE_CAPABILITIES_MAX", 16),
		ShutdownTimeout:      getduration("SHUTDOWN_TIMEOUT", 10*time.Second),

		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "wfs-mutations"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
