package config

import (
	"log"
	"os"
)

// Config holds bootstrap configuration loaded from environment
// variables — broker credentials and the handful of file paths and
// addresses needed before the dotted-path boxconfig store takes over
// for every scan-tunable setting.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Paths
	BoxConfigPath    string // dotted-path key/value store (strategy/* tunables, persisted auth)
	InstrumentDBPath string // SQLite instrument universe cache
	JournalPath      string // CSV trade journal

	MetricsAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: mustEnv("ANGEL_TOTP_SECRET"),

		BoxConfigPath:    getEnv("BOX_CONFIG_PATH", "data/boxscanner.json"),
		InstrumentDBPath: getEnv("INSTRUMENT_DB_PATH", "data/instruments.db"),
		JournalPath:      getEnv("JOURNAL_PATH", "data/trades.csv"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
