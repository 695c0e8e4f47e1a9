package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Database     DatabaseConfig
	GTFSStatic   GTFSStaticConfig
	GTFSRealtime GTFSRealtimeConfig
	Logging      LoggingConfig
	Maintenance  MaintenanceConfig
	Metrics      MetricsConfig
	NATS         NATSConfig
}

// DatabaseConfig selects the driver and connection. URL wins over the
// discrete postgres fields when set.
type DatabaseConfig struct {
	Driver   string
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// GTFSStaticConfig for the static routes/stops archive.
type GTFSStaticConfig struct {
	URL           string
	CheckInterval time.Duration
	DownloadDir   string
	SourceName    string
}

// GTFSRealtimeConfig for the realtime pollers.
type GTFSRealtimeConfig struct {
	PollingInterval time.Duration
	FetchTimeout    time.Duration
	CommitTimeout   time.Duration
	APIKey          string
	FeedsFile       string
	Feeds           []FeedConfig
}

type LoggingConfig struct {
	Level      string
	FilePath   string
	DiscordURL string
}

type MaintenanceConfig struct {
	CleanupInterval   time.Duration
	RealtimeRetention time.Duration
}

type MetricsConfig struct {
	Addr string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Load reads the process environment. Feed sources come from FEEDS_FILE when
// set and from the built-in MTA table otherwise.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "mtatracker"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		GTFSStatic: GTFSStaticConfig{
			URL:           getEnv("GTFS_STATIC_URL", ""),
			CheckInterval: getDurationEnv("GTFS_STATIC_CHECK_INTERVAL", 6*time.Hour),
			DownloadDir:   getEnv("GTFS_STATIC_DOWNLOAD_DIR", os.TempDir()),
			SourceName:    getEnv("GTFS_STATIC_SOURCE", "mta-subway"),
		},
		GTFSRealtime: GTFSRealtimeConfig{
			PollingInterval: getDurationEnv("GTFS_RT_POLLING_INTERVAL", 30*time.Second),
			FetchTimeout:    getDurationEnv("GTFS_RT_FETCH_TIMEOUT", 5*time.Second),
			CommitTimeout:   getDurationEnv("GTFS_RT_COMMIT_TIMEOUT", 10*time.Second),
			APIKey:          getEnv("MTA_API_KEY", ""),
			FeedsFile:       getEnv("FEEDS_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE", "mtatracker.log"),
			DiscordURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		},
		Maintenance: MaintenanceConfig{
			CleanupInterval:   getDurationEnv("CLEANUP_INTERVAL", time.Hour),
			RealtimeRetention: getDurationEnv("REALTIME_RETENTION", 24*time.Hour),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "mta"),
		},
	}

	if cfg.GTFSRealtime.FeedsFile != "" {
		feeds, err := LoadFeeds(cfg.GTFSRealtime.FeedsFile)
		if err != nil {
			return nil, fmt.Errorf("loading feeds file: %w", err)
		}
		cfg.GTFSRealtime.Feeds = feeds
	} else {
		cfg.GTFSRealtime.Feeds = DefaultFeeds()
	}
	cfg.GTFSRealtime.applyFeedDefaults()

	if err := cfg.GTFSRealtime.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the database descriptor before a connection is attempted.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "postgres", "pgx":
		if c.URL == "" && (c.Host == "" || c.DBName == "") {
			return fmt.Errorf("database host and name are required for driver %s", c.Driver)
		}
	case "sqlite3":
		if c.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for sqlite3")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	return nil
}

// ConnectionString returns the DSN passed to sql.Open.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// bare numbers are seconds
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
