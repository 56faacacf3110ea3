package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // ALERT_TIMEZONE must resolve on hosts without zoneinfo

	"github.com/couchcryptid/quake-alert/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

const maxDeliveryConcurrency = 32

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	DBPath          string

	// Catalog polling.
	CatalogURL         string
	CatalogTimeout     time.Duration
	CatalogLookback    time.Duration
	Region             domain.Bounds
	IngestMinMagnitude float64
	PollInterval       time.Duration
	PendingBatchSize   int

	// Alerting.
	AlertMinMagnitude float64
	AlertMaxAge       time.Duration
	AlertLocation     *time.Location
	AlertInfoURL      string

	// SMS gateway.
	SMSEnabled          bool
	SMSBaseURL          string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	DeliveryTimeout     time.Duration
	DeliveryConcurrency int
	DeliveryRate        float64

	// Cycle report publishing; disabled when no brokers are configured.
	KafkaBrokers     []string
	KafkaReportTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:         sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:         sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:  shutdownTimeout,
		DBPath:           sharedcfg.EnvOrDefault("DB_PATH", "data/quake-alert"),
		CatalogURL:       sharedcfg.EnvOrDefault("CATALOG_URL", "https://earthquake.usgs.gov/fdsnws/event/1/query"),
		AlertInfoURL:     sharedcfg.EnvOrDefault("ALERT_INFO_URL", "myanmarearthquakealert.org"),
		SMSBaseURL:       sharedcfg.EnvOrDefault("SMS_BASE_URL", "https://api.twilio.com"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		KafkaBrokers:     sharedcfg.ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaReportTopic: sharedcfg.EnvOrDefault("KAFKA_REPORT_TOPIC", "quake-alert-cycle-reports"),
	}

	durations := []struct {
		key       string
		fallback  string
		allowZero bool
		dst       *time.Duration
	}{
		{"CATALOG_TIMEOUT", "15s", false, &cfg.CatalogTimeout},
		{"CATALOG_LOOKBACK", "168h", false, &cfg.CatalogLookback},
		{"POLL_INTERVAL", "1h", false, &cfg.PollInterval},
		{"ALERT_MAX_AGE", "2h", true, &cfg.AlertMaxAge},
		{"DELIVERY_TIMEOUT", "10s", false, &cfg.DeliveryTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback, d.allowZero)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if cfg.Region, err = parseBounds(sharedcfg.EnvOrDefault("REGION_BBOX", "91.0,9.0,102.0,29.0")); err != nil {
		return nil, err
	}
	if cfg.IngestMinMagnitude, err = parseFloat("INGEST_MIN_MAGNITUDE", "3.0"); err != nil {
		return nil, err
	}
	if cfg.AlertMinMagnitude, err = parseFloat("ALERT_MIN_MAGNITUDE", "4.0"); err != nil {
		return nil, err
	}
	if cfg.DeliveryRate, err = parseFloat("DELIVERY_RATE", "5"); err != nil {
		return nil, err
	}
	if cfg.PendingBatchSize, err = parseInt("PENDING_BATCH_SIZE", 100, 1, 10000); err != nil {
		return nil, err
	}
	if cfg.DeliveryConcurrency, err = parseInt("DELIVERY_CONCURRENCY", 5, 1, maxDeliveryConcurrency); err != nil {
		return nil, err
	}

	tz := sharedcfg.EnvOrDefault("ALERT_TIMEZONE", "Asia/Yangon")
	if cfg.AlertLocation, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid ALERT_TIMEZONE %q: %w", tz, err)
	}

	cfg.SMSEnabled = cfg.TwilioAccountSID != ""
	if v := os.Getenv("SMS_ENABLED"); v != "" {
		cfg.SMSEnabled = v == "true"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IngestMinMagnitude < 0 {
		return errors.New("invalid INGEST_MIN_MAGNITUDE: must not be negative")
	}
	if c.AlertMinMagnitude < c.IngestMinMagnitude {
		return errors.New("invalid ALERT_MIN_MAGNITUDE: must be >= INGEST_MIN_MAGNITUDE")
	}
	if c.DeliveryRate <= 0 {
		return errors.New("invalid DELIVERY_RATE: must be positive")
	}
	if c.SMSEnabled {
		if c.TwilioAccountSID == "" {
			return errors.New("SMS_ENABLED is true but TWILIO_ACCOUNT_SID is not set")
		}
		if c.TwilioAuthToken == "" {
			return errors.New("TWILIO_AUTH_TOKEN is required when SMS is enabled")
		}
		if c.TwilioFromNumber == "" {
			return errors.New("TWILIO_FROM_NUMBER is required when SMS is enabled")
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaReportTopic == "" {
		return errors.New("KAFKA_REPORT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// ReportsEnabled reports whether cycle reports are published to Kafka.
func (c *Config) ReportsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func parseDuration(key, fallback string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseFloat(key, fallback string) (float64, error) {
	f, err := strconv.ParseFloat(sharedcfg.EnvOrDefault(key, fallback), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number", key)
	}
	return f, nil
}

func parseInt(key string, fallback, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, lo, hi)
	}
	return n, nil
}

// parseBounds reads "minLon,minLat,maxLon,maxLat".
func parseBounds(s string) (domain.Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return domain.Bounds{}, errors.New("invalid REGION_BBOX: want minLon,minLat,maxLon,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.Bounds{}, fmt.Errorf("invalid REGION_BBOX: %q is not a number", p)
		}
		v[i] = f
	}
	b := domain.Bounds{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if err := b.Validate(); err != nil {
		return domain.Bounds{}, fmt.Errorf("invalid REGION_BBOX: %w", err)
	}
	return b, nil
}
