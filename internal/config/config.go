// Package config loads portal configuration from the environment, reading
// a .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/gateway"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/portal"
)

// Config holds application configuration
type Config struct {
	Port        string
	ServiceName string
	LogLevel    string

	Gateway    gateway.SetConfig
	IndexPages portal.PageSizes

	// APIKeys maps accepted keys to client IDs; empty disables auth
	APIKeys        map[string]string
	AllowedOrigins []string
	RateLimit      int

	// Optional integrations are disabled when their address is empty
	DatabaseURL        string
	AccessLogRetention time.Duration
	KafkaBrokers       []string
	ConsumerGroup      string
	OTLPEndpoint       string
	TraceSampleRate    float64

	RefreshWorkers  int
	ShutdownTimeout time.Duration
}

// Load reads .env (if present) and the process environment
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only
func FromEnv() (Config, error) {
	p := &parser{}

	gw := gateway.DefaultSetConfig()
	pages := portal.DefaultPageSizes()

	cfg := Config{
		Port:        GetEnvString("PORT", "8000"),
		ServiceName: GetEnvString("SERVICE_NAME", "portal-api"),
		LogLevel:    GetEnvString("LOG_LEVEL", "info"),
		Gateway: gateway.SetConfig{
			PatientURL:      GetEnvString("PATIENT_API_URL", gw.PatientURL),
			CoverageURL:     GetEnvString("COVERAGE_API_URL", gw.CoverageURL),
			ClaimURL:        GetEnvString("CLAIMS_API_URL", gw.ClaimURL),
			PractitionerURL: GetEnvString("PRACTITIONER_API_URL", gw.PractitionerURL),
			AppointmentURL:  GetEnvString("APPOINTMENT_API_URL", gw.AppointmentURL),
			MedicationURL:   GetEnvString("MEDICATION_API_URL", gw.MedicationURL),
			Timeout:         p.duration("GATEWAY_TIMEOUT", gw.Timeout),
		},
		IndexPages: portal.PageSizes{
			Appointments: p.integer("APPOINTMENT_INDEX_COUNT", pages.Appointments),
			Claims:       p.integer("CLAIM_INDEX_COUNT", pages.Claims),
			Medications:  p.integer("MEDICATION_INDEX_COUNT", pages.Medications),
		},
		APIKeys:            apiKeys(GetEnvString("API_KEY", "")),
		AllowedOrigins:     GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimit:          p.integer("RATE_LIMIT_PER_SECOND", 50),
		DatabaseURL:        GetEnvString("DATABASE_URL", ""),
		AccessLogRetention: p.duration("ACCESS_LOG_RETENTION", 90*24*time.Hour),
		KafkaBrokers:       GetEnvList("KAFKA_BROKERS", nil),
		ConsumerGroup:      GetEnvString("CONSUMER_GROUP", "patient-portal"),
		OTLPEndpoint:       GetEnvString("OTLP_ENDPOINT", ""),
		TraceSampleRate:    p.float("TRACE_SAMPLE_RATE", 1.0),
		RefreshWorkers:     p.integer("REFRESH_WORKERS", 2),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that parse but cannot be used
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.IndexPages.Appointments <= 0 || c.IndexPages.Claims <= 0 || c.IndexPages.Medications <= 0 {
		errs = append(errs, errors.New("index page sizes must be positive"))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATE must be between 0 and 1"))
	}
	if c.RefreshWorkers <= 0 {
		errs = append(errs, errors.New("REFRESH_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether brokers are configured
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// apiKeys accepts "key" or a comma separated list of "client:key" pairs
func apiKeys(raw string) map[string]string {
	keys := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if client, key, ok := strings.Cut(item, ":"); ok && key != "" {
			keys[key] = client
			continue
		}
		keys[item] = "env-client"
	}
	return keys
}

// GetEnvString returns the variable or defaultValue when unset
func GetEnvString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping empty items
func GetEnvList(key string, defaultValue []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the first
type parser struct {
	errs []error
}

func (p *parser) integer(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func (p *parser) float(key string, defaultValue float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

// duration accepts Go durations ("30s") or whole seconds ("30")
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
