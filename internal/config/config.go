package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Hostname    string // HOSTNAME — the relay's own domain, used to build its actor IRI
	Addr        string // ADDR — listen address (default 127.0.0.1)
	Port        string // PORT — listen port (default 8080)
	Debug       bool   // DEBUG — verbose (debug-level) logging
	HTTPS       bool   // HTTPS — whether Hostname is reachable over https (affects generated IRIs)
	DatabaseURL string // DATABASE_URL — sqlite path or postgres:// DSN

	RestrictedMode      bool // RESTRICTED_MODE — default value of the restricted-mode toggle on first boot
	ValidateSignatures  bool // VALIDATE_SIGNATURES — default value of the signature-validation toggle on first boot
	PublishBlocks       bool // PUBLISH_BLOCKS — whether /admin/blocked is served without authentication
	APITokenHash        []byte // bcrypt hash of API_TOKEN, computed once at startup; admin surface is disabled if API_TOKEN was unset
	APITokenSet         bool   // whether API_TOKEN was provided at all

	FederationConcurrency int           // FEDERATION_CONCURRENCY — max concurrent outbound AP HTTP requests (default 10)
	CBThreshold           int           // RELAY_CB_THRESHOLD — consecutive failures before a peer's circuit opens (default 5)
	CBCooldown            time.Duration // RELAY_CB_COOLDOWN — how long an open circuit stays open (default 30m)

	JobDeliverWorkers     int // JOB_DELIVER_WORKERS — worker count on the deliver queue (default 8)
	JobApubWorkers        int // JOB_APUB_WORKERS — worker count on the apub queue (default 2)
	JobMaintenanceWorkers int // JOB_MAINTENANCE_WORKERS — worker count on the maintenance queue (default 2)

	LogLevel string // LOG_LEVEL — slog level name (default info)
}

// Load reads configuration from environment variables. Exits the process
// (os.Exit(1)) if HOSTNAME is missing — every generated actor/object IRI is
// rooted at it, so the relay cannot run without one.
func Load() *Config {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		fmt.Fprintln(os.Stderr, "ERROR: HOSTNAME is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the domain this relay is reachable at, e.g. relay.example.com.")
		os.Exit(1)
	}

	cfg := &Config{
		Hostname:    hostname,
		Addr:        getEnv("ADDR", "127.0.0.1"),
		Port:        getEnv("PORT", "8080"),
		Debug:       getEnvBool("DEBUG", true),
		HTTPS:       getEnvBool("HTTPS", false),
		DatabaseURL: getEnv("DATABASE_URL", "relay.db"),

		RestrictedMode:     getEnvBool("RESTRICTED_MODE", false),
		ValidateSignatures: getEnvBool("VALIDATE_SIGNATURES", false),
		PublishBlocks:      getEnvBool("PUBLISH_BLOCKS", false),

		FederationConcurrency: parseInt(os.Getenv("FEDERATION_CONCURRENCY"), 10),
		CBThreshold:           parseInt(os.Getenv("RELAY_CB_THRESHOLD"), 5),
		CBCooldown:            parseDuration(os.Getenv("RELAY_CB_COOLDOWN"), 30*time.Minute),

		JobDeliverWorkers:     parseInt(os.Getenv("JOB_DELIVER_WORKERS"), 8),
		JobApubWorkers:        parseInt(os.Getenv("JOB_APUB_WORKERS"), 2),
		JobMaintenanceWorkers: parseInt(os.Getenv("JOB_MAINTENANCE_WORKERS"), 2),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if token := os.Getenv("API_TOKEN"); token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERROR: failed to hash API_TOKEN:", err)
			os.Exit(1)
		}
		cfg.APITokenHash = hash
		cfg.APITokenSet = true
	}

	return cfg
}

// CheckAPIToken reports whether token matches the configured API_TOKEN.
// Always false if no token was configured, so the admin surface stays
// disabled rather than silently accepting anything.
func (c *Config) CheckAPIToken(token string) bool {
	if !c.APITokenSet || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.APITokenHash, []byte(token)) == nil
}

// Scheme returns "https" or "http" depending on HTTPS.
func (c *Config) Scheme() string {
	if c.HTTPS {
		return "https"
	}
	return "http"
}

// BaseURL returns the scheme+hostname root every relay-owned IRI is built
// from, with no trailing slash.
func (c *Config) BaseURL() string {
	return c.Scheme() + "://" + c.Hostname
}

// URL constructs an absolute URL from a path rooted at BaseURL.
func (c *Config) URL(path string) string {
	return c.BaseURL() + path
}

// ListenAddr returns the address net/http should bind to.
func (c *Config) ListenAddr() string {
	return c.Addr + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	v = strings.ToLower(v)
	return v == "true" || v == "1"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

// URLParse is a small convenience used by callers that need the parsed
// Hostname as a *url.URL rather than a string (e.g. WebFinger resource
// matching).
func (c *Config) URLParse() *url.URL {
	u, _ := url.Parse(c.BaseURL())
	return u
}
