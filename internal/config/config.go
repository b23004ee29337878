// Package config holds SiteFlow's env-var driven configuration (spec §6).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all SiteFlow configuration. Mutable fields (poll interval,
// cache TTL, audit retention, backup thresholds) are protected by an RWMutex
// and must be accessed via getter/setter methods, since the monitor loop,
// retention scheduler and HTTP surface read them while setters may change
// them at runtime.
type Config struct {
	// Remote host
	SSHHost       string
	SSHPort       string
	SSHUser       string
	SSHKeyPath    string
	SSHPoolSize   int
	SitesRoot     string
	GatewayRoot   string // denylisted from site discovery, along with the dashboard's own dir
	DashboardDir  string
	ProxyConfPath string

	// DNS provider
	DNSProvider string
	DNSAPIURL   string
	DNSAPIToken string
	BaseDomain  string

	// Tunnel
	TunnelAPIURL string
	TunnelID     string
	TunnelToken  string

	// Uptime monitor (Health Adapter, modeled as an MQTT socket-style session)
	UptimeMQTTBroker   string
	UptimeMQTTUsername string
	UptimeMQTTPassword string
	HeartbeatWindow    int // N bars, default 30

	// Storage
	DBPath string

	// HTTP surface
	HTTPAddr string
	APIToken string

	// Logging / metrics
	LogJSON              bool
	MetricsEnabled       bool
	MetricsTextfilePath  string // optional: written on each retention sweep for node_exporter's textfile collector

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	stateCacheTTL     time.Duration
	monitorInterval   time.Duration
	auditRetention    time.Duration
	auditMaxOutputLen int
	thresholdDB       time.Duration
	thresholdUploads  time.Duration
	thresholdVerify   time.Duration
	thresholdSnapshot time.Duration
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		SSHPoolSize:       4,
		HeartbeatWindow:   30,
		stateCacheTTL:     20 * time.Second,
		monitorInterval:   10 * time.Second,
		auditRetention:    90 * 24 * time.Hour,
		auditMaxOutputLen: 8192,
		thresholdDB:       26 * time.Hour,
		thresholdUploads:  30 * time.Hour,
		thresholdVerify:   7 * 24 * time.Hour,
		thresholdSnapshot: 8 * 24 * time.Hour,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		SSHHost:            envStr("SITEFLOW_SSH_HOST", ""),
		SSHPort:            envStr("SITEFLOW_SSH_PORT", "22"),
		SSHUser:            envStr("SITEFLOW_SSH_USER", "siteflow"),
		SSHKeyPath:         envStr("SITEFLOW_SSH_KEY_PATH", "/data/siteflow_ed25519"),
		SSHPoolSize:        envInt("SITEFLOW_SSH_POOL_SIZE", 4),
		SitesRoot:          envStr("SITEFLOW_SITES_ROOT", "/srv/sites"),
		GatewayRoot:        envStr("SITEFLOW_GATEWAY_ROOT", "gateway"),
		DashboardDir:       envStr("SITEFLOW_DASHBOARD_DIR", "siteflow"),
		ProxyConfPath:      envStr("SITEFLOW_PROXY_CONF_PATH", "/srv/gateway/Caddyfile"),
		DNSProvider:        envStr("SITEFLOW_DNS_PROVIDER", ""),
		DNSAPIURL:          envStr("SITEFLOW_DNS_API_URL", ""),
		DNSAPIToken:        envStr("SITEFLOW_DNS_API_TOKEN", ""),
		BaseDomain:         envStr("SITEFLOW_BASE_DOMAIN", ""),
		TunnelAPIURL:       envStr("SITEFLOW_TUNNEL_API_URL", ""),
		TunnelID:           envStr("SITEFLOW_TUNNEL_ID", ""),
		TunnelToken:        envStr("SITEFLOW_TUNNEL_TOKEN", ""),
		UptimeMQTTBroker:   envStr("SITEFLOW_UPTIME_MQTT_BROKER", ""),
		UptimeMQTTUsername: envStr("SITEFLOW_UPTIME_MQTT_USERNAME", ""),
		UptimeMQTTPassword: envStr("SITEFLOW_UPTIME_MQTT_PASSWORD", ""),
		HeartbeatWindow:    envInt("SITEFLOW_HEARTBEAT_WINDOW", 30),
		DBPath:             envStr("SITEFLOW_DB_PATH", "/data/siteflow.db"),
		HTTPAddr:           envStr("SITEFLOW_HTTP_ADDR", ":8090"),
		APIToken:           envStr("SITEFLOW_API_TOKEN", ""),
		LogJSON:            envBool("SITEFLOW_LOG_JSON", true),
		MetricsEnabled:     envBool("SITEFLOW_METRICS", true),
		MetricsTextfilePath: envStr("SITEFLOW_METRICS_TEXTFILE_PATH", ""),
		stateCacheTTL:      envDuration("SITEFLOW_STATE_CACHE_TTL", 20*time.Second),
		monitorInterval:    envDuration("SITEFLOW_MONITOR_INTERVAL", 10*time.Second),
		auditRetention:     envDuration("SITEFLOW_AUDIT_RETENTION", 90*24*time.Hour),
		auditMaxOutputLen:  envInt("SITEFLOW_AUDIT_MAX_OUTPUT_LEN", 8192),
		thresholdDB:        envDuration("SITEFLOW_THRESHOLD_DB", 26*time.Hour),
		thresholdUploads:   envDuration("SITEFLOW_THRESHOLD_UPLOADS", 30*time.Hour),
		thresholdVerify:    envDuration("SITEFLOW_THRESHOLD_VERIFY", 7*24*time.Hour),
		thresholdSnapshot:  envDuration("SITEFLOW_THRESHOLD_SNAPSHOT", 8*24*time.Hour),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.SSHHost == "" {
		errs = append(errs, fmt.Errorf("SITEFLOW_SSH_HOST must be set"))
	}
	if c.SSHPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("SITEFLOW_SSH_POOL_SIZE must be > 0, got %d", c.SSHPoolSize))
	}
	if c.SitesRoot == "" {
		errs = append(errs, fmt.Errorf("SITEFLOW_SITES_ROOT must be set"))
	}
	if c.StateCacheTTL() <= 0 {
		errs = append(errs, fmt.Errorf("SITEFLOW_STATE_CACHE_TTL must be > 0"))
	}
	if c.MonitorInterval() <= 0 {
		errs = append(errs, fmt.Errorf("SITEFLOW_MONITOR_INTERVAL must be > 0"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a redacted string map for display.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"SITEFLOW_SSH_HOST":              c.SSHHost,
		"SITEFLOW_SSH_PORT":              c.SSHPort,
		"SITEFLOW_SSH_USER":              c.SSHUser,
		"SITEFLOW_SSH_KEY_PATH":          redactPath(c.SSHKeyPath),
		"SITEFLOW_SSH_POOL_SIZE":         strconv.Itoa(c.SSHPoolSize),
		"SITEFLOW_SITES_ROOT":            c.SitesRoot,
		"SITEFLOW_GATEWAY_ROOT":          c.GatewayRoot,
		"SITEFLOW_PROXY_CONF_PATH":       c.ProxyConfPath,
		"SITEFLOW_DNS_PROVIDER":          c.DNSProvider,
		"SITEFLOW_DNS_API_URL":           c.DNSAPIURL,
		"SITEFLOW_BASE_DOMAIN":           c.BaseDomain,
		"SITEFLOW_TUNNEL_API_URL":        c.TunnelAPIURL,
		"SITEFLOW_TUNNEL_ID":             c.TunnelID,
		"SITEFLOW_UPTIME_MQTT_BROKER":    c.UptimeMQTTBroker,
		"SITEFLOW_HEARTBEAT_WINDOW":      strconv.Itoa(c.HeartbeatWindow),
		"SITEFLOW_DB_PATH":               c.DBPath,
		"SITEFLOW_HTTP_ADDR":             c.HTTPAddr,
		"SITEFLOW_API_TOKEN":             redactPath(c.APIToken),
		"SITEFLOW_LOG_JSON":              fmt.Sprintf("%t", c.LogJSON),
		"SITEFLOW_METRICS":               fmt.Sprintf("%t", c.MetricsEnabled),
		"SITEFLOW_METRICS_TEXTFILE_PATH": c.MetricsTextfilePath,
		"SITEFLOW_STATE_CACHE_TTL":       c.StateCacheTTL().String(),
		"SITEFLOW_MONITOR_INTERVAL":      c.MonitorInterval().String(),
		"SITEFLOW_AUDIT_RETENTION":       c.AuditRetention().String(),
		"SITEFLOW_AUDIT_MAX_OUTPUT_LEN":  strconv.Itoa(c.AuditMaxOutputLen()),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// StateCacheTTL returns the current state-cache TTL (thread-safe).
func (c *Config) StateCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateCacheTTL
}

// SetStateCacheTTL updates the state-cache TTL at runtime (thread-safe).
func (c *Config) SetStateCacheTTL(d time.Duration) {
	c.mu.Lock()
	c.stateCacheTTL = d
	c.mu.Unlock()
}

// MonitorInterval returns the current monitor-loop interval (thread-safe).
func (c *Config) MonitorInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitorInterval
}

// SetMonitorInterval updates the monitor-loop interval at runtime (thread-safe).
func (c *Config) SetMonitorInterval(d time.Duration) {
	c.mu.Lock()
	c.monitorInterval = d
	c.mu.Unlock()
}

// AuditRetention returns the current audit/backup-run retention window.
func (c *Config) AuditRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auditRetention
}

// SetAuditRetention updates the retention window at runtime (thread-safe).
func (c *Config) SetAuditRetention(d time.Duration) {
	c.mu.Lock()
	c.auditRetention = d
	c.mu.Unlock()
}

// AuditMaxOutputLen returns the configured max length for captured action output.
func (c *Config) AuditMaxOutputLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auditMaxOutputLen
}

// SetAuditMaxOutputLen updates the max output length at runtime (thread-safe).
func (c *Config) SetAuditMaxOutputLen(n int) {
	c.mu.Lock()
	c.auditMaxOutputLen = n
	c.mu.Unlock()
}

// BackupThresholds returns the per-job-type freshness thresholds (spec §4.10).
func (c *Config) BackupThresholds() map[string]time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]time.Duration{
		"db":       c.thresholdDB,
		"uploads":  c.thresholdUploads,
		"verify":   c.thresholdVerify,
		"snapshot": c.thresholdSnapshot,
	}
}

// SetBackupThreshold updates a single job-type threshold at runtime.
func (c *Config) SetBackupThreshold(jobType string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch jobType {
	case "db":
		c.thresholdDB = d
	case "uploads":
		c.thresholdUploads = d
	case "verify":
		c.thresholdVerify = d
	case "snapshot":
		c.thresholdSnapshot = d
	}
}

// redactPath returns "(set)" if the value is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}
