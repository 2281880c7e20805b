// Package config provides configuration management for the studio bridge
// worker and gateway binaries. It handles loading and parsing YAML
// configuration files and provides structured access to application
// settings covering the MITM proxy, the browser session, the queue
// worker and the gateway's fleet of workers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
// A single schema serves both the worker and the gateway binary; each reads
// only the fields relevant to it.
type Config struct {
	// Port is the network port the worker's OpenAI-shaped HTTP endpoint
	// listens on.
	Port int `yaml:"port"`
	// MITMPort is the TCP port the intercepting proxy listens on. Zero
	// disables the side-channel and forces DOM-scrape response mode.
	MITMPort int `yaml:"mitm-port"`
	// TargetDomains is the list of suffix patterns (e.g. "*.example.com")
	// that the MITM proxy inspects; everything else is relayed transparently.
	TargetDomains []string `yaml:"target-domains"`
	// CertDir is the directory holding the root CA and cached leaf certs.
	CertDir string `yaml:"cert-dir"`
	// AuthDir is the directory where worker auth profiles are stored.
	AuthDir string `yaml:"auth-dir"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
	// LogToFile switches the log fan-out's file sink on.
	LogToFile bool `yaml:"log-to-file"`
	// ProxyURL is an optional upstream HTTP/SOCKS5 proxy used by C2 when
	// dialing the origin leg.
	ProxyURL string `yaml:"proxy-url"`
	// ResponseCompletionTimeoutMS bounds how long C8 waits for a dispatched
	// request's completion event. Left as a bare knob per spec §9 — no
	// default is inferred here beyond what YAML supplies.
	ResponseCompletionTimeoutMS int `yaml:"response-completion-timeout-ms"`
	// RecoveryHours is exposed through RecoveryDuration, which no component
	// calls; the worker pool takes its rate-limit quarantine duration from
	// workers.json's settings.recovery_hours instead.
	RecoveryHours float64 `yaml:"recovery-hours"`
	// RateLimitKeywords is parsed but not read: the gateway always scans for
	// the fixed gateway.RateLimitKeywords list.
	RateLimitKeywords []string `yaml:"rate-limit-keywords"`
	// ManagerURL is parsed but not read: the gateway reports rate limits to
	// the worker pool in-process (Pool.MarkRateLimited), not over HTTP.
	ManagerURL string `yaml:"manager-url"`
	// WorkerCacheTTLSeconds is exposed through WorkerCacheTTL, which no
	// component calls; the gateway asks the pool for a worker on every
	// request and keeps no cached worker list.
	WorkerCacheTTLSeconds int `yaml:"worker-cache-ttl-seconds"`
	// Workers lists the sibling worker processes the gateway manages.
	Workers []WorkerSpec `yaml:"workers"`
	// StudioAuthURL is the login page opened by --studio-web-auth for the
	// one-time cookie-capture flow.
	StudioAuthURL string `yaml:"studio-auth-url"`
}

// DefaultStudioAuthURL is used when StudioAuthURL is unset.
const DefaultStudioAuthURL = "https://aistudio.google.com"

// WorkerSpec is one entry of the gateway's static worker roster, mirroring
// workers.json's schema (see internal/workers).
type WorkerSpec struct {
	ID                string `yaml:"id"`
	Profile           string `yaml:"profile"`
	Port              int    `yaml:"port"`
	BrowserDebugPort  int    `yaml:"camoufox_port"`
}

// RecoveryDuration returns RecoveryHours as a time.Duration, defaulting to
// six hours when unset.
func (c *Config) RecoveryDuration() time.Duration {
	if c.RecoveryHours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.RecoveryHours * float64(time.Hour))
}

// ResponseCompletionTimeout returns the configured timeout, or zero if the
// operator has not set one; callers must supply their own fallback.
func (c *Config) ResponseCompletionTimeout() time.Duration {
	if c.ResponseCompletionTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.ResponseCompletionTimeoutMS) * time.Millisecond
}

// WorkerCacheTTL returns WorkerCacheTTLSeconds as a duration, defaulting to
// five seconds when unset. Nothing calls it; see WorkerCacheTTLSeconds.
func (c *Config) WorkerCacheTTL() time.Duration {
	if c.WorkerCacheTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.WorkerCacheTTLSeconds) * time.Second
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}
