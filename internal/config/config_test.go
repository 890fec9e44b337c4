package config

import (
	"os"
	"testing"
	"time"
)

func clearTitanEnv() {
	for _, kv := range os.Environ() {
		if len(kv) > len(envPrefix) && kv[:len(envPrefix)] == envPrefix {
			if i := indexByte(kv, '='); i >= 0 {
				os.Unsetenv(kv[:i])
			}
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func TestLoadDefaults(t *testing.T) {
	clearTitanEnv()
	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected default host '127.0.0.1', got %q", cfg.Host)
	}
	if cfg.Port != 8191 {
		t.Errorf("Expected default port 8191, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("Expected Headless to be true by default")
	}
	if cfg.BrowserPath != "" {
		t.Errorf("Expected empty BrowserPath by default, got %q", cfg.BrowserPath)
	}
	if cfg.BrowserPoolSize != 3 {
		t.Errorf("Expected default pool size 3, got %d", cfg.BrowserPoolSize)
	}
	if cfg.BrowserPoolTimeout != 30*time.Second {
		t.Errorf("Expected default pool timeout 30s, got %v", cfg.BrowserPoolTimeout)
	}
	if cfg.MaxMemoryMB != 2048 {
		t.Errorf("Expected default max memory 2048MB, got %d", cfg.MaxMemoryMB)
	}
	if cfg.SessionTTL != 25*time.Minute {
		t.Errorf("Expected default session TTL 25m, got %v", cfg.SessionTTL)
	}
	if cfg.MaxSessions != 100 {
		t.Errorf("Expected default max sessions 100, got %d", cfg.MaxSessions)
	}
	if cfg.DefaultTimeout != 60*time.Second {
		t.Errorf("Expected default timeout 60s, got %v", cfg.DefaultTimeout)
	}
	if cfg.MaxTimeout != 300*time.Second {
		t.Errorf("Expected max timeout 300s, got %v", cfg.MaxTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("Expected default log format 'console', got %q", cfg.LogFormat)
	}
	if cfg.LogHTML {
		t.Error("Expected LogHTML to be false by default")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected MetricsEnabled to be true by default")
	}
	if cfg.MetricsPort != 9191 {
		t.Errorf("Expected default metrics port 9191, got %d", cfg.MetricsPort)
	}
	if cfg.RotatorStrategy != "sticky-session" {
		t.Errorf("Expected default rotator strategy 'sticky-session', got %q", cfg.RotatorStrategy)
	}
	if cfg.SwarmConcurrency != 8 {
		t.Errorf("Expected default swarm concurrency 8, got %d", cfg.SwarmConcurrency)
	}
	if cfg.OrchestratorDeadline != 120*time.Second {
		t.Errorf("Expected default orchestrator deadline 120s, got %v", cfg.OrchestratorDeadline)
	}
	if cfg.TaskQueueDSN != "" {
		t.Errorf("Expected empty TaskQueueDSN by default, got %q", cfg.TaskQueueDSN)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearTitanEnv()
	env := map[string]string{
		"HOST":                  "0.0.0.0",
		"PORT":                  "9999",
		"HEADLESS":              "false",
		"BROWSER_PATH":          "/usr/bin/chromium",
		"BROWSER_POOL_SIZE":     "5",
		"BROWSER_POOL_TIMEOUT":  "1m",
		"MAX_MEMORY_MB":         "4096",
		"SESSION_TTL":           "1h",
		"MAX_SESSIONS":          "50",
		"DEFAULT_TIMEOUT":       "30s",
		"MAX_TIMEOUT":           "10m",
		"PROXY_URL":             "http://proxy:8080",
		"PROXY_USERNAME":        "user",
		"PROXY_PASSWORD":        "pass",
		"PROXY_LIST":            "http://p1:8080,http://p2:8080",
		"ROTATOR_STRATEGY":      "round-robin",
		"LOG_LEVEL":             "debug",
		"LOG_HTML":              "true",
		"METRICS_ENABLED":       "true",
		"METRICS_PORT":          "9090",
		"SWARM_CONCURRENCY":     "16",
		"TASKQUEUE_DSN":         "postgres://localhost/titan",
	}
	for k, v := range env {
		os.Setenv(envPrefix+k, v)
	}
	defer clearTitanEnv()

	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %q", cfg.Host)
	}
	if cfg.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Port)
	}
	if cfg.Headless {
		t.Error("Expected Headless to be false")
	}
	if cfg.BrowserPath != "/usr/bin/chromium" {
		t.Errorf("Expected BrowserPath '/usr/bin/chromium', got %q", cfg.BrowserPath)
	}
	if cfg.BrowserPoolSize != 5 {
		t.Errorf("Expected pool size 5, got %d", cfg.BrowserPoolSize)
	}
	if cfg.BrowserPoolTimeout != 1*time.Minute {
		t.Errorf("Expected pool timeout 1m, got %v", cfg.BrowserPoolTimeout)
	}
	if cfg.MaxMemoryMB != 4096 {
		t.Errorf("Expected max memory 4096MB, got %d", cfg.MaxMemoryMB)
	}
	if cfg.SessionTTL != 1*time.Hour {
		t.Errorf("Expected session TTL 1h, got %v", cfg.SessionTTL)
	}
	if cfg.MaxSessions != 50 {
		t.Errorf("Expected max sessions 50, got %d", cfg.MaxSessions)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("Expected default timeout 30s, got %v", cfg.DefaultTimeout)
	}
	if cfg.MaxTimeout != 10*time.Minute {
		t.Errorf("Expected max timeout 10m, got %v", cfg.MaxTimeout)
	}
	if cfg.ProxyURL != "http://proxy:8080" {
		t.Errorf("Expected proxy URL 'http://proxy:8080', got %q", cfg.ProxyURL)
	}
	if cfg.ProxyUsername != "user" {
		t.Errorf("Expected proxy username 'user', got %q", cfg.ProxyUsername)
	}
	if cfg.ProxyPassword != "pass" {
		t.Errorf("Expected proxy password 'pass', got %q", cfg.ProxyPassword)
	}
	if len(cfg.ProxyList) != 2 {
		t.Fatalf("Expected 2 proxies in TITAN_PROXY_LIST, got %v", cfg.ProxyList)
	}
	if cfg.RotatorStrategy != "round-robin" {
		t.Errorf("Expected rotator strategy 'round-robin', got %q", cfg.RotatorStrategy)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %q", cfg.LogLevel)
	}
	if !cfg.LogHTML {
		t.Error("Expected LogHTML to be true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected MetricsEnabled to be true")
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("Expected metrics port 9090, got %d", cfg.MetricsPort)
	}
	if cfg.SwarmConcurrency != 16 {
		t.Errorf("Expected swarm concurrency 16, got %d", cfg.SwarmConcurrency)
	}
	if cfg.TaskQueueDSN != "postgres://localhost/titan" {
		t.Errorf("Expected task queue DSN to be set, got %q", cfg.TaskQueueDSN)
	}
}

func TestHasDefaultProxy(t *testing.T) {
	cfg := &Config{}
	if cfg.HasDefaultProxy() {
		t.Error("Expected HasDefaultProxy to return false when ProxyURL is empty")
	}

	cfg.ProxyURL = "http://proxy:8080"
	if !cfg.HasDefaultProxy() {
		t.Error("Expected HasDefaultProxy to return true when ProxyURL is set")
	}
}

func TestAllProxiesCombinesURLAndList(t *testing.T) {
	cfg := &Config{ProxyURL: "http://primary:8080", ProxyList: []string{"http://a:8080", "http://b:8080"}}
	all := cfg.AllProxies()
	if len(all) != 3 || all[0] != "http://primary:8080" {
		t.Fatalf("unexpected proxy list: %v", all)
	}

	cfg2 := &Config{ProxyList: []string{"http://a:8080"}}
	all2 := cfg2.AllProxies()
	if len(all2) != 1 || all2[0] != "http://a:8080" {
		t.Fatalf("unexpected proxy list with no default: %v", all2)
	}
}

func TestInvalidEnvValues(t *testing.T) {
	clearTitanEnv()
	os.Setenv(envPrefix+"PORT", "not_a_number")
	os.Setenv(envPrefix+"HEADLESS", "not_a_bool")
	os.Setenv(envPrefix+"BROWSER_POOL_TIMEOUT", "not_a_duration")
	defer clearTitanEnv()

	cfg := Load()

	if cfg.Port != 8191 {
		t.Errorf("Expected default port 8191 for invalid value, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("Expected default Headless (true) for invalid value")
	}
	if cfg.BrowserPoolTimeout != 30*time.Second {
		t.Errorf("Expected default pool timeout for invalid value, got %v", cfg.BrowserPoolTimeout)
	}
}

func TestValidateClampsOutOfRangeValues(t *testing.T) {
	cfg := &Config{
		Port:                   70000,
		BrowserPoolSize:        100,
		MaxMemoryMB:            1,
		MaxTimeout:             time.Millisecond,
		DefaultTimeout:         time.Hour,
		MaxSessions:            0,
		SessionTTL:             time.Second,
		SessionCleanupInterval: time.Millisecond,
		BrowserPoolTimeout:     time.Nanosecond,
		RateLimitEnabled:       true,
		RateLimitRPM:           0,
		LogLevel:               "nonsense",
		LogFormat:              "nonsense",
		RotatorStrategy:        "nonsense",
		SwarmConcurrency:       0,
		OrchestratorDeadline:   0,
		OrchestratorMaxPerTier: 0,
		OrchestratorForceStartTier: 9,
		TaskQueuePollInterval:  0,
	}
	cfg.Validate()

	if cfg.Port != 8191 {
		t.Errorf("expected port clamp to default, got %d", cfg.Port)
	}
	if cfg.BrowserPoolSize != maxBrowserPoolSize {
		t.Errorf("expected pool size clamp to max, got %d", cfg.BrowserPoolSize)
	}
	if cfg.MaxMemoryMB != 2048 {
		t.Errorf("expected memory clamp to default, got %d", cfg.MaxMemoryMB)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level clamp to info, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("expected log format clamp to console, got %q", cfg.LogFormat)
	}
	if cfg.RotatorStrategy != "sticky-session" {
		t.Errorf("expected rotator strategy clamp, got %q", cfg.RotatorStrategy)
	}
	if cfg.SwarmConcurrency != 8 {
		t.Errorf("expected swarm concurrency clamp to default, got %d", cfg.SwarmConcurrency)
	}
	if cfg.OrchestratorForceStartTier != 0 {
		t.Errorf("expected out-of-range forced tier reset to 0, got %d", cfg.OrchestratorForceStartTier)
	}
}
