// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/quorate/config.yaml",
	"/etc/quorate/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults, applied before file and env
// layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8466,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/quorate.duckdb",
			MaxMemory: "1GB",
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "/data/nats/jetstream",
			MaxMemory:       1 << 30,
			MaxStore:        4 << 30,
			StreamName:      "GOVERNANCE",
			Topic:           "governance.voting.completed",
			DurableName:     "notification-listener",
			QueueGroup:      "notifiers",
			DuplicateWindow: 2 * time.Minute,
			AckWaitTimeout:  30 * time.Second,
			MaxReconnects:   -1, // retry forever at the connection layer
			ReconnectWait:   2 * time.Second,
		},
		Governance: GovernanceConfig{
			CountAbstainInApproval: false,
			MaxCommentLength:       2000,
			VoteRateLimit:          10,
			VoteRateWindow:         time.Minute,
			DeadlineSweepInterval:  time.Minute,
		},
		Dispatch: DispatchConfig{
			SMTPPort:     587,
			SMTPFromName: "Quorate",
			UseTLS:       true,
			SendTimeout:  30 * time.Second,
			MaxAttempts:  3,
			RetryBase:    500 * time.Millisecond,
			Parallelism:  5,
		},
		Listener: ListenerConfig{
			ReconnectBase:  time.Second,
			ReconnectMax:   30 * time.Second,
			MaxAttempts:    10,
			DedupWindow:    24 * time.Hour,
			ProcessTimeout: 2 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:        true,
			BufferSize:     1000,
			FlushThreshold: 50,
			FlushInterval:  5 * time.Second,
			RetentionDays:  365,
		},
		Monitor: MonitorConfig{
			WindowSize:           500,
			ResponseTimeWarning:  time.Second,
			ResponseTimeCritical: 5 * time.Second,
			ErrorRateWarning:     0.05,
			ErrorRateCritical:    0.25,
			AlertStorePath:       "/data/alerts",
			EvaluationInterval:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it. Precedence: ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// they arrive via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so stray environment does not pollute the
// configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"http_host":           "server.host",
		"http_port":           "server.port",
		"http_timeout":        "server.timeout",
		"cors_origins":        "server.cors_origins",
		"rate_limit_requests": "server.rate_limit_reqs",
		"rate_limit_window":   "server.rate_limit_window",

		// Database
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",

		// NATS
		"nats_url":              "nats.url",
		"nats_embedded":         "nats.embedded_server",
		"nats_store_dir":        "nats.store_dir",
		"nats_max_memory":       "nats.max_memory",
		"nats_max_store":        "nats.max_store",
		"nats_stream_name":      "nats.stream_name",
		"nats_topic":            "nats.topic",
		"nats_durable_name":     "nats.durable_name",
		"nats_queue_group":      "nats.queue_group",
		"nats_duplicate_window": "nats.duplicate_window",
		"nats_ack_wait":         "nats.ack_wait_timeout",
		"nats_max_reconnects":   "nats.max_reconnects",
		"nats_reconnect_wait":   "nats.reconnect_wait",

		// Governance
		"governance_abstain_in_approval": "governance.count_abstain_in_approval",
		"governance_max_comment_length":  "governance.max_comment_length",
		"vote_rate_limit":                "governance.vote_rate_limit",
		"vote_rate_window":               "governance.vote_rate_window",
		"deadline_sweep_interval":        "governance.deadline_sweep_interval",

		// Dispatch
		"smtp_host":             "dispatch.smtp_host",
		"smtp_port":             "dispatch.smtp_port",
		"smtp_user":             "dispatch.smtp_user",
		"smtp_password":         "dispatch.smtp_password",
		"smtp_from":             "dispatch.smtp_from",
		"smtp_from_name":        "dispatch.smtp_from_name",
		"smtp_use_tls":          "dispatch.use_tls",
		"dispatch_send_timeout": "dispatch.send_timeout",
		"dispatch_max_attempts": "dispatch.max_attempts",
		"dispatch_retry_base":   "dispatch.retry_base",
		"dispatch_parallelism":  "dispatch.parallelism",

		// Listener
		"listener_reconnect_base":  "listener.reconnect_base",
		"listener_reconnect_max":   "listener.reconnect_max",
		"listener_max_attempts":    "listener.max_attempts",
		"listener_dedup_window":    "listener.dedup_window",
		"listener_process_timeout": "listener.process_timeout",

		// Audit
		"audit_enabled":         "audit.enabled",
		"audit_buffer_size":     "audit.buffer_size",
		"audit_flush_threshold": "audit.flush_threshold",
		"audit_flush_interval":  "audit.flush_interval",
		"audit_retention_days":  "audit.retention_days",

		// Monitor
		"monitor_window_size":            "monitor.window_size",
		"monitor_response_time_warning":  "monitor.response_time_warning",
		"monitor_response_time_critical": "monitor.response_time_critical",
		"monitor_error_rate_warning":     "monitor.error_rate_warning",
		"monitor_error_rate_critical":    "monitor.error_rate_critical",
		"monitor_alert_store_path":       "monitor.alert_store_path",
		"monitor_evaluation_interval":    "monitor.evaluation_interval",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
