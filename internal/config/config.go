// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package config loads and validates Quorate configuration using layered
// sources: built-in defaults, an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the server.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	NATS       NATSConfig       `koanf:"nats"`
	Governance GovernanceConfig `koanf:"governance"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Listener   ListenerConfig   `koanf:"listener"`
	Audit      AuditConfig      `koanf:"audit"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
}

// NATSConfig holds the event channel transport settings.
type NATSConfig struct {
	URL             string        `koanf:"url"`
	EmbeddedServer  bool          `koanf:"embedded_server"`
	StoreDir        string        `koanf:"store_dir"`
	MaxMemory       int64         `koanf:"max_memory"`
	MaxStore        int64         `koanf:"max_store"`
	StreamName      string        `koanf:"stream_name"`
	Topic           string        `koanf:"topic"`
	DurableName     string        `koanf:"durable_name"`
	QueueGroup      string        `koanf:"queue_group"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
	AckWaitTimeout  time.Duration `koanf:"ack_wait_timeout"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
}

// GovernanceConfig holds voting rule settings.
type GovernanceConfig struct {
	// CountAbstainInApproval includes abstentions in the approval
	// denominator. Default false: abstains count toward participation only.
	CountAbstainInApproval bool `koanf:"count_abstain_in_approval"`

	// MaxCommentLength caps vote comment length after sanitization.
	MaxCommentLength int `koanf:"max_comment_length"`

	// VoteRateLimit bounds vote submissions per voter per item per window.
	VoteRateLimit  int           `koanf:"vote_rate_limit"`
	VoteRateWindow time.Duration `koanf:"vote_rate_window"`

	// DeadlineSweepInterval is how often the sweeper checks for expired
	// deadlines on items nobody has voted on recently.
	DeadlineSweepInterval time.Duration `koanf:"deadline_sweep_interval"`
}

// DispatchConfig holds email dispatch settings.
type DispatchConfig struct {
	SMTPHost     string        `koanf:"smtp_host"`
	SMTPPort     int           `koanf:"smtp_port"`
	SMTPUser     string        `koanf:"smtp_user"`
	SMTPPassword string        `koanf:"smtp_password"`
	SMTPFrom     string        `koanf:"smtp_from"`
	SMTPFromName string        `koanf:"smtp_from_name"`
	UseTLS       bool          `koanf:"use_tls"`
	SendTimeout  time.Duration `koanf:"send_timeout"`
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryBase    time.Duration `koanf:"retry_base"`
	Parallelism  int           `koanf:"parallelism"`
}

// ListenerConfig holds notification listener settings.
type ListenerConfig struct {
	ReconnectBase  time.Duration `koanf:"reconnect_base"`
	ReconnectMax   time.Duration `koanf:"reconnect_max"`
	MaxAttempts    int           `koanf:"max_attempts"`
	DedupWindow    time.Duration `koanf:"dedup_window"`
	ProcessTimeout time.Duration `koanf:"process_timeout"`
}

// AuditConfig holds audit logger settings.
type AuditConfig struct {
	Enabled        bool          `koanf:"enabled"`
	BufferSize     int           `koanf:"buffer_size"`
	FlushThreshold int           `koanf:"flush_threshold"`
	FlushInterval  time.Duration `koanf:"flush_interval"`
	RetentionDays  int           `koanf:"retention_days"`
}

// MonitorConfig holds performance monitor and alerting settings.
type MonitorConfig struct {
	WindowSize           int           `koanf:"window_size"`
	ResponseTimeWarning  time.Duration `koanf:"response_time_warning"`
	ResponseTimeCritical time.Duration `koanf:"response_time_critical"`
	ErrorRateWarning     float64       `koanf:"error_rate_warning"`
	ErrorRateCritical    float64       `koanf:"error_rate_critical"`
	AlertStorePath       string        `koanf:"alert_store_path"`
	EvaluationInterval   time.Duration `koanf:"evaluation_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Listener.MaxAttempts <= 0 {
		return fmt.Errorf("listener.max_attempts must be positive")
	}
	if c.Listener.ReconnectBase <= 0 || c.Listener.ReconnectMax < c.Listener.ReconnectBase {
		return fmt.Errorf("listener reconnect delays invalid: base=%s max=%s",
			c.Listener.ReconnectBase, c.Listener.ReconnectMax)
	}
	if c.Dispatch.MaxAttempts <= 0 || c.Dispatch.MaxAttempts > 10 {
		return fmt.Errorf("dispatch.max_attempts must be in 1..10, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Audit.FlushThreshold <= 0 || c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("audit flush settings must be positive")
	}
	if c.Monitor.ErrorRateWarning < 0 || c.Monitor.ErrorRateWarning > 1 ||
		c.Monitor.ErrorRateCritical < 0 || c.Monitor.ErrorRateCritical > 1 {
		return fmt.Errorf("monitor error rates must be fractions in [0,1]")
	}
	if c.Monitor.ErrorRateCritical < c.Monitor.ErrorRateWarning {
		return fmt.Errorf("monitor.error_rate_critical below warning threshold")
	}
	return nil
}
