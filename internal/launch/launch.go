package launch

import (
	"fmt"
	"strconv"
	"time"
)

// Built-in defaults. Every field of Config has one except HostPIN, which is
// deliberately empty: host controls stay disabled until a PIN is configured.
const (
	defaultBindAddress                = "0.0.0.0"
	defaultBindPort                   = 8080
	defaultTrustForwardedHeaders      = false
	defaultAllowCrossOrigin           = false
	defaultEnforceOriginCheck         = true
	defaultEnforceRequestForgeryCheck = true
	defaultEnableCompressedStreaming  = false
	defaultLogLevel                   = LevelInfo
	defaultShutdownGracePeriod        = 10 * time.Second
	defaultReadHeaderTimeout          = 5 * time.Second
	defaultWriteTimeout               = 15 * time.Second
	defaultIdleTimeout                = 60 * time.Second
	defaultRateLimitRPS               = 25.0
	defaultRateLimitBurst             = 50
)

// Level is the logging verbosity of the resolved configuration.
type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// ParseLevel validates a textual log level.
func ParseLevel(raw string) (Level, error) {
	switch Level(raw) {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
		return Level(raw), nil
	}
	return "", fmt.Errorf("unknown log level %q (expected error, warn, info or debug)", raw)
}

// Source identifies where a resolved field value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Field names used in provenance tracking, diagnostics and the audit trail.
// They match the static file keys.
const (
	FieldBindAddress                = "bind_address"
	FieldBindPort                   = "bind_port"
	FieldTrustForwardedHeaders      = "trust_forwarded_headers"
	FieldAllowCrossOrigin           = "allow_cross_origin"
	FieldEnforceOriginCheck         = "enforce_origin_check"
	FieldEnforceRequestForgeryCheck = "enforce_request_forgery_check"
	FieldEnableCompressedStreaming  = "enable_compressed_streaming"
	FieldLogLevel                   = "log_level"
	FieldDatabasePath               = "database_path"
	FieldHostPIN                    = "host_pin"
	FieldShutdownGracePeriod        = "shutdown_grace_period"
	FieldReadHeaderTimeout          = "read_header_timeout"
	FieldWriteTimeout               = "write_timeout"
	FieldIdleTimeout                = "idle_timeout"
	FieldRateLimitRPS               = "rate_limit_rps"
	FieldRateLimitBurst             = "rate_limit_burst"
)

// Config is the immutable launch configuration, constructed exactly once per
// process start by Resolve and handed read-only to the bind step and every
// other consumer. No code reads the ambient environment after resolution.
type Config struct {
	BindAddress                string
	BindPort                   int
	TrustForwardedHeaders      bool
	AllowCrossOrigin           bool
	EnforceOriginCheck         bool
	EnforceRequestForgeryCheck bool
	EnableCompressedStreaming  bool
	LogLevel                   Level

	DatabasePath        string
	HostPIN             string
	ShutdownGracePeriod time.Duration
	ReadHeaderTimeout   time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	RateLimitRPS        float64
	RateLimitBurst      int
}

// defaultConfig returns a Config carrying only the built-in defaults.
func defaultConfig() Config {
	return Config{
		BindAddress:                defaultBindAddress,
		BindPort:                   defaultBindPort,
		TrustForwardedHeaders:      defaultTrustForwardedHeaders,
		AllowCrossOrigin:           defaultAllowCrossOrigin,
		EnforceOriginCheck:         defaultEnforceOriginCheck,
		EnforceRequestForgeryCheck: defaultEnforceRequestForgeryCheck,
		EnableCompressedStreaming:  defaultEnableCompressedStreaming,
		LogLevel:                   defaultLogLevel,
		ShutdownGracePeriod:        defaultShutdownGracePeriod,
		ReadHeaderTimeout:          defaultReadHeaderTimeout,
		WriteTimeout:               defaultWriteTimeout,
		IdleTimeout:                defaultIdleTimeout,
		RateLimitRPS:               defaultRateLimitRPS,
		RateLimitBurst:             defaultRateLimitBurst,
	}
}

// Addr returns the address the bind step should listen on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}

// fieldValue is a rendered field used by the audit trail and round-trip tests.
type fieldValue struct {
	name  string
	value string
}

// renderFields lists every field of cfg in a fixed order with its value
// rendered as a string.
func renderFields(cfg Config) []fieldValue {
	return []fieldValue{
		{FieldBindAddress, cfg.BindAddress},
		{FieldBindPort, strconv.Itoa(cfg.BindPort)},
		{FieldTrustForwardedHeaders, strconv.FormatBool(cfg.TrustForwardedHeaders)},
		{FieldAllowCrossOrigin, strconv.FormatBool(cfg.AllowCrossOrigin)},
		{FieldEnforceOriginCheck, strconv.FormatBool(cfg.EnforceOriginCheck)},
		{FieldEnforceRequestForgeryCheck, strconv.FormatBool(cfg.EnforceRequestForgeryCheck)},
		{FieldEnableCompressedStreaming, strconv.FormatBool(cfg.EnableCompressedStreaming)},
		{FieldLogLevel, string(cfg.LogLevel)},
		{FieldDatabasePath, cfg.DatabasePath},
		{FieldHostPIN, redactSecret(cfg.HostPIN)},
		{FieldShutdownGracePeriod, cfg.ShutdownGracePeriod.String()},
		{FieldReadHeaderTimeout, cfg.ReadHeaderTimeout.String()},
		{FieldWriteTimeout, cfg.WriteTimeout.String()},
		{FieldIdleTimeout, cfg.IdleTimeout.String()},
		{FieldRateLimitRPS, strconv.FormatFloat(cfg.RateLimitRPS, 'f', -1, 64)},
		{FieldRateLimitBurst, strconv.Itoa(cfg.RateLimitBurst)},
	}
}

// redactSecret keeps the PIN out of the audit trail while still showing that
// a value was set.
func redactSecret(v string) string {
	if v == "" {
		return ""
	}
	return "(set)"
}
