package launch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment variable name table. The mapping is fixed and case-sensitive;
// PORT is the platform-assigned port and is authoritative (see Resolve).
const (
	EnvPort                       = "PORT"
	EnvBindAddress                = "BIND_ADDRESS"
	EnvTrustForwardedHeaders      = "TRUST_FORWARDED_HEADERS"
	EnvEnforceOriginCheck         = "ENFORCE_ORIGIN_CHECK"
	EnvEnforceRequestForgeryCheck = "ENFORCE_REQUEST_FORGERY_CHECK"
	EnvEnableCompressedStreaming  = "ENABLE_COMPRESSED_STREAMING"
	EnvLogLevel                   = "LOG_LEVEL"
	EnvDatabasePath               = "DATABASE_PATH"
	EnvHostPIN                    = "HOST_PIN"
)

// Overrides holds command-line flag overrides, the highest-precedence source.
// Nil pointer fields were not set by the user; the caller is responsible for
// distinguishing flag defaults from explicit values.
type Overrides struct {
	ConfigFile                 string
	BindAddress                *string
	BindPort                   *int
	TrustForwardedHeaders      *bool
	AllowCrossOrigin           *bool
	EnforceOriginCheck         *bool
	EnforceRequestForgeryCheck *bool
	EnableCompressedStreaming  *bool
	LogLevel                   *string
	DatabasePath               *string
	HostPIN                    *string
}

// overlay is one source's partial contribution to the configuration. Nil
// fields were not set by that source.
type overlay struct {
	source Source

	bindAddress                *string
	bindPort                   *int
	trustForwardedHeaders      *bool
	allowCrossOrigin           *bool
	enforceOriginCheck         *bool
	enforceRequestForgeryCheck *bool
	enableCompressedStreaming  *bool
	logLevel                   *Level
	databasePath               *string
	hostPIN                    *string
	shutdownGracePeriod        *time.Duration
	readHeaderTimeout          *time.Duration
	writeTimeout               *time.Duration
	idleTimeout                *time.Duration
	rateLimitRPS               *float64
	rateLimitBurst             *int
}

// apply folds the overlay into cfg and records provenance for every field it
// sets.
func (o *overlay) apply(cfg *Config, prov map[string]Source) {
	if o.bindAddress != nil {
		cfg.BindAddress = *o.bindAddress
		prov[FieldBindAddress] = o.source
	}
	if o.bindPort != nil {
		cfg.BindPort = *o.bindPort
		prov[FieldBindPort] = o.source
	}
	if o.trustForwardedHeaders != nil {
		cfg.TrustForwardedHeaders = *o.trustForwardedHeaders
		prov[FieldTrustForwardedHeaders] = o.source
	}
	if o.allowCrossOrigin != nil {
		cfg.AllowCrossOrigin = *o.allowCrossOrigin
		prov[FieldAllowCrossOrigin] = o.source
	}
	if o.enforceOriginCheck != nil {
		cfg.EnforceOriginCheck = *o.enforceOriginCheck
		prov[FieldEnforceOriginCheck] = o.source
	}
	if o.enforceRequestForgeryCheck != nil {
		cfg.EnforceRequestForgeryCheck = *o.enforceRequestForgeryCheck
		prov[FieldEnforceRequestForgeryCheck] = o.source
	}
	if o.enableCompressedStreaming != nil {
		cfg.EnableCompressedStreaming = *o.enableCompressedStreaming
		prov[FieldEnableCompressedStreaming] = o.source
	}
	if o.logLevel != nil {
		cfg.LogLevel = *o.logLevel
		prov[FieldLogLevel] = o.source
	}
	if o.databasePath != nil {
		cfg.DatabasePath = *o.databasePath
		prov[FieldDatabasePath] = o.source
	}
	if o.hostPIN != nil {
		cfg.HostPIN = *o.hostPIN
		prov[FieldHostPIN] = o.source
	}
	if o.shutdownGracePeriod != nil {
		cfg.ShutdownGracePeriod = *o.shutdownGracePeriod
		prov[FieldShutdownGracePeriod] = o.source
	}
	if o.readHeaderTimeout != nil {
		cfg.ReadHeaderTimeout = *o.readHeaderTimeout
		prov[FieldReadHeaderTimeout] = o.source
	}
	if o.writeTimeout != nil {
		cfg.WriteTimeout = *o.writeTimeout
		prov[FieldWriteTimeout] = o.source
	}
	if o.idleTimeout != nil {
		cfg.IdleTimeout = *o.idleTimeout
		prov[FieldIdleTimeout] = o.source
	}
	if o.rateLimitRPS != nil {
		cfg.RateLimitRPS = *o.rateLimitRPS
		prov[FieldRateLimitRPS] = o.source
	}
	if o.rateLimitBurst != nil {
		cfg.RateLimitBurst = *o.rateLimitBurst
		prov[FieldRateLimitBurst] = o.source
	}
}

// FieldOverride is one audit-trail entry: a field whose resolved value
// differs from the built-in default, with the source that set it.
type FieldOverride struct {
	Field  string
	Source Source
	Value  string
}

// Result is the outcome of a successful resolution: the immutable Config
// plus the audit trail and any non-fatal warnings, to be logged once the
// logger exists (its level comes from the resolved config).
type Result struct {
	Config    Config
	Overrides []FieldOverride
	Warnings  []Warning
}

// Log emits the audit trail: one info line per overridden field naming the
// winning source and final value, then one warn line per warning.
func (r *Result) Log(logger *zap.Logger) {
	for _, o := range r.Overrides {
		logger.Info("configuration override",
			zap.String("field", o.Field),
			zap.String("source", string(o.Source)),
			zap.String("value", o.Value),
		)
	}
	for _, w := range r.Warnings {
		logger.Warn(w.Message, zap.Strings("fields", w.Fields))
	}
}

// Resolve merges the four ordered sources (defaults, static file, environment,
// flags) into one validated Config. Later sources win field-by-field, with one
// exception: a platform-assigned PORT is authoritative, and a file- or
// flag-configured port that disagrees with it is a fatal conflict rather than
// a silent pick. Resolution is deterministic and runs exactly once, before any
// socket is opened.
func Resolve(overrides *Overrides) (*Result, error) {
	cfg := defaultConfig()
	prov := make(map[string]Source)
	var warnings []Warning
	var layers []*overlay

	if overrides != nil && overrides.ConfigFile != "" {
		fileOverlay, fileWarnings, err := loadFile(overrides.ConfigFile)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, fileWarnings...)
		if fileOverlay != nil {
			layers = append(layers, fileOverlay)
		}
	}

	envOverlay, err := overlayFromEnv()
	if err != nil {
		return nil, err
	}
	layers = append(layers, envOverlay)

	if overrides != nil {
		flagOverlay, err := overrides.overlay()
		if err != nil {
			return nil, err
		}
		layers = append(layers, flagOverlay)
	}

	for _, layer := range layers {
		layer.apply(&cfg, prov)
	}

	if err := checkPortConflict(layers); err != nil {
		return nil, err
	}
	if err := validate(cfg, prov); err != nil {
		return nil, err
	}
	warnings = append(warnings, consistencyWarnings(cfg, prov)...)

	return &Result{
		Config:    cfg,
		Overrides: auditTrail(cfg, prov),
		Warnings:  warnings,
	}, nil
}

// checkPortConflict enforces the authoritative platform port rule: PORT wins,
// but a statically configured port (file or flag) that disagrees must surface
// as an error, never be silently overridden.
func checkPortConflict(layers []*overlay) error {
	var envPort *int
	for _, layer := range layers {
		if layer.source == SourceEnv && layer.bindPort != nil {
			envPort = layer.bindPort
		}
	}
	if envPort == nil {
		return nil
	}
	for _, layer := range layers {
		if layer.source == SourceEnv || layer.bindPort == nil {
			continue
		}
		if *layer.bindPort != *envPort {
			return NewError(ErrKindPortConflict, FieldBindPort,
				fmt.Sprintf("the platform-assigned %s is authoritative; remove the %s port or set it to %d", EnvPort, layer.source, *envPort)).
				WithValue(SourceEnv, strconv.Itoa(*envPort)).
				WithValue(layer.source, strconv.Itoa(*layer.bindPort))
		}
	}
	return nil
}

func validate(cfg Config, prov map[string]Source) error {
	if cfg.BindPort < 1 || cfg.BindPort > 65535 {
		return NewError(ErrKindInvalidPort, FieldBindPort, "port must be between 1 and 65535").
			WithValue(sourceOf(prov, FieldBindPort), strconv.Itoa(cfg.BindPort))
	}
	if cfg.BindAddress == "" {
		return NewError(ErrKindUnknownRequiredField, FieldBindAddress,
			"a bind address is required; leave the field unset to use the wildcard address").
			WithValue(sourceOf(prov, FieldBindAddress), "")
	}
	if cfg.RateLimitRPS < 0 {
		return NewError(ErrKindInvalidValue, FieldRateLimitRPS, "requests per second must be >= 0").
			WithValue(sourceOf(prov, FieldRateLimitRPS), strconv.FormatFloat(cfg.RateLimitRPS, 'f', -1, 64))
	}
	if cfg.RateLimitBurst < 0 {
		return NewError(ErrKindInvalidValue, FieldRateLimitBurst, "burst must be >= 0").
			WithValue(sourceOf(prov, FieldRateLimitBurst), strconv.Itoa(cfg.RateLimitBurst))
	}
	return nil
}

// consistencyWarnings flags known misconfiguration patterns. Warnings never
// change resolved behaviour.
func consistencyWarnings(cfg Config, prov map[string]Source) []Warning {
	var warnings []Warning

	if cfg.TrustForwardedHeaders {
		_, originExplicit := prov[FieldEnforceOriginCheck]
		_, forgeryExplicit := prov[FieldEnforceRequestForgeryCheck]
		if !originExplicit || !forgeryExplicit {
			warnings = append(warnings, Warning{
				Fields: []string{FieldEnforceOriginCheck, FieldEnforceRequestForgeryCheck},
				Message: "trust_forwarded_headers is enabled but enforce_origin_check and enforce_request_forgery_check were not explicitly set; " +
					"set both explicitly to confirm the intended proxy security posture",
			})
		}
		if !cfg.EnforceOriginCheck || !cfg.EnforceRequestForgeryCheck {
			warnings = append(warnings, Warning{
				Fields: []string{FieldEnforceOriginCheck, FieldEnforceRequestForgeryCheck},
				Message: "origin or request-forgery checks are disabled while forwarded headers are trusted; " +
					"confirm the fronting proxy performs equivalent validation",
			})
		}
		if cfg.EnableCompressedStreaming {
			warnings = append(warnings, Warning{
				Fields:  []string{FieldEnableCompressedStreaming, FieldTrustForwardedHeaders},
				Message: "compressed streaming is enabled behind a proxy; many proxies mishandle compressed duplex streams",
			})
		}
	}

	if cfg.AllowCrossOrigin && cfg.EnforceOriginCheck {
		warnings = append(warnings, Warning{
			Fields: []string{FieldAllowCrossOrigin, FieldEnforceOriginCheck},
			Message: "allow_cross_origin permits cross-site requests that enforce_origin_check will reject; " +
				"the origin check takes precedence",
		})
	}

	return warnings
}

// auditTrail lists every field whose resolved value differs from the
// built-in default, in a fixed field order.
func auditTrail(cfg Config, prov map[string]Source) []FieldOverride {
	resolved := renderFields(cfg)
	defaults := renderFields(defaultConfig())

	var trail []FieldOverride
	for i, fv := range resolved {
		if fv.value == defaults[i].value {
			continue
		}
		trail = append(trail, FieldOverride{
			Field:  fv.name,
			Source: sourceOf(prov, fv.name),
			Value:  fv.value,
		})
	}
	return trail
}

func sourceOf(prov map[string]Source, field string) Source {
	if s, ok := prov[field]; ok {
		return s
	}
	return SourceDefault
}

// overlayFromEnv maps the documented environment variables onto an overlay.
func overlayFromEnv() (*overlay, error) {
	o := &overlay{source: SourceEnv}

	if raw := strings.TrimSpace(os.Getenv(EnvPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, NewError(ErrKindInvalidPort, FieldBindPort, fmt.Sprintf("%s must be an integer", EnvPort)).
				WithValue(SourceEnv, raw)
		}
		o.bindPort = &port
	}
	if raw := strings.TrimSpace(os.Getenv(EnvBindAddress)); raw != "" {
		o.bindAddress = &raw
	}

	bools := []struct {
		env   string
		field string
		dst   **bool
	}{
		{EnvTrustForwardedHeaders, FieldTrustForwardedHeaders, &o.trustForwardedHeaders},
		{EnvEnforceOriginCheck, FieldEnforceOriginCheck, &o.enforceOriginCheck},
		{EnvEnforceRequestForgeryCheck, FieldEnforceRequestForgeryCheck, &o.enforceRequestForgeryCheck},
		{EnvEnableCompressedStreaming, FieldEnableCompressedStreaming, &o.enableCompressedStreaming},
	}
	for _, b := range bools {
		raw := strings.TrimSpace(os.Getenv(b.env))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, NewError(ErrKindInvalidValue, b.field, fmt.Sprintf("%s must be a boolean", b.env)).
				WithValue(SourceEnv, raw)
		}
		*b.dst = &value
	}

	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		level, err := ParseLevel(raw)
		if err != nil {
			return nil, NewError(ErrKindInvalidValue, FieldLogLevel, err.Error()).
				WithValue(SourceEnv, raw)
		}
		o.logLevel = &level
	}
	if raw := strings.TrimSpace(os.Getenv(EnvDatabasePath)); raw != "" {
		o.databasePath = &raw
	}
	if raw := os.Getenv(EnvHostPIN); raw != "" {
		o.hostPIN = &raw
	}

	return o, nil
}

// overlay converts flag overrides into the highest-precedence overlay.
func (ov *Overrides) overlay() (*overlay, error) {
	o := &overlay{
		source:                     SourceFlag,
		bindAddress:                ov.BindAddress,
		bindPort:                   ov.BindPort,
		trustForwardedHeaders:      ov.TrustForwardedHeaders,
		allowCrossOrigin:           ov.AllowCrossOrigin,
		enforceOriginCheck:         ov.EnforceOriginCheck,
		enforceRequestForgeryCheck: ov.EnforceRequestForgeryCheck,
		enableCompressedStreaming:  ov.EnableCompressedStreaming,
		databasePath:               ov.DatabasePath,
		hostPIN:                    ov.HostPIN,
	}
	if ov.LogLevel != nil {
		level, err := ParseLevel(*ov.LogLevel)
		if err != nil {
			return nil, NewError(ErrKindInvalidValue, FieldLogLevel, err.Error()).
				WithValue(SourceFlag, *ov.LogLevel)
		}
		o.logLevel = &level
	}
	return o, nil
}
