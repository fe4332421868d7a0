package launch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the static configuration file: one section per field
// group. All fields are pointers so an absent key is distinguishable from an
// explicit zero value.
type fileConfig struct {
	Network  *networkSection  `yaml:"network,omitempty"`
	Security *securitySection `yaml:"security,omitempty"`
	Logging  *loggingSection  `yaml:"logging,omitempty"`
	Service  *serviceSection  `yaml:"service,omitempty"`
}

type networkSection struct {
	BindAddress           *string `yaml:"bind_address,omitempty"`
	Port                  *int    `yaml:"port,omitempty"`
	TrustForwardedHeaders *bool   `yaml:"trust_forwarded_headers,omitempty"`
}

type securitySection struct {
	AllowCrossOrigin           *bool `yaml:"allow_cross_origin,omitempty"`
	EnforceOriginCheck         *bool `yaml:"enforce_origin_check,omitempty"`
	EnforceRequestForgeryCheck *bool `yaml:"enforce_request_forgery_check,omitempty"`
	EnableCompressedStreaming  *bool `yaml:"enable_compressed_streaming,omitempty"`
}

type loggingSection struct {
	Level *string `yaml:"level,omitempty"`
}

type serviceSection struct {
	DatabasePath        *string           `yaml:"database_path,omitempty"`
	HostPIN             *string           `yaml:"host_pin,omitempty"`
	ShutdownGracePeriod *string           `yaml:"shutdown_grace_period,omitempty"`
	ReadHeaderTimeout   *string           `yaml:"read_header_timeout,omitempty"`
	WriteTimeout        *string           `yaml:"write_timeout,omitempty"`
	IdleTimeout         *string           `yaml:"idle_timeout,omitempty"`
	RateLimit           *rateLimitSection `yaml:"rate_limit,omitempty"`
}

type rateLimitSection struct {
	RPS   *float64 `yaml:"rps,omitempty"`
	Burst *int     `yaml:"burst,omitempty"`
}

// knownFileKeys maps each top-level section to the keys it accepts. Keys
// outside this table are warned about, never fatal.
var knownFileKeys = map[string]map[string]bool{
	"network": {
		"bind_address":            true,
		"port":                    true,
		"trust_forwarded_headers": true,
	},
	"security": {
		"allow_cross_origin":            true,
		"enforce_origin_check":          true,
		"enforce_request_forgery_check": true,
		"enable_compressed_streaming":   true,
	},
	"logging": {
		"level": true,
	},
	"service": {
		"database_path":         true,
		"host_pin":              true,
		"shutdown_grace_period": true,
		"read_header_timeout":   true,
		"write_timeout":         true,
		"idle_timeout":          true,
		"rate_limit":            true,
	},
}

// loadFile reads and parses the static configuration file into an overlay.
// An absent file yields a nil overlay; a malformed file is fatal.
func loadFile(path string) (*overlay, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, NewError(ErrKindMalformedFile, path, fmt.Sprintf("read file: %v", err))
	}
	return parseFile(path, data)
}

func parseFile(path string, data []byte) (*overlay, []Warning, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		// yaml.v3 errors carry line information where determinable.
		return nil, nil, NewError(ErrKindMalformedFile, path, err.Error())
	}

	warnings := unknownKeyWarnings(data)

	o := &overlay{source: SourceFile}
	if n := fc.Network; n != nil {
		o.bindAddress = n.BindAddress
		o.bindPort = n.Port
		o.trustForwardedHeaders = n.TrustForwardedHeaders
	}
	if s := fc.Security; s != nil {
		o.allowCrossOrigin = s.AllowCrossOrigin
		o.enforceOriginCheck = s.EnforceOriginCheck
		o.enforceRequestForgeryCheck = s.EnforceRequestForgeryCheck
		o.enableCompressedStreaming = s.EnableCompressedStreaming
	}
	if l := fc.Logging; l != nil && l.Level != nil {
		level, err := ParseLevel(*l.Level)
		if err != nil {
			return nil, nil, NewError(ErrKindInvalidValue, FieldLogLevel, err.Error()).
				WithValue(SourceFile, *l.Level)
		}
		o.logLevel = &level
	}
	if s := fc.Service; s != nil {
		o.databasePath = s.DatabasePath
		o.hostPIN = s.HostPIN

		durations := []struct {
			raw   *string
			field string
			dst   **time.Duration
		}{
			{s.ShutdownGracePeriod, FieldShutdownGracePeriod, &o.shutdownGracePeriod},
			{s.ReadHeaderTimeout, FieldReadHeaderTimeout, &o.readHeaderTimeout},
			{s.WriteTimeout, FieldWriteTimeout, &o.writeTimeout},
			{s.IdleTimeout, FieldIdleTimeout, &o.idleTimeout},
		}
		for _, d := range durations {
			if d.raw == nil {
				continue
			}
			parsed, err := time.ParseDuration(*d.raw)
			if err != nil {
				return nil, nil, NewError(ErrKindInvalidValue, d.field, "expected a duration such as 10s or 1m").
					WithValue(SourceFile, *d.raw)
			}
			*d.dst = &parsed
		}
		if rl := s.RateLimit; rl != nil {
			o.rateLimitRPS = rl.RPS
			o.rateLimitBurst = rl.Burst
		}
	}

	return o, warnings, nil
}

// unknownKeyWarnings walks the raw document and reports keys outside the
// documented schema.
func unknownKeyWarnings(data []byte) []Warning {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}

	var warnings []Warning
	for i := 0; i+1 < len(doc.Content); i += 2 {
		section := doc.Content[i].Value
		known, ok := knownFileKeys[section]
		if !ok {
			warnings = append(warnings, Warning{
				Fields:  []string{section},
				Message: fmt.Sprintf("ignoring unknown configuration section %q (line %d)", section, doc.Content[i].Line),
			})
			continue
		}
		body := doc.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(body.Content); j += 2 {
			key := body.Content[j].Value
			if !known[key] {
				warnings = append(warnings, Warning{
					Fields:  []string{section + "." + key},
					Message: fmt.Sprintf("ignoring unknown configuration key %q in section %q (line %d)", key, section, body.Content[j].Line),
				})
			}
		}
	}
	return warnings
}

// MarshalFile serializes the configuration to the static file format.
// Resolving again with only the produced file as input yields an equal
// configuration, modulo the authoritative platform port rule.
func (c Config) MarshalFile() ([]byte, error) {
	level := string(c.LogLevel)
	shutdown := c.ShutdownGracePeriod.String()
	readHeader := c.ReadHeaderTimeout.String()
	write := c.WriteTimeout.String()
	idle := c.IdleTimeout.String()

	fc := fileConfig{
		Network: &networkSection{
			BindAddress:           &c.BindAddress,
			Port:                  &c.BindPort,
			TrustForwardedHeaders: &c.TrustForwardedHeaders,
		},
		Security: &securitySection{
			AllowCrossOrigin:           &c.AllowCrossOrigin,
			EnforceOriginCheck:         &c.EnforceOriginCheck,
			EnforceRequestForgeryCheck: &c.EnforceRequestForgeryCheck,
			EnableCompressedStreaming:  &c.EnableCompressedStreaming,
		},
		Logging: &loggingSection{Level: &level},
		Service: &serviceSection{
			ShutdownGracePeriod: &shutdown,
			ReadHeaderTimeout:   &readHeader,
			WriteTimeout:        &write,
			IdleTimeout:         &idle,
			RateLimit: &rateLimitSection{
				RPS:   &c.RateLimitRPS,
				Burst: &c.RateLimitBurst,
			},
		},
	}
	if c.DatabasePath != "" {
		fc.Service.DatabasePath = &c.DatabasePath
	}
	if c.HostPIN != "" {
		fc.Service.HostPIN = &c.HostPIN
	}
	return yaml.Marshal(fc)
}
