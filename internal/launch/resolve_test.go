package launch

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every documented variable so ambient environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		EnvPort, EnvBindAddress, EnvTrustForwardedHeaders, EnvEnforceOriginCheck,
		EnvEnforceRequestForgeryCheck, EnvEnableCompressedStreaming,
		EnvLogLevel, EnvDatabasePath, EnvHostPIN,
	} {
		t.Setenv(name, "")
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openmic.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestResolveDefaults(t *testing.T) {
	clearEnv(t)

	result, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	if got, want := result.Config, defaultConfig(); got != want {
		t.Fatalf("expected built-in defaults, got %+v", got)
	}
	if len(result.Overrides) != 0 {
		t.Fatalf("expected empty audit trail, got %+v", result.Overrides)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", result.Warnings)
	}
}

func TestResolvePrecedence(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
network:
  bind_address: 10.0.0.5
logging:
  level: error
`)
	t.Setenv(EnvLogLevel, "warn")

	flagLevel := "debug"
	result, err := Resolve(&Overrides{ConfigFile: path, LogLevel: &flagLevel})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	if result.Config.BindAddress != "10.0.0.5" {
		t.Fatalf("expected file bind address to apply, got %s", result.Config.BindAddress)
	}
	if result.Config.LogLevel != LevelDebug {
		t.Fatalf("expected the flag to win for log level, got %s", result.Config.LogLevel)
	}
}

func TestResolvePortConflict(t *testing.T) {
	t.Run("file disagrees with platform port", func(t *testing.T) {
		clearEnv(t)
		path := writeConfigFile(t, "network:\n  port: 5000\n")
		t.Setenv(EnvPort, "8080")

		_, err := Resolve(&Overrides{ConfigFile: path})
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindPortConflict {
			t.Fatalf("expected port conflict, got %v", err)
		}
		for _, value := range []string{"5000", "8080"} {
			if !strings.Contains(configErr.Error(), value) {
				t.Fatalf("expected diagnostic to name %s: %s", value, configErr)
			}
		}
	})

	t.Run("flag disagrees with platform port", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvPort, "8080")

		flagPort := 9000
		_, err := Resolve(&Overrides{BindPort: &flagPort})
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindPortConflict {
			t.Fatalf("expected port conflict, got %v", err)
		}
	})

	t.Run("agreement is not a conflict", func(t *testing.T) {
		clearEnv(t)
		path := writeConfigFile(t, "network:\n  port: 8080\n")
		t.Setenv(EnvPort, "8080")

		result, err := Resolve(&Overrides{ConfigFile: path})
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if result.Config.BindPort != 8080 {
			t.Fatalf("unexpected port %d", result.Config.BindPort)
		}
	})

	t.Run("platform port wins without static port", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvPort, "9090")

		result, err := Resolve(nil)
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if result.Config.BindPort != 9090 {
			t.Fatalf("expected platform port, got %d", result.Config.BindPort)
		}
	})
}

func TestResolveInvalidPort(t *testing.T) {
	t.Run("out of range", func(t *testing.T) {
		clearEnv(t)
		flagPort := 70000
		_, err := Resolve(&Overrides{BindPort: &flagPort})
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindInvalidPort {
			t.Fatalf("expected invalid port, got %v", err)
		}
	})

	t.Run("non-integer platform port", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvPort, "eight-thousand")
		_, err := Resolve(nil)
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindInvalidPort {
			t.Fatalf("expected invalid port, got %v", err)
		}
	})
}

func TestResolveDeterminism(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
network:
  bind_address: 127.0.0.1
  trust_forwarded_headers: true
security:
  enforce_origin_check: true
  enforce_request_forgery_check: true
logging:
  level: debug
`)
	t.Setenv(EnvPort, "9000")

	first, err := Resolve(&Overrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("first Resolve returned error: %v", err)
	}
	second, err := Resolve(&Overrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("second Resolve returned error: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolution is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestResolveTrustWarnings(t *testing.T) {
	t.Run("checks left at default", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTrustForwardedHeaders, "true")

		result, err := Resolve(nil)
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		warning := findWarning(t, result.Warnings, "not explicitly set")
		for _, field := range []string{FieldEnforceOriginCheck, FieldEnforceRequestForgeryCheck} {
			if !containsField(warning.Fields, field) {
				t.Fatalf("expected warning to name %s, got %v", field, warning.Fields)
			}
		}
	})

	t.Run("checks disabled", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTrustForwardedHeaders, "true")
		t.Setenv(EnvEnforceOriginCheck, "false")
		t.Setenv(EnvEnforceRequestForgeryCheck, "false")

		result, err := Resolve(nil)
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		findWarning(t, result.Warnings, "disabled while forwarded headers are trusted")
		if result.Config.EnforceOriginCheck || result.Config.EnforceRequestForgeryCheck {
			t.Fatalf("warnings must not change resolved behaviour")
		}
	})

	t.Run("compressed streaming behind proxy", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTrustForwardedHeaders, "true")
		t.Setenv(EnvEnforceOriginCheck, "true")
		t.Setenv(EnvEnforceRequestForgeryCheck, "true")
		t.Setenv(EnvEnableCompressedStreaming, "true")

		result, err := Resolve(nil)
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		findWarning(t, result.Warnings, "compressed")
		if !result.Config.EnableCompressedStreaming {
			t.Fatalf("warning must not disable compressed streaming")
		}
	})

	t.Run("cross origin contradicts origin check", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvEnforceOriginCheck, "true")
		allow := true
		result, err := Resolve(&Overrides{AllowCrossOrigin: &allow})
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		findWarning(t, result.Warnings, "origin check takes precedence")
	})
}

func TestResolveAuditTrail(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "logging:\n  level: debug\n")
	t.Setenv(EnvPort, "9999")

	result, err := Resolve(&Overrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	byField := make(map[string]FieldOverride, len(result.Overrides))
	for _, o := range result.Overrides {
		byField[o.Field] = o
	}

	port, ok := byField[FieldBindPort]
	if !ok || port.Source != SourceEnv || port.Value != "9999" {
		t.Fatalf("expected env port in audit trail, got %+v", result.Overrides)
	}
	level, ok := byField[FieldLogLevel]
	if !ok || level.Source != SourceFile || level.Value != "debug" {
		t.Fatalf("expected file log level in audit trail, got %+v", result.Overrides)
	}
	if len(result.Overrides) != 2 {
		t.Fatalf("audit trail must only list fields that differ from defaults, got %+v", result.Overrides)
	}
}

func TestResolveInvalidValues(t *testing.T) {
	t.Run("boolean env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTrustForwardedHeaders, "yep")
		_, err := Resolve(nil)
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindInvalidValue {
			t.Fatalf("expected invalid value, got %v", err)
		}
	})

	t.Run("log level flag", func(t *testing.T) {
		clearEnv(t)
		level := "verbose"
		_, err := Resolve(&Overrides{LogLevel: &level})
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindInvalidValue {
			t.Fatalf("expected invalid value, got %v", err)
		}
	})

	t.Run("explicitly cleared bind address", func(t *testing.T) {
		clearEnv(t)
		empty := ""
		_, err := Resolve(&Overrides{BindAddress: &empty})
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindUnknownRequiredField {
			t.Fatalf("expected unknown required field, got %v", err)
		}
	})
}

func TestResolveRoundTrip(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBindAddress, "127.0.0.1")
	t.Setenv(EnvTrustForwardedHeaders, "true")
	t.Setenv(EnvEnforceOriginCheck, "false")
	t.Setenv(EnvEnforceRequestForgeryCheck, "true")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvHostPIN, "4242")

	original, err := Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}

	data, err := original.Config.MarshalFile()
	if err != nil {
		t.Fatalf("MarshalFile returned error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "roundtrip.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write round-trip file: %v", err)
	}

	clearEnv(t)
	reloaded, err := Resolve(&Overrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("Resolve of serialized config returned error: %v", err)
	}

	if original.Config != reloaded.Config {
		t.Fatalf("round-trip changed the configuration:\noriginal: %+v\nreloaded: %+v", original.Config, reloaded.Config)
	}
}

func TestResolveFileHandling(t *testing.T) {
	t.Run("absent file is not an error", func(t *testing.T) {
		clearEnv(t)
		result, err := Resolve(&Overrides{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if result.Config != defaultConfig() {
			t.Fatalf("expected defaults with absent file")
		}
	})

	t.Run("malformed file is fatal", func(t *testing.T) {
		clearEnv(t)
		path := writeConfigFile(t, "network: [\n")
		_, err := Resolve(&Overrides{ConfigFile: path})
		var configErr *ConfigError
		if !errors.As(err, &configErr) || configErr.Kind != ErrKindMalformedFile {
			t.Fatalf("expected malformed file, got %v", err)
		}
	})

	t.Run("unknown keys warn", func(t *testing.T) {
		clearEnv(t)
		path := writeConfigFile(t, `
network:
  bind_address: 127.0.0.1
  websocket_compression: true
streamlit:
  enable_cors: false
`)
		result, err := Resolve(&Overrides{ConfigFile: path})
		if err != nil {
			t.Fatalf("unknown keys must not be fatal: %v", err)
		}
		findWarning(t, result.Warnings, "websocket_compression")
		findWarning(t, result.Warnings, "streamlit")
		if result.Config.BindAddress != "127.0.0.1" {
			t.Fatalf("known keys must still apply")
		}
	})
}

func TestResolveServiceSection(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
service:
  database_path: /var/lib/openmic/board.db
  shutdown_grace_period: 30s
  rate_limit:
    rps: 5
    burst: 10
`)

	result, err := Resolve(&Overrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if result.Config.DatabasePath != "/var/lib/openmic/board.db" {
		t.Fatalf("unexpected database path %q", result.Config.DatabasePath)
	}
	if result.Config.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("unexpected grace period %s", result.Config.ShutdownGracePeriod)
	}
	if result.Config.RateLimitRPS != 5 || result.Config.RateLimitBurst != 10 {
		t.Fatalf("unexpected rate limit %v/%d", result.Config.RateLimitRPS, result.Config.RateLimitBurst)
	}
}

func findWarning(t *testing.T, warnings []Warning, fragment string) Warning {
	t.Helper()
	for _, w := range warnings {
		if strings.Contains(w.Message, fragment) {
			return w
		}
	}
	t.Fatalf("expected a warning containing %q, got %+v", fragment, warnings)
	return Warning{}
}

func containsField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}
