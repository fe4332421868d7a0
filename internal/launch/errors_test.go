package launch

import (
	"strings"
	"testing"
)

func TestConfigErrorFormat(t *testing.T) {
	err := NewError(ErrKindPortConflict, FieldBindPort, "remove the static port").
		WithValue(SourceEnv, "8080").
		WithValue(SourceFile, "5000")

	got := err.Error()
	for _, fragment := range []string{
		"port_conflict", "bind_port", `env="8080"`, `file="5000"`, "remove the static port",
	} {
		if !strings.Contains(got, fragment) {
			t.Fatalf("expected %q in diagnostic %q", fragment, got)
		}
	}
}

func TestConfigErrorWithoutValues(t *testing.T) {
	got := NewError(ErrKindInvalidPort, FieldBindPort, "").Error()
	if !strings.Contains(got, "invalid_port") || strings.Contains(got, "()") {
		t.Fatalf("unexpected diagnostic %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, valid := range []string{"error", "warn", "info", "debug"} {
		if _, err := ParseLevel(valid); err != nil {
			t.Fatalf("unexpected error for %q: %v", valid, err)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
