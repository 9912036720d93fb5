package kbusconfig

import (
	"strings"
	"testing"
)

func TestLoadSwitchEnvOverridesDefaults(t *testing.T) {
	r := strings.NewReader("KBUS_QUEUE_DEPTH=42\nKBUS_MAX_NAME_LENGTH=256\n")
	cfg, err := LoadSwitchEnv(r)
	if err != nil {
		t.Fatalf("LoadSwitchEnv: %v", err)
	}
	if cfg.DefaultQueueDepth != 42 {
		t.Errorf("DefaultQueueDepth = %d, want 42", cfg.DefaultQueueDepth)
	}
	if cfg.MaxNameLength != 256 {
		t.Errorf("MaxNameLength = %d, want 256", cfg.MaxNameLength)
	}
	// Untouched fields keep their zero-config defaults.
	def := Defaults()
	if cfg.MaxEntireMessageSize != def.MaxEntireMessageSize {
		t.Errorf("MaxEntireMessageSize = %d, want default %d", cfg.MaxEntireMessageSize, def.MaxEntireMessageSize)
	}
}

func TestLoadSwitchEnvRejectsBadInt(t *testing.T) {
	r := strings.NewReader("KBUS_QUEUE_DEPTH=not-a-number\n")
	if _, err := LoadSwitchEnv(r); err == nil {
		t.Fatal("expected an error for a non-numeric KBUS_QUEUE_DEPTH")
	}
}

func TestLoadSwitchEnvOrDefaultsFallsBackOnError(t *testing.T) {
	r := strings.NewReader("KBUS_MAX_NAME_LENGTH=not-a-number\n")
	cfg := LoadSwitchEnvOrDefaults(r)
	if cfg != Defaults() {
		t.Errorf("got %+v, want Defaults() on a malformed env file", cfg)
	}
}
