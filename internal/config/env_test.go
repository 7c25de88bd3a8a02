package config

import (
	"errors"
	"testing"
	"time"
)

func mapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"KEYSTORM_COPILOT_AGENT_COMMAND":                "node",
		"KEYSTORM_COPILOT_AGENT_ARGS":                   "agent.js  --stdio",
		"KEYSTORM_COPILOT_AGENT_REQUEST_TIMEOUT":        "0s",
		"KEYSTORM_COPILOT_COMPLETION_CYCLE_WRAP":        "off",
		"KEYSTORM_COPILOT_COMPLETION_MAX_STALE_RETRIES": "7",
		"KEYSTORM_COPILOT_EDITOR_VERSION":               "",
		"KEYSTORM_COPILOT_LOG_LEVEL":                    "warn",
		"UNRELATED":                                     "x",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Agent.Command != "node" || len(cfg.Agent.Args) != 2 || cfg.Agent.Args[1] != "--stdio" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Agent.RequestTimeout != 0 {
		t.Errorf("RequestTimeout = %v, want 0", cfg.Agent.RequestTimeout)
	}
	if cfg.Completion.CycleWrap || cfg.Completion.MaxStaleRetries != 7 {
		t.Errorf("Completion = %+v", cfg.Completion)
	}
	if cfg.Editor.Version != "" {
		t.Errorf("Editor.Version = %q, want empty override", cfg.Editor.Version)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Completion.Debounce.Std() != 300*time.Millisecond {
		t.Errorf("Debounce changed to %v", cfg.Completion.Debounce)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(mapLookup(map[string]string{
		"KEYSTORM_COPILOT_COMPLETION_TELEMETRY": "maybe",
		"KEYSTORM_COPILOT_COMPLETION_DEBOUNCE":  "quick",
		"KEYSTORM_COPILOT_COMPLETION_SHOWN_TTL": "1h",
	}))

	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("ApplyEnv() error = %v, want two validation errors", err)
	}
	if verrs[0].Path != "KEYSTORM_COPILOT_COMPLETION_DEBOUNCE" || verrs[1].Path != "KEYSTORM_COPILOT_COMPLETION_TELEMETRY" {
		t.Errorf("paths = %s, %s", verrs[0].Path, verrs[1].Path)
	}
	if cfg.Completion.ShownTTL.Std() != time.Hour {
		t.Errorf("valid override not applied: ShownTTL = %v", cfg.Completion.ShownTTL)
	}
}

func TestApplyEnv_NilLookup(t *testing.T) {
	if err := Default().ApplyEnv(nil); err != nil {
		t.Errorf("ApplyEnv(nil) error = %v", err)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"YES", true, false},
		{" on ", true, false},
		{"1", true, false},
		{"false", false, false},
		{"No", false, false},
		{"0", false, false},
		{"2", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		got, err := parseBool(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseBool(%q) = %v, %v", tt.in, got, err)
		}
	}
}
