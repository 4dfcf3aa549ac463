package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	e := cfg.EngineConfig
	if e.StopLossPercent != 5 {
		t.Errorf("Expected stop loss 5, got %v", e.StopLossPercent)
	}
	if e.EntryMode != "PERCENT" || e.EntryValue != 1 {
		t.Errorf("Expected PERCENT/1, got %s/%v", e.EntryMode, e.EntryValue)
	}
	if e.GaleLevel != 0 || e.Multiplier != 2.15 {
		t.Errorf("Expected gale 0 and multiplier 2.15, got %d/%v", e.GaleLevel, e.Multiplier)
	}
	if e.PollInterval != 100*time.Millisecond || e.ReloadInterval != time.Minute || e.ResultGrace != 5*time.Second {
		t.Errorf("Unexpected engine timings %+v", e)
	}
	if e.LedgerCapacity != 50 || e.LogCapacity != 100 {
		t.Errorf("Expected capacities 50/100, got %d/%d", e.LedgerCapacity, e.LogCapacity)
	}
	if cfg.BrokerConfig.Mode != "paper" {
		t.Errorf("Expected paper broker by default, got %s", cfg.BrokerConfig.Mode)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"server:",
		"  port: 9090",
		"engine:",
		"  stop_loss_percent: 10",
		"  entry_mode: FIXED",
		"  entry_value: 25",
		"  gale_level: 2",
		"  poll_interval: 250ms",
		"broker:",
		"  mode: websocket",
		"  url: ws://bridge:8765/ws",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerConfig.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.ServerConfig.Port)
	}
	e := cfg.EngineConfig
	if e.StopLossPercent != 10 || e.EntryMode != "FIXED" || e.EntryValue != 25 || e.GaleLevel != 2 {
		t.Errorf("Unexpected engine config %+v", e)
	}
	if e.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll interval, got %v", e.PollInterval)
	}
	if cfg.BrokerConfig.URL != "ws://bridge:8765/ws" {
		t.Errorf("Expected bridge URL, got %q", cfg.BrokerConfig.URL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"engine":{"stop_loss_percent":8,"gale_level":1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IQ_OPTION_STOP_LOSS", "12,5")
	t.Setenv("IQ_OPTION_ENTRY_TYPE", "fixed")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EngineConfig.StopLossPercent != 12.5 {
		t.Errorf("Expected env stop loss 12.5, got %v", cfg.EngineConfig.StopLossPercent)
	}
	if cfg.EngineConfig.GaleLevel != 1 {
		t.Errorf("Expected file gale level 1 to survive, got %d", cfg.EngineConfig.GaleLevel)
	}
	if cfg.EngineConfig.EntryMode != "FIXED" {
		t.Errorf("Expected FIXED entry mode, got %s", cfg.EngineConfig.EntryMode)
	}
	if !cfg.RedisConfig.Enabled {
		t.Error("Expected REDIS_ENABLED to enable redis")
	}
}

func TestValidateRejectsBadEngineSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"stop loss too high", map[string]string{"IQ_OPTION_STOP_LOSS": "100"}, "stop_loss_percent"},
		{"gale too deep", map[string]string{"IQ_OPTION_GALE": "3"}, "gale_level"},
		{"bad entry mode", map[string]string{"IQ_OPTION_ENTRY_TYPE": "KELLY"}, "entry_mode"},
		{"websocket without url", map[string]string{"BROKER_MODE": "websocket"}, "broker.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "none.json"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestServerOrigins(t *testing.T) {
	s := ServerConfig{AllowedOrigins: " http://a.test, ,http://b.test "}
	got := s.Origins()
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("Expected two trimmed origins, got %q", got)
	}
	if got := (ServerConfig{}).Origins(); len(got) != 0 {
		t.Errorf("Expected no origins, got %q", got)
	}
}
