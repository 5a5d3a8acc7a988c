package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  mode: release\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Mode != "release" {
		t.Errorf("server.mode = %q", cfg.Server.Mode)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxRepairAttempts != 2 {
		t.Errorf("max_repair_attempts = %d", cfg.Pipeline.MaxRepairAttempts)
	}
	if cfg.Render.Delay != time.Second {
		t.Errorf("render.delay = %v", cfg.Render.Delay)
	}
	if cfg.Assembly.PollInterval != 5*time.Second || cfg.Assembly.MaxPolls != 120 {
		t.Errorf("assembly polling = %v x %d", cfg.Assembly.PollInterval, cfg.Assembly.MaxPolls)
	}
	if cfg.LLM.PlanInputChars != 15000 {
		t.Errorf("plan_input_chars = %d", cfg.LLM.PlanInputChars)
	}
	if cfg.Tracing.SampleRatio != 1 {
		t.Errorf("sample_ratio = %v", cfg.Tracing.SampleRatio)
	}
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("KODISC_API_KEY", "kodisc-secret")
	t.Setenv("ELEVENLABS_API_KEY", "tts-secret")
	t.Setenv("SERVER_PORT", "9001")

	cfg, err := Load(writeConfig(t, "render:\n  mode: hosted\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kodisc.APIKey != "kodisc-secret" {
		t.Errorf("kodisc.api_key = %q", cfg.Kodisc.APIKey)
	}
	if cfg.TTS.APIKey != "tts-secret" {
		t.Errorf("tts.api_key = %q", cfg.TTS.APIKey)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Render.Mode != "hosted" {
		t.Errorf("render.mode = %q", cfg.Render.Mode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"defaults", "", false},
		{"unknown backend", "artifacts:\n  backend: tape\n", true},
		{"s3 without bucket", "artifacts:\n  backend: s3\n", true},
		{"unknown render mode", "render:\n  mode: cloud\n", true},
		{"unknown provider", "llm:\n  provider: local\n", true},
		{"negative attempts", "pipeline:\n  max_repair_attempts: -1\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "./data/usage.db"}
	if sqlite.DSN() != "./data/usage.db" {
		t.Errorf("sqlite DSN = %q", sqlite.DSN())
	}
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "papercast", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=papercast sslmode=disable"
	if pg.DSN() != want {
		t.Errorf("postgres DSN = %q, want %q", pg.DSN(), want)
	}
}
