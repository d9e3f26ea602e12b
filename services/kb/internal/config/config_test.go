package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
port: "8080"
databaseURL: postgres://kb@localhost/kb
redisAddr: localhost:6379
geminiAPIKey: key
authJWTSecret: secret
limits:
  knowledgeBasesPerUser: 3
reconcileInterval: 5m
ledgerWriteTimeout: 3s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Limits.KnowledgeBasesPerUser != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if d.ReconcileInterval != 5*time.Minute || d.LedgerWriteTimeout != 3*time.Second || d.AdvisoryTTL != 0 {
		t.Fatalf("unexpected durations: %+v", d)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:kb.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("KB_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("KB_DAILY_QUERY_LIMIT", "7")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "file:kb.db" || cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("database overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
	if cfg.Limits.DailyQueries != 7 || !cfg.MinioUseSSL {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Setenv("KB_CONFIG", writeConfig(t, validYAML))
	if _, err := Load(""); err != nil {
		t.Fatalf("load via KB_CONFIG: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		wantErr string
	}{
		{name: "missing port", replace: [2]string{`port: "8080"`, ""}, wantErr: "port is required"},
		{name: "missing redis", replace: [2]string{"redisAddr: localhost:6379", ""}, wantErr: "redisAddr is required"},
		{name: "missing gemini key", replace: [2]string{"geminiAPIKey: key", ""}, wantErr: "geminiAPIKey is required"},
		{name: "missing auth", replace: [2]string{"authJWTSecret: secret", ""}, wantErr: "authJWKSURL or authJWTSecret"},
		{name: "bad driver", replace: [2]string{"redisAddr:", "databaseDriver: mysql\nredisAddr:"}, wantErr: "databaseDriver"},
		{name: "bad duration", replace: [2]string{"reconcileInterval: 5m", "reconcileInterval: soon"}, wantErr: "invalid reconcileInterval"},
		{name: "negative limit", replace: [2]string{"knowledgeBasesPerUser: 3", "knowledgeBasesPerUser: -1"}, wantErr: "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.Replace(validYAML, tt.replace[0], tt.replace[1], 1)
			_, err := Load(writeConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitCSV = %v", got)
	}
}
