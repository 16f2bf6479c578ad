package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/butler/internal/sqlguard"
)

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.HTTPPort != 8080 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.TaskTTL != 30*time.Minute || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("server timings = %+v", cfg.Server)
	}
	if cfg.LLM.Provider != "openai" || !cfg.LLM.UseNativeTools() || cfg.LLM.MaxRetries != 3 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.Enabled() {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Policy.Source != PolicySourceStatic || cfg.Policy.GrantsTable != sqlguard.DefaultGrantsTable {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "provider",
			config:  "llm:\n  provider: gemini",
			wantErr: "llm.provider",
		},
		{
			name:    "driver",
			config:  "database:\n  driver: oracle",
			wantErr: "database.driver",
		},
		{
			name:    "database policy without url",
			config:  "policy:\n  source: database",
			wantErr: "database.url",
		},
		{
			name:    "unknown default role",
			config:  "policy:\n  default_role: admin",
			wantErr: "default_role",
		},
		{
			name: "insert on column",
			config: `
policy:
  roles:
    writer:
      users:
        actions: [insert]
        columns:
          email:
            actions: [insert]
`,
			wantErr: "policy.roles.writer",
		},
		{
			name:    "tracing without endpoint",
			config:  "observability:\n  tracing:\n    enabled: true",
			wantErr: "tracing.endpoint",
		},
		{
			name:    "api key without key",
			config:  "auth:\n  api_keys:\n    - user_id: u1",
			wantErr: "auth.api_keys[0].key",
		},
		{
			name:    "log format",
			config:  "logging:\n  format: xml",
			wantErr: "logging.format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %s error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadNewerVersion(t *testing.T) {
	_, err := Load(writeConfig(t, "version: 2"))
	var ve *VersionError
	if !errors.As(err, &ve) {
		t.Fatalf("Load() error = %v, want *VersionError", err)
	}
	if ve.Version != 2 || !strings.Contains(ve.Error(), "newer") {
		t.Errorf("VersionError = %v", ve)
	}
}

func TestLoadPolicyRoles(t *testing.T) {
	path := writeConfig(t, `
policy:
  default_role: analyst
  roles:
    analyst:
      users:
        actions: [select]
        description: Registered users
        columns:
          email:
            actions: [select]
            type: varchar(255)
      orders:
        actions: [select, update]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	analyst := cfg.Policy.Roles["analyst"]
	users := analyst["users"]
	if !users.Actions.Allows(sqlguard.ActionSelect) || users.Actions.Allows(sqlguard.ActionDelete) {
		t.Errorf("users actions = %v", users.Actions)
	}
	if users.Description != "Registered users" || users.Columns["email"].Type != "varchar(255)" {
		t.Errorf("users = %+v", users)
	}
	if !analyst["orders"].Actions.Allows(sqlguard.ActionUpdate) {
		t.Errorf("orders actions = %v", analyst["orders"].Actions)
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	t.Setenv("BUTLER_TEST_API_KEY", "sk-from-env")
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  http_port: 9000
  host: 127.0.0.1
llm:
  provider: anthropic
`)
	path := writeFile(t, dir, "butler.yaml", `
$include: base.yaml
server:
  http_port: 9100
llm:
  api_key: ${BUTLER_TEST_API_KEY}
  default_model: ${BUTLER_TEST_UNSET_MODEL:-claude-sonnet}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9100 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "sk-from-env" || cfg.LLM.DefaultModel != "claude-sonnet" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml")
	writeFile(t, dir, "b.yaml", "$include: a.yaml")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeFile(t, t.TempDir(), "butler.json5", `
{
  // local development
  "server": {"http_port": 9090, "task_ttl": "5m"},
  "llm": {"provider": "ollama", "native_tools": false}
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9090 || cfg.Server.TaskTTL != 5*time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.LLM.Provider != "ollama" || cfg.LLM.UseNativeTools() {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		wantErr bool
	}{
		{CurrentVersion, false},
		{0, true},
		{-1, true},
		{CurrentVersion + 1, true},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateVersion(%d) error = %v, wantErr %v", tt.version, err, tt.wantErr)
		}
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"policy", "llm", "http_port", "default_role"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("schema missing %q", key)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000")

	changes := make(chan *Config, 4)
	w, err := Watch(context.Background(), path, func(cfg *Config) { changes <- cfg }, WatchOptions{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	// An invalid file is skipped and the next valid write still lands.
	if err := os.WriteFile(path, []byte("server:\n  http_port: -5"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server:\n  http_port: 9200"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Server.HTTPPort == 9200 {
				return
			}
			t.Fatalf("unexpected reload: port %d", cfg.Server.HTTPPort)
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "butler.yaml", contents)
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
