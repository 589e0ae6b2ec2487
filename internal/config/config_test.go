package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/truncate"
)

const minimalYAML = `
provider:
  model: gpt-4o-mini
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "parley.db" {
		t.Errorf("database = %+v, want sqlite defaults", cfg.Database)
	}
	if cfg.Provider.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("base url = %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.Temperature != 0.7 || cfg.Provider.MaxTokens != 1024 {
		t.Errorf("provider defaults = %+v", cfg.Provider)
	}
	if cfg.Truncation.Budget != truncate.DefaultBudget {
		t.Errorf("budget = %d, want default %d", cfg.Truncation.Budget, truncate.DefaultBudget)
	}
}

func TestParse_ClampsBudget(t *testing.T) {
	cfg, err := Parse([]byte("truncation:\n  budget: 5\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Truncation.Budget != truncate.MinBudget {
		t.Errorf("budget = %d, want clamped to %d", cfg.Truncation.Budget, truncate.MinBudget)
	}

	cfg, err = Parse([]byte("truncation:\n  budget: 999999999\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Truncation.Budget != truncate.MaxBudget {
		t.Errorf("budget = %d, want clamped to %d", cfg.Truncation.Budget, truncate.MaxBudget)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("provider: [not a map]")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/parley.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_ValidatesModel(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error without provider.model")
	}
	if !strings.Contains(err.Error(), "provider.model is required") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, minimalYAML+"database:\n  driver: postgres\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for unknown driver")
	}
	if !strings.Contains(err.Error(), `database.driver "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_EnvOverridesAPIKey(t *testing.T) {
	t.Setenv("PARLEY_API_KEY", "sk-from-env")

	path := writeConfig(t, minimalYAML+"  api_key: sk-from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env override", cfg.Provider.APIKey)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
