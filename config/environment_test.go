package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":            environmentDevelopment,
		"prod":        environmentProduction,
		" Production": environmentProduction,
		"stagging":    environmentStaging,
		"qa":          "qa",
	}
	for in, want := range cases {
		t.Setenv(appEnvVar, in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(environmentProduction) || !IsProductionLike(environmentStaging) {
		t.Error("production and staging must be production-like")
	}
	if IsProductionLike(environmentDevelopment) {
		t.Error("development must not be production-like")
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	prodPath := filepath.Join(dir, "config.prod.yml")
	if err := os.WriteFile(prodPath, []byte("gridflow:\n"), 0o644); err != nil {
		t.Fatalf("write prod config: %v", err)
	}
	paths := map[string]string{environmentProduction: prodPath}

	t.Setenv(appEnvVar, "production")
	if got := resolveEnvSpecificPath("", "default.yml", paths); got != prodPath {
		t.Errorf("expected production override, got %q", got)
	}
	// Explicit non-default paths win over the environment override.
	if got := resolveEnvSpecificPath("custom.yml", "default.yml", paths); got != "custom.yml" {
		t.Errorf("expected explicit path, got %q", got)
	}
	// Missing override file falls back to the requested path.
	if got := resolveEnvSpecificPath("", "default.yml", map[string]string{
		environmentProduction: filepath.Join(dir, "absent.yml"),
	}); got != "default.yml" {
		t.Errorf("expected fallback to default, got %q", got)
	}

	t.Setenv(appEnvVar, "development")
	if got := resolveEnvSpecificPath("", "default.yml", paths); got != "default.yml" {
		t.Errorf("expected default in development, got %q", got)
	}
}
