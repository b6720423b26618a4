package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDiscoverPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "toolcatalog.yaml")
	if err := os.WriteFile(projectConfig, []byte("cache: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	homeConfigDir := filepath.Join(home, ".toolcatalog")
	if err := os.MkdirAll(homeConfigDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	homeConfig := filepath.Join(homeConfigDir, "config.yaml")
	if err := os.WriteFile(homeConfig, []byte("cache: {}"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if got != projectConfig {
		t.Fatalf("path = %q, want %q", got, projectConfig)
	}

	if err := os.Remove(projectConfig); err != nil {
		t.Fatal(err)
	}
	got, found, err = DiscoverPathFrom("", cwd, home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("DiscoverPathFrom() = %q, %v, %v; want %q", got, found, err, homeConfig)
	}
}

func TestDiscoverPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverPathFrom(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestDiscoverPathFrom_NothingFound(t *testing.T) {
	got, found, err := DiscoverPathFrom("", t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if found || got != "" {
		t.Fatalf("DiscoverPathFrom() = %q, %v; want nothing", got, found)
	}
}

func TestLoadFile_ResolvesPathsAndDurations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CATALOG_TOKEN", "s3cret")
	t.Setenv(ManifestEnvVar, "")
	path := filepath.Join(dir, "toolcatalog.yaml")
	doc := `
manifest:
  source: catalog/manifest.json
  timeout: 5s
  retry:
    attempts: 4
    backoff: 250ms
  headers:
    Authorization: Bearer ${CATALOG_TOKEN}
cache:
  dir: ./state/cache
executor:
  default_timeout: 2m
  interpreters:
    .rb: [ruby]
refresh:
  schedule: "@every 15m"
history:
  sqlite_path: /var/lib/toolcatalog/history.db
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path, filepath.Join(dir, "home"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Path != path {
		t.Fatalf("Path = %q, want %q", cfg.Path, path)
	}
	if want := filepath.Join(dir, "catalog", "manifest.json"); cfg.Manifest.Source != want {
		t.Fatalf("Manifest.Source = %q, want %q", cfg.Manifest.Source, want)
	}
	if cfg.Manifest.Timeout != 5*time.Second {
		t.Fatalf("Manifest.Timeout = %v", cfg.Manifest.Timeout)
	}
	if cfg.Manifest.Retry.MaxAttempts != 4 || cfg.Manifest.Retry.Backoff != 250*time.Millisecond {
		t.Fatalf("Manifest.Retry = %+v", cfg.Manifest.Retry)
	}
	if got := cfg.Manifest.Headers["Authorization"]; got != "Bearer s3cret" {
		t.Fatalf("Authorization header = %q", got)
	}
	if want := filepath.Join(dir, "state", "cache"); cfg.Cache.Dir != want {
		t.Fatalf("Cache.Dir = %q, want %q", cfg.Cache.Dir, want)
	}
	if cfg.History.SQLitePath != "/var/lib/toolcatalog/history.db" {
		t.Fatalf("History.SQLitePath = %q", cfg.History.SQLitePath)
	}
	if cfg.Executor.DefaultTimeout != 2*time.Minute {
		t.Fatalf("Executor.DefaultTimeout = %v", cfg.Executor.DefaultTimeout)
	}
	if cfg.Refresh.Schedule != "@every 15m" {
		t.Fatalf("Refresh.Schedule = %q", cfg.Refresh.Schedule)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("Log = %+v", cfg.Log)
	}

	// Defaults survive for fields the file leaves out.
	if want := filepath.Join(dir, "home", "scratch"); cfg.Executor.ScratchDir != want {
		t.Fatalf("Executor.ScratchDir = %q, want %q", cfg.Executor.ScratchDir, want)
	}
	interp := cfg.Interpreters()
	if got := interp[".rb"]; len(got) != 1 || got[0] != "ruby" {
		t.Fatalf("Interpreters()[.rb] = %v", got)
	}
	if _, ok := interp[".sh"]; !ok {
		t.Fatal("default .sh interpreter missing")
	}
}

func TestLoadFile_KeepsURLSource(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ManifestEnvVar, "")
	path := filepath.Join(dir, "toolcatalog.yaml")
	if err := os.WriteFile(path, []byte("manifest:\n  source: https://catalog.example.com/manifest.json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path, dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Manifest.Source != "https://catalog.example.com/manifest.json" {
		t.Fatalf("Manifest.Source = %q", cfg.Manifest.Source)
	}
	if err := cfg.RequireSource(); err != nil {
		t.Fatalf("RequireSource() error = %v", err)
	}
}

func TestLoadFile_EnvOverridesSource(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ManifestEnvVar, "https://override.example.com/m.json")
	path := filepath.Join(dir, "toolcatalog.yaml")
	if err := os.WriteFile(path, []byte("manifest:\n  source: local.json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path, dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Manifest.Source != "https://override.example.com/m.json" {
		t.Fatalf("Manifest.Source = %q", cfg.Manifest.Source)
	}
}

func TestLoadFile_RejectsInvalidSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolcatalog.yaml")
	doc := "executor:\n  grace_period: -1s\n  interpreters:\n    rb: [ruby]\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path, dir)
	if err == nil {
		t.Fatal("LoadFile() succeeded, want validation error")
	}
	for _, want := range []string{"grace_period", `interpreters["rb"]`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolcatalog.yaml")
	if err := os.WriteFile(path, []byte("manifest: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path, t.TempDir()); err == nil {
		t.Fatal("LoadFile() succeeded on malformed yaml")
	}
}

func TestRequireSourceWhenUnset(t *testing.T) {
	cfg := Default(t.TempDir())
	if err := cfg.RequireSource(); err == nil {
		t.Fatal("RequireSource() succeeded with empty source")
	}
}
