// Package config loads toolcatalog.yaml. The file is discovered once at
// startup, defaults are applied, environment references are expanded and
// relative paths are resolved against the file's directory. The resolved
// Config is then passed to constructors; nothing reads configuration later.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolcatalog/executor"
	"github.com/petal-labs/toolcatalog/logging"
	"github.com/petal-labs/toolcatalog/manifest"
)

const (
	projectConfigName = "toolcatalog.yaml"
	homeConfigName    = "config.yaml"
	homeDirName       = ".toolcatalog"

	// ManifestEnvVar overrides manifest.source.
	ManifestEnvVar = "TOOLCATALOG_MANIFEST"
)

// Config is the resolved configuration.
type Config struct {
	Manifest  ManifestConfig  `yaml:"manifest"`
	Cache     CacheConfig     `yaml:"cache"`
	Modules   ModulesConfig   `yaml:"modules"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       logging.Config  `yaml:"log"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `yaml:"-"`
}

// ManifestConfig locates the manifest and tunes reads.
type ManifestConfig struct {
	Source          string               `yaml:"source"`
	LastKnown       string               `yaml:"last_known"`
	Timeout         time.Duration        `yaml:"timeout"`
	Retry           manifest.RetryPolicy `yaml:"retry"`
	MaxPayloadBytes int64                `yaml:"max_payload_bytes"`
	Headers         map[string]string    `yaml:"headers"`
	Watch           bool                 `yaml:"watch"`
	WatchDebounce   time.Duration        `yaml:"watch_debounce"`
}

// CacheConfig locates the payload cache.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// ModulesConfig is the shared module directory exposed to tools.
type ModulesConfig struct {
	Dir string `yaml:"dir"`
	Env string `yaml:"env"`
}

// ExecutorConfig tunes subprocess sessions.
type ExecutorConfig struct {
	ScratchDir     string              `yaml:"scratch_dir"`
	GracePeriod    time.Duration       `yaml:"grace_period"`
	DefaultTimeout time.Duration       `yaml:"default_timeout"`
	Interpreters   map[string][]string `yaml:"interpreters"`
	Env            map[string]string   `yaml:"env"`
}

// RefreshConfig schedules background refreshes. An empty schedule disables them.
type RefreshConfig struct {
	Schedule string `yaml:"schedule"`
}

// HistoryConfig configures the SQLite event journal. An empty path disables it.
type HistoryConfig struct {
	SQLitePath     string        `yaml:"sqlite_path"`
	RetentionAge   time.Duration `yaml:"retention_age"`
	RetentionCount int           `yaml:"retention_count"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file exists, with state
// under stateDir.
func Default(stateDir string) Config {
	return Config{
		Manifest: ManifestConfig{
			LastKnown:     filepath.Join(stateDir, "manifest.json"),
			Timeout:       30 * time.Second,
			Retry:         manifest.RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond},
			WatchDebounce: 500 * time.Millisecond,
		},
		Cache:   CacheConfig{Dir: filepath.Join(stateDir, "cache")},
		Modules: ModulesConfig{Dir: filepath.Join(stateDir, "modules"), Env: executor.DefaultModulesEnvVar},
		Executor: ExecutorConfig{
			ScratchDir:  filepath.Join(stateDir, "scratch"),
			GracePeriod: executor.DefaultGracePeriod,
		},
		History: HistoryConfig{
			SQLitePath:     filepath.Join(stateDir, "history.db"),
			RetentionAge:   30 * 24 * time.Hour,
			RetentionCount: 10000,
		},
		Telemetry: TelemetryConfig{ServiceName: "toolcatalog"},
		Log:       logging.Config{Level: "info", Format: logging.FormatText},
	}
}

// DiscoverPath resolves the config file with first-match semantics:
// explicitPath, then ./toolcatalog.yaml, then ~/.toolcatalog/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeDirName, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the configuration. Without a config file the
// defaults apply, with state under ~/.toolcatalog.
func Load(explicitPath string) (Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve user home: %w", err)
	}
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(homeDir, homeDirName)
	if !found {
		cfg := Default(stateDir)
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return LoadFile(path, stateDir)
}

// LoadFile reads path over the defaults for stateDir.
func LoadFile(path, stateDir string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default(stateDir)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.Path = path
	cfg.resolve(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// resolve expands environment references and anchors relative paths at baseDir.
func (c *Config) resolve(baseDir string) {
	c.Manifest.Source = resolveSource(baseDir, expandEnvValue(c.Manifest.Source))
	c.Manifest.LastKnown = resolvePath(baseDir, c.Manifest.LastKnown)
	c.Manifest.Headers = expandStringMap(c.Manifest.Headers)
	c.Cache.Dir = resolvePath(baseDir, c.Cache.Dir)
	c.Modules.Dir = resolvePath(baseDir, c.Modules.Dir)
	c.Executor.ScratchDir = resolvePath(baseDir, c.Executor.ScratchDir)
	c.Executor.Env = expandStringMap(c.Executor.Env)
	c.History.SQLitePath = resolvePath(baseDir, c.History.SQLitePath)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(expandEnvValue(c.Telemetry.OTLPEndpoint))
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(ManifestEnvVar)); v != "" {
		c.Manifest.Source = v
	}
	c.Log = logging.WithEnv(c.Log)
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required"))
	}
	if c.Manifest.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("manifest.retry.attempts must not be negative"))
	}
	if c.Executor.GracePeriod < 0 {
		errs = append(errs, errors.New("executor.grace_period must not be negative"))
	}
	if c.Executor.DefaultTimeout < 0 {
		errs = append(errs, errors.New("executor.default_timeout must not be negative"))
	}
	if c.History.RetentionCount < 0 {
		errs = append(errs, errors.New("history.retention_count must not be negative"))
	}
	for ext, argv := range c.Executor.Interpreters {
		if !strings.HasPrefix(ext, ".") || len(argv) == 0 {
			errs = append(errs, fmt.Errorf("executor.interpreters[%q] needs a .ext key and a command", ext))
		}
	}
	return errors.Join(errs...)
}

// RequireSource reports a missing manifest source; commands that reach the
// network call it.
func (c Config) RequireSource() error {
	if strings.TrimSpace(c.Manifest.Source) == "" {
		return fmt.Errorf("manifest.source is not configured (set it in %s or %s)", projectConfigName, ManifestEnvVar)
	}
	return nil
}

// Interpreters merges configured interpreters over the executor defaults.
func (c Config) Interpreters() map[string][]string {
	out := executor.DefaultInterpreters()
	for ext, argv := range c.Executor.Interpreters {
		out[strings.ToLower(ext)] = argv
	}
	return out
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolvePath(baseDir, p string) string {
	clean := strings.TrimSpace(expandEnvValue(p))
	if clean == "" {
		return ""
	}
	if strings.HasPrefix(clean, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			clean = filepath.Join(home, clean[2:])
		}
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}

// resolveSource anchors bare relative paths; URLs are kept as written.
func resolveSource(baseDir, source string) string {
	clean := strings.TrimSpace(source)
	if clean == "" || strings.Contains(clean, "://") {
		return clean
	}
	return resolvePath(baseDir, clean)
}
