// Package config loads the broker's tunables: file paths (delegated to
// internal/authpath), refresh/cooldown/lease durations, and the handful of
// environment-variable toggles spec.md §6.6 enumerates. A YAML file supplies
// defaults; a sibling .env overlay and then real environment variables
// override it, matching the teacher's precedent of layering env vars over a
// config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opencred/oauth-broker/internal/authpath"
	cliproxyauth "github.com/opencred/oauth-broker/sdk/cliproxy/auth"
	"gopkg.in/yaml.v3"
)

const (
	envProactiveRefresh = "OAUTH_BROKER_PROACTIVE_REFRESH"
	envRefreshBufferMs  = "OAUTH_BROKER_REFRESH_BUFFER_MS"
	envQuiet            = "OAUTH_BROKER_QUIET"
	envRotationStrategy = "OAUTH_BROKER_ROTATION_STRATEGY"
	envPidOffset        = "OAUTH_BROKER_PID_OFFSET"
)

// Config is the fully resolved set of broker tunables.
type Config struct {
	Paths authpath.Paths

	ProactiveRefreshEnabled bool
	ProactiveInterval       time.Duration
	RefreshBufferMs         int64
	QuietMode               bool
	RotationStrategy        cliproxyauth.Policy // parsed and validated only; nothing in this module passes it to the broker, so each domain's persisted strategy decides
	PidOffsetEnabled        bool

	LeaseMs           int64
	FailureCooldownMs int64
	StaleLockAfter    time.Duration

	HTTPTimeout time.Duration
	MaxAttempts int

	LogDir       string
	LogToFile    bool
	LogMaxSizeMB int

	// ListenAddr is the broker's own HTTP surface (the fetch orchestrator's
	// reverse-proxy endpoint), e.g. ":8085".
	ListenAddr string
	// NativeUpstreamURL and CodexUpstreamURL are the vendor base URLs each
	// domain's requests are proxied to.
	NativeUpstreamURL string
	CodexUpstreamURL  string
	// ProxyURL, if set, is used for the native domain's utls transport
	// (the codex domain uses a plain net/http transport).
	ProxyURL string

	// LegacySingleRecordPath and LegacyV4Path are optional migration
	// sources for ImportLegacyInstallData; empty disables each source.
	LegacySingleRecordPath string
	LegacyV4Path           string
}

// fileShape is the subset of Config a YAML file may populate; durations are
// expressed in milliseconds to avoid Go-duration-string parsing in YAML.
type fileShape struct {
	ConfigDir    string `yaml:"configDir"`
	DataDir      string `yaml:"dataDir"`
	AuthFile     string `yaml:"authFile"`
	HostAuthFile string `yaml:"hostAuthFile"`

	ProactiveRefreshEnabled *bool  `yaml:"proactiveRefreshEnabled"`
	ProactiveIntervalMs     *int64 `yaml:"proactiveIntervalMs"`
	RefreshBufferMs         *int64 `yaml:"refreshBufferMs"`
	QuietMode               *bool  `yaml:"quietMode"`
	RotationStrategy        string `yaml:"rotationStrategy"`
	PidOffsetEnabled        *bool  `yaml:"pidOffsetEnabled"`

	LeaseMs           *int64 `yaml:"leaseMs"`
	FailureCooldownMs *int64 `yaml:"failureCooldownMs"`
	StaleLockAfterMs  *int64 `yaml:"staleLockAfterMs"`

	HTTPTimeoutMs *int64 `yaml:"httpTimeoutMs"`
	MaxAttempts   *int   `yaml:"maxAttempts"`

	LogDir       string `yaml:"logDir"`
	LogToFile    *bool  `yaml:"logToFile"`
	LogMaxSizeMB *int   `yaml:"logMaxSizeMB"`

	ListenAddr        string `yaml:"listenAddr"`
	NativeUpstreamURL string `yaml:"nativeUpstreamUrl"`
	CodexUpstreamURL  string `yaml:"codexUpstreamUrl"`
	ProxyURL          string `yaml:"proxyUrl"`

	LegacySingleRecordPath string `yaml:"legacySingleRecordPath"`
	LegacyV4Path           string `yaml:"legacyV4Path"`
}

func defaults() Config {
	return Config{
		ProactiveRefreshEnabled: true,
		ProactiveInterval:       60 * time.Second,
		RefreshBufferMs:         60_000,
		LeaseMs:                 120_000,
		FailureCooldownMs:       30_000,
		StaleLockAfter:          5 * time.Minute,
		HTTPTimeout:             60 * time.Second,
		MaxAttempts:             3,
		LogMaxSizeMB:            10,
		ListenAddr:              ":8085",
	}
}

// Load reads yamlPath (if non-empty; a missing file is not an error), then
// overlays a .env file found via godotenv's default search, then overlays
// real process environment variables, and finally validates the result.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()
	fs := fileShape{}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &fs); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		case os.IsNotExist(err):
			// missing config file is fine -- defaults plus env apply
		default:
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	// Best-effort: a missing .env is normal in production deployments.
	_ = godotenv.Load()

	applyFile(&cfg, fs)
	applyEnv(&cfg)

	paths, err := authpath.Resolve(authpath.Options{
		ConfigDir:    fs.ConfigDir,
		DataDir:      fs.DataDir,
		AuthFile:     fs.AuthFile,
		HostAuthFile: fs.HostAuthFile,
	})
	if err != nil {
		return nil, fmt.Errorf("config: resolve paths: %w", err)
	}
	cfg.Paths = paths
	if cfg.LogDir == "" {
		cfg.LogDir = paths.DataDir + "/logs"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, fs fileShape) {
	if fs.ProactiveRefreshEnabled != nil {
		cfg.ProactiveRefreshEnabled = *fs.ProactiveRefreshEnabled
	}
	if fs.ProactiveIntervalMs != nil {
		cfg.ProactiveInterval = time.Duration(*fs.ProactiveIntervalMs) * time.Millisecond
	}
	if fs.RefreshBufferMs != nil {
		cfg.RefreshBufferMs = *fs.RefreshBufferMs
	}
	if fs.QuietMode != nil {
		cfg.QuietMode = *fs.QuietMode
	}
	if fs.RotationStrategy != "" {
		cfg.RotationStrategy = cliproxyauth.Policy(fs.RotationStrategy)
	}
	if fs.PidOffsetEnabled != nil {
		cfg.PidOffsetEnabled = *fs.PidOffsetEnabled
	}
	if fs.LeaseMs != nil {
		cfg.LeaseMs = *fs.LeaseMs
	}
	if fs.FailureCooldownMs != nil {
		cfg.FailureCooldownMs = *fs.FailureCooldownMs
	}
	if fs.StaleLockAfterMs != nil {
		cfg.StaleLockAfter = time.Duration(*fs.StaleLockAfterMs) * time.Millisecond
	}
	if fs.HTTPTimeoutMs != nil {
		cfg.HTTPTimeout = time.Duration(*fs.HTTPTimeoutMs) * time.Millisecond
	}
	if fs.MaxAttempts != nil {
		cfg.MaxAttempts = *fs.MaxAttempts
	}
	if fs.LogDir != "" {
		cfg.LogDir = fs.LogDir
	}
	if fs.LogToFile != nil {
		cfg.LogToFile = *fs.LogToFile
	}
	if fs.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *fs.LogMaxSizeMB
	}
	if fs.ListenAddr != "" {
		cfg.ListenAddr = fs.ListenAddr
	}
	if fs.NativeUpstreamURL != "" {
		cfg.NativeUpstreamURL = fs.NativeUpstreamURL
	}
	if fs.CodexUpstreamURL != "" {
		cfg.CodexUpstreamURL = fs.CodexUpstreamURL
	}
	if fs.ProxyURL != "" {
		cfg.ProxyURL = fs.ProxyURL
	}
	if fs.LegacySingleRecordPath != "" {
		cfg.LegacySingleRecordPath = fs.LegacySingleRecordPath
	}
	if fs.LegacyV4Path != "" {
		cfg.LegacyV4Path = fs.LegacyV4Path
	}
}

// applyEnv overlays the handful of environment variables spec.md §6.6
// enumerates. XDG_CONFIG_HOME/XDG_DATA_HOME/HOME are intentionally not
// handled here -- authpath.Resolve reads those directly.
func applyEnv(cfg *Config) {
	if v, ok := boolEnv(envProactiveRefresh); ok {
		cfg.ProactiveRefreshEnabled = v
	}
	if v, ok := intEnv(envRefreshBufferMs); ok {
		cfg.RefreshBufferMs = v
	}
	if v, ok := boolEnv(envQuiet); ok {
		cfg.QuietMode = v
	}
	if v := strings.TrimSpace(os.Getenv(envRotationStrategy)); v != "" {
		cfg.RotationStrategy = cliproxyauth.Policy(v)
	}
	if v, ok := boolEnv(envPidOffset); ok {
		cfg.PidOffsetEnabled = v
	}
}

func boolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func intEnv(name string) (int64, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var validStrategies = map[cliproxyauth.Policy]bool{
	"":                            true,
	cliproxyauth.PolicySticky:     true,
	cliproxyauth.PolicyHybrid:     true,
	cliproxyauth.PolicyRoundRobin: true,
}

// validate rejects negative durations and an unrecognized rotation
// strategy override; non-absolute XDG paths are already rejected inside
// authpath.Resolve.
func (c *Config) validate() error {
	if c.RefreshBufferMs < 0 {
		return fmt.Errorf("config: refreshBufferMs must not be negative, got %d", c.RefreshBufferMs)
	}
	if c.LeaseMs < 0 {
		return fmt.Errorf("config: leaseMs must not be negative, got %d", c.LeaseMs)
	}
	if c.FailureCooldownMs < 0 {
		return fmt.Errorf("config: failureCooldownMs must not be negative, got %d", c.FailureCooldownMs)
	}
	if c.StaleLockAfter < 0 {
		return fmt.Errorf("config: staleLockAfter must not be negative, got %v", c.StaleLockAfter)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("config: httpTimeout must not be negative, got %v", c.HTTPTimeout)
	}
	if c.ProactiveInterval < 0 {
		return fmt.Errorf("config: proactiveInterval must not be negative, got %v", c.ProactiveInterval)
	}
	if !validStrategies[c.RotationStrategy] {
		return fmt.Errorf("config: unrecognized rotationStrategy %q", c.RotationStrategy)
	}
	return nil
}
