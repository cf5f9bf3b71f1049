package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. BLOBNFS_PATHS_DIR=/tmp/blobnfs.
const EnvPrefix = "BLOBNFS"

// DefaultDir is the application directory holding the log and mountmap files.
const DefaultDir = "/opt/microsoft/blobnfs"

// Config represents the top-level configuration structure.
type Config struct {
	Global    GlobalConfig    `yaml:"global"    mapstructure:"global"`
	Paths     PathsConfig     `yaml:"paths"     mapstructure:"paths"`
	Log       LogConfig       `yaml:"log"       mapstructure:"log"`
	DNS       DNSConfig       `yaml:"dns"       mapstructure:"dns"`
	NAT       NATConfig       `yaml:"nat"       mapstructure:"nat"`
	Mountmap  MountmapConfig  `yaml:"mountmap"  mapstructure:"mountmap"`
	Redirect  RedirectConfig  `yaml:"redirect"  mapstructure:"redirect"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`
}

// PathsConfig defines the on-disk layout.
type PathsConfig struct {
	Dir          string `yaml:"dir"           mapstructure:"dir"`
	LogFile      string `yaml:"log_file"      mapstructure:"log_file"`
	MountmapFile string `yaml:"mountmap_file" mapstructure:"mountmap_file"`
}

// GetLogFile returns the log file path.
// Defaults to blobnfs.log inside Dir.
func (p PathsConfig) GetLogFile() string {
	if p.LogFile == "" {
		return filepath.Join(p.Dir, "blobnfs.log")
	}
	return p.LogFile
}

// GetMountmapFile returns the mountmap file path.
// Defaults to mountmap inside Dir.
func (p PathsConfig) GetMountmapFile() string {
	if p.MountmapFile == "" {
		return filepath.Join(p.Dir, "mountmap")
	}
	return p.MountmapFile
}

// LogConfig controls optional log rotation. MaxSizeMB of 0 disables rotation.
type LogConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool `yaml:"compress"    mapstructure:"compress"`
}

// DNSConfig defines how FQDNs are resolved.
type DNSConfig struct {
	Servers    []string `yaml:"servers"     mapstructure:"servers"`
	ResolvConf string   `yaml:"resolv_conf" mapstructure:"resolv_conf"`
	Timeout    string   `yaml:"timeout"     mapstructure:"timeout"`
}

// GetTimeout parses and returns the per-query DNS timeout.
// Defaults to 5s if not set or invalid.
func (d DNSConfig) GetTimeout() time.Duration {
	return parseDurationOr(d.Timeout, 5*time.Second)
}

// NATConfig defines where DNAT rules live.
type NATConfig struct {
	Chain       string `yaml:"chain"        mapstructure:"chain"`
	WaitSeconds int    `yaml:"wait_seconds" mapstructure:"wait_seconds"`
}

// GetChain returns the nat table chain.
// Defaults to OUTPUT.
func (n NATConfig) GetChain() string {
	if n.Chain == "" {
		return "OUTPUT"
	}
	return n.Chain
}

// GetWaitSeconds returns how long iptables waits for the xtables lock.
// Defaults to 5.
func (n NATConfig) GetWaitSeconds() int {
	if n.WaitSeconds <= 0 {
		return 5
	}
	return n.WaitSeconds
}

// MountmapConfig controls the mountmap store protections.
type MountmapConfig struct {
	Immutable   *bool  `yaml:"immutable"    mapstructure:"immutable"`
	LockTimeout string `yaml:"lock_timeout" mapstructure:"lock_timeout"`
}

// IsImmutable returns whether the immutable attribute guards the mountmap.
// Defaults to true if not explicitly set.
func (m MountmapConfig) IsImmutable() bool {
	if m.Immutable == nil {
		return true
	}
	return *m.Immutable
}

// GetLockTimeout parses and returns the exclusive lock timeout.
// Defaults to 10s if not set or invalid.
func (m MountmapConfig) GetLockTimeout() time.Duration {
	return parseDurationOr(m.LockTimeout, 10*time.Second)
}

// RedirectConfig constrains attach requests.
type RedirectConfig struct {
	RequirePrivateTarget *bool  `yaml:"require_private_target" mapstructure:"require_private_target"`
	CheckTargetPort      int    `yaml:"check_target_port"      mapstructure:"check_target_port"`
	CheckTimeout         string `yaml:"check_timeout"          mapstructure:"check_timeout"`
}

// IsPrivateTargetRequired defaults to true if not explicitly set.
func (r RedirectConfig) IsPrivateTargetRequired() bool {
	if r.RequirePrivateTarget == nil {
		return true
	}
	return *r.RequirePrivateTarget
}

// GetCheckTimeout parses and returns the target probe timeout.
// Defaults to 3s if not set or invalid.
func (r RedirectConfig) GetCheckTimeout() time.Duration {
	return parseDurationOr(r.CheckTimeout, 3*time.Second)
}

// ReconcileConfig controls the watch-mode reconcile loop.
type ReconcileConfig struct {
	Interval string `yaml:"interval" mapstructure:"interval"`
}

// GetInterval parses and returns the periodic reconcile interval.
// Defaults to 60s if not set or invalid.
func (r ReconcileConfig) GetInterval() time.Duration {
	return parseDurationOr(r.Interval, 60*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}

// validChains is the set of nat chains a locally originated DNAT may live in.
var validChains = map[string]bool{
	"OUTPUT":     true,
	"PREROUTING": true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	fileExists bool
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
// A missing config file is not an error: defaults and environment overrides apply.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)
	viperInstance.SetConfigType("yaml")

	setDefaults(viperInstance)

	viperInstance.SetEnvPrefix(EnvPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperInstance.AutomaticEnv()
	// The verbosity toggle keeps its short historical name.
	_ = viperInstance.BindEnv("global.verbose", EnvPrefix+"_VERBOSE")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.verbose", false)
	v.SetDefault("paths.dir", DefaultDir)
	v.SetDefault("paths.log_file", "")
	v.SetDefault("paths.mountmap_file", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.compress", false)
	v.SetDefault("dns.servers", []string{})
	v.SetDefault("dns.resolv_conf", "/etc/resolv.conf")
	v.SetDefault("dns.timeout", "5s")
	v.SetDefault("nat.chain", "OUTPUT")
	v.SetDefault("nat.wait_seconds", 5)
	v.SetDefault("mountmap.immutable", true)
	v.SetDefault("mountmap.lock_timeout", "10s")
	v.SetDefault("redirect.require_private_target", true)
	v.SetDefault("redirect.check_target_port", 0)
	v.SetDefault("redirect.check_timeout", "3s")
	v.SetDefault("reconcile.interval", "60s")
}

// Load reads the config file (if present), unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	_, statErr := os.Stat(m.configPath)
	switch {
	case statErr == nil:
		m.fileExists = true
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case errors.Is(statErr, os.ErrNotExist):
		m.fileExists = false
		m.log().Debug("config file not found, using defaults", zap.String("path", m.configPath))
	default:
		return nil, fmt.Errorf("failed to stat config file: %w", statErr)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if cfg.Paths.Dir == "" {
		return fmt.Errorf("paths.dir is required")
	}
	if !filepath.IsAbs(cfg.Paths.Dir) {
		return fmt.Errorf("paths.dir %q must be absolute", cfg.Paths.Dir)
	}

	if cfg.Log.MaxSizeMB < 0 {
		return fmt.Errorf("log.max_size_mb must not be negative")
	}
	if cfg.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must not be negative")
	}

	for i, server := range cfg.DNS.Servers {
		host := server
		if h, _, err := net.SplitHostPort(server); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("dns.servers[%d]: invalid server address %q", i, server)
		}
	}
	if len(cfg.DNS.Servers) == 0 && cfg.DNS.ResolvConf == "" {
		return fmt.Errorf("either dns.servers or dns.resolv_conf must be set")
	}

	durations := map[string]string{
		"dns.timeout":            cfg.DNS.Timeout,
		"mountmap.lock_timeout":  cfg.Mountmap.LockTimeout,
		"reconcile.interval":     cfg.Reconcile.Interval,
		"redirect.check_timeout": cfg.Redirect.CheckTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive, got %q", key, value)
		}
	}

	if cfg.Redirect.CheckTargetPort < 0 || cfg.Redirect.CheckTargetPort > 65535 {
		return fmt.Errorf("redirect.check_target_port %d out of range", cfg.Redirect.CheckTargetPort)
	}

	if !validChains[cfg.NAT.GetChain()] {
		return fmt.Errorf("unsupported nat.chain %q (supported: OUTPUT, PREROUTING)", cfg.NAT.Chain)
	}
	if cfg.NAT.WaitSeconds < 0 {
		return fmt.Errorf("nat.wait_seconds must not be negative")
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
// It does nothing when the manager was started without a config file.
func (m *Manager) WatchConfig() {
	if !m.fileExists {
		m.log().Debug("no config file to watch", zap.String("path", m.configPath))
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.log().Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.log().Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.log().Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// SetLogger replaces the logger used for load and reload records. The CLI
// builds its file logger from the loaded config, so the manager starts with a
// placeholder and is handed the real logger afterwards.
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

func (m *Manager) log() *zap.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
