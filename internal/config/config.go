// Package config loads the tenant runtime's YAML configuration, with
// ${VAR} environment substitution and fsnotify-driven hot reload. The
// schema covers the backend cluster, the pool budget, and the ambient
// subsystems (readiness file, JWT list files, ops server) a single
// tenant core needs.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the tenant runtime.
type Config struct {
	Cluster   ClusterConfig `yaml:"cluster"`
	Pool      PoolConfig    `yaml:"pool"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Auth      AuthConfig    `yaml:"auth"`
	OpsServer OpsServerConfig `yaml:"ops_server"`
}

// ClusterConfig identifies the backend Postgres-flavored cluster this
// tenant core serves, and the system-database credentials it uses for its
// singleton privileged connection.
type ClusterConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	SystemDBName   string `yaml:"system_dbname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	SysEventChannel string `yaml:"sysevent_channel"`
	InstanceName   string `yaml:"instance_name"`
}

// PoolConfig bounds the connection pool's behavior.
type PoolConfig struct {
	MaxBackendConnections int           `yaml:"max_backend_connections"`
	SuggestedClientPoolMin int          `yaml:"suggested_client_pool_min"`
	SuggestedClientPoolMax int          `yaml:"suggested_client_pool_max"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxLifetime            time.Duration `yaml:"max_lifetime"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout"`
}

// ReadinessConfig points at the readiness-state file the tenant watches.
type ReadinessConfig struct {
	StateFilePath string `yaml:"state_file_path"`
}

// AuthConfig points at the JWT subject allowlist and revocation list
// files backing AuthState, plus the default auth method used when no
// sys_auth rule matches.
type AuthConfig struct {
	JWTSubAllowlistPath   string `yaml:"jwt_sub_allowlist_path"`
	JWTRevocationListPath string `yaml:"jwt_revocation_list_path"`
	DefaultMethod         string `yaml:"default_method"`
}

// OpsServerConfig controls the health/ready/debug/metrics HTTP surface.
type OpsServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Redacted returns a copy of the Config with secrets masked, suitable for
// logging.
func (c Config) Redacted() Config {
	r := c
	if r.Cluster.Password != "" {
		r.Cluster.Password = "***REDACTED***"
	}
	return r
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Cluster.Port == 0 {
		cfg.Cluster.Port = 5432
	}
	if cfg.Cluster.SystemDBName == "" {
		cfg.Cluster.SystemDBName = "postgres"
	}
	if cfg.Cluster.SysEventChannel == "" {
		cfg.Cluster.SysEventChannel = "tenant_sysevent"
	}
	if cfg.Pool.MaxBackendConnections == 0 {
		cfg.Pool.MaxBackendConnections = 20
	}
	if cfg.Pool.SuggestedClientPoolMin == 0 {
		cfg.Pool.SuggestedClientPoolMin = 10
	}
	if cfg.Pool.SuggestedClientPoolMax == 0 {
		cfg.Pool.SuggestedClientPoolMax = 100
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.MaxLifetime == 0 {
		cfg.Pool.MaxLifetime = 30 * time.Minute
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 10 * time.Second
	}
	if cfg.Auth.DefaultMethod == "" {
		cfg.Auth.DefaultMethod = "scram"
	}
	if cfg.OpsServer.Port == 0 {
		cfg.OpsServer.Port = 8080
	}
	if cfg.OpsServer.Bind == "" {
		cfg.OpsServer.Bind = "127.0.0.1"
	}
}

func validate(cfg *Config) error {
	if cfg.Cluster.Host == "" {
		return fmt.Errorf("cluster: host is required")
	}
	if cfg.Cluster.Username == "" {
		return fmt.Errorf("cluster: username is required")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
