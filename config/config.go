// Package config handles configuration persistence for the epiclink gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace   string             `yaml:"namespace"` // Instance namespace for topic/key isolation
	Discovery   DiscoveryConfig    `yaml:"discovery"`
	Connection  ConnectionConfig   `yaml:"connection"`
	PollRate    time.Duration      `yaml:"poll_rate"`
	BufferSize  int                `yaml:"buffer_size"` // Ring buffer capacity
	Controllers []ControllerConfig `yaml:"controllers,omitempty"`
	MQTT        []MQTTConfig       `yaml:"mqtt,omitempty"`
	Valkey      []ValkeyConfig     `yaml:"valkey,omitempty"`
	Kafka       []KafkaConfig      `yaml:"kafka,omitempty"`
	Web         WebConfig          `yaml:"web"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`

	// Change listeners (not serialized)
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// DiscoveryConfig holds UDP discovery settings.
type DiscoveryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port"`               // UDP discovery port
	BroadcastInterval time.Duration `yaml:"broadcast_interval"` // Scan request cadence
	SweepInterval     time.Duration `yaml:"sweep_interval"`     // Registry timeout sweep cadence
	StaleAfter        time.Duration `yaml:"stale_after"`        // Silence before a record is marked Timeout
	AutoConnect       bool          `yaml:"auto_connect"`       // Hand discovered controllers to the monitor
}

// ConnectionConfig holds per-target connection lifecycle tuning.
type ConnectionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ActivityTimeout      time.Duration `yaml:"activity_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 or negative = unlimited
	FaultThreshold       int           `yaml:"fault_threshold"`        // Consecutive errors before Fault
}

// ControllerConfig describes one monitored controller target.
type ControllerConfig struct {
	Name    string       `yaml:"name"`
	Address string       `yaml:"address"`
	Port    int          `yaml:"port,omitempty"` // 0 = strategy default for the type
	Type    string       `yaml:"type,omitempty"` // Device type string, e.g. "EPIC4"
	Enabled bool         `yaml:"enabled"`
	Tags    []TagBinding `yaml:"tags,omitempty"`
}

// TagBinding maps a symbolic tag name to a remote register address.
type TagBinding struct {
	Name    string `yaml:"name"`
	Address uint16 `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// WebConfig holds REST API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"` // host:port
	Password string `yaml:"password,omitempty"`
	Database int    `yaml:"database,omitempty"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	History  bool   `yaml:"history,omitempty"` // Also back the durable history store
}

// SASLMechanism represents the Kafka SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// KafkaConfig holds configuration for a Kafka cluster connection.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism SASLMechanism `yaml:"sasl_mechanism,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`

	// Producer settings
	RequiredAcks int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader only
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`
}

// Discovery protocol constants shared by the discovery package and defaults.
const (
	DefaultDiscoveryPort    = 3250
	DefaultBroadcastEvery   = time.Second
	DefaultSweepEvery       = 10 * time.Second
	DefaultStaleAfter       = 30 * time.Second
	DefaultPollRate         = time.Second
	DefaultBufferSize       = 1000
	DefaultConnectTimeout   = 5 * time.Second
	DefaultActivityTimeout  = 30 * time.Second
	DefaultReconnectDelay   = time.Second
	DefaultMaxReconnects    = 5
	DefaultFaultThreshold   = 3
)

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "epiclink",
		Discovery: DiscoveryConfig{
			Enabled:           true,
			Port:              DefaultDiscoveryPort,
			BroadcastInterval: DefaultBroadcastEvery,
			SweepInterval:     DefaultSweepEvery,
			StaleAfter:        DefaultStaleAfter,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:       DefaultConnectTimeout,
			ActivityTimeout:      DefaultActivityTimeout,
			ReconnectDelay:       DefaultReconnectDelay,
			MaxReconnectAttempts: DefaultMaxReconnects,
			FaultThreshold:       DefaultFaultThreshold,
		},
		PollRate:   DefaultPollRate,
		BufferSize: DefaultBufferSize,
		Web: WebConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8710,
		},
	}
}

// applyDefaults fills zero-valued tuning fields after unmarshal so a sparse
// config file still yields a runnable configuration.
func (c *Config) applyDefaults() {
	if c.Discovery.Port == 0 {
		c.Discovery.Port = DefaultDiscoveryPort
	}
	if c.Discovery.BroadcastInterval <= 0 {
		c.Discovery.BroadcastInterval = DefaultBroadcastEvery
	}
	if c.Discovery.SweepInterval <= 0 {
		c.Discovery.SweepInterval = DefaultSweepEvery
	}
	if c.Discovery.StaleAfter <= 0 {
		c.Discovery.StaleAfter = DefaultStaleAfter
	}
	if c.Connection.ConnectTimeout <= 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.ActivityTimeout <= 0 {
		c.Connection.ActivityTimeout = DefaultActivityTimeout
	}
	if c.Connection.ReconnectDelay <= 0 {
		c.Connection.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Connection.FaultThreshold == 0 {
		c.Connection.FaultThreshold = DefaultFaultThreshold
	}
	if c.PollRate <= 0 {
		c.PollRate = DefaultPollRate
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Namespace == "" {
		c.Namespace = "epiclink"
	}
}

// DefaultPath returns the default configuration file path (~/.epiclink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".epiclink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

// notifyChangeListeners calls all registered change listeners.
func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	// Call listeners outside the lock to avoid deadlocks
	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
// Prefer UnlockAndSave when modifications were made.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
// Use this when the caller does not already hold the lock.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindController returns the controller config with the given name, or nil.
func (c *Config) FindController(name string) *ControllerConfig {
	for i := range c.Controllers {
		if c.Controllers[i].Name == name {
			return &c.Controllers[i]
		}
	}
	return nil
}

// TagTable returns the enabled tag bindings of a controller as a name→address map.
func (cc *ControllerConfig) TagTable() map[string]uint16 {
	table := make(map[string]uint16, len(cc.Tags))
	for _, t := range cc.Tags {
		if t.Enabled {
			table[t.Name] = t.Address
		}
	}
	return table
}
