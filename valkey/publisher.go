// Package valkey publishes acquired samples and controller health to a
// Valkey/Redis server.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"epiclink/config"
	"epiclink/logging"
	"epiclink/store"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// SampleMessage is the JSON body stored per tag key.
type SampleMessage struct {
	Namespace  string    `json:"namespace"`
	Controller string    `json:"controller"`
	Tag        string    `json:"tag"`
	Value      float64   `json:"value"`
	Quality    string    `json:"quality"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthMessage is the JSON body stored per controller health key.
type HealthMessage struct {
	Namespace  string    `json:"namespace"`
	Controller string    `json:"controller"`
	Online     bool      `json:"online"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher mirrors the latest sample per tag into Valkey and announces
// changes on a pub/sub channel.
type Publisher struct {
	cfg       *config.ValkeyConfig
	namespace string

	mu      sync.RWMutex
	client  *redis.Client
	running bool
}

// NewPublisher creates a publisher for one Valkey target.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	if namespace == "" {
		namespace = "epiclink"
	}
	return &Publisher{cfg: cfg, namespace: namespace}
}

// Start connects to the server and verifies it with a ping.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.cfg.Address,
		Password:     p.cfg.Password,
		DB:           p.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError("valkey", p.cfg.Address, err)
		return fmt.Errorf("valkey: connect %s: %w", p.cfg.Address, err)
	}
	logging.DebugConnect("valkey", p.cfg.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the server. Idempotent.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	logging.DebugDisconnect("valkey", p.cfg.Address, "publisher stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name returns the configured publisher name.
func (p *Publisher) Name() string {
	return p.cfg.Name
}

// Address returns the server address with scheme.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.cfg.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.cfg.Address)
}

// PublishSample stores a sample under namespace:controller:samples:tag and
// announces it on the changes channel. Not running is a silent no-op.
func (p *Publisher) PublishSample(controller string, s store.Sample) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	p.mu.RUnlock()

	tag := s.Tag
	if i := strings.IndexByte(tag, '/'); i >= 0 {
		tag = tag[i+1:]
	}

	msg := SampleMessage{
		Namespace:  p.namespace,
		Controller: controller,
		Tag:        tag,
		Value:      s.Value,
		Quality:    s.Quality.String(),
		Timestamp:  s.Timestamp.UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("valkey: marshal sample: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(p.namespace, controller, "samples", tag)
	if err := client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("valkey: set %s: %w", key, err)
	}

	channel := joinKey(p.namespace, controller, "changes")
	client.Publish(ctx, channel, data)
	return nil
}

// PublishHealth stores controller liveness under namespace:controller:health.
func (p *Publisher) PublishHealth(controller string, online bool, state, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	p.mu.RUnlock()

	msg := HealthMessage{
		Namespace:  p.namespace,
		Controller: controller,
		Online:     online,
		State:      state,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("valkey: marshal health: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(p.namespace, controller, "health")
	if err := client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("valkey: set %s: %w", key, err)
	}
	client.Publish(ctx, key, data)
	return nil
}
