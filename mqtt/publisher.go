// Package mqtt publishes acquired samples and controller health to an MQTT
// broker.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"epiclink/config"
	"epiclink/logging"
	"epiclink/store"
)

const publishTimeout = 2 * time.Second

// SamplePayload is the JSON body published per tag topic.
type SamplePayload struct {
	Controller string    `json:"controller"`
	Tag        string    `json:"tag"`
	Value      float64   `json:"value"`
	Quality    string    `json:"quality"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthPayload is the JSON body published per controller health topic.
type HealthPayload struct {
	Controller string    `json:"controller"`
	Online     bool      `json:"online"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DiscoveryPayload is the JSON body published per controller lifecycle event.
type DiscoveryPayload struct {
	Event     string    `json:"event"`
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty"`
	IP        string    `json:"ip,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher pushes samples to namespace/controller/tag topics.
type Publisher struct {
	cfg       *config.MQTTConfig
	namespace string

	mu      sync.RWMutex
	client  paho.Client
	running bool
}

// NewPublisher creates a publisher for one broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	if namespace == "" {
		namespace = "epiclink"
	}
	return &Publisher{cfg: cfg, namespace: namespace}
}

// Start connects to the broker. Idempotent.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	scheme := "tcp"
	if p.cfg.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Broker, p.cfg.Port)

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("epiclink-%s", p.cfg.Name)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(6*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("connect timed out")
		}
		logging.DebugConnectError("mqtt", broker, err)
		return fmt.Errorf("mqtt: connect %s: %w", broker, err)
	}
	logging.DebugConnect("mqtt", broker)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Disconnect(0)
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the broker. Idempotent.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	logging.DebugDisconnect("mqtt", p.cfg.Broker, "publisher stopped")
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

// SampleTopic returns the topic a sample for controller/tag publishes to.
func (p *Publisher) SampleTopic(controller, tag string) string {
	return strings.Join([]string{p.namespace, controller, tag}, "/")
}

// PublishSample publishes one sample. Not running is a silent no-op.
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

	payload, err := json.Marshal(SamplePayload{
		Controller: controller,
		Tag:        tag,
		Value:      s.Value,
		Quality:    s.Quality.String(),
		Timestamp:  s.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal sample: %w", err)
	}

	topic := p.SampleTopic(controller, tag)
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// PublishDiscovery publishes a controller lifecycle event on
// namespace/discovery/key. Retained so the topic tree mirrors the registry.
func (p *Publisher) PublishDiscovery(payload DiscoveryPayload) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	p.mu.RUnlock()

	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqtt: marshal discovery event: %w", err)
	}

	topic := strings.Join([]string{p.namespace, "discovery", payload.Key}, "/")
	token := client.Publish(topic, 0, true, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	return token.Error()
}

// PublishHealth publishes controller liveness on namespace/controller/health.
// Health messages are retained so late subscribers see the current state.
func (p *Publisher) PublishHealth(controller string, online bool, state, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	p.mu.RUnlock()

	payload, err := json.Marshal(HealthPayload{
		Controller: controller,
		Online:     online,
		State:      state,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal health: %w", err)
	}

	topic := strings.Join([]string{p.namespace, controller, "health"}, "/")
	token := client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	return token.Error()
}
