// Package kafka streams acquired sample batches to a Kafka cluster.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"epiclink/config"
	"epiclink/logging"
	"epiclink/store"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// SampleRecord is the JSON value produced per sample.
type SampleRecord struct {
	Namespace  string    `json:"namespace"`
	Controller string    `json:"controller"`
	Tag        string    `json:"tag"`
	Value      float64   `json:"value"`
	Quality    string    `json:"quality"`
	Timestamp  time.Time `json:"timestamp"`
}

// DiscoveryRecord is the JSON value produced per controller lifecycle event.
type DiscoveryRecord struct {
	Namespace string    `json:"namespace"`
	Event     string    `json:"event"`
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty"`
	IP        string    `json:"ip,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Producer sends sample batches to per-namespace topics. Writers are created
// lazily per topic and reused.
type Producer struct {
	cfg       *config.KafkaConfig
	namespace string

	mu      sync.RWMutex
	writers map[string]*kafka.Writer
	status  ConnectionStatus
	lastErr error

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for one cluster.
func NewProducer(cfg *config.KafkaConfig, namespace string) *Producer {
	if namespace == "" {
		namespace = "epiclink"
	}
	return &Producer{
		cfg:       cfg,
		namespace: namespace,
		writers:   make(map[string]*kafka.Writer),
		status:    StatusDisconnected,
	}
}

// Name returns the configured cluster name.
func (p *Producer) Name() string {
	return p.cfg.Name
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// LastError returns the most recent produce or connect error.
func (p *Producer) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stats returns producer counters.
func (p *Producer) Stats() (sent, errored int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Topic returns the topic sample batches for the namespace land on.
func (p *Producer) Topic() string {
	return strings.ReplaceAll(p.namespace, "/", ".") + ".samples"
}

// DiscoveryTopic returns the topic controller lifecycle events land on.
func (p *Producer) DiscoveryTopic() string {
	return strings.ReplaceAll(p.namespace, "/", ".") + ".discovery"
}

// Connect verifies connectivity against the first broker.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	brokers := p.cfg.Brokers
	p.mu.Unlock()

	if len(brokers) == 0 {
		err := fmt.Errorf("kafka: cluster %s has no brokers", p.cfg.Name)
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	dialer := p.createDialer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugConnectError("kafka", brokers[0], err)
		return fmt.Errorf("kafka: connect %s: %w", brokers[0], err)
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnect("kafka", strings.Join(brokers, ","))
	return nil
}

// Disconnect closes all topic writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", p.cfg.Name, "producer disconnected")
}

// ProduceSamples sends one controller's sample batch. The controller name
// keys the messages so one controller's samples stay ordered per partition.
func (p *Producer) ProduceSamples(ctx context.Context, controller string, samples []store.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(samples))
	for _, s := range samples {
		tag := s.Tag
		if i := strings.IndexByte(tag, '/'); i >= 0 {
			tag = tag[i+1:]
		}
		value, err := json.Marshal(SampleRecord{
			Namespace:  p.namespace,
			Controller: controller,
			Tag:        tag,
			Value:      s.Value,
			Quality:    s.Quality.String(),
			Timestamp:  s.Timestamp.UTC(),
		})
		if err != nil {
			return fmt.Errorf("kafka: marshal sample: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(controller),
			Value: value,
			Time:  s.Timestamp,
		})
	}

	return p.produceBatch(ctx, p.Topic(), msgs)
}

// ProduceDiscoveryEvent sends one controller lifecycle event, keyed by the
// controller key so each controller's history stays ordered.
func (p *Producer) ProduceDiscoveryEvent(ctx context.Context, rec DiscoveryRecord) error {
	rec.Namespace = p.namespace
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka: marshal discovery event: %w", err)
	}

	return p.produceBatch(ctx, p.DiscoveryTopic(), []kafka.Message{{
		Key:   []byte(rec.Key),
		Value: value,
		Time:  rec.Timestamp,
	}})
}

func (p *Producer) produceBatch(ctx context.Context, topic string, msgs []kafka.Message) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(msgs))
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("kafka", "%s: batch of %d to %s failed: %v", p.cfg.Name, len(msgs), topic, err)
		return fmt.Errorf("kafka: produce to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(msgs))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// getWriter returns or creates the writer for a topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka: cluster %s not connected", p.cfg.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	maxAttempts := p.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.cfg.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.LeastBytes{},
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAcks),
		Async:        false,
		MaxAttempts:  maxAttempts,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer
	logging.DebugLog("kafka", "%s: created writer for topic %s", p.cfg.Name, topic)
	return writer, nil
}

func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if p.cfg.UseTLS {
		dialer.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
	}
	if p.cfg.UseTLS {
		transport.TLS = p.tlsConfig()
	}
	if mechanism := p.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

func (p *Producer) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.cfg.TLSSkipVerify,
	}
}

func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.cfg.Username == "" {
		return nil
	}

	switch p.cfg.SASLMechanism {
	case config.SASLPlain:
		return plain.Mechanism{
			Username: p.cfg.Username,
			Password: p.cfg.Password,
		}
	case config.SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, p.cfg.Username, p.cfg.Password)
		return mechanism
	case config.SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, p.cfg.Username, p.cfg.Password)
		return mechanism
	default:
		return nil
	}
}

// TestConnection verifies connectivity against every broker until one
// answers with a controller.
func (p *Producer) TestConnection() error {
	dialer := p.createDialer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, broker := range p.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka: failed to connect to any broker of %s", p.cfg.Name)
}
