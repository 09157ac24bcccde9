// Package acquire implements the polling data-acquisition service: it owns
// the transport to one controller, maps tag names to register addresses, and
// turns register values into data-ready notifications on a poll cadence.
package acquire

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"epiclink/logging"
	"epiclink/modbus"
)

var (
	// ErrNotConnected is returned for data operations without a live transport.
	ErrNotConnected = errors.New("acquire: not connected")
	// ErrUnknownTag is returned for tags absent from the address table.
	ErrUnknownTag = errors.New("acquire: unknown tag")
	// ErrRetriesExhausted is returned when a bounded connect gives up.
	ErrRetriesExhausted = errors.New("acquire: connect retries exhausted")
)

// Transport is the register-level protocol connection the service drives.
// *modbus.Client satisfies it.
type Transport interface {
	ReadInputRegister(addr uint16) (uint16, error)
	WriteSingleRegister(addr, value uint16) error
	Close() error
}

// Dialer opens a transport to a controller data port.
type Dialer func(address string, port int, timeout time.Duration) (Transport, error)

// ModbusDialer is the production dialer.
func ModbusDialer(address string, port int, timeout time.Duration) (Transport, error) {
	return modbus.Dial(address, port, timeout)
}

// Config tunes one acquisition service.
type Config struct {
	Address     string
	Port        int
	PollRate    time.Duration
	DialTimeout time.Duration
	// MaxRetries bounds the attempts made by Connect; the delay between
	// attempts is fixed at RetryDelay.
	MaxRetries int
	RetryDelay time.Duration
}

// Service polls registers from one controller. Data-ready and error
// notifications fire from the polling goroutine.
type Service struct {
	cfg  Config
	dial Dialer

	mu        sync.RWMutex
	transport Transport
	connected bool
	tags      map[string]uint16
	order     []string

	polling  bool
	stopPoll chan struct{}
	pollWG   sync.WaitGroup

	reconnecting  atomic.Bool
	autoReconnect atomic.Bool

	onDataReady func(tag string, value uint16, at time.Time)
	onReadError func(tag string, err error)
	onConnLost  func(err error)
}

// New creates a service. The tag table maps tag names to input register
// addresses.
func New(cfg Config, tags map[string]uint16, dial Dialer) *Service {
	if cfg.Port <= 0 {
		cfg.Port = modbus.DefaultPort
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if dial == nil {
		dial = ModbusDialer
	}

	s := &Service{
		cfg:  cfg,
		dial: dial,
		tags: make(map[string]uint16, len(tags)),
	}
	for name, addr := range tags {
		s.tags[name] = addr
		s.order = append(s.order, name)
	}
	s.autoReconnect.Store(true)
	return s
}

// SetAutoReconnect controls whether a lost connection triggers the service's
// own background reconnect. Disabled when an external supervisor drives the
// connection lifecycle. Defaults to on.
func (s *Service) SetAutoReconnect(enabled bool) {
	s.autoReconnect.Store(enabled)
}

// SetOnDataReady sets the per-tag sample callback.
func (s *Service) SetOnDataReady(fn func(tag string, value uint16, at time.Time)) {
	s.mu.Lock()
	s.onDataReady = fn
	s.mu.Unlock()
}

// SetOnReadError sets the per-tag read failure callback.
func (s *Service) SetOnReadError(fn func(tag string, err error)) {
	s.mu.Lock()
	s.onReadError = fn
	s.mu.Unlock()
}

// SetOnConnectionLost sets the callback fired when a transport error forces
// a reconnect.
func (s *Service) SetOnConnectionLost(fn func(err error)) {
	s.mu.Lock()
	s.onConnLost = fn
	s.mu.Unlock()
}

// Tags returns the configured tag names in registration order.
func (s *Service) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// SetTag adds or updates one tag binding.
func (s *Service) SetTag(name string, addr uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tags[name]; !exists {
		s.order = append(s.order, name)
	}
	s.tags[name] = addr
}

// RemoveTag drops a tag binding.
func (s *Service) RemoveTag(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tags[name]; !exists {
		return
	}
	delete(s.tags, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// IsConnected reports whether a transport is live.
func (s *Service) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Target returns the controller address and data port.
func (s *Service) Target() (string, int) {
	return s.cfg.Address, s.cfg.Port
}

// ConnectOnce makes a single connect attempt.
func (s *Service) ConnectOnce() error {
	t, err := s.dial(s.cfg.Address, s.cfg.Port, s.cfg.DialTimeout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.transport != nil {
		s.transport.Close()
	}
	s.transport = t
	s.connected = true
	s.mu.Unlock()

	logging.DebugConnect("acquire", fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port))
	return nil
}

// Connect attempts to establish the transport with bounded retry: up to
// MaxRetries attempts with a fixed RetryDelay between them.
func (s *Service) Connect() error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.ConnectOnce(); err == nil {
			return nil
		} else {
			lastErr = err
			logging.DebugLog("acquire", "%s: connect attempt %d/%d failed: %v",
				s.cfg.Address, attempt, s.cfg.MaxRetries, err)
		}
		if attempt < s.cfg.MaxRetries {
			time.Sleep(s.cfg.RetryDelay)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.cfg.MaxRetries, lastErr)
}

// Disconnect stops polling and closes the transport. Idempotent.
func (s *Service) Disconnect() {
	s.StopPolling()

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.connected = false
	s.mu.Unlock()

	if t != nil {
		t.Close()
		logging.DebugDisconnect("acquire", s.cfg.Address, "disconnect requested")
	}
}

// Read reads the current value of one tag. Transport-level failures mark the
// service disconnected and kick off an asynchronous reconnect.
func (s *Service) Read(tag string) (uint16, error) {
	s.mu.RLock()
	addr, known := s.tags[tag]
	t := s.transport
	connected := s.connected
	s.mu.RUnlock()

	if !known {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if !connected || t == nil {
		return 0, ErrNotConnected
	}

	value, err := t.ReadInputRegister(addr)
	if err != nil {
		if modbus.IsConnectionError(err) {
			s.handleConnectionLoss(err)
		}
		return 0, fmt.Errorf("acquire: read %s: %w", tag, err)
	}
	return value, nil
}

// WriteValue writes one tag's register without a prior read.
func (s *Service) WriteValue(tag string, value uint16) error {
	s.mu.RLock()
	addr, known := s.tags[tag]
	t := s.transport
	connected := s.connected
	s.mu.RUnlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if !connected || t == nil {
		return ErrNotConnected
	}

	if err := t.WriteSingleRegister(addr, value); err != nil {
		if modbus.IsConnectionError(err) {
			s.handleConnectionLoss(err)
		}
		return fmt.Errorf("acquire: write %s: %w", tag, err)
	}
	return nil
}

// handleConnectionLoss marks the transport dead and reconnects in the
// background. Only one reconnect runs at a time.
func (s *Service) handleConnectionLoss(cause error) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	t := s.transport
	s.transport = nil
	onLost := s.onConnLost
	s.mu.Unlock()

	if !wasConnected {
		return
	}
	if t != nil {
		t.Close()
	}

	logging.DebugError("acquire", s.cfg.Address, cause)
	if onLost != nil {
		onLost(cause)
	}

	if !s.autoReconnect.Load() {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.reconnecting.Store(false)
		if err := s.Connect(); err != nil {
			logging.DebugLog("acquire", "%s: background reconnect failed: %v", s.cfg.Address, err)
		}
	}()
}

// StartPolling launches the poll loop. Idempotent.
func (s *Service) StartPolling() {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = true
	s.stopPoll = make(chan struct{})
	stop := s.stopPoll
	s.mu.Unlock()

	s.pollWG.Add(1)
	go s.pollLoop(stop)
}

// StopPolling halts the poll loop. Idempotent.
func (s *Service) StopPolling() {
	s.mu.Lock()
	if !s.polling {
		s.mu.Unlock()
		return
	}
	s.polling = false
	close(s.stopPoll)
	s.mu.Unlock()

	s.pollWG.Wait()
}

// IsPolling reports whether the poll loop is running.
func (s *Service) IsPolling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling
}

func (s *Service) pollLoop(stop chan struct{}) {
	defer s.pollWG.Done()

	ticker := time.NewTicker(s.cfg.PollRate)
	defer ticker.Stop()

	s.pollOnce()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce reads every configured tag and reports values and errors.
func (s *Service) pollOnce() {
	s.mu.RLock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	onData := s.onDataReady
	onErr := s.onReadError
	s.mu.RUnlock()

	for _, tag := range names {
		value, err := s.Read(tag)
		if err != nil {
			if onErr != nil {
				onErr(tag, err)
			}
			if errors.Is(err, ErrNotConnected) || modbus.IsConnectionError(err) {
				// No point hammering the remaining tags on a dead transport.
				return
			}
			continue
		}
		if onData != nil {
			onData(tag, value, time.Now())
		}
	}
}
