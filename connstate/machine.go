// Package connstate implements the per-target connection lifecycle state
// machine: Disconnected → Connecting → Connected → Running, with Fault and
// Reconnecting handling for transport failures.
package connstate

import (
	"sync"
	"time"

	"epiclink/logging"
)

// State is the connection lifecycle state of one target.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Running
	Fault
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Running:
		return "Running"
	case Fault:
		return "Fault"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Config holds the timing and threshold parameters of a machine.
type Config struct {
	ConnectTimeout  time.Duration // Max time in Connecting before a failure is assumed
	ActivityTimeout time.Duration // Max silence while Connected/Running before a network error is assumed
	ReconnectDelay  time.Duration // Delay between reconnect attempts
	// MaxReconnectAttempts bounds consecutive reconnect attempts;
	// zero or negative means unlimited.
	MaxReconnectAttempts int
	// FaultThreshold is the number of consecutive errors before the machine
	// declares Fault instead of Reconnecting.
	FaultThreshold int
}

// DefaultConfig returns the standard lifecycle tuning.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		ActivityTimeout:      30 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		FaultThreshold:       3,
	}
}

// Callbacks are invoked from the machine's own goroutine; they must not
// block. Calling machine event methods from a callback is safe.
type Callbacks struct {
	OnStateChange        func(from, to State)
	OnConnecting         func(address string, port int)
	OnConnected          func()
	OnRunning            func()
	OnReconnecting       func(attempt int)
	OnReconnectionFailed func()
	OnFault              func(reason string)
	OnDisconnected       func()
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evConnectOK
	evConnectFail
	evData
	evNetError
)

type event struct {
	kind   eventKind
	reason string
	addr   string
	port   int
}

// timers holds the live timeout channels of the machine loop. A nil channel
// never fires in the select.
type timers struct {
	connect   <-chan time.Time
	activity  <-chan time.Time
	reconnect <-chan time.Time
}

// Machine drives the connection lifecycle of a single target. Events are
// serialized through one goroutine, so no two transitions ever run
// concurrently for the same target. Machines for different targets are fully
// independent.
type Machine struct {
	cfg Config
	cb  Callbacks

	mu                sync.RWMutex
	state             State
	address           string
	port              int
	consecutiveErrors int
	reconnectAttempts int
	lastError         string
	running           bool

	events chan event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a machine in the Disconnected state.
func New(cfg Config) *Machine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.FaultThreshold <= 0 {
		cfg.FaultThreshold = 3
	}
	return &Machine{
		cfg:    cfg,
		state:  Disconnected,
		events: make(chan event, 32),
	}
}

// SetCallbacks installs the observer callbacks. Must be called before Start.
func (m *Machine) SetCallbacks(cb Callbacks) {
	m.cb = cb
}

// Start launches the event loop. Idempotent.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the event loop without emitting transitions. Idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Target returns the configured target address and port.
func (m *Machine) Target() (string, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address, m.port
}

// LastError returns the most recent failure reason.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Counters returns the consecutive-error and reconnect-attempt counters.
func (m *Machine) Counters() (consecutiveErrors, reconnectAttempts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveErrors, m.reconnectAttempts
}

// Connect requests a connection to the target. From Disconnected or
// Reconnecting this enters Connecting; from Fault it clears the fault and
// returns to Disconnected, after which a second Connect starts the cycle.
func (m *Machine) Connect(address string, port int) {
	m.send(event{kind: evConnect, addr: address, port: port})
}

// Disconnect requests a transition to Disconnected from any state. All
// pending timers are cancelled; safe to call repeatedly.
func (m *Machine) Disconnect() {
	m.send(event{kind: evDisconnect})
}

// ConnectionSucceeded signals that the transport connect completed.
func (m *Machine) ConnectionSucceeded() {
	m.send(event{kind: evConnectOK})
}

// ConnectionFailed signals that the transport connect failed.
func (m *Machine) ConnectionFailed(reason string) {
	m.send(event{kind: evConnectFail, reason: reason})
}

// DataReceived signals successful data activity on the connection.
func (m *Machine) DataReceived() {
	m.send(event{kind: evData})
}

// NetworkError signals a transport failure on an established connection.
func (m *Machine) NetworkError(reason string) {
	m.send(event{kind: evNetError, reason: reason})
}

func (m *Machine) send(ev event) {
	m.mu.RLock()
	running := m.running
	stop := m.stop
	m.mu.RUnlock()

	if !running {
		return
	}

	select {
	case m.events <- ev:
	case <-stop:
	}
}

func (m *Machine) loop() {
	defer m.wg.Done()

	t := &timers{}

	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.events:
			m.handleEvent(ev, t)
		case <-t.connect:
			t.connect = nil
			logging.DebugLog("conn", "%s: connect timeout after %s", m.targetString(), m.cfg.ConnectTimeout)
			m.handleFailure("connect timeout", t)
		case <-t.activity:
			t.activity = nil
			logging.DebugLog("conn", "%s: activity timeout after %s", m.targetString(), m.cfg.ActivityTimeout)
			m.handleEstablishedFailure("activity timeout - connection may be stale", t)
		case <-t.reconnect:
			t.reconnect = nil
			m.enterConnecting(t)
		}
	}
}

func (m *Machine) handleEvent(ev event, t *timers) {
	switch ev.kind {
	case evConnect:
		if ev.addr != "" {
			m.mu.Lock()
			m.address = ev.addr
			m.port = ev.port
			m.mu.Unlock()
		}
		switch m.State() {
		case Disconnected, Reconnecting:
			m.enterConnecting(t)
		case Fault:
			// Explicit clear: back to Disconnected, caller re-initiates.
			m.mu.Lock()
			m.consecutiveErrors = 0
			m.lastError = ""
			m.mu.Unlock()
			m.enterDisconnected(t)
		}

	case evDisconnect:
		if m.State() != Disconnected {
			m.enterDisconnected(t)
		}

	case evConnectOK:
		if m.State() == Connecting {
			m.enterConnected(t)
		}

	case evConnectFail:
		if m.State() == Connecting {
			m.handleFailure(ev.reason, t)
		}

	case evData:
		switch m.State() {
		case Connected:
			t.activity = time.After(m.cfg.ActivityTimeout)
			m.enterRunning()
		case Running:
			t.activity = time.After(m.cfg.ActivityTimeout)
			m.mu.Lock()
			m.consecutiveErrors = 0
			m.mu.Unlock()
		}

	case evNetError:
		m.handleEstablishedFailure(ev.reason, t)
	}
}

// handleFailure processes a failure while Connecting.
func (m *Machine) handleFailure(reason string, t *timers) {
	if m.State() != Connecting {
		return
	}
	m.recordError(reason)
	if m.errorCount() >= m.cfg.FaultThreshold {
		m.enterFault(t)
	} else {
		m.enterReconnecting(t)
	}
}

// handleEstablishedFailure processes a failure while Connected or Running.
func (m *Machine) handleEstablishedFailure(reason string, t *timers) {
	s := m.State()
	if s != Connected && s != Running {
		return
	}
	m.recordError(reason)
	if m.errorCount() >= m.cfg.FaultThreshold {
		m.enterFault(t)
	} else {
		m.enterReconnecting(t)
	}
}

func (m *Machine) recordError(reason string) {
	m.mu.Lock()
	m.consecutiveErrors++
	m.lastError = reason
	count := m.consecutiveErrors
	m.mu.Unlock()
	logging.DebugLog("conn", "%s: error %d/%d: %s", m.targetString(), count, m.cfg.FaultThreshold, reason)
}

func (m *Machine) errorCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveErrors
}

func (m *Machine) enterConnecting(t *timers) {
	t.activity = nil
	t.reconnect = nil
	t.connect = time.After(m.cfg.ConnectTimeout)

	m.setState(Connecting)

	m.mu.RLock()
	addr, port := m.address, m.port
	m.mu.RUnlock()

	if m.cb.OnConnecting != nil {
		m.cb.OnConnecting(addr, port)
	}
}

func (m *Machine) enterConnected(t *timers) {
	t.connect = nil
	t.activity = time.After(m.cfg.ActivityTimeout)

	m.mu.Lock()
	m.consecutiveErrors = 0
	m.reconnectAttempts = 0
	m.mu.Unlock()

	m.setState(Connected)

	if m.cb.OnConnected != nil {
		m.cb.OnConnected()
	}
}

func (m *Machine) enterRunning() {
	m.setState(Running)
	if m.cb.OnRunning != nil {
		m.cb.OnRunning()
	}
}

func (m *Machine) enterFault(t *timers) {
	t.connect = nil
	t.activity = nil
	t.reconnect = nil

	m.setState(Fault)

	if m.cb.OnFault != nil {
		m.cb.OnFault(m.LastError())
	}
}

func (m *Machine) enterReconnecting(t *timers) {
	t.connect = nil
	t.activity = nil

	m.mu.Lock()
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.mu.Unlock()

	m.setState(Reconnecting)
	logging.DebugLog("conn", "%s: reconnecting (attempt %d of %d)",
		m.targetString(), attempt, m.cfg.MaxReconnectAttempts)

	if m.cb.OnReconnecting != nil {
		m.cb.OnReconnecting(attempt)
	}

	if m.cfg.MaxReconnectAttempts > 0 && attempt > m.cfg.MaxReconnectAttempts {
		logging.DebugLog("conn", "%s: reconnect attempts exhausted", m.targetString())
		if m.cb.OnReconnectionFailed != nil {
			m.cb.OnReconnectionFailed()
		}
		m.enterDisconnected(t)
		return
	}

	t.reconnect = time.After(m.cfg.ReconnectDelay)
}

func (m *Machine) enterDisconnected(t *timers) {
	t.connect = nil
	t.activity = nil
	t.reconnect = nil

	m.mu.Lock()
	m.reconnectAttempts = 0
	m.mu.Unlock()

	m.setState(Disconnected)

	if m.cb.OnDisconnected != nil {
		m.cb.OnDisconnected()
	}
}

func (m *Machine) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		logging.DebugLog("conn", "%s: %s -> %s", m.targetString(), from, to)
		if m.cb.OnStateChange != nil {
			m.cb.OnStateChange(from, to)
		}
	}
}

func (m *Machine) targetString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.address == "" {
		return "(no target)"
	}
	return m.address
}
