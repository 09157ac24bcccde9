// Package monitor supervises a set of controllers: each one gets a
// connection state machine, an acquisition service and a worker that wires
// the two together and feeds samples into the shared ring buffer.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"epiclink/acquire"
	"epiclink/config"
	"epiclink/connstate"
	"epiclink/discovery"
	"epiclink/logging"
	"epiclink/store"
	"epiclink/strategy"
)

var (
	// ErrExists is returned when adding a controller name already managed.
	ErrExists = errors.New("monitor: controller already exists")
	// ErrNotFound is returned for operations on unmanaged controller names.
	ErrNotFound = errors.New("monitor: no such controller")
)

// batchInterval is how often pending samples are flushed to the batch
// callback.
const batchInterval = 100 * time.Millisecond

// Manager owns one worker per controller.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*worker

	buffer   *store.RingBuffer
	connCfg  config.ConnectionConfig
	pollRate time.Duration
	dial     acquire.Dialer

	onBatch     func(name string, samples []store.Sample)
	onState     func(name string, from, to connstate.State)
	onWrite     func(name, tag string, value uint16)
	onRetryFail func(name string)
	onReadErr   func(name, tag string, err error)
}

// NewManager creates a manager writing into the given buffer.
func NewManager(buffer *store.RingBuffer, connCfg config.ConnectionConfig, pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = config.DefaultPollRate
	}
	return &Manager{
		workers:  make(map[string]*worker),
		buffer:   buffer,
		connCfg:  connCfg,
		pollRate: pollRate,
	}
}

// SetDialer overrides the transport dialer. For tests.
func (m *Manager) SetDialer(d acquire.Dialer) {
	m.mu.Lock()
	m.dial = d
	m.mu.Unlock()
}

// SetOnBatch sets the callback receiving flushed sample batches.
func (m *Manager) SetOnBatch(fn func(name string, samples []store.Sample)) {
	m.mu.Lock()
	m.onBatch = fn
	m.mu.Unlock()
}

// SetOnStateChange sets the callback fired on every lifecycle transition.
func (m *Manager) SetOnStateChange(fn func(name string, from, to connstate.State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// SetOnWrite sets the callback fired after every successful tag write.
func (m *Manager) SetOnWrite(fn func(name, tag string, value uint16)) {
	m.mu.Lock()
	m.onWrite = fn
	m.mu.Unlock()
}

// SetOnReconnectFailed sets the callback fired when a controller exhausts
// its reconnect attempts and gives up.
func (m *Manager) SetOnReconnectFailed(fn func(name string)) {
	m.mu.Lock()
	m.onRetryFail = fn
	m.mu.Unlock()
}

// SetOnReadError sets the callback fired when a single tag read fails.
func (m *Manager) SetOnReadError(fn func(name, tag string, err error)) {
	m.mu.Lock()
	m.onReadErr = fn
	m.mu.Unlock()
}

// AddController registers a worker for a controller target. The worker is
// created idle; call Connect to bring it up.
func (m *Manager) AddController(cc config.ControllerConfig) error {
	if cc.Name == "" {
		return errors.New("monitor: controller needs a name")
	}

	ctype := discovery.ParseControllerType(cc.Type)
	port := strategy.PortFor(ctype, cc.Port)
	if caps, ok := strategy.ForType(ctype); ok {
		if err := caps.ValidateTarget(cc.Address, port); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[cc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrExists, cc.Name)
	}

	w := newWorker(m, cc, port)
	m.workers[cc.Name] = w
	w.start()

	logging.DebugLog("monitor", "added controller %s (%s:%d)", cc.Name, cc.Address, port)
	return nil
}

// RemoveController disconnects and drops a worker.
func (m *Manager) RemoveController(name string) error {
	m.mu.Lock()
	w, ok := m.workers[name]
	if ok {
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	w.shutdown()
	logging.DebugLog("monitor", "removed controller %s", name)
	return nil
}

// Connect requests a connection for a managed controller.
func (m *Manager) Connect(name string) error {
	w, err := m.worker(name)
	if err != nil {
		return err
	}
	addr, port := w.target()
	w.machine.Connect(addr, port)
	return nil
}

// Disconnect requests a disconnect for a managed controller.
func (m *Manager) Disconnect(name string) error {
	w, err := m.worker(name)
	if err != nil {
		return err
	}
	w.machine.Disconnect()
	return nil
}

// WriteTag writes a register value through a managed controller.
func (m *Manager) WriteTag(name, tag string, value uint16) error {
	w, err := m.worker(name)
	if err != nil {
		return err
	}
	if err := w.svc.WriteValue(tag, value); err != nil {
		return err
	}

	m.mu.RLock()
	onWrite := m.onWrite
	m.mu.RUnlock()
	if onWrite != nil {
		onWrite(name, tag, value)
	}
	return nil
}

// State returns the lifecycle state of one controller.
func (m *Manager) State(name string) (connstate.State, error) {
	w, err := m.worker(name)
	if err != nil {
		return connstate.Disconnected, err
	}
	return w.machine.State(), nil
}

// States returns the lifecycle state of every managed controller.
func (m *Manager) States() map[string]connstate.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]connstate.State, len(m.workers))
	for name, w := range m.workers {
		out[name] = w.machine.State()
	}
	return out
}

// Names returns the managed controller names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workers))
	for name := range m.workers {
		out = append(out, name)
	}
	return out
}

// Has reports whether a controller name is managed.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workers[name]
	return ok
}

// Shutdown stops every worker.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	workers := m.workers
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
}

func (m *Manager) worker(name string) (*worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return w, nil
}

// worker couples one state machine with one acquisition service.
type worker struct {
	name    string
	manager *Manager
	machine *connstate.Machine
	svc     *acquire.Service

	pendingMu sync.Mutex
	pending   []store.Sample

	stopFlush chan struct{}
	flushWG   sync.WaitGroup
}

func newWorker(m *Manager, cc config.ControllerConfig, port int) *worker {
	w := &worker{
		name:      cc.Name,
		manager:   m,
		stopFlush: make(chan struct{}),
	}

	w.machine = connstate.New(connstate.Config{
		ConnectTimeout:       m.connCfg.ConnectTimeout,
		ActivityTimeout:      m.connCfg.ActivityTimeout,
		ReconnectDelay:       m.connCfg.ReconnectDelay,
		MaxReconnectAttempts: m.connCfg.MaxReconnectAttempts,
		FaultThreshold:       m.connCfg.FaultThreshold,
	})

	w.svc = acquire.New(acquire.Config{
		Address:     cc.Address,
		Port:        port,
		PollRate:    m.pollRate,
		DialTimeout: m.connCfg.ConnectTimeout,
	}, cc.TagTable(), m.dial)

	// The machine owns retry policy; the service must not race it with its
	// own background reconnects.
	w.svc.SetAutoReconnect(false)

	w.machine.SetCallbacks(connstate.Callbacks{
		OnStateChange:        w.onStateChange,
		OnConnecting:         w.onConnecting,
		OnConnected:          w.onConnected,
		OnReconnectionFailed: w.onReconnectFailed,
		OnFault:              w.onStopStates,
		OnDisconnected: func() {
			w.onStopStates("")
		},
	})

	w.svc.SetOnDataReady(w.onDataReady)
	w.svc.SetOnConnectionLost(w.onConnectionLost)
	w.svc.SetOnReadError(w.onReadError)

	return w
}

func (w *worker) start() {
	w.machine.Start()
	w.flushWG.Add(1)
	go w.flushLoop()
}

func (w *worker) shutdown() {
	w.machine.Disconnect()
	w.machine.Stop()
	w.svc.Disconnect()

	close(w.stopFlush)
	w.flushWG.Wait()
	w.flush()
}

func (w *worker) target() (string, int) {
	return w.svc.Target()
}

func (w *worker) onStateChange(from, to connstate.State) {
	w.manager.mu.RLock()
	onState := w.manager.onState
	w.manager.mu.RUnlock()
	if onState != nil {
		onState(w.name, from, to)
	}
}

// onConnecting dials off the machine goroutine and reports the outcome back
// as a lifecycle event.
func (w *worker) onConnecting(address string, port int) {
	go func() {
		if err := w.svc.ConnectOnce(); err != nil {
			w.machine.ConnectionFailed(err.Error())
			return
		}
		w.machine.ConnectionSucceeded()
	}()
}

func (w *worker) onConnected() {
	w.svc.StartPolling()
}

// onStopStates tears the transport down when the machine lands in Fault or
// Disconnected. Runs off the machine goroutine so StopPolling cannot block a
// transition.
func (w *worker) onStopStates(string) {
	go w.svc.Disconnect()
}

func (w *worker) onDataReady(tag string, value uint16, at time.Time) {
	s := store.Sample{
		Tag:       w.name + "/" + tag,
		Value:     float64(value),
		Timestamp: at,
		Quality:   store.QualityGood,
	}

	if err := w.manager.buffer.Save(s); err != nil {
		logging.DebugError("monitor", w.name, err)
		return
	}

	w.machine.DataReceived()

	w.pendingMu.Lock()
	w.pending = append(w.pending, s)
	w.pendingMu.Unlock()
}

func (w *worker) onConnectionLost(err error) {
	w.machine.NetworkError(err.Error())
}

// onReconnectFailed reports exhausted reconnect attempts to the manager.
func (w *worker) onReconnectFailed() {
	w.manager.mu.RLock()
	fn := w.manager.onRetryFail
	w.manager.mu.RUnlock()
	if fn != nil {
		fn(w.name)
	}
}

func (w *worker) onReadError(tag string, err error) {
	logging.DebugLog("monitor", "%s: read %s failed: %v", w.name, tag, err)

	w.manager.mu.RLock()
	fn := w.manager.onReadErr
	w.manager.mu.RUnlock()
	if fn != nil {
		fn(w.name, tag, err)
	}
}

func (w *worker) flushLoop() {
	defer w.flushWG.Done()

	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopFlush:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *worker) flush() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.pendingMu.Unlock()

	w.manager.mu.RLock()
	onBatch := w.manager.onBatch
	w.manager.mu.RUnlock()
	if onBatch != nil {
		onBatch(w.name, batch)
	}
}
