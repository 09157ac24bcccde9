// Package engine assembles the subsystems: discovery feeds the registry,
// the monitor supervises connections and acquisition, samples land in the
// ring buffer and fan out to the configured publishers and the history
// archive. Events for every step flow over the EventBus.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"epiclink/config"
	"epiclink/connstate"
	"epiclink/discovery"
	"epiclink/history"
	"epiclink/kafka"
	"epiclink/logging"
	"epiclink/monitor"
	"epiclink/mqtt"
	"epiclink/store"
	"epiclink/valkey"
)

// publishTimeout bounds the Kafka batch produce per flush.
const publishTimeout = 5 * time.Second

// Engine owns the subsystem lifecycles and the wiring between them.
type Engine struct {
	cfg *config.Config

	bus         *EventBus
	buffer      *store.RingBuffer
	registry    *discovery.Registry
	broadcaster *discovery.Broadcaster
	monitor     *monitor.Manager

	mqttPubs   []*mqtt.Publisher
	valkeyPubs []*valkey.Publisher
	kafkaProds []*kafka.Producer
	hist       history.Repository

	mu      sync.RWMutex
	running bool

	// Monitor workers are named after the controller (hostname or config
	// name) while registry records key on IP or MAC; these maps bridge the
	// two namespaces.
	linkMu    sync.RWMutex
	keyByName map[string]string
	nameByKey map[string]string
}

// New builds an engine from configuration. Nothing is started yet.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		bus:       NewEventBus(),
		buffer:    store.NewRingBuffer(cfg.BufferSize),
		keyByName: make(map[string]string),
		nameByKey: make(map[string]string),
	}

	e.registry = discovery.NewRegistry(cfg.Discovery.StaleAfter, cfg.Discovery.SweepInterval)
	e.broadcaster = discovery.NewBroadcaster(e.registry, cfg.Discovery.Port, cfg.Discovery.BroadcastInterval)
	e.monitor = monitor.NewManager(e.buffer, cfg.Connection, cfg.PollRate)

	for i := range cfg.MQTT {
		e.mqttPubs = append(e.mqttPubs, mqtt.NewPublisher(&cfg.MQTT[i], cfg.Namespace))
	}
	for i := range cfg.Valkey {
		e.valkeyPubs = append(e.valkeyPubs, valkey.NewPublisher(&cfg.Valkey[i], cfg.Namespace))
	}
	for i := range cfg.Kafka {
		e.kafkaProds = append(e.kafkaProds, kafka.NewProducer(&cfg.Kafka[i], cfg.Namespace))
	}

	e.wire()
	return e
}

// Accessors for the API layer and tests.

func (e *Engine) Bus() *EventBus                  { return e.bus }
func (e *Engine) Buffer() *store.RingBuffer       { return e.buffer }
func (e *Engine) Registry() *discovery.Registry   { return e.registry }
func (e *Engine) Monitor() *monitor.Manager       { return e.monitor }
func (e *Engine) Config() *config.Config          { return e.cfg }
func (e *Engine) History() history.Repository     { return e.hist }
func (e *Engine) Discovery() *discovery.Broadcaster { return e.broadcaster }

// wire connects the subsystem callbacks to the bus and the publishers.
func (e *Engine) wire() {
	e.registry.SetOnAdded(func(rec discovery.Record) {
		e.bus.Emit(Event{
			Type:    EventControllerDiscovered,
			Payload: ControllerEvent{Key: rec.Key(), Record: rec},
		})
		e.publishDiscovery("discovered", rec)
		if e.cfg.Discovery.AutoConnect {
			e.autoConnect(rec)
		}
	})

	e.registry.SetOnUpdated(func(rec discovery.Record) {
		typ := EventControllerUpdated
		event := "updated"
		if rec.Status == discovery.StatusTimeout {
			typ = EventControllerTimeout
			event = "timeout"
		}
		e.bus.Emit(Event{
			Type:    typ,
			Payload: ControllerEvent{Key: rec.Key(), Record: rec},
		})
		if typ == EventControllerTimeout {
			e.publishDiscovery(event, rec)
		}
	})

	e.registry.SetOnRemoved(func(rec discovery.Record) {
		e.bus.Emit(Event{
			Type:    EventControllerRemoved,
			Payload: ControllerEvent{Key: rec.Key(), Record: rec},
		})
		e.publishDiscovery("removed", rec)
	})

	e.monitor.SetOnStateChange(e.onConnectionStateChange)
	e.monitor.SetOnBatch(e.onSampleBatch)
	e.monitor.SetOnWrite(func(name, tag string, value uint16) {
		e.bus.Emit(Event{
			Type:    EventTagWritten,
			Payload: WriteEvent{Key: name, Tag: tag, Value: value},
		})
	})
	e.monitor.SetOnReconnectFailed(func(name string) {
		e.bus.Emit(Event{
			Type:    EventReconnectFailed,
			Payload: ConnectionEvent{Key: name, Reason: "reconnect attempts exhausted"},
		})
	})
	e.monitor.SetOnReadError(func(name, tag string, err error) {
		e.bus.Emit(Event{
			Type:    EventReadError,
			Payload: ReadErrorEvent{Key: name, Tag: tag, Reason: err.Error()},
		})
	})

	e.buffer.SetOnOverwritten(func(dropped store.Sample) {
		e.bus.Emit(Event{
			Type:    EventSampleOverwritten,
			Payload: SampleEvent{Sample: dropped},
		})
	})

	e.buffer.SetOnCleared(func(discarded int) {
		e.bus.Emit(Event{
			Type:    EventBufferCleared,
			Payload: BufferEvent{Discarded: discarded},
		})
	})
}

// publishDiscovery mirrors a registry mutation onto the external publishers.
func (e *Engine) publishDiscovery(event string, rec discovery.Record) {
	for _, p := range e.mqttPubs {
		err := p.PublishDiscovery(mqtt.DiscoveryPayload{
			Event:  event,
			Key:    rec.Key(),
			Name:   rec.Identity.DisplayName(),
			Type:   rec.Identity.Type.String(),
			IP:     rec.Identity.IP,
			MAC:    rec.Identity.MAC,
			Status: rec.Status.String(),
		})
		if err != nil {
			logging.DebugError("mqtt", rec.Key(), err)
		}
	}

	if len(e.kafkaProds) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, p := range e.kafkaProds {
		if p.Status() != kafka.StatusConnected {
			continue
		}
		err := p.ProduceDiscoveryEvent(ctx, kafka.DiscoveryRecord{
			Event:  event,
			Key:    rec.Key(),
			Name:   rec.Identity.DisplayName(),
			Type:   rec.Identity.Type.String(),
			IP:     rec.Identity.IP,
			MAC:    rec.Identity.MAC,
			Status: rec.Status.String(),
		})
		if err != nil {
			logging.DebugError("kafka", rec.Key(), err)
		}
	}
}

// autoConnect hands a newly discovered controller to the monitor. A matching
// entry in the configured controller list supplies the tag table; otherwise
// the controller is added bare and can be configured later.
func (e *Engine) autoConnect(rec discovery.Record) {
	name := rec.Identity.Hostname
	if name == "" {
		name = rec.Key()
	}

	cc := config.ControllerConfig{
		Name:    name,
		Address: rec.Identity.IP,
		Type:    rec.Identity.Type.String(),
		Enabled: true,
	}
	for i := range e.cfg.Controllers {
		if e.cfg.Controllers[i].Address == rec.Identity.IP {
			cc = e.cfg.Controllers[i]
			break
		}
	}

	e.linkController(cc.Name, rec.Key())

	if !e.monitor.Has(cc.Name) {
		if err := e.monitor.AddController(cc); err != nil {
			logging.DebugError("monitor", cc.Name, err)
			return
		}
	}
	if err := e.monitor.Connect(cc.Name); err != nil {
		logging.DebugError("monitor", cc.Name, err)
	}
}

// linkController ties a monitor worker name to the registry key for the
// same controller.
func (e *Engine) linkController(name, key string) {
	e.linkMu.Lock()
	e.keyByName[name] = key
	e.nameByKey[key] = name
	e.linkMu.Unlock()
}

// WorkerFor resolves a registry key to the monitor worker name managing
// that controller. Falls back to the key itself when the monitor knows the
// controller under its key.
func (e *Engine) WorkerFor(key string) (string, bool) {
	e.linkMu.RLock()
	name, ok := e.nameByKey[key]
	e.linkMu.RUnlock()
	if ok {
		return name, true
	}
	if e.monitor.Has(key) {
		return key, true
	}
	return "", false
}

// registryKeyFor resolves a monitor worker name back to its registry key.
func (e *Engine) registryKeyFor(name string) string {
	e.linkMu.RLock()
	key, ok := e.keyByName[name]
	e.linkMu.RUnlock()
	if ok {
		return key
	}
	return name
}

// onConnectionStateChange mirrors lifecycle transitions onto the bus, the
// registry and the publishers' health topics.
func (e *Engine) onConnectionStateChange(name string, from, to connstate.State) {
	var typ EventType
	switch to {
	case connstate.Connecting:
		typ = EventConnecting
	case connstate.Connected:
		typ = EventConnected
	case connstate.Running:
		typ = EventRunning
	case connstate.Reconnecting:
		typ = EventReconnecting
	case connstate.Fault:
		typ = EventFault
	default:
		typ = EventDisconnected
	}
	e.bus.Emit(Event{Type: typ, Payload: ConnectionEvent{Key: name}})

	key := e.registryKeyFor(name)
	switch to {
	case connstate.Running:
		e.registry.SetStatus(key, discovery.StatusOnline)
	case connstate.Fault:
		e.registry.SetStatus(key, discovery.StatusCommError)
	case connstate.Disconnected:
		e.registry.SetStatus(key, discovery.StatusOffline)
	}

	online := to == connstate.Connected || to == connstate.Running
	for _, p := range e.mqttPubs {
		if err := p.PublishHealth(name, online, to.String(), ""); err != nil {
			logging.DebugError("mqtt", name, err)
		}
	}
	for _, p := range e.valkeyPubs {
		if err := p.PublishHealth(name, online, to.String(), ""); err != nil {
			logging.DebugError("valkey", name, err)
		}
	}
}

// onSampleBatch fans a flushed batch out to the bus, the publishers and the
// history archive.
func (e *Engine) onSampleBatch(name string, samples []store.Sample) {
	for _, s := range samples {
		e.bus.Emit(Event{
			Type:    EventSampleStored,
			Payload: SampleEvent{Key: name, Sample: s},
		})
	}

	for _, p := range e.mqttPubs {
		for _, s := range samples {
			if err := p.PublishSample(name, s); err != nil {
				logging.DebugError("mqtt", name, err)
			}
		}
	}
	for _, p := range e.valkeyPubs {
		for _, s := range samples {
			if err := p.PublishSample(name, s); err != nil {
				logging.DebugError("valkey", name, err)
			}
		}
	}

	if len(e.kafkaProds) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, p := range e.kafkaProds {
			if p.Status() != kafka.StatusConnected {
				continue
			}
			if err := p.ProduceSamples(ctx, name, samples); err != nil {
				logging.DebugError("kafka", name, err)
			}
		}
	}

	if e.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, s := range samples {
			if err := e.hist.Append(ctx, name, s); err != nil {
				logging.DebugError("history", name, err)
				break
			}
		}
	}
}

// Start brings up the configured subsystems: publishers first so early
// samples have somewhere to go, then the configured controllers, then
// discovery.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	for _, p := range e.mqttPubs {
		if !mqttEnabled(e.cfg, p.Name()) {
			continue
		}
		if err := p.Start(); err != nil {
			logging.DebugError("mqtt", p.Name(), err)
			continue
		}
		e.bus.Emit(Event{Type: EventMQTTStarted, Payload: ServiceEvent{Name: p.Name()}})
	}

	for i, p := range e.valkeyPubs {
		vc := &e.cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		if err := p.Start(); err != nil {
			logging.DebugError("valkey", p.Name(), err)
			continue
		}
		e.bus.Emit(Event{Type: EventValkeyStarted, Payload: ServiceEvent{Name: p.Name()}})

		if vc.History && e.hist == nil {
			repo, err := history.NewValkeyRepository(vc, e.cfg.Namespace)
			if err != nil {
				logging.DebugError("history", p.Name(), err)
			} else {
				e.hist = repo
			}
		}
	}

	for i, p := range e.kafkaProds {
		if !e.cfg.Kafka[i].Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			logging.DebugError("kafka", p.Name(), err)
			continue
		}
		e.bus.Emit(Event{Type: EventKafkaStarted, Payload: ServiceEvent{Name: p.Name()}})
	}

	for _, cc := range e.cfg.Controllers {
		if !cc.Enabled {
			continue
		}
		if err := e.monitor.AddController(cc); err != nil {
			logging.DebugError("monitor", cc.Name, err)
			continue
		}
		// Discovery records for configured controllers key on their IP.
		e.linkController(cc.Name, cc.Address)
		if err := e.monitor.Connect(cc.Name); err != nil {
			logging.DebugError("monitor", cc.Name, err)
		}
	}

	if e.cfg.Discovery.Enabled {
		e.registry.Start()
		if err := e.broadcaster.Start(); err != nil {
			return fmt.Errorf("engine: start discovery: %w", err)
		}
		e.bus.Emit(Event{Type: EventDiscoveryStarted})
	}

	logging.DebugLog("debug", "engine started (namespace %s)", e.cfg.Namespace)
	return nil
}

// Stop shuts everything down in reverse order.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.broadcaster.Stop()
	e.registry.Stop()
	if e.cfg.Discovery.Enabled {
		e.bus.Emit(Event{Type: EventDiscoveryStopped})
	}

	e.monitor.Shutdown()

	for _, p := range e.kafkaProds {
		wasActive := p.Status() != kafka.StatusDisconnected
		p.Disconnect()
		if wasActive {
			e.bus.Emit(Event{Type: EventKafkaStopped, Payload: ServiceEvent{Name: p.Name()}})
		}
	}
	for _, p := range e.valkeyPubs {
		wasRunning := p.IsRunning()
		p.Stop()
		if wasRunning {
			e.bus.Emit(Event{Type: EventValkeyStopped, Payload: ServiceEvent{Name: p.Name()}})
		}
	}
	for _, p := range e.mqttPubs {
		wasRunning := p.IsRunning()
		p.Stop()
		if wasRunning {
			e.bus.Emit(Event{Type: EventMQTTStopped, Payload: ServiceEvent{Name: p.Name()}})
		}
	}
	if e.hist != nil {
		e.hist.Close()
		e.hist = nil
	}

	logging.DebugLog("debug", "engine stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func mqttEnabled(cfg *config.Config, name string) bool {
	for i := range cfg.MQTT {
		if cfg.MQTT[i].Name == name {
			return cfg.MQTT[i].Enabled
		}
	}
	return false
}
