package engine

import (
	"time"

	"epiclink/discovery"
	"epiclink/store"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Discovery events
	EventControllerDiscovered EventType = iota + 1
	EventControllerUpdated
	EventControllerTimeout
	EventControllerRemoved

	// Connection events
	EventConnecting
	EventConnected
	EventRunning
	EventReconnecting
	EventReconnectFailed
	EventFault
	EventDisconnected

	// Acquisition events
	EventSampleStored
	EventSampleOverwritten
	EventTagWritten
	EventReadError
	EventBufferCleared

	// Publisher events
	EventMQTTStarted
	EventMQTTStopped
	EventValkeyStarted
	EventValkeyStopped
	EventKafkaStarted
	EventKafkaStopped

	// System events
	EventDiscoveryStarted
	EventDiscoveryStopped
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// ControllerEvent is the payload for discovery lifecycle events.
type ControllerEvent struct {
	Key    string
	Record discovery.Record
}

// ConnectionEvent is the payload for connection lifecycle events.
type ConnectionEvent struct {
	Key     string
	Attempt int
	Reason  string
}

// SampleEvent is the payload for acquisition events.
type SampleEvent struct {
	Key    string
	Sample store.Sample
}

// WriteEvent is the payload for tag write events.
type WriteEvent struct {
	Key   string
	Tag   string
	Value uint16
}

// BufferEvent is the payload for buffer maintenance events.
type BufferEvent struct {
	Discarded int
}

// ReadErrorEvent is the payload for failed tag reads.
type ReadErrorEvent struct {
	Key    string
	Tag    string
	Reason string
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Name string
}
