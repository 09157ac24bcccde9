package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"epiclink/config"
	"epiclink/store"
)

func TestJoinKey(t *testing.T) {
	cases := []struct {
		segments []string
		want     string
	}{
		{[]string{"plant", "press1", "samples", "temp"}, "plant:press1:samples:temp"},
		{[]string{"plant", "", "health"}, "plant:health"},
		{[]string{":plant:", "press1"}, "plant:press1"},
		{[]string{}, ""},
	}
	for _, tc := range cases {
		if got := joinKey(tc.segments...); got != tc.want {
			t.Errorf("joinKey(%v) = %q, want %q", tc.segments, got, tc.want)
		}
	}
}

func TestSampleMessageShape(t *testing.T) {
	msg := SampleMessage{
		Namespace:  "plant",
		Controller: "press1",
		Tag:        "temp",
		Value:      21.5,
		Quality:    store.QualityGood.String(),
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["quality"] != "good" {
		t.Errorf("quality = %v, want good", decoded["quality"])
	}
	if decoded["controller"] != "press1" {
		t.Errorf("controller = %v", decoded["controller"])
	}
}

func TestPublishWhileStoppedIsNoOp(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v1", Address: "127.0.0.1:6379"}, "plant")

	if p.IsRunning() {
		t.Fatal("new publisher should not be running")
	}

	// No connection; both publishes must silently succeed.
	if err := p.PublishSample("press1", store.Sample{Tag: "press1/temp", Value: 1}); err != nil {
		t.Errorf("sample publish while stopped: %v", err)
	}
	if err := p.PublishHealth("press1", true, "Running", ""); err != nil {
		t.Errorf("health publish while stopped: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("stop while stopped: %v", err)
	}
}

func TestAddressScheme(t *testing.T) {
	plain := NewPublisher(&config.ValkeyConfig{Address: "10.0.0.5:6379"}, "plant")
	if got := plain.Address(); got != "redis://10.0.0.5:6379" {
		t.Errorf("address = %q", got)
	}
	secure := NewPublisher(&config.ValkeyConfig{Address: "10.0.0.5:6379", UseTLS: true}, "plant")
	if got := secure.Address(); got != "rediss://10.0.0.5:6379" {
		t.Errorf("TLS address = %q", got)
	}
}
