package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "epiclink" {
		t.Errorf("Namespace = %q", cfg.Namespace)
	}
	if cfg.Discovery.Port != 3250 {
		t.Errorf("Discovery.Port = %d", cfg.Discovery.Port)
	}
	if cfg.Discovery.BroadcastInterval != time.Second {
		t.Errorf("BroadcastInterval = %v", cfg.Discovery.BroadcastInterval)
	}
	if cfg.Discovery.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v", cfg.Discovery.StaleAfter)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v", cfg.PollRate)
	}
	if cfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d", cfg.BufferSize)
	}
	if cfg.Connection.FaultThreshold != 3 {
		t.Errorf("FaultThreshold = %d", cfg.Connection.FaultThreshold)
	}
	if cfg.Web.Enabled {
		t.Error("Web enabled by default")
	}
	if cfg.Web.Port != 8710 {
		t.Errorf("Web.Port = %d", cfg.Web.Port)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.Port != DefaultDiscoveryPort || cfg.BufferSize != DefaultBufferSize {
		t.Errorf("missing file did not yield defaults: %+v", cfg)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "plant/line2"
	cfg.Web.Enabled = true
	cfg.Controllers = []ControllerConfig{
		{
			Name:    "press1",
			Address: "192.168.1.50",
			Type:    "EPIC4",
			Enabled: true,
			Tags: []TagBinding{
				{Name: "temp", Address: 30, Enabled: true},
				{Name: "spare", Address: 31},
			},
		},
	}
	cfg.Valkey = []ValkeyConfig{
		{Name: "cache", Enabled: true, Address: "localhost:6379", History: true},
	}
	cfg.Kafka = []KafkaConfig{
		{Name: "plant-bus", Brokers: []string{"kafka:9092"}, SASLMechanism: SASLSCRAMSHA256},
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Namespace != "plant/line2" {
		t.Errorf("Namespace = %q", loaded.Namespace)
	}
	if len(loaded.Controllers) != 1 || loaded.Controllers[0].Name != "press1" {
		t.Fatalf("Controllers = %+v", loaded.Controllers)
	}
	if len(loaded.Controllers[0].Tags) != 2 {
		t.Errorf("Tags = %+v", loaded.Controllers[0].Tags)
	}
	if !loaded.Valkey[0].History {
		t.Error("Valkey history flag lost")
	}
	if loaded.Kafka[0].SASLMechanism != SASLSCRAMSHA256 {
		t.Errorf("SASLMechanism = %q", loaded.Kafka[0].SASLMechanism)
	}
}

func TestLoadSparseFileAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	sparse := "namespace: factory\ndiscovery:\n  enabled: true\n"
	if err := os.WriteFile(path, []byte(sparse), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "factory" {
		t.Errorf("Namespace = %q", cfg.Namespace)
	}
	if cfg.Discovery.Port != DefaultDiscoveryPort {
		t.Errorf("Discovery.Port = %d, want default", cfg.Discovery.Port)
	}
	if cfg.Connection.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want default", cfg.Connection.ConnectTimeout)
	}
	if cfg.PollRate != DefaultPollRate || cfg.BufferSize != DefaultBufferSize {
		t.Errorf("PollRate = %v BufferSize = %d", cfg.PollRate, cfg.BufferSize)
	}
}

func TestTagTableFiltersDisabled(t *testing.T) {
	cc := ControllerConfig{
		Tags: []TagBinding{
			{Name: "temp", Address: 30, Enabled: true},
			{Name: "pressure", Address: 40, Enabled: true},
			{Name: "spare", Address: 50, Enabled: false},
		},
	}

	table := cc.TagTable()
	if len(table) != 2 {
		t.Fatalf("table = %v", table)
	}
	if table["temp"] != 30 || table["pressure"] != 40 {
		t.Errorf("table = %v", table)
	}
	if _, ok := table["spare"]; ok {
		t.Error("disabled tag included")
	}
}

func TestFindController(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Controllers = []ControllerConfig{
		{Name: "press1", Address: "10.0.0.1"},
		{Name: "press2", Address: "10.0.0.2"},
	}

	cc := cfg.FindController("press2")
	if cc == nil || cc.Address != "10.0.0.2" {
		t.Fatalf("FindController(press2) = %+v", cc)
	}

	// Returned pointer aliases the config entry.
	cc.Port = 2001
	if cfg.Controllers[1].Port != 2001 {
		t.Error("FindController returned a copy")
	}

	if cfg.FindController("ghost") != nil {
		t.Error("FindController(ghost) != nil")
	}
}

func TestChangeListenersFireOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()

	var fired atomic.Int32
	id := cfg.AddOnChangeListener(func() { fired.Add(1) })

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("listener never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cfg.RemoveOnChangeListener(id)
	before := fired.Load()
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != before {
		t.Error("removed listener still fired")
	}
}

func TestLockUnlockAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()

	cfg.Lock()
	cfg.Namespace = "locked-write"
	if err := cfg.UnlockAndSave(path); err != nil {
		t.Fatalf("UnlockAndSave: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Namespace != "locked-write" {
		t.Errorf("Namespace = %q", loaded.Namespace)
	}
}
