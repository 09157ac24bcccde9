package monitor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"epiclink/acquire"
	"epiclink/config"
	"epiclink/connstate"
	"epiclink/store"
)

type fakeTransport struct {
	mu      sync.Mutex
	values  map[uint16]uint16
	writes  map[uint16]uint16
	readErr error
}

func (f *fakeTransport) ReadInputRegister(addr uint16) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.values[addr], nil
}

func (f *fakeTransport) WriteSingleRegister(addr, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[addr] = value
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func fakeDialer(t *fakeTransport, fail bool) acquire.Dialer {
	return func(address string, port int, timeout time.Duration) (acquire.Transport, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return t, nil
	}
}

func testConnCfg() config.ConnectionConfig {
	return config.ConnectionConfig{
		ConnectTimeout:       time.Second,
		ActivityTimeout:      5 * time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 2,
		FaultThreshold:       10,
	}
}

func controllerCfg(name string) config.ControllerConfig {
	return config.ControllerConfig{
		Name:    name,
		Address: "192.168.1.50",
		Type:    "EPIC4",
		Enabled: true,
		Tags: []config.TagBinding{
			{Name: "temp", Address: 40, Enabled: true},
			{Name: "pressure", Address: 41, Enabled: true},
		},
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddRemoveControllers(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), 10*time.Millisecond)
	defer m.Shutdown()

	if err := m.AddController(controllerCfg("press1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddController(controllerCfg("press1")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate add error = %v, want ErrExists", err)
	}
	if !m.Has("press1") {
		t.Error("press1 not managed")
	}

	st, err := m.State("press1")
	if err != nil || st != connstate.Disconnected {
		t.Errorf("initial state = %v, %v", st, err)
	}

	if err := m.RemoveController("press1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.RemoveController("press1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove error = %v, want ErrNotFound", err)
	}
}

func TestAddRejectsBadTarget(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), time.Second)
	defer m.Shutdown()

	cc := controllerCfg("bad")
	cc.Address = "not-an-ip"
	if err := m.AddController(cc); err == nil {
		t.Error("invalid address accepted")
	}

	cc = controllerCfg("")
	if err := m.AddController(cc); err == nil {
		t.Error("empty name accepted")
	}
}

func TestConnectPollsIntoBuffer(t *testing.T) {
	buffer := store.NewRingBuffer(100)
	m := NewManager(buffer, testConnCfg(), 10*time.Millisecond)
	defer m.Shutdown()

	ft := &fakeTransport{
		values: map[uint16]uint16{40: 215, 41: 30},
		writes: make(map[uint16]uint16),
	}
	m.SetDialer(fakeDialer(ft, false))

	var batchMu sync.Mutex
	var batched []store.Sample
	m.SetOnBatch(func(name string, samples []store.Sample) {
		batchMu.Lock()
		batched = append(batched, samples...)
		batchMu.Unlock()
	})

	if err := m.AddController(controllerCfg("press1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect("press1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		st, _ := m.State("press1")
		return st == connstate.Running
	}, "Running state")

	waitFor(t, func() bool { return buffer.Count() >= 2 }, "buffered samples")

	s, err := buffer.FindByTag("press1/temp")
	if err != nil {
		t.Fatalf("find temp: %v", err)
	}
	if s.Value != 215 || s.Quality != store.QualityGood {
		t.Errorf("temp sample = %+v", s)
	}

	waitFor(t, func() bool {
		batchMu.Lock()
		defer batchMu.Unlock()
		return len(batched) >= 2
	}, "flushed batch")
}

func TestConnectFailureWalksToDisconnected(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), time.Second)
	defer m.Shutdown()

	m.SetDialer(fakeDialer(nil, true))

	var stMu sync.Mutex
	var seen []connstate.State
	m.SetOnStateChange(func(name string, from, to connstate.State) {
		stMu.Lock()
		seen = append(seen, to)
		stMu.Unlock()
	})

	if err := m.AddController(controllerCfg("press1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect("press1"); err != nil {
		t.Fatal(err)
	}

	// Every dial refuses; two reconnect attempts then give up.
	waitFor(t, func() bool {
		stMu.Lock()
		defer stMu.Unlock()
		for _, s := range seen {
			if s == connstate.Disconnected {
				return true
			}
		}
		return false
	}, "Disconnected after exhausted retries")

	stMu.Lock()
	defer stMu.Unlock()
	sawReconnecting := false
	for _, s := range seen {
		if s == connstate.Reconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("transition history %v never entered Reconnecting", seen)
	}
}

func TestReconnectExhaustionReported(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), time.Second)
	defer m.Shutdown()

	m.SetDialer(fakeDialer(nil, true))

	var failMu sync.Mutex
	var failed []string
	m.SetOnReconnectFailed(func(name string) {
		failMu.Lock()
		failed = append(failed, name)
		failMu.Unlock()
	})

	if err := m.AddController(controllerCfg("press1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect("press1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		failMu.Lock()
		defer failMu.Unlock()
		return len(failed) > 0
	}, "reconnect-failed notification")

	failMu.Lock()
	defer failMu.Unlock()
	if failed[0] != "press1" {
		t.Errorf("reconnect-failed controller = %q, want press1", failed[0])
	}
}

func TestReadErrorsReported(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), 10*time.Millisecond)
	defer m.Shutdown()

	ft := &fakeTransport{
		values:  map[uint16]uint16{40: 1, 41: 2},
		writes:  make(map[uint16]uint16),
		readErr: errors.New("byte count mismatch"),
	}
	m.SetDialer(fakeDialer(ft, false))

	var errMu sync.Mutex
	var seen []string
	m.SetOnReadError(func(name, tag string, err error) {
		errMu.Lock()
		seen = append(seen, name+"/"+tag)
		errMu.Unlock()
	})

	if err := m.AddController(controllerCfg("press1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect("press1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return len(seen) > 0
	}, "read-error notification")

	errMu.Lock()
	defer errMu.Unlock()
	if seen[0] != "press1/temp" && seen[0] != "press1/pressure" {
		t.Errorf("read-error id = %q", seen[0])
	}
}

func TestWriteTag(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), 10*time.Millisecond)
	defer m.Shutdown()

	ft := &fakeTransport{
		values: map[uint16]uint16{40: 1, 41: 2},
		writes: make(map[uint16]uint16),
	}
	m.SetDialer(fakeDialer(ft, false))

	var writeMu sync.Mutex
	var wrote []string
	m.SetOnWrite(func(name, tag string, value uint16) {
		writeMu.Lock()
		wrote = append(wrote, name+"/"+tag)
		writeMu.Unlock()
	})

	if err := m.AddController(controllerCfg("press1")); err != nil {
		t.Fatal(err)
	}

	// Not connected yet.
	if err := m.WriteTag("press1", "temp", 7); !errors.Is(err, acquire.ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}

	m.Connect("press1")
	waitFor(t, func() bool {
		st, _ := m.State("press1")
		return st == connstate.Running
	}, "Running state")

	if err := m.WriteTag("press1", "temp", 7); err != nil {
		t.Fatalf("write: %v", err)
	}

	ft.mu.Lock()
	got := ft.writes[40]
	ft.mu.Unlock()
	if got != 7 {
		t.Errorf("register 40 = %d, want 7", got)
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if len(wrote) != 1 || wrote[0] != "press1/temp" {
		t.Errorf("write notifications = %v", wrote)
	}

	if err := m.WriteTag("ghost", "temp", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestShutdownStopsWorkers(t *testing.T) {
	m := NewManager(store.NewRingBuffer(100), testConnCfg(), 10*time.Millisecond)

	ft := &fakeTransport{values: map[uint16]uint16{40: 1, 41: 2}, writes: make(map[uint16]uint16)}
	m.SetDialer(fakeDialer(ft, false))

	m.AddController(controllerCfg("a"))
	m.AddController(controllerCfg("b"))
	m.Connect("a")

	m.Shutdown()

	if len(m.Names()) != 0 {
		t.Errorf("names after shutdown = %v", m.Names())
	}
}
