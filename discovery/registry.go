package discovery

import (
	"errors"
	"net"
	"sync"
	"time"

	"epiclink/logging"
)

// placeholderSignal is reported for every successfully parsed response.
// The wire format carries no signal metric.
const placeholderSignal = 85

// ErrNoKey is returned when an identity carries neither an IP nor a MAC.
var ErrNoKey = errors.New("discovery: identity has no IP or MAC")

// Registry holds discovered controller records, deduplicated by IP and MAC.
// All mutation happens under one mutex; notifications fire after it is
// released so subscribers may call back into the registry.
type Registry struct {
	mu         sync.RWMutex
	records    []*Record
	byIP       map[string]*Record
	byMAC      map[string]*Record
	staleAfter time.Duration

	sweepEvery time.Duration
	stopSweep  chan struct{}
	sweepWG    sync.WaitGroup
	running    bool

	// Callbacks (set before Start)
	onAdded   func(Record)
	onUpdated func(Record)
	onRemoved func(Record)
}

// NewRegistry creates a registry. Records unseen for longer than staleAfter
// are marked Timeout by SweepTimeouts.
func NewRegistry(staleAfter, sweepEvery time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}
	return &Registry{
		byIP:       make(map[string]*Record),
		byMAC:      make(map[string]*Record),
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
	}
}

// SetOnAdded sets the callback fired once per newly inserted record.
func (g *Registry) SetOnAdded(fn func(Record)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onAdded = fn
}

// SetOnUpdated sets the callback fired once per record refresh or status change.
func (g *Registry) SetOnUpdated(fn func(Record)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUpdated = fn
}

// SetOnRemoved sets the callback fired once per removed record.
func (g *Registry) SetOnRemoved(fn func(Record)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRemoved = fn
}

// Ingest parses a raw discovery response and upserts the result.
// Malformed responses are dropped with a debug log and ErrParse.
func (g *Registry) Ingest(raw []byte, sender net.IP) (Record, bool, error) {
	id, err := ParseResponse(raw, sender)
	if err != nil {
		logging.DebugLog("registry", "dropped unparseable response from %v: %v", sender, err)
		return Record{}, false, err
	}
	return g.Upsert(id)
}

// Upsert inserts or refreshes the record for an identity. Lookup tries
// non-empty IP first, then non-empty MAC; an IP match wins over a MAC match.
// Returns a copy of the stored record and whether it was newly inserted.
func (g *Registry) Upsert(id *Identity) (Record, bool, error) {
	if id.IP == "" && id.MAC == "" {
		return Record{}, false, ErrNoKey
	}

	now := time.Now()

	g.mu.Lock()

	var rec *Record
	if id.IP != "" {
		rec = g.byIP[id.IP]
	}
	if rec == nil && id.MAC != "" {
		rec = g.byMAC[id.MAC]
	}

	isNew := rec == nil
	if isNew {
		rec = &Record{FirstSeen: now}
		g.records = append(g.records, rec)
	} else {
		// Keys may change on re-discovery (DHCP renumbering); drop the old
		// index entries before overwriting.
		if rec.Identity.IP != "" {
			delete(g.byIP, rec.Identity.IP)
		}
		if rec.Identity.MAC != "" {
			delete(g.byMAC, rec.Identity.MAC)
		}
	}

	rec.Identity = *id
	rec.Status = StatusOnline
	rec.SignalStrength = placeholderSignal
	rec.LastSeen = now

	if id.IP != "" {
		g.byIP[id.IP] = rec
	}
	if id.MAC != "" {
		g.byMAC[id.MAC] = rec
	}

	snapshot := *rec
	added := g.onAdded
	updated := g.onUpdated
	g.mu.Unlock()

	if isNew {
		logging.DebugLog("registry", "added controller %s at %s (%s)",
			snapshot.Identity.DisplayName(), snapshot.Identity.IP, snapshot.Identity.MAC)
		if added != nil {
			added(snapshot)
		}
	} else {
		if updated != nil {
			updated(snapshot)
		}
	}

	return snapshot, isNew, nil
}

// SweepTimeouts marks every record unseen for longer than staleAfter as
// Timeout. Records are never removed by the sweep.
func (g *Registry) SweepTimeouts() {
	now := time.Now()

	g.mu.Lock()
	var timedOut []Record
	for _, rec := range g.records {
		if rec.Status != StatusTimeout && now.Sub(rec.LastSeen) > g.staleAfter {
			rec.Status = StatusTimeout
			timedOut = append(timedOut, *rec)
		}
	}
	updated := g.onUpdated
	g.mu.Unlock()

	for _, snapshot := range timedOut {
		logging.DebugLog("registry", "controller %s timed out (last seen %s)",
			snapshot.Key(), snapshot.LastSeen.Format(time.RFC3339))
		if updated != nil {
			updated(snapshot)
		}
	}
}

// SetStatus updates the status of the record with the given key (IP or MAC).
// A transition to Online refreshes the last-seen timestamp.
func (g *Registry) SetStatus(key string, status Status) bool {
	g.mu.Lock()
	rec := g.byIP[key]
	if rec == nil {
		rec = g.byMAC[key]
	}
	if rec == nil {
		g.mu.Unlock()
		return false
	}
	if rec.Status == status {
		g.mu.Unlock()
		return true
	}
	rec.Status = status
	if status == StatusOnline {
		rec.LastSeen = time.Now()
	}
	snapshot := *rec
	updated := g.onUpdated
	g.mu.Unlock()

	if updated != nil {
		updated(snapshot)
	}
	return true
}

// RemoveOffline deletes every record whose status is not Online. This is an
// explicit operator action; the periodic sweep never removes records.
// Returns the removed records.
func (g *Registry) RemoveOffline() []Record {
	g.mu.Lock()
	var removed []Record
	kept := g.records[:0]
	for _, rec := range g.records {
		if rec.Status == StatusOnline {
			kept = append(kept, rec)
			continue
		}
		if rec.Identity.IP != "" {
			delete(g.byIP, rec.Identity.IP)
		}
		if rec.Identity.MAC != "" {
			delete(g.byMAC, rec.Identity.MAC)
		}
		removed = append(removed, *rec)
	}
	g.records = kept
	onRemoved := g.onRemoved
	g.mu.Unlock()

	for _, snapshot := range removed {
		logging.DebugLog("registry", "removed offline controller %s", snapshot.Key())
		if onRemoved != nil {
			onRemoved(snapshot)
		}
	}
	return removed
}

// Get returns a copy of the record for an IP address.
func (g *Registry) Get(ip string) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.byIP[ip]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetByMAC returns a copy of the record for a MAC address.
func (g *Registry) GetByMAC(mac string) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.byMAC[mac]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetByKey returns a copy of the record matching either index.
func (g *Registry) GetByKey(key string) (Record, bool) {
	if rec, ok := g.Get(key); ok {
		return rec, true
	}
	return g.GetByMAC(key)
}

// Controllers returns copies of all records in insertion order.
func (g *Registry) Controllers() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, *rec)
	}
	return out
}

// Count returns the number of registered controllers.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// OnlineCount returns the number of records currently marked Online.
func (g *Registry) OnlineCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, rec := range g.records {
		if rec.Status == StatusOnline {
			count++
		}
	}
	return count
}

// CountByType returns the number of records of the given controller type.
func (g *Registry) CountByType(t ControllerType) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, rec := range g.records {
		if rec.Identity.Type == t {
			count++
		}
	}
	return count
}

// Start launches the periodic timeout sweep. Idempotent.
func (g *Registry) Start() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopSweep = make(chan struct{})
	stop := g.stopSweep
	g.mu.Unlock()

	g.sweepWG.Add(1)
	go func() {
		defer g.sweepWG.Done()
		ticker := time.NewTicker(g.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.SweepTimeouts()
			}
		}
	}()
}

// Stop halts the periodic sweep. Idempotent.
func (g *Registry) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopSweep)
	g.mu.Unlock()

	g.sweepWG.Wait()
}
