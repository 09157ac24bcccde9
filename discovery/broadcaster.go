package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"epiclink/logging"
)

// Broadcaster periodically emits the scan request to every reachable
// broadcast address and feeds responses into a Registry.
type Broadcaster struct {
	registry *Registry
	port     int
	interval time.Duration
	message  []byte

	mu      sync.Mutex
	conn    *net.UDPConn
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewBroadcaster creates a broadcaster on the given UDP port with the given
// scan cadence.
func NewBroadcaster(registry *Registry, port int, interval time.Duration) *Broadcaster {
	if port <= 0 {
		port = DefaultPort
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		registry: registry,
		port:     port,
		interval: interval,
		message:  []byte(ScanMessage),
	}
}

// Start binds the listening socket and begins the broadcast loop. Idempotent.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.port})
	if err != nil {
		return fmt.Errorf("discovery: bind port %d: %w", b.port, err)
	}

	b.conn = conn
	b.stop = make(chan struct{})
	b.running = true

	logging.DebugLog("discovery", "listening on udp/%d, scan interval %s", b.port, b.interval)

	b.wg.Add(2)
	go b.broadcastLoop(conn, b.stop)
	go b.readLoop(conn)

	return nil
}

// Stop halts broadcasting and closes the socket. Idempotent.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	// Closing the socket unblocks the read loop.
	conn.Close()
	b.wg.Wait()
}

// IsRunning reports whether the broadcaster is active.
func (b *Broadcaster) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Broadcaster) broadcastLoop(conn *net.UDPConn, stop chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	// Immediate first scan, then periodic.
	b.sendScan(conn)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.sendScan(conn)
		}
	}
}

func (b *Broadcaster) sendScan(conn *net.UDPConn) {
	addrs := BroadcastAddresses()
	for _, addr := range addrs {
		dst := &net.UDPAddr{IP: addr, Port: b.port}
		if _, err := conn.WriteToUDP(b.message, dst); err != nil {
			logging.DebugLog("discovery", "scan to %s failed: %v", dst, err)
		}
	}
	logging.DebugLog("discovery", "scan request sent to %d broadcast address(es)", len(addrs))
}

func (b *Broadcaster) readLoop(conn *net.UDPConn) {
	defer b.wg.Done()

	local := localAddresses()
	buf := make([]byte, 2048)

	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed by Stop.
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if local[sender.IP.String()] {
			// Our own scan request echoed back from a local interface.
			continue
		}

		logging.DebugRX("discovery", data)

		if !LooksLikeResponse(data) {
			logging.DebugLog("discovery", "ignoring non-controller datagram from %s", sender.IP)
			continue
		}

		if rec, isNew, err := b.registry.Ingest(data, sender.IP); err == nil && isNew {
			logging.DebugLog("discovery", "discovered %s at %s",
				rec.Identity.DisplayName(), rec.Identity.IP)
		}
	}
}

// BroadcastAddresses returns the directed broadcast address of every up,
// non-loopback IPv4 interface, falling back to the limited broadcast address.
func BroadcastAddresses() []net.IP {
	var broadcasts []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return []net.IP{net.IPv4bcast}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagBroadcast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLinkLocalUnicast() {
				continue
			}

			broadcast := make(net.IP, len(ip))
			for i := range ip {
				broadcast[i] = ip[i] | ^ipnet.Mask[i]
			}
			broadcasts = append(broadcasts, broadcast)
		}
	}

	if len(broadcasts) == 0 {
		return []net.IP{net.IPv4bcast}
	}

	return broadcasts
}

// localAddresses returns the IPv4 addresses of all up, non-loopback
// interfaces, used to filter our own broadcasts out of the response stream.
func localAddresses() map[string]bool {
	local := make(map[string]bool)

	ifaces, err := net.Interfaces()
	if err != nil {
		return local
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP.To4(); ip != nil {
				local[ip.String()] = true
			}
		}
	}

	return local
}
