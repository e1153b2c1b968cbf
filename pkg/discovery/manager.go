package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/johnpr01/tplink-client/internal/metrics"
	"golang.org/x/sys/unix"
)

// DefaultPacketCount is how many probe rounds Discover sends on each port
// (spec.md §4.10 "N packets (default 3)").
const DefaultPacketCount = 3

// DefaultTimeout bounds how long a broadcast Discover call listens.
const DefaultTimeout = 5 * time.Second

const minInterval = 100 * time.Millisecond

// Reply is one device's raw, unclassified discovery response (spec.md
// §4.10 "Response classification"): whichever port answered first, with
// its parsed JSON body.
type Reply struct {
	IP   string
	Port int // LegacyPort or NewPort
	Body map[string]interface{}
}

// Config configures a Manager.
type Config struct {
	PacketCount   int           // probe rounds per port; DefaultPacketCount if <= 0
	Timeout       time.Duration // overall listen window; DefaultTimeout if <= 0
	BroadcastAddr string        // destination for broadcast Discover; "255.255.255.255" if empty
	Logger        *log.Logger
}

func (c Config) withDefaults() Config {
	if c.PacketCount <= 0 {
		c.PacketCount = DefaultPacketCount
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = "255.255.255.255"
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[discovery] ", log.LstdFlags)
	}
	return c
}

// interval returns the spacing between probe rounds: max(100ms,
// timeout/N) per spec.md §4.10.
func (c Config) interval() time.Duration {
	step := c.Timeout / time.Duration(c.PacketCount)
	if step < minInterval {
		return minInterval
	}
	return step
}

// Manager runs broadcast and single-target UDP discovery over one shared
// socket, deduplicating replies by source IP (spec.md §4.10 "Dedup").
type Manager struct {
	config Config

	mu   sync.Mutex
	seen map[string]*Reply

	discoveredCh chan *Reply
}

// NewManager builds a Manager. Call Discover or DiscoverTarget per run;
// a Manager is not re-entrant across concurrent calls.
func NewManager(config Config) *Manager {
	return &Manager{
		config:       config.withDefaults(),
		seen:         make(map[string]*Reply),
		discoveredCh: make(chan *Reply, 100),
	}
}

// GetDiscoveredChannel returns the channel every newly-deduped Reply is
// also published to (non-blocking best-effort, like the teacher's asset
// event channels).
func (m *Manager) GetDiscoveredChannel() <-chan *Reply {
	return m.discoveredCh
}

// Discover broadcasts probes on both ports for the full configured
// timeout and returns every distinct IP that replied (spec.md §4.10 "On
// broadcast discovery, the socket runs for the full timeout").
func (m *Manager) Discover(ctx context.Context) (map[string]*Reply, error) {
	return m.run(ctx, m.config.BroadcastAddr, false)
}

// DiscoverTarget probes a single host and returns as soon as that IP
// appears in the seen-set, or nil if it never replies within the
// timeout (spec.md §4.10 "On single-target discovery, completion fires
// as soon as the target IP appears in the seen-set").
func (m *Manager) DiscoverTarget(ctx context.Context, host string) (*Reply, error) {
	replies, err := m.run(ctx, host, true)
	if err != nil {
		return nil, err
	}
	ip, err := resolveIP(host)
	if err != nil {
		return nil, err
	}
	return replies[ip], nil
}

func resolveIP(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("discovery: resolve %q: %w", host, err)
	}
	return addrs[0], nil
}

// run owns the shared socket for one discovery pass: it fires
// config.PacketCount probe rounds at dest (spaced by config.interval())
// while concurrently draining replies, until the timeout elapses or (in
// single-target mode) the target IP is seen.
func (m *Manager) run(ctx context.Context, dest string, singleTarget bool) (map[string]*Reply, error) {
	conn, err := newDiscoverySocket()
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	targetIP := ""
	if singleTarget {
		targetIP, err = resolveIP(dest)
		if err != nil {
			return nil, err
		}
	}

	done := make(chan struct{})
	found := make(chan struct{})
	go m.sendProbes(ctx, conn, dest, singleTarget, found, done)

	m.receiveReplies(ctx, conn, singleTarget, targetIP, found)
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Reply, len(m.seen))
	for ip, r := range m.seen {
		out[ip] = r
	}
	return out, nil
}

// sendProbes fires config.PacketCount probe rounds at dest. In
// single-target mode it also watches found, which receiveReplies closes
// the instant the target IP replies, so the wait breaks immediately
// instead of blocking for the rest of the current round's interval
// (spec.md §8 scenario 6, "≤ 200 ms after the first reply").
func (m *Manager) sendProbes(ctx context.Context, conn *net.UDPConn, dest string, singleTarget bool, found <-chan struct{}, done chan struct{}) {
	defer close(done)

	legacyAddr := &net.UDPAddr{IP: net.ParseIP(mustResolveForSend(dest)), Port: LegacyPort}
	newAddr := &net.UDPAddr{IP: net.ParseIP(mustResolveForSend(dest)), Port: NewPort}

	probe2, err := newProbe()
	if err != nil {
		m.config.Logger.Printf("discovery: build new-style probe: %v", err)
		probe2 = nil
	}
	probe1 := legacyProbe()

	ticker := time.NewTicker(m.config.interval())
	defer ticker.Stop()

	for round := 0; round < m.config.PacketCount; round++ {
		if _, err := conn.WriteToUDP(probe1, legacyAddr); err != nil {
			m.config.Logger.Printf("discovery: send legacy probe: %v", err)
		}
		if probe2 != nil {
			if _, err := conn.WriteToUDP(probe2, newAddr); err != nil {
				m.config.Logger.Printf("discovery: send new-style probe: %v", err)
			}
		}

		if round == m.config.PacketCount-1 {
			break
		}
		select {
		case <-ticker.C:
		case <-found:
			return
		case <-ctx.Done():
			return
		}
	}
}

// mustResolveForSend resolves dest once for sending; broadcast addresses
// and literal IPs pass through net.ParseIP unchanged.
func mustResolveForSend(dest string) string {
	if ip := net.ParseIP(dest); ip != nil {
		return ip.String()
	}
	addrs, err := net.LookupHost(dest)
	if err != nil || len(addrs) == 0 {
		return dest
	}
	return addrs[0]
}

func (m *Manager) hasReplyFrom(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[ip]
	return ok
}

// receiveReplies reads datagrams until ctx expires, or (single-target
// mode) until targetIP has replied — at which point it closes found so
// sendProbes's wait breaks immediately instead of riding out the rest of
// the current probe interval.
func (m *Manager) receiveReplies(ctx context.Context, conn *net.UDPConn, singleTarget bool, targetIP string, found chan<- struct{}) {
	buf := make([]byte, 4096)
	for {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(m.config.Timeout)
		}
		conn.SetReadDeadline(deadline)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // timeout or socket closed: this pass is done
		}

		ip := addr.IP.String()
		if m.hasReplyFrom(ip) {
			continue // first reply per IP wins
		}

		var body map[string]interface{}
		var perr error
		switch addr.Port {
		case LegacyPort:
			body, perr = parseLegacyReply(buf[:n])
		case NewPort:
			body, perr = parseNewReply(buf[:n])
		default:
			continue
		}
		if perr != nil {
			m.config.Logger.Printf("discovery: reply from %s: %v", ip, perr)
			continue
		}

		reply := &Reply{IP: ip, Port: addr.Port, Body: body}
		m.mu.Lock()
		m.seen[ip] = reply
		m.mu.Unlock()
		metrics.DiscoveryReplies.WithLabelValues(strconv.Itoa(addr.Port)).Inc()

		select {
		case m.discoveredCh <- reply:
		default:
		}

		if singleTarget && ip == targetIP {
			close(found)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// newDiscoverySocket opens one ephemeral, SO_BROADCAST + SO_REUSEADDR
// UDP socket shared by every probe and reply in a single run (spec.md
// §4.10 "One shared UDP socket").
func newDiscoverySocket() (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			ctrlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr == nil {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
