package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
)

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.PacketCount != DefaultPacketCount {
		t.Fatalf("PacketCount = %d", c.PacketCount)
	}
	if c.Timeout != DefaultTimeout {
		t.Fatalf("Timeout = %v", c.Timeout)
	}
	if c.BroadcastAddr != "255.255.255.255" {
		t.Fatalf("BroadcastAddr = %q", c.BroadcastAddr)
	}
	if c.Logger == nil {
		t.Fatal("Logger should default to a non-nil logger")
	}
}

func TestConfigIntervalFloorsAt100ms(t *testing.T) {
	c := Config{PacketCount: 30, Timeout: 300 * time.Millisecond}.withDefaults()
	if got := c.interval(); got != minInterval {
		t.Fatalf("interval = %v, want the 100ms floor (spec.md max(100ms, timeout/N))", got)
	}
}

func TestConfigIntervalUsesTimeoutOverN(t *testing.T) {
	c := Config{PacketCount: 3, Timeout: 3 * time.Second}.withDefaults()
	if got := c.interval(); got != time.Second {
		t.Fatalf("interval = %v, want 1s (3s/3)", got)
	}
}

func TestManagerHasReplyFromTracksSeenSet(t *testing.T) {
	m := NewManager(Config{})

	if m.hasReplyFrom("192.168.1.20") {
		t.Fatal("hasReplyFrom should be false before any reply is recorded")
	}

	m.mu.Lock()
	m.seen["192.168.1.20"] = &Reply{IP: "192.168.1.20", Port: NewPort, Body: map[string]interface{}{"device_id": "first"}}
	m.mu.Unlock()

	if !m.hasReplyFrom("192.168.1.20") {
		t.Fatal("hasReplyFrom should be true once an IP is recorded")
	}

	// receiveReplies checks hasReplyFrom before ever overwriting
	// m.seen[ip], so a later reply from the same IP is dropped and the
	// first reply's body survives (spec.md §4.10 "Dedup": first reply
	// per IP wins).
	m.mu.Lock()
	got := m.seen["192.168.1.20"]
	m.mu.Unlock()
	if got.Body["device_id"] != "first" {
		t.Fatalf("seen[ip] = %#v, want the first reply retained", got)
	}
}

// TestDiscoverTargetReturnsShortlyAfterReply is spec.md §8 scenario 6:
// single-target discovery must complete shortly after the first reply
// arrives, not after the rest of the current probe interval elapses. A
// fake device answers on the legacy port as soon as it sees any probe.
func TestDiscoverTargetReturnsShortlyAfterReply(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: LegacyPort})
	if err != nil {
		t.Skipf("cannot bind legacy discovery port in this environment: %v", err)
	}
	defer conn.Close()

	replyBody := codec.XOREncrypt([]byte(`{"system":{"get_sysinfo":{"device_id":"abc"}}}`))

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := conn.WriteToUDP(replyBody, addr); err != nil {
				return
			}
		}
	}()

	m := NewManager(Config{PacketCount: 3, Timeout: 3 * time.Second})

	start := time.Now()
	_, err = m.run(context.Background(), "127.0.0.1", true)
	elapsed := time.Since(start)
	conn.Close()
	<-done

	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// interval() here is 1s (3s/3); a fix-free implementation blocks on
	// sendProbes's ticker wait even after the target is seen, so this
	// would take close to that full interval instead of returning almost
	// immediately after the echoed reply.
	if elapsed > 500*time.Millisecond {
		t.Fatalf("DiscoverTarget took %v after first reply, want well under the 1s probe interval", elapsed)
	}
}
