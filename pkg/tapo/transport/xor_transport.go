package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
	"github.com/johnpr01/tplink-client/pkg/tapo/httpx"
)

// DefaultTCPPort is the legacy XOR-TCP device port (spec.md §4.3/§6).
const DefaultTCPPort = 9999

// noRetryErrnos mirrors spec.md §4.3's connect-error no-retry set: these
// mean "nothing is listening there", so retrying is pointless.
var noRetryErrnos = map[string]bool{
	"EHOSTDOWN":      true,
	"EHOSTUNREACH":   true,
	"ECONNREFUSED":   true,
}

// XORTransport is the legacy length-prefixed XOR-over-TCP transport, or
// its port-80 plain-JSON-over-HTTP fallback. There is no session and no
// credential material (spec.md §4.3: "No credentials; no session.
// credentials_hash = null").
type XORTransport struct {
	mutex

	host    string
	port    int
	timeout time.Duration

	httpClient *httpx.Client // only used when port == 80
	conn       net.Conn      // only used for the TCP path; re-dialed on error
}

// NewXORTransport builds a transport for host:port. When port is 80 the
// dual-mode rule (spec.md §4.3) routes through HTTP JSON instead of raw TCP.
func NewXORTransport(host string, port int, timeout time.Duration) (*XORTransport, error) {
	t := &XORTransport{host: host, port: port, timeout: timeout}
	if port == 80 {
		c, err := httpx.New(timeout, false)
		if err != nil {
			return nil, fmt.Errorf("xor transport: %w", err)
		}
		t.httpClient = c
	}
	return t, nil
}

// Send implements Transport.
func (t *XORTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	t.lock()
	defer t.unlock()

	if t.port == 80 {
		return t.sendHTTP(ctx, request)
	}
	return t.sendTCP(ctx, request)
}

func (t *XORTransport) sendHTTP(ctx context.Context, request []byte) ([]byte, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(request, &payload); err != nil {
		return nil, tperrors.NewInternalError("xor transport: malformed outgoing JSON", err)
	}

	resp, err := t.httpClient.Post(ctx, httpx.Request{URL: fmt.Sprintf("http://%s/", t.host), JSON: payload})
	if err != nil {
		return nil, classifyConnErr(err)
	}
	return json.Marshal(resp.JSON)
}

func (t *XORTransport) sendTCP(ctx context.Context, request []byte) ([]byte, error) {
	if t.conn == nil {
		if err := t.dial(ctx); err != nil {
			return nil, err
		}
	}

	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(dl)
	} else if t.timeout > 0 {
		t.conn.SetDeadline(time.Now().Add(t.timeout))
	}

	framed := codec.EncryptRequest(request)
	if _, err := t.conn.Write(framed); err != nil {
		t.conn.Close()
		t.conn = nil
		return nil, classifyConnErr(err)
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(t.conn, lenBuf); err != nil {
		t.conn.Close()
		t.conn = nil
		return nil, classifyConnErr(err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, n)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		t.conn.Close()
		t.conn = nil
		return nil, classifyConnErr(err)
	}

	return codec.DecryptResponse(body), nil
}

func (t *XORTransport) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		return classifyConnErr(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	t.conn = conn
	return nil
}

// classifyConnErr maps a net-level error to the Connection/Timeout error
// kinds spec.md §4.3/§7 require, marking the well-known unretryable
// connect errors.
func classifyConnErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tperrors.NewTimeoutError("xor transport: operation timed out", err)
	}
	msg := err.Error()
	for errno := range noRetryErrnos {
		if strings.Contains(msg, errno) {
			return tperrors.NewConnectionError("xor transport: "+errno, err).WithContext("retryable", false)
		}
	}
	// net package errors usually surface these as plain substrings, not
	// named errno constants; check the common OS-level spellings too.
	switch {
	case strings.Contains(msg, "connection refused"):
		return tperrors.NewConnectionError("xor transport: connection refused", err).WithContext("retryable", false)
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "host is down"):
		return tperrors.NewConnectionError("xor transport: host unreachable", err).WithContext("retryable", false)
	}
	return tperrors.NewConnectionError("xor transport: connection error", err).WithContext("retryable", true)
}

// Reset implements Transport: the XOR transport has no session to drop,
// but a broken TCP connection is abandoned so the next Send redials.
func (t *XORTransport) Reset() {
	t.lock()
	defer t.unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close implements Transport.
func (t *XORTransport) Close() error {
	t.lock()
	defer t.unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
