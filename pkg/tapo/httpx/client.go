// Package httpx implements the shared HTTP client every HTTP-tunnelled
// transport (AES-passthrough, KLAP, and the port-80 XOR fallback) builds
// on: a cookie jar, an optional permissive TLS config, and classification
// of transport-level failures (spec.md §4.2).
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FailureKind classifies a transport-level HTTP failure (spec.md §4.2).
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureTimeout
	FailureConnectionReset
)

// ClassifyError inspects err (as returned from http.Client.Do) and
// reports which FailureKind it represents.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return FailureOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection refused") {
		return FailureConnectionReset
	}
	return FailureOther
}

// tlsCipherSuites is the restricted AES cipher list spec.md §6 calls for
// on the HTTPS variant of the Smart/SmartCam transports.
var tlsCipherSuites = []uint16{
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA256,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// PermissiveTLSConfig returns a TLS config with peer-certificate
// verification disabled and the cipher suite restricted per spec.md §4.2/§6
// — TP-Link's on-device HTTPS listener uses a self-signed cert and an old
// cipher list.
func PermissiveTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		CipherSuites:       tlsCipherSuites,
		MinVersion:         tls.VersionTLS10,
	}
}

// Request bundles a POST call's inputs: exactly one of JSON or Bytes
// should be set.
type Request struct {
	URL     string
	JSON    interface{}
	Bytes   []byte
	Headers map[string]string
}

// Response is what Post returns: Body is the parsed JSON result when the
// request body was JSON, otherwise the raw response bytes.
type Response struct {
	Status int
	JSON   map[string]interface{}
	Bytes  []byte
	Cookies []*http.Cookie
}

// Client wraps http.Client with the device-quirk 250ms sticky post-reset
// delay (spec.md §4.2: "some firmware closes the HTTP connection per
// request") and cookie-jar introspection.
type Client struct {
	http *http.Client
	jar  http.CookieJar

	mu          sync.Mutex
	stickyDelay bool
}

// New builds a Client with the given timeout. If useTLS is true, the
// client dials HTTPS with PermissiveTLSConfig.
func New(timeout time.Duration, useTLS bool) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DisableKeepAlives: false,
	}
	if useTLS {
		transport.TLSClientConfig = PermissiveTLSConfig()
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Jar:       jar,
			Transport: transport,
		},
		jar: jar,
	}, nil
}

// Post issues an HTTP POST. When req.JSON is set, it is marshalled and the
// response body is parsed as JSON; otherwise req.Bytes is sent verbatim
// and the raw response body is returned.
func (c *Client) Post(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	sticky := c.stickyDelay
	c.mu.Unlock()
	if sticky {
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var body io.Reader
	isJSON := req.JSON != nil
	if isJSON {
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(req.Bytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if isJSON {
		httpReq.Header.Set("Content-Type", "application/json")
	} else {
		httpReq.Header.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
		// net/http always recomputes the wire Content-Length from the body
		// reader, ignoring a manually-set header value — except when
		// ContentLength is set directly on the request. Some device
		// firmware insists on a literal value regardless of actual body
		// size (spec.md §4.4 handshake quirk), so honor it explicitly.
		if strings.EqualFold(k, "Content-Length") {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				httpReq.ContentLength = n
			}
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if kind := ClassifyError(err); kind == FailureConnectionReset {
			c.mu.Lock()
			c.stickyDelay = true
			c.mu.Unlock()
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &Response{Status: resp.StatusCode, Bytes: raw, Cookies: resp.Cookies()}
	if isJSON {
		if len(raw) > 0 {
			if jsonErr := json.Unmarshal(raw, &out.JSON); jsonErr != nil {
				return nil, fmt.Errorf("parse json response: %w", jsonErr)
			}
		}
	}
	return out, nil
}

// GetCookie returns the named cookie's value from the jar for urlStr, if
// present.
func (c *Client) GetCookie(urlStr, name string) (string, bool) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", false
	}
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}
