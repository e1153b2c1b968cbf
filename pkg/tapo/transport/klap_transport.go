package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/metrics"
	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
	"github.com/johnpr01/tplink-client/pkg/tapo/httpx"
)

const (
	klapSeedSize = 16
	klapIVSize   = 12
)

// KLAPCredentials is the minimal credential view the KLAP transport needs,
// decoupled from pkg/tapo to avoid an import cycle.
type KLAPCredentials struct {
	Username     string
	Password     string
	LoginVersion int // 1 or 2; spec.md §4.5
}

// authHash computes the auth_hash derivation for c.LoginVersion (spec.md
// §4.5: v1 = MD5(MD5(user)||MD5(pass)), v2 = SHA256(SHA1(user)||SHA1(pass))).
func (c KLAPCredentials) authHash() []byte {
	if c.LoginVersion == 1 {
		return codec.MD5Sum(codec.MD5Sum([]byte(c.Username)), codec.MD5Sum([]byte(c.Password)))
	}
	return codec.SHA256Sum(codec.SHA1Sum([]byte(c.Username)), codec.SHA1Sum([]byte(c.Password)))
}

// KLAPTransport implements the KLAP HTTP transport (spec.md §4.5):
// two-stage seed+auth-hash handshake, derived AES key/IV/signature,
// per-request monotonic sequence.
type KLAPTransport struct {
	mutex

	baseURL string
	http    *httpx.Client

	creds        KLAPCredentials
	candidates   []KLAPCredentials // user creds, then defaults, then blank, in verification order

	state State

	localSeed  []byte
	remoteSeed []byte
	authHash   []byte // the candidate that verified

	key    []byte
	ivBase []byte
	sig    []byte
	seq    int32
}

// NewKLAPTransport builds a transport for host. candidates is the ordered
// list of credential sets to try during handshake-1 tag verification: user
// credentials first, then the well-known defaults, then blank (spec.md
// §4.5 "Handshake 1").
func NewKLAPTransport(host string, useTLS bool, timeout time.Duration, creds KLAPCredentials, candidates []KLAPCredentials) (*KLAPTransport, error) {
	c, err := httpx.New(timeout, useTLS)
	if err != nil {
		return nil, fmt.Errorf("klap transport: %w", err)
	}
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	return &KLAPTransport{
		baseURL:    fmt.Sprintf("%s://%s/app", scheme, host),
		http:       c,
		creds:      creds,
		candidates: candidates,
		state:      StateHandshakeRequired,
	}, nil
}

// Send implements Transport.
func (t *KLAPTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	t.lock()
	defer t.unlock()

	if t.state != StateEstablished {
		if err := t.handshake(ctx); err != nil {
			metrics.Handshakes.WithLabelValues("klap", "failure").Inc()
			return nil, err
		}
		metrics.Handshakes.WithLabelValues("klap", "success").Inc()
	}

	resp, err := t.request(ctx, request)
	if err != nil {
		if he, ok := err.(*tperrors.HomeAutomationError); ok && he.Type == tperrors.ErrorTypeRetryable {
			t.state = StateHandshakeRequired
		}
		return nil, err
	}
	return resp, nil
}

// handshake runs handshake1 (seed exchange + tag verification) then
// handshake2 (client tag), then derives the session key/iv/sig/seq
// (spec.md §4.5). KLAP collapses login into handshake-2, so this method
// alone takes the transport HANDSHAKE_REQUIRED -> ESTABLISHED.
func (t *KLAPTransport) handshake(ctx context.Context) error {
	t.localSeed = make([]byte, klapSeedSize)
	if _, err := rand.Read(t.localSeed); err != nil {
		return tperrors.NewInternalError("klap transport: generate local seed", err)
	}

	resp, err := t.http.Post(ctx, httpx.Request{URL: t.baseURL + "/handshake1", Bytes: t.localSeed})
	if err != nil {
		return classifyHTTPErr(err, "handshake1")
	}
	if resp.Status != http.StatusOK {
		return tperrors.NewAuthError(fmt.Sprintf("klap transport: handshake1 returned HTTP %d", resp.Status), nil)
	}
	if len(resp.Bytes) != klapSeedSize+32 {
		return tperrors.NewInternalError(fmt.Sprintf("klap transport: handshake1 response length %d, want %d", len(resp.Bytes), klapSeedSize+32), nil)
	}
	t.remoteSeed = append([]byte(nil), resp.Bytes[:klapSeedSize]...)
	serverTag := resp.Bytes[klapSeedSize:]

	candidates := t.allCandidates()
	var matched *KLAPCredentials
	var matchedHash []byte
	for i := range candidates {
		cand := candidates[i]
		hash := cand.authHash()
		expected := t.handshake1Tag(cand.LoginVersion, hash)
		if bytes.Equal(serverTag, expected) {
			matched = &candidates[i]
			matchedHash = hash
			break
		}
	}
	if matched == nil {
		return tperrors.NewAuthError("klap transport: handshake1 tag mismatch for all known credentials", nil)
	}
	t.creds = *matched
	t.authHash = matchedHash

	clientTag := t.handshake2Payload(matched.LoginVersion, matchedHash)
	resp2, err := t.http.Post(ctx, httpx.Request{URL: t.baseURL + "/handshake2", Bytes: clientTag})
	if err != nil {
		return classifyHTTPErr(err, "handshake2")
	}
	if resp2.Status != http.StatusOK {
		return tperrors.NewDeviceError(fmt.Sprintf("klap transport: handshake2 returned HTTP %d", resp2.Status), nil)
	}

	t.deriveSessionKeys()
	t.state = StateEstablished
	return nil
}

// allCandidates returns the user credentials, then t.candidates, in the
// verification order spec.md §4.5 specifies.
func (t *KLAPTransport) allCandidates() []KLAPCredentials {
	out := make([]KLAPCredentials, 0, len(t.candidates)+1)
	out = append(out, t.creds)
	out = append(out, t.candidates...)
	return out
}

// handshake1Tag computes the expected server_tag (spec.md §4.5).
func (t *KLAPTransport) handshake1Tag(loginVersion int, authHash []byte) []byte {
	if loginVersion == 1 {
		return codec.SHA256Sum(t.localSeed, authHash)
	}
	return codec.SHA256Sum(t.localSeed, t.remoteSeed, authHash)
}

// handshake2Payload computes the client tag sent to /handshake2 (spec.md
// §4.5).
func (t *KLAPTransport) handshake2Payload(loginVersion int, authHash []byte) []byte {
	if loginVersion == 1 {
		return codec.SHA256Sum(t.remoteSeed, authHash)
	}
	return codec.SHA256Sum(t.remoteSeed, t.localSeed, authHash)
}

// deriveSessionKeys derives key/iv_base/sig/seq from local_hash =
// local_seed||remote_seed||auth_hash (spec.md §4.5's open question notes
// this derivation is shared by both login versions).
func (t *KLAPTransport) deriveSessionKeys() {
	localHash := concatBytes(t.localSeed, t.remoteSeed, t.authHash)

	keyData := codec.SHA256Sum([]byte("lsk"), localHash)
	t.key = keyData[:16]

	ivData := codec.SHA256Sum([]byte("iv"), localHash)
	t.ivBase = ivData[:klapIVSize]
	t.seq = int32(binary.BigEndian.Uint32(ivData[28:32]))

	sigData := codec.SHA256Sum([]byte("ldk"), localHash)
	t.sig = sigData[:28]
}

// request encrypts plaintext into the per-request envelope (spec.md
// §4.5), posts it, and decrypts the response.
func (t *KLAPTransport) request(ctx context.Context, plaintext []byte) ([]byte, error) {
	t.seq++
	seq := t.seq

	iv := make([]byte, 16)
	copy(iv, t.ivBase)
	binary.BigEndian.PutUint32(iv[12:], uint32(seq))

	ciphertext, err := codec.AESCBCEncrypt(t.key, iv, plaintext)
	if err != nil {
		return nil, tperrors.NewInternalError("klap transport: encrypt request", err)
	}

	seqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBytes, uint32(seq))
	signature := codec.SHA256Sum(t.sig, seqBytes, ciphertext)

	wireBody := make([]byte, 0, len(signature)+len(ciphertext))
	wireBody = append(wireBody, signature...)
	wireBody = append(wireBody, ciphertext...)

	url := fmt.Sprintf("%s/request?seq=%d", t.baseURL, seq)
	resp, err := t.http.Post(ctx, httpx.Request{URL: url, Bytes: wireBody})
	if err != nil {
		return nil, classifyHTTPErr(err, "request")
	}
	if resp.Status == http.StatusForbidden {
		return nil, tperrors.NewRetryableError("klap transport: HTTP 403, session dead", nil)
	}
	if resp.Status != http.StatusOK {
		return nil, tperrors.NewDeviceError(fmt.Sprintf("klap transport: HTTP %d", resp.Status), nil)
	}

	if len(resp.Bytes) < 32 {
		return nil, tperrors.NewInternalError(fmt.Sprintf("klap transport: response too short (%d bytes)", len(resp.Bytes)), nil)
	}
	respCiphertext := resp.Bytes[32:]

	plain, err := codec.AESCBCDecrypt(t.key, iv, respCiphertext)
	if err != nil {
		return nil, tperrors.NewInternalError("klap transport: decrypt response", err)
	}
	return plain, nil
}

func concatBytes(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Reset implements Transport: drop handshake/session state so the next
// Send re-drives a full handshake.
func (t *KLAPTransport) Reset() {
	t.lock()
	defer t.unlock()
	t.state = StateHandshakeRequired
	t.localSeed = nil
	t.remoteSeed = nil
	t.authHash = nil
	t.key = nil
	t.ivBase = nil
	t.sig = nil
	t.seq = 0
}

// Close implements Transport. KLAP holds no long-lived socket beyond the
// shared http.Client, so Close is a no-op beyond dropping session state.
func (t *KLAPTransport) Close() error {
	t.Reset()
	return nil
}
