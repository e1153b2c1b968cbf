package transport

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/metrics"
	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
	"github.com/johnpr01/tplink-client/pkg/tapo/httpx"
)

// aesSessionMargin is subtracted from the device-reported TIMEOUT cookie
// to get session_expires_at (spec.md §4.4 "20 min safety margin").
const aesSessionMargin = 20 * time.Minute

// defaultAESTimeoutSeconds is used when the device omits a TIMEOUT cookie
// (spec.md §4.4: "default one day").
const defaultAESTimeoutSeconds = 24 * 60 * 60

// AESCredentials is the minimal credential view the AES transport needs,
// decoupled from pkg/tapo to avoid an import cycle.
type AESCredentials struct {
	Username     string
	Password     string
	LoginVersion int // 1 or 2; spec.md §4.4
}

// AESTransport implements the AES-passthrough HTTP transport (spec.md
// §4.4): RSA handshake, AES session, securePassthrough envelope.
type AESTransport struct {
	mutex

	baseURL string
	http    *httpx.Client
	timeout time.Duration

	creds        AESCredentials
	defaultCreds []AESCredentials
	keys         *codec.AESKeyCache

	state State

	priv *rsa.PrivateKey
	key  []byte
	iv   []byte

	tokenURL        string
	sessionExpires  time.Time
	usedDefaultOnce bool
}

// AESKeyCacheSource supplies (and receives back) a cached RSA keypair so
// repeated connects to the same device skip RSA keygen (spec.md §4.4
// "Cached keys").
type AESKeyCacheSource interface {
	Get() (*rsa.PrivateKey, error)
}

// NewAESTransport builds a transport for host, using useTLS to select
// http:// vs https:// per the device's ConnectionType.
func NewAESTransport(host string, useTLS bool, timeout time.Duration, creds AESCredentials, defaultCreds []AESCredentials, keys AESKeyCacheSource) (*AESTransport, error) {
	c, err := httpx.New(timeout, useTLS)
	if err != nil {
		return nil, fmt.Errorf("aes transport: %w", err)
	}
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	t := &AESTransport{
		baseURL: fmt.Sprintf("%s://%s", scheme, host),
		http:    c,
		timeout: timeout,
		creds:   creds,
		defaultCreds: defaultCredsAsAES(defaultCreds, creds.LoginVersion),
		state:   StateHandshakeRequired,
	}
	if keys != nil {
		priv, err := keys.Get()
		if err != nil {
			return nil, fmt.Errorf("aes transport: restore cached keypair: %w", err)
		}
		t.priv = priv
	}
	return t, nil
}

func defaultCredsAsAES(in []AESCredentials, loginVersion int) []AESCredentials {
	out := make([]AESCredentials, len(in))
	for i, c := range in {
		c.LoginVersion = loginVersion
		out[i] = c
	}
	return out
}

// Send implements Transport: drives handshake/login as needed, then wraps
// request in securePassthrough.
func (t *AESTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	t.lock()
	defer t.unlock()

	if t.state == StateHandshakeRequired {
		if err := t.handshakeInstrumented(ctx); err != nil {
			return nil, err
		}
	}
	if !t.sessionExpires.IsZero() && time.Now().After(t.sessionExpires) {
		t.state = StateHandshakeRequired
		if err := t.handshakeInstrumented(ctx); err != nil {
			return nil, err
		}
	}
	if t.state == StateLoginRequired {
		if err := t.loginInstrumented(ctx, t.creds); err != nil {
			if !t.usedDefaultOnce {
				t.usedDefaultOnce = true
				t.state = StateHandshakeRequired
				if hsErr := t.handshakeInstrumented(ctx); hsErr != nil {
					return nil, hsErr
				}
				if loginErr := t.loginWithDefaults(ctx); loginErr != nil {
					return nil, loginErr
				}
			} else {
				return nil, err
			}
		}
	}

	resp, err := t.securePassthrough(ctx, request)
	if err != nil {
		if he, ok := err.(*tperrors.HomeAutomationError); ok && he.Type == tperrors.ErrorTypeRetryable {
			t.state = StateHandshakeRequired
		}
		return nil, err
	}
	return resp, nil
}

func (t *AESTransport) loginWithDefaults(ctx context.Context) error {
	var lastErr error
	for _, dc := range t.defaultCreds {
		if err := t.loginInstrumented(ctx, dc); err == nil {
			t.creds = dc
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = tperrors.NewAuthError("aes transport: no default credentials configured", nil)
	}
	return lastErr
}

// handshakeInstrumented wraps handshake with metrics.Handshakes.
func (t *AESTransport) handshakeInstrumented(ctx context.Context) error {
	err := t.handshake(ctx)
	if err != nil {
		metrics.Handshakes.WithLabelValues("aes", "failure").Inc()
		return err
	}
	metrics.Handshakes.WithLabelValues("aes", "success").Inc()
	return nil
}

// loginInstrumented wraps login with metrics.Handshakes (login_device is
// the AES transport's login step, distinct from the RSA handshake above).
func (t *AESTransport) loginInstrumented(ctx context.Context, creds AESCredentials) error {
	err := t.login(ctx, creds)
	if err != nil {
		metrics.Handshakes.WithLabelValues("aes_login", "failure").Inc()
		return err
	}
	metrics.Handshakes.WithLabelValues("aes_login", "success").Inc()
	return nil
}

// handshake performs POST /app {"method":"handshake",...}. Some firmware
// returns HTTP 500 if Content-Length is omitted from the request, so it is
// always set explicitly from the real marshaled body size rather than left
// to net/http's default (spec.md §4.4, §8 scenario 4).
func (t *AESTransport) handshake(ctx context.Context) error {
	if t.priv == nil {
		priv, err := codec.GenerateRSAKeyPair(codec.HandshakeKeyBits)
		if err != nil {
			return tperrors.NewInternalError("aes transport: generate handshake keypair", err)
		}
		t.priv = priv
	}
	pem, err := codec.PublicKeyPEM(&t.priv.PublicKey)
	if err != nil {
		return tperrors.NewInternalError("aes transport: encode public key", err)
	}

	body := map[string]interface{}{
		"method": "handshake",
		"params": map[string]interface{}{"key": pem},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return tperrors.NewInternalError("aes transport: marshal handshake body", err)
	}

	resp, err := t.http.Post(ctx, httpx.Request{
		URL:   t.baseURL + "/app",
		Bytes: raw,
		Headers: map[string]string{
			"Content-Type":   "application/json",
			"Content-Length": strconv.Itoa(len(raw)),
		},
	})
	if err != nil {
		return classifyHTTPErr(err, "handshake")
	}
	if resp.Status != http.StatusOK {
		return tperrors.NewAuthError(fmt.Sprintf("aes transport: handshake returned HTTP %d", resp.Status), nil)
	}

	var parsed struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Key string `json:"key"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Bytes, &parsed); err != nil {
		return tperrors.NewInternalError("aes transport: parse handshake response", err)
	}
	if parsed.ErrorCode != 0 {
		return tperrors.NewAuthError(fmt.Sprintf("aes transport: handshake error_code %d", parsed.ErrorCode), nil)
	}

	encBlob, err := base64.StdEncoding.DecodeString(parsed.Result.Key)
	if err != nil {
		return tperrors.NewInternalError("aes transport: decode handshake key blob", err)
	}
	plain, err := codec.DecryptPKCS1v15(t.priv, encBlob)
	if err != nil {
		return tperrors.NewAuthError("aes transport: rsa-decrypt handshake key blob", err)
	}
	if len(plain) < 32 {
		return tperrors.NewInternalError(fmt.Sprintf("aes transport: handshake key blob too short (%d bytes)", len(plain)), nil)
	}
	t.key = append([]byte(nil), plain[:16]...)
	t.iv = append([]byte(nil), plain[16:32]...)

	timeoutSecs := defaultAESTimeoutSeconds
	if v, ok := t.http.GetCookie(t.baseURL, "TIMEOUT"); ok {
		var n int
		if _, scanErr := fmt.Sscanf(v, "%d", &n); scanErr == nil && n > 0 {
			timeoutSecs = n
		}
	}
	t.sessionExpires = time.Now().Add(time.Duration(timeoutSecs)*time.Second - aesSessionMargin)
	t.tokenURL = ""
	t.state = StateLoginRequired
	return nil
}

// login performs POST /app (securePassthrough-wrapped) {"method":
// "login_device", ...} per spec.md §4.4.
func (t *AESTransport) login(ctx context.Context, creds AESCredentials) error {
	userHash := base64.StdEncoding.EncodeToString(codec.SHA1Sum([]byte(creds.Username)))

	params := map[string]interface{}{"username": userHash}
	if creds.LoginVersion == 2 {
		params["password2"] = base64.StdEncoding.EncodeToString(codec.SHA1Sum([]byte(creds.Password)))
	} else {
		params["password"] = base64.StdEncoding.EncodeToString([]byte(creds.Password))
	}

	body := map[string]interface{}{
		"method":             "login_device",
		"params":             params,
		"request_time_milis": time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return tperrors.NewInternalError("aes transport: marshal login body", err)
	}

	resp, err := t.securePassthroughRaw(ctx, t.baseURL+"/app", raw)
	if err != nil {
		return err
	}

	var parsed struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return tperrors.NewInternalError("aes transport: parse login response", err)
	}
	if parsed.ErrorCode != 0 {
		return tperrors.NewAuthError(fmt.Sprintf("aes transport: login error_code %d", parsed.ErrorCode), nil)
	}

	t.tokenURL = fmt.Sprintf("%s/app?token=%s", t.baseURL, parsed.Result.Token)
	t.state = StateEstablished
	return nil
}

// securePassthrough wraps request (already-serialized caller JSON) in the
// securePassthrough envelope and sends it to token_url (if established) or
// /app (spec.md §4.4).
func (t *AESTransport) securePassthrough(ctx context.Context, request []byte) ([]byte, error) {
	url := t.baseURL + "/app"
	if t.state == StateEstablished && t.tokenURL != "" {
		url = t.tokenURL
	}
	return t.securePassthroughRaw(ctx, url, request)
}

func (t *AESTransport) securePassthroughRaw(ctx context.Context, url string, plaintext []byte) ([]byte, error) {
	cipherBytes, err := codec.AESCBCEncrypt(t.key, t.iv, plaintext)
	if err != nil {
		return nil, tperrors.NewInternalError("aes transport: encrypt request", err)
	}

	envelope := map[string]interface{}{
		"method": "securePassthrough",
		"params": map[string]interface{}{
			"request": base64.StdEncoding.EncodeToString(cipherBytes),
		},
	}

	resp, err := t.http.Post(ctx, httpx.Request{URL: url, JSON: envelope})
	if err != nil {
		return nil, classifyHTTPErr(err, "securePassthrough")
	}
	if resp.Status == http.StatusForbidden {
		return nil, tperrors.NewRetryableError("aes transport: HTTP 403, session dead", nil)
	}
	if resp.Status != http.StatusOK {
		return nil, tperrors.NewDeviceError(fmt.Sprintf("aes transport: HTTP %d", resp.Status), nil)
	}

	var parsed struct {
		ErrorCode int `json:"error_code"`
		Result    struct {
			Response string `json:"response"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Bytes, &parsed); err != nil {
		return nil, tperrors.NewInternalError("aes transport: parse securePassthrough envelope", err)
	}
	if parsed.ErrorCode != 0 {
		return nil, tperrors.NewDeviceError(fmt.Sprintf("aes transport: error_code %d", parsed.ErrorCode), nil)
	}

	if parsed.Result.Response == "" {
		// Some firmware returns the unwrapped JSON directly; treat the raw
		// body as the answer per spec.md §4.4 "treat it as unwrapped".
		if json.Valid(resp.Bytes) {
			return resp.Bytes, nil
		}
		return nil, tperrors.NewInternalError("aes transport: empty securePassthrough response", nil)
	}

	cipherOut, err := base64.StdEncoding.DecodeString(parsed.Result.Response)
	if err != nil {
		return nil, tperrors.NewInternalError("aes transport: decode response ciphertext", err)
	}
	plain, err := codec.AESCBCDecrypt(t.key, t.iv, cipherOut)
	if err != nil {
		if json.Valid(resp.Bytes) {
			return resp.Bytes, nil
		}
		return nil, tperrors.NewInternalError("aes transport: decrypt response", err)
	}
	return plain, nil
}

func classifyHTTPErr(err error, op string) error {
	switch httpx.ClassifyError(err) {
	case httpx.FailureTimeout:
		return tperrors.NewTimeoutError(fmt.Sprintf("aes transport: %s timed out", op), err)
	case httpx.FailureConnectionReset:
		return tperrors.NewConnectionError(fmt.Sprintf("aes transport: %s connection reset", op), err)
	default:
		return tperrors.NewConnectionError(fmt.Sprintf("aes transport: %s failed", op), err)
	}
}

// Reset implements Transport: drop session/handshake state so the next
// Send re-drives a full handshake (spec.md §5 "Cancellation").
func (t *AESTransport) Reset() {
	t.lock()
	defer t.unlock()
	t.state = StateHandshakeRequired
	t.key = nil
	t.iv = nil
	t.tokenURL = ""
	t.sessionExpires = time.Time{}
	t.usedDefaultOnce = false
}

// Close implements Transport. The AES transport holds no long-lived
// socket (plain HTTP/1.1 keep-alive, managed by httpx.Client), so Close is
// a no-op beyond dropping session state.
func (t *AESTransport) Close() error {
	t.Reset()
	return nil
}
