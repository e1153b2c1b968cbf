package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
)

// aesServer emulates a device's AES-passthrough /app endpoint: handshake,
// login, and a single echoing securePassthrough method.
type aesServer struct {
	priv               *rsa.PrivateKey
	key, iv            []byte
	lastHandshakeCL    int64
	lastHandshakeBody  int64
	sessionTimeoutSecs int
}

func newAESServer(t *testing.T) *aesServer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate server keypair: %v", err)
	}
	return &aesServer{priv: priv, sessionTimeoutSecs: 86400}
}

func (s *aesServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.lastHandshakeCL = r.ContentLength

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.lastHandshakeBody = int64(len(raw))

		var req map[string]interface{}
		if err := json.Unmarshal(raw, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch req["method"] {
		case "handshake":
			params := req["params"].(map[string]interface{})
			pubPEM := params["key"].(string)
			pub, err := parseTestPublicKeyPEM(pubPEM)
			if err != nil {
				t.Fatalf("parse client public key: %v", err)
			}

			s.key = make([]byte, 16)
			s.iv = make([]byte, 16)
			rand.Read(s.key)
			rand.Read(s.iv)
			blob := append(append([]byte{}, s.key...), s.iv...)
			enc, err := rsa.EncryptPKCS1v15(rand.Reader, pub, blob)
			if err != nil {
				t.Fatalf("encrypt key blob: %v", err)
			}

			http.SetCookie(w, &http.Cookie{Name: "TP_SESSIONID", Value: "abc123"})
			http.SetCookie(w, &http.Cookie{Name: "TIMEOUT", Value: fmt.Sprintf("%d", s.sessionTimeoutSecs)})
			writeJSON(w, map[string]interface{}{
				"error_code": 0,
				"result":     map[string]interface{}{"key": base64.StdEncoding.EncodeToString(enc)},
			})

		case "securePassthrough":
			params := req["params"].(map[string]interface{})
			reqB64 := params["request"].(string)
			cipherIn, _ := base64.StdEncoding.DecodeString(reqB64)
			plain, err := codec.AESCBCDecrypt(s.key, s.iv, cipherIn)
			if err != nil {
				t.Fatalf("server decrypt inner request: %v", err)
			}
			var inner map[string]interface{}
			json.Unmarshal(plain, &inner)

			var innerResp map[string]interface{}
			switch inner["method"] {
			case "login_device":
				innerResp = map[string]interface{}{
					"error_code": 0,
					"result":     map[string]interface{}{"token": "tok-xyz"},
				}
			default:
				innerResp = map[string]interface{}{
					"error_code": 0,
					"result":     map[string]interface{}{"echoed_method": inner["method"]},
				}
			}
			innerRaw, _ := json.Marshal(innerResp)
			cipherOut, err := codec.AESCBCEncrypt(s.key, s.iv, innerRaw)
			if err != nil {
				t.Fatalf("server encrypt response: %v", err)
			}
			writeJSON(w, map[string]interface{}{
				"error_code": 0,
				"result":     map[string]interface{}{"response": base64.StdEncoding.EncodeToString(cipherOut)},
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	b, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func parseTestPublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// TestAESHandshakeContentLengthQuirk is spec.md §8 scenario 4: the
// handshake POST must always carry an explicit Content-Length header
// (some firmware 500s if it's left out), and that header must match the
// actual marshaled body size net/http will send.
func TestAESHandshakeContentLengthQuirk(t *testing.T) {
	srv := newAESServer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/app", srv.handler(t))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	host := ts.Listener.Addr().String()
	tr, err := NewAESTransport(host, false, time.Second, AESCredentials{Username: "a", Password: "b", LoginVersion: 2}, nil, nil)
	if err != nil {
		t.Fatalf("NewAESTransport: %v", err)
	}
	tr.baseURL = ts.URL

	_, err = tr.Send(context.Background(), []byte(`{"method":"get_device_info"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if srv.lastHandshakeCL <= 0 {
		t.Fatalf("handshake Content-Length = %d, want a positive explicit value", srv.lastHandshakeCL)
	}
	if srv.lastHandshakeBody != int64(srv.lastHandshakeCL) {
		t.Fatalf("handshake Content-Length = %d, want it to match actual body length %d", srv.lastHandshakeCL, srv.lastHandshakeBody)
	}
}

func TestAESSessionExpiryForcesRehandshake(t *testing.T) {
	srv := newAESServer(t)
	srv.sessionTimeoutSecs = 1 // well under the 20-minute margin: expires immediately
	mux := http.NewServeMux()
	mux.HandleFunc("/app", srv.handler(t))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	host := ts.Listener.Addr().String()
	tr, err := NewAESTransport(host, false, time.Second, AESCredentials{Username: "a", Password: "b", LoginVersion: 2}, nil, nil)
	if err != nil {
		t.Fatalf("NewAESTransport: %v", err)
	}
	tr.baseURL = ts.URL

	if _, err := tr.Send(context.Background(), []byte(`{"method":"get_device_info"}`)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if !tr.sessionExpires.Before(time.Now()) {
		t.Fatal("expected session_expires_at to already be in the past given a 1s timeout and 20min margin")
	}

	if _, err := tr.Send(context.Background(), []byte(`{"method":"get_device_info"}`)); err != nil {
		t.Fatalf("second Send (should rehandshake): %v", err)
	}
}
