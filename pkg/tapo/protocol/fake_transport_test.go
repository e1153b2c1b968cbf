package protocol

import (
	"context"
	"encoding/json"
)

// fakeTransport is a scripted transport.Transport double: each Send call
// consumes the next scripted step (by matching the request's top-level
// "method" field, falling back to a default responder), so protocol-layer
// tests can assert batching/retry/pagination logic without any real
// socket, HTTP server, or crypto.
type fakeTransport struct {
	handlers map[string]func(req map[string]interface{}) (map[string]interface{}, error)
	fallback func(req map[string]interface{}) (map[string]interface{}, error)

	requests []map[string]interface{}
	resets   int
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(map[string]interface{}) (map[string]interface{}, error))}
}

func (f *fakeTransport) on(method string, h func(req map[string]interface{}) (map[string]interface{}, error)) {
	f.handlers[method] = h
}

func (f *fakeTransport) Send(ctx context.Context, request []byte) ([]byte, error) {
	var req map[string]interface{}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)

	method, _ := req["method"].(string)
	h := f.handlers[method]
	if h == nil {
		h = f.fallback
	}
	if h == nil {
		return json.Marshal(map[string]interface{}{"error_code": 0, "result": map[string]interface{}{}})
	}
	resp, err := h(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (f *fakeTransport) Reset()       { f.resets++ }
func (f *fakeTransport) Close() error { f.closed = true; return nil }
