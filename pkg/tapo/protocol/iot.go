package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/metrics"
	"github.com/johnpr01/tplink-client/pkg/tapo/transport"
)

const iotDefaultRetries = 3
const iotRetryBackoff = 1 * time.Second

// IoT implements the legacy protocol (spec.md §4.6): the request IS the
// wire JSON (module -> command -> params nesting), sent through transport
// as-is, with no method/params envelope and no batching.
type IoT struct {
	mu        sync.Mutex
	transport transport.Transport
	retries   int
}

// NewIoT builds an IoT protocol instance over t. retries<=0 uses the
// spec.md default of 3.
func NewIoT(t transport.Transport, retries int) *IoT {
	if retries <= 0 {
		retries = iotDefaultRetries
	}
	return &IoT{transport: t, retries: retries}
}

// Query implements Protocol. methods is sent verbatim as the request body
// (it is the caller's responsibility to shape it the way the legacy wire
// protocol expects, e.g. {"system":{"get_sysinfo":{}}}).
func (p *IoT) Query(ctx context.Context, methods map[string]interface{}) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.QueryAttempts.WithLabelValues("iot").Inc()

	raw, err := json.Marshal(methods)
	if err != nil {
		return nil, tperrors.NewInternalError("iot protocol: marshal request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			metrics.QueryRetries.WithLabelValues("iot", string(lastErrType(lastErr))).Inc()
		}
		respBytes, err := p.transport.Send(ctx, raw)
		if err == nil {
			var result map[string]interface{}
			if jsonErr := json.Unmarshal(respBytes, &result); jsonErr != nil {
				return nil, tperrors.NewInternalError("iot protocol: decode response", jsonErr)
			}
			return result, nil
		}
		lastErr = err

		he, ok := err.(*tperrors.HomeAutomationError)
		if !ok {
			p.transport.Reset()
			return nil, err
		}

		switch he.Type {
		case tperrors.ErrorTypeTimeout:
			p.transport.Reset()
			if !p.sleepOrDone(ctx, iotRetryBackoff) {
				return nil, ctx.Err()
			}
		case tperrors.ErrorTypeConnection:
			// retry immediately, no reset (spec.md §4.6)
		case tperrors.ErrorTypeRetryable:
			p.transport.Reset()
			if !p.sleepOrDone(ctx, iotRetryBackoff) {
				return nil, ctx.Err()
			}
		case tperrors.ErrorTypeAuth:
			p.transport.Reset()
			return nil, err
		default:
			p.transport.Reset()
			return nil, err
		}
	}
	return nil, lastErr
}

// lastErrType extracts the HomeAutomationError type for metrics labeling,
// falling back to "unknown" for plain errors (e.g. ctx cancellation).
func lastErrType(err error) tperrors.ErrorType {
	if he, ok := err.(*tperrors.HomeAutomationError); ok {
		return he.Type
	}
	return "unknown"
}

func (p *IoT) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Close implements Protocol.
func (p *IoT) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport.Close()
}
