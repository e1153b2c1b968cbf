package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/metrics"
	"github.com/johnpr01/tplink-client/pkg/tapo"
	"github.com/johnpr01/tplink-client/pkg/tapo/transport"
)

// smartCamForceDo are get*/set*-looking method names that are nonetheless
// shaped as "do" requests (spec.md §4.8).
var smartCamForceDo = map[string]bool{
	"getSdCardFormatStatus": true,
}

// SmartCam implements the camera-variant protocol (spec.md §4.8): same
// batching/retry shape as Smart, but single-method requests are reshaped
// by name convention, and child devices are addressed through the
// controlChild wrapper.
type SmartCam struct {
	mu           sync.Mutex
	transport    transport.Transport
	terminalUUID string
	batchSize    int
	retries      int
}

// NewSmartCam builds a SmartCam protocol instance over t.
func NewSmartCam(t transport.Transport, batchSize, retries int) *SmartCam {
	if batchSize <= 0 {
		batchSize = smartDefaultBatchSize
	}
	if retries <= 0 {
		retries = iotDefaultRetries
	}
	return &SmartCam{
		transport:    t,
		terminalUUID: newTerminalUUID(),
		batchSize:    batchSize,
		retries:      retries,
	}
}

// reshapedRequest is a single camera wire request: {method, <section>:
// params}, matched back to the caller's logical name by section key.
type reshapedRequest struct {
	logicalName string
	wireMethod  string // "get", "set", or "do"
	sectionKey  string
	params      interface{}
}

// reshape applies spec.md §4.8's method-name convention.
func reshape(name string, params interface{}) reshapedRequest {
	if !smartCamForceDo[name] && len(name) > 3 {
		prefix := name[:3]
		if prefix == "get" || prefix == "set" {
			return reshapedRequest{
				logicalName: name,
				wireMethod:  prefix,
				sectionKey:  snakeCase(name[3:]),
				params:      params,
			}
		}
	}
	return reshapedRequest{
		logicalName: name,
		wireMethod:  "do",
		sectionKey:  snakeCase(name),
		params:      params,
	}
}

// snakeCase converts CamelCase/PascalCase to snake_case, e.g.
// "DeviceInfo" -> "device_info".
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Query implements Protocol.
func (p *SmartCam) Query(ctx context.Context, methods map[string]interface{}) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.QueryAttempts.WithLabelValues("smartcam").Inc()

	if len(methods) == 0 {
		return map[string]interface{}{}, nil
	}

	oneOutstanding := len(methods) == 1
	reshapedByName := make(map[string]reshapedRequest, len(methods))
	names := make([]string, 0, len(methods))
	for name, params := range methods {
		reshapedByName[name] = reshape(name, params)
		names = append(names, name)
	}

	results := make(map[string]interface{}, len(methods))

	for idx := 0; idx < len(names); {
		end := idx + p.batchSize
		if end > len(names) {
			end = len(names)
		}
		chunk := names[idx:end]
		idx = end

		if len(chunk) == 1 {
			name := chunk[0]
			result, errCode, err := p.doSingle(ctx, reshapedByName[name])
			if err != nil {
				return nil, err
			}
			if errCode != 0 {
				if oneOutstanding {
					return nil, classifyDeviceError(errCode)
				}
				results[name] = map[string]interface{}{"error_code": errCode}
				continue
			}
			results[name] = result
			continue
		}

		sub, err := p.doBatch(ctx, chunk, reshapedByName)
		if err != nil {
			return nil, err
		}
		matched := make(map[string]bool, len(chunk))
		for name, sr := range sub {
			matched[name] = true
			if sr.ErrorCode != 0 {
				if oneOutstanding {
					return nil, classifyDeviceError(sr.ErrorCode)
				}
				results[name] = map[string]interface{}{"error_code": sr.ErrorCode}
				continue
			}
			results[name] = sr.Result
		}

		// Firmware dropped a sub-response (no batch-level error, just a
		// missing entry): requery that method singly (spec.md §4.7
		// behavior shared by §4.8).
		for _, name := range chunk {
			if matched[name] {
				continue
			}
			result, errCode, err := p.doSingle(ctx, reshapedByName[name])
			if err != nil {
				return nil, err
			}
			if errCode != 0 {
				if oneOutstanding {
					return nil, classifyDeviceError(errCode)
				}
				results[name] = map[string]interface{}{"error_code": errCode}
				continue
			}
			results[name] = result
		}
	}

	return results, nil
}

// doSingle sends one reshaped request: {method, <section>: params}. For a
// "get" request, a missing/empty response section is itself an error
// (spec.md §4.8).
func (p *SmartCam) doSingle(ctx context.Context, r reshapedRequest) (interface{}, int, error) {
	envelope := map[string]interface{}{
		"method":              r.wireMethod,
		r.sectionKey:          r.params,
		"request_time_milis":  time.Now().UnixMilli(),
		"terminal_uuid":       p.terminalUUID,
	}

	resp, err := p.sendEnvelope(ctx, envelope)
	if err != nil {
		return nil, 0, err
	}
	if errCode := responseErrorCode(resp); errCode != 0 {
		return nil, errCode, nil
	}

	section, ok := resp[r.sectionKey]
	if r.wireMethod == "get" && (!ok || isEmptySection(section)) {
		return nil, int(tapo.ErrCodeUnspecified), nil
	}
	return section, 0, nil
}

func isEmptySection(v interface{}) bool {
	if v == nil {
		return true
	}
	if m, ok := v.(map[string]interface{}); ok {
		return len(m) == 0
	}
	return false
}

// doBatch sends chunk as a multipleRequest (spec.md §4.8 "multipleRequest
// stays as-is"), matching sub-responses back to the caller's logical
// names by section key rather than by wire method (which is reused
// across get/set entries).
func (p *SmartCam) doBatch(ctx context.Context, chunk []string, reshapedByName map[string]reshapedRequest) (map[string]subResponse, error) {
	requests := make([]map[string]interface{}, 0, len(chunk))
	sectionToName := make(map[string]string, len(chunk))
	for _, name := range chunk {
		r := reshapedByName[name]
		requests = append(requests, map[string]interface{}{
			"method":     r.wireMethod,
			r.sectionKey: r.params,
		})
		sectionToName[r.sectionKey] = name
	}

	envelope := map[string]interface{}{
		"method":             "multipleRequest",
		"params":             map[string]interface{}{"requests": requests},
		"request_time_milis": time.Now().UnixMilli(),
		"terminal_uuid":      p.terminalUUID,
	}

	resp, err := p.sendEnvelope(ctx, envelope)
	if err != nil {
		return nil, err
	}
	if errCode := responseErrorCode(resp); errCode != 0 {
		if tapo.IsBatchDemotionCode(tapo.DeviceErrorCode(errCode)) {
			// Sticky demotion for the rest of the session (spec.md §4.8,
			// same semantics as Smart); this attempt raises Retryable so
			// the caller's retry re-drives with batch_size now at 1.
			p.batchSize = 1
			return nil, tperrors.NewRetryableError(fmt.Sprintf("smartcam protocol: batch demoted (error_code %d)", errCode), nil)
		}
		return nil, classifyDeviceError(errCode)
	}

	result, _ := resp["result"].(map[string]interface{})
	rawResponses, _ := result["responses"].([]interface{})

	out := make(map[string]subResponse, len(chunk))
	for _, raw := range rawResponses {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for section, name := range sectionToName {
			val, present := m[section]
			if !present {
				continue
			}
			sr := subResponse{Method: name, HasMethod: true, Result: val}
			if ec, ok := m["error_code"].(float64); ok {
				sr.ErrorCode = int(ec)
			}
			out[name] = sr
		}
	}
	return out, nil
}

// QueryChild wraps methods in the controlChild envelope (spec.md §4.8)
// and unwraps response_data on return.
func (p *SmartCam) QueryChild(ctx context.Context, deviceID string, methods map[string]interface{}) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oneOutstanding := len(methods) == 1
	results := make(map[string]interface{}, len(methods))

	for name, params := range methods {
		inner := map[string]interface{}{"method": name}
		if params != nil {
			inner["params"] = params
		}
		envelope := map[string]interface{}{
			"method": "controlChild",
			"params": map[string]interface{}{
				"childControl": map[string]interface{}{
					"device_id":    deviceID,
					"request_data": inner,
				},
			},
			"request_time_milis": time.Now().UnixMilli(),
			"terminal_uuid":      p.terminalUUID,
		}

		resp, err := p.sendEnvelope(ctx, envelope)
		if err != nil {
			return nil, err
		}
		if errCode := responseErrorCode(resp); errCode != 0 {
			if oneOutstanding {
				return nil, classifyDeviceError(errCode)
			}
			results[name] = map[string]interface{}{"error_code": errCode}
			continue
		}

		result, _ := resp["result"].(map[string]interface{})
		responseData, _ := result["response_data"].(map[string]interface{})
		if innerErrCode := responseErrorCode(responseData); innerErrCode != 0 {
			if oneOutstanding {
				return nil, classifyDeviceError(innerErrCode)
			}
			results[name] = map[string]interface{}{"error_code": innerErrCode}
			continue
		}
		if responseData != nil {
			results[name] = responseData["result"]
		}
	}

	return results, nil
}

// sendEnvelope mirrors Smart.sendEnvelope's outer retry policy (spec.md
// §4.8 "same batching/retry semantics as Smart").
func (p *SmartCam) sendEnvelope(ctx context.Context, envelope map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, tperrors.NewInternalError("smartcam protocol: marshal request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			metrics.QueryRetries.WithLabelValues("smartcam", string(lastErrType(lastErr))).Inc()
		}
		respBytes, err := p.transport.Send(ctx, raw)
		if err == nil {
			var result map[string]interface{}
			if jsonErr := json.Unmarshal(respBytes, &result); jsonErr != nil {
				return nil, tperrors.NewInternalError("smartcam protocol: decode response", jsonErr)
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
		case tperrors.ErrorTypeTimeout, tperrors.ErrorTypeRetryable:
			p.transport.Reset()
			select {
			case <-time.After(smartRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case tperrors.ErrorTypeConnection:
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

// Close implements Protocol.
func (p *SmartCam) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport.Close()
}
