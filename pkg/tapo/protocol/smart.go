package protocol

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/metrics"
	"github.com/johnpr01/tplink-client/pkg/tapo"
	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
	"github.com/johnpr01/tplink-client/pkg/tapo/transport"
)

const (
	smartDefaultBatchSize = 5
	smartRetryBackoff     = 1 * time.Second
)

// smartSingleOnlyMethods are never folded into a multipleRequest chunk
// (spec.md §4.7 "deny-list").
var smartSingleOnlyMethods = map[string]bool{
	"getConnectStatus": true,
	"scanApList":       true,
}

// subResponse is one element of a multipleRequest's result.responses array.
type subResponse struct {
	Method    string
	Result    interface{}
	ErrorCode int
	HasMethod bool
}

// Smart implements the newer JSON-RPC-batched protocol (spec.md §4.7):
// request envelope, multipleRequest batching with sticky size demotion,
// per-item error attribution, and result-set pagination.
type Smart struct {
	mu           sync.Mutex
	transport    transport.Transport
	terminalUUID string
	batchSize    int
	retries      int
}

// NewSmart builds a Smart protocol instance over t. batchSize<=0 uses the
// spec.md default of 5; retries<=0 uses 3 (same outer-retry shape as IoT).
func NewSmart(t transport.Transport, batchSize, retries int) *Smart {
	if batchSize <= 0 {
		batchSize = smartDefaultBatchSize
	}
	if retries <= 0 {
		retries = iotDefaultRetries
	}
	return &Smart{
		transport:    t,
		terminalUUID: newTerminalUUID(),
		batchSize:    batchSize,
		retries:      retries,
	}
}

// newTerminalUUID derives the per-instance terminal_uuid: base64(MD5(16
// random bytes)), generated once (spec.md §4.7).
func newTerminalUUID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return base64.StdEncoding.EncodeToString(codec.MD5Sum(buf))
}

// Query implements Protocol.
func (p *Smart) Query(ctx context.Context, methods map[string]interface{}) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.QueryAttempts.WithLabelValues("smart").Inc()

	if len(methods) == 0 {
		return map[string]interface{}{}, nil
	}

	oneOutstanding := len(methods) == 1
	results := make(map[string]interface{}, len(methods))

	var singleNames, batchNames []string
	for name := range methods {
		if smartSingleOnlyMethods[name] {
			singleNames = append(singleNames, name)
		} else {
			batchNames = append(batchNames, name)
		}
	}

	for _, name := range singleNames {
		result, errCode, err := p.doSingle(ctx, name, methods[name])
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

	for idx := 0; idx < len(batchNames); {
		size := p.batchSize
		end := idx + size
		if end > len(batchNames) {
			end = len(batchNames)
		}
		chunk := batchNames[idx:end]
		idx = end

		if len(chunk) == 1 {
			name := chunk[0]
			result, errCode, err := p.doSingle(ctx, name, methods[name])
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

		subResponses, err := p.doBatch(ctx, chunk, methods)
		if err != nil {
			return nil, err
		}

		matched := make(map[string]bool, len(chunk))
		for _, sr := range subResponses {
			if !sr.HasMethod {
				continue
			}
			matched[sr.Method] = true
			if sr.ErrorCode != 0 {
				if oneOutstanding {
					return nil, classifyDeviceError(sr.ErrorCode)
				}
				results[sr.Method] = map[string]interface{}{"error_code": sr.ErrorCode}
				continue
			}
			results[sr.Method] = sr.Result
		}

		// Sub-responses missing a method tag are requeried singly
		// (spec.md §4.7 "known firmware quirk").
		for _, name := range chunk {
			if matched[name] {
				continue
			}
			result, errCode, err := p.doSingle(ctx, name, methods[name])
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

	for name, res := range results {
		resMap, ok := res.(map[string]interface{})
		if !ok {
			continue
		}
		merged, err := p.maybePaginate(ctx, name, methods[name], resMap)
		if err != nil {
			return nil, err
		}
		if merged != nil {
			results[name] = merged
		}
	}

	return results, nil
}

// doSingle sends a single-method request envelope and returns its decoded
// result (or device-reported error_code). A non-nil err means the
// transport itself failed (already retried/reset per §4.7's retry
// policy) and the whole Query must surface it.
func (p *Smart) doSingle(ctx context.Context, method string, params interface{}) (interface{}, int, error) {
	envelope := map[string]interface{}{
		"method":              method,
		"request_time_milis":  time.Now().UnixMilli(),
		"terminal_uuid":       p.terminalUUID,
	}
	if params != nil {
		envelope["params"] = params
	}

	resp, err := p.sendEnvelope(ctx, envelope)
	if err != nil {
		return nil, 0, err
	}
	errCode := responseErrorCode(resp)
	if errCode != 0 {
		return nil, errCode, nil
	}
	return resp["result"], 0, nil
}

// doBatch sends chunk as a multipleRequest and returns the parsed
// sub-responses. A non-nil err means either a transport failure or a
// batch-level device error (spec.md §4.7: "only batch-level errors
// raise").
func (p *Smart) doBatch(ctx context.Context, chunk []string, methods map[string]interface{}) ([]subResponse, error) {
	requests := make([]map[string]interface{}, 0, len(chunk))
	for _, name := range chunk {
		req := map[string]interface{}{"method": name}
		if params := methods[name]; params != nil {
			req["params"] = params
		}
		requests = append(requests, req)
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

	errCode := responseErrorCode(resp)
	if errCode != 0 {
		if tapo.IsBatchDemotionCode(tapo.DeviceErrorCode(errCode)) {
			// The device rejected the whole batch (too large to
			// parse/handle): demotion is sticky for the rest of the
			// session (spec.md §4.7), and this attempt itself raises
			// Retryable so the caller's retry re-drives with batch_size
			// now at 1.
			p.batchSize = 1
			return nil, tperrors.NewRetryableError(fmt.Sprintf("smart protocol: batch demoted (error_code %d)", errCode), nil)
		}
		return nil, classifyDeviceError(errCode)
	}

	result, _ := resp["result"].(map[string]interface{})
	rawResponses, _ := result["responses"].([]interface{})

	out := make([]subResponse, 0, len(rawResponses))
	demote := false
	for _, r := range rawResponses {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		sr := subResponse{}
		if name, ok := m["method"].(string); ok && name != "" {
			sr.Method = name
			sr.HasMethod = true
		}
		if ec, ok := m["error_code"].(float64); ok {
			sr.ErrorCode = int(ec)
			if tapo.IsBatchDemotionCode(tapo.DeviceErrorCode(sr.ErrorCode)) {
				demote = true
			}
		}
		sr.Result = m["result"]
		out = append(out, sr)
	}
	if demote {
		p.batchSize = 1
	}
	return out, nil
}

// maybePaginate detects the {start_index, sum, <one array field>} shape
// and re-requests subsequent pages until the array reaches sum entries or
// an empty page is returned (spec.md §4.7).
func (p *Smart) maybePaginate(ctx context.Context, method string, params interface{}, first map[string]interface{}) (map[string]interface{}, error) {
	sumVal, hasSum := first["sum"]
	_, hasStartIndex := first["start_index"]
	if !hasSum || !hasStartIndex {
		return nil, nil
	}
	sumFloat, ok := sumVal.(float64)
	if !ok {
		return nil, nil
	}

	arrayField := ""
	var list []interface{}
	for k, v := range first {
		if k == "start_index" || k == "sum" {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			if arrayField != "" {
				// More than one array field: shape doesn't match the
				// pagination convention, leave as-is.
				return nil, nil
			}
			arrayField = k
			list = append(list, arr...)
		}
	}
	if arrayField == "" {
		return nil, nil
	}

	sum := int(sumFloat)
	for len(list) < sum {
		nextParams := cloneParams(params)
		nextParams["start_index"] = len(list)

		result, errCode, err := p.doSingle(ctx, method, nextParams)
		if err != nil {
			return nil, err
		}
		if errCode != 0 {
			return nil, classifyDeviceError(errCode)
		}
		page, ok := result.(map[string]interface{})
		if !ok {
			break
		}
		pageArr, ok := page[arrayField].([]interface{})
		if !ok || len(pageArr) == 0 {
			break // empty page or malformed shape: stop, guard against infinite loop
		}
		list = append(list, pageArr...)
	}

	merged := make(map[string]interface{}, len(first))
	for k, v := range first {
		merged[k] = v
	}
	merged[arrayField] = list
	return merged, nil
}

func cloneParams(params interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if m, ok := params.(map[string]interface{}); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// sendEnvelope marshals envelope, sends it through transport with the
// §4.6-shaped outer retry loop (Timeout/Connection/Retryable backoff,
// Auth surfaces immediately), and decodes the top-level
// {error_code, result} response.
func (p *Smart) sendEnvelope(ctx context.Context, envelope map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, tperrors.NewInternalError("smart protocol: marshal request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			metrics.QueryRetries.WithLabelValues("smart", string(lastErrType(lastErr))).Inc()
		}
		respBytes, err := p.transport.Send(ctx, raw)
		if err == nil {
			var result map[string]interface{}
			if jsonErr := json.Unmarshal(respBytes, &result); jsonErr != nil {
				return nil, tperrors.NewInternalError("smart protocol: decode response", jsonErr)
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
			// retry immediately, no reset
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
func (p *Smart) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport.Close()
}

func responseErrorCode(resp map[string]interface{}) int {
	if ec, ok := resp["error_code"].(float64); ok {
		return int(ec)
	}
	return 0
}

func classifyDeviceError(code int) error {
	errType := tapo.ClassifyErrorCode(tapo.DeviceErrorCode(code))
	if errType == "" {
		return nil
	}
	return tperrors.NewError(errType, tperrors.SeverityHigh, fmt.Sprintf("smart protocol: device error_code %d", code), nil)
}
