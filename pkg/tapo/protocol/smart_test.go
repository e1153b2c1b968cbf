package protocol

import (
	"context"
	"testing"

	tperrors "github.com/johnpr01/tplink-client/internal/errors"
)

// TestSmartBatchDemotionRaisesRetryable is spec.md §4.7/§8 scenario 5: a
// batch-level JSON_DECODE_FAIL_ERROR permanently demotes batch_size to 1
// and raises Retryable on that attempt; multipleRequest must never be sent
// again afterward, and a second Query call succeeds using single requests.
func TestSmartBatchDemotionRaisesRetryable(t *testing.T) {
	ft := newFakeTransport()
	multipleRequestCalls := 0
	ft.on("multipleRequest", func(req map[string]interface{}) (map[string]interface{}, error) {
		multipleRequestCalls++
		if multipleRequestCalls > 1 {
			t.Fatal("multipleRequest should not be sent again after demotion")
		}
		return map[string]interface{}{"error_code": float64(-1003)}, nil // JSON_DECODE_FAIL_ERROR
	})
	ft.on("get_device_info", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"error_code": float64(0), "result": map[string]interface{}{"device_id": "a"}}, nil
	})
	ft.on("get_wireless_scan_info", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"error_code": float64(0), "result": map[string]interface{}{"ap": "b"}}, nil
	})

	p := NewSmart(ft, 5, 3)
	methods := map[string]interface{}{
		"get_device_info":        nil,
		"get_wireless_scan_info": nil,
	}

	_, err := p.Query(context.Background(), methods)
	he, ok := err.(*tperrors.HomeAutomationError)
	if !ok || he.Type != tperrors.ErrorTypeRetryable {
		t.Fatalf("first Query error = %v, want a Retryable HomeAutomationError", err)
	}
	if p.batchSize != 1 {
		t.Fatalf("batchSize = %d, want 1 (sticky demotion)", p.batchSize)
	}

	results, err := p.Query(context.Background(), methods)
	if err != nil {
		t.Fatalf("second Query returned error: %v", err)
	}
	di, ok := results["get_device_info"].(map[string]interface{})
	if !ok || di["device_id"] != "a" {
		t.Fatalf("get_device_info result = %#v", results["get_device_info"])
	}
}

func TestSmartPaginationAccumulatesUntilSum(t *testing.T) {
	ft := newFakeTransport()
	page := 0
	ft.on("get_child_device_list", func(req map[string]interface{}) (map[string]interface{}, error) {
		params, _ := req["params"].(map[string]interface{})
		startIndex := 0
		if params != nil {
			if si, ok := params["start_index"].(float64); ok {
				startIndex = int(si)
			}
		}
		page++
		var children []interface{}
		if startIndex < 6 {
			children = []interface{}{
				map[string]interface{}{"id": startIndex},
				map[string]interface{}{"id": startIndex + 1},
				map[string]interface{}{"id": startIndex + 2},
			}
		}
		return map[string]interface{}{
			"error_code": float64(0),
			"result": map[string]interface{}{
				"start_index":       float64(startIndex),
				"sum":               float64(9),
				"child_device_list": children,
			},
		}, nil
	})

	p := NewSmart(ft, 5, 3)
	results, err := p.Query(context.Background(), map[string]interface{}{"get_child_device_list": nil})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	res := results["get_child_device_list"].(map[string]interface{})
	list := res["child_device_list"].([]interface{})
	if len(list) != 9 {
		t.Fatalf("accumulated list length = %d, want 9 (3 pages of 3)", len(list))
	}
	if page != 3 {
		t.Fatalf("pages requested = %d, want 3", page)
	}
}

func TestSmartPaginationStopsOnEmptyPage(t *testing.T) {
	ft := newFakeTransport()
	ft.on("get_child_device_list", func(req map[string]interface{}) (map[string]interface{}, error) {
		params, _ := req["params"].(map[string]interface{})
		startIndex := 0
		if params != nil {
			if si, ok := params["start_index"].(float64); ok {
				startIndex = int(si)
			}
		}
		var children []interface{}
		if startIndex == 0 {
			children = []interface{}{map[string]interface{}{"id": 0}}
		}
		return map[string]interface{}{
			"error_code": float64(0),
			"result": map[string]interface{}{
				"start_index":       float64(startIndex),
				"sum":               float64(9), // device over-reports; client must not loop forever
				"child_device_list": children,
			},
		}, nil
	})

	p := NewSmart(ft, 5, 3)
	results, err := p.Query(context.Background(), map[string]interface{}{"get_child_device_list": nil})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	res := results["get_child_device_list"].(map[string]interface{})
	list := res["child_device_list"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1 (second page empty, loop must stop)", len(list))
	}
}

func TestSmartSingleOutstandingMethodErrorRaises(t *testing.T) {
	ft := newFakeTransport()
	ft.on("get_device_info", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"error_code": float64(-1002)}, nil // AUTHENTICATION_FAILED_ERROR
	})

	p := NewSmart(ft, 5, 3)
	_, err := p.Query(context.Background(), map[string]interface{}{"get_device_info": nil})
	if err == nil {
		t.Fatal("expected error for the single outstanding method")
	}
}

func TestSmartManyOutstandingPerItemErrorRecorded(t *testing.T) {
	ft := newFakeTransport()
	ft.on("multipleRequest", func(req map[string]interface{}) (map[string]interface{}, error) {
		params := req["params"].(map[string]interface{})
		requests := params["requests"].([]interface{})
		responses := make([]interface{}, 0, len(requests))
		for _, r := range requests {
			rm := r.(map[string]interface{})
			name := rm["method"].(string)
			if name == "get_bad" {
				responses = append(responses, map[string]interface{}{"method": name, "error_code": float64(-1)})
				continue
			}
			responses = append(responses, map[string]interface{}{"method": name, "error_code": float64(0), "result": map[string]interface{}{"ok": true}})
		}
		return map[string]interface{}{
			"error_code": float64(0),
			"result":     map[string]interface{}{"responses": responses},
		}, nil
	})

	p := NewSmart(ft, 5, 3)
	results, err := p.Query(context.Background(), map[string]interface{}{
		"get_good": nil,
		"get_bad":  nil,
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	bad := results["get_bad"].(map[string]interface{})
	if bad["error_code"] != float64(-1) {
		t.Fatalf("get_bad result = %#v", bad)
	}
	good := results["get_good"].(map[string]interface{})
	if good["ok"] != true {
		t.Fatalf("get_good result = %#v", good)
	}
}

func TestSmartDenyListMethodsAlwaysSingle(t *testing.T) {
	ft := newFakeTransport()
	sawMultiple := false
	ft.on("multipleRequest", func(req map[string]interface{}) (map[string]interface{}, error) {
		sawMultiple = true
		return map[string]interface{}{"error_code": float64(0), "result": map[string]interface{}{"responses": []interface{}{}}}, nil
	})
	ft.on("getConnectStatus", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"error_code": float64(0), "result": map[string]interface{}{"status": "ok"}}, nil
	})
	ft.on("scanApList", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"error_code": float64(0), "result": map[string]interface{}{"aps": []interface{}{}}}, nil
	})

	p := NewSmart(ft, 5, 3)
	_, err := p.Query(context.Background(), map[string]interface{}{
		"getConnectStatus": nil,
		"scanApList":       nil,
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if sawMultiple {
		t.Fatal("deny-listed methods must never be folded into multipleRequest")
	}
}
