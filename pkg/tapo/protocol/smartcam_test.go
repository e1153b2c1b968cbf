package protocol

import (
	"context"
	"testing"
)

func TestReshapeGetSetConvention(t *testing.T) {
	r := reshape("getDeviceInfo", nil)
	if r.wireMethod != "get" || r.sectionKey != "device_info" {
		t.Fatalf("reshape(getDeviceInfo) = %+v", r)
	}
	r = reshape("setLensMaskConfig", map[string]interface{}{"enabled": true})
	if r.wireMethod != "set" || r.sectionKey != "lens_mask_config" {
		t.Fatalf("reshape(setLensMaskConfig) = %+v", r)
	}
}

func TestReshapeForcedDoOverridesGetPrefix(t *testing.T) {
	r := reshape("getSdCardFormatStatus", nil)
	if r.wireMethod != "do" || r.sectionKey != "sd_card_format_status" {
		t.Fatalf("reshape(getSdCardFormatStatus) = %+v, want forced do", r)
	}
}

func TestReshapeDoPrefixMethod(t *testing.T) {
	r := reshape("doReboot", nil)
	if r.wireMethod != "do" || r.sectionKey != "do_reboot" {
		t.Fatalf("reshape(doReboot) = %+v", r)
	}
}

func TestSmartCamSingleGetMissingSectionIsError(t *testing.T) {
	ft := newFakeTransport()
	ft.on("get", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"error_code": float64(0)}, nil // no "device_info" key at all
	})

	p := NewSmartCam(ft, 5, 3)
	_, err := p.Query(context.Background(), map[string]interface{}{"getDeviceInfo": nil})
	if err == nil {
		t.Fatal("expected error when a get response omits its section")
	}
}

func TestSmartCamSingleGetReturnsSection(t *testing.T) {
	ft := newFakeTransport()
	ft.on("get", func(req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"error_code":  float64(0),
			"device_info": map[string]interface{}{"model": "C200"},
		}, nil
	})

	p := NewSmartCam(ft, 5, 3)
	results, err := p.Query(context.Background(), map[string]interface{}{"getDeviceInfo": nil})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	info := results["getDeviceInfo"].(map[string]interface{})
	if info["model"] != "C200" {
		t.Fatalf("result = %#v", info)
	}
}

func TestSmartCamControlChildUnwrapsResponseData(t *testing.T) {
	ft := newFakeTransport()
	ft.on("controlChild", func(req map[string]interface{}) (map[string]interface{}, error) {
		params := req["params"].(map[string]interface{})
		childControl := params["childControl"].(map[string]interface{})
		if childControl["device_id"] != "child-1" {
			t.Fatalf("device_id = %v", childControl["device_id"])
		}
		requestData := childControl["request_data"].(map[string]interface{})
		if requestData["method"] != "get_device_info" {
			t.Fatalf("request_data.method = %v", requestData["method"])
		}
		return map[string]interface{}{
			"error_code": float64(0),
			"result": map[string]interface{}{
				"response_data": map[string]interface{}{
					"error_code": float64(0),
					"result":     map[string]interface{}{"nickname": "plug"},
				},
			},
		}, nil
	})

	p := NewSmartCam(ft, 5, 3)
	results, err := p.QueryChild(context.Background(), "child-1", map[string]interface{}{"get_device_info": nil})
	if err != nil {
		t.Fatalf("QueryChild returned error: %v", err)
	}
	info := results["get_device_info"].(map[string]interface{})
	if info["nickname"] != "plug" {
		t.Fatalf("result = %#v", info)
	}
}

func TestSmartCamControlChildPerChildErrorAttribution(t *testing.T) {
	ft := newFakeTransport()
	ft.on("controlChild", func(req map[string]interface{}) (map[string]interface{}, error) {
		params := req["params"].(map[string]interface{})
		childControl := params["childControl"].(map[string]interface{})
		requestData := childControl["request_data"].(map[string]interface{})
		if requestData["method"] == "bad_method" {
			return map[string]interface{}{
				"error_code": float64(0),
				"result": map[string]interface{}{
					"response_data": map[string]interface{}{"error_code": float64(-1)},
				},
			}, nil
		}
		return map[string]interface{}{
			"error_code": float64(0),
			"result": map[string]interface{}{
				"response_data": map[string]interface{}{
					"error_code": float64(0),
					"result":     map[string]interface{}{"ok": true},
				},
			},
		}, nil
	})

	p := NewSmartCam(ft, 5, 3)
	results, err := p.QueryChild(context.Background(), "child-1", map[string]interface{}{
		"good_method": nil,
		"bad_method":  nil,
	})
	if err != nil {
		t.Fatalf("QueryChild returned error: %v", err)
	}
	bad := results["bad_method"].(map[string]interface{})
	if bad["error_code"] != float64(-1) {
		t.Fatalf("bad_method result = %#v", bad)
	}
	good := results["good_method"].(map[string]interface{})
	if good["ok"] != true {
		t.Fatalf("good_method result = %#v", good)
	}
}
