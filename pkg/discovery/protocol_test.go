package discovery

import (
	"testing"

	"github.com/johnpr01/tplink-client/pkg/tapo/codec"
)

func TestLegacyProbeRoundTrip(t *testing.T) {
	probe := legacyProbe()
	reply := codec.XOREncrypt([]byte(`{"system":{"get_sysinfo":{"model":"HS100(US)"}}}`))

	body, err := parseLegacyReply(reply)
	if err != nil {
		t.Fatalf("parseLegacyReply: %v", err)
	}
	system := body["system"].(map[string]interface{})
	sysinfo := system["get_sysinfo"].(map[string]interface{})
	if sysinfo["model"] != "HS100(US)" {
		t.Fatalf("sysinfo = %#v", sysinfo)
	}

	if string(codec.XORDecrypt(probe)) != string(legacySysinfoRequest) {
		t.Fatal("legacyProbe does not XOR-decrypt back to the fixed sysinfo request")
	}
}

func TestNewProbeHeaderFields(t *testing.T) {
	buf, err := newProbe()
	if err != nil {
		t.Fatalf("newProbe: %v", err)
	}
	if len(buf) <= newProbeHeaderSize {
		t.Fatalf("probe too short: %d bytes", len(buf))
	}

	header, err := decodeNewProbeHeader(buf)
	if err != nil {
		t.Fatalf("decodeNewProbeHeader: %v", err)
	}
	if header.Version != newProbeVersion || header.MsgType != newProbeMsgType || header.OpCode != newProbeOpCode || header.Flags != newProbeFlags {
		t.Fatalf("header = %+v", header)
	}
	if int(header.MsgSize) != len(buf)-newProbeHeaderSize {
		t.Fatalf("MsgSize = %d, want %d", header.MsgSize, len(buf)-newProbeHeaderSize)
	}

	withSeed := append([]byte(nil), buf...)
	codec.PutCRC32FieldAndChecksum(withSeed, 12)
	for i := range withSeed {
		if withSeed[i] != buf[i] {
			t.Fatalf("CRC32 field/checksum not reproducible at byte %d", i)
		}
	}
}

func TestDecodeNewProbeHeaderShortBuffer(t *testing.T) {
	_, err := decodeNewProbeHeader(make([]byte, newProbeHeaderSize-1))
	if err == nil {
		t.Fatal("expected error for a header one byte short of 16")
	}
}

func TestParseNewReplyUsesResultField(t *testing.T) {
	buf, err := newProbe()
	if err != nil {
		t.Fatalf("newProbe: %v", err)
	}
	body := []byte(`{"error_code":0,"result":{"device_id":"abc","device_type":"SMART.TAPOPLUG"}}`)
	replyBuf := append(buf[:newProbeHeaderSize:newProbeHeaderSize], body...)

	result, err := parseNewReply(replyBuf)
	if err != nil {
		t.Fatalf("parseNewReply: %v", err)
	}
	if result["device_id"] != "abc" {
		t.Fatalf("result = %#v", result)
	}
}

func TestParseNewReplyFallsBackToWholeBodyWithoutResult(t *testing.T) {
	buf, err := newProbe()
	if err != nil {
		t.Fatalf("newProbe: %v", err)
	}
	body := []byte(`{"device_type":"IOT.SMARTPLUGSWITCH"}`)
	replyBuf := append(buf[:newProbeHeaderSize:newProbeHeaderSize], body...)

	result, err := parseNewReply(replyBuf)
	if err != nil {
		t.Fatalf("parseNewReply: %v", err)
	}
	if result["device_type"] != "IOT.SMARTPLUGSWITCH" {
		t.Fatalf("result = %#v", result)
	}
}
