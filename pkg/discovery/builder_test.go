package discovery

import (
	"testing"

	"github.com/johnpr01/tplink-client/pkg/tapo"
)

func TestMatchFamilyExact(t *testing.T) {
	f, ok := matchFamily("SMART.TAPOPLUG")
	if !ok || f != tapo.FamilySmartTapoPlug {
		t.Fatalf("matchFamily = %v, %v", f, ok)
	}
}

func TestMatchFamilyLongestSubstringWins(t *testing.T) {
	f, ok := matchFamily("SMART.TAPOROBOVAC-V2")
	if !ok || f != tapo.FamilySmartTapoRobovac {
		t.Fatalf("matchFamily = %v, %v, want FamilySmartTapoRobovac", f, ok)
	}
}

func TestMatchFamilyUnknown(t *testing.T) {
	if _, ok := matchFamily("BOGUS.THING"); ok {
		t.Fatal("expected no match for an unrecognized device_type")
	}
}

func TestAssembleLegacyReplyDefaultsToXOR(t *testing.T) {
	reply := &Reply{
		IP:   "192.168.1.50",
		Port: LegacyPort,
		Body: map[string]interface{}{
			"system": map[string]interface{}{
				"get_sysinfo": map[string]interface{}{
					"mic_type": "IOT.SMARTPLUGSWITCH",
					"model":    "HS100(US)",
				},
			},
		},
	}

	cfg, err := Assemble(reply)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if cfg.ConnectionType.DeviceFamily != tapo.FamilyIOTSmartPlugSwitch {
		t.Fatalf("family = %v", cfg.ConnectionType.DeviceFamily)
	}
	if cfg.ConnectionType.Encryption != tapo.EncryptionXOR {
		t.Fatalf("encryption = %v, want XOR (legacy reply carries no encrypt schema)", cfg.ConnectionType.Encryption)
	}
	if cfg.Host != "192.168.1.50" {
		t.Fatalf("host = %q", cfg.Host)
	}
}

func TestAssembleNewReplyReadsEncryptSchema(t *testing.T) {
	reply := &Reply{
		IP:   "192.168.1.51",
		Port: NewPort,
		Body: map[string]interface{}{
			"device_type": "SMART.TAPOPLUG",
			"device_id":   "abc123",
			"mgt_encrypt_schm": map[string]interface{}{
				"encrypt_type":     "KLAP",
				"is_support_https": false,
				"http_port":        float64(80),
				"lv":               float64(2),
			},
		},
	}

	cfg, err := Assemble(reply)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if cfg.ConnectionType.DeviceFamily != tapo.FamilySmartTapoPlug {
		t.Fatalf("family = %v", cfg.ConnectionType.DeviceFamily)
	}
	if cfg.ConnectionType.Encryption != tapo.EncryptionKLAP {
		t.Fatalf("encryption = %v", cfg.ConnectionType.Encryption)
	}
	if cfg.ConnectionType.HTTPS {
		t.Fatal("https should be false per schema")
	}
	if cfg.ConnectionType.HTTPPort == nil || *cfg.ConnectionType.HTTPPort != 80 {
		t.Fatalf("http_port = %v", cfg.ConnectionType.HTTPPort)
	}
	if cfg.ConnectionType.LoginVersion != tapo.LoginVersionV2 {
		t.Fatalf("login_version = %v", cfg.ConnectionType.LoginVersion)
	}
}

func TestAssembleAllBucketsUnsupportedAndDevices(t *testing.T) {
	replies := map[string]*Reply{
		"192.168.1.10": {
			IP: "192.168.1.10", Port: NewPort,
			Body: map[string]interface{}{"device_type": "SMART.TAPOPLUG"},
		},
		"192.168.1.11": {
			IP: "192.168.1.11", Port: NewPort,
			Body: map[string]interface{}{"device_type": "ACME.TOASTER"},
		},
	}

	buckets := AssembleAll(replies)
	if len(buckets.Devices) != 1 {
		t.Fatalf("Devices = %#v", buckets.Devices)
	}
	if _, ok := buckets.Devices["192.168.1.10"]; !ok {
		t.Fatal("expected 192.168.1.10 to be assembled as a device")
	}
	if rawType, ok := buckets.Unsupported["192.168.1.11"]; !ok || rawType != "ACME.TOASTER" {
		t.Fatalf("Unsupported = %#v", buckets.Unsupported)
	}
	if len(buckets.Invalid) != 0 {
		t.Fatalf("Invalid = %#v", buckets.Invalid)
	}
}
