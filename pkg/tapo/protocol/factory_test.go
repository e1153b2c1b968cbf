package protocol

import (
	"testing"

	"github.com/johnpr01/tplink-client/pkg/tapo"
)

func cfgFor(family tapo.DeviceFamily, enc tapo.Encryption, https bool) tapo.DeviceConfig {
	return tapo.DeviceConfig{
		Host: "127.0.0.1",
		ConnectionType: tapo.ConnectionType{
			DeviceFamily: family,
			Encryption:   enc,
			HTTPS:        https,
		},
	}
}

func TestForSelectsIoTOverXOR(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilyIOTSmartPlugSwitch, tapo.EncryptionXOR, false))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*IoT); !ok {
		t.Fatalf("got %T, want *IoT", p)
	}
}

func TestForSelectsIoTOverKLAP(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilyIOTSmartBulb, tapo.EncryptionKLAP, false))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*IoT); !ok {
		t.Fatalf("got %T, want *IoT", p)
	}
}

func TestForSelectsSmartOverAES(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilySmartTapoPlug, tapo.EncryptionAES, false))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*Smart); !ok {
		t.Fatalf("got %T, want *Smart", p)
	}
}

func TestForSelectsSmartOverKLAP(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilySmartTapoBulb, tapo.EncryptionKLAP, false))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*Smart); !ok {
		t.Fatalf("got %T, want *Smart", p)
	}
}

func TestForSelectsSmartCamOverSslAes(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilySmartTapoPlug, tapo.EncryptionAES, true))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*SmartCam); !ok {
		t.Fatalf("got %T, want *SmartCam", p)
	}
}

func TestForSelectsSmartCamForIPCamera(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilySmartIPCamera, tapo.EncryptionAES, false))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*SmartCam); !ok {
		t.Fatalf("got %T, want *SmartCam", p)
	}
}

func TestForSelectsSmartForRobovac(t *testing.T) {
	p, err := For(cfgFor(tapo.FamilySmartTapoRobovac, tapo.EncryptionAES, false))
	if err != nil {
		t.Fatalf("For returned error: %v", err)
	}
	if _, ok := p.(*Smart); !ok {
		t.Fatalf("got %T, want *Smart", p)
	}
}

func TestForRejectsIPCameraXOR(t *testing.T) {
	_, err := For(cfgFor(tapo.FamilyIOTIPCamera, tapo.EncryptionXOR, false))
	if err == nil {
		t.Fatal("expected unsupported error for IOT.IPCAMERA (LinkieV2 out of scope)")
	}
}

func TestForRejectsUnknownFamily(t *testing.T) {
	_, err := For(cfgFor(tapo.DeviceFamily("BOGUS.FAMILY"), tapo.EncryptionAES, false))
	if err == nil {
		t.Fatal("expected unsupported error for unmatched family")
	}
}
