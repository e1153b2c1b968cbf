package services

import (
	"testing"
	"time"

	"github.com/johnpr01/tplink-client/internal/logger"
	"github.com/johnpr01/tplink-client/pkg/tapo"
	"github.com/johnpr01/tplink-client/pkg/tapo/protocol"
)

func TestNewTapoService(t *testing.T) {
	serviceLogger := logger.NewLogger("test-tapo-service", nil)

	service := NewTapoService(nil, nil, serviceLogger)

	if service == nil {
		t.Fatal("NewTapoService returned nil")
	}
	if service.devices == nil {
		t.Error("Service devices map is nil")
	}
	if service.logger == nil {
		t.Error("Service logger is nil")
	}
	if service.stopChan == nil {
		t.Error("Service stop channel is nil")
	}
}

func TestTapoConfig(t *testing.T) {
	config := &TapoConfig{
		DeviceID:     "test_device",
		DeviceName:   "Test Device",
		RoomID:       "test_room",
		IPAddress:    "192.168.1.100",
		Username:     "test_user",
		Password:     "test_pass",
		PollInterval: 30 * time.Second,
		ConnectionType: tapo.ConnectionType{
			DeviceFamily: tapo.FamilySmartTapoPlug,
			Encryption:   tapo.EncryptionKLAP,
		},
	}

	if config.DeviceID != "test_device" {
		t.Errorf("Expected device ID to be 'test_device', got '%s'", config.DeviceID)
	}
	if config.ConnectionType.Encryption != tapo.EncryptionKLAP {
		t.Errorf("Expected KLAP encryption, got %v", config.ConnectionType.Encryption)
	}
	if config.PollInterval != 30*time.Second {
		t.Errorf("Expected poll interval to be 30s, got %v", config.PollInterval)
	}

	legacyConfig := &TapoConfig{
		DeviceID:     "legacy_device",
		DeviceName:   "Legacy Device",
		RoomID:       "test_room",
		IPAddress:    "192.168.1.101",
		Username:     "test_user",
		Password:     "test_pass",
		PollInterval: 60 * time.Second,
		ConnectionType: tapo.ConnectionType{
			DeviceFamily: tapo.FamilyIOTSmartPlugSwitch,
			Encryption:   tapo.EncryptionXOR,
		},
	}

	if legacyConfig.ConnectionType.Encryption != tapo.EncryptionXOR {
		t.Error("Expected XOR encryption for legacy config")
	}
}

func TestTapoDeviceManager(t *testing.T) {
	manager := &TapoDeviceManager{
		DeviceID:   "test_device",
		DeviceName: "Test Device",
		RoomID:     "test_room",
		Config: tapo.DeviceConfig{
			Host: "192.168.1.100",
			ConnectionType: tapo.ConnectionType{
				DeviceFamily: tapo.FamilySmartTapoPlug,
				Encryption:   tapo.EncryptionKLAP,
			},
		},
		PollInterval: 30 * time.Second,
		IsConnected:  false,
	}

	if manager.DeviceID != "test_device" {
		t.Errorf("Expected device ID to be 'test_device', got '%s'", manager.DeviceID)
	}
	if manager.Config.ConnectionType.Encryption != tapo.EncryptionKLAP {
		t.Error("Expected KLAP encryption")
	}
	if manager.IsConnected {
		t.Error("Expected device to not be connected initially")
	}
}

func TestEnergyReading(t *testing.T) {
	reading := &EnergyReading{
		DeviceID:       "test_device",
		DeviceName:     "Test Device",
		RoomID:         "test_room",
		PowerW:         2.5,
		EnergyWh:       1000,
		IsOn:           true,
		SignalStrength: 75.0,
		Timestamp:      time.Now(),
	}

	if reading.DeviceID != "test_device" {
		t.Errorf("Expected device ID to be 'test_device', got '%s'", reading.DeviceID)
	}
	if reading.PowerW != 2.5 {
		t.Errorf("Expected power to be 2.5W, got %f", reading.PowerW)
	}
	if !reading.IsOn {
		t.Error("Expected device to be on")
	}
	if reading.EnergyWh != 1000 {
		t.Errorf("Expected energy to be 1000Wh, got %f", reading.EnergyWh)
	}
}

func TestExtractReadingLegacy(t *testing.T) {
	result := map[string]interface{}{
		"system": map[string]interface{}{
			"get_sysinfo": map[string]interface{}{
				"relay_state": float64(1),
				"rssi":        float64(-52),
			},
		},
		"emeter": map[string]interface{}{
			"get_realtime": map[string]interface{}{
				"power_mw": float64(12500),
				"total_wh": float64(340),
			},
		},
	}

	powerW, energyWh, signal, isOn, err := extractReading(&protocol.IoT{}, result)
	if err != nil {
		t.Fatalf("extractReading: %v", err)
	}
	if !isOn {
		t.Error("expected relay_state=1 to map to isOn=true")
	}
	if powerW != 12.5 {
		t.Errorf("powerW = %v, want 12.5 (12500mW)", powerW)
	}
	if energyWh != 340 {
		t.Errorf("energyWh = %v, want 340", energyWh)
	}
	if signal != -52 {
		t.Errorf("signal = %v, want -52", signal)
	}
}

func TestExtractReadingSmart(t *testing.T) {
	result := map[string]interface{}{
		"get_device_info": map[string]interface{}{
			"device_on": true,
			"rssi":      float64(-40),
		},
		"get_energy_usage": map[string]interface{}{
			"current_power": float64(5000),
			"today_energy":  float64(120),
		},
	}

	powerW, energyWh, signal, isOn, err := extractReading(&protocol.Smart{}, result)
	if err != nil {
		t.Fatalf("extractReading: %v", err)
	}
	if !isOn {
		t.Error("expected device_on=true to map to isOn=true")
	}
	if powerW != 5 {
		t.Errorf("powerW = %v, want 5 (5000mW)", powerW)
	}
	if energyWh != 120 {
		t.Errorf("energyWh = %v, want 120", energyWh)
	}
	if signal != -40 {
		t.Errorf("signal = %v, want -40", signal)
	}
}
