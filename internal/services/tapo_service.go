package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/logger"
	"github.com/johnpr01/tplink-client/pkg/mqtt"
	"github.com/johnpr01/tplink-client/pkg/tapo"
	"github.com/johnpr01/tplink-client/pkg/tapo/protocol"
)

// TapoService polls a set of TP-Link devices for energy-meter readings and
// fans each one out to a time series sink and an MQTT topic. It is a
// generic consumer of pkg/tapo/protocol, not a device-class-specific
// energy monitor: device identity, connection type and credentials are
// all caller-supplied.
type TapoService struct {
	devices    map[string]*TapoDeviceManager
	mqttClient *mqtt.Client
	tsClient   TimeSeriesClient
	logger     *logger.Logger
	mu         sync.RWMutex
	running    bool
	stopChan   chan struct{}
}

// TapoDeviceManager tracks one monitored device: its resolved connection
// config, the live Protocol instance once connected, and poll bookkeeping.
type TapoDeviceManager struct {
	DeviceID     string
	DeviceName   string
	RoomID       string
	Config       tapo.DeviceConfig
	proto        protocol.Protocol
	PollInterval time.Duration
	LastReading  time.Time
	IsConnected  bool
}

// TapoConfig is the caller-supplied description of one device to monitor.
type TapoConfig struct {
	DeviceID       string              `json:"device_id"`
	DeviceName     string              `json:"device_name"`
	RoomID         string              `json:"room_id"`
	IPAddress      string              `json:"ip_address"`
	Username       string              `json:"username"`
	Password       string              `json:"password"`
	PollInterval   time.Duration       `json:"poll_interval"`
	ConnectionType tapo.ConnectionType `json:"connection_type"`
}

// defaultPollInterval is used when a TapoConfig doesn't specify one.
const defaultPollInterval = 30 * time.Second

// NewTapoService creates a new Tapo service.
func NewTapoService(mqttClient *mqtt.Client, tsClient TimeSeriesClient, serviceLogger *logger.Logger) *TapoService {
	return &TapoService{
		devices:    make(map[string]*TapoDeviceManager),
		mqttClient: mqttClient,
		tsClient:   tsClient,
		logger:     serviceLogger,
		stopChan:   make(chan struct{}),
	}
}

// AddDevice adds a new device to monitor, resolving its Protocol and
// verifying connectivity up front.
func (ts *TapoService) AddDevice(config *TapoConfig) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}

	manager := &TapoDeviceManager{
		DeviceID:   config.DeviceID,
		DeviceName: config.DeviceName,
		RoomID:     config.RoomID,
		Config: tapo.DeviceConfig{
			Host:           config.IPAddress,
			Credentials:    tapo.Credentials{Username: config.Username, Password: config.Password},
			ConnectionType: config.ConnectionType,
		},
		PollInterval: config.PollInterval,
	}

	if err := ts.connect(manager); err != nil {
		return errors.NewDeviceError(fmt.Sprintf("Failed to connect to device %s", config.DeviceID), err)
	}

	ts.devices[config.DeviceID] = manager

	ts.logger.Info("Added device", map[string]interface{}{
		"device_id":   config.DeviceID,
		"device_name": config.DeviceName,
		"room_id":     config.RoomID,
		"ip_address":  config.IPAddress,
		"connection":  config.ConnectionType.String(),
	})

	return nil
}

// connect resolves manager's Protocol/Transport pair and probes it once so
// AddDevice/pollDevice fail fast on an unreachable or misconfigured device.
func (ts *TapoService) connect(manager *TapoDeviceManager) error {
	p, err := protocol.For(manager.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), manager.Config.EffectiveTimeout())
	defer cancel()

	if _, err := p.Query(ctx, queryEnvelope(p)); err != nil {
		p.Close()
		return err
	}

	if manager.proto != nil {
		manager.proto.Close()
	}
	manager.proto = p
	manager.IsConnected = true
	return nil
}

// RemoveDevice removes a device from monitoring.
func (ts *TapoService) RemoveDevice(deviceID string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	manager, exists := ts.devices[deviceID]
	if !exists {
		return errors.NewValidationError(fmt.Sprintf("Device %s not found", deviceID), nil)
	}

	if manager.proto != nil {
		manager.proto.Close()
	}
	delete(ts.devices, deviceID)

	ts.logger.Info("Removed device", map[string]interface{}{
		"device_id": deviceID,
	})

	return nil
}

// Start begins monitoring all configured devices.
func (ts *TapoService) Start() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.running {
		return errors.NewServiceError("Tapo service is already running", nil)
	}

	ts.running = true

	for deviceID, manager := range ts.devices {
		go ts.monitorDevice(deviceID, manager)
	}

	ts.logger.Info("Started Tapo monitoring service", map[string]interface{}{
		"device_count": len(ts.devices),
	})

	return nil
}

// Stop stops monitoring all devices.
func (ts *TapoService) Stop() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.running {
		return nil
	}

	ts.running = false
	close(ts.stopChan)

	ts.logger.Info("Stopped Tapo monitoring service")
	return nil
}

// monitorDevice continuously polls a single device until stopChan closes.
func (ts *TapoService) monitorDevice(deviceID string, manager *TapoDeviceManager) {
	ticker := time.NewTicker(manager.PollInterval)
	defer ticker.Stop()

	ts.logger.Info("Started monitoring device", map[string]interface{}{
		"device_id":     deviceID,
		"poll_interval": manager.PollInterval.String(),
	})

	for {
		select {
		case <-ts.stopChan:
			return
		case <-ticker.C:
			ts.pollDevice(manager)
		}
	}
}

// queryEnvelope returns the method set pollDevice issues to fetch both
// device status and the energy meter in one round trip: the legacy
// protocol wants its verbatim module->command nesting, the newer
// protocols want two logical method names (spec.md §4.6/§4.7/§12).
func queryEnvelope(p protocol.Protocol) map[string]interface{} {
	if _, ok := p.(*protocol.IoT); ok {
		return map[string]interface{}{
			"system": map[string]interface{}{"get_sysinfo": map[string]interface{}{}},
			"emeter": map[string]interface{}{"get_realtime": map[string]interface{}{}},
		}
	}
	return map[string]interface{}{
		"get_device_info":  nil,
		"get_energy_usage": nil,
	}
}

func nestedMap(m map[string]interface{}, keys ...string) map[string]interface{} {
	cur := m
	for _, k := range keys {
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// extractReading maps a queryEnvelope result onto a normalized
// (power, energy, signal, on) tuple through pkg/tapo.EmeterStatus
// (SPEC_FULL.md §12), reading the legacy get_realtime fields for IoT and
// the get_energy_usage fields for Smart/SmartCam.
func extractReading(p protocol.Protocol, result map[string]interface{}) (powerW, energyWh, signal float64, isOn bool, err error) {
	if _, ok := p.(*protocol.IoT); ok {
		sysinfo := nestedMap(result, "system", "get_sysinfo")
		realtime := nestedMap(result, "emeter", "get_realtime")
		if sysinfo == nil || realtime == nil {
			return 0, 0, 0, false, fmt.Errorf("tapo: incomplete legacy query result")
		}
		isOn = intField(sysinfo, "relay_state") == 1
		signal = float64(intField(sysinfo, "rssi"))
		em := tapo.NewEmeterStatus(realtime)
		powerW, _ = em.Power()
		energyWh, _ = em.Total()
		return powerW, energyWh, signal, isOn, nil
	}

	info, _ := result["get_device_info"].(map[string]interface{})
	usage, _ := result["get_energy_usage"].(map[string]interface{})
	if info == nil || usage == nil {
		return 0, 0, 0, false, fmt.Errorf("tapo: incomplete query result")
	}
	isOn, _ = info["device_on"].(bool)
	signal = float64(intField(info, "rssi"))

	em := tapo.NewEmeterStatus(usage)
	if mw, lookupErr := em.Lookup("current_power"); lookupErr == nil {
		powerW = mw / 1000.0
	}
	energyWh, _ = em.Lookup("today_energy")
	return powerW, energyWh, signal, isOn, nil
}

// pollDevice issues one queryEnvelope round trip, maps the result through
// extractReading, and fans the reading out to the time series sink and MQTT.
func (ts *TapoService) pollDevice(manager *TapoDeviceManager) {
	if !manager.IsConnected {
		if err := ts.connect(manager); err != nil {
			ts.logger.Error("Failed to reconnect to device", err, map[string]interface{}{
				"device_id": manager.DeviceID,
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), manager.Config.EffectiveTimeout())
	result, err := manager.proto.Query(ctx, queryEnvelope(manager.proto))
	cancel()
	if err != nil {
		ts.logger.Error("Failed to query device", err, map[string]interface{}{
			"device_id": manager.DeviceID,
		})
		manager.IsConnected = false
		return
	}

	powerW, energyWh, signal, isOn, err := extractReading(manager.proto, result)
	if err != nil {
		ts.logger.Error("Failed to parse device reading", err, map[string]interface{}{
			"device_id": manager.DeviceID,
		})
		return
	}

	reading := &EnergyReading{
		DeviceID:       manager.DeviceID,
		DeviceName:     manager.DeviceName,
		RoomID:         manager.RoomID,
		PowerW:         powerW,
		EnergyWh:       energyWh,
		IsOn:           isOn,
		SignalStrength: signal,
		Timestamp:      time.Now(),
	}

	if ts.tsClient != nil {
		if err := ts.tsClient.WriteEnergyReading(context.Background(), reading.DeviceID, reading.RoomID,
			reading.PowerW, reading.EnergyWh, 0, 0, reading.IsOn, reading.Timestamp); err != nil {
			ts.logger.Error("Failed to write energy reading to time series database", err, map[string]interface{}{
				"device_id": manager.DeviceID,
			})
		}
	}

	if ts.mqttClient != nil {
		topic := fmt.Sprintf("tapo/%s/energy", manager.DeviceID)

		payload := map[string]interface{}{
			"device_id":       reading.DeviceID,
			"device_name":     reading.DeviceName,
			"room_id":         reading.RoomID,
			"power_w":         reading.PowerW,
			"energy_wh":       reading.EnergyWh,
			"is_on":           reading.IsOn,
			"signal_strength": reading.SignalStrength,
			"timestamp":       reading.Timestamp.Unix(),
		}

		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			ts.logger.Error("Failed to marshal MQTT payload", err, map[string]interface{}{
				"device_id": manager.DeviceID,
			})
			return
		}

		message := &mqtt.Message{
			Topic:   topic,
			Payload: payloadBytes,
			QoS:     1,
			Retain:  false,
		}

		if err := ts.mqttClient.Publish(message); err != nil {
			ts.logger.Error("Failed to publish energy data to MQTT", err, map[string]interface{}{
				"device_id": manager.DeviceID,
				"topic":     topic,
			})
		}
	}

	manager.LastReading = time.Now()

	ts.logger.Debug("Polled device", map[string]interface{}{
		"device_id": manager.DeviceID,
		"power_w":   reading.PowerW,
		"energy_wh": reading.EnergyWh,
		"is_on":     reading.IsOn,
	})
}

// SetDeviceState turns a device on or off.
func (ts *TapoService) SetDeviceState(deviceID string, on bool) error {
	ts.mu.RLock()
	manager, exists := ts.devices[deviceID]
	ts.mu.RUnlock()

	if !exists {
		return errors.NewValidationError(fmt.Sprintf("Device %s not found", deviceID), nil)
	}

	if !manager.IsConnected {
		if err := ts.connect(manager); err != nil {
			return errors.NewDeviceError("Failed to connect to device", err)
		}
	}

	method := "set_relay_state"
	params := map[string]interface{}{"state": 0}
	if on {
		params["state"] = 1
	}
	envelope := map[string]interface{}{"system": map[string]interface{}{method: params}}
	if _, ok := manager.proto.(*protocol.IoT); !ok {
		envelope = map[string]interface{}{"set_device_info": map[string]interface{}{"device_on": on}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), manager.Config.EffectiveTimeout())
	defer cancel()

	if _, err := manager.proto.Query(ctx, envelope); err != nil {
		manager.IsConnected = false
		return errors.NewDeviceError("Failed to set device state", err)
	}

	ts.logger.Info("Changed device state", map[string]interface{}{
		"device_id": deviceID,
		"state":     on,
	})

	return nil
}

// GetDeviceStatus returns the current status of all devices.
func (ts *TapoService) GetDeviceStatus() map[string]interface{} {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	status := make(map[string]interface{})
	for deviceID, manager := range ts.devices {
		status[deviceID] = map[string]interface{}{
			"device_name":   manager.DeviceName,
			"room_id":       manager.RoomID,
			"ip_address":    manager.Config.Host,
			"is_connected":  manager.IsConnected,
			"last_reading":  manager.LastReading,
			"poll_interval": manager.PollInterval.String(),
		}
	}

	return map[string]interface{}{
		"running":      ts.running,
		"device_count": len(ts.devices),
		"devices":      status,
	}
}
