package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnpr01/tplink-client/internal/config"
	"github.com/johnpr01/tplink-client/internal/logger"
	"github.com/johnpr01/tplink-client/internal/services"
	"github.com/johnpr01/tplink-client/pkg/influxdb"
	"github.com/johnpr01/tplink-client/pkg/mqtt"
	"github.com/johnpr01/tplink-client/pkg/tapo"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	influxClient := influxdb.NewClient(
		"http://localhost:8086",
		"home-automation-token",
		"home-automation",
		"sensor-data",
	)

	if influxClient != nil {
		if err := influxClient.Connect(); err != nil {
			// InfluxDB is optional for this demo.
			influxClient = nil
		}
		defer func() {
			if influxClient != nil {
				influxClient.Disconnect()
			}
		}()
	}

	serviceLogger := logger.NewLogger("tapo-service", nil)
	serviceLogger.Info("Starting TP-Link device monitoring service")

	mqttConfig := &config.MQTTConfig{
		Broker:   "localhost",
		Port:     "1883",
		Username: "",
		Password: "",
	}

	mqttClient := mqtt.NewClient(mqttConfig, nil)
	if err := mqttClient.Connect(); err != nil {
		serviceLogger.Error("Failed to connect to MQTT broker", err)
		return
	}
	defer mqttClient.Disconnect()

	serviceLogger.Info("Connected to MQTT broker")

	var tsClient services.TimeSeriesClient
	if influxClient != nil {
		tsClient = influxClient
	}
	tapoService := services.NewTapoService(mqttClient, tsClient, serviceLogger)

	// Example devices (replace with your own IPs/credentials/connection
	// types). ConnectionType is normally produced by pkg/discovery rather
	// than hand-written.
	exampleDevices := []*services.TapoConfig{
		{
			DeviceID:     "living_room_plug",
			DeviceName:   "Living Room Lamp",
			RoomID:       "living_room",
			IPAddress:    "192.168.1.100",
			Username:     "your_tapo_username",
			Password:     "your_tapo_password",
			PollInterval: 30 * time.Second,
			ConnectionType: tapo.ConnectionType{
				DeviceFamily: tapo.FamilySmartTapoPlug,
				Encryption:   tapo.EncryptionKLAP,
			},
		},
		{
			DeviceID:     "kitchen_plug",
			DeviceName:   "Kitchen Coffee Maker",
			RoomID:       "kitchen",
			IPAddress:    "192.168.1.101",
			Username:     "your_tapo_username",
			Password:     "your_tapo_password",
			PollInterval: 30 * time.Second,
			ConnectionType: tapo.ConnectionType{
				DeviceFamily: tapo.FamilySmartTapoPlug,
				Encryption:   tapo.EncryptionAES,
			},
		},
		{
			DeviceID:     "office_plug",
			DeviceName:   "Office Monitor",
			RoomID:       "office",
			IPAddress:    "192.168.1.102",
			Username:     "",
			Password:     "",
			PollInterval: 60 * time.Second,
			ConnectionType: tapo.ConnectionType{
				DeviceFamily: tapo.FamilyIOTSmartPlugSwitch,
				Encryption:   tapo.EncryptionXOR,
			},
		},
	}

	for _, deviceConfig := range exampleDevices {
		if err := tapoService.AddDevice(deviceConfig); err != nil {
			serviceLogger.Error("Failed to add device", err, map[string]interface{}{
				"device_id": deviceConfig.DeviceID,
			})
		}
	}

	if err := tapoService.Start(); err != nil {
		serviceLogger.Error("Failed to start Tapo service", err)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serviceLogger.Info("Tapo monitoring service started successfully")
	serviceLogger.Info("Monitoring energy consumption for smart plugs")
	serviceLogger.Info("Data is being stored in InfluxDB and published to MQTT")
	serviceLogger.Info("Press Ctrl+C to stop...")

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			serviceLogger.Info("Received shutdown signal, stopping service...")
			tapoService.Stop()
			return

		case <-ticker.C:
			status := tapoService.GetDeviceStatus()
			serviceLogger.Info("Tapo service status", status)

		case <-ctx.Done():
			serviceLogger.Info("Context cancelled, stopping service...")
			tapoService.Stop()
			return
		}
	}
}
