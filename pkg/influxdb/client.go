package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/johnpr01/tplink-client/internal/errors"
	"github.com/johnpr01/tplink-client/internal/utils"
)

// Client represents an InfluxDB client for storing time series data
type Client struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	queryAPI    api.QueryAPI
	org         string
	bucket      string
	state       ConnectionState
	retryConfig *utils.RetryConfig
}

// ConnectionState represents the InfluxDB connection state
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// NewClient creates a new InfluxDB client
func NewClient(url, token, org, bucket string) *Client {
	if url == "" || token == "" || org == "" || bucket == "" {
		return nil
	}

	retryConfig := utils.DefaultRetryConfig()
	retryConfig.MaxAttempts = 3
	retryConfig.MaxDelay = 5 * time.Second

	influxClient := influxdb2.NewClient(url, token)

	client := &Client{
		client:      influxClient,
		org:         org,
		bucket:      bucket,
		state:       StateDisconnected,
		retryConfig: retryConfig,
	}

	client.writeAPI = client.client.WriteAPI(org, bucket)
	client.queryAPI = client.client.QueryAPI(org)

	return client
}

// Connect establishes connection to InfluxDB
func (c *Client) Connect() error {
	c.state = StateConnecting

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := c.client.Health(ctx)
	if err != nil {
		c.state = StateDisconnected
		return errors.NewConnectionError("Failed to connect to InfluxDB", err)
	}

	if health.Status != "pass" {
		c.state = StateDisconnected
		return errors.NewConnectionError(fmt.Sprintf("InfluxDB health check failed: %s", health.Status), nil)
	}

	c.state = StateConnected
	return nil
}

// Disconnect closes the connection to InfluxDB
func (c *Client) Disconnect() {
	if c.client != nil {
		c.writeAPI.Flush()
		c.client.Close()
	}
	c.state = StateDisconnected
}

// IsConnected returns true if connected to InfluxDB
func (c *Client) IsConnected() bool {
	return c.state == StateConnected
}

// WriteEnergyReading writes one smart-plug energy sample to InfluxDB,
// satisfying services.TimeSeriesClient.
func (c *Client) WriteEnergyReading(ctx context.Context, deviceID, roomID string, powerW, energyWh, voltageV, currentA float64, isOn bool, timestamp time.Time) error {
	if c.state != StateConnected {
		return errors.NewConnectionError("InfluxDB client not connected", nil)
	}

	return utils.Retry(ctx, c.retryConfig, func() error {
		point := influxdb2.NewPointWithMeasurement("energy").
			AddTag("device_id", deviceID).
			AddTag("room_id", roomID).
			AddField("power_w", powerW).
			AddField("energy_wh", energyWh).
			AddField("voltage_v", voltageV).
			AddField("current_a", currentA).
			AddField("is_on", isOn).
			SetTime(timestamp)

		c.writeAPI.WritePoint(point)

		select {
		case err := <-c.writeAPI.Errors():
			return errors.NewServiceError("Failed to write energy reading to InfluxDB", err)
		default:
			return nil
		}
	})
}

// WriteTemperatureReading writes one temperature/humidity sample to
// InfluxDB, satisfying services.TimeSeriesClient. No SPEC_FULL.md device
// family reports temperature today; this exists so Client fully
// implements the interface the way the teacher's sensor pipeline expects.
func (c *Client) WriteTemperatureReading(ctx context.Context, deviceID, roomID string, tempF, humidity float64, timestamp time.Time) error {
	if c.state != StateConnected {
		return errors.NewConnectionError("InfluxDB client not connected", nil)
	}

	return utils.Retry(ctx, c.retryConfig, func() error {
		point := influxdb2.NewPointWithMeasurement("temperature").
			AddTag("device_id", deviceID).
			AddTag("room_id", roomID).
			AddField("temp_f", tempF).
			AddField("humidity", humidity).
			SetTime(timestamp)

		c.writeAPI.WritePoint(point)

		select {
		case err := <-c.writeAPI.Errors():
			return errors.NewServiceError("Failed to write temperature reading to InfluxDB", err)
		default:
			return nil
		}
	})
}

// QueryEnergyData queries energy consumption data from InfluxDB
func (c *Client) QueryEnergyData(deviceID, roomID string, timeRange time.Duration) ([]map[string]interface{}, error) {
	if c.state != StateConnected {
		return nil, errors.NewConnectionError("InfluxDB client not connected", nil)
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "energy")`,
		c.bucket, timeRange.String())

	if deviceID != "" {
		query += fmt.Sprintf(`|> filter(fn: (r) => r.device_id == "%s")`, deviceID)
	}
	if roomID != "" {
		query += fmt.Sprintf(`|> filter(fn: (r) => r.room_id == "%s")`, roomID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, errors.NewServiceError("Failed to query energy data from InfluxDB", err)
	}

	var data []map[string]interface{}
	for result.Next() {
		record := result.Record()
		data = append(data, map[string]interface{}{
			"time":        record.Time(),
			"measurement": record.Measurement(),
			"field":       record.Field(),
			"value":       record.Value(),
			"device_id":   record.ValueByKey("device_id"),
			"device_name": record.ValueByKey("device_name"),
			"room_id":     record.ValueByKey("room_id"),
		})
	}

	if result.Err() != nil {
		return nil, errors.NewServiceError("Error processing energy query result", result.Err())
	}

	return data, nil
}

// Flush forces all pending writes to be sent to InfluxDB
func (c *Client) Flush() {
	if c.writeAPI != nil {
		c.writeAPI.Flush()
	}
}
