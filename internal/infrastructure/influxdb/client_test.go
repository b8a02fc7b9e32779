package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/feeserver/internal/infrastructure/config"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "feeserver-dev-token",
		Org:           "feeserver",
		Bucket:        "telemetry",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	client, err := Connect(context.Background(), cfg, "fee-1")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
	if client != nil {
		t.Error("Connect() returned a client while disabled")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, cfg, "fee-1")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	// Writes on a nil client are dropped
	c.WriteChannelValue("X", "float", 1)
	c.Flush()
}

func TestChannelPoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	line := write.PointToLineProtocol(channelPoint("fee-1", "FEC_0_TEMP", "float", 41.5, ts), time.Second)

	for _, want := range []string{"channel_values", "server=fee-1", "channel=FEC_0_TEMP", "kind=float", "value=41.5", "1700000000"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestCommandPoint(t *testing.T) {
	tests := []struct {
		name     string
		flags    uint16
		wantKind string
	}{
		{"device command", 0x0000, "kind=device"},
		{"device command with checksum", 0x0002, "kind=device"},
		{"admin command", 0x0080, "kind=admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(commandPoint("fee-1", tt.flags, -9, 1500*time.Millisecond, 12, time.Unix(0, 0)), time.Second)
			if !strings.Contains(line, tt.wantKind) {
				t.Errorf("line %q missing %q", line, tt.wantKind)
			}
			if !strings.Contains(line, "result_code=-9i") || !strings.Contains(line, "duration_ms=1500i") {
				t.Errorf("line %q missing fields", line)
			}
		})
	}
}

func TestWriteChannelValue_Integration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION to run against a local InfluxDB")
	}

	client, err := Connect(context.Background(), testConfig(), "fee-it")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var writeErr error
	client.SetOnError(func(err error) { writeErr = err })

	client.WriteChannelValue("IT_TEMP", "float", 21.5)
	client.WriteCommand(0, 0, time.Millisecond, 4)
	client.Flush()

	if writeErr != nil {
		t.Errorf("async write error = %v", writeErr)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
