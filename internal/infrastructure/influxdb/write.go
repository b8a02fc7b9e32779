package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementChannel = "channel_values"
	measurementCommand = "commands"
)

// WriteChannelValue records a republished float or int channel value.
//
// Example:
//
//	client.WriteChannelValue("FEC_0_TEMP", "float", 41.5)
func (c *Client) WriteChannelValue(channel, kind string, value float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(channelPoint(c.server, channel, kind, value, time.Now()))
}

// WriteCommand records the outcome of one dispatched command.
func (c *Client) WriteCommand(flags uint16, resultCode int16, duration time.Duration, resultSize int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(c.server, flags, resultCode, duration, resultSize, time.Now()))
}

func channelPoint(server, channel, kind string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementChannel,
		map[string]string{
			"server":  server,
			"channel": channel,
			"kind":    kind,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)
}

func commandPoint(server string, flags uint16, resultCode int16, duration time.Duration, resultSize int, ts time.Time) *write.Point {
	kind := "device"
	if flags&^0x0003 != 0 {
		kind = "admin"
	}
	return write.NewPoint(
		measurementCommand,
		map[string]string{
			"server": server,
			"kind":   kind,
		},
		map[string]interface{}{
			"flags":       int64(flags),
			"result_code": int64(resultCode),
			"duration_ms": duration.Milliseconds(),
			"result_size": int64(resultSize),
		},
		ts,
	)
}
