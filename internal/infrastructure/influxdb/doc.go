// Package influxdb records FeeServer telemetry in InfluxDB v2.
//
// Every channel value the monitoring engine republishes is written as a
// "channel_values" point, and every dispatched command as a "commands" point,
// both tagged with the server name. Writes are non-blocking and batched.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Server.Name)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	client.WriteChannelValue("FEC_0_TEMP", "float", 41.5)
package influxdb
