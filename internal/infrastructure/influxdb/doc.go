// Package influxdb records device session metrics in InfluxDB.
//
// Client satisfies the session's Recorder interface and writes one point
// per session event:
//
//	session_connection   tags device_id           fields status
//	session_message      tags device_id, kind     fields bytes
//	session_method       tags device_id, method   fields status, duration_ms
//	provisioning         tags device_id, outcome  fields duration_ms
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without metrics
//	}
//	defer client.Close()
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval; asynchronous write errors go to the SetOnError callback.
package influxdb
