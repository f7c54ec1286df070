// Package mqtt adapts paho.mqtt.golang to the narrow, poll-driven transport
// a device session runs on.
//
// Paho delivers connection, message and loss notifications on its own
// goroutines. Client queues them instead of acting on them, and Poll
// replays the queue through the Callbacks supplied to Connect on the
// caller's goroutine. A session therefore sees every callback from inside
// its own loop and never concurrently with it.
//
// # Operations
//
//   - Connect starts the handshake and returns immediately; the outcome
//     arrives as OnConnect (and OnDisconnect when refused) on a later Poll.
//   - Subscribe and Publish block until the broker acknowledges or the
//     publish timeout elapses. Publish returns an id that a later OnPublish
//     carries.
//   - Disconnect closes the connection without reconnecting.
//
// Paho's own reconnect machinery is disabled; reconnecting is the session's
// decision.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	if err := client.Connect(mqtt.ConnectOptions{...}, callbacks); err != nil {
//	    return err
//	}
//	for {
//	    if err := client.Poll(100 * time.Millisecond); err != nil { ... }
//	}
package mqtt
