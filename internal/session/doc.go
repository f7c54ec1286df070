// Package session implements the device session: one MQTT connection to an
// IoT hub bound to one device identity.
//
// A Session resolves the hub host (directly or through the provisioning
// service), signs a SAS token, connects, subscribes to the fixed device
// topic set and requests the device twin. Inbound frames are classified by
// the topic router and handed to the handlers registered with On.
//
// # State machine
//
//	Disconnected -> Connecting -> AuthPending -> Subscribing -> Ready
//	Ready -> Disconnected         (Disconnect, auth rejected)
//	Ready -> Reconnecting -> ...  (connection lost or token refresh, when enabled)
//
// # Threading
//
// A Session is cooperative and not safe for concurrent use. The host calls
// Loop repeatedly from one goroutine; transport callbacks and event
// handlers run inside that call. Handlers may call the Send methods.
//
// # Usage
//
//	sess, err := session.New(session.Options{
//	    Identity:  id,
//	    Resolver:  provisioner,
//	    Transport: mqtt.New(cfg.MQTT),
//	    Logger:    log,
//	})
//	sess.On(events.Command, func(info *events.Info) {
//	    info.SetResponse(200, `{"ok":true}`)
//	})
//	if err := sess.Connect(ctx, ""); err != nil {
//	    return err
//	}
//	for ctx.Err() == nil {
//	    if err := sess.Loop(ctx); err != nil { ... }
//	}
package session
