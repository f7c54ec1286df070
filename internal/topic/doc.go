// Package topic holds the IoT Hub MQTT topic vocabulary: builders for every
// topic a device publishes or subscribes to, and a Router that classifies
// inbound frames.
//
// # Classification
//
// Router.Route checks, in order:
//
//  1. desired-property pushes and twin GET responses with status 200
//     (TwinDesiredUpdate, one DesiredProperty per key, tagged with $version)
//  2. other twin responses (TwinResponse)
//  3. direct method invocations (DirectMethod, with method name and $rid)
//  4. cloud-to-device messages for this device (CloudToDevice, with the
//     property bag decoded from the topic)
//  5. anything else (Unknown)
//
// Route never fails. Problems with a recognised frame, such as a desired
// payload without $version, are reported in Message.Err so the caller can
// log them.
//
// # Topics
//
//	devices/{id}/messages/events/               telemetry (publish)
//	devices/{id}/messages/devicebound/#         cloud-to-device (subscribe)
//	$iothub/twin/PATCH/properties/desired/#     desired pushes (subscribe)
//	$iothub/twin/PATCH/properties/reported/?$rid={rid}
//	$iothub/twin/GET/?$rid={rid}
//	$iothub/twin/res/#                          twin responses (subscribe)
//	$iothub/methods/#                           direct methods (subscribe)
//	$iothub/methods/res/{status}/?$rid={rid}    method responses (publish)
package topic
