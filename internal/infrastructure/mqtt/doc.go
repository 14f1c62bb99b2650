// Package mqtt provides MQTT client connectivity for the edge sync service.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Frame publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - The edge topic namespace (Topics)
//
// # Topics
//
// Every edge is addressed by its routing key under the configured prefix:
//
//	{prefix}/edge/{routingKey}/downlink   authority -> edge frames
//	{prefix}/edge/{routingKey}/uplink     edge -> authority frames
//	{prefix}/edge/{routingKey}/connect    connect requests
//	{prefix}/edge/{routingKey}/status     edge online/offline (edge LWT)
//	{prefix}/system/status                authority status (retained)
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Edges authenticate with their secret in the connect request; broker
//     ACLs should restrict each edge to its own routing key
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := client.Topics().EdgeDownlink("plant-3")
//	err = client.Publish(topic, frame, 1, false)
package mqtt
