package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// MQTTClient is the subset of the MQTT client the transport needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// MQTTTransport carries frames over the broker. Each edge has its own
// downlink, uplink, connect and status topic under the configured prefix.
type MQTTTransport struct {
	client MQTTClient
	topics mqtt.Topics
	qos    byte
}

// NewMQTTTransport creates a transport publishing with the given QoS.
func NewMQTTTransport(client MQTTClient, topics mqtt.Topics, qos byte) *MQTTTransport {
	return &MQTTTransport{client: client, topics: topics, qos: qos}
}

// Send publishes a frame to the edge's downlink topic.
func (t *MQTTTransport) Send(ctx context.Context, routingKey string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.client.Publish(t.topics.EdgeDownlink(routingKey), frame, t.qos, false)
}

// edgeStatus is the payload an edge publishes (or leaves as its will) on
// its status topic.
type edgeStatus struct {
	Status string `json:"status"`
}

// Bind subscribes to the uplink, connect and status topics of every edge
// and routes their traffic into m.
//
// Parameters:
//   - ctx: Lifetime of the subscriptions' handlers
//   - m: The session manager receiving the traffic
//
// Returns:
//   - error: If any subscription fails
func (t *MQTTTransport) Bind(ctx context.Context, m *Manager) error {
	subs := []struct {
		channel string
		handle  func(routingKey string, payload []byte) error
	}{
		{mqtt.ChannelUplink, func(routingKey string, payload []byte) error {
			return m.DeliverRoutingKey(ctx, routingKey, payload)
		}},
		{mqtt.ChannelConnect, func(routingKey string, payload []byte) error {
			req, err := protocol.UnmarshalConnect(payload)
			if err != nil {
				return err
			}
			if req.RoutingKey != routingKey {
				return fmt.Errorf("connect on topic of %q names routing key %q", routingKey, req.RoutingKey)
			}
			_, err = m.Connect(ctx, req)
			return err
		}},
		{mqtt.ChannelStatus, func(routingKey string, payload []byte) error {
			var status edgeStatus
			if err := json.Unmarshal(payload, &status); err != nil {
				return fmt.Errorf("parsing edge status: %w", err)
			}
			if status.Status != "offline" {
				return nil
			}
			return m.DisconnectRoutingKey(ctx, routingKey)
		}},
	}

	for _, sub := range subs {
		handle := sub.handle
		err := t.client.Subscribe(t.topics.AllEdges(sub.channel), t.qos, func(topic string, payload []byte) error {
			routingKey, _, ok := t.topics.ParseEdge(topic)
			if !ok {
				return fmt.Errorf("unexpected topic %q", topic)
			}
			return handle(routingKey, payload)
		})
		if err != nil {
			return fmt.Errorf("subscribing to edge %s topics: %w", sub.channel, err)
		}
	}
	return nil
}
