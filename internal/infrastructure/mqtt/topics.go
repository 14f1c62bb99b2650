package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when mqtt.topics.prefix is empty.
const DefaultTopicPrefix = "edgesync"

// Edge topic channels, the last segment of an edge topic.
const (
	ChannelDownlink = "downlink"
	ChannelUplink   = "uplink"
	ChannelConnect  = "connect"
	ChannelStatus   = "status"
)

// Topics builds the MQTT topics of the sync service under a prefix.
//
//	topics := mqtt.Topics{Prefix: "edgesync"}
//	topics.EdgeDownlink("plant-3")
//	// Returns: "edgesync/edge/plant-3/downlink"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// EdgeDownlink returns the topic the authority publishes frames to for one
// edge.
//
// Example: edgesync/edge/plant-3/downlink
func (t Topics) EdgeDownlink(routingKey string) string {
	return t.edge(routingKey, ChannelDownlink)
}

// EdgeUplink returns the topic an edge publishes frames to.
//
// Example: edgesync/edge/plant-3/uplink
func (t Topics) EdgeUplink(routingKey string) string {
	return t.edge(routingKey, ChannelUplink)
}

// EdgeConnect returns the topic an edge publishes its connect request to.
//
// Example: edgesync/edge/plant-3/connect
func (t Topics) EdgeConnect(routingKey string) string {
	return t.edge(routingKey, ChannelConnect)
}

// EdgeStatus returns the edge's online/offline topic (its LWT).
//
// Example: edgesync/edge/plant-3/status
func (t Topics) EdgeStatus(routingKey string) string {
	return t.edge(routingKey, ChannelStatus)
}

func (t Topics) edge(routingKey, channel string) string {
	return fmt.Sprintf("%s/edge/%s/%s", t.prefix(), routingKey, channel)
}

// SystemStatus returns the authority's retained status topic.
//
// Example: edgesync/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// AllEdges returns a pattern matching one channel of every edge.
//
// Pattern: edgesync/edge/+/{channel}
func (t Topics) AllEdges(channel string) string {
	return t.edge("+", channel)
}

// ParseEdge splits an edge topic into its routing key and channel.
// ok is false for topics outside this prefix's edge namespace.
func (t Topics) ParseEdge(topic string) (routingKey, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/edge/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
