package mqtt

import "errors"

// Broker errors. Check them with errors.Is; most are wrapped with detail.
var (
	// ErrNotConnected is returned by Publish and Subscribe while the broker
	// connection is down. Callers retry after the next connect.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed is returned by Connect when the broker cannot be
	// reached within the connect timeout.
	ErrConnectionFailed = errors.New("mqtt: broker connection failed")

	// ErrPublishFailed wraps frames the broker did not accept, including
	// frames larger than the payload limit.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when an edge topic subscription is
	// refused or times out.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
