package influxdb

import "errors"

var (
	// ErrNotConnected is reported by HealthCheck once the client is closed.
	ErrNotConnected = errors.New("influxdb: client closed")

	// ErrConnectionFailed is returned by Connect when the server does not
	// answer its health ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when sync metrics are switched off
	// in configuration. Callers treat it as "run without metrics".
	ErrDisabled = errors.New("influxdb: sync metrics disabled")
)
