package messaging

import (
	"context"
	"time"
)

// Pinger is implemented by buses that can verify server round trips.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the health state of a bus connection.
type HealthStatus struct {
	// Connected indicates if the bus is connected.
	Connected bool `json:"connected"`

	// Latency is the round-trip time for a health ping.
	Latency time.Duration `json:"latency_ms"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// Healthy reports whether the status describes a usable connection.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}

// CheckBusHealth checks if a Bus is healthy by verifying its connection and,
// when supported, a server round trip.
func CheckBusHealth(ctx context.Context, bus Bus) HealthStatus {
	status := HealthStatus{}

	if bus == nil {
		status.Error = "bus is nil"
		return status
	}

	status.Connected = bus.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message bus"
		return status
	}

	if p, ok := bus.(Pinger); ok {
		start := time.Now()
		err := p.Ping(ctx)
		status.Latency = time.Since(start)
		if err != nil {
			status.Error = "health check failed: " + err.Error()
		}
	}

	return status
}
