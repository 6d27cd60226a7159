package messaging

import (
	"context"
	"errors"
	"time"
)

// BrokerStatus is the broker section of the erp readiness report. Terminals
// only hear about other terminals' mutations while the broker is reachable.
type BrokerStatus struct {
	Connected bool   `json:"connected"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// probeSubject has no responders; a "no responders" reply still proves a
// round trip through the server.
const probeSubject = "_HEALTH.mesa.ping"

const probeTimeout = 2 * time.Second

var errNoBroker = errors.New("broker not configured")

// ProbeBroker reports whether client is connected and times one request
// round trip.
func ProbeBroker(ctx context.Context, client Client) BrokerStatus {
	if client == nil {
		return BrokerStatus{Error: errNoBroker.Error()}
	}
	if !client.IsConnected() {
		return BrokerStatus{Error: "not connected to message broker"}
	}

	start := time.Now()
	_, _ = client.Request(ctx, probeSubject, []byte("ping"), probeTimeout)
	return BrokerStatus{Connected: true, LatencyMS: time.Since(start).Milliseconds()}
}
