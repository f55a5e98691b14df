package endpoint

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/benmeehan/iot-endpoint/internal/models"
)

// Statistics tracks one endpoint's traffic counters. Counters are exported
// both as a plain snapshot and as prometheus metrics registered in the
// endpoint's own registry, so multiple endpoints can live in one process.
type Statistics struct {
	mu        sync.Mutex
	snapshot  models.EndpointStatistics

	registry         *prometheus.Registry
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	errors           prometheus.Counter
	connections      prometheus.Counter
	reconnects       prometheus.Counter
	broadcasts       prometheus.Counter
}

// NewStatistics creates a statistics tracker labeled with the endpoint id.
func NewStatistics(endpointID string) *Statistics {
	labels := prometheus.Labels{"endpoint_id": endpointID}
	s := &Statistics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_messages_sent_total", Help: "Messages sent", ConstLabels: labels,
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_messages_received_total", Help: "Messages received", ConstLabels: labels,
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_errors_total", Help: "Transport and protocol errors", ConstLabels: labels,
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_connections_total", Help: "Connections established", ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_reconnects_total", Help: "Reconnect attempts", ConstLabels: labels,
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "endpoint_broadcasts_total", Help: "Broadcast sends", ConstLabels: labels,
		}),
	}
	s.registry.MustRegister(s.messagesSent, s.messagesReceived, s.errors,
		s.connections, s.reconnects, s.broadcasts)
	s.snapshot.StartTime = time.Now()
	return s
}

// Registry exposes the endpoint's prometheus registry for scraping.
func (s *Statistics) Registry() *prometheus.Registry {
	return s.registry
}

// MessageSent records one outbound message.
func (s *Statistics) MessageSent() {
	s.mu.Lock()
	s.snapshot.MessagesSent++
	s.mu.Unlock()
	s.messagesSent.Inc()
}

// MessageReceived records one inbound message.
func (s *Statistics) MessageReceived() {
	s.mu.Lock()
	s.snapshot.MessagesReceived++
	s.mu.Unlock()
	s.messagesReceived.Inc()
}

// Error records one transport or protocol error.
func (s *Statistics) Error() {
	s.mu.Lock()
	s.snapshot.Errors++
	s.mu.Unlock()
	s.errors.Inc()
}

// ConnectionGained records one established connection.
func (s *Statistics) ConnectionGained() {
	s.mu.Lock()
	s.snapshot.Connections++
	s.mu.Unlock()
	s.connections.Inc()
}

// Reconnect records one reconnect attempt.
func (s *Statistics) Reconnect() {
	s.mu.Lock()
	s.snapshot.Reconnects++
	s.mu.Unlock()
	s.reconnects.Inc()
}

// Broadcast records one broadcast send.
func (s *Statistics) Broadcast() {
	s.mu.Lock()
	s.snapshot.Broadcasts++
	s.mu.Unlock()
	s.broadcasts.Inc()
}

// Snapshot returns an immutable copy of the current counters.
func (s *Statistics) Snapshot() models.EndpointStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Reset zeroes the snapshot counters, keeping the prometheus series (which
// are cumulative by contract).
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = models.EndpointStatistics{StartTime: time.Now()}
}
