package models

import "time"

// HeartbeatRequest is the payload of a heartbeat request frame. Health
// fields are optional; a server accepts a bare request.
type HeartbeatRequest struct {
	EndpointID    string    `json:"endpoint_id"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds uint64    `json:"uptime_s,omitempty"`
	MemoryUsed    uint64    `json:"memory_used,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
}

// HeartbeatResponse is the payload echoed back for a heartbeat request.
type HeartbeatResponse struct {
	EndpointID string    `json:"endpoint_id"`
	ServerTime time.Time `json:"server_time"`
}

// ClientHeartbeatInfo is the server-side liveness record for one connected
// client id. It exists only while the id is in the live connection set and
// is reset on disconnect.
type ClientHeartbeatInfo struct {
	FirstRequestTime  time.Time `json:"first_request_time"`
	LastRequestTime   time.Time `json:"last_request_time"`
	LastResponseTime  time.Time `json:"last_response_time"`
	ConsecutiveMissed uint32    `json:"consecutive_missed"`
	TotalRequests     uint32    `json:"total_requests"`
	TotalResponses    uint32    `json:"total_responses"`
	IsAlive           bool      `json:"is_alive"`
}
