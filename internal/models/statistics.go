package models

import "time"

// EndpointStatistics is a read-only snapshot of one endpoint's counters,
// taken under the owner's lock. Counters reset on Cleanup.
type EndpointStatistics struct {
	MessagesSent      uint64    `json:"messages_sent"`
	MessagesReceived  uint64    `json:"messages_received"`
	Errors            uint64    `json:"errors"`
	Connections       uint64    `json:"connections"`
	Reconnects        uint64    `json:"reconnects"`
	Broadcasts        uint64    `json:"broadcasts"`
	StartTime         time.Time `json:"start_time"`
}
