package models

import (
	"fmt"
	"time"

	"github.com/benmeehan/iot-endpoint/internal/constants"
)

// EndpointIdentity describes one network-addressable participant. The id is
// the unique key; lastActivity/activityCount move forward on every message or
// heartbeat received from it.
type EndpointIdentity struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Address       string                 `json:"address"`
	Port          uint16                 `json:"port"`
	Kind          constants.EndpointKind `json:"kind"`
	LastActivity  time.Time              `json:"last_activity"`
	ActivityCount uint32                 `json:"activity_count"`
}

// Addr returns the identity's TCP address as "address:port".
func (e *EndpointIdentity) Addr() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Touch records one unit of activity from this endpoint.
func (e *EndpointIdentity) Touch() {
	e.LastActivity = time.Now()
	e.ActivityCount++
}

// ConnectionState is the lifecycle of one logical peer relationship.
type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateError
)

// String returns a human-readable connection state for log output.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionInfo tracks one logical peer relationship, owned by the side
// that created it.
type ConnectionInfo struct {
	Local             EndpointIdentity `json:"local"`
	Remote            EndpointIdentity `json:"remote"`
	State             ConnectionState  `json:"state"`
	ConnectTime       time.Time        `json:"connect_time"`
	ReconnectAttempts uint32           `json:"reconnect_attempts"`
}
