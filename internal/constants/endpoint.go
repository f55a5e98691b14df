package constants

import "time"

// EndpointKind tells the two endpoint roles apart in identities and
// discovery announcements.
type EndpointKind int

const (
	EndpointKindClient EndpointKind = iota
	EndpointKindServer
)

// Discovery defaults.
const (
	DefaultDiscoveryPort       = 37020
	DefaultBroadcastInterval   = 5 * time.Second
	DefaultServiceTimeout      = 30 * time.Second
	DiscoveryMessageType       = "service_discovery"
	DefaultProtocolVersion     = "1.0.0"
	SupportedVersionConstraint = "^1.0.0"
)

// Endpoint defaults.
const (
	DefaultMaxClients              = 32
	DefaultClientTimeout           = 60 * time.Second
	DefaultReconnectInterval       = 5 * time.Second
	DefaultMaxReconnectAttempts    = 0 // unlimited
	DefaultConnectionCheckInterval = 1 * time.Second
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultTimeoutMultiplier  = 3
	DefaultMaxMissedResponses = 3
	HeartbeatMonitorTick      = 1 * time.Second
)

// Master monitoring defaults.
const (
	DefaultStatusCheckInterval   = 1 * time.Second
	DefaultStateSyncInterval     = 5 * time.Second
	DefaultClientTimeoutInterval = 60 * time.Second
)

// ShutdownJoinTimeout bounds how long Stop waits for worker loops before
// logging an unclean shutdown and moving on.
const ShutdownJoinTimeout = 1 * time.Second

// Well-known service names a client node auto-connects to.
const (
	DeviceServerID       = "device_server"
	DeviceServerName     = "Device Server"
	ControllerServerName = "Controller Server"
)
