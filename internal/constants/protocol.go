package constants

// Frame layout constants for the binary wire protocol.
const (
	// ProtocolMagic identifies a valid frame header.
	ProtocolMagic uint16 = 0xBE01
	// FrameHeaderSize is the fixed header length in bytes.
	FrameHeaderSize = 12
	// MaxFrameSize bounds a single transport message to keep a bad peer from
	// forcing huge allocations.
	MaxFrameSize = 1024 * 1024
)

// MessageType distinguishes the three frame categories on the wire.
type MessageType uint8

const (
	MessageTypeRequest MessageType = iota + 1
	MessageTypeResponse
	MessageTypeNotify
)

// Message id namespaces. System messages (heartbeat, discovery, connection
// control) live below 0x0100; domain operations and device control get their
// own ranges above it.
const (
	SystemMessageIDBase uint16 = 0x0001
	SystemMessageIDMax  uint16 = 0x00FF
	DomainMessageIDBase uint16 = 0x0100
	DomainMessageIDMax  uint16 = 0x01FF
	DeviceMessageIDBase uint16 = 0x0200
	DeviceMessageIDMax  uint16 = 0x02FF
)

// System message ids.
const (
	MessageIDHeartbeatRequest  uint16 = 0x0001
	MessageIDHeartbeatResponse uint16 = 0x0002
	MessageIDDiscovery         uint16 = 0x0003
	MessageIDConnection        uint16 = 0x0004
)

// SubMessageID encodes the lifecycle phase a message refers to.
type SubMessageID uint8

const (
	PhaseIdle SubMessageID = iota
	PhaseInitializing
	PhaseConnecting
	PhaseReady
	PhaseError
)
