package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/benmeehan/iot-endpoint/internal/constants"
)

var (
	// ErrShortBuffer is returned when a buffer is smaller than the fixed header.
	ErrShortBuffer = errors.New("protocol: buffer shorter than frame header")
	// ErrBadMagic is returned when the magic field does not match.
	ErrBadMagic = errors.New("protocol: bad magic")
	// ErrBadChecksum is returned when the stored CRC does not match the
	// recomputed one.
	ErrBadChecksum = errors.New("protocol: checksum mismatch")
	// ErrTruncatedPayload is returned when the header declares more payload
	// bytes than the buffer carries.
	ErrTruncatedPayload = errors.New("protocol: declared payload length exceeds buffer")
	// ErrPayloadTooLarge is returned when a payload does not fit the uint16
	// length field.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Frame is one protocol message. On the wire it is a 12-byte little-endian
// header followed by Length payload bytes:
//
//	offset 0: magic(u16)=0xBE01 | 2: crc16(u16) | 4: type(u8) | 5: msgId(u16)
//	| 7: subMsgId(u8) | 8: sequence(u16) | 10: length(u16) | 12..: payload
//
// The CRC covers everything after the CRC field itself.
type Frame struct {
	MessageType  constants.MessageType
	MessageID    uint16
	SubMessageID constants.SubMessageID
	Sequence     uint16
	Payload      []byte
}

// BuildFrame serializes f, computing and stamping the CRC.
func BuildFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, constants.FrameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], constants.ProtocolMagic)
	// buf[2:4] is the CRC placeholder, filled in below.
	buf[4] = byte(f.MessageType)
	binary.LittleEndian.PutUint16(buf[5:7], f.MessageID)
	buf[7] = byte(f.SubMessageID)
	binary.LittleEndian.PutUint16(buf[8:10], f.Sequence)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(f.Payload)))
	copy(buf[constants.FrameHeaderSize:], f.Payload)

	binary.LittleEndian.PutUint16(buf[2:4], CRC16(buf[4:]))
	return buf, nil
}

// ParseFrame decodes a frame from buf. A header that declares more payload
// bytes than buf carries is an explicit error rather than an empty payload.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < constants.FrameHeaderSize {
		return Frame{}, ErrShortBuffer
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != constants.ProtocolMagic {
		return Frame{}, ErrBadMagic
	}

	length := int(binary.LittleEndian.Uint16(buf[10:12]))
	if constants.FrameHeaderSize+length > len(buf) {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d",
			ErrTruncatedPayload, length, len(buf)-constants.FrameHeaderSize)
	}

	f := Frame{
		MessageType:  constants.MessageType(buf[4]),
		MessageID:    binary.LittleEndian.Uint16(buf[5:7]),
		SubMessageID: constants.SubMessageID(buf[7]),
		Sequence:     binary.LittleEndian.Uint16(buf[8:10]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, buf[constants.FrameHeaderSize:constants.FrameHeaderSize+length])
	}
	return f, nil
}

// ValidateMessage reports whether buf holds a well-formed frame: long
// enough, correct magic, and a CRC that matches the frame contents. It is
// the gate every inbound buffer passes before being parsed.
func ValidateMessage(buf []byte) bool {
	if len(buf) < constants.FrameHeaderSize {
		return false
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != constants.ProtocolMagic {
		return false
	}
	return binary.LittleEndian.Uint16(buf[2:4]) == CRC16(buf[4:])
}
