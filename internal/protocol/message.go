package protocol

import "fmt"

// CreateFromBytes validates buf and decodes it into a frame. It is the
// single entry point for inbound transport buffers: validation failures and
// parse failures both come back as errors so the caller can log and drop.
func CreateFromBytes(buf []byte) (Frame, error) {
	if !ValidateMessage(buf) {
		return Frame{}, fmt.Errorf("protocol: invalid message: %w", classify(buf))
	}
	return ParseFrame(buf)
}

// classify picks the sentinel that best describes why validation failed,
// for log output only.
func classify(buf []byte) error {
	switch {
	case len(buf) < 12:
		return ErrShortBuffer
	case buf[0] != 0x01 || buf[1] != 0xBE:
		return ErrBadMagic
	default:
		return ErrBadChecksum
	}
}
