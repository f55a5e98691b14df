package protocol

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
)

// MessageCallback handles one routed frame. endpointID identifies the
// connection the frame arrived on.
type MessageCallback func(endpointID string, frame Frame)

// MessageRouter dispatches decoded frames to callbacks registered by
// (type, messageId, subMessageId).
type MessageRouter struct {
	callbacks cmap.ConcurrentMap[string, MessageCallback]
	logger    zerolog.Logger
}

// NewMessageRouter initializes an empty router.
func NewMessageRouter(logger zerolog.Logger) *MessageRouter {
	return &MessageRouter{
		callbacks: cmap.New[MessageCallback](),
		logger:    logger,
	}
}

func routeKey(msgType constants.MessageType, msgID uint16, subID constants.SubMessageID) string {
	return fmt.Sprintf("%d:%d:%d", msgType, msgID, subID)
}

// RegisterCallback installs cb for the given route, replacing any previous
// registration.
func (r *MessageRouter) RegisterCallback(msgType constants.MessageType, msgID uint16, subID constants.SubMessageID, cb MessageCallback) {
	r.callbacks.Set(routeKey(msgType, msgID, subID), cb)
}

// UnregisterCallback removes the callback for the given route, if any.
func (r *MessageRouter) UnregisterCallback(msgType constants.MessageType, msgID uint16, subID constants.SubMessageID) {
	r.callbacks.Remove(routeKey(msgType, msgID, subID))
}

// Clear drops every registered callback.
func (r *MessageRouter) Clear() {
	r.callbacks.Clear()
}

// Dispatch routes frame to its registered callback and reports whether one
// was found. Unmatched frames are the caller's problem; the usual fallback
// is the endpoint's user event handler.
func (r *MessageRouter) Dispatch(endpointID string, frame Frame) bool {
	cb, ok := r.callbacks.Get(routeKey(frame.MessageType, frame.MessageID, frame.SubMessageID))
	if !ok {
		r.logger.Debug().
			Uint16("message_id", frame.MessageID).
			Uint8("sub_message_id", uint8(frame.SubMessageID)).
			Msg("No callback registered for message")
		return false
	}
	cb(endpointID, frame)
	return true
}
