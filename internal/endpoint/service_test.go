package endpoint

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/protocol"
)

func testIdentity(id string) models.EndpointIdentity {
	return models.EndpointIdentity{ID: id, Name: "Test Endpoint", Address: "127.0.0.1", Port: 9000}
}

// userRecorder captures events that fall through to user observers.
type userRecorder struct {
	messages    []receivedEvent
	connections []string
}

type receivedEvent struct {
	endpointID string
	data       []byte
}

func (u *userRecorder) OnMessageReceived(endpointID string, data []byte) {
	u.messages = append(u.messages, receivedEvent{endpointID, data})
}
func (u *userRecorder) OnConnectionChanged(endpointID string, connected bool) {
	u.connections = append(u.connections, endpointID)
}
func (u *userRecorder) OnError(endpointID string, code int, message string) {}

func TestService_Lifecycle(t *testing.T) {
	svc := NewService(testIdentity("svc"), newFakeTransport(), zerolog.Nop())

	// Start before Initialize is a precondition failure, not a panic.
	assert.ErrorIs(t, svc.Start(), ErrNotInitialized)
	assert.Equal(t, StateStopped, svc.State())

	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	assert.Equal(t, StateRunning, svc.State())

	// Second Start fails; the service stays running.
	assert.ErrorIs(t, svc.Start(), ErrAlreadyRunning)
	assert.Equal(t, StateRunning, svc.State())

	require.NoError(t, svc.Stop())
	assert.Equal(t, StateStopped, svc.State())

	// Stop is idempotent.
	require.NoError(t, svc.Stop())
	assert.Equal(t, StateStopped, svc.State())
}

func TestService_StopReleasesAfterStartFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.startErr = errors.New("port in use")
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())

	require.Error(t, svc.Start())
	assert.Equal(t, StateError, svc.State())

	// Stop from the error state still releases whatever the transport
	// bound before Start failed.
	require.NoError(t, svc.Stop())
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, tr.stopCalls())
}

func TestService_SendMessage(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	tr.fireConnection("peer", true)

	require.NoError(t, svc.SendMessage("peer", constants.MessageTypeRequest, 0x0100,
		constants.PhaseReady, []byte("op")))

	sent := tr.sentTo("peer")
	require.Len(t, sent, 1)
	require.True(t, protocol.ValidateMessage(sent[0]))

	frame, err := protocol.ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0100), frame.MessageID)
	assert.Equal(t, constants.PhaseReady, frame.SubMessageID)
	assert.Equal(t, []byte("op"), frame.Payload)

	stats := svc.Statistics()
	assert.Equal(t, uint64(1), stats.MessagesSent)
}

func TestService_SendWhileStopped(t *testing.T) {
	svc := NewService(testIdentity("svc"), newFakeTransport(), zerolog.Nop())
	require.NoError(t, svc.Initialize())

	err := svc.SendMessage("peer", constants.MessageTypeRequest, 0x0100, constants.PhaseIdle, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestService_MalformedInboundDropped(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	user := &userRecorder{}
	svc.RegisterEventHandler(user)

	tr.deliver("peer", []byte("garbage"))

	// Dropped: counted as an error, never forwarded.
	assert.Empty(t, user.messages)
	assert.Equal(t, uint64(1), svc.Statistics().Errors)
	assert.Equal(t, uint64(0), svc.Statistics().MessagesReceived)
}

func TestService_UnroutedFallsThroughToUserHandler(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	user := &userRecorder{}
	svc.RegisterEventHandler(user)

	buf, err := protocol.BuildFrame(protocol.Frame{
		MessageType: constants.MessageTypeNotify,
		MessageID:   0x0250,
		Payload:     []byte("device event"),
	})
	require.NoError(t, err)
	tr.deliver("peer", buf)

	require.Len(t, user.messages, 1)
	assert.Equal(t, "peer", user.messages[0].endpointID)
	assert.Equal(t, buf, user.messages[0].data)
	assert.Equal(t, uint64(1), svc.Statistics().MessagesReceived)
}

func TestService_HeartbeatRequestAnswered(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	user := &userRecorder{}
	svc.RegisterEventHandler(user)

	tr.fireConnection("peer", true)

	req, err := protocol.BuildFrame(protocol.Frame{
		MessageType: constants.MessageTypeRequest,
		MessageID:   constants.MessageIDHeartbeatRequest,
		Payload:     []byte(`{"endpoint_id":"peer"}`),
	})
	require.NoError(t, err)
	tr.deliver("peer", req)

	// The heartbeat route claims the frame; the user handler never sees it.
	assert.Empty(t, user.messages)

	sent := tr.sentTo("peer")
	require.Len(t, sent, 1)
	frame, err := protocol.ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, constants.MessageTypeResponse, frame.MessageType)
	assert.Equal(t, constants.MessageIDHeartbeatResponse, frame.MessageID)
}

func TestService_Broadcast(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	tr.fireConnection("a", true)
	tr.fireConnection("b", true)

	sent, err := svc.Broadcast(constants.MessageTypeNotify, 0x0110, constants.PhaseReady, []byte("state"))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, uint64(1), svc.Statistics().Broadcasts)
}

func TestService_CleanupResetsState(t *testing.T) {
	tr := newFakeTransport()
	svc := NewService(testIdentity("svc"), tr, zerolog.Nop())
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Stop())

	svc.Cleanup()
	assert.Equal(t, uint64(0), svc.Statistics().MessagesSent)

	// A cleaned-up service must be re-initialized before starting.
	assert.ErrorIs(t, svc.Start(), ErrNotInitialized)
}
