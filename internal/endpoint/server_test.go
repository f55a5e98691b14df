package endpoint

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/protocol"
)

func newTestServer(t *testing.T, opts ServerOptions) (*Server, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	srv := NewServer(testIdentity("device_server"), tr, opts, zerolog.Nop())
	require.NoError(t, srv.Initialize())
	require.NoError(t, srv.Service.Start()) // base only; monitor loop driven by hand
	t.Cleanup(func() { srv.Service.Stop() })
	return srv, tr
}

func TestServer_RegisterClientCapacity(t *testing.T) {
	opts := DefaultServerOptions()
	opts.MaxClients = 3
	srv, _ := newTestServer(t, opts)

	for i := 0; i < 3; i++ {
		ok := srv.RegisterClient(models.EndpointIdentity{ID: fmt.Sprintf("c%d", i)})
		assert.True(t, ok)
	}
	// The (N+1)-th registration fails.
	assert.False(t, srv.RegisterClient(models.EndpointIdentity{ID: "c3"}))

	// Re-registering a known id is an update, not a capacity hit.
	assert.True(t, srv.RegisterClient(models.EndpointIdentity{ID: "c1", Name: "renamed"}))
}

func TestServer_ConnectionPopulatesRegistry(t *testing.T) {
	srv, tr := newTestServer(t, DefaultServerOptions())

	tr.fireConnection("accepted_1", true)
	_, ok := srv.GetClient("accepted_1")
	assert.True(t, ok)

	tr.fireConnection("accepted_1", false)
	_, ok = srv.GetClient("accepted_1")
	assert.False(t, ok)
}

func TestServer_OverCapacityConnectionRefused(t *testing.T) {
	opts := DefaultServerOptions()
	opts.MaxClients = 1
	srv, tr := newTestServer(t, opts)

	tr.fireConnection("accepted_1", true)
	tr.fireConnection("accepted_2", true)

	assert.Contains(t, tr.disconnects(), "accepted_2")
	_, ok := srv.GetClient("accepted_1")
	assert.True(t, ok)
}

func TestServer_ClientActivityConcurrentWithReads(t *testing.T) {
	srv, tr := newTestServer(t, DefaultServerOptions())
	tr.fireConnection("accepted_1", true)

	// Inbound-frame activity updates and registry reads run on different
	// goroutines; both must be safe against each other.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				srv.messageActivity("accepted_1")
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				srv.GetClient("accepted_1")
			}
		}()
	}
	wg.Wait()

	identity, ok := srv.GetClient("accepted_1")
	require.True(t, ok)
	assert.Equal(t, uint32(1000), identity.ActivityCount)
}

// respond simulates a client answering the server's heartbeat request.
func respond(t *testing.T, srv *Server, tr *fakeTransport, id string) {
	t.Helper()
	buf, err := protocol.BuildFrame(protocol.Frame{
		MessageType: constants.MessageTypeResponse,
		MessageID:   constants.MessageIDHeartbeatResponse,
		Payload:     []byte(fmt.Sprintf(`{"endpoint_id":%q}`, id)),
	})
	require.NoError(t, err)
	tr.deliver(id, buf)
}

func TestServer_HeartbeatRequestScheduling(t *testing.T) {
	opts := DefaultServerOptions()
	opts.HeartbeatInterval = time.Second
	srv, tr := newTestServer(t, opts)

	tr.fireConnection("accepted_1", true)

	now := time.Now()
	srv.heartbeatTick(now)

	sent := tr.sentTo("accepted_1")
	require.Len(t, sent, 1)
	frame, err := protocol.ParseFrame(sent[0])
	require.NoError(t, err)
	assert.Equal(t, constants.MessageIDHeartbeatRequest, frame.MessageID)

	info, ok := srv.HeartbeatInfo("accepted_1")
	require.True(t, ok)
	assert.Equal(t, uint32(1), info.TotalRequests)
	assert.True(t, info.IsAlive)

	// Within the interval no second request goes out.
	srv.heartbeatTick(now.Add(200 * time.Millisecond))
	assert.Len(t, tr.sentTo("accepted_1"), 1)

	// Past the interval it does.
	srv.heartbeatTick(now.Add(1100 * time.Millisecond))
	assert.Len(t, tr.sentTo("accepted_1"), 2)
}

func TestServer_HeartbeatLiveness_DisconnectAfterThirdMiss(t *testing.T) {
	opts := DefaultServerOptions()
	opts.HeartbeatInterval = time.Second
	opts.TimeoutMultiplier = 3
	opts.MaxMissedResponses = 3
	srv, tr := newTestServer(t, opts)

	tr.fireConnection("accepted_1", true)

	start := time.Now()
	srv.heartbeatTick(start) // first request
	respond(t, srv, tr, "accepted_1")

	// The client then goes silent. Ticks inside the 3 s response window
	// count nothing.
	srv.heartbeatTick(start.Add(2 * time.Second))
	info, _ := srv.HeartbeatInfo("accepted_1")
	assert.Equal(t, uint32(0), info.ConsecutiveMissed)

	// Three ticks outside the window are three consecutive missed windows;
	// the disconnect happens on the third, not earlier.
	srv.heartbeatTick(start.Add(4 * time.Second))
	info, _ = srv.HeartbeatInfo("accepted_1")
	assert.Equal(t, uint32(1), info.ConsecutiveMissed)
	assert.Empty(t, srv.Transport().(*fakeTransport).disconnects())

	srv.heartbeatTick(start.Add(5 * time.Second))
	info, _ = srv.HeartbeatInfo("accepted_1")
	assert.Equal(t, uint32(2), info.ConsecutiveMissed)
	assert.Empty(t, tr.disconnects())

	srv.heartbeatTick(start.Add(6 * time.Second))
	assert.Equal(t, []string{"accepted_1"}, tr.disconnects())

	// The disconnect event purges the liveness record.
	_, ok := srv.HeartbeatInfo("accepted_1")
	assert.False(t, ok)
}

func TestServer_HeartbeatFreshResponseResetsMisses(t *testing.T) {
	opts := DefaultServerOptions()
	opts.HeartbeatInterval = time.Second
	opts.TimeoutMultiplier = 3
	srv, tr := newTestServer(t, opts)

	tr.fireConnection("accepted_1", true)

	start := time.Now()
	srv.heartbeatTick(start)
	respond(t, srv, tr, "accepted_1")

	srv.heartbeatTick(start.Add(4 * time.Second))
	info, _ := srv.HeartbeatInfo("accepted_1")
	assert.Equal(t, uint32(1), info.ConsecutiveMissed)

	// A fresh response inside the window resets the count.
	respond(t, srv, tr, "accepted_1")
	info, _ = srv.HeartbeatInfo("accepted_1")
	assert.Equal(t, uint32(0), info.ConsecutiveMissed)
	assert.True(t, info.IsAlive)
}

func TestServer_HeartbeatNeverRespondedDisconnects(t *testing.T) {
	// A client that never answers any request is anchored on the first
	// request time and eventually disconnected like any other dead client.
	opts := DefaultServerOptions()
	opts.HeartbeatInterval = time.Second
	opts.TimeoutMultiplier = 3
	opts.MaxMissedResponses = 3
	srv, tr := newTestServer(t, opts)

	tr.fireConnection("accepted_1", true)

	start := time.Now()
	srv.heartbeatTick(start) // first request, never answered

	// Inside the response window nothing is counted.
	srv.heartbeatTick(start.Add(2 * time.Second))
	info, _ := srv.HeartbeatInfo("accepted_1")
	assert.Equal(t, uint32(0), info.ConsecutiveMissed)

	srv.heartbeatTick(start.Add(4 * time.Second))
	srv.heartbeatTick(start.Add(5 * time.Second))
	assert.Empty(t, tr.disconnects())

	srv.heartbeatTick(start.Add(6 * time.Second))
	assert.Equal(t, []string{"accepted_1"}, tr.disconnects())
}

func TestServer_HeartbeatPurgeDepartedIDs(t *testing.T) {
	srv, tr := newTestServer(t, DefaultServerOptions())

	tr.fireConnection("accepted_1", true)
	srv.heartbeatTick(time.Now())
	_, ok := srv.HeartbeatInfo("accepted_1")
	require.True(t, ok)

	// Simulate the record outliving the connection: drop the connection
	// without the event reaching the server.
	tr.mu.Lock()
	delete(tr.connected, "accepted_1")
	tr.mu.Unlock()

	srv.heartbeatTick(time.Now())
	_, ok = srv.HeartbeatInfo("accepted_1")
	assert.False(t, ok)
}
