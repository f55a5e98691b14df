package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
)

func newTestDiscovery(t *testing.T) *ServiceDiscovery {
	t.Helper()
	return NewServiceDiscovery("127.0.0.1", constants.DefaultDiscoveryPort,
		50*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
}

func announcement(id, name, address string, port uint16) []byte {
	msg := models.DiscoveryMessage{
		Type:      constants.DiscoveryMessageType,
		ID:        id,
		Name:      name,
		Address:   address,
		Port:      port,
		Timestamp: uint64(time.Now().UnixMilli()),
		Version:   constants.DefaultProtocolVersion,
	}
	data, _ := json.Marshal(msg)
	return data
}

func TestHandleDatagram_NewServiceCallbackOnce(t *testing.T) {
	d := newTestDiscovery(t)

	var seen []string
	d.callbacks = append(d.callbacks, func(identity models.EndpointIdentity) {
		seen = append(seen, identity.ID)
	})

	sender := &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 12345}
	d.handleDatagram(announcement("device_server", "Device Server", "192.168.1.50", 9000), sender)
	d.handleDatagram(announcement("device_server", "Device Server", "192.168.1.50", 9000), sender)

	// Two broadcasts within the timeout fire the callback exactly once.
	assert.Equal(t, []string{"device_server"}, seen)
	assert.Len(t, d.KnownServices(), 1)
}

func TestHandleDatagram_AddressBackfill(t *testing.T) {
	d := newTestDiscovery(t)
	sender := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 12345}

	d.handleDatagram(announcement("a", "A", "0.0.0.0", 9000), sender)
	d.handleDatagram(announcement("b", "B", "", 9001), sender)
	d.handleDatagram(announcement("c", "C", "192.168.1.9", 9002), sender)

	services, err := d.DiscoverServices("", nil)
	require.NoError(t, err)
	defer d.Stop()

	byID := make(map[string]models.EndpointIdentity)
	for _, svc := range services {
		byID[svc.ID] = svc
	}
	// Unspecified announced addresses take the sender address; explicit
	// ones are preserved.
	assert.Equal(t, "10.0.0.7", byID["a"].Address)
	assert.Equal(t, "10.0.0.7", byID["b"].Address)
	assert.Equal(t, "192.168.1.9", byID["c"].Address)
}

func TestHandleDatagram_Malformed(t *testing.T) {
	d := newTestDiscovery(t)
	sender := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 12345}

	d.handleDatagram([]byte("not json"), sender)
	d.handleDatagram([]byte(`{"type":"something_else","id":"x"}`), sender)
	d.handleDatagram([]byte(`{"type":"service_discovery"}`), sender) // missing id

	assert.Empty(t, d.KnownServices())
}

func TestHandleDatagram_VersionGate(t *testing.T) {
	d := newTestDiscovery(t)
	sender := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 12345}

	msg := models.DiscoveryMessage{
		Type: constants.DiscoveryMessageType, ID: "old", Name: "Old", Port: 1,
		Version: "0.4.0",
	}
	data, _ := json.Marshal(msg)
	d.handleDatagram(data, sender)
	assert.Empty(t, d.KnownServices(), "incompatible version must be rejected")

	// No version at all is accepted for older endpoints.
	msg.ID, msg.Version = "bare", ""
	data, _ = json.Marshal(msg)
	d.handleDatagram(data, sender)
	assert.Equal(t, []string{"bare"}, d.KnownServices())
}

func TestPurgeStale(t *testing.T) {
	d := newTestDiscovery(t)
	sender := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 12345}

	d.handleDatagram(announcement("fresh", "Fresh", "10.0.0.7", 1), sender)
	d.handleDatagram(announcement("stale", "Stale", "10.0.0.7", 2), sender)

	// Age the stale entry past the service timeout.
	svc, ok := d.services.Get("stale")
	require.True(t, ok)
	svc.mu.Lock()
	svc.identity.LastActivity = time.Now().Add(-time.Second)
	svc.mu.Unlock()

	d.purgeStale()
	assert.ElementsMatch(t, []string{"fresh"}, d.KnownServices())
}

func TestDiscoverServices_Filter(t *testing.T) {
	d := newTestDiscovery(t)
	sender := &net.UDPAddr{IP: net.ParseIP("10.0.0.7"), Port: 12345}

	d.handleDatagram(announcement("s1", "Device Server", "10.0.0.7", 1), sender)
	d.handleDatagram(announcement("s2", "Controller Server", "10.0.0.7", 2), sender)

	services, err := d.DiscoverServices("Controller", nil)
	require.NoError(t, err)
	defer d.Stop()

	require.Len(t, services, 1)
	assert.Equal(t, "s2", services[0].ID)
}

func TestDiscoverServices_SharedPortBinding(t *testing.T) {
	// Two endpoints on one host must be able to receive on the same
	// discovery port; the socket is bound address-reusable.
	a := NewServiceDiscovery("127.0.0.1", 37998, 50*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
	defer a.Stop()
	b := NewServiceDiscovery("127.0.0.1", 37998, 50*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
	defer b.Stop()

	_, err := a.DiscoverServices("", nil)
	require.NoError(t, err)
	_, err = b.DiscoverServices("", nil)
	require.NoError(t, err)
}

func TestRegisterService_StartsBroadcast(t *testing.T) {
	d := newTestDiscovery(t)
	defer d.Stop()

	err := d.RegisterService(models.EndpointIdentity{
		ID: "device_server", Name: "Device Server", Address: "127.0.0.1", Port: 9000,
	}, int(constants.EndpointKindServer))
	require.NoError(t, err)

	d.mu.Lock()
	started := d.broadcastCtx != nil
	d.mu.Unlock()
	assert.True(t, started)
}
