package endpoint

import (
	"fmt"
	"sync"

	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/transport"
)

// fakeTransport is an in-memory transport.Transport for endpoint tests. It
// records sends and lets tests drive connection and message events
// directly.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  []transport.EventHandler
	connected map[string]bool
	sent      map[string][][]byte

	connectCalls    []string
	disconnectCalls []string
	autoAccept      bool
	startErr        error
	stopCount       int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: make(map[string]bool),
		sent:      make(map[string][][]byte),
	}
}

func (f *fakeTransport) Initialize() error { return nil }

func (f *fakeTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
	return nil
}

func (f *fakeTransport) Connect(id, address string, port uint16) error {
	f.mu.Lock()
	f.connectCalls = append(f.connectCalls, fmt.Sprintf("%s:%d", address, port))
	accept := f.autoAccept
	f.mu.Unlock()
	if accept {
		f.fireConnection(id, true)
	}
	return nil
}

func (f *fakeTransport) Disconnect(id string) error {
	f.mu.Lock()
	f.disconnectCalls = append(f.disconnectCalls, id)
	delete(f.connected, id)
	f.mu.Unlock()
	f.notifyConnection(id, false)
	return nil
}

func (f *fakeTransport) Send(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[id] {
		return transport.ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent[id] = append(f.sent[id], buf)
	return nil
}

func (f *fakeTransport) Broadcast(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, up := range f.connected {
		if up {
			f.sent[id] = append(f.sent[id], data)
			n++
		}
	}
	return n
}

func (f *fakeTransport) IsConnected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeTransport) ConnectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, up := range f.connected {
		if up {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeTransport) ConnectionInfo(id string) (models.ConnectionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[id] {
		return models.ConnectionInfo{}, false
	}
	return models.ConnectionInfo{
		Remote: models.EndpointIdentity{ID: id},
		State:  models.ConnectionStateConnected,
	}, true
}

func (f *fakeTransport) AddHandler(h transport.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeTransport) snapshotHandlers() []transport.EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.EventHandler, len(f.handlers))
	copy(out, f.handlers)
	return out
}

// fireConnection marks id up/down and notifies handlers.
func (f *fakeTransport) fireConnection(id string, connected bool) {
	f.mu.Lock()
	if connected {
		f.connected[id] = true
	} else {
		delete(f.connected, id)
	}
	f.mu.Unlock()
	f.notifyConnection(id, connected)
}

func (f *fakeTransport) notifyConnection(id string, connected bool) {
	for _, h := range f.snapshotHandlers() {
		h.OnConnectionChanged(id, connected)
	}
}

// deliver pushes inbound bytes through the handler chain as the transport
// would.
func (f *fakeTransport) deliver(id string, data []byte) {
	for _, h := range f.snapshotHandlers() {
		h.OnMessageReceived(id, data)
	}
}

func (f *fakeTransport) sentTo(id string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent[id]))
	copy(out, f.sent[id])
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connectCalls)
}

func (f *fakeTransport) stopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCount
}

func (f *fakeTransport) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.disconnectCalls))
	copy(out, f.disconnectCalls)
	return out
}
