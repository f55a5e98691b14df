package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
)

var (
	// ErrNotInitialized is returned when Start or Connect is called before
	// Initialize.
	ErrNotInitialized = errors.New("transport: not initialized")
	// ErrNotConnected is returned when sending to an unknown endpoint id.
	ErrNotConnected = errors.New("transport: endpoint not connected")
	// ErrAlreadyConnected is returned when Connect reuses a live id.
	ErrAlreadyConnected = errors.New("transport: endpoint id already connected")
	// ErrMessageTooLarge is returned for messages over the frame size limit.
	ErrMessageTooLarge = errors.New("transport: message exceeds size limit")
)

// lengthPrefixSize is the transport-level framing prefix: a 4-byte
// little-endian length followed by that many protocol-frame bytes.
const lengthPrefixSize = 4

// tcpConnection is one live socket. Writes serialize under writeMu so the
// length prefix and body of independent sends never interleave; the read loop
// runs on its own goroutine and preserves FIFO delivery.
type tcpConnection struct {
	id          string
	conn        net.Conn
	established time.Time
	writeMu     sync.Mutex
	closed      atomic.Bool
}

func (c *tcpConnection) send(data []byte) error {
	if len(data) > constants.MaxFrameSize {
		return ErrMessageTooLarge
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:lengthPrefixSize], uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpConnection) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// TCPTransport implements Transport over plain TCP sockets. One instance
// serves either role: a listening server that labels accepted sockets
// "accepted_<n>", or a dialer whose connections are registered under
// caller-supplied ids.
type TCPTransport struct {
	address     string
	port        uint16
	server      bool
	dialTimeout time.Duration
	logger      zerolog.Logger

	listener    net.Listener
	connections cmap.ConcurrentMap[string, *tcpConnection]
	acceptSeq   atomic.Uint64

	handlersMu sync.RWMutex
	handlers   []EventHandler

	// dialMu guards dialing, the ids with a Connect dial still in flight.
	dialMu  sync.Mutex
	dialing map[string]struct{}

	initialized atomic.Bool
	running     atomic.Bool
	wg          sync.WaitGroup
}

// NewTCPTransport creates a transport bound to address:port. server selects
// listening mode; a dialer passes its local identity address for logging
// only.
func NewTCPTransport(address string, port uint16, server bool, logger zerolog.Logger) *TCPTransport {
	return &TCPTransport{
		address:     address,
		port:        port,
		server:      server,
		dialTimeout: 5 * time.Second,
		logger:      logger,
		connections: cmap.New[*tcpConnection](),
		dialing:     make(map[string]struct{}),
	}
}

// AddHandler appends an event observer. Observers run in registration order.
func (t *TCPTransport) AddHandler(h EventHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = append(t.handlers, h)
}

func (t *TCPTransport) eachHandler(fn func(EventHandler)) {
	t.handlersMu.RLock()
	handlers := make([]EventHandler, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		fn(h)
	}
}

func (t *TCPTransport) notifyMessage(id string, data []byte) {
	t.eachHandler(func(h EventHandler) { h.OnMessageReceived(id, data) })
}

func (t *TCPTransport) notifyConnection(id string, connected bool) {
	t.eachHandler(func(h EventHandler) { h.OnConnectionChanged(id, connected) })
}

func (t *TCPTransport) notifyError(id string, code int, msg string) {
	t.eachHandler(func(h EventHandler) { h.OnError(id, code, msg) })
}

// Initialize binds and listens in server mode. Bind failure is fatal for
// startup and is returned rather than reported as an event.
func (t *TCPTransport) Initialize() error {
	if t.server {
		addr := fmt.Sprintf("%s:%d", t.address, t.port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("transport: listen on %s: %w", addr, err)
		}
		t.listener = listener
		t.logger.Info().Str("address", addr).Msg("Transport listening")
	}
	t.initialized.Store(true)
	return nil
}

// ListenAddr returns the bound listener address in server mode, nil
// otherwise. Useful when the configured port is 0.
func (t *TCPTransport) ListenAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Start launches the accept loop in server mode.
func (t *TCPTransport) Start() error {
	if !t.initialized.Load() {
		return ErrNotInitialized
	}
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}

	if t.server {
		t.wg.Add(1)
		go t.acceptLoop()
	}
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for t.running.Load() {
		conn, err := t.listener.Accept()
		if err != nil {
			if !t.running.Load() {
				return
			}
			t.logger.Warn().Err(err).Msg("Accept failed")
			t.notifyError("", ErrCodeAcceptFailed, err.Error())
			continue
		}

		id := fmt.Sprintf("accepted_%d", t.acceptSeq.Add(1))
		t.register(id, conn)
	}
}

// register wraps conn, stores it, starts its read loop, and fires the
// connection-changed event.
func (t *TCPTransport) register(id string, conn net.Conn) {
	c := &tcpConnection{id: id, conn: conn, established: time.Now()}
	t.connections.Set(id, c)

	t.logger.Info().
		Str("endpoint_id", id).
		Str("remote_addr", conn.RemoteAddr().String()).
		Msg("Connection established")

	t.wg.Add(1)
	go t.readLoop(c)

	t.notifyConnection(id, true)
}

// Connect dials address:port asynchronously and registers the connection
// under id. Failure surfaces as an OnError event, matching the accept path
// where problems are events rather than return values.
func (t *TCPTransport) Connect(id, address string, port uint16) error {
	if !t.initialized.Load() {
		return ErrNotInitialized
	}

	// Claim the id before the dial goroutine runs so a second Connect for
	// the same id is rejected while the first one is still in flight.
	t.dialMu.Lock()
	if _, inFlight := t.dialing[id]; inFlight || t.connections.Has(id) {
		t.dialMu.Unlock()
		return ErrAlreadyConnected
	}
	t.dialing[id] = struct{}{}
	t.dialMu.Unlock()

	go func() {
		addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))
		conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
		if err != nil {
			t.dialMu.Lock()
			delete(t.dialing, id)
			t.dialMu.Unlock()
			t.logger.Warn().Err(err).Str("endpoint_id", id).Str("address", addr).Msg("Dial failed")
			t.notifyError(id, ErrCodeConnectFailed, err.Error())
			return
		}
		t.register(id, conn)
		t.dialMu.Lock()
		delete(t.dialing, id)
		t.dialMu.Unlock()
	}()
	return nil
}

// readLoop reads length-prefixed messages until the socket dies, then
// removes the connection. Each message is a 4-byte little-endian length and
// exactly that many protocol-frame bytes.
func (t *TCPTransport) readLoop(c *tcpConnection) {
	defer t.wg.Done()

	var prefix [lengthPrefixSize]byte
	for {
		if _, err := io.ReadFull(c.conn, prefix[:]); err != nil {
			t.dropConnection(c, err)
			return
		}

		length := binary.LittleEndian.Uint32(prefix[:])
		if length > constants.MaxFrameSize {
			t.logger.Warn().
				Str("endpoint_id", c.id).
				Uint32("length", length).
				Msg("Oversized message, dropping connection")
			t.dropConnection(c, ErrMessageTooLarge)
			return
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			t.dropConnection(c, err)
			return
		}

		t.notifyMessage(c.id, body)
	}
}

// dropConnection tears down c once, fires events, and logs the cause.
func (t *TCPTransport) dropConnection(c *tcpConnection, cause error) {
	if _, present := t.connections.Pop(c.id); !present {
		return
	}
	c.close()

	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		t.notifyError(c.id, ErrCodeReadFailed, cause.Error())
	}
	t.logger.Info().Str("endpoint_id", c.id).Msg("Connection closed")
	t.notifyConnection(c.id, false)
}

// Disconnect closes and removes the identified connection.
func (t *TCPTransport) Disconnect(id string) error {
	c, ok := t.connections.Get(id)
	if !ok {
		return ErrNotConnected
	}
	t.dropConnection(c, nil)
	return nil
}

// Send writes one framed message to the identified connection.
func (t *TCPTransport) Send(id string, data []byte) error {
	c, ok := t.connections.Get(id)
	if !ok {
		return ErrNotConnected
	}
	if err := c.send(data); err != nil {
		t.notifyError(id, ErrCodeWriteFailed, err.Error())
		return fmt.Errorf("transport: send to %s: %w", id, err)
	}
	return nil
}

// Broadcast sends data to every live connection and returns how many
// connections were written to successfully.
func (t *TCPTransport) Broadcast(data []byte) int {
	sent := 0
	for _, c := range t.connections.Items() {
		if err := c.send(data); err != nil {
			t.notifyError(c.id, ErrCodeWriteFailed, err.Error())
			continue
		}
		sent++
	}
	return sent
}

// IsConnected reports whether id has a live connection.
func (t *TCPTransport) IsConnected(id string) bool {
	return t.connections.Has(id)
}

// ConnectedIDs returns a snapshot of all live connection ids.
func (t *TCPTransport) ConnectedIDs() []string {
	return t.connections.Keys()
}

// ConnectionInfo reports the remote address and establishment time of a live
// connection.
func (t *TCPTransport) ConnectionInfo(id string) (models.ConnectionInfo, bool) {
	c, ok := t.connections.Get(id)
	if !ok {
		return models.ConnectionInfo{}, false
	}

	remote := models.EndpointIdentity{ID: id}
	if host, portStr, err := net.SplitHostPort(c.conn.RemoteAddr().String()); err == nil {
		remote.Address = host
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			remote.Port = uint16(port)
		}
	}
	return models.ConnectionInfo{
		Remote:      remote,
		State:       models.ConnectionStateConnected,
		ConnectTime: c.established,
	}, true
}

// Stop closes the listener and all connections, then waits for loops to
// exit. It releases the listener even when Start was never reached, so a
// bind from Initialize cannot be leaked by an aborted startup.
func (t *TCPTransport) Stop() error {
	t.running.Store(false)

	if t.listener != nil {
		t.listener.Close()
	}
	for _, c := range t.connections.Items() {
		t.dropConnection(c, nil)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.ShutdownJoinTimeout):
		t.logger.Warn().Msg("Transport loops did not exit in time, unclean shutdown")
	}

	t.logger.Info().Msg("Transport stopped")
	return nil
}
