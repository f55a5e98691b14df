package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/transport"
)

// ClientOptions configures the client role's reconnect and heartbeat
// behavior.
type ClientOptions struct {
	AutoReconnect           bool
	MaxReconnectAttempts    uint32 // 0 = unlimited
	ReconnectInterval       time.Duration
	ConnectionCheckInterval time.Duration
	HeartbeatInterval       time.Duration
}

// DefaultClientOptions returns the recognized defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		AutoReconnect:           true,
		MaxReconnectAttempts:    constants.DefaultMaxReconnectAttempts,
		ReconnectInterval:       constants.DefaultReconnectInterval,
		ConnectionCheckInterval: constants.DefaultConnectionCheckInterval,
		HeartbeatInterval:       constants.DefaultHeartbeatInterval,
	}
}

// Client is the connecting endpoint role: one server target, a heartbeat
// sender while connected, and a connection monitor driving auto-reconnect.
type Client struct {
	*Service

	opts   ClientOptions
	logger zerolog.Logger

	targetMu      sync.Mutex
	targetID      string
	targetAddress string
	targetPort    uint16

	reconnectNeeded   atomic.Bool
	reconnectDisabled atomic.Bool
	reconnectAttempts atomic.Uint32
	lastReconnectMu   sync.Mutex
	lastReconnect     time.Time

	heartbeatMu     sync.Mutex
	heartbeatCancel context.CancelFunc

	monitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewClient wraps a base service with the client role.
func NewClient(identity models.EndpointIdentity, tr transport.Transport, opts ClientOptions, logger zerolog.Logger) *Client {
	c := &Client{
		Service: NewService(identity, tr, logger),
		opts:    opts,
		logger:  logger,
	}
	c.Service.onConnectionChanged = c.connectionChanged
	return c
}

// Start runs the base lifecycle and launches the connection monitor.
func (c *Client) Start() error {
	if err := c.Service.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.monitorCancel = cancel
	c.wg.Add(1)
	go c.connectionMonitorLoop(ctx)
	return nil
}

// Stop halts the monitor and heartbeat loops, then stops the base service.
func (c *Client) Stop() error {
	if c.monitorCancel != nil {
		c.monitorCancel()
		c.monitorCancel = nil
	}
	c.stopHeartbeatLoop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.ShutdownJoinTimeout):
		c.logger.Warn().Msg("Client loops did not exit in time, unclean shutdown")
	}

	return c.Service.Stop()
}

// ConnectToServer targets address:port, resets reconnect tracking, and
// dials. The connection id is "address:port".
func (c *Client) ConnectToServer(address string, port uint16) error {
	id := fmt.Sprintf("%s:%d", address, port)

	c.targetMu.Lock()
	c.targetID = id
	c.targetAddress = address
	c.targetPort = port
	c.targetMu.Unlock()

	c.reconnectAttempts.Store(0)
	c.reconnectDisabled.Store(false)
	c.reconnectNeeded.Store(false)

	c.logger.Info().Str("server", id).Msg("Connecting to server")
	return c.Transport().Connect(id, address, port)
}

// ServerID returns the current target connection id, empty before
// ConnectToServer.
func (c *Client) ServerID() string {
	c.targetMu.Lock()
	defer c.targetMu.Unlock()
	return c.targetID
}

// IsConnectedToServer reports whether the target connection is live.
func (c *Client) IsConnectedToServer() bool {
	id := c.ServerID()
	return id != "" && c.Transport().IsConnected(id)
}

// connectionChanged reacts to the target connection appearing or vanishing.
// Runs before user observers.
func (c *Client) connectionChanged(endpointID string, connected bool) {
	if endpointID != c.ServerID() {
		return
	}

	if connected {
		c.reconnectNeeded.Store(false)
		c.reconnectAttempts.Store(0)
		c.startHeartbeatLoop()
		return
	}

	c.stopHeartbeatLoop()
	if c.opts.AutoReconnect && !c.reconnectDisabled.Load() {
		c.reconnectNeeded.Store(true)
	}
}

// connectionMonitorLoop polls at a tenth of the check interval so Stop is
// observed promptly, reconnecting when flagged.
func (c *Client) connectionMonitorLoop(ctx context.Context) {
	defer c.wg.Done()

	slice := c.opts.ConnectionCheckInterval / 10
	if slice < 10*time.Millisecond {
		slice = 10 * time.Millisecond
	}
	ticker := time.NewTicker(slice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.reconnectNeeded.Load() && !c.IsConnectedToServer() {
				c.autoReconnect()
			}
		case <-ctx.Done():
			return
		}
	}
}

// autoReconnect performs one rate-limited reconnect attempt, honoring the
// attempt cap. Exceeding the cap disables further attempts.
func (c *Client) autoReconnect() {
	if c.reconnectDisabled.Load() {
		return
	}

	c.lastReconnectMu.Lock()
	if time.Since(c.lastReconnect) < c.opts.ReconnectInterval {
		c.lastReconnectMu.Unlock()
		return
	}
	c.lastReconnect = time.Now()
	c.lastReconnectMu.Unlock()

	attempts := c.reconnectAttempts.Add(1)
	if c.opts.MaxReconnectAttempts > 0 && attempts > c.opts.MaxReconnectAttempts {
		c.reconnectDisabled.Store(true)
		c.reconnectNeeded.Store(false)
		c.logger.Warn().
			Uint32("attempts", attempts-1).
			Msg("Reconnect attempts exhausted, giving up")
		return
	}

	c.targetMu.Lock()
	id, address, port := c.targetID, c.targetAddress, c.targetPort
	c.targetMu.Unlock()
	if id == "" {
		return
	}

	c.stats.Reconnect()
	c.logger.Info().
		Str("server", id).
		Uint32("attempt", attempts).
		Msg("Attempting reconnect")
	if err := c.Transport().Connect(id, address, port); err != nil {
		c.logger.Warn().Err(err).Str("server", id).Msg("Reconnect attempt failed")
	}
}

// startHeartbeatLoop begins sending heartbeats to the server.
func (c *Client) startHeartbeatLoop() {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	if c.heartbeatCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.heartbeatCancel = cancel
	c.wg.Add(1)
	go c.heartbeatLoop(ctx)
}

func (c *Client) stopHeartbeatLoop() {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		c.heartbeatCancel = nil
	}
}

// heartbeatLoop sends one heartbeat request per interval while the target
// connection is up.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.IsConnectedToServer() {
				continue
			}
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
			}
		case <-ctx.Done():
			return
		}
	}
}

// sendHeartbeat publishes one heartbeat request with best-effort host
// health attached.
func (c *Client) sendHeartbeat() error {
	req := models.HeartbeatRequest{
		EndpointID: c.Identity().ID,
		Timestamp:  time.Now(),
	}

	// Health fields are advisory; collection failures are not worth a log
	// line per tick.
	if uptime, err := host.Uptime(); err == nil {
		req.UptimeSeconds = uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		req.MemoryUsed = vm.Used
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		req.CPUPercent = percents[0]
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.SendMessage(c.ServerID(), constants.MessageTypeRequest,
		constants.MessageIDHeartbeatRequest, constants.PhaseIdle, payload)
}
