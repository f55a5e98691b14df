package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/protocol"
	"github.com/benmeehan/iot-endpoint/internal/transport"
	"github.com/benmeehan/iot-endpoint/internal/utils"
)

// ServerOptions configures the server role's capacity and liveness
// tracking.
type ServerOptions struct {
	MaxClients         int
	EnableHeartbeat    bool
	HeartbeatInterval  time.Duration
	TimeoutMultiplier  uint32
	MaxMissedResponses uint32
}

// DefaultServerOptions returns the recognized defaults.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		MaxClients:         constants.DefaultMaxClients,
		EnableHeartbeat:    true,
		HeartbeatInterval:  constants.DefaultHeartbeatInterval,
		TimeoutMultiplier:  constants.DefaultTimeoutMultiplier,
		MaxMissedResponses: constants.DefaultMaxMissedResponses,
	}
}

// clientEntry is one registry record, locked independently. The map guards
// membership; the entry mutex guards the identity fields, which the read
// goroutine touches while monitor goroutines copy them.
type clientEntry struct {
	mu       sync.Mutex
	identity models.EndpointIdentity
}

// Server is the accepting endpoint role: a capacity-bounded client
// registry plus per-client heartbeat liveness that disconnects silently
// dead clients.
type Server struct {
	*Service

	opts   ServerOptions
	logger zerolog.Logger

	clients cmap.ConcurrentMap[string, *clientEntry]

	// heartbeatMu guards heartbeats. Transport calls are never made while
	// it is held; sends and disconnects are queued and executed after
	// release.
	heartbeatMu sync.Mutex
	heartbeats  map[string]*models.ClientHeartbeatInfo

	monitorCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewServer wraps a base service with the server role.
func NewServer(identity models.EndpointIdentity, tr transport.Transport, opts ServerOptions, logger zerolog.Logger) *Server {
	s := &Server{
		Service:    NewService(identity, tr, logger),
		opts:       opts,
		logger:     logger,
		clients:    cmap.New[*clientEntry](),
		heartbeats: make(map[string]*models.ClientHeartbeatInfo),
	}
	s.Service.onConnectionChanged = s.connectionChanged
	s.Service.onHeartbeatResponse = s.heartbeatResponseReceived
	s.Service.onHeartbeatRequest = s.clientActivity
	s.Service.onMessage = s.messageActivity
	return s
}

// Start runs the base lifecycle and launches the heartbeat monitor.
func (s *Server) Start() error {
	if err := s.Service.Start(); err != nil {
		return err
	}

	if s.opts.EnableHeartbeat {
		ctx, cancel := context.WithCancel(context.Background())
		s.monitorCancel = cancel
		s.wg.Add(1)
		go s.heartbeatMonitorLoop(ctx)
	}
	return nil
}

// Stop halts the monitor, then stops the base service.
func (s *Server) Stop() error {
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.ShutdownJoinTimeout):
		s.logger.Warn().Msg("Server loops did not exit in time, unclean shutdown")
	}

	return s.Service.Stop()
}

// RegisterClient adds a client identity, rejecting beyond MaxClients.
func (s *Server) RegisterClient(identity models.EndpointIdentity) bool {
	if entry, ok := s.clients.Get(identity.ID); ok {
		entry.mu.Lock()
		entry.identity = identity
		entry.mu.Unlock()
		return true
	}
	if s.opts.MaxClients > 0 && s.clients.Count() >= s.opts.MaxClients {
		s.logger.Warn().
			Str("endpoint_id", identity.ID).
			Int("max_clients", s.opts.MaxClients).
			Msg("Client registry full, rejecting")
		return false
	}
	s.clients.Set(identity.ID, &clientEntry{identity: identity})
	return true
}

// ClientIDs returns the ids currently in the registry.
func (s *Server) ClientIDs() []string {
	return s.clients.Keys()
}

// GetClient looks up a registered client identity by id.
func (s *Server) GetClient(id string) (models.EndpointIdentity, bool) {
	entry, ok := s.clients.Get(id)
	if !ok {
		return models.EndpointIdentity{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.identity, true
}

// OnlineClientIDs returns the ids with a live transport connection.
func (s *Server) OnlineClientIDs() []string {
	return s.Transport().ConnectedIDs()
}

// IsClientOnline reports whether id has a live connection.
func (s *Server) IsClientOnline(id string) bool {
	return s.Transport().IsConnected(id)
}

// HeartbeatInfo returns a copy of the liveness record for id, if one
// exists.
func (s *Server) HeartbeatInfo(id string) (models.ClientHeartbeatInfo, bool) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	info, ok := s.heartbeats[id]
	if !ok {
		return models.ClientHeartbeatInfo{}, false
	}
	return *info, true
}

// DisconnectClient force-closes a client connection.
func (s *Server) DisconnectClient(id string) error {
	return s.Transport().Disconnect(id)
}

// connectionChanged maintains the registry from transport events. Runs
// before user observers.
func (s *Server) connectionChanged(endpointID string, connected bool) {
	if !connected {
		s.clients.Remove(endpointID)
		s.heartbeatMu.Lock()
		delete(s.heartbeats, endpointID)
		s.heartbeatMu.Unlock()
		return
	}

	identity := models.EndpointIdentity{
		ID:           endpointID,
		Kind:         constants.EndpointKindClient,
		LastActivity: time.Now(),
	}
	if info, ok := s.Transport().ConnectionInfo(endpointID); ok {
		identity.Address = info.Remote.Address
		identity.Port = info.Remote.Port
	}
	if !s.RegisterClient(identity) {
		// Over capacity; the connection is refused outright.
		if err := s.Transport().Disconnect(endpointID); err != nil {
			s.logger.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to disconnect rejected client")
		}
	}
}

// messageActivity refreshes the registry entry for every valid inbound
// frame.
func (s *Server) messageActivity(endpointID string) {
	if entry, ok := s.clients.Get(endpointID); ok {
		entry.mu.Lock()
		entry.identity.Touch()
		entry.mu.Unlock()
	}
}

// clientActivity treats an inbound heartbeat request as activity only; the
// base service sends the response.
func (s *Server) clientActivity(endpointID string, _ protocol.Frame) {
	s.messageActivity(endpointID)
}

// heartbeatResponseReceived refreshes the liveness record for a client
// that answered.
func (s *Server) heartbeatResponseReceived(endpointID string, frame protocol.Frame) {
	var resp models.HeartbeatResponse
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		s.logger.Debug().Err(err).Str("endpoint_id", endpointID).Msg("Malformed heartbeat response payload")
	}

	s.heartbeatMu.Lock()
	info, ok := s.heartbeats[endpointID]
	if !ok {
		info = &models.ClientHeartbeatInfo{IsAlive: true}
		s.heartbeats[endpointID] = info
	}
	info.LastResponseTime = time.Now()
	info.TotalResponses++
	info.ConsecutiveMissed = 0
	info.IsAlive = true
	s.heartbeatMu.Unlock()

	s.messageActivity(endpointID)
}

// heartbeatMonitorLoop drives the liveness state machine on a fixed tick.
func (s *Server) heartbeatMonitorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(constants.HeartbeatMonitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.heartbeatTick(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatTick runs one monitor pass: schedule requests, count missed
// windows, purge records for departed ids, then perform queued transport
// calls with the heartbeat lock released.
func (s *Server) heartbeatTick(now time.Time) {
	connected := utils.SliceToSet(s.Transport().ConnectedIDs())

	var sendTo []string
	var disconnect []string

	s.heartbeatMu.Lock()
	for id := range connected {
		info, ok := s.heartbeats[id]
		if !ok {
			info = &models.ClientHeartbeatInfo{IsAlive: true}
			s.heartbeats[id] = info
		}

		if now.Sub(info.LastRequestTime) >= s.opts.HeartbeatInterval {
			if info.TotalRequests == 0 {
				info.FirstRequestTime = now
			}
			info.LastRequestTime = now
			info.TotalRequests++
			sendTo = append(sendTo, id)
		}

		// The missed-window clock is anchored on the last response, or on
		// the first request for a client that has never answered at all.
		window := s.opts.HeartbeatInterval * time.Duration(s.opts.TimeoutMultiplier)
		anchor := info.LastResponseTime
		if info.TotalResponses == 0 {
			anchor = info.FirstRequestTime
		}
		if info.TotalRequests > 0 && now.Sub(anchor) > window {
			info.ConsecutiveMissed++
			if info.ConsecutiveMissed >= s.opts.MaxMissedResponses && info.IsAlive {
				info.IsAlive = false
				disconnect = append(disconnect, id)
			}
		}
	}
	// Purge records whose id left the live connection set.
	for id := range s.heartbeats {
		if _, ok := connected[id]; !ok {
			delete(s.heartbeats, id)
		}
	}
	s.heartbeatMu.Unlock()

	for _, id := range sendTo {
		if err := s.sendHeartbeatRequest(id); err != nil {
			s.logger.Warn().Err(err).Str("endpoint_id", id).Msg("Failed to send heartbeat request")
		}
	}
	for _, id := range disconnect {
		s.logger.Warn().Str("endpoint_id", id).Msg("Client missed too many heartbeats, disconnecting")
		if err := s.Transport().Disconnect(id); err != nil {
			s.logger.Warn().Err(err).Str("endpoint_id", id).Msg("Failed to disconnect dead client")
		}
	}
}

func (s *Server) sendHeartbeatRequest(id string) error {
	req := models.HeartbeatRequest{
		EndpointID: s.Identity().ID,
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.SendMessage(id, constants.MessageTypeRequest,
		constants.MessageIDHeartbeatRequest, constants.PhaseIdle, payload)
}
