package endpoint

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/protocol"
	"github.com/benmeehan/iot-endpoint/internal/transport"
)

// ServiceState is the endpoint lifecycle state machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped, with Error
// reachable from Starting.
type ServiceState int32

const (
	StateStopped ServiceState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns a human-readable service state.
func (s ServiceState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInitialized is returned when Start precedes Initialize.
	ErrNotInitialized = errors.New("endpoint: service not initialized")
	// ErrAlreadyRunning is returned on a second Start.
	ErrAlreadyRunning = errors.New("endpoint: service already running")
	// ErrNotRunning is returned when a send is attempted while stopped.
	ErrNotRunning = errors.New("endpoint: service not running")
)

// Service composes a transport, a message router, and statistics behind a
// uniform Initialize/Start/Stop/Cleanup lifecycle. Inbound buffers flow
// transport -> validation -> frame decode -> router; frames no callback
// claims fall through to the user event handlers.
type Service struct {
	identity models.EndpointIdentity
	logger   zerolog.Logger

	transport transport.Transport
	router    *protocol.MessageRouter
	stats     *Statistics

	state    atomic.Int32
	sequence atomic.Uint32

	observerMu    sync.RWMutex
	userObservers []transport.EventHandler

	// Hooks the client/server roles install before Initialize. Internal
	// observers always run before user observers.
	onConnectionChanged func(endpointID string, connected bool)
	onMessage           func(endpointID string)
	onHeartbeatRequest  func(endpointID string, frame protocol.Frame)
	onHeartbeatResponse func(endpointID string, frame protocol.Frame)

	initialized bool
}

// NewService wires a service around the given transport. The transport is
// not opened until Start.
func NewService(identity models.EndpointIdentity, tr transport.Transport, logger zerolog.Logger) *Service {
	return &Service{
		identity:  identity,
		logger:    logger,
		transport: tr,
		router:    protocol.NewMessageRouter(logger),
		stats:     NewStatistics(identity.ID),
	}
}

// Identity returns the local endpoint identity.
func (s *Service) Identity() models.EndpointIdentity {
	return s.identity
}

// State returns the current lifecycle state.
func (s *Service) State() ServiceState {
	return ServiceState(s.state.Load())
}

// Statistics returns a read-only snapshot of the endpoint counters.
func (s *Service) Statistics() models.EndpointStatistics {
	return s.stats.Snapshot()
}

// MetricsRegistry exposes the endpoint's prometheus registry for scraping.
func (s *Service) MetricsRegistry() *prometheus.Registry {
	return s.stats.Registry()
}

// Router exposes the message router so callers can register domain
// callbacks.
func (s *Service) Router() *protocol.MessageRouter {
	return s.router
}

// Transport exposes the underlying transport; the node layer uses it for
// connection-table queries.
func (s *Service) Transport() transport.Transport {
	return s.transport
}

// Initialize wires the event adapter and the heartbeat routes. It does not
// open sockets; that happens in Start.
func (s *Service) Initialize() error {
	if s.initialized {
		return nil
	}

	s.transport.AddHandler(&serviceAdapter{service: s})

	s.router.RegisterCallback(constants.MessageTypeRequest, constants.MessageIDHeartbeatRequest,
		constants.PhaseIdle, s.handleHeartbeatRequest)
	s.router.RegisterCallback(constants.MessageTypeResponse, constants.MessageIDHeartbeatResponse,
		constants.PhaseIdle, s.handleHeartbeatResponse)

	s.initialized = true
	s.logger.Info().Str("endpoint_id", s.identity.ID).Msg("Endpoint service initialized")
	return nil
}

// Start opens the transport and flips the service to Running.
func (s *Service) Start() error {
	if !s.initialized {
		s.logger.Warn().Msg("Start called before Initialize")
		return ErrNotInitialized
	}
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		s.logger.Warn().Str("state", s.State().String()).Msg("Start called in wrong state")
		return ErrAlreadyRunning
	}

	if err := s.transport.Initialize(); err != nil {
		s.state.Store(int32(StateError))
		return err
	}
	if err := s.transport.Start(); err != nil {
		s.state.Store(int32(StateError))
		return err
	}

	s.state.Store(int32(StateRunning))
	s.logger.Info().Str("endpoint_id", s.identity.ID).Msg("Endpoint service running")
	return nil
}

// Stop closes transport resources. Idempotent. A service stuck in
// StateError after a failed Start still owns whatever the transport bound
// during its Initialize, so Stop releases that too.
func (s *Service) Stop() error {
	stopping := s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		s.state.CompareAndSwap(int32(StateError), int32(StateStopping))
	if !stopping {
		return nil
	}

	err := s.transport.Stop()
	s.state.Store(int32(StateStopped))
	s.logger.Info().Str("endpoint_id", s.identity.ID).Msg("Endpoint service stopped")
	return err
}

// Cleanup unregisters routes and clears all state. The service must be
// re-initialized before reuse.
func (s *Service) Cleanup() {
	s.router.UnregisterCallback(constants.MessageTypeRequest, constants.MessageIDHeartbeatRequest, constants.PhaseIdle)
	s.router.UnregisterCallback(constants.MessageTypeResponse, constants.MessageIDHeartbeatResponse, constants.PhaseIdle)
	s.router.Clear()
	s.stats.Reset()

	s.observerMu.Lock()
	s.userObservers = nil
	s.observerMu.Unlock()

	s.initialized = false
	s.logger.Info().Str("endpoint_id", s.identity.ID).Msg("Endpoint service cleaned up")
}

// RegisterEventHandler appends a user observer. User observers always run
// after the internal state-updating ones.
func (s *Service) RegisterEventHandler(h transport.EventHandler) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.userObservers = append(s.userObservers, h)
}

func (s *Service) eachUserObserver(fn func(transport.EventHandler)) {
	s.observerMu.RLock()
	observers := make([]transport.EventHandler, len(s.userObservers))
	copy(observers, s.userObservers)
	s.observerMu.RUnlock()
	for _, h := range observers {
		fn(h)
	}
}

// nextSequence hands out wire sequence numbers, wrapping at the uint16
// boundary.
func (s *Service) nextSequence() uint16 {
	return uint16(s.sequence.Add(1))
}

// SendMessage builds a frame and sends it to the identified endpoint.
func (s *Service) SendMessage(endpointID string, msgType constants.MessageType, msgID uint16, subID constants.SubMessageID, payload []byte) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}

	buf, err := protocol.BuildFrame(protocol.Frame{
		MessageType:  msgType,
		MessageID:    msgID,
		SubMessageID: subID,
		Sequence:     s.nextSequence(),
		Payload:      payload,
	})
	if err != nil {
		return err
	}
	if err := s.transport.Send(endpointID, buf); err != nil {
		return err
	}
	s.stats.MessageSent()
	return nil
}

// Broadcast sends one frame to every live connection and returns the number
// of endpoints reached.
func (s *Service) Broadcast(msgType constants.MessageType, msgID uint16, subID constants.SubMessageID, payload []byte) (int, error) {
	if s.State() != StateRunning {
		return 0, ErrNotRunning
	}

	buf, err := protocol.BuildFrame(protocol.Frame{
		MessageType:  msgType,
		MessageID:    msgID,
		SubMessageID: subID,
		Sequence:     s.nextSequence(),
		Payload:      payload,
	})
	if err != nil {
		return 0, err
	}
	sent := s.transport.Broadcast(buf)
	s.stats.Broadcast()
	return sent, nil
}

// handleHeartbeatRequest answers a peer's heartbeat request in place.
func (s *Service) handleHeartbeatRequest(endpointID string, frame protocol.Frame) {
	if s.onHeartbeatRequest != nil {
		s.onHeartbeatRequest(endpointID, frame)
	}

	resp := models.HeartbeatResponse{
		EndpointID: s.identity.ID,
		ServerTime: time.Now(),
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize heartbeat response")
		return
	}
	if err := s.SendMessage(endpointID, constants.MessageTypeResponse,
		constants.MessageIDHeartbeatResponse, constants.PhaseIdle, payload); err != nil {
		s.logger.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Failed to send heartbeat response")
	}
}

// handleHeartbeatResponse forwards to the role-specific hook; the server
// uses it to refresh liveness records.
func (s *Service) handleHeartbeatResponse(endpointID string, frame protocol.Frame) {
	if s.onHeartbeatResponse != nil {
		s.onHeartbeatResponse(endpointID, frame)
	}
}

// serviceAdapter is the internal transport observer. It updates statistics
// and routes frames before any user observer sees the event.
type serviceAdapter struct {
	service *Service
}

func (a *serviceAdapter) OnMessageReceived(endpointID string, data []byte) {
	s := a.service

	frame, err := protocol.CreateFromBytes(data)
	if err != nil {
		// Malformed wire data is dropped; the connection stays open.
		s.stats.Error()
		s.logger.Warn().Err(err).Str("endpoint_id", endpointID).Msg("Dropping malformed message")
		return
	}
	s.stats.MessageReceived()
	if s.onMessage != nil {
		s.onMessage(endpointID)
	}

	if s.router.Dispatch(endpointID, frame) {
		return
	}
	// No route claimed the frame; hand the raw bytes to user observers.
	s.eachUserObserver(func(h transport.EventHandler) {
		h.OnMessageReceived(endpointID, data)
	})
}

func (a *serviceAdapter) OnConnectionChanged(endpointID string, connected bool) {
	s := a.service

	if connected {
		s.stats.ConnectionGained()
	}
	if s.onConnectionChanged != nil {
		s.onConnectionChanged(endpointID, connected)
	}
	s.eachUserObserver(func(h transport.EventHandler) {
		h.OnConnectionChanged(endpointID, connected)
	})
}

func (a *serviceAdapter) OnError(endpointID string, code int, message string) {
	s := a.service

	s.stats.Error()
	s.eachUserObserver(func(h transport.EventHandler) {
		h.OnError(endpointID, code, message)
	})
}
