package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/models"
)

// ServiceCallback is invoked exactly once per newly discovered service id.
type ServiceCallback func(identity models.EndpointIdentity)

// discoveredService pairs an announced identity with its announced service
// type.
type discoveredService struct {
	mu          sync.Mutex
	identity    models.EndpointIdentity
	serviceType int
}

// ServiceDiscovery announces the local endpoint over UDP broadcast and
// listens for announcements from others. The broadcast and receive sides
// start lazily and run independently; stale entries are purged at query
// time.
type ServiceDiscovery struct {
	localAddress      string
	discoveryPort     uint16
	broadcastInterval time.Duration
	serviceTimeout    time.Duration
	logger            zerolog.Logger

	versionConstraint *semver.Constraints

	mu            sync.Mutex
	localIdentity *models.EndpointIdentity
	serviceType   int
	callbacks     []ServiceCallback

	services cmap.ConcurrentMap[string, *discoveredService]

	broadcastCtx    context.Context
	broadcastCancel context.CancelFunc
	listenCtx       context.Context
	listenCancel    context.CancelFunc
	listenConn      *net.UDPConn
	wg              sync.WaitGroup
}

// NewServiceDiscovery creates a discovery instance bound to
// localAddress:discoveryPort for receiving.
func NewServiceDiscovery(localAddress string, discoveryPort uint16, broadcastInterval, serviceTimeout time.Duration, logger zerolog.Logger) *ServiceDiscovery {
	constraint, err := semver.NewConstraint(constants.SupportedVersionConstraint)
	if err != nil {
		// The constraint is a compile-time literal; this cannot happen.
		panic(err)
	}

	return &ServiceDiscovery{
		localAddress:      localAddress,
		discoveryPort:     discoveryPort,
		broadcastInterval: broadcastInterval,
		serviceTimeout:    serviceTimeout,
		logger:            logger,
		versionConstraint: constraint,
		services:          cmap.New[*discoveredService](),
	}
}

// RegisterService stores the local identity and starts the broadcast side
// if it is not already running.
func (s *ServiceDiscovery) RegisterService(identity models.EndpointIdentity, serviceType int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localIdentity = &identity
	s.serviceType = serviceType

	if s.broadcastCtx == nil {
		s.broadcastCtx, s.broadcastCancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.broadcastLoop(s.broadcastCtx)
		s.logger.Info().
			Str("endpoint_id", identity.ID).
			Uint16("port", s.discoveryPort).
			Msg("Service discovery broadcast started")
	}
	return nil
}

// DiscoverServices starts the receive side if needed and returns the
// currently known services whose name contains filter (empty filter matches
// all). Stale entries are purged first. If callback is non-nil it is
// installed and fired once for each service id seen after this call.
func (s *ServiceDiscovery) DiscoverServices(filter string, callback ServiceCallback) ([]models.EndpointIdentity, error) {
	s.mu.Lock()
	if callback != nil {
		s.callbacks = append(s.callbacks, callback)
	}
	if s.listenCtx == nil {
		if err := s.startListener(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	s.purgeStale()

	var result []models.EndpointIdentity
	for _, svc := range s.services.Items() {
		svc.mu.Lock()
		identity := svc.identity
		svc.mu.Unlock()
		if filter == "" || strings.Contains(identity.Name, filter) {
			result = append(result, identity)
		}
	}
	return result, nil
}

// startListener binds the UDP receive socket and launches the read loop.
// The socket is marked address-reusable so several endpoints on one host
// can share the discovery port. Caller holds s.mu.
func (s *ServiceDiscovery) startListener() error {
	host := s.localAddress
	if host == "" {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", s.discoveryPort))

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen on %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	s.listenConn = conn
	s.listenCtx, s.listenCancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.listenLoop(s.listenCtx, conn)

	s.logger.Info().Uint16("port", s.discoveryPort).Msg("Service discovery listener started")
	return nil
}

// reuseAddrControl sets SO_REUSEADDR and SO_REUSEPORT on the discovery
// socket before bind.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// broadcastLoop announces the local identity every broadcastInterval.
func (s *ServiceDiscovery) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.broadcastOnce(); err != nil {
				s.logger.Warn().Err(err).Msg("Discovery broadcast failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *ServiceDiscovery) broadcastOnce() error {
	s.mu.Lock()
	identity := s.localIdentity
	serviceType := s.serviceType
	s.mu.Unlock()
	if identity == nil {
		return nil
	}

	msg := models.DiscoveryMessage{
		Type:        constants.DiscoveryMessageType,
		ID:          identity.ID,
		Name:        identity.Name,
		Address:     identity.Address,
		Port:        identity.Port,
		Timestamp:   uint64(time.Now().UnixMilli()),
		ServiceType: serviceType,
		Version:     constants.DefaultProtocolVersion,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	dest := &net.UDPAddr{
		IP:   s.broadcastIP(),
		Port: int(s.discoveryPort),
	}
	conn, err := net.DialUDP("udp4", nil, dest)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write(payload)
	return err
}

// broadcastIP picks the subnet broadcast address for the interface carrying
// the local address, falling back to the limited broadcast address.
func (s *ServiceDiscovery) broadcastIP() net.IP {
	local := net.ParseIP(s.localAddress)
	if local == nil || local.IsUnspecified() {
		return net.IPv4bcast
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return net.IPv4bcast
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		if !ipnet.Contains(local) {
			continue
		}
		ip := ipnet.IP.To4()
		mask := ipnet.Mask
		bcast := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			bcast[i] = ip[i] | ^mask[i]
		}
		return bcast
	}
	return net.IPv4bcast
}

// listenLoop receives announcement datagrams until the context is
// cancelled.
func (s *ServiceDiscovery) listenLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn().Err(err).Msg("Discovery read failed")
				continue
			}
		}
		s.handleDatagram(buf[:n], sender)
	}
}

// handleDatagram parses one announcement and updates the service table.
// Malformed datagrams are logged and dropped.
func (s *ServiceDiscovery) handleDatagram(data []byte, sender *net.UDPAddr) {
	var msg models.DiscoveryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("Malformed discovery datagram")
		return
	}
	if msg.Type != constants.DiscoveryMessageType || msg.ID == "" {
		return
	}
	if !s.versionAccepted(msg.Version) {
		s.logger.Warn().
			Str("endpoint_id", msg.ID).
			Str("version", msg.Version).
			Msg("Discovery announcement rejected, incompatible version")
		return
	}

	// An endpoint announcing from a multi-homed machine may not know which
	// address it is reachable on; trust the sender address in that case.
	address := msg.Address
	if (address == "" || address == "0.0.0.0") && sender != nil {
		address = sender.IP.String()
	}

	identity := models.EndpointIdentity{
		ID:           msg.ID,
		Name:         msg.Name,
		Address:      address,
		Port:         msg.Port,
		Kind:         constants.EndpointKind(msg.ServiceType),
		LastActivity: time.Now(),
	}

	fresh := s.services.SetIfAbsent(msg.ID, &discoveredService{
		identity:    identity,
		serviceType: msg.ServiceType,
	})
	if !fresh {
		if svc, ok := s.services.Get(msg.ID); ok {
			svc.mu.Lock()
			count := svc.identity.ActivityCount + 1
			svc.identity = identity
			svc.identity.ActivityCount = count
			svc.mu.Unlock()
		}
		return
	}

	s.logger.Info().
		Str("endpoint_id", msg.ID).
		Str("name", msg.Name).
		Str("address", address).
		Uint16("port", msg.Port).
		Msg("Discovered new service")

	s.mu.Lock()
	callbacks := make([]ServiceCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(identity)
	}
}

// versionAccepted checks an announced protocol version against the
// supported range. Announcements without a version are accepted for
// compatibility with older endpoints.
func (s *ServiceDiscovery) versionAccepted(version string) bool {
	if version == "" {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return s.versionConstraint.Check(v)
}

// purgeStale drops services whose last announcement is older than
// serviceTimeout.
func (s *ServiceDiscovery) purgeStale() {
	now := time.Now()
	for id, svc := range s.services.Items() {
		svc.mu.Lock()
		stale := now.Sub(svc.identity.LastActivity) > s.serviceTimeout
		svc.mu.Unlock()
		if stale {
			s.services.Remove(id)
			s.logger.Info().Str("endpoint_id", id).Msg("Discovery entry expired")
		}
	}
}

// KnownServices returns the ids currently in the table, without purging.
func (s *ServiceDiscovery) KnownServices() []string {
	return s.services.Keys()
}

// Stop shuts down both sides and waits briefly for the loops to exit.
func (s *ServiceDiscovery) Stop() {
	s.mu.Lock()
	if s.broadcastCancel != nil {
		s.broadcastCancel()
		s.broadcastCtx = nil
		s.broadcastCancel = nil
	}
	if s.listenCancel != nil {
		s.listenCancel()
		s.listenCtx = nil
		s.listenCancel = nil
	}
	if s.listenConn != nil {
		s.listenConn.Close()
		s.listenConn = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.ShutdownJoinTimeout):
		s.logger.Warn().Msg("Discovery loops did not exit in time, unclean shutdown")
	}

	s.services.Clear()
	s.logger.Info().Msg("Service discovery stopped")
}
