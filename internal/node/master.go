package node

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/discovery"
	"github.com/benmeehan/iot-endpoint/internal/endpoint"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/utils"
)

// MasterOptions configures the master's monitoring loop.
type MasterOptions struct {
	StatusCheckInterval   time.Duration
	StateSyncInterval     time.Duration
	ClientTimeoutInterval time.Duration
	EnableAutoCleanup     bool
}

// DefaultMasterOptions returns the recognized defaults.
func DefaultMasterOptions() MasterOptions {
	return MasterOptions{
		StatusCheckInterval:   constants.DefaultStatusCheckInterval,
		StateSyncInterval:     constants.DefaultStateSyncInterval,
		ClientTimeoutInterval: constants.DefaultClientTimeoutInterval,
		EnableAutoCleanup:     true,
	}
}

// clientRecord is one directory entry, locked independently so directory
// reads never contend with the whole table.
type clientRecord struct {
	mu   sync.Mutex
	info models.ConnectionInfo
}

// Master composes an endpoint server with service discovery and keeps a
// queryable client directory reconciled against the server's live
// connection table.
type Master struct {
	server    *endpoint.Server
	discovery *discovery.ServiceDiscovery
	opts      MasterOptions
	logger    zerolog.Logger

	directory cmap.ConcurrentMap[string, *clientRecord]

	lastSyncMu sync.Mutex
	lastSync   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaster wires a master node from its parts.
func NewMaster(server *endpoint.Server, disc *discovery.ServiceDiscovery, opts MasterOptions, logger zerolog.Logger) *Master {
	return &Master{
		server:    server,
		discovery: disc,
		opts:      opts,
		logger:    logger,
		directory: cmap.New[*clientRecord](),
	}
}

// Server exposes the underlying endpoint server.
func (m *Master) Server() *endpoint.Server {
	return m.server
}

// Start initializes and starts the server, begins announcing over
// discovery, and launches the status monitor.
func (m *Master) Start() error {
	if err := m.server.Initialize(); err != nil {
		return err
	}
	if err := m.server.Start(); err != nil {
		return err
	}
	if m.discovery != nil {
		identity := m.server.Identity()
		if err := m.discovery.RegisterService(identity, int(constants.EndpointKindServer)); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to start discovery broadcast")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.statusMonitorLoop(ctx)

	m.logger.Info().Str("endpoint_id", m.server.Identity().ID).Msg("Master node started")
	return nil
}

// Stop halts monitoring, discovery, and the server.
func (m *Master) Stop() error {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.ShutdownJoinTimeout):
		m.logger.Warn().Msg("Master loops did not exit in time, unclean shutdown")
	}

	if m.discovery != nil {
		m.discovery.Stop()
	}
	err := m.server.Stop()
	m.logger.Info().Msg("Master node stopped")
	return err
}

// statusMonitorLoop runs reconciliation, timeout demotion, and cleanup on a
// fixed tick.
func (m *Master) statusMonitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.StatusCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.statusTick(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *Master) statusTick(now time.Time) {
	m.lastSyncMu.Lock()
	syncDue := now.Sub(m.lastSync) >= m.opts.StateSyncInterval
	if syncDue {
		m.lastSync = now
	}
	m.lastSyncMu.Unlock()

	if syncDue {
		m.syncClientStates(now)
	}
	m.demoteTimedOut(now)
	if m.opts.EnableAutoCleanup {
		m.cleanupStale(now)
	}
}

// SyncNow forces an immediate reconciliation pass.
func (m *Master) SyncNow() {
	m.syncClientStates(time.Now())
}

// syncClientStates reconciles the directory against the server's registry
// and live connection table.
func (m *Master) syncClientStates(now time.Time) {
	registry := make(map[string]models.EndpointIdentity)
	for _, id := range m.server.ClientIDs() {
		if identity, ok := m.server.GetClient(id); ok {
			registry[id] = identity
		}
	}
	online := utils.SliceToSet(m.server.OnlineClientIDs())

	m.reconcile(registry, online, now)
}

// reconcile applies the sync rules: locally known clients absent from the
// server go Disconnected; present-and-online clients are forced Connected;
// present-but-offline go Disconnected; server-known clients absent locally
// are inserted as new Connected entries.
func (m *Master) reconcile(registry map[string]models.EndpointIdentity, online map[string]struct{}, now time.Time) {
	for id, rec := range m.directory.Items() {
		rec.mu.Lock()
		identity, known := registry[id]
		_, isOnline := online[id]
		switch {
		case !known:
			rec.info.State = models.ConnectionStateDisconnected
		case isOnline:
			rec.info.State = models.ConnectionStateConnected
			rec.info.Remote = identity
		default:
			rec.info.State = models.ConnectionStateDisconnected
			rec.info.Remote = identity
		}
		rec.mu.Unlock()
	}

	for id, identity := range registry {
		if m.directory.Has(id) {
			continue
		}
		state := models.ConnectionStateDisconnected
		if _, isOnline := online[id]; isOnline {
			state = models.ConnectionStateConnected
		}
		m.directory.Set(id, &clientRecord{info: models.ConnectionInfo{
			Remote:      identity,
			State:       state,
			ConnectTime: now,
		}})
		m.logger.Info().Str("endpoint_id", id).Msg("Client added to directory")
	}
}

// demoteTimedOut marks Connected clients Disconnected once their activity
// goes silent past the timeout.
func (m *Master) demoteTimedOut(now time.Time) {
	for id, rec := range m.directory.Items() {
		rec.mu.Lock()
		if rec.info.State == models.ConnectionStateConnected &&
			now.Sub(rec.info.Remote.LastActivity) > m.opts.ClientTimeoutInterval {
			rec.info.State = models.ConnectionStateDisconnected
			m.logger.Warn().Str("endpoint_id", id).Msg("Client timed out, marked disconnected")
		}
		rec.mu.Unlock()
	}
}

// cleanupStale erases directory entries that are both disconnected and
// timed out.
func (m *Master) cleanupStale(now time.Time) {
	for id, rec := range m.directory.Items() {
		rec.mu.Lock()
		stale := rec.info.State == models.ConnectionStateDisconnected &&
			now.Sub(rec.info.Remote.LastActivity) > m.opts.ClientTimeoutInterval
		rec.mu.Unlock()
		if stale {
			m.directory.Remove(id)
			m.logger.Info().Str("endpoint_id", id).Msg("Client removed from directory")
		}
	}
}

// ListClients returns a snapshot of every directory entry.
func (m *Master) ListClients() []models.ConnectionInfo {
	var out []models.ConnectionInfo
	for _, rec := range m.directory.Items() {
		rec.mu.Lock()
		out = append(out, rec.info)
		rec.mu.Unlock()
	}
	return out
}

// GetClient looks up one directory entry by id.
func (m *Master) GetClient(id string) (models.ConnectionInfo, bool) {
	rec, ok := m.directory.Get(id)
	if !ok {
		return models.ConnectionInfo{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.info, true
}

// ClientCount returns the directory size.
func (m *Master) ClientCount() int {
	return m.directory.Count()
}

// OnlineCount returns how many directory entries are Connected.
func (m *Master) OnlineCount() int {
	n := 0
	for _, rec := range m.directory.Items() {
		rec.mu.Lock()
		if rec.info.State == models.ConnectionStateConnected {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// OfflineCount returns how many directory entries are not Connected.
func (m *Master) OfflineCount() int {
	return m.ClientCount() - m.OnlineCount()
}

// DisconnectClient force-disconnects a client and marks it Disconnected in
// the directory.
func (m *Master) DisconnectClient(id string) error {
	err := m.server.DisconnectClient(id)
	if rec, ok := m.directory.Get(id); ok {
		rec.mu.Lock()
		rec.info.State = models.ConnectionStateDisconnected
		rec.mu.Unlock()
	}
	return err
}
