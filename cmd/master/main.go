package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/discovery"
	"github.com/benmeehan/iot-endpoint/internal/endpoint"
	"github.com/benmeehan/iot-endpoint/internal/models"
	"github.com/benmeehan/iot-endpoint/internal/node"
	"github.com/benmeehan/iot-endpoint/internal/transport"
	"github.com/benmeehan/iot-endpoint/internal/utils"
	"github.com/benmeehan/iot-endpoint/pkg/file"
	"github.com/benmeehan/iot-endpoint/pkg/identity"
)

// serveMetrics exposes the endpoint's prometheus registry on /metrics.
// An empty address disables exposition.
func serveMetrics(address string, registry *prometheus.Registry, log zerolog.Logger) {
	if address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("address", address).Msg("Serving prometheus metrics")
}

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	fileClient := file.NewFileService()

	config, err := utils.LoadConfig("configs/master.yaml", fileClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	endpointInfo := identity.NewEndpointInfo(config.Endpoint.IdentityFile, fileClient)
	if err := endpointInfo.LoadIdentity(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load endpoint identity")
	}

	localIdentity := models.EndpointIdentity{
		ID:      endpointInfo.GetEndpointID(),
		Name:    config.Endpoint.Name,
		Address: config.Endpoint.Address,
		Port:    config.Endpoint.Port,
		Kind:    constants.EndpointKindServer,
	}
	if config.Endpoint.ID != "" {
		localIdentity.ID = config.Endpoint.ID
	}
	log.Info().Str("endpoint_id", localIdentity.ID).Msg("Using endpoint identity")

	tr := transport.NewTCPTransport(config.Endpoint.Address, config.Endpoint.Port, true, log)

	server := endpoint.NewServer(localIdentity, tr, endpoint.ServerOptions{
		MaxClients:         config.Endpoint.MaxClients,
		EnableHeartbeat:    config.Heartbeat.Enabled,
		HeartbeatInterval:  config.Heartbeat.Interval,
		TimeoutMultiplier:  config.Heartbeat.TimeoutMultiplier,
		MaxMissedResponses: config.Heartbeat.MaxMissedResponses,
	}, log)

	var disc *discovery.ServiceDiscovery
	if config.Discovery.Enabled {
		disc = discovery.NewServiceDiscovery(config.Discovery.Address, config.Discovery.Port,
			config.Discovery.BroadcastInterval, config.Discovery.ServiceTimeout, log)
	}

	master := node.NewMaster(server, disc, node.MasterOptions{
		StatusCheckInterval:   config.Master.StatusCheckInterval,
		StateSyncInterval:     config.Master.StateSyncInterval,
		ClientTimeoutInterval: config.Master.ClientTimeoutInterval,
		EnableAutoCleanup:     config.Master.EnableAutoCleanup,
	}, log)

	if err := master.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start master node")
	}
	log.Info().Msg("Master node running")

	serveMetrics(config.Endpoint.MetricsAddress, server.MetricsRegistry(), log)

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := master.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
