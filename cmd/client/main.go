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

	config, err := utils.LoadConfig("configs/client.yaml", fileClient, log)
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
		Kind:    constants.EndpointKindClient,
	}
	if config.Endpoint.ID != "" {
		localIdentity.ID = config.Endpoint.ID
	}
	log.Info().Str("endpoint_id", localIdentity.ID).Msg("Using endpoint identity")

	tr := transport.NewTCPTransport(config.Endpoint.Address, config.Endpoint.Port, false, log)

	client := endpoint.NewClient(localIdentity, tr, endpoint.ClientOptions{
		AutoReconnect:           config.Endpoint.AutoReconnect,
		MaxReconnectAttempts:    config.Endpoint.MaxReconnectAttempts,
		ReconnectInterval:       config.Endpoint.ReconnectInterval,
		ConnectionCheckInterval: config.Endpoint.ConnectionCheckInterval,
		HeartbeatInterval:       config.Endpoint.HeartbeatInterval,
	}, log)

	var disc *discovery.ServiceDiscovery
	if config.Discovery.Enabled {
		disc = discovery.NewServiceDiscovery(config.Discovery.Address, config.Discovery.Port,
			config.Discovery.BroadcastInterval, config.Discovery.ServiceTimeout, log)
	}

	clientNode := node.NewClientNode(client, nil, disc, log)
	if err := clientNode.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start client node")
	}
	log.Info().Msg("Client node running")

	serveMetrics(config.Endpoint.MetricsAddress, client.MetricsRegistry(), log)

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := clientNode.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
