package node

import (
	"github.com/rs/zerolog"

	"github.com/benmeehan/iot-endpoint/internal/constants"
	"github.com/benmeehan/iot-endpoint/internal/discovery"
	"github.com/benmeehan/iot-endpoint/internal/endpoint"
	"github.com/benmeehan/iot-endpoint/internal/models"
)

// ClientNode composes an endpoint client (plus an optional controller
// client) with a discovery listener that auto-connects to matching
// servers.
type ClientNode struct {
	client     *endpoint.Client
	controller *endpoint.Client
	discovery  *discovery.ServiceDiscovery
	logger     zerolog.Logger
}

// NewClientNode wires a client node. controller may be nil when the node
// has no controller uplink.
func NewClientNode(client, controller *endpoint.Client, disc *discovery.ServiceDiscovery, logger zerolog.Logger) *ClientNode {
	return &ClientNode{
		client:     client,
		controller: controller,
		discovery:  disc,
		logger:     logger,
	}
}

// Client exposes the primary endpoint client.
func (n *ClientNode) Client() *endpoint.Client {
	return n.client
}

// Controller exposes the controller client, nil when absent.
func (n *ClientNode) Controller() *endpoint.Client {
	return n.controller
}

// Start initializes and starts the clients, then begins listening for
// server announcements.
func (n *ClientNode) Start() error {
	if err := n.client.Initialize(); err != nil {
		return err
	}
	if err := n.client.Start(); err != nil {
		return err
	}
	if n.controller != nil {
		if err := n.controller.Initialize(); err != nil {
			return err
		}
		if err := n.controller.Start(); err != nil {
			return err
		}
	}

	if n.discovery != nil {
		if _, err := n.discovery.DiscoverServices("", n.serviceDiscovered); err != nil {
			return err
		}
	}

	n.logger.Info().Str("endpoint_id", n.client.Identity().ID).Msg("Client node started")
	return nil
}

// Stop shuts down discovery and the clients.
func (n *ClientNode) Stop() error {
	if n.discovery != nil {
		n.discovery.Stop()
	}

	var firstErr error
	if n.controller != nil {
		if err := n.controller.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := n.client.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	n.logger.Info().Msg("Client node stopped")
	return firstErr
}

// serviceDiscovered connects the matching client instance to a newly
// announced server.
func (n *ClientNode) serviceDiscovered(identity models.EndpointIdentity) {
	switch {
	case identity.ID == constants.DeviceServerID || identity.Name == constants.DeviceServerName:
		if n.client.IsConnectedToServer() {
			return
		}
		n.logger.Info().
			Str("endpoint_id", identity.ID).
			Str("address", identity.Addr()).
			Msg("Device server discovered, connecting")
		if err := n.client.ConnectToServer(identity.Address, identity.Port); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to connect to discovered server")
		}

	case identity.Name == constants.ControllerServerName && n.controller != nil:
		if n.controller.IsConnectedToServer() {
			return
		}
		n.logger.Info().
			Str("endpoint_id", identity.ID).
			Str("address", identity.Addr()).
			Msg("Controller server discovered, connecting")
		if err := n.controller.ConnectToServer(identity.Address, identity.Port); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to connect to discovered controller")
		}
	}
}
