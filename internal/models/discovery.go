package models

// DiscoveryMessage is the JSON datagram broadcast over UDP to announce an
// endpoint. Timestamp is unix milliseconds at send time.
type DiscoveryMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	Port        uint16 `json:"port"`
	Timestamp   uint64 `json:"timestamp"`
	ServiceType int    `json:"service_type"`
	Version     string `json:"version,omitempty"`
}
