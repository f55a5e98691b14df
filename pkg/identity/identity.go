package identity

import (
	"os"

	"github.com/google/uuid"

	"github.com/benmeehan/iot-endpoint/pkg/file"
)

// Identity holds the endpoint's stable identifier and display name as
// persisted on disk.
type Identity struct {
	ID   string `json:"endpoint_id,omitempty"`
	Name string `json:"endpoint_name,omitempty"`
}

// EndpointInfoInterface defines methods for managing the persisted endpoint
// identity.
type EndpointInfoInterface interface {
	LoadIdentity() error
	SaveIdentity() error
	GetEndpointID() string
	GetIdentity() *Identity
}

// EndpointInfo manages the endpoint identity and its associated file
// operations.
type EndpointInfo struct {
	IdentityFile string
	Identity     Identity
	fileOps      file.FileOperations
}

// NewEndpointInfo initializes a new EndpointInfo instance.
func NewEndpointInfo(filePath string, fileOps file.FileOperations) EndpointInfoInterface {
	return &EndpointInfo{
		IdentityFile: filePath,
		fileOps:      fileOps,
		Identity:     Identity{},
	}
}

// LoadIdentity reads the identity from the file, generating and persisting
// a fresh id when the file is missing or carries none.
func (e *EndpointInfo) LoadIdentity() error {
	err := e.fileOps.ReadJsonFile(e.IdentityFile, &e.Identity)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if e.Identity.ID == "" {
		e.Identity.ID = uuid.New().String()
		return e.SaveIdentity()
	}
	return nil
}

// SaveIdentity persists the current identity to the file.
func (e *EndpointInfo) SaveIdentity() error {
	return e.fileOps.WriteJsonFile(e.IdentityFile, &e.Identity)
}

// GetEndpointID returns the stable endpoint id.
func (e *EndpointInfo) GetEndpointID() string {
	return e.Identity.ID
}

// GetIdentity returns the current identity.
func (e *EndpointInfo) GetIdentity() *Identity {
	return &e.Identity
}
