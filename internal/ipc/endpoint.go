package ipc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/shirou/gopsutil/v3/process"
)

// Transport names for the endpoint descriptor.
const (
	TransportSocket = "socket"
	TransportTCP    = "tcp"
)

// Endpoint is the discovery descriptor the server writes and clients read.
type Endpoint struct {
	Transport      string `json:"transport"`
	Address        string `json:"address"`
	Port           *int   `json:"port"`
	PID            int    `json:"pid"`
	Token          string `json:"token"`
	HandshakeToken string `json:"handshake_token"`
}

// WriteEndpoint atomically writes the descriptor. Mode 0600: the bearer
// token lives in this file.
func WriteEndpoint(path string, ep *Endpoint) error {
	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling endpoint: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing endpoint file: %w", err)
	}
	return nil
}

// ReadEndpoint reads and parses the descriptor. It does not check liveness;
// see ValidateEndpoint.
func ReadEndpoint(path string) (*Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("parsing endpoint file: %w", err)
	}
	return &ep, nil
}

// ValidateEndpoint reports whether the descriptor points at a live core.
func ValidateEndpoint(ep *Endpoint) bool {
	if ep == nil || ep.PID <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(ep.PID))
	return err == nil && alive
}

// RemoveEndpoint deletes the descriptor if present.
func RemoveEndpoint(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
