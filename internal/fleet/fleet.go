// Package fleet defines the server, connection and migration records shared
// by the registry, the configuration-store client and the failover loop.
package fleet

import (
	"fmt"
	"strings"
)

// Health states as seen by the registry. The configuration store uses its
// own active/inactive lifecycle, carried by the Active* constants.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"

	StoreStatusActive   = "active"
	StoreStatusInactive = "inactive"
)

// Supported credential kinds for remote endpoint servers.
const (
	AuthAPIKey = "api_key"
	AuthOAuth  = "oauth"
	AuthHMAC   = "hmac"
)

const DefaultWireGuardPort = 51820

// Server is one remote endpoint server. Records arrive from the
// configuration store with optional fields absent; Normalize applies the
// defaulting rules once at ingestion.
type Server struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	Port          int    `json:"port,omitempty"`
	APIURL        string `json:"api_url,omitempty"`
	Location      string `json:"location,omitempty"`
	GeolocationID int    `json:"geolocation_id,omitempty"`
	Status        string `json:"status,omitempty"`
	Load          int    `json:"load,omitempty"`
	PeersCount    int    `json:"peers_count,omitempty"`

	AuthType          string `json:"auth_type,omitempty"`
	APIKey            string `json:"api_key,omitempty"`
	OAuthClientID     string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret string `json:"oauth_client_secret,omitempty"`
	OAuthTokenURL     string `json:"oauth_token_url,omitempty"`
	HMACSecret        string `json:"hmac_secret,omitempty"`
}

// Normalize fills defaults for optional fields.
func (s *Server) Normalize() {
	if s.Name == "" {
		s.Name = fmt.Sprintf("Server %s", s.ID)
	}
	if s.Location == "" {
		s.Location = "Unknown"
	}
	if s.Port == 0 {
		s.Port = DefaultWireGuardPort
	}
	if s.AuthType == "" {
		s.AuthType = AuthAPIKey
	}
}

// LoadScore is the value selection sorts by: the reported load when the
// server publishes one, otherwise its peer count.
func (s Server) LoadScore() int {
	if s.Load > 0 {
		return s.Load
	}
	return s.PeersCount
}

// IsTest reports whether the server was registered in test mode; such
// servers are answered locally instead of over the network.
func (s *Server) IsTest() bool {
	return strings.HasPrefix(s.ID, "test-")
}

// Sanitized strips credentials for listing endpoints.
type Sanitized struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Endpoint      string `json:"endpoint,omitempty"`
	Location      string `json:"location"`
	GeolocationID int    `json:"geolocation_id"`
	Status        string `json:"status"`
	Load          int    `json:"load"`
	PeersCount    int    `json:"peers_count"`
}

func (s Server) Sanitized() Sanitized {
	return Sanitized{
		ID:            s.ID,
		Name:          s.Name,
		Endpoint:      s.Endpoint,
		Location:      s.Location,
		GeolocationID: s.GeolocationID,
		Status:        s.Status,
		Load:          s.Load,
		PeersCount:    s.PeersCount,
	}
}

// Connection is one active client on a server, as reported by the
// configuration store.
type Connection struct {
	UserID    int64  `json:"user_id"`
	PublicKey string `json:"public_key,omitempty"`
}

// Migration moves one user from a failing server to a target server.
type Migration struct {
	UserID        int64  `json:"user_id"`
	FromServerID  string `json:"from_server_id,omitempty"`
	ToServerID    string `json:"to_server_id"`
	GeolocationID int    `json:"geolocation_id,omitempty"`
	Reason        string `json:"migration_reason"`
}

// StatusUpdate is one entry of a batched store status write.
type StatusUpdate struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastCheck string `json:"last_check"`
}
