// Package errdefs defines the error kinds shared across the proxy. Handlers
// map each kind to a status code; the retry policy keys off RemoteServerError.
package errdefs

import "fmt"

// ValidationError means the caller sent bad or missing input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NoAvailableServerError means the fleet was empty after filtering and
// fallback.
type NoAvailableServerError struct {
	GeolocationID int
}

func (e *NoAvailableServerError) Error() string {
	if e.GeolocationID != 0 {
		return fmt.Sprintf("no available server for geolocation %d", e.GeolocationID)
	}
	return "no available server"
}

// RemoteServerError covers non-2xx responses and transport failures when
// talking to an endpoint server. Both map to the same kind so the retry
// policy treats them uniformly.
type RemoteServerError struct {
	ServerID string
	Status   int
	Body     string
	Err      error
}

func (e *RemoteServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server %s: %v", e.ServerID, e.Err)
	}
	return fmt.Sprintf("server %s returned %d: %s", e.ServerID, e.Status, e.Body)
}

func (e *RemoteServerError) Unwrap() error { return e.Err }

// AuthenticationError means no credential could be obtained for a server.
type AuthenticationError struct {
	ServerID string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("auth for server %s: %s", e.ServerID, e.Reason)
}

// ConfigStoreError means the configuration store was unreachable or answered
// with an error. Triggers cached/static fallback paths rather than surfacing
// to clients directly.
type ConfigStoreError struct {
	Op  string
	Err error
}

func (e *ConfigStoreError) Error() string {
	return fmt.Sprintf("config store %s: %v", e.Op, e.Err)
}

func (e *ConfigStoreError) Unwrap() error { return e.Err }
