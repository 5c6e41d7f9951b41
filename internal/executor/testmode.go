package executor

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"wgproxy/internal/errdefs"
	"wgproxy/internal/fleet"
)

// Test-mode servers are answered locally with a generated WireGuard config
// so the rest of the pipeline can be exercised without a real endpoint.

func (e *Executor) testCreate(srv fleet.Server) (*CreateResult, error) {
	start := time.Now()
	private, public, err := generateKeypair()
	if err != nil {
		e.recordMetrics(srv.ID, false, time.Since(start))
		return nil, &errdefs.RemoteServerError{ServerID: srv.ID, Err: err}
	}
	endpoint := fmt.Sprintf("%s:%d", srv.Endpoint, srv.Port)
	serverPublic, err := serverPublicKey(srv)
	if err != nil {
		e.recordMetrics(srv.ID, false, time.Since(start))
		return nil, &errdefs.RemoteServerError{ServerID: srv.ID, Err: err}
	}
	config := renderConfig(private, serverPublic, endpoint)
	e.recordMetrics(srv.ID, true, time.Since(start))
	return &CreateResult{
		Config:         config,
		PublicKey:      public,
		PrivateKey:     private,
		ServerEndpoint: endpoint,
		AllowedIPs:     "0.0.0.0/0, ::/0",
		DNS:            "1.1.1.1, 8.8.8.8",
		ServerID:       srv.ID,
		GeolocationID:  srv.GeolocationID,
	}, nil
}

func (e *Executor) testRemove(srv fleet.Server, publicKey string) (*RemoveResult, error) {
	e.recordMetrics(srv.ID, true, time.Millisecond)
	return &RemoveResult{
		Success: true,
		Message: fmt.Sprintf("Peer %s removed from test server", publicKey),
	}, nil
}

// generateKeypair produces a Curve25519 keypair in the WireGuard base64
// encoding.
func generateKeypair() (private, public string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", err
	}
	// Clamp per the X25519 key format.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(priv[:]), base64.StdEncoding.EncodeToString(pub), nil
}

// serverPublicKey derives a stable stand-in key for a test server so that
// repeated creates render identical peer sections.
func serverPublicKey(srv fleet.Server) (string, error) {
	var seed [32]byte
	copy(seed[:], srv.ID)
	seed[0] &= 248
	seed[31] &= 127
	seed[31] |= 64
	pub, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

func renderConfig(privateKey, serverPublicKey, endpoint string) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 10.0.0.2/24
DNS = 1.1.1.1, 8.8.8.8

[Peer]
PublicKey = %s
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = %s
PersistentKeepalive = 25
`, privateKey, serverPublicKey, endpoint)
}
