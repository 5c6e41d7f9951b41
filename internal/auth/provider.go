// Package auth produces request headers carrying valid credentials for
// remote endpoint servers, hiding token caching and renewal from callers.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wgproxy/internal/errdefs"
	"wgproxy/internal/fleet"
)

const (
	apiKeyTokenTTL = time.Hour
	hmacTokenTTL   = 5 * time.Minute
	oauthExpiryPad = 60 * time.Second
	// Rotation renews any token this close to its expiry.
	rotationWindow = 10 * time.Minute
)

type token struct {
	value     string
	expiresAt time.Time
	authType  string
}

type Provider struct {
	mu     sync.Mutex
	tokens map[string]token
	http   *http.Client
	now    func() time.Time
	log    zerolog.Logger
}

func NewProvider(log zerolog.Logger) *Provider {
	return &Provider{
		tokens: make(map[string]token),
		http:   &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Headers returns the headers for a call to srv. When no credential can be
// obtained the Authorization header is simply omitted; the remote call will
// then fail with an auth error instead of the proxy crashing here.
func (p *Provider) Headers(ctx context.Context, srv fleet.Server) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}

	p.mu.Lock()
	cached, ok := p.tokens[srv.ID]
	p.mu.Unlock()
	if ok && p.now().Before(cached.expiresAt) {
		headers["Authorization"] = "Bearer " + cached.value
		return headers
	}

	tok, err := p.acquire(ctx, srv)
	if err != nil {
		p.log.Error().Err(err).Str("server", srv.ID).Msg("token acquisition failed")
		return headers
	}
	headers["Authorization"] = "Bearer " + tok.value
	return headers
}

// RevokeToken drops the cached token so the next call renews it.
func (p *Provider) RevokeToken(serverID string) {
	p.mu.Lock()
	delete(p.tokens, serverID)
	p.mu.Unlock()
	p.log.Info().Str("server", serverID).Msg("token revoked")
}

// RotateTokens renews every cached-or-renewable token that is within the
// rotation window of its expiry. A failure on one server never aborts the
// others.
func (p *Provider) RotateTokens(ctx context.Context, servers []fleet.Server) {
	now := p.now()
	for _, srv := range servers {
		if !hasCredentials(srv) {
			continue
		}
		p.mu.Lock()
		cached, ok := p.tokens[srv.ID]
		p.mu.Unlock()
		if ok && cached.expiresAt.Sub(now) > rotationWindow {
			continue
		}
		if _, err := p.acquire(ctx, srv); err != nil {
			p.log.Warn().Err(err).Str("server", srv.ID).Msg("token rotation failed")
			continue
		}
		p.log.Debug().Str("server", srv.ID).Msg("token rotated")
	}
}

// RunRotation drives RotateTokens on a timer until ctx is cancelled.
func (p *Provider) RunRotation(ctx context.Context, interval time.Duration, servers func() []fleet.Server) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RotateTokens(ctx, servers())
		}
	}
}

func hasCredentials(srv fleet.Server) bool {
	switch srv.AuthType {
	case fleet.AuthAPIKey:
		return srv.APIKey != ""
	case fleet.AuthOAuth:
		return srv.OAuthClientID != "" && srv.OAuthClientSecret != "" && srv.OAuthTokenURL != ""
	case fleet.AuthHMAC:
		return srv.HMACSecret != ""
	}
	return false
}

func (p *Provider) acquire(ctx context.Context, srv fleet.Server) (token, error) {
	var tok token
	var err error
	switch srv.AuthType {
	case fleet.AuthAPIKey:
		tok, err = p.apiKeyToken(srv)
	case fleet.AuthOAuth:
		tok, err = p.oauthToken(ctx, srv)
	case fleet.AuthHMAC:
		tok, err = p.hmacToken(srv)
	default:
		err = &errdefs.AuthenticationError{ServerID: srv.ID, Reason: "unsupported auth type " + srv.AuthType}
	}
	if err != nil {
		return token{}, err
	}
	p.mu.Lock()
	p.tokens[srv.ID] = tok
	p.mu.Unlock()
	return tok, nil
}

func (p *Provider) apiKeyToken(srv fleet.Server) (token, error) {
	if srv.APIKey == "" {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: "missing api key"}
	}
	return token{value: srv.APIKey, expiresAt: p.now().Add(apiKeyTokenTTL), authType: fleet.AuthAPIKey}, nil
}

func (p *Provider) oauthToken(ctx context.Context, srv fleet.Server) (token, error) {
	if !hasCredentials(srv) {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: "missing oauth credentials"}
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", srv.OAuthClientID)
	form.Set("client_secret", srv.OAuthClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.http.Do(req)
	if err != nil {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: fmt.Sprintf("oauth endpoint returned %d", resp.StatusCode)}
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: err.Error()}
	}
	if out.AccessToken == "" {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: "no access token in oauth response"}
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return token{
		value:     out.AccessToken,
		expiresAt: p.now().Add(ttl - oauthExpiryPad),
		authType:  fleet.AuthOAuth,
	}, nil
}

// hmacToken builds base64("serverID:timestamp:signature") where signature is
// the hex SHA-256 HMAC of "serverID:timestamp" under the shared secret.
func (p *Provider) hmacToken(srv fleet.Server) (token, error) {
	if srv.HMACSecret == "" {
		return token{}, &errdefs.AuthenticationError{ServerID: srv.ID, Reason: "missing hmac secret"}
	}
	message := fmt.Sprintf("%s:%d", srv.ID, p.now().Unix())
	mac := hmac.New(sha256.New, []byte(srv.HMACSecret))
	mac.Write([]byte(message))
	signature := hex.EncodeToString(mac.Sum(nil))
	value := base64.StdEncoding.EncodeToString([]byte(message + ":" + signature))
	return token{value: value, expiresAt: p.now().Add(hmacTokenTTL), authType: fleet.AuthHMAC}, nil
}
