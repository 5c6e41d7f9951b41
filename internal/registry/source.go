package registry

import (
	"context"

	"wgproxy/internal/fleet"
	"wgproxy/internal/store"
)

// FleetSource supplies the raw fleet. The registry is constructed with a
// live store-backed source and a static fallback; everything downstream is
// oblivious to which one answered.
type FleetSource interface {
	Fetch(ctx context.Context) ([]fleet.Server, error)
}

// StoreSource reads the fleet from the configuration store.
type StoreSource struct {
	Client *store.Client
}

func (s *StoreSource) Fetch(ctx context.Context) ([]fleet.Server, error) {
	return s.Client.Servers(ctx)
}

// StaticSource serves a fixed list and never fails.
type StaticSource struct {
	Servers []fleet.Server
}

func (s *StaticSource) Fetch(context.Context) ([]fleet.Server, error) {
	out := make([]fleet.Server, len(s.Servers))
	copy(out, s.Servers)
	for i := range out {
		out[i].Normalize()
	}
	return out, nil
}

// FallbackFleet is the built-in server list used when the configuration
// store is unreachable and no cached fleet exists.
func FallbackFleet() []fleet.Server {
	return []fleet.Server{
		{
			ID:            "fallback-us-1",
			Name:          "Fallback US",
			Endpoint:      "us1.wg.example.com",
			APIURL:        "http://us1.wg.example.com:5000",
			Location:      "US/New York",
			GeolocationID: 1,
			AuthType:      fleet.AuthAPIKey,
		},
		{
			ID:            "fallback-eu-1",
			Name:          "Fallback EU",
			Endpoint:      "eu1.wg.example.com",
			APIURL:        "http://eu1.wg.example.com:5000",
			Location:      "EU/Amsterdam",
			GeolocationID: 2,
			AuthType:      fleet.AuthAPIKey,
		},
		{
			ID:            "fallback-asia-1",
			Name:          "Fallback Asia",
			Endpoint:      "asia1.wg.example.com",
			APIURL:        "http://asia1.wg.example.com:5000",
			Location:      "Asia/Tokyo",
			GeolocationID: 3,
			AuthType:      fleet.AuthAPIKey,
		},
	}
}
