package vpn

import (
	"context"
	"time"
)

// SAState is what the IKE daemon reports for a tunnel
type SAState int

const (
	SADown SAState = iota
	SAConnecting
	SAEstablished
)

func (s SAState) String() string {
	switch s {
	case SAConnecting:
		return "connecting"
	case SAEstablished:
		return "established"
	}
	return "down"
}

// TunnelConfig is everything the IKE daemon needs to bring up one tunnel
type TunnelConfig struct {
	Name        string
	LocalAddr   string
	RemoteAddr  string
	LocalNets   []string
	RemoteNets  []string
	IKEPolicy   Policy
	ESPPolicy   Policy
	IKELifetime time.Duration
	ESPLifetime time.Duration
	DPD         bool
	PSK         string
}

// Negotiator drives IKE/ESP for site-to-site tunnels. Negotiate returns once
// the tunnel is established, or with an error wrapping ErrPolicyMismatch when
// the peer rejects the proposal or the key.
type Negotiator interface {
	// Negotiate installs the tunnel and initiates it
	Negotiate(ctx context.Context, cfg TunnelConfig) error
	// Listen installs the tunnel and waits for the peer to initiate
	Listen(ctx context.Context, cfg TunnelConfig) error
	Status(ctx context.Context, name string) (SAState, error)
	// Teardown removes the tunnel; removing an unknown tunnel is not an error
	Teardown(ctx context.Context, name string) error
}
