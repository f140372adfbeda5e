package vpn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bronze1man/goStrongswanVici"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// DefaultViciSocket is where charon listens for VICI clients
const DefaultViciSocket = "/var/run/charon.vici"

// viciClient is the part of the VICI client the negotiator uses
type viciClient interface {
	LoadConn(conn *map[string]goStrongswanVici.IKEConf) error
	UnloadConn(r *goStrongswanVici.UnloadConnRequest) error
	LoadShared(key *goStrongswanVici.Key) error
	UnloadShared(key *goStrongswanVici.UnloadKeyRequest) error
	Initiate(child string, ike string) error
	ListSas(ike string, ikeID string) ([]map[string]goStrongswanVici.IkeSa, error)
	Close() error
}

type viciDialer func(ctx context.Context) (viciClient, error)

// ViciNegotiator programs a strongSwan charon daemon over its VICI socket
type ViciNegotiator struct {
	dial        viciDialer
	maxAttempts int
	backoff     backoff.Backoff

	mu     sync.Mutex
	client viciClient
}

// NewViciNegotiator creates a negotiator for the charon socket at path
func NewViciNegotiator(path string) *ViciNegotiator {
	if path == "" {
		path = DefaultViciSocket
	}
	return newViciNegotiator(func(ctx context.Context) (viciClient, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, err
		}
		return goStrongswanVici.NewClientConn(conn), nil
	})
}

func newViciNegotiator(dial viciDialer) *ViciNegotiator {
	return &ViciNegotiator{
		dial:        dial,
		maxAttempts: 5,
		backoff: backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
		},
	}
}

// connect returns the cached client, dialing charon with backoff if needed.
// Callers hold n.mu.
func (n *ViciNegotiator) connect(ctx context.Context) (viciClient, error) {
	if n.client != nil {
		return n.client, nil
	}

	b := n.backoff
	b.Reset()
	var err error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		var c viciClient
		c, err = n.dial(ctx)
		if err == nil {
			n.client = c
			log.Debug("Connected to IKE daemon")
			return c, nil
		}
		if attempt == n.maxAttempts {
			break
		}

		d := b.Duration()
		log.WithError(err).WithField("attempt", attempt).Warnf("Failed to connect to IKE daemon, retry in %s", d)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	return nil, fmt.Errorf("connect to IKE daemon: %w", err)
}

func (n *ViciNegotiator) discard() {
	if n.client == nil {
		return
	}
	if err := n.client.Close(); err != nil {
		log.WithError(err).Debug("Closing the VICI client returned error")
	}
	n.client = nil
}

// do runs f with a connected client, dropping the connection when f fails
func (n *ViciNegotiator) do(ctx context.Context, op string, f func(c viciClient) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, err := n.connect(ctx)
	if err != nil {
		return err
	}
	if err := f(c); err != nil {
		log.WithField("operation", op).WithError(err).Warn("VICI operation failed")
		n.discard()
		return err
	}
	return nil
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds())) + "s"
}

func ikeConf(cfg TunnelConfig, startAction string) map[string]goStrongswanVici.IKEConf {
	closeAction := "none"
	if cfg.DPD {
		closeAction = "restart"
	}
	child := goStrongswanVici.ChildSAConf{
		Local_ts:      cfg.LocalNets,
		Remote_ts:     cfg.RemoteNets,
		ESPProposals:  []string{cfg.ESPPolicy.Proposal()},
		StartAction:   startAction,
		CloseAction:   closeAction,
		Mode:          "tunnel",
		RekeyTime:     seconds(cfg.ESPLifetime),
		InstallPolicy: "yes",
	}
	return map[string]goStrongswanVici.IKEConf{
		cfg.Name: {
			LocalAddrs:  []string{cfg.LocalAddr},
			RemoteAddrs: []string{cfg.RemoteAddr},
			Proposals:   []string{cfg.IKEPolicy.Proposal()},
			Version:     "2",
			KeyingTries: "1",
			LocalAuth:   goStrongswanVici.AuthConf{AuthMethod: "psk"},
			RemoteAuth:  goStrongswanVici.AuthConf{AuthMethod: "psk"},
			Children:    map[string]goStrongswanVici.ChildSAConf{cfg.Name: child},
			Encap:       "no",
			Mobike:      "no",
		},
	}
}

func (n *ViciNegotiator) install(ctx context.Context, cfg TunnelConfig, startAction string) error {
	return n.do(ctx, "install", func(c viciClient) error {
		if err := c.LoadShared(&goStrongswanVici.Key{
			ID:     cfg.Name,
			Typ:    "IKE",
			Data:   cfg.PSK,
			Owners: []string{cfg.RemoteAddr},
		}); err != nil {
			return fmt.Errorf("load shared key: %w", err)
		}
		conns := ikeConf(cfg, startAction)
		if err := c.LoadConn(&conns); err != nil {
			return fmt.Errorf("load connection: %w", err)
		}
		return nil
	})
}

// Negotiate loads the tunnel and initiates it. Charon rejecting the
// initiation is reported as a policy mismatch.
func (n *ViciNegotiator) Negotiate(ctx context.Context, cfg TunnelConfig) error {
	if err := n.install(ctx, cfg, "none"); err != nil {
		return err
	}

	// initiate blocks until charon gives up, so it gets its own connection
	// that can be closed on cancellation
	c, err := n.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to IKE daemon: %w", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Initiate(cfg.Name, cfg.Name) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPolicyMismatch, err)
		}
	}
	log.WithField("tunnel", cfg.Name).Info("Tunnel initiated")
	return nil
}

// Listen loads the tunnel as responder only
func (n *ViciNegotiator) Listen(ctx context.Context, cfg TunnelConfig) error {
	return n.install(ctx, cfg, "none")
}

// Status reads the IKE SA of a tunnel
func (n *ViciNegotiator) Status(ctx context.Context, name string) (SAState, error) {
	state := SADown
	err := n.do(ctx, "list-sas", func(c viciClient) error {
		sas, err := c.ListSas(name, "")
		if err != nil {
			return err
		}
		for _, m := range sas {
			sa, ok := m[name]
			if !ok {
				continue
			}
			switch strings.ToUpper(sa.State) {
			case "ESTABLISHED":
				state = SAEstablished
			case "CONNECTING", "CREATED", "REKEYING":
				if state != SAEstablished {
					state = SAConnecting
				}
			}
		}
		return nil
	})
	return state, err
}

// Teardown unloads the tunnel and its key
func (n *ViciNegotiator) Teardown(ctx context.Context, name string) error {
	return n.do(ctx, "teardown", func(c viciClient) error {
		if err := c.UnloadConn(&goStrongswanVici.UnloadConnRequest{Name: name}); err != nil && !notFound(err) {
			return fmt.Errorf("unload connection: %w", err)
		}
		if err := c.UnloadShared(&goStrongswanVici.UnloadKeyRequest{ID: name}); err != nil && !notFound(err) {
			return fmt.Errorf("unload shared key: %w", err)
		}
		return nil
	})
}

// Close drops the VICI connection
func (n *ViciNegotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.discard()
}

func notFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown")
}
