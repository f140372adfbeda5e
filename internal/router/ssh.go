package router

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skeema/knownhosts"
	"golang.org/x/crypto/ssh"
)

const (
	// routerSSHPort is where the system VM sshd listens on its link-local address
	routerSSHPort = 3922
	// DefaultRouterKey is the host-side key trusted by system VMs
	DefaultRouterKey = "/root/.ssh/id_rsa.cloud"
)

// SSHRunner logs into the router host with a password and hops to the
// router's link-local address with the host's key.
type SSHRunner struct {
	hostKeys    ssh.HostKeyCallback
	hostKeyAlgs func(hostWithPort string) []string
	routerKey   string
	timeout     time.Duration
}

// NewSSHRunner creates a runner. Host keys are checked against knownHosts
// when it is set; otherwise they are accepted unverified.
func NewSSHRunner(knownHosts, routerKey string, timeout time.Duration) (*SSHRunner, error) {
	r := &SSHRunner{routerKey: routerKey, timeout: timeout}
	if r.routerKey == "" {
		r.routerKey = DefaultRouterKey
	}

	if knownHosts == "" {
		log.Warn("No known_hosts file configured, router host keys are not verified")
		r.hostKeys = ssh.InsecureIgnoreHostKey()
		return r, nil
	}

	kh, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHosts, err)
	}
	r.hostKeys = kh.HostKeyCallback()
	r.hostKeyAlgs = kh.HostKeyAlgorithms
	return r, nil
}

func (r *SSHRunner) clientConfig(t Target, addr string) *ssh.ClientConfig {
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.Password(t.Password)},
		HostKeyCallback: r.hostKeys,
		Timeout:         r.timeout,
	}
	if r.hostKeyAlgs != nil {
		cfg.HostKeyAlgorithms = r.hostKeyAlgs(addr)
	}
	return cfg
}

// hopCommand runs script on the router from its host
func (r *SSHRunner) hopCommand(linkLocal, script string) string {
	return fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -p %d %s %s",
		r.routerKey, routerSSHPort, linkLocal, strconv.Quote(script))
}

// handshake bounds the SSH handshake by the dial timeout and by ctx.
// ClientConfig.Timeout only covers ssh.Dial, not a connection dialed here.
func (r *SSHRunner) handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	if r.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
			return nil, nil, nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		// ctx ended mid-handshake and closed conn
		if err == nil {
			c.Close()
		}
		return nil, nil, nil, ctx.Err()
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, nil, nil, err
	}
	return c, chans, reqs, nil
}

// Run executes script on the router and returns its stdout
func (r *SSHRunner) Run(ctx context.Context, t Target, script string) (string, error) {
	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	d := net.Dialer{Timeout: r.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}

	c, chans, reqs, err := r.handshake(ctx, conn, addr, r.clientConfig(t, addr))
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session on %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(r.hopCommand(t.LinkLocalIP, script)) }()

	select {
	case <-ctx.Done():
		client.Close()
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("%s on %s via %s: %w: %s", script, t.LinkLocalIP, addr, err, bytes.TrimSpace(stderr.Bytes()))
		}
	}
	return stdout.String(), nil
}
