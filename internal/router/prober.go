package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// CheckScript reports the keepalived state of a router as "Status: <ROLE>"
const CheckScript = "/opt/cloud/bin/checkrouter.sh"

// Target addresses a router through the host it runs on
type Target struct {
	Host        string
	Port        int
	User        string
	Password    string
	LinkLocalIP string
}

// CommandRunner executes a script on a router and returns its output
type CommandRunner interface {
	Run(ctx context.Context, t Target, script string) (string, error)
}

// Prober observes the current role of a router
type Prober interface {
	Probe(ctx context.Context, r domain.Router) (Role, error)
}

// ScriptProber runs the check script through a CommandRunner
type ScriptProber struct {
	runner   CommandRunner
	user     string
	password string
}

// NewScriptProber creates a prober logging into router hosts as user
func NewScriptProber(runner CommandRunner, user, password string) *ScriptProber {
	return &ScriptProber{runner: runner, user: user, password: password}
}

// Probe runs the check script once
func (p *ScriptProber) Probe(ctx context.Context, r domain.Router) (Role, error) {
	out, err := p.runner.Run(ctx, Target{
		Host:        r.HostAddress,
		Port:        r.HostPort,
		User:        p.user,
		Password:    p.password,
		LinkLocalIP: r.LinkLocalIP,
	}, CheckScript)
	if err != nil {
		return RoleUnknown, err
	}
	return parseCheckOutput(out)
}

// parseCheckOutput takes the second field of the first non-empty line
func parseCheckOutput(out string) (Role, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch len(fields) {
		case 0:
			continue
		case 1:
			return ParseRole(fields[0]), nil
		default:
			return ParseRole(fields[1]), nil
		}
	}
	return RoleUnknown, fmt.Errorf("empty output from %s", CheckScript)
}
