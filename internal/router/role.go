// Package router tracks the MASTER/BACKUP state of redundant VPC routers and
// drives failover.
package router

import "strings"

// Role is the redundancy role a router reports
type Role string

const (
	RoleUnknown    Role = "UNKNOWN"
	RoleMaster     Role = "MASTER"
	RoleBackup     Role = "BACKUP"
	RoleStandalone Role = "STANDALONE"
)

// roleNames labels the role gauge
var roleNames = []string{string(RoleUnknown), string(RoleMaster), string(RoleBackup), string(RoleStandalone)}

// ParseRole maps check script output to a role. Anything unrecognised,
// FAULT included, is UNKNOWN.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleMaster:
		return RoleMaster
	case RoleBackup:
		return RoleBackup
	case RoleStandalone:
		return RoleStandalone
	}
	return RoleUnknown
}

// Settled reports whether the role counts as a converged state
func (r Role) Settled() bool {
	return r == RoleMaster || r == RoleBackup || r == RoleStandalone
}
