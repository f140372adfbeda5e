package domain

import (
	"errors"
	"fmt"
)

// Errors shared by the allocator, ACL engine, router coordinator and tunnel manager.
// Check them with errors.Is; the concrete error is usually an *OpError.
var (
	// ErrNoAddressAvailable is returned when a pool has no free address left
	ErrNoAddressAvailable = errors.New("no address available")

	// ErrAddressUnavailable is returned when a requested address is excluded, reserved or leased
	ErrAddressUnavailable = errors.New("address unavailable")

	// ErrUnreachable is returned when a router health probe fails beyond the retry budget
	ErrUnreachable = errors.New("router unreachable")

	// ErrNoMaster is returned when a VPC has no router in the MASTER role
	ErrNoMaster = errors.New("no master router")

	// ErrPolicyMismatch is returned when IKE/ESP negotiation fails on policy or PSK
	ErrPolicyMismatch = errors.New("vpn policy mismatch")

	// ErrNegotiationTimeout is returned when a tunnel does not come up in time
	ErrNegotiationTimeout = errors.New("vpn negotiation timeout")

	// ErrACLDenied is returned when an ACL blocks IKE/NAT-T to a VPN endpoint
	ErrACLDenied = errors.New("denied by acl")

	// ErrConfigConflict is returned when an ACL change races a deletion or removes a bound list
	ErrConfigConflict = errors.New("configuration conflict")

	// ErrInvalidArgument is returned for malformed CIDRs, ranges, policies and the like
	ErrInvalidArgument = errors.New("invalid argument")
)

// OpError records the operation and target that failed.
type OpError struct {
	Op     string
	Target string
	Err    error
}

func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err with the operation and target it applies to.
func NewOpError(op, target string, err error) *OpError {
	return &OpError{Op: op, Target: target, Err: err}
}
