package vpn

import (
	"fmt"
	"strings"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

var (
	ciphers  = map[string]bool{"3des": true, "aes128": true, "aes192": true, "aes256": true}
	hashes   = map[string]bool{"md5": true, "sha1": true, "sha256": true, "sha384": true, "sha512": true}
	dhGroups = map[string]bool{
		"modp1024": true, "modp1536": true, "modp2048": true, "modp3072": true,
		"modp4096": true, "modp6144": true, "modp8192": true,
	}
)

// Policy is an IKE or ESP policy in "<cipher>-<hash>[;<dhgroup>]" form
type Policy struct {
	Cipher  string
	Hash    string
	DHGroup string // empty when no PFS group is set
}

// ParsePolicy validates a policy string such as "aes256-sha1;modp1536"
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	suite, group, _ := strings.Cut(s, ";")
	cipher, hash, ok := strings.Cut(suite, "-")
	if !ok {
		return Policy{}, fmt.Errorf("%w: policy %q is not <cipher>-<hash>[;<dhgroup>]", domain.ErrInvalidArgument, s)
	}
	if !ciphers[cipher] {
		return Policy{}, fmt.Errorf("%w: unsupported cipher %q", domain.ErrInvalidArgument, cipher)
	}
	if !hashes[hash] {
		return Policy{}, fmt.Errorf("%w: unsupported hash %q", domain.ErrInvalidArgument, hash)
	}
	if group != "" && !dhGroups[group] {
		return Policy{}, fmt.Errorf("%w: unsupported dh group %q", domain.ErrInvalidArgument, group)
	}
	return Policy{Cipher: cipher, Hash: hash, DHGroup: group}, nil
}

// Proposal renders the policy as a strongSwan proposal
func (p Policy) Proposal() string {
	parts := []string{p.Cipher, p.Hash}
	if p.DHGroup != "" {
		parts = append(parts, p.DHGroup)
	}
	return strings.Join(parts, "-")
}

func (p Policy) String() string {
	if p.DHGroup == "" {
		return p.Cipher + "-" + p.Hash
	}
	return p.Cipher + "-" + p.Hash + ";" + p.DHGroup
}
