package ipam

import (
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// Pool is the address space of one network. All methods are safe for
// concurrent use; lease bookkeeping is serialized by the pool mutex.
type Pool struct {
	mu sync.Mutex

	networkID  int64
	prefix     netip.Prefix
	gateway    netip.Addr
	exclusions []Range
	leased     map[netip.Addr]int64
}

// NewPool builds a pool for an IPv4 network
func NewPool(networkID int64, cidr, gateway, exclusions string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: network cidr %q", domain.ErrInvalidArgument, cidr)
	}
	prefix = prefix.Masked()

	gw, err := netip.ParseAddr(gateway)
	if err != nil || !prefix.Contains(gw) {
		return nil, fmt.Errorf("%w: gateway %q is not inside %s", domain.ErrInvalidArgument, gateway, prefix)
	}

	ranges, err := ParseExclusionList(exclusions, prefix)
	if err != nil {
		return nil, err
	}

	return &Pool{
		networkID:  networkID,
		prefix:     prefix,
		gateway:    gw,
		exclusions: ranges,
		leased:     make(map[netip.Addr]int64),
	}, nil
}

// Prefix returns the pool CIDR
func (p *Pool) Prefix() netip.Prefix { return p.prefix }

// reserved addresses are never handed out: the network and broadcast
// addresses and the gateway
func (p *Pool) reserved(a netip.Addr) bool {
	if a == p.gateway {
		return true
	}
	if p.prefix.Bits() >= 31 {
		return false
	}
	return a == p.prefix.Addr() || a == lastAddr(p.prefix)
}

func (p *Pool) excluded(a netip.Addr) bool {
	for _, r := range p.exclusions {
		if r.Contains(a) {
			return true
		}
	}
	return false
}

// available must be called with p.mu held
func (p *Pool) available(a netip.Addr) bool {
	if !p.prefix.Contains(a) || p.reserved(a) || p.excluded(a) {
		return false
	}
	_, taken := p.leased[a]
	return !taken
}

// next returns the lowest available address; must be called with p.mu held
func (p *Pool) next() (netip.Addr, bool) {
	last := lastAddr(p.prefix)
	for a := p.prefix.Addr(); ; a = a.Next() {
		if p.available(a) {
			return a, true
		}
		if a == last {
			return netip.Addr{}, false
		}
	}
}

// Leased returns the leased addresses in ascending order
func (p *Pool) Leased() []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := make([]netip.Addr, 0, len(p.leased))
	for a := range p.leased {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	return addrs
}

// Exclusions returns a copy of the current exclusion ranges
func (p *Pool) Exclusions() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Range(nil), p.exclusions...)
}

// Stats summarizes a pool
type Stats struct {
	Total    int `json:"total"`
	Reserved int `json:"reserved"`
	Excluded int `json:"excluded"`
	Leased   int `json:"leased"`
	Free     int `json:"free"`
}

// Stats counts the addresses of the pool by status. A leased address inside
// an exclusion range counts as leased.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats()
}

// stats works from the range sizes so its cost follows the number of leases
// and exclusions, not the size of the prefix.
func (p *Pool) stats() Stats {
	s := Stats{Total: 1 << (32 - p.prefix.Bits()), Leased: len(p.leased)}

	reserved := []netip.Addr{p.gateway}
	if p.prefix.Bits() < 31 {
		reserved = append(reserved, p.prefix.Addr(), lastAddr(p.prefix))
	}
	for _, r := range p.exclusions {
		s.Excluded += r.Size()
	}
	for i, a := range reserved {
		if slices.Contains(reserved[:i], a) {
			continue
		}
		if _, leased := p.leased[a]; leased {
			continue
		}
		s.Reserved++
		if p.excluded(a) {
			s.Excluded--
		}
	}

	inside := 0
	for a := range p.leased {
		if !p.prefix.Contains(a) {
			continue
		}
		inside++
		if p.excluded(a) {
			s.Excluded--
		}
	}
	s.Free = s.Total - s.Reserved - s.Excluded - inside
	return s
}
