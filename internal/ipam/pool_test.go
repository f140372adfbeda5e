package ipam

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// walkStats classifies every address of the pool one by one
func walkStats(p *Pool) Stats {
	s := Stats{Total: 1 << (32 - p.prefix.Bits()), Leased: len(p.leased)}
	last := lastAddr(p.prefix)
	for a := p.prefix.Addr(); ; a = a.Next() {
		_, leased := p.leased[a]
		switch {
		case leased:
		case p.reserved(a):
			s.Reserved++
		case p.excluded(a):
			s.Excluded++
		default:
			s.Free++
		}
		if a == last {
			break
		}
	}
	return s
}

func TestPool_Stats(t *testing.T) {
	tests := []struct {
		name       string
		cidr       string
		gateway    string
		exclusions string
		leased     []string
		want       Stats
	}{
		{
			name:    "empty /29",
			cidr:    "10.1.2.0/29",
			gateway: "10.1.2.1",
			want:    Stats{Total: 8, Reserved: 3, Free: 5},
		},
		{
			name:       "gateway inside an exclusion",
			cidr:       "10.1.2.0/28",
			gateway:    "10.1.2.1",
			exclusions: "10.1.2.0-10.1.2.4",
			want:       Stats{Total: 16, Reserved: 3, Excluded: 3, Free: 10},
		},
		{
			name:       "lease kept inside a widened exclusion",
			cidr:       "10.1.2.0/28",
			gateway:    "10.1.2.1",
			exclusions: "10.1.2.2-10.1.2.5,10.1.2.15",
			leased:     []string{"10.1.2.3", "10.1.2.9"},
			want:       Stats{Total: 16, Reserved: 3, Excluded: 3, Leased: 2, Free: 8},
		},
		{
			name:    "point to point",
			cidr:    "10.1.2.0/31",
			gateway: "10.1.2.0",
			leased:  []string{"10.1.2.1"},
			want:    Stats{Total: 2, Reserved: 1, Leased: 1},
		},
		{
			name:    "single address",
			cidr:    "10.1.2.5/32",
			gateway: "10.1.2.5",
			want:    Stats{Total: 1, Reserved: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPool(1, tt.cidr, tt.gateway, tt.exclusions)
			require.NoError(t, err)
			for i, a := range tt.leased {
				p.leased[netip.MustParseAddr(a)] = int64(i + 1)
			}
			assert.Equal(t, tt.want, p.Stats())
			assert.Equal(t, walkStats(p), p.Stats())
		})
	}
}

func TestPool_StatsLargePrefix(t *testing.T) {
	p, err := NewPool(1, "10.0.0.0/8", "10.0.0.1", "10.0.0.1-10.0.0.255,10.255.255.0-10.255.255.255")
	require.NoError(t, err)
	p.leased[netip.MustParseAddr("10.0.0.10")] = 1
	p.leased[netip.MustParseAddr("10.1.0.1")] = 2

	// network and broadcast sit outside and inside an exclusion; the
	// gateway and one lease are inside one
	want := Stats{
		Total:    1 << 24,
		Reserved: 3,
		Excluded: 255 + 256 - 1 - 1 - 1,
		Leased:   2,
	}
	want.Free = want.Total - want.Reserved - want.Excluded - want.Leased
	assert.Equal(t, want, p.Stats())
}
