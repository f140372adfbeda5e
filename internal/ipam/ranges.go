package ipam

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// Range is an inclusive span of addresses
type Range struct {
	Start netip.Addr
	End   netip.Addr
}

// Contains reports whether addr falls inside the range
func (r Range) Contains(addr netip.Addr) bool {
	return r.Start.Compare(addr) <= 0 && addr.Compare(r.End) <= 0
}

// Size returns the number of addresses in the range
func (r Range) Size() int {
	return int(addrToUint32(r.End)-addrToUint32(r.Start)) + 1
}

func (r Range) String() string {
	if r.Start == r.End {
		return r.Start.String()
	}
	return r.Start.String() + "-" + r.End.String()
}

// ParseRange parses "a-b" or a single address
func ParseRange(item string) (Range, error) {
	startStr, endStr, isRange := strings.Cut(strings.TrimSpace(item), "-")
	start, err := netip.ParseAddr(strings.TrimSpace(startStr))
	if err != nil || !start.Is4() {
		return Range{}, fmt.Errorf("%w: bad range %q", domain.ErrInvalidArgument, item)
	}
	end := start
	if isRange {
		end, err = netip.ParseAddr(strings.TrimSpace(endStr))
		if err != nil || !end.Is4() {
			return Range{}, fmt.Errorf("%w: bad range %q", domain.ErrInvalidArgument, item)
		}
	}
	if end.Less(start) {
		return Range{}, fmt.Errorf("%w: range %q ends before it starts", domain.ErrInvalidArgument, item)
	}
	return Range{Start: start, End: end}, nil
}

// Overlaps reports whether any address of the range is inside prefix
func (r Range) Overlaps(prefix netip.Prefix) bool {
	first := prefix.Masked().Addr()
	return !(r.End.Less(first) || lastAddr(prefix).Less(r.Start))
}

// ParseExclusionList parses the comma separated "a-b,c" exclusion format and
// checks every range against the pool prefix. The result is sorted and merged.
func ParseExclusionList(list string, prefix netip.Prefix) ([]Range, error) {
	var ranges []Range
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		r, err := ParseRange(item)
		if err != nil {
			return nil, err
		}
		if !prefix.Contains(r.Start) || !prefix.Contains(r.End) {
			return nil, fmt.Errorf("%w: exclusion %q is outside %s", domain.ErrInvalidArgument, item, prefix)
		}
		ranges = append(ranges, r)
	}
	return mergeRanges(ranges), nil
}

// FormatExclusionList renders ranges back into the stored list format
func FormatExclusionList(ranges []Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

func mergeRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start.Less(ranges[j].Start) })

	merged := []Range{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start.Compare(last.End.Next()) <= 0 {
			if last.End.Less(r.End) {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToAddr(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

// lastAddr returns the broadcast address of an IPv4 prefix
func lastAddr(p netip.Prefix) netip.Addr {
	hostBits := 32 - p.Bits()
	if hostBits == 0 {
		return p.Addr()
	}
	return uint32ToAddr(addrToUint32(p.Masked().Addr()) | (1<<hostBits - 1))
}
