// Package acl evaluates ordered network ACL lists and keeps the lists bound
// to networks and public IPs.
package acl

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// Action is the verdict of a rule
type Action int

const (
	Deny Action = iota
	Allow
)

func (a Action) String() string {
	if a == Allow {
		return "Allow"
	}
	return "Deny"
}

// ParseAction accepts Allow/Deny in any case
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	}
	return Deny, fmt.Errorf("%w: action %q", domain.ErrInvalidArgument, s)
}

// Direction is the traffic type a rule applies to
type Direction int

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "Egress"
	}
	return "Ingress"
}

// ParseDirection accepts Ingress/Egress in any case
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "ingress":
		return Ingress, nil
	case "egress":
		return Egress, nil
	}
	return Ingress, fmt.Errorf("%w: traffic type %q", domain.ErrInvalidArgument, s)
}

// Protocol of a rule or packet
type Protocol string

const (
	ProtoAll  Protocol = "all"
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
)

// ParseProtocol accepts protocol names and their IANA numbers
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "any", "-1", "":
		return ProtoAll, nil
	case "tcp", "6":
		return ProtoTCP, nil
	case "udp", "17":
		return ProtoUDP, nil
	case "icmp", "1":
		return ProtoICMP, nil
	}
	return "", fmt.Errorf("%w: protocol %q", domain.ErrInvalidArgument, s)
}

func (p Protocol) hasPorts() bool { return p == ProtoTCP || p == ProtoUDP }

// Rule is a validated ACL entry
type Rule struct {
	ID        int64
	Number    int
	Protocol  Protocol
	Action    Action
	Direction Direction
	StartPort int
	EndPort   int
	CIDRs     []netip.Prefix
}

// Packet is the traffic tuple rules are matched against. Remote is the
// source address for ingress traffic and the destination for egress.
type Packet struct {
	Protocol  Protocol
	Direction Direction
	Port      int
	Remote    netip.Addr
}

// RuleFromDomain validates a stored rule
func RuleFromDomain(r domain.ACLRule) (Rule, error) {
	if r.Number <= 0 {
		return Rule{}, fmt.Errorf("%w: rule number must be positive", domain.ErrInvalidArgument)
	}
	proto, err := ParseProtocol(r.Protocol)
	if err != nil {
		return Rule{}, err
	}
	action, err := ParseAction(r.Action)
	if err != nil {
		return Rule{}, err
	}
	dir, err := ParseDirection(r.TrafficType)
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{ID: r.ID, Number: r.Number, Protocol: proto, Action: action, Direction: dir}
	if proto.hasPorts() {
		if r.StartPort < 0 || r.EndPort > 65535 || r.StartPort > r.EndPort {
			return Rule{}, fmt.Errorf("%w: port range %d-%d", domain.ErrInvalidArgument, r.StartPort, r.EndPort)
		}
		rule.StartPort, rule.EndPort = r.StartPort, r.EndPort
	}

	for _, c := range strings.Split(r.CIDRList, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: cidr %q", domain.ErrInvalidArgument, c)
		}
		rule.CIDRs = append(rule.CIDRs, prefix.Masked())
	}
	return rule, nil
}

// ToDomain converts the rule back to its stored form
func (r Rule) ToDomain(aclID int64) domain.ACLRule {
	cidrs := make([]string, len(r.CIDRs))
	for i, c := range r.CIDRs {
		cidrs[i] = c.String()
	}
	return domain.ACLRule{
		ID:          r.ID,
		ACLID:       aclID,
		Number:      r.Number,
		Protocol:    string(r.Protocol),
		Action:      r.Action.String(),
		TrafficType: r.Direction.String(),
		StartPort:   r.StartPort,
		EndPort:     r.EndPort,
		CIDRList:    strings.Join(cidrs, ","),
	}
}

// Matches reports whether the packet falls under the rule
func (r Rule) Matches(p Packet) bool {
	if r.Direction != p.Direction {
		return false
	}
	if r.Protocol != ProtoAll && r.Protocol != p.Protocol {
		return false
	}
	// 0-0 on a tcp/udp rule means every port
	if r.Protocol.hasPorts() && !(r.StartPort == 0 && r.EndPort == 0) {
		if p.Port < r.StartPort || p.Port > r.EndPort {
			return false
		}
	}
	if len(r.CIDRs) == 0 {
		return true
	}
	for _, c := range r.CIDRs {
		if c.Contains(p.Remote) {
			return true
		}
	}
	return false
}

// List is an immutable, number-ordered rule list. Changes build a new List.
type List struct {
	ID    int64
	Name  string
	Rules []Rule
}

// NewList sorts the rules by number and rejects duplicate numbers
func NewList(id int64, name string, rules []Rule) (*List, error) {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Number == sorted[i-1].Number {
			return nil, fmt.Errorf("%w: duplicate rule number %d", domain.ErrInvalidArgument, sorted[i].Number)
		}
	}
	return &List{ID: id, Name: name, Rules: sorted}, nil
}

// Evaluate returns the verdict of the first matching rule, or Deny with a nil
// rule when nothing matches.
func (l *List) Evaluate(p Packet) (Action, *Rule) {
	for i := range l.Rules {
		if l.Rules[i].Matches(p) {
			return l.Rules[i].Action, &l.Rules[i]
		}
	}
	return Deny, nil
}

func (l *List) with(rule Rule) (*List, error) {
	return NewList(l.ID, l.Name, append(append([]Rule(nil), l.Rules...), rule))
}

func (l *List) without(ruleID int64) (*List, bool) {
	rules := make([]Rule, 0, len(l.Rules))
	found := false
	for _, r := range l.Rules {
		if r.ID == ruleID {
			found = true
			continue
		}
		rules = append(rules, r)
	}
	return &List{ID: l.ID, Name: l.Name, Rules: rules}, found
}
