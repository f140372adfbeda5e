package acl

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// ImportFile is the YAML document read by `vpcd acl import`:
//
//	lists:
//	  - name: web
//	    vpc: vpc1
//	    rules:
//	      - {number: 10, protocol: tcp, action: Allow, traffic_type: Ingress, start_port: 22, end_port: 22, cidr_list: 0.0.0.0/0}
type ImportFile struct {
	Lists []ImportList `yaml:"lists"`
}

// ImportList is one list of an import file. VPC names the owning VPC and may
// be empty.
type ImportList struct {
	Name        string       `yaml:"name"`
	VPC         string       `yaml:"vpc"`
	Description string       `yaml:"description"`
	Rules       []ImportRule `yaml:"rules"`
}

type ImportRule struct {
	Number      int    `yaml:"number"`
	Protocol    string `yaml:"protocol"`
	Action      string `yaml:"action"`
	TrafficType string `yaml:"traffic_type"`
	StartPort   int    `yaml:"start_port"`
	EndPort     int    `yaml:"end_port"`
	CIDRList    string `yaml:"cidr_list"`
}

func (r ImportRule) toDomain() domain.ACLRule {
	return domain.ACLRule{
		Number:      r.Number,
		Protocol:    r.Protocol,
		Action:      r.Action,
		TrafficType: r.TrafficType,
		StartPort:   r.StartPort,
		EndPort:     r.EndPort,
		CIDRList:    r.CIDRList,
	}
}

// ParseImport decodes an import file and validates every rule before
// anything is written.
func ParseImport(data []byte) (ImportFile, error) {
	var f ImportFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return ImportFile{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	var errs []error
	for _, l := range f.Lists {
		if l.Name == "" {
			errs = append(errs, fmt.Errorf("%w: list without a name", domain.ErrInvalidArgument))
			continue
		}
		rules := make([]Rule, 0, len(l.Rules))
		for _, r := range l.Rules {
			rule, err := RuleFromDomain(r.toDomain())
			if err != nil {
				errs = append(errs, fmt.Errorf("list %q rule %d: %w", l.Name, r.Number, err))
				continue
			}
			rules = append(rules, rule)
		}
		if _, err := NewList(0, l.Name, rules); err != nil {
			errs = append(errs, fmt.Errorf("list %q: %w", l.Name, err))
		}
	}
	if len(errs) > 0 {
		return ImportFile{}, errors.Join(errs...)
	}
	return f, nil
}

// Import creates the lists of an import file. resolveVPC maps VPC names to
// IDs. Lists created before a failure are kept.
func (e *Engine) Import(ctx context.Context, f ImportFile, resolveVPC func(ctx context.Context, name string) (int64, error)) ([]*List, error) {
	created := make([]*List, 0, len(f.Lists))
	for _, l := range f.Lists {
		var vpcID *int64
		if l.VPC != "" {
			id, err := resolveVPC(ctx, l.VPC)
			if err != nil {
				return created, fmt.Errorf("list %q: %w", l.Name, err)
			}
			vpcID = &id
		}

		list, err := e.CreateList(ctx, vpcID, l.Name, l.Description)
		if err != nil {
			return created, fmt.Errorf("list %q: %w", l.Name, err)
		}
		for _, r := range l.Rules {
			if _, err := e.AddRule(ctx, list.ID, r.toDomain()); err != nil {
				return created, fmt.Errorf("list %q rule %d: %w", l.Name, r.Number, err)
			}
		}
		if list, err = e.List(list.ID); err != nil {
			return created, err
		}
		created = append(created, list)
		log.WithFields(log.Fields{"acl": list.ID, "name": list.Name, "rules": len(list.Rules)}).Info("Imported ACL list")
	}
	return created, nil
}
