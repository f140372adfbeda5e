package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/vpcd/internal/domain"
)

// ACLRepository persists ACL lists and their rules
type ACLRepository interface {
	Repository[domain.ACLList, int64]
	FindRules(ctx context.Context, aclID int64) ([]domain.ACLRule, error)
	SaveRule(ctx context.Context, rule domain.ACLRule) (domain.ACLRule, error)
	DeleteRule(ctx context.Context, aclID, ruleID int64) error
}

type aclRepositoryImpl struct {
	db *sql.DB
}

// NewACLRepository creates a new ACL repository
func NewACLRepository(db *sql.DB) ACLRepository {
	return &aclRepositoryImpl{db: db}
}

const (
	aclListColumns = "id, vpc_id, name, description"
	aclRuleColumns = "id, acl_id, number, protocol, action, traffic_type, start_port, end_port, cidr_list"
)

func scanACLList(s scanner) (domain.ACLList, error) {
	var l domain.ACLList
	var vpcID sql.NullInt64
	if err := s.Scan(&l.ID, &vpcID, &l.Name, &l.Description); err != nil {
		return domain.ACLList{}, err
	}
	l.VPCID = int64Ptr(vpcID)
	return l, nil
}

func scanACLRule(s scanner) (domain.ACLRule, error) {
	var r domain.ACLRule
	err := s.Scan(&r.ID, &r.ACLID, &r.Number, &r.Protocol, &r.Action, &r.TrafficType, &r.StartPort, &r.EndPort, &r.CIDRList)
	return r, err
}

// Save creates or updates an ACL list
func (r *aclRepositoryImpl) Save(ctx context.Context, l domain.ACLList) (domain.ACLList, error) {
	if l.Name == "" {
		return domain.ACLList{}, invalid("acl name is required")
	}

	if l.ID == 0 {
		res, err := r.db.ExecContext(ctx,
			"INSERT INTO acl_lists (vpc_id, name, description) VALUES (?, ?, ?)",
			nullInt64(l.VPCID), l.Name, l.Description)
		if err != nil {
			return domain.ACLList{}, translate(err, fmt.Sprintf("failed to create acl %q", l.Name))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.ACLList{}, fmt.Errorf("failed to get acl ID: %w", err)
		}
		l.ID = id
		return l, nil
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE acl_lists SET vpc_id = ?, name = ?, description = ? WHERE id = ?",
		nullInt64(l.VPCID), l.Name, l.Description, l.ID)
	if err != nil {
		return domain.ACLList{}, translate(err, fmt.Sprintf("failed to update acl %d", l.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("acl %d", l.ID)); err != nil {
		return domain.ACLList{}, err
	}
	return l, nil
}

// FindByID finds an ACL list by ID
func (r *aclRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.ACLList, error) {
	l, err := scanACLList(r.db.QueryRowContext(ctx, "SELECT "+aclListColumns+" FROM acl_lists WHERE id = ?", id))
	if err != nil {
		return domain.ACLList{}, translate(err, fmt.Sprintf("acl %d", id))
	}
	return l, nil
}

// FindAll finds all ACL lists, built-in lists first
func (r *aclRepositoryImpl) FindAll(ctx context.Context) ([]domain.ACLList, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+aclListColumns+" FROM acl_lists ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to find acl lists: %w", err)
	}
	defer rows.Close()

	var lists []domain.ACLList
	for rows.Next() {
		l, err := scanACLList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan acl list: %w", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// FindRules returns the rules of a list ordered by rule number
func (r *aclRepositoryImpl) FindRules(ctx context.Context, aclID int64) ([]domain.ACLRule, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+aclRuleColumns+" FROM acl_rules WHERE acl_id = ? ORDER BY number", aclID)
	if err != nil {
		return nil, fmt.Errorf("failed to find acl rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.ACLRule
	for rows.Next() {
		rule, err := scanACLRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan acl rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveRule creates or updates a rule. Rule numbers are unique per list.
func (r *aclRepositoryImpl) SaveRule(ctx context.Context, rule domain.ACLRule) (domain.ACLRule, error) {
	if rule.ACLID == 0 {
		return domain.ACLRule{}, invalid("acl rule list is required")
	}
	if rule.Number <= 0 {
		return domain.ACLRule{}, invalid("acl rule number must be positive")
	}

	if rule.ID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO acl_rules (acl_id, number, protocol, action, traffic_type, start_port, end_port, cidr_list)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ACLID, rule.Number, rule.Protocol, rule.Action, rule.TrafficType, rule.StartPort, rule.EndPort, rule.CIDRList)
		if err != nil {
			return domain.ACLRule{}, translate(err, fmt.Sprintf("failed to create rule %d", rule.Number))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return domain.ACLRule{}, fmt.Errorf("failed to get acl rule ID: %w", err)
		}
		rule.ID = id
		return rule, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE acl_rules SET number = ?, protocol = ?, action = ?, traffic_type = ?, start_port = ?, end_port = ?, cidr_list = ?
		WHERE id = ? AND acl_id = ?`,
		rule.Number, rule.Protocol, rule.Action, rule.TrafficType, rule.StartPort, rule.EndPort, rule.CIDRList, rule.ID, rule.ACLID)
	if err != nil {
		return domain.ACLRule{}, translate(err, fmt.Sprintf("failed to update rule %d", rule.ID))
	}
	if err := checkAffected(res, fmt.Sprintf("acl rule %d", rule.ID)); err != nil {
		return domain.ACLRule{}, err
	}
	return rule, nil
}

// DeleteRule removes a rule from a list
func (r *aclRepositoryImpl) DeleteRule(ctx context.Context, aclID, ruleID int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM acl_rules WHERE id = ? AND acl_id = ?", ruleID, aclID)
	if err != nil {
		return fmt.Errorf("failed to delete acl rule: %w", err)
	}
	return checkAffected(res, fmt.Sprintf("acl rule %d", ruleID))
}

// DeleteByID deletes an ACL list and its rules
func (r *aclRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM acl_lists WHERE id = ?", id)
	if err != nil {
		return translate(err, "failed to delete acl list")
	}
	return checkAffected(res, fmt.Sprintf("acl %d", id))
}

// ExistsByID checks if an ACL list exists by ID
func (r *aclRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM acl_lists WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check acl existence: %w", err)
	}
	return count > 0, nil
}
