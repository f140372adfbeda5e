package acl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vpcd/internal/domain"
	"github.com/jbweber/homelab/vpcd/internal/metrics"
	"github.com/jbweber/homelab/vpcd/internal/migrations"
	"github.com/jbweber/homelab/vpcd/internal/repository"
)

// TargetKind tells what an ACL list is bound to
type TargetKind int

const (
	PublicIPTarget TargetKind = iota
	NetworkTarget
)

func (k TargetKind) String() string {
	if k == NetworkTarget {
		return "network"
	}
	return "public_ip"
}

// Target is a network or public IP an ACL list can be bound to
type Target struct {
	Kind TargetKind
	ID   int64
}

func (t Target) String() string { return fmt.Sprintf("%s %d", t.Kind, t.ID) }

// Binding associates a target with a list at load time
type Binding struct {
	Target Target
	ListID int64
}

// ListStore persists lists and rules. repository.ACLRepository satisfies it.
type ListStore interface {
	FindAll(ctx context.Context) ([]domain.ACLList, error)
	FindRules(ctx context.Context, aclID int64) ([]domain.ACLRule, error)
	Save(ctx context.Context, l domain.ACLList) (domain.ACLList, error)
	SaveRule(ctx context.Context, rule domain.ACLRule) (domain.ACLRule, error)
	DeleteRule(ctx context.Context, aclID, ruleID int64) error
	DeleteByID(ctx context.Context, id int64) error
}

// Binder persists a binding on a target. The network and public IP
// repositories satisfy it.
type Binder interface {
	SetACL(ctx context.Context, id int64, aclID *int64) error
	FindVPCID(ctx context.Context, id int64) (int64, error)
}

// builtin lists cannot be edited or deleted
var builtin = map[int64]bool{
	migrations.DefaultAllowACLID: true,
	migrations.DefaultDenyACLID:  true,
}

// handle is the mutable identity of a list; its snapshot is swapped whole on
// every rule change.
type handle struct {
	mu      sync.Mutex
	id      int64
	vpcID   *int64
	snap    atomic.Pointer[List]
	refs    int
	deleted bool
}

// binding holds the list currently in effect on a target
type binding struct {
	mu   sync.Mutex
	list atomic.Pointer[handle]
}

// Engine evaluates traffic against the list bound to each target. Evaluation
// is lock free; replacing a binding is serialized per target.
type Engine struct {
	store   ListStore
	binders map[TargetKind]Binder

	mu       sync.RWMutex
	lists    map[int64]*handle
	bindings map[Target]*binding
}

// NewEngine creates an engine writing through to the given stores
func NewEngine(store ListStore, networks, publicIPs Binder) *Engine {
	return &Engine{
		store:    store,
		binders:  map[TargetKind]Binder{NetworkTarget: networks, PublicIPTarget: publicIPs},
		lists:    make(map[int64]*handle),
		bindings: make(map[Target]*binding),
	}
}

// Load replaces the in-memory state with the stored lists and the given bindings
func (e *Engine) Load(ctx context.Context, bound []Binding) error {
	stored, err := e.store.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load acl lists: %w", err)
	}

	lists := make(map[int64]*handle, len(stored))
	for _, l := range stored {
		rows, err := e.store.FindRules(ctx, l.ID)
		if err != nil {
			return fmt.Errorf("failed to load rules of acl %d: %w", l.ID, err)
		}
		rules := make([]Rule, 0, len(rows))
		for _, row := range rows {
			rule, err := RuleFromDomain(row)
			if err != nil {
				return fmt.Errorf("acl %d rule %d: %w", l.ID, row.Number, err)
			}
			rules = append(rules, rule)
		}
		list, err := NewList(l.ID, l.Name, rules)
		if err != nil {
			return fmt.Errorf("acl %d: %w", l.ID, err)
		}
		h := &handle{id: l.ID, vpcID: l.VPCID}
		h.snap.Store(list)
		lists[l.ID] = h
	}

	bindings := make(map[Target]*binding, len(bound))
	for _, b := range bound {
		h, ok := lists[b.ListID]
		if !ok {
			return fmt.Errorf("%s is bound to unknown acl %d", b.Target, b.ListID)
		}
		h.refs++
		nb := &binding{}
		nb.list.Store(h)
		bindings[b.Target] = nb
	}

	e.mu.Lock()
	e.lists = lists
	e.bindings = bindings
	e.mu.Unlock()

	log.WithFields(log.Fields{"lists": len(lists), "bindings": len(bindings)}).Info("Loaded ACL state")
	return nil
}

func (e *Engine) handle(id int64) (*handle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.lists[id]
	if !ok {
		return nil, fmt.Errorf("acl %d: %w", id, repository.ErrNotFound)
	}
	return h, nil
}

func (e *Engine) binding(t Target, create bool) *binding {
	e.mu.RLock()
	b, ok := e.bindings[t]
	e.mu.RUnlock()
	if ok || !create {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.bindings[t]; !ok {
		b = &binding{}
		e.bindings[t] = b
	}
	return b
}

// CreateList creates an empty list
func (e *Engine) CreateList(ctx context.Context, vpcID *int64, name, description string) (*List, error) {
	saved, err := e.store.Save(ctx, domain.ACLList{VPCID: vpcID, Name: name, Description: description})
	if err != nil {
		return nil, err
	}
	list := &List{ID: saved.ID, Name: saved.Name}
	h := &handle{id: saved.ID, vpcID: vpcID}
	h.snap.Store(list)

	e.mu.Lock()
	e.lists[saved.ID] = h
	e.mu.Unlock()

	log.WithFields(log.Fields{"acl": saved.ID, "name": name}).Info("Created ACL list")
	return list, nil
}

// List returns the current snapshot of a list
func (e *Engine) List(id int64) (*List, error) {
	h, err := e.handle(id)
	if err != nil {
		return nil, err
	}
	return h.snap.Load(), nil
}

// Lists returns the current snapshots of every list ordered by ID
func (e *Engine) Lists() []*List {
	e.mu.RLock()
	out := make([]*List, 0, len(e.lists))
	for _, h := range e.lists {
		out = append(out, h.snap.Load())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// editable locks the handle and checks it may change; the caller unlocks
func (e *Engine) editable(listID int64, op string) (*handle, error) {
	h, err := e.handle(listID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.deleted || builtin[listID] {
		h.mu.Unlock()
		return nil, domain.NewOpError(op, fmt.Sprintf("acl %d", listID), domain.ErrConfigConflict)
	}
	return h, nil
}

// AddRule adds a rule to a list. Every target bound to the list sees the new
// rule set at once.
func (e *Engine) AddRule(ctx context.Context, listID int64, r domain.ACLRule) (Rule, error) {
	r.ACLID = listID
	rule, err := RuleFromDomain(r)
	if err != nil {
		return Rule{}, err
	}

	h, err := e.editable(listID, "add rule")
	if err != nil {
		return Rule{}, err
	}
	defer h.mu.Unlock()

	// validate the new snapshot before persisting
	if _, err := h.snap.Load().with(rule); err != nil {
		return Rule{}, err
	}
	saved, err := e.store.SaveRule(ctx, rule.ToDomain(listID))
	if err != nil {
		return Rule{}, err
	}
	rule.ID = saved.ID

	next, err := h.snap.Load().with(rule)
	if err != nil {
		return Rule{}, err
	}
	h.snap.Store(next)

	log.WithFields(log.Fields{"acl": listID, "rule": rule.Number}).Info("Added ACL rule")
	return rule, nil
}

// RemoveRule deletes a rule from a list
func (e *Engine) RemoveRule(ctx context.Context, listID, ruleID int64) error {
	h, err := e.editable(listID, "remove rule")
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	next, found := h.snap.Load().without(ruleID)
	if !found {
		return fmt.Errorf("acl %d rule %d: %w", listID, ruleID, repository.ErrNotFound)
	}
	if err := e.store.DeleteRule(ctx, listID, ruleID); err != nil {
		return err
	}
	h.snap.Store(next)
	return nil
}

// DeleteList deletes a list. Deleting a list that is still bound to a target
// fails with ErrConfigConflict.
func (e *Engine) DeleteList(ctx context.Context, listID int64) error {
	h, err := e.editable(listID, "delete acl")
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if h.refs > 0 {
		return domain.NewOpError("delete acl", fmt.Sprintf("acl %d", listID),
			fmt.Errorf("%w: bound to %d targets", domain.ErrConfigConflict, h.refs))
	}

	h.deleted = true
	if err := e.store.DeleteByID(ctx, listID); err != nil {
		h.deleted = false
		return err
	}

	e.mu.Lock()
	delete(e.lists, listID)
	e.mu.Unlock()

	log.WithField("acl", listID).Info("Deleted ACL list")
	return nil
}

// ForgetVPC drops the lists owned by a VPC whose rows were removed along with
// the VPC. Targets still bound to one of them keep evaluating its last
// snapshot until they are unbound.
func (e *Engine) ForgetVPC(vpcID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int
	for id, h := range e.lists {
		if h.vpcID == nil || *h.vpcID != vpcID {
			continue
		}
		h.mu.Lock()
		h.deleted = true
		h.mu.Unlock()
		delete(e.lists, id)
		n++
	}
	if n > 0 {
		log.WithFields(log.Fields{"vpc": vpcID, "lists": n}).Info("Forgot ACL lists of deleted VPC")
	}
	return n
}

// Replace atomically swaps the list in effect on a target. Concurrent
// evaluations observe either the previous list or the new one, never a mix.
func (e *Engine) Replace(ctx context.Context, t Target, listID int64) error {
	binder, ok := e.binders[t.Kind]
	if !ok || binder == nil {
		return fmt.Errorf("%w: target kind %s", domain.ErrInvalidArgument, t.Kind)
	}

	h, err := e.handle(listID)
	if err != nil {
		return err
	}
	if err := e.sameVPC(ctx, binder, t, h); err != nil {
		return err
	}

	b := e.binding(t, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return domain.NewOpError("replace acl", t.String(), fmt.Errorf("%w: acl %d is deleted", domain.ErrConfigConflict, listID))
	}
	h.refs++
	h.mu.Unlock()

	if err := binder.SetACL(ctx, t.ID, &listID); err != nil {
		h.mu.Lock()
		h.refs--
		h.mu.Unlock()
		return fmt.Errorf("failed to bind acl %d to %s: %w", listID, t, err)
	}

	if old := b.list.Swap(h); old != nil {
		old.mu.Lock()
		old.refs--
		old.mu.Unlock()
	}

	log.WithFields(log.Fields{"target": t.String(), "acl": listID}).Info("Replaced ACL list")
	return nil
}

// sameVPC rejects binding a VPC-owned list to a target of another VPC.
// Built-in lists have no VPC and bind anywhere.
func (e *Engine) sameVPC(ctx context.Context, binder Binder, t Target, h *handle) error {
	if h.vpcID == nil {
		return nil
	}
	vpcID, err := binder.FindVPCID(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve vpc of %s: %w", t, err)
	}
	if vpcID != *h.vpcID {
		return domain.NewOpError("replace acl", t.String(),
			fmt.Errorf("%w: acl %d belongs to vpc %d, target to vpc %d", domain.ErrConfigConflict, h.id, *h.vpcID, vpcID))
	}
	return nil
}

// CheckVPCDeletable fails with ErrConfigConflict when a list owned by the VPC
// is bound to a target outside it; deleting the VPC would orphan that binding.
func (e *Engine) CheckVPCDeletable(ctx context.Context, vpcID int64) error {
	var owned []Target
	e.mu.RLock()
	for t, b := range e.bindings {
		if h := b.list.Load(); h != nil && h.vpcID != nil && *h.vpcID == vpcID {
			owned = append(owned, t)
		}
	}
	e.mu.RUnlock()

	for _, t := range owned {
		binder := e.binders[t.Kind]
		if binder == nil {
			continue
		}
		targetVPC, err := binder.FindVPCID(ctx, t.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return err
		}
		if targetVPC != vpcID {
			return domain.NewOpError("delete vpc", fmt.Sprintf("vpc %d", vpcID),
				fmt.Errorf("%w: its acl is bound to %s of vpc %d", domain.ErrConfigConflict, t, targetVPC))
		}
	}
	return nil
}

// ApplyToNetwork binds a list to a network tier. Bindings on the public IPs
// of the VPC are unaffected.
func (e *Engine) ApplyToNetwork(ctx context.Context, networkID, listID int64) error {
	return e.Replace(ctx, Target{Kind: NetworkTarget, ID: networkID}, listID)
}

// Unbind removes the list bound to a target
func (e *Engine) Unbind(ctx context.Context, t Target) error {
	b := e.binding(t, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := e.binders[t.Kind].SetACL(ctx, t.ID, nil); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to unbind acl from %s: %w", t, err)
	}
	if old := b.list.Swap(nil); old != nil {
		old.mu.Lock()
		old.refs--
		old.mu.Unlock()
	}
	return nil
}

// Bound returns the list in effect on a target
func (e *Engine) Bound(t Target) (*List, bool) {
	b := e.binding(t, false)
	if b == nil {
		return nil, false
	}
	h := b.list.Load()
	if h == nil {
		return nil, false
	}
	return h.snap.Load(), true
}

// Evaluate decides a packet against the list bound to the target. A target
// with no list bound denies everything; bound reports which case applied.
func (e *Engine) Evaluate(t Target, p Packet) (verdict Action, bound bool) {
	list, ok := e.Bound(t)
	if !ok {
		verdict = Deny
	} else {
		verdict, _ = list.Evaluate(p)
	}
	metrics.ACLEvaluations.WithLabelValues(t.Kind.String(), verdict.String()).Inc()
	return verdict, ok
}
