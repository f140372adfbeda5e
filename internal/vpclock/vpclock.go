// Package vpclock serializes state changes per VPC.
package vpclock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Table hands out one lock per VPC ID. Entries are dropped once nobody holds
// or waits for them.
type Table struct {
	mu    sync.Mutex
	locks map[int64]*entry
}

// New creates an empty lock table
func New() *Table {
	return &Table{locks: make(map[int64]*entry)}
}

func (t *Table) acquire(vpcID int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[vpcID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		t.locks[vpcID] = e
	}
	e.refs++
	return e
}

func (t *Table) release(vpcID int64, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, vpcID)
	}
}

// Lock blocks until the VPC lock is held or ctx is done. The returned func
// releases the lock.
func (t *Table) Lock(ctx context.Context, vpcID int64) (func(), error) {
	e := t.acquire(vpcID)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		t.release(vpcID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.release(vpcID, e)
		})
	}, nil
}

// TryLock takes the VPC lock only if it is free
func (t *Table) TryLock(vpcID int64) (func(), bool) {
	e := t.acquire(vpcID)
	select {
	case e.ch <- struct{}{}:
	default:
		t.release(vpcID, e)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.release(vpcID, e)
		})
	}, true
}

func (t *Table) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
