// Package poa implements the Portable Object Adapter: the container
// mapping (poa_idx, object_id) to a servant, with system- and user-id
// allocation policies, guarded lookup, and deferred destruction while any
// ObjectGuard is live.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package poa

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nikitapn/nprpc-sub000/cmn/debug"
	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
	"github.com/nikitapn/nprpc-sub000/flat"
)

// Servant is application code that implements a generated dispatch method.
type Servant interface {
	GetClass() string
	Dispatch(functionIdx uint8, rx, tx *flat.Buffer) error
}

// UntrustedServant is implemented by generated servant code for interfaces
// flagged untrusted in the IDL: CallFields returns the argument struct's
// fixed size and per-field descriptors for functionIdx so the router's
// safety-check pass can bounds-check rx before Dispatch ever sees it. ok is
// false for a functionIdx the interface doesn't recognize (handled the same
// as an unimplemented method: the servant's own Dispatch returns an error).
type UntrustedServant interface {
	Servant
	CallFields(functionIdx uint8) (structSize int, fields []flat.FieldDescriptor, ok bool)
}

// ActivationFlags bitmask records which transports an object was activated
// on, constraining which sessions may legally invoke it.
type ActivationFlags uint32

const (
	ActivateTCP ActivationFlags = 1 << iota
	ActivateWS
	ActivateWSS
	ActivateUDP
	ActivateQuic
	ActivateSHM
	SessionSpecific // object usable only via the session that activated it
)

type Lifespan uint8

const (
	Transient Lifespan = iota
	Persistent
)

type IdPolicy uint8

const (
	SystemGenerated IdPolicy = iota
	UserSupplied
)

// ErrCapacityExceeded is returned by Activate when the POA's slot table is
// full (SystemGenerated) or the caller-supplied id is out of range
// (UserSupplied); a caller-supplied id that is already taken gets a
// separate "already active" error.
var ErrCapacityExceeded = fmt.Errorf("poa: object capacity exceeded")

// ErrNotFound is returned by Get when the slot is empty or tombstoned.
var ErrNotFound = fmt.Errorf("poa: object not found")

type slot struct {
	mu              sync.Mutex
	servant         Servant
	occupied        bool
	toDelete        atomic.Bool
	inUse           atomic.Int64
	refCount        atomic.Int64
	activatedAt     time.Time
	activationFlags ActivationFlags
	origin          [16]byte
	urlList         string
	// ctx is the session the object was activated on, opaque to poa to
	// avoid an import cycle; only meaningful when SessionSpecific is set.
	ctx any
}

// POA is named by PoaIdx (0 .. max_poas-1 in the owning Rpc's table) and
// owns one fixed-size object slot table.
type POA struct {
	PoaIdx     uint16
	MaxObjects int
	Lifespan   Lifespan
	IdPolicy   IdPolicy

	mu        sync.Mutex // guards slots and freeList; every lookup takes it
	slots     []*slot
	freeList  []int // SystemGenerated: stack of free indices
}

func New(poaIdx uint16, maxObjects int, lifespan Lifespan, idPolicy IdPolicy) *POA {
	p := &POA{
		PoaIdx:     poaIdx,
		MaxObjects: maxObjects,
		Lifespan:   lifespan,
		IdPolicy:   idPolicy,
		slots:      make([]*slot, maxObjects),
	}
	if idPolicy == SystemGenerated {
		p.freeList = make([]int, maxObjects)
		for i := range p.freeList {
			p.freeList[i] = maxObjects - 1 - i
		}
	}
	return p
}

// Activate binds servant into a slot, choosing an id from the free-list
// (SystemGenerated) or using requestedId (UserSupplied). originGUID is the
// process's own origin GUID, stamped on the object so peers can later test
// same-host eligibility for the mem:// transport.
func (p *POA) Activate(servant Servant, flags ActivationFlags, originGUID [16]byte, requestedId uint64, ctx any) (objectId uint64, err error) {
	switch p.IdPolicy {
	case SystemGenerated:
		objectId, err = p.allocSystemId()
	case UserSupplied:
		objectId = requestedId
		if objectId >= uint64(p.MaxObjects) {
			return 0, ErrCapacityExceeded
		}
	}
	if err != nil {
		return 0, err
	}

	s := &slot{
		servant:         servant,
		occupied:        true,
		activatedAt:     time.Now(),
		activationFlags: flags,
		origin:          originGUID,
	}
	if flags&SessionSpecific != 0 {
		s.ctx = ctx
	}

	p.mu.Lock()
	if p.IdPolicy == UserSupplied && p.slots[objectId] != nil && p.slots[objectId].occupied {
		p.mu.Unlock()
		return 0, fmt.Errorf("poa: object id %d already active", objectId)
	}
	p.slots[objectId] = s
	p.mu.Unlock()

	debug.Assert(s.occupied)
	return objectId, nil
}

func (p *POA) allocSystemId() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeList) == 0 {
		return 0, ErrCapacityExceeded
	}
	id := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	return uint64(id), nil
}

func (p *POA) freeSystemId(id uint64) {
	debug.Assert(p.IdPolicy == SystemGenerated)
	p.mu.Lock()
	p.freeList = append(p.freeList, int(id))
	p.mu.Unlock()
}

// Guard is the RAII-style handle returned by Get: it bumps the slot's
// in-use count on construction and must be released exactly once. A
// servant cannot be destroyed while any Guard referencing its slot is
// live — Deactivate only frees the slot once the in-use count drops to 0.
type Guard struct {
	poa  *POA
	slot *slot
	id   uint64
}

// Servant returns the guarded servant.
func (g *Guard) Servant() Servant { return g.slot.servant }

// Release decrements the in-use count; if the slot was marked to_delete and
// this was the last guard, the slot is freed now.
func (g *Guard) Release() {
	left := g.slot.inUse.Add(-1)
	if left == 0 && g.slot.toDelete.Load() {
		g.poa.finishDeactivate(g.id, g.slot)
	}
}

// Get resolves objectId to a live, non-tombstoned servant, returning a
// Guard that defers destruction until released.
func (p *POA) Get(objectId uint64) (*Guard, error) {
	if objectId >= uint64(len(p.slots)) {
		return nil, ErrNotFound
	}
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return nil, ErrNotFound
	}
	if s.toDelete.Load() {
		return nil, ErrNotFound
	}
	s.inUse.Add(1)
	// re-check after bumping in_use: a racing Deactivate between the load
	// above and this Add could have set to_delete; if so, back out.
	if s.toDelete.Load() {
		left := s.inUse.Add(-1)
		if left == 0 {
			p.finishDeactivate(objectId, s)
		}
		return nil, ErrNotFound
	}
	return &Guard{poa: p, slot: s, id: objectId}, nil
}

// Deactivate marks objectId to_delete; if no Guard is outstanding the slot
// is freed immediately, otherwise the last Guard.Release does it.
func (p *POA) Deactivate(objectId uint64) error {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return ErrNotFound
	}
	if !s.toDelete.CompareAndSwap(false, true) {
		return nil // already being torn down
	}
	if s.inUse.Load() == 0 {
		p.finishDeactivate(objectId, s)
	}
	return nil
}

func (p *POA) finishDeactivate(objectId uint64, s *slot) {
	p.mu.Lock()
	if p.slots[objectId] == s {
		p.slots[objectId] = nil
	}
	p.mu.Unlock()
	if p.IdPolicy == SystemGenerated {
		p.freeSystemId(objectId)
	}
	nlog.Infof("poa[%d]: deactivated object %d (class=%s)", p.PoaIdx, objectId, s.servant.GetClass())
}

// URLList returns the semicolon-terminated url list stamped on the object
// at activation time.
func (p *POA) URLList(objectId uint64) (string, error) {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return "", ErrNotFound
	}
	return s.urlList, nil
}

// SetURLList installs the url list built by the caller from activation
// flags + configured listen addresses (poa itself has no transport/config
// knowledge, so Rpc.Activate builds the string and stores it here).
func (p *POA) SetURLList(objectId uint64, urls string) {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s != nil {
		s.urlList = urls
	}
}

// Origin returns the origin GUID stamped on objectId at activation.
func (p *POA) Origin(objectId uint64) ([16]byte, error) {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return [16]byte{}, ErrNotFound
	}
	return s.origin, nil
}

// Flags returns the activation flags stamped on objectId.
func (p *POA) Flags(objectId uint64) (ActivationFlags, error) {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return 0, ErrNotFound
	}
	return s.activationFlags, nil
}

// AddRef/RemoveRef implement the server-side half of distributed reference
// counting for objects this process owns: peers' AddReference/ReleaseObject
// messages bump/decrement the stamped servant's refcount directly.
func (p *POA) AddRef(objectId uint64) error {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return ErrNotFound
	}
	s.refCount.Add(1)
	return nil
}

func (p *POA) RemoveRef(objectId uint64) error {
	p.mu.Lock()
	s := p.slots[objectId]
	p.mu.Unlock()
	if s == nil || !s.occupied {
		return ErrNotFound
	}
	if s.refCount.Add(-1) <= 0 && p.Lifespan == Transient {
		return p.Deactivate(objectId)
	}
	return nil
}
