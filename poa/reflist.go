package poa

import (
	"fmt"
	"sync"
)

// refKey identifies a servant by its owning POA + object id.
type refKey struct {
	PoaIdx   uint16
	ObjectId uint64
}

// ReferenceList is a per-session bag of servants the remote peer holds,
// bounded by maxRefs. Adds bump the servant's refcount via its owning POA;
// removal (on ReleaseObject or session close) decrements it, potentially
// triggering a Transient POA's Deactivate.
type ReferenceList struct {
	mu      sync.Mutex
	maxRefs int
	held    map[refKey]*POA
}

func NewReferenceList(maxRefs int) *ReferenceList {
	return &ReferenceList{maxRefs: maxRefs, held: make(map[refKey]*POA)}
}

// Add registers that the peer now holds a reference to (owning, objectId).
// Exceeding the cap returns an error and the reference is not recorded; the
// router logs that error and sends no reply, since AddReference never
// replies.
func (rl *ReferenceList) Add(owning *POA, objectId uint64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.held) >= rl.maxRefs {
		return fmt.Errorf("poa: reference list full (max %d)", rl.maxRefs)
	}
	k := refKey{PoaIdx: owning.PoaIdx, ObjectId: objectId}
	if _, dup := rl.held[k]; dup {
		return nil
	}
	if err := owning.AddRef(objectId); err != nil {
		return err
	}
	rl.held[k] = owning
	return nil
}

// Remove releases the peer's hold on (poaIdx, objectId); a miss is a no-op.
func (rl *ReferenceList) Remove(poaIdx uint16, objectId uint64) error {
	rl.mu.Lock()
	k := refKey{PoaIdx: poaIdx, ObjectId: objectId}
	owning, ok := rl.held[k]
	if ok {
		delete(rl.held, k)
	}
	rl.mu.Unlock()
	if !ok {
		return nil
	}
	return owning.RemoveRef(objectId)
}

// Close releases every reference still held, as happens on session
// teardown; it may trigger destruction of Transient-POA objects the peer
// never explicitly released.
func (rl *ReferenceList) Close() {
	rl.mu.Lock()
	held := rl.held
	rl.held = make(map[refKey]*POA)
	rl.mu.Unlock()

	for k, owning := range held {
		_ = owning.RemoveRef(k.ObjectId)
	}
}

func (rl *ReferenceList) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.held)
}
