// Package hk provides a mechanism for registering cleanup/maintenance
// functions invoked at specified intervals; the runtime uses it for
// idle-stream teardown.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nikitapn/nprpc-sub000/cmn/debug"
	"github.com/nikitapn/nprpc-sub000/cmn/nlog"
)

const NameSuffix = ".hk"

const (
	// UnregInterval, returned from a callback, deregisters it.
	UnregInterval = time.Duration(0)

	PruneActiveIval = 10 * time.Second
	DayInterval     = 24 * time.Hour
)

// Func is a housekeeping callback. The returned duration becomes the next
// interval; returning UnregInterval deregisters the callback.
type Func func() time.Duration

type request struct {
	f        Func
	name     string
	interval time.Duration
	ts       time.Time
	register bool
}

type timedAction struct {
	f    Func
	name string
	ts   time.Time
}

type timedActions []timedAction

func (tw timedActions) Len() int            { return len(tw) }
func (tw timedActions) Less(i, j int) bool  { return tw[i].ts.Before(tw[j].ts) }
func (tw timedActions) Swap(i, j int)       { tw[i], tw[j] = tw[j], tw[i] }
func (tw *timedActions) Push(x any)         { *tw = append(*tw, x.(timedAction)) }
func (tw *timedActions) Pop() any {
	old := *tw
	n := len(old)
	item := old[n-1]
	*tw = old[:n-1]
	return item
}

// Housekeeper runs the registered periodic callbacks on a single goroutine;
// the callback heap is ordered by next-fire time.
type Housekeeper struct {
	workCh   chan request
	actions  timedActions
	names    map[string]struct{}
	mu       sync.Mutex
	started  chan struct{}
	startedO sync.Once
	stopCh   chan struct{}
}

var DefaultHK = New()

func New() *Housekeeper {
	return &Housekeeper{
		workCh:  make(chan request, 64),
		names:   make(map[string]struct{}),
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Reg registers f to run every interval, starting after interval elapses.
// Re-registering an existing name replaces its schedule.
func Reg(name string, f Func, interval time.Duration) { DefaultHK.Reg(name, f, interval) }
func Unreg(name string)                                { DefaultHK.Unreg(name) }
func UnregIf(name string, f Func)                      { DefaultHK.UnregIf(name, f) }

func (hk *Housekeeper) Reg(name string, f Func, interval time.Duration) {
	hk.workCh <- request{f: f, name: name, interval: interval, register: true}
}

func (hk *Housekeeper) Unreg(name string) {
	hk.workCh <- request{name: name, register: false}
}

// UnregIf unregisters name. f is not compared against the registered
// callback, so this behaves exactly like Unreg.
func (hk *Housekeeper) UnregIf(name string, _ Func) {
	hk.Unreg(name)
}

func (hk *Housekeeper) WaitStarted() { <-hk.started }

func (hk *Housekeeper) Stop() { close(hk.stopCh) }

// Run is the housekeeper's main loop; start it with `go hk.DefaultHK.Run()`.
func (hk *Housekeeper) Run() {
	hk.startedO.Do(func() { close(hk.started) })
	heap.Init(&hk.actions)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wait time.Duration
		if len(hk.actions) > 0 {
			wait = time.Until(hk.actions[0].ts)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-hk.stopCh:
			return
		case req := <-hk.workCh:
			timer.Stop()
			hk.handle(req)
		case <-timer.C:
			hk.fire()
		}
	}
}

func (hk *Housekeeper) handle(req request) {
	if _, ok := hk.names[req.name]; ok {
		hk.removeByName(req.name)
		delete(hk.names, req.name)
	}
	if !req.register {
		return
	}
	ta := timedAction{f: req.f, name: req.name, ts: time.Now().Add(req.interval)}
	heap.Push(&hk.actions, ta)
	hk.names[req.name] = struct{}{}
}

func (hk *Housekeeper) removeByName(name string) {
	for i := range hk.actions {
		if hk.actions[i].name == name {
			heap.Remove(&hk.actions, i)
			return
		}
	}
}

func (hk *Housekeeper) fire() {
	now := time.Now()
	for len(hk.actions) > 0 && !hk.actions[0].ts.After(now) {
		ta := heap.Pop(&hk.actions).(timedAction)
		delete(hk.names, ta.name)
		d := hk.safeCall(ta)
		if d > 0 {
			next := timedAction{f: ta.f, name: ta.name, ts: now.Add(d)}
			heap.Push(&hk.actions, next)
			hk.names[ta.name] = struct{}{}
		}
	}
}

func (hk *Housekeeper) safeCall(ta timedAction) (d time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: %q callback panicked: %v", ta.name, r)
			d = UnregInterval
		}
	}()
	debug.Assert(ta.f != nil)
	return ta.f()
}

// TestInit resets DefaultHK for test isolation.
func TestInit() { DefaultHK = New() }
