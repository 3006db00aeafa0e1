// Package rom holds read-mostly, most-often-used config values: assigned at
// startup and refreshed on config reload so hot paths (dispatch, ring
// buffer polling, session timers) never touch a mutex-guarded Config.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package rom

import "time"

type readMostly struct {
	timeout struct {
		call     time.Duration // Config.CallTimeout
		reliable time.Duration // Config.UDPReliableTimeout
	}
	level, modules int
	debugLevel     int
}

var Rom readMostly

func init() {
	Rom.timeout.call = 30 * time.Second
	Rom.timeout.reliable = 2 * time.Second
}

// Set refreshes the read-mostly snapshot from a freshly (re)loaded config.
// cfg is passed as the individual fields it cares about rather than a
// concrete *config.Config to avoid an import cycle between rom and config.
func Set(callTimeout, reliableTimeout time.Duration, debugLevel, logLevel, logModules int) {
	Rom.timeout.call = callTimeout
	Rom.timeout.reliable = reliableTimeout
	Rom.debugLevel = debugLevel
	Rom.level = logLevel
	Rom.modules = logModules
}

func (rom *readMostly) CallTimeout() time.Duration     { return rom.timeout.call }
func (rom *readMostly) UDPReliableTimeout() time.Duration { return rom.timeout.reliable }
func (rom *readMostly) DebugLevel() int                { return rom.debugLevel }

// FastV reports whether logging at the given verbosity is enabled, either
// because the global level is high enough or because the caller's module
// flag bit is explicitly turned on. Call sites gate expensive wire-trace
// logging on this instead of formatting a message only to discard it.
func (rom *readMostly) FastV(verbosity, fl int) bool {
	return rom.level >= verbosity || rom.modules&fl != 0
}
