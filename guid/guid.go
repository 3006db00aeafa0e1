// Package guid generates and compares the process-wide and per-object
// identifiers the runtime hands out for sessions, shared-memory channels
// and proxy same-host detection.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package guid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// Alphabet for generating ids similar to shortid.DEFAULT_ABC; shortid
// requires exactly 64 distinct characters.
const abc = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9

var (
	once sync.Once
	sid  *shortid.Shortid

	// process is this process's origin GUID, generated once at startup;
	// IsLocalOrigin compares a target object's origin GUID against this value
	// to decide whether the object lives in the same process.
	process [16]byte
)

func init() {
	if _, err := rand.Read(process[:]); err != nil {
		panic("guid: failed to seed process origin: " + err.Error())
	}
}

func ensureSid() {
	once.Do(func() {
		var seed uint64
		if err := binary.Read(rand.Reader, binary.LittleEndian, &seed); err != nil {
			seed = 0xA5A5A5A5A5A5A5A5
		}
		sid = shortid.MustNew(1, abc, seed)
	})
}

// New returns a short, URL-safe unique id.
func New() string {
	ensureSid()
	id, err := sid.Generate()
	if err != nil {
		// extremely unlikely: fall back to a hash of random bytes
		var b [16]byte
		rand.Read(b[:])
		return fmt.Sprintf("%x", xxhash.Checksum64(b[:]))
	}
	return id
}

// Process returns this process's 16-byte origin GUID.
func Process() [16]byte { return process }

// IsLocalOrigin reports whether origin matches this process's own GUID,
// i.e. whether an object carrying that origin lives in this process.
func IsLocalOrigin(origin [16]byte) bool { return origin == process }

// ProcessHex renders the process origin GUID as a 32-character hex string,
// the form ParseOrigin accepts.
func ProcessHex() string { return fmt.Sprintf("%x", process[:]) }

// ParseOrigin parses a hex-encoded 32-character origin GUID as exchanged on
// the wire back into its 16-byte form.
func ParseOrigin(hexStr string) (origin [16]byte, err error) {
	if len(hexStr) != 32 {
		return origin, fmt.Errorf("guid: invalid origin length %d", len(hexStr))
	}
	var b [16]byte
	for i := 0; i < 16; i++ {
		var v byte
		_, err = fmt.Sscanf(hexStr[i*2:i*2+2], "%02x", &v)
		if err != nil {
			return origin, err
		}
		b[i] = v
	}
	return b, nil
}
