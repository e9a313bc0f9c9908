package bson

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is the 12-byte unique document identifier: a 4-byte big-endian
// unix timestamp, a 5-byte per-process random value and a 3-byte
// monotonically increasing counter.
type ObjectID [12]byte

var (
	oidProcess [5]byte
	oidCounter atomic.Uint32
)

func init() {
	if _, err := rand.Read(oidProcess[:]); err != nil {
		panic(fmt.Sprintf("bson: cannot seed objectid process value: %v", err))
	}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("bson: cannot seed objectid counter: %v", err))
	}
	oidCounter.Store(binary.BigEndian.Uint32(seed[:]))
}

// NewObjectID returns a fresh identifier for the current time.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], oidProcess[:])
	c := oidCounter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// ObjectIDFromHex parses a 24-character hexadecimal representation.
func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, fmt.Errorf("invalid objectid %q: must be 24 hex characters", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid objectid %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the canonical 24-character lowercase representation.
func (id ObjectID) Hex() string { return hex.EncodeToString(id[:]) }

// Timestamp returns the creation time encoded in the identifier.
func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0).UTC()
}

func (id ObjectID) String() string { return id.Hex() }
