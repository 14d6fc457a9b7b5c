package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity prefixes keep identifiers self-describing in logs and audit rows.
const (
	Account      = "acc"
	Organization = "org"
	Store        = "sto"
	Session      = "ses"
	LoginAttempt = "att"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier with the given entity
// prefix, e.g. "ses_01J9Z...". An empty prefix yields a bare ULID.
func New(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	entropyMu.Unlock()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Kind reports the entity prefix of an identifier produced by New.
func Kind(id string) string {
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return ""
	}
	return prefix
}
