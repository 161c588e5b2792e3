package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity prefixes keep identifiers self-describing in logs and API payloads.
const (
	WalletPrefix      = "wal"
	TransactionPrefix = "txn"
	TransferPrefix    = "trf"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewWithPrefix returns a prefixed identifier, e.g. "wal_01J...".
func NewWithPrefix(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

// NewWallet, NewTransaction and NewTransfer mint identifiers for the entity
// kinds the ledger persists or correlates.
func NewWallet() string      { return NewWithPrefix(WalletPrefix) }
func NewTransaction() string { return NewWithPrefix(TransactionPrefix) }
func NewTransfer() string    { return NewWithPrefix(TransferPrefix) }

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
