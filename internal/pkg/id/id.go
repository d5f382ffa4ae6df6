package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/portal-sync/internal/domain"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New generates a new ULID string. ULIDs are lexicographically sortable
// by creation time.
func New() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewTemp returns a client-side placeholder id for an unconfirmed entity.
// Ids generated within the same millisecond still sort in creation order.
func NewTemp() domain.ID {
	mu.Lock()
	defer mu.Unlock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return domain.ID(domain.TempIDPrefix + u.String())
}
