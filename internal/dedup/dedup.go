// Package dedup rejects duplicate webhook deliveries and remembers which
// business phone each customer last wrote to.
package dedup

import (
	"context"
	"time"
)

// Defaults for the admission cache.
const (
	DefaultTTL           = time.Hour
	DefaultCapacity      = 500
	DefaultAssocCapacity = 10000
	DefaultSweepInterval = 5 * time.Minute
)

// Admission is the outcome of Admit.
type Admission int

const (
	Admitted Admission = iota
	Duplicate
)

func (a Admission) String() string {
	if a == Duplicate {
		return "duplicate"
	}
	return "admitted"
}

// Cache is the admission set plus the customer to business phone association.
type Cache interface {
	// Admit atomically checks and records a message id. An id is a duplicate
	// when present and younger than the TTL.
	Admit(ctx context.Context, messageID string) (Admission, error)
	// Associate records the business phone a customer last wrote to.
	Associate(ctx context.Context, customerPhone, businessPhone string) error
	// LookupBusiness returns the business phone last associated with a customer.
	LookupBusiness(ctx context.Context, customerPhone string) (string, bool, error)
}
