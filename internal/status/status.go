// Package status decides whether a cached resource is ready, in flight,
// stale, failed or absent.
package status

import (
	"fmt"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

// Status is one of Unavailable, Processing, Expired, Failed or Cached.
// The set is closed; use Visit to branch on it.
type Status interface {
	isStatus()
	String() string
}

// Unavailable means no Info Document exists yet.
type Unavailable struct{}

// Processing means a build for the requested fingerprint is in flight.
type Processing struct {
	Generating model.Generating
}

// Expired means the cached data is older than its expiration or the
// upstream copy.
type Expired struct {
	Reason string
}

// Failed means the last fill of the resource failed.
type Failed struct {
	Err         *model.BuildError
	RetrievedAt time.Time
}

// Cached means the resource is stored, fresh and not building the
// requested fingerprint. The artifact itself may still be absent.
type Cached struct{}

func (Unavailable) isStatus() {}
func (Processing) isStatus()  {}
func (Expired) isStatus()     {}
func (Failed) isStatus()      {}
func (Cached) isStatus()      {}

func (Unavailable) String() string { return "Unavailable" }
func (Processing) String() string  { return "Processing" }
func (Expired) String() string     { return "Expired" }
func (Failed) String() string      { return "Failed" }
func (Cached) String() string      { return "Cached" }

// Visitor handles every status. Adding a status breaks every visitor at
// compile time.
type Visitor[T any] interface {
	Unavailable(Unavailable) T
	Processing(Processing) T
	Expired(Expired) T
	Failed(Failed) T
	Cached(Cached) T
}

// Visit calls the method of v matching the variant of s. It panics on a
// Status defined outside this package.
func Visit[T any](s Status, v Visitor[T]) T {
	switch x := s.(type) {
	case Unavailable:
		return v.Unavailable(x)
	case Processing:
		return v.Processing(x)
	case Expired:
		return v.Expired(x)
	case Failed:
		return v.Failed(x)
	case Cached:
		return v.Cached(x)
	default:
		panic(fmt.Sprintf("status: unknown variant %T", s))
	}
}
