// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Identity addresses one cacheable dataset on an upstream instance.
type Identity struct {
	Host  string
	Item  string
	Layer int
}

// Table is the metadata key for the identity, "<item>_<layer>".
func (id Identity) Table() string {
	return id.Item + "_" + strconv.Itoa(id.Layer)
}

func (id Identity) String() string {
	return id.Host + "/" + id.Table()
}

// Fingerprint identifies one variant artifact of a resource.
type Fingerprint string

// Query carries the request-shaping parameters that feed the fingerprint.
type Query struct {
	Format    string
	Where     string
	Geometry  string
	Fields    []string
	Precision int
	Scheme    string
	Options   map[string]string
}

// Filtered reports whether the query narrows the dataset.
func (q Query) Filtered() bool {
	return strings.TrimSpace(q.Where) != "" || strings.TrimSpace(q.Geometry) != ""
}

type CacheStatus string

const (
	CacheNone   CacheStatus = ""
	CacheCached CacheStatus = "Cached"
	CacheFailed CacheStatus = "Failed"
)

type SubStatus string

const (
	SubNone     SubStatus = ""
	SubQueued   SubStatus = "queued"
	SubStart    SubStatus = "start"
	SubProgress SubStatus = "progress"
	SubFail     SubStatus = "fail"
	SubFinished SubStatus = "finished"
)

// InFlight is true for queued, start and progress.
func (s SubStatus) InFlight() bool {
	switch s {
	case SubQueued, SubStart, SubProgress:
		return true
	default:
		return false
	}
}

const GeohashProcessing = "Processing"

// Generating is the per-fingerprint build sub-status.
type Generating struct {
	Status    SubStatus `json:"status"`
	Kind      TaskKind  `json:"kind,omitempty"`
	Format    string    `json:"format,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Digest    string    `json:"digest,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// InfoDocument is the persisted metadata record for one Identity.
type InfoDocument struct {
	Status        CacheStatus                `json:"status,omitempty"`
	Type          string                     `json:"type,omitempty"`
	Name          string                     `json:"name,omitempty"`
	RetrievedAt   time.Time                  `json:"retrieved_at"`
	ExpiresAt     *time.Time                 `json:"expires_at,omitempty"`
	Modified      time.Time                  `json:"modified"`
	Generating    map[Fingerprint]Generating `json:"generating,omitempty"`
	Error         *BuildError                `json:"error,omitempty"`
	GeohashStatus string                     `json:"geohashStatus,omitempty"`
}

// Sub returns the generating entry for fp; a nil document or map reads as empty.
func (d *InfoDocument) Sub(fp Fingerprint) (Generating, bool) {
	if d == nil || d.Generating == nil {
		return Generating{}, false
	}
	g, ok := d.Generating[fp]
	return g, ok
}

// InfoPatch is a partial update. Nil fields are left untouched.
type InfoPatch struct {
	Status        *CacheStatus
	Type          *string
	Name          *string
	RetrievedAt   *time.Time
	ExpiresAt     *time.Time
	Modified      *time.Time
	Error         *BuildError
	ClearError    bool
	GeohashStatus *string
}

func Ptr[T any](v T) *T { return &v }

type TaskKind string

const (
	KindExport  TaskKind = "export"
	KindCopy    TaskKind = "copy"
	KindGeohash TaskKind = "geohash"
	KindCache   TaskKind = "cache"
)

// TaskDescriptor is the unit handed to the lock manager and build queue.
type TaskDescriptor struct {
	Identity    Identity
	Fingerprint Fingerprint
	Kind        TaskKind
}

type TaskHash string

// Record is one feature pulled from the upstream.
type Record struct {
	ID         string          `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}
