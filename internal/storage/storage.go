// Package storage defines the persistence interface (C3): principals,
// collections, entities, instances, tombstones, and the derived indexes
// that accelerate the query engine. Two backends implement it —
// internal/storage/postgres and internal/storage/sqlite.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/samber/mo"
)

// Sentinel domain errors. internal/protocol maps these to HTTP statuses
// and precondition elements rather than parsing error strings.
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrPreconditionFailed  = errors.New("storage: precondition failed")
	ErrUIDConflict         = errors.New("storage: uid already exists in collection")
	ErrSlugConflict        = errors.New("storage: slug already exists in collection")
	ErrWrongCollectionKind = errors.New("storage: content kind does not match collection kind")
)

// PrincipalKind is the closed set of addressable subject kinds.
type PrincipalKind string

const (
	PrincipalUser     PrincipalKind = "user"
	PrincipalGroup    PrincipalKind = "group"
	PrincipalSystem   PrincipalKind = "system"
	PrincipalPublic   PrincipalKind = "public"
	PrincipalResource PrincipalKind = "resource"
)

// Principal is an addressable subject. Never hard-deleted, only soft-deleted.
type Principal struct {
	ID          string
	Kind        PrincipalKind
	Slug        string
	DisplayName string
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CollectionKind distinguishes a plain WebDAV collection from a calendar
// or addressbook collection.
type CollectionKind string

const (
	CollectionPlain       CollectionKind = "plain"
	CollectionCalendar    CollectionKind = "calendar"
	CollectionAddressbook CollectionKind = "addressbook"
)

// Collection is a container for DAV resources.
type Collection struct {
	ID               string
	OwnerPrincipalID string
	Kind             CollectionKind
	Slug             string
	DisplayName      string
	Description      string
	TimeZoneID       string   // calendar only
	SupportedComps   []string // calendar only, subset of VEVENT/VTODO/VJOURNAL
	ParentID         string
	SyncToken        int64
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntityKind distinguishes the two content families an Entity may hold.
type EntityKind string

const (
	EntityICalendar EntityKind = "icalendar"
	EntityVCard     EntityKind = "vcard"
)

// Entity is canonical, content-addressable content, potentially shared by
// more than one Instance (e.g. after COPY).
type Entity struct {
	ID           string
	Kind         EntityKind
	UID          string // the logical UID property inside the content
	CanonicalRaw []byte
	RefCount     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Instance is a resource identity within a collection pointing at an entity.
type Instance struct {
	ID           string
	CollectionID string
	EntityID     string
	Slug         string
	ContentType  string
	ETag         string
	SyncRevision int64
	LastModified time.Time
	Deleted      bool
}

// Tombstone records the deletion of an instance for sync replay.
type Tombstone struct {
	ID                string
	CollectionID      string
	URIUUID           string
	URISlug           string
	SyncTokenAtDelete int64
	SyncRevision      int64
	LastETag          string
	LogicalUID        string
	DeletedAt         time.Time
}

// CalendarIndexRow is the derived search accelerator for a single component.
type CalendarIndexRow struct {
	EntityID     string
	ComponentID  string
	Component    string // VEVENT/VTODO/VJOURNAL/VFREEBUSY
	UID          string
	StartUTC     *time.Time
	EndUTC       *time.Time
	AllDay       bool
	Sequence     int
	RRuleText    string
	MetadataJSON string // summary/location/organizer/attendees, flexible blob
}

// OccurrenceRow is a precomputed expansion row for a recurring component.
type OccurrenceRow struct {
	EntityID        string
	ComponentID     string
	StartUTC        time.Time
	EndUTC          time.Time
	RecurrenceIDUTC *time.Time
}

// CardIndexRow is the derived search accelerator for a vCard entity.
type CardIndexRow struct {
	EntityID     string
	FN           string
	SearchVector string
	MetadataJSON string // family/given/org/emails/phones, flexible blob
}

// Preconditions carries the conditional-request fields relevant to a
// storage write, evaluated atomically with the write itself.
type Preconditions struct {
	IfMatch     string // empty = not asserted
	IfNoneMatch string // "*" = fail if the resource exists; empty = not asserted
}

// PutOutcome reports whether put_instance created a new instance or
// replaced an existing one.
type PutOutcome string

const (
	PutCreated PutOutcome = "created"
	PutUpdated PutOutcome = "updated"
)

// PutResult is the atomic result of put_instance.
type PutResult struct {
	Instance *Instance
	ETag     string
	Outcome  PutOutcome
}

// Depth mirrors the WebDAV Depth header for list_members.
type Depth int

const (
	DepthZero Depth = iota
	DepthOne
	DepthInfinity
)

// ChangeKind distinguishes a sync-collection change row: either a live
// instance update or a tombstoned deletion.
type ChangeKind string

const (
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one row of a sync-collection diff.
type Change struct {
	Kind      ChangeKind
	Instance  *Instance  // set when Kind == ChangeUpdated
	Tombstone *Tombstone // set when Kind == ChangeDeleted
}

// AuthorizationPolicy is one grant: subject SubjectPrincipalID may exercise
// Privilege (and everything below it in the authz partial order) against
// CollectionID. SubjectPrincipalID may name a real Principal (including the
// PrincipalPublic row, shared with every subject) or a PrincipalGroup.
type AuthorizationPolicy struct {
	ID                 string
	CollectionID       string
	SubjectPrincipalID string
	Privilege          string
	CreatedAt          time.Time
}

// DeadProperty is a client-supplied property PROPPATCH set on a collection
// or instance, stored verbatim and replayed back on PROPFIND. ResourceID is
// a Collection.ID or Instance.ID; the two id spaces never collide.
type DeadProperty struct {
	ResourceID string
	Namespace  string
	Name       string
	ValueXML   string // the property element's inner XML, opaque to storage
	UpdatedAt  time.Time
}

// Store is the C3 storage interface. Methods that can fail with a
// domain-meaningful condition return one of the sentinel errors above
// (wrapped with context via %w) rather than an ad-hoc string, so callers
// in internal/protocol can map errors to HTTP statuses without parsing
// messages.
type Store interface {
	Close() error

	// Principals
	CreatePrincipal(ctx context.Context, p Principal) (*Principal, error)
	GetPrincipal(ctx context.Context, id string) (mo.Option[*Principal], error)
	GetPrincipalBySlug(ctx context.Context, kind PrincipalKind, slug string) (mo.Option[*Principal], error)
	SoftDeletePrincipal(ctx context.Context, id string) error

	// Collections
	CreateCollection(ctx context.Context, owner string, kind CollectionKind, slug string, opts Collection) (*Collection, error)
	GetCollection(ctx context.Context, id string) (mo.Option[*Collection], error)
	GetCollectionByPath(ctx context.Context, ownerSlug, collectionSlug string) (mo.Option[*Collection], error)
	ListCollectionsByOwner(ctx context.Context, ownerID string) ([]*Collection, error)
	UpdateCollection(ctx context.Context, id string, displayName, description *string) error
	SoftDeleteCollection(ctx context.Context, id string) error
	BumpSyncToken(ctx context.Context, collectionID string) (int64, error)

	// Entities + instances
	GetInstance(ctx context.Context, collectionID, slug string) (mo.Option[*Instance], error)
	GetEntity(ctx context.Context, entityID string) (mo.Option[*Entity], error)
	ListMembers(ctx context.Context, collectionID string, depth Depth) ([]*Instance, error)
	PutInstance(ctx context.Context, collectionID, slug string, raw []byte, contentType string, pre Preconditions) mo.Result[*PutResult]
	DeleteInstance(ctx context.Context, collectionID, slug string, pre Preconditions) mo.Result[*Tombstone]
	MoveInstance(ctx context.Context, srcCollectionID, srcSlug, dstCollectionID, dstSlug string, overwrite bool, pre Preconditions) mo.Result[*Instance]
	CopyInstance(ctx context.Context, srcCollectionID, srcSlug, dstCollectionID, dstSlug string, overwrite bool, pre Preconditions) mo.Result[*Instance]
	GarbageCollectEntities(ctx context.Context) (int, error)

	// Derived indexes (query engine read path, recurrence engine write path)
	UpsertCalendarIndex(ctx context.Context, rows []CalendarIndexRow) error
	ListCalendarIndex(ctx context.Context, collectionID string) ([]CalendarIndexRow, error)
	UpsertOccurrences(ctx context.Context, rows []OccurrenceRow) error
	ListOccurrences(ctx context.Context, entityID string, start, end time.Time) ([]OccurrenceRow, error)
	DeleteOccurrences(ctx context.Context, entityID string) error
	UpsertCardIndex(ctx context.Context, row CardIndexRow) error
	ListCardIndex(ctx context.Context, collectionID string) ([]CardIndexRow, error)

	// Dead properties (C8 passthrough)
	ListDeadProperties(ctx context.Context, resourceID string) ([]DeadProperty, error)
	SetDeadProperty(ctx context.Context, p DeadProperty) error
	RemoveDeadProperty(ctx context.Context, resourceID, namespace, name string) error

	// Authorization policies (C9 authorizer)
	ListAuthorizationPolicies(ctx context.Context, collectionID string) ([]AuthorizationPolicy, error)
	PutAuthorizationPolicy(ctx context.Context, p AuthorizationPolicy) error
	DeleteAuthorizationPolicy(ctx context.Context, id string) error

	// Sync engine (C6)
	ListChangesSince(ctx context.Context, collectionID string, sinceToken int64, limit int) (changes []Change, newToken int64, truncated bool, err error)
	PruneTombstonesOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	OldestValidSyncToken(ctx context.Context, collectionID string) (int64, error)
}
