package model

import (
	"regexp"

	"github.com/google/uuid"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,64}$`)

// CheckEntityID reports whether id is a valid entity identifier.
func CheckEntityID(id string) bool {
	return idRegex.MatchString(id)
}

// EntityKind identifies the domain record type.
type EntityKind string

const (
	KindCalendar EntityKind = "calendar"
	KindEvent    EntityKind = "event"
)

// RelationField names an independently sourced relation attached to an entity.
type RelationField string

const (
	RelationTags      RelationField = "tags"
	RelationAttendees RelationField = "attendees"
	RelationEvents    RelationField = "events"
)

// KindSpec describes an entity kind: which relation fields it carries.
// The engine is generic over kinds; this descriptor is the only per-kind
// knowledge it needs.
type KindSpec struct {
	Kind      EntityKind
	Relations []RelationField
}

var kindSpecs = map[EntityKind]KindSpec{
	KindCalendar: {Kind: KindCalendar, Relations: []RelationField{RelationTags, RelationEvents}},
	KindEvent:    {Kind: KindEvent, Relations: []RelationField{RelationTags, RelationAttendees}},
}

// SpecFor returns the KindSpec for the given kind.
func SpecFor(kind EntityKind) (KindSpec, bool) {
	s, ok := kindSpecs[kind]
	return s, ok
}

// Key identifies an entity by its author and entity ID.
type Key struct {
	AuthorID string `json:"authorId"`
	EntityID string `json:"entityId"`
}

func (k Key) IsZero() bool {
	return k.AuthorID == "" && k.EntityID == ""
}

func (k Key) String() string {
	return k.AuthorID + "/" + k.EntityID
}

// Entity is a domain record (calendar or event).
//
//	"Sequence" is the monotonic version counter assigned at write time.
//	"UpdatedAt" is the last-modified timestamp in Unix milliseconds.
//	Core fields (title, description, start/end, ...) ride in "Data".
type Entity struct {
	AuthorID  string         `json:"authorId"`
	ID        string         `json:"id"`
	Kind      EntityKind     `json:"kind"`
	Sequence  int64          `json:"sequence"`
	UpdatedAt int64          `json:"updatedAt"`
	Data      map[string]any `json:"data,omitempty"`
}

// Key returns the identifying key of the entity.
func (e *Entity) Key() Key {
	return Key{AuthorID: e.AuthorID, EntityID: e.ID}
}

// Version returns the entity's version pair.
func (e *Entity) Version() Version {
	if e == nil {
		return Version{}
	}
	return Version{Sequence: e.Sequence, UpdatedAt: e.UpdatedAt}
}

// GenerateIDIfEmpty assigns a fresh UUID when the entity has no ID yet.
func (e *Entity) GenerateIDIfEmpty() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// Relations holds the independently sourced relation lists of an entity.
// A nil slice means "unknown"; an empty non-nil slice is an explicit
// replacement. Which fields apply depends on the entity kind.
type Relations struct {
	Tags      []string `json:"tags,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
	Events    []string `json:"events,omitempty"`
}

// Clone returns a deep copy of the relations.
func (r Relations) Clone() Relations {
	return Relations{
		Tags:      cloneStrings(r.Tags),
		Attendees: cloneStrings(r.Attendees),
		Events:    cloneStrings(r.Events),
	}
}

// IsEmpty reports whether no relation list is known.
func (r Relations) IsEmpty() bool {
	return r.Tags == nil && r.Attendees == nil && r.Events == nil
}

// MergeOver returns r layered over prior: fields supplied by r replace the
// prior ones, fields r does not carry are preserved from prior. Known
// relation lists are never dropped by data that does not supply them.
func (r Relations) MergeOver(prior Relations) Relations {
	out := prior.Clone()
	if r.Tags != nil {
		out.Tags = cloneStrings(r.Tags)
	}
	if r.Attendees != nil {
		out.Attendees = cloneStrings(r.Attendees)
	}
	if r.Events != nil {
		out.Events = cloneStrings(r.Events)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Source records where a cached value came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// SyncMeta describes the provenance and confirmation state of a cached
// entity. Zero values mean "absent": PendingSeq == 0 means no local write
// is outstanding, SyncedAt == 0 means the indexer has not been confirmed
// to reflect the pending write.
type SyncMeta struct {
	Source     Source `json:"source"`
	PendingSeq int64  `json:"pendingSeq,omitempty"`
	SyncedAt   int64  `json:"syncedAt,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Confirmed reports whether the cached value is known to be reflected by
// the remote indexer.
func (m SyncMeta) Confirmed() bool {
	return m.Source == SourceRemote || m.SyncedAt != 0
}

// Record is the unit stored in the cache: entity details, their relation
// lists, and the sync metadata.
type Record struct {
	Details   Entity    `json:"details"`
	Relations Relations `json:"relations"`
	Meta      SyncMeta  `json:"syncMeta"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Details:   *r.Details.Clone(),
		Relations: r.Relations.Clone(),
		Meta:      r.Meta,
	}
}
