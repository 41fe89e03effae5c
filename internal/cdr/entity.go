package cdr

import (
	"time"

	"github.com/google/uuid"
)

// Class identifies the kind of entity a record represents.
type Class string

const (
	ClassPatient      Class = "PATIENT"
	ClassPerson       Class = "PERSON"
	ClassProvider     Class = "PROVIDER"
	ClassOrganization Class = "ORGANIZATION"
	ClassPlace        Class = "PLACE"
)

// VersionInfo carries the identity and version bookkeeping shared by every
// versioned record. Key identifies the logical record; VersionKey identifies
// one version of it; Sequence increases monotonically per Key.
type VersionInfo struct {
	Key        uuid.UUID `json:"key"`
	VersionKey uuid.UUID `json:"versionKey"`
	Sequence   int       `json:"sequence"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	CreatedBy  string    `json:"createdBy,omitempty"`
}

// Version returns the record's version bookkeeping. Embedding VersionInfo
// gives every model type this accessor, which is what the repositories key on.
func (v *VersionInfo) Version() *VersionInfo {
	return v
}

// Versioned is satisfied by any record that embeds VersionInfo.
type Versioned interface {
	Version() *VersionInfo
}

// Name is one naming of an entity, decomposed into components.
type Name struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Address is a physical address decomposed into components.
type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// Identifier is a business identifier issued by an assigning authority.
type Identifier struct {
	Authority string `json:"authority"` // authority domain name, see AuthorityRegistry
	Value     string `json:"value"`
	Use       string `json:"use,omitempty"`
}

// Telecom is a telecommunications address (phone, email, ...).
type Telecom struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// RelationshipType classifies an entity-to-entity relationship.
type RelationshipType string

const (
	RelationshipPatient     RelationshipType = "PATIENT"    // related person -> their patient
	RelationshipBirthplace  RelationshipType = "BIRTHPLACE" // person -> place of birth
	RelationshipEmployer    RelationshipType = "EMPLOYER"
	RelationshipParent      RelationshipType = "PARENT"
	RelationshipServiceSite RelationshipType = "SERVICE_SITE"
)

// Relationship links this entity to another by key.
type Relationship struct {
	Type      RelationshipType `json:"type"`
	TargetKey uuid.UUID        `json:"targetKey"`
	Role      CodedValue       `json:"role,omitempty"` // e.g. relationship kind for related persons
}

// TaggedValue attaches URI-keyed auxiliary data to a record without the
// repository knowing its semantics. The FHIR extension pipeline reads and
// writes these.
type TaggedValue struct {
	URI   string `json:"uri"`
	Value any    `json:"value"`
}

// Entity is a person, patient, provider, organization, or place. Person-kind
// fields are populated only when Class warrants them.
type Entity struct {
	VersionInfo
	Class         Class          `json:"class"`
	Names         []Name         `json:"names,omitempty"`
	Addresses     []Address      `json:"addresses,omitempty"`
	Identifiers   []Identifier   `json:"identifiers,omitempty"`
	Telecoms      []Telecom      `json:"telecoms,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Tags          []TaggedValue  `json:"tags,omitempty"`

	// Person-kind fields.
	Gender    string `json:"gender,omitempty"`
	BirthDate Date   `json:"birthDate,omitempty"`
	Deceased  bool   `json:"deceased,omitempty"`

	// Place/organization-kind fields.
	TypeCode CodedValue `json:"typeCode,omitempty"`
}

// Tag returns the tagged value for a URI, if present.
func (e *Entity) Tag(uri string) (any, bool) {
	for _, t := range e.Tags {
		if t.URI == uri {
			return t.Value, true
		}
	}
	return nil, false
}

// SetTag replaces or appends the tagged value for a URI.
func (e *Entity) SetTag(uri string, value any) {
	for i := range e.Tags {
		if e.Tags[i].URI == uri {
			e.Tags[i].Value = value
			return
		}
	}
	e.Tags = append(e.Tags, TaggedValue{URI: uri, Value: value})
}

// RelationshipOfType returns the first relationship of the given type.
func (e *Entity) RelationshipOfType(t RelationshipType) (Relationship, bool) {
	for _, r := range e.Relationships {
		if r.Type == t {
			return r, true
		}
	}
	return Relationship{}, false
}

// SetRelationship replaces the first relationship of the given type, or
// appends one if none exists.
func (e *Entity) SetRelationship(rel Relationship) {
	for i := range e.Relationships {
		if e.Relationships[i].Type == rel.Type {
			e.Relationships[i] = rel
			return
		}
	}
	e.Relationships = append(e.Relationships, rel)
}
