package cdr

import (
	"github.com/google/uuid"
)

// ActClass identifies the kind of clinical act a record represents.
type ActClass string

const (
	ActEncounter   ActClass = "ENCOUNTER"
	ActObservation ActClass = "OBSERVATION"
	ActCondition   ActClass = "CONDITION"
)

// ParticipationRole classifies how an entity participates in an act.
type ParticipationRole string

const (
	RoleRecordTarget ParticipationRole = "RECORD_TARGET" // the subject patient
	RolePerformer    ParticipationRole = "PERFORMER"
	RoleLocation     ParticipationRole = "LOCATION"
	RoleAuthor       ParticipationRole = "AUTHOR"
)

// Participation links an act to a participating entity.
type Participation struct {
	Role      ParticipationRole `json:"role"`
	EntityKey uuid.UUID         `json:"entityKey"`
}

// ActValue is the result value of an observation-kind act. At most one of the
// typed fields is set.
type ActValue struct {
	Quantity *Quantity   `json:"quantity,omitempty"`
	Coded    *CodedValue `json:"coded,omitempty"`
	Text     string      `json:"text,omitempty"`
	Boolean  *bool       `json:"boolean,omitempty"`
}

// Act is an event or observation recorded against one or more entities.
type Act struct {
	VersionInfo
	Class          ActClass        `json:"class"`
	TypeCode       CodedValue      `json:"typeCode,omitempty"`
	MoodStatus     string          `json:"moodStatus,omitempty"` // domain status: planned, in-progress, completed, final, ...
	Effective      Interval        `json:"effective,omitempty"`
	Participations []Participation `json:"participations,omitempty"`
	Value          *ActValue       `json:"value,omitempty"`
	Identifiers    []Identifier    `json:"identifiers,omitempty"`
	Tags           []TaggedValue   `json:"tags,omitempty"`
	Notes          []string        `json:"notes,omitempty"`
}

// Participant returns the key of the first participant in the given role.
func (a *Act) Participant(role ParticipationRole) (uuid.UUID, bool) {
	for _, p := range a.Participations {
		if p.Role == role {
			return p.EntityKey, true
		}
	}
	return uuid.Nil, false
}

// Participants returns the keys of every participant in the given role, in
// insertion order.
func (a *Act) Participants(role ParticipationRole) []uuid.UUID {
	var keys []uuid.UUID
	for _, p := range a.Participations {
		if p.Role == role {
			keys = append(keys, p.EntityKey)
		}
	}
	return keys
}

// SetParticipant replaces the first participation in the given role, or
// appends one if none exists. Use it for roles that hold a single entity,
// such as the record target.
func (a *Act) SetParticipant(role ParticipationRole, key uuid.UUID) {
	for i := range a.Participations {
		if a.Participations[i].Role == role {
			a.Participations[i].EntityKey = key
			return
		}
	}
	a.Participations = append(a.Participations, Participation{Role: role, EntityKey: key})
}

// AddParticipant appends a participation, keeping any existing ones in the
// same role. Adding the same entity twice in one role is a no-op.
func (a *Act) AddParticipant(role ParticipationRole, key uuid.UUID) {
	for _, p := range a.Participations {
		if p.Role == role && p.EntityKey == key {
			return
		}
	}
	a.Participations = append(a.Participations, Participation{Role: role, EntityKey: key})
}
