// Package encounter maps the FHIR Encounter resource onto encounter acts.
package encounter

import (
	"context"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// Mapper translates Encounter resources. The subject patient is the act's
// record target; an attending practitioner and a location become performer
// and location participations.
type Mapper struct {
	Authorities *cdr.AuthorityRegistry
	Extensions  *fhir.ExtensionPipeline
	Resolver    *fhir.ReferenceResolver
}

func NewMapper(authorities *cdr.AuthorityRegistry, extensions *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver) *Mapper {
	return &Mapper{Authorities: authorities, Extensions: extensions, Resolver: resolver}
}

func (m *Mapper) ResourceType() string { return "Encounter" }
func (m *Mapper) Class() cdr.ActClass  { return cdr.ActEncounter }

type encounterResource struct {
	ResourceType string            `json:"resourceType"`
	Identifier   []fhir.Identifier `json:"identifier"`
	Status       string            `json:"status"`
	Class        *fhir.Coding      `json:"class"`
	Subject      *fhir.Reference   `json:"subject"`
	Participant  []struct {
		Individual *fhir.Reference `json:"individual"`
	} `json:"participant"`
	Period   *fhir.Period `json:"period"`
	Location []struct {
		Location *fhir.Reference `json:"location"`
	} `json:"location"`
	Extension []fhir.Extension `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Act, error) {
	if err := fhir.RequireType(resource, "Encounter"); err != nil {
		return nil, err
	}
	var in encounterResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	if in.Subject == nil || in.Subject.Reference == "" {
		return nil, fhir.InvalidDataf("Encounter requires a subject reference")
	}
	subjectKey, err := m.Resolver.ResolveEntity(ctx, cc, in.Subject.Reference, cdr.ClassPatient)
	if err != nil {
		return nil, err
	}

	act := &cdr.Act{
		Class:       cdr.ActEncounter,
		MoodStatus:  in.Status,
		Effective:   fhir.PeriodToInterval(in.Period),
		Identifiers: fhir.IdentifiersFromFHIR(cc, in.Identifier, m.Authorities),
	}
	act.SetParticipant(cdr.RoleRecordTarget, subjectKey)
	if in.Class != nil {
		act.TypeCode = cdr.CodedValue{System: in.Class.System, Code: in.Class.Code, Display: in.Class.Display}
	}
	for _, p := range in.Participant {
		if p.Individual == nil || p.Individual.Reference == "" {
			continue
		}
		key, err := m.Resolver.ResolveEntity(ctx, cc, p.Individual.Reference, cdr.ClassProvider)
		if err != nil {
			return nil, err
		}
		act.AddParticipant(cdr.RolePerformer, key)
	}
	for _, l := range in.Location {
		if l.Location == nil || l.Location.Reference == "" {
			continue
		}
		key, err := m.Resolver.ResolveEntity(ctx, cc, l.Location.Reference, cdr.ClassPlace)
		if err != nil {
			return nil, err
		}
		act.AddParticipant(cdr.RoleLocation, key)
	}
	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "Encounter", ext, act); err != nil {
			return nil, err
		}
	}
	return act, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, a *cdr.Act) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "Encounter",
		"status":       a.MoodStatus,
	}
	if !a.TypeCode.IsZero() {
		resource["class"] = fhir.Coding{System: a.TypeCode.System, Code: a.TypeCode.Code, Display: a.TypeCode.Display}
	}
	if key, ok := a.Participant(cdr.RoleRecordTarget); ok {
		resource["subject"] = fhir.Reference{Reference: fhir.FormatReference("Patient", key.String())}
	}
	if keys := a.Participants(cdr.RolePerformer); len(keys) > 0 {
		participants := make([]map[string]any, 0, len(keys))
		for _, key := range keys {
			participants = append(participants, map[string]any{
				"individual": fhir.Reference{Reference: fhir.FormatReference("Practitioner", key.String())},
			})
		}
		resource["participant"] = participants
	}
	if keys := a.Participants(cdr.RoleLocation); len(keys) > 0 {
		locations := make([]map[string]any, 0, len(keys))
		for _, key := range keys {
			locations = append(locations, map[string]any{
				"location": fhir.Reference{Reference: fhir.FormatReference("Location", key.String())},
			})
		}
		resource["location"] = locations
	}
	if period := fhir.IntervalToPeriod(a.Effective); period != nil {
		resource["period"] = period
	}
	if ids := fhir.IdentifiersToFHIR(cc, a.Identifiers, m.Authorities); len(ids) > 0 {
		resource["identifier"] = ids
	}
	exts, err := m.Extensions.Construct(ctx, cc, "Encounter", a)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		resource["extension"] = exts
	}
	return resource, nil
}

// QueryFilter supports _id and subject.
func (m *Mapper) QueryFilter(params map[string]string) (cdr.ActFilter, error) {
	f := cdr.ActFilter{}
	if id := params["_id"]; id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return f, fhir.InvalidDataf("_id %q", id)
		}
		f.Keys = []uuid.UUID{key}
	}
	for _, param := range []string{"subject", "patient"} {
		ref := params[param]
		if ref == "" {
			continue
		}
		_, id, err := fhir.SplitReference(ref)
		if err != nil {
			return f, fhir.InvalidDataf("%s %q", param, ref)
		}
		key, err := uuid.Parse(id)
		if err != nil {
			return f, fhir.InvalidDataf("%s %q", param, ref)
		}
		f.SubjectKey = key
	}
	return f, nil
}

func Register(registry *fhir.HandlerRegistry, pipeline *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver, store *cdr.Store) error {
	mapper := NewMapper(store.Authorities, pipeline, resolver)
	handler := fhir.NewActHandler(mapper, store.Acts, fhir.CapAll, pipeline.Profiles)
	return registry.Register(handler)
}
