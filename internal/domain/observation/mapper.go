// Package observation maps the FHIR Observation resource onto observation
// acts, including the status transition rules for finalized results.
package observation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

type Mapper struct {
	Authorities *cdr.AuthorityRegistry
	Extensions  *fhir.ExtensionPipeline
	Resolver    *fhir.ReferenceResolver
}

func NewMapper(authorities *cdr.AuthorityRegistry, extensions *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver) *Mapper {
	return &Mapper{Authorities: authorities, Extensions: extensions, Resolver: resolver}
}

func (m *Mapper) ResourceType() string { return "Observation" }
func (m *Mapper) Class() cdr.ActClass  { return cdr.ActObservation }

type observationResource struct {
	ResourceType      string                `json:"resourceType"`
	Identifier        []fhir.Identifier     `json:"identifier"`
	Status            string                `json:"status"`
	Code              *fhir.CodeableConcept `json:"code"`
	Subject           *fhir.Reference       `json:"subject"`
	EffectiveDateTime string                `json:"effectiveDateTime"`
	EffectivePeriod   *fhir.Period          `json:"effectivePeriod"`
	ValueQuantity     *fhir.Quantity        `json:"valueQuantity"`
	ValueCodeable     *fhir.CodeableConcept `json:"valueCodeableConcept"`
	ValueString       string                `json:"valueString"`
	ValueBoolean      *bool                 `json:"valueBoolean"`
	Performer         []fhir.Reference      `json:"performer"`
	Note              []struct {
		Text string `json:"text"`
	} `json:"note"`
	Extension []fhir.Extension `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Act, error) {
	if err := fhir.RequireType(resource, "Observation"); err != nil {
		return nil, err
	}
	var in observationResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	if in.Code == nil || len(in.Code.Coding) == 0 {
		return nil, fhir.InvalidDataf("Observation requires a coded code element")
	}
	if in.Subject == nil || in.Subject.Reference == "" {
		return nil, fhir.InvalidDataf("Observation requires a subject reference")
	}
	subjectKey, err := m.Resolver.ResolveEntity(ctx, cc, in.Subject.Reference, cdr.ClassPatient)
	if err != nil {
		return nil, err
	}
	typeCode, err := fhir.ConceptToCodedValue(*in.Code)
	if err != nil {
		return nil, fhir.InvalidDataf("code: %v", err)
	}

	act := &cdr.Act{
		Class:       cdr.ActObservation,
		TypeCode:    typeCode,
		MoodStatus:  in.Status,
		Identifiers: fhir.IdentifiersFromFHIR(cc, in.Identifier, m.Authorities),
	}
	act.SetParticipant(cdr.RoleRecordTarget, subjectKey)

	switch {
	case in.EffectiveDateTime != "":
		t, err := time.Parse(time.RFC3339, in.EffectiveDateTime)
		if err != nil {
			return nil, fhir.InvalidDataf("effectiveDateTime %q", in.EffectiveDateTime)
		}
		act.Effective = cdr.Interval{Start: &t}
	case in.EffectivePeriod != nil:
		act.Effective = fhir.PeriodToInterval(in.EffectivePeriod)
	}

	value, err := m.parseValue(&in)
	if err != nil {
		return nil, err
	}
	act.Value = value

	for _, perf := range in.Performer {
		if perf.Reference == "" {
			continue
		}
		key, err := m.Resolver.ResolveEntity(ctx, cc, perf.Reference, cdr.ClassProvider)
		if err != nil {
			return nil, err
		}
		act.AddParticipant(cdr.RolePerformer, key)
	}
	for _, note := range in.Note {
		if note.Text != "" {
			act.Notes = append(act.Notes, note.Text)
		}
	}
	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "Observation", ext, act); err != nil {
			return nil, err
		}
	}
	return act, nil
}

func (m *Mapper) parseValue(in *observationResource) (*cdr.ActValue, error) {
	populated := 0
	if in.ValueQuantity != nil {
		populated++
	}
	if in.ValueCodeable != nil {
		populated++
	}
	if in.ValueString != "" {
		populated++
	}
	if in.ValueBoolean != nil {
		populated++
	}
	if populated > 1 {
		return nil, fhir.InvalidDataf("Observation carries more than one value[x]")
	}
	switch {
	case in.ValueQuantity != nil:
		q, err := fhir.QuantityFromFHIR(*in.ValueQuantity)
		if err != nil {
			return nil, fhir.InvalidDataf("valueQuantity: %v", err)
		}
		return &cdr.ActValue{Quantity: &q}, nil
	case in.ValueCodeable != nil:
		coded, err := fhir.ConceptToCodedValue(*in.ValueCodeable)
		if err != nil {
			return nil, fhir.InvalidDataf("valueCodeableConcept: %v", err)
		}
		return &cdr.ActValue{Coded: &coded}, nil
	case in.ValueString != "":
		return &cdr.ActValue{Text: in.ValueString}, nil
	case in.ValueBoolean != nil:
		return &cdr.ActValue{Boolean: in.ValueBoolean}, nil
	}
	return nil, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, a *cdr.Act) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "Observation",
		"status":       a.MoodStatus,
		"code":         fhir.CodedValueToConcept(a.TypeCode),
	}
	if key, ok := a.Participant(cdr.RoleRecordTarget); ok {
		resource["subject"] = fhir.Reference{Reference: fhir.FormatReference("Patient", key.String())}
	}
	if keys := a.Participants(cdr.RolePerformer); len(keys) > 0 {
		performers := make([]fhir.Reference, 0, len(keys))
		for _, key := range keys {
			performers = append(performers, fhir.Reference{Reference: fhir.FormatReference("Practitioner", key.String())})
		}
		resource["performer"] = performers
	}
	if a.Effective.Start != nil && a.Effective.Stop == nil {
		resource["effectiveDateTime"] = a.Effective.Start.Format(time.RFC3339)
	} else if period := fhir.IntervalToPeriod(a.Effective); period != nil {
		resource["effectivePeriod"] = period
	}
	if a.Value != nil {
		switch {
		case a.Value.Quantity != nil:
			resource["valueQuantity"] = fhir.QuantityToFHIR(*a.Value.Quantity)
		case a.Value.Coded != nil:
			resource["valueCodeableConcept"] = fhir.CodedValueToConcept(*a.Value.Coded)
		case a.Value.Text != "":
			resource["valueString"] = a.Value.Text
		case a.Value.Boolean != nil:
			resource["valueBoolean"] = *a.Value.Boolean
		}
	}
	if len(a.Notes) > 0 {
		notes := make([]map[string]any, 0, len(a.Notes))
		for _, n := range a.Notes {
			notes = append(notes, map[string]any{"text": n})
		}
		resource["note"] = notes
	}
	if ids := fhir.IdentifiersToFHIR(cc, a.Identifiers, m.Authorities); len(ids) > 0 {
		resource["identifier"] = ids
	}
	exts, err := m.Extensions.Construct(ctx, cc, "Observation", a)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		resource["extension"] = exts
	}
	return resource, nil
}

// finalized statuses cannot move back to a draft status, and entered-in-error
// is terminal.
var statusRank = map[string]int{
	"registered":       0,
	"preliminary":      1,
	"final":            2,
	"amended":          3,
	"corrected":        3,
	"cancelled":        4,
	"entered-in-error": 5,
}

// CheckUpdate enforces the observation status state machine.
func (m *Mapper) CheckUpdate(current, incoming *cdr.Act) error {
	from, to := current.MoodStatus, incoming.MoodStatus
	if from == to {
		return nil
	}
	if from == "entered-in-error" {
		return fhir.NotSupportedf("observation status entered-in-error is terminal")
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return nil
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fhir.NotSupportedf("observation status %q is not recognized", to)
	}
	if toRank < fromRank {
		return fhir.NotSupportedf("observation status cannot move from %s back to %s", from, to)
	}
	return nil
}

// QueryFilter supports _id, subject, patient, and code.
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
	if code := params["code"]; code != "" {
		_, value := fhir.SplitToken(code)
		f.TypeCode = value
	}
	return f, nil
}

func Register(registry *fhir.HandlerRegistry, pipeline *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver, store *cdr.Store) error {
	mapper := NewMapper(store.Authorities, pipeline, resolver)
	handler := fhir.NewActHandler(mapper, store.Acts, fhir.CapAll, pipeline.Profiles)
	return registry.Register(handler)
}
