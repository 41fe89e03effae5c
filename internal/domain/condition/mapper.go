// Package condition maps the FHIR Condition resource onto condition acts.
package condition

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

func (m *Mapper) ResourceType() string { return "Condition" }
func (m *Mapper) Class() cdr.ActClass  { return cdr.ActCondition }

type conditionResource struct {
	ResourceType      string                `json:"resourceType"`
	Identifier        []fhir.Identifier     `json:"identifier"`
	ClinicalStatus    *fhir.CodeableConcept `json:"clinicalStatus"`
	Code              *fhir.CodeableConcept `json:"code"`
	Subject           *fhir.Reference       `json:"subject"`
	OnsetDateTime     string                `json:"onsetDateTime"`
	AbatementDateTime string                `json:"abatementDateTime"`
	Recorder          *fhir.Reference       `json:"recorder"`
	Note              []struct {
		Text string `json:"text"`
	} `json:"note"`
	Extension []fhir.Extension `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Act, error) {
	if err := fhir.RequireType(resource, "Condition"); err != nil {
		return nil, err
	}
	var in conditionResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	if in.Code == nil || len(in.Code.Coding) == 0 {
		return nil, fhir.InvalidDataf("Condition requires a coded code element")
	}
	if in.Subject == nil || in.Subject.Reference == "" {
		return nil, fhir.InvalidDataf("Condition requires a subject reference")
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
		Class:       cdr.ActCondition,
		TypeCode:    typeCode,
		Identifiers: fhir.IdentifiersFromFHIR(cc, in.Identifier, m.Authorities),
	}
	act.SetParticipant(cdr.RoleRecordTarget, subjectKey)
	if in.ClinicalStatus != nil && len(in.ClinicalStatus.Coding) > 0 {
		act.MoodStatus = in.ClinicalStatus.Coding[0].Code
	}
	if in.OnsetDateTime != "" {
		t, err := time.Parse(time.RFC3339, in.OnsetDateTime)
		if err != nil {
			return nil, fhir.InvalidDataf("onsetDateTime %q", in.OnsetDateTime)
		}
		act.Effective.Start = &t
	}
	if in.AbatementDateTime != "" {
		t, err := time.Parse(time.RFC3339, in.AbatementDateTime)
		if err != nil {
			return nil, fhir.InvalidDataf("abatementDateTime %q", in.AbatementDateTime)
		}
		act.Effective.Stop = &t
	}
	if in.Recorder != nil && in.Recorder.Reference != "" {
		key, err := m.Resolver.ResolveEntity(ctx, cc, in.Recorder.Reference, cdr.ClassProvider)
		if err != nil {
			return nil, err
		}
		act.SetParticipant(cdr.RoleAuthor, key)
	}
	for _, note := range in.Note {
		if note.Text != "" {
			act.Notes = append(act.Notes, note.Text)
		}
	}
	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "Condition", ext, act); err != nil {
			return nil, err
		}
	}
	return act, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, a *cdr.Act) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "Condition",
		"code":         fhir.CodedValueToConcept(a.TypeCode),
	}
	if a.MoodStatus != "" {
		resource["clinicalStatus"] = fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/condition-clinical",
				Code:   a.MoodStatus,
			}},
		}
	}
	if key, ok := a.Participant(cdr.RoleRecordTarget); ok {
		resource["subject"] = fhir.Reference{Reference: fhir.FormatReference("Patient", key.String())}
	}
	if key, ok := a.Participant(cdr.RoleAuthor); ok {
		resource["recorder"] = fhir.Reference{Reference: fhir.FormatReference("Practitioner", key.String())}
	}
	if a.Effective.Start != nil {
		resource["onsetDateTime"] = a.Effective.Start.Format(time.RFC3339)
	}
	if a.Effective.Stop != nil {
		resource["abatementDateTime"] = a.Effective.Stop.Format(time.RFC3339)
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
	exts, err := m.Extensions.Construct(ctx, cc, "Condition", a)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		resource["extension"] = exts
	}
	return resource, nil
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
