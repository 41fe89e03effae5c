// Package relatedperson maps the FHIR RelatedPerson resource onto person
// entities carrying a PATIENT relationship.
package relatedperson

import (
	"context"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// Mapper translates RelatedPerson resources. The patient reference is
// required and is resolved through the two-tier resolver, so a RelatedPerson
// can point at a Patient created earlier in the same transaction.
type Mapper struct {
	Authorities *cdr.AuthorityRegistry
	Extensions  *fhir.ExtensionPipeline
	Resolver    *fhir.ReferenceResolver
}

func NewMapper(authorities *cdr.AuthorityRegistry, extensions *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver) *Mapper {
	return &Mapper{Authorities: authorities, Extensions: extensions, Resolver: resolver}
}

func (m *Mapper) ResourceType() string { return "RelatedPerson" }
func (m *Mapper) Class() cdr.Class     { return cdr.ClassPerson }

type relatedPersonResource struct {
	ResourceType string                 `json:"resourceType"`
	Identifier   []fhir.Identifier      `json:"identifier"`
	Patient      *fhir.Reference        `json:"patient"`
	Relationship []fhir.CodeableConcept `json:"relationship"`
	Name         []fhir.HumanName       `json:"name"`
	Telecom      []fhir.ContactPoint    `json:"telecom"`
	Gender       string                 `json:"gender"`
	BirthDate    string                 `json:"birthDate"`
	Address      []fhir.Address         `json:"address"`
	Extension    []fhir.Extension       `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Entity, error) {
	if err := fhir.RequireType(resource, "RelatedPerson"); err != nil {
		return nil, err
	}
	var in relatedPersonResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	if in.Patient == nil || in.Patient.Reference == "" {
		return nil, fhir.InvalidDataf("RelatedPerson requires a patient reference")
	}
	patientKey, err := m.Resolver.ResolveEntity(ctx, cc, in.Patient.Reference, cdr.ClassPatient)
	if err != nil {
		return nil, err
	}

	entity := &cdr.Entity{
		Class:       cdr.ClassPerson,
		Names:       fhir.NamesFromFHIR(in.Name),
		Addresses:   fhir.AddressesFromFHIR(in.Address),
		Telecoms:    fhir.TelecomsFromFHIR(in.Telecom),
		Identifiers: fhir.IdentifiersFromFHIR(cc, in.Identifier, m.Authorities),
		Gender:      in.Gender,
	}
	if in.BirthDate != "" {
		birthDate, err := fhir.DateFromFHIR(in.BirthDate)
		if err != nil {
			return nil, fhir.InvalidDataf("birthDate %q: %v", in.BirthDate, err)
		}
		entity.BirthDate = birthDate
	}

	rel := cdr.Relationship{Type: cdr.RelationshipPatient, TargetKey: patientKey}
	if len(in.Relationship) > 0 {
		coded, err := fhir.ConceptToCodedValue(in.Relationship[0])
		if err != nil {
			return nil, fhir.InvalidDataf("relationship: %v", err)
		}
		rel.Role = coded
	}
	entity.SetRelationship(rel)

	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "RelatedPerson", ext, entity); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, e *cdr.Entity) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "RelatedPerson",
		"active":       !e.Status.Deleted(),
	}
	if rel, ok := e.RelationshipOfType(cdr.RelationshipPatient); ok {
		resource["patient"] = fhir.Reference{
			Reference: fhir.FormatReference("Patient", rel.TargetKey.String()),
		}
		if !rel.Role.IsZero() {
			resource["relationship"] = []fhir.CodeableConcept{fhir.CodedValueToConcept(rel.Role)}
		}
	}
	if len(e.Names) > 0 {
		resource["name"] = fhir.NamesToFHIR(e.Names)
	}
	if len(e.Addresses) > 0 {
		resource["address"] = fhir.AddressesToFHIR(e.Addresses)
	}
	if len(e.Telecoms) > 0 {
		resource["telecom"] = fhir.TelecomsToFHIR(e.Telecoms)
	}
	if ids := fhir.IdentifiersToFHIR(cc, e.Identifiers, m.Authorities); len(ids) > 0 {
		resource["identifier"] = ids
	}
	if e.Gender != "" {
		resource["gender"] = e.Gender
	}
	if !e.BirthDate.IsZero() {
		resource["birthDate"] = fhir.DateToFHIR(e.BirthDate)
	}
	exts, err := m.Extensions.Construct(ctx, cc, "RelatedPerson", e)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		resource["extension"] = exts
	}
	return resource, nil
}

// QueryFilter supports _id, name, and patient.
func (m *Mapper) QueryFilter(params map[string]string) (cdr.EntityFilter, error) {
	f := cdr.EntityFilter{}
	if id := params["_id"]; id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return f, fhir.InvalidDataf("_id %q", id)
		}
		f.Keys = []uuid.UUID{key}
	}
	if name := params["name"]; name != "" {
		f.NameContains = name
	}
	if patient := params["patient"]; patient != "" {
		_, id, err := fhir.SplitReference(patient)
		if err != nil {
			return f, fhir.InvalidDataf("patient %q", patient)
		}
		key, err := uuid.Parse(id)
		if err != nil {
			return f, fhir.InvalidDataf("patient %q", patient)
		}
		f.RelatedTo = key
		f.RelatedType = cdr.RelationshipPatient
	}
	return f, nil
}

// Register wires the RelatedPerson handler.
func Register(registry *fhir.HandlerRegistry, pipeline *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver, store *cdr.Store) error {
	mapper := NewMapper(store.Authorities, pipeline, resolver)
	handler := fhir.NewEntityHandler(mapper, store.Entities, fhir.CapAll, pipeline.Profiles)
	return registry.Register(handler)
}
