// Package practitioner maps the FHIR Practitioner resource onto provider
// entities.
package practitioner

import (
	"context"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

type Mapper struct {
	Authorities *cdr.AuthorityRegistry
	Extensions  *fhir.ExtensionPipeline
}

func NewMapper(authorities *cdr.AuthorityRegistry, extensions *fhir.ExtensionPipeline) *Mapper {
	return &Mapper{Authorities: authorities, Extensions: extensions}
}

func (m *Mapper) ResourceType() string { return "Practitioner" }
func (m *Mapper) Class() cdr.Class     { return cdr.ClassProvider }

type practitionerResource struct {
	ResourceType string              `json:"resourceType"`
	Identifier   []fhir.Identifier   `json:"identifier"`
	Name         []fhir.HumanName    `json:"name"`
	Telecom      []fhir.ContactPoint `json:"telecom"`
	Gender       string              `json:"gender"`
	BirthDate    string              `json:"birthDate"`
	Address      []fhir.Address      `json:"address"`
	Extension    []fhir.Extension    `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Entity, error) {
	if err := fhir.RequireType(resource, "Practitioner"); err != nil {
		return nil, err
	}
	var in practitionerResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	entity := &cdr.Entity{
		Class:       cdr.ClassProvider,
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
	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "Practitioner", ext, entity); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, e *cdr.Entity) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "Practitioner",
		"active":       !e.Status.Deleted(),
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
	exts, err := m.Extensions.Construct(ctx, cc, "Practitioner", e)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		resource["extension"] = exts
	}
	return resource, nil
}

// QueryFilter supports _id, identifier, and name.
func (m *Mapper) QueryFilter(params map[string]string) (cdr.EntityFilter, error) {
	f := cdr.EntityFilter{}
	if id := params["_id"]; id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return f, fhir.InvalidDataf("_id %q", id)
		}
		f.Keys = []uuid.UUID{key}
	}
	if ident := params["identifier"]; ident != "" {
		system, value := fhir.SplitToken(ident)
		if system != "" {
			authority, err := m.Authorities.BySystem(system)
			if err != nil {
				return f, fhir.InvalidDataf("identifier system %q is not registered", system)
			}
			f.IdentifierSystem = authority.Domain
		}
		f.IdentifierValue = value
	}
	if name := params["name"]; name != "" {
		f.NameContains = name
	}
	return f, nil
}

func Register(registry *fhir.HandlerRegistry, pipeline *fhir.ExtensionPipeline, store *cdr.Store) error {
	mapper := NewMapper(store.Authorities, pipeline)
	handler := fhir.NewEntityHandler(mapper, store.Entities, fhir.CapAll, pipeline.Profiles)
	return registry.Register(handler)
}
