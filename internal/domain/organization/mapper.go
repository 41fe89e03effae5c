// Package organization maps the FHIR Organization resource onto
// organization entities.
package organization

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

func (m *Mapper) ResourceType() string { return "Organization" }
func (m *Mapper) Class() cdr.Class     { return cdr.ClassOrganization }

type organizationResource struct {
	ResourceType string                 `json:"resourceType"`
	Identifier   []fhir.Identifier      `json:"identifier"`
	Name         string                 `json:"name"`
	Type         []fhir.CodeableConcept `json:"type"`
	Telecom      []fhir.ContactPoint    `json:"telecom"`
	Address      []fhir.Address         `json:"address"`
	Extension    []fhir.Extension       `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Entity, error) {
	if err := fhir.RequireType(resource, "Organization"); err != nil {
		return nil, err
	}
	var in organizationResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	entity := &cdr.Entity{
		Class:       cdr.ClassOrganization,
		Addresses:   fhir.AddressesFromFHIR(in.Address),
		Telecoms:    fhir.TelecomsFromFHIR(in.Telecom),
		Identifiers: fhir.IdentifiersFromFHIR(cc, in.Identifier, m.Authorities),
	}
	if in.Name != "" {
		entity.Names = []cdr.Name{{Use: "official", Family: in.Name}}
	}
	if len(in.Type) > 0 {
		coded, err := fhir.ConceptToCodedValue(in.Type[0])
		if err != nil {
			return nil, fhir.InvalidDataf("type: %v", err)
		}
		entity.TypeCode = coded
	}
	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "Organization", ext, entity); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, e *cdr.Entity) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "Organization",
		"active":       !e.Status.Deleted(),
	}
	if len(e.Names) > 0 {
		resource["name"] = e.Names[0].Family
	}
	if !e.TypeCode.IsZero() {
		resource["type"] = []fhir.CodeableConcept{fhir.CodedValueToConcept(e.TypeCode)}
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
	exts, err := m.Extensions.Construct(ctx, cc, "Organization", e)
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
