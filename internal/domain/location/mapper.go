// Package location maps the FHIR Location resource onto place entities.
package location

import (
	"context"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// Mapper translates Location resources. A managingOrganization reference
// becomes a SERVICE_SITE relationship on the place entity.
type Mapper struct {
	Authorities *cdr.AuthorityRegistry
	Extensions  *fhir.ExtensionPipeline
	Resolver    *fhir.ReferenceResolver
}

func NewMapper(authorities *cdr.AuthorityRegistry, extensions *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver) *Mapper {
	return &Mapper{Authorities: authorities, Extensions: extensions, Resolver: resolver}
}

func (m *Mapper) ResourceType() string { return "Location" }
func (m *Mapper) Class() cdr.Class     { return cdr.ClassPlace }

type locationResource struct {
	ResourceType         string                 `json:"resourceType"`
	Identifier           []fhir.Identifier      `json:"identifier"`
	Name                 string                 `json:"name"`
	Type                 []fhir.CodeableConcept `json:"type"`
	Telecom              []fhir.ContactPoint    `json:"telecom"`
	Address              *fhir.Address          `json:"address"`
	ManagingOrganization *fhir.Reference        `json:"managingOrganization"`
	Extension            []fhir.Extension       `json:"extension"`
}

func (m *Mapper) FromFHIR(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*cdr.Entity, error) {
	if err := fhir.RequireType(resource, "Location"); err != nil {
		return nil, err
	}
	var in locationResource
	if err := fhir.DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	entity := &cdr.Entity{
		Class:       cdr.ClassPlace,
		Telecoms:    fhir.TelecomsFromFHIR(in.Telecom),
		Identifiers: fhir.IdentifiersFromFHIR(cc, in.Identifier, m.Authorities),
	}
	if in.Name != "" {
		entity.Names = []cdr.Name{{Use: "official", Family: in.Name}}
	}
	if in.Address != nil {
		entity.Addresses = []cdr.Address{fhir.AddressFromFHIR(*in.Address)}
	}
	if len(in.Type) > 0 {
		coded, err := fhir.ConceptToCodedValue(in.Type[0])
		if err != nil {
			return nil, fhir.InvalidDataf("type: %v", err)
		}
		entity.TypeCode = coded
	}
	if in.ManagingOrganization != nil && in.ManagingOrganization.Reference != "" {
		orgKey, err := m.Resolver.ResolveEntity(ctx, cc, in.ManagingOrganization.Reference, cdr.ClassOrganization)
		if err != nil {
			return nil, err
		}
		entity.SetRelationship(cdr.Relationship{Type: cdr.RelationshipServiceSite, TargetKey: orgKey})
	}
	for _, ext := range in.Extension {
		if _, err := m.Extensions.Parse(ctx, cc, "Location", ext, entity); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

func (m *Mapper) ToFHIR(ctx context.Context, cc *fhir.ConversionContext, e *cdr.Entity) (map[string]any, error) {
	resource := map[string]any{
		"resourceType": "Location",
		"status":       "active",
	}
	if e.Status.Deleted() {
		resource["status"] = "inactive"
	}
	if len(e.Names) > 0 {
		resource["name"] = e.Names[0].Family
	}
	if !e.TypeCode.IsZero() {
		resource["type"] = []fhir.CodeableConcept{fhir.CodedValueToConcept(e.TypeCode)}
	}
	if len(e.Addresses) > 0 {
		resource["address"] = fhir.AddressToFHIR(e.Addresses[0])
	}
	if len(e.Telecoms) > 0 {
		resource["telecom"] = fhir.TelecomsToFHIR(e.Telecoms)
	}
	if ids := fhir.IdentifiersToFHIR(cc, e.Identifiers, m.Authorities); len(ids) > 0 {
		resource["identifier"] = ids
	}
	if rel, ok := e.RelationshipOfType(cdr.RelationshipServiceSite); ok {
		resource["managingOrganization"] = fhir.Reference{
			Reference: fhir.FormatReference("Organization", rel.TargetKey.String()),
		}
	}
	exts, err := m.Extensions.Construct(ctx, cc, "Location", e)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		resource["extension"] = exts
	}
	return resource, nil
}

// QueryFilter supports _id, name, address-city, and organization.
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
	if city := params["address-city"]; city != "" {
		f.City = city
	}
	if org := params["organization"]; org != "" {
		_, id, err := fhir.SplitReference(org)
		if err != nil {
			return f, fhir.InvalidDataf("organization %q", org)
		}
		key, err := uuid.Parse(id)
		if err != nil {
			return f, fhir.InvalidDataf("organization %q", org)
		}
		f.RelatedTo = key
		f.RelatedType = cdr.RelationshipServiceSite
	}
	return f, nil
}

func Register(registry *fhir.HandlerRegistry, pipeline *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver, store *cdr.Store) error {
	mapper := NewMapper(store.Authorities, pipeline, resolver)
	handler := fhir.NewEntityHandler(mapper, store.Entities, fhir.CapAll, pipeline.Profiles)
	return registry.Register(handler)
}
