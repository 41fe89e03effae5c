package fhir

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// testPatientMapper and testRelatedMapper are minimal mappers driving the
// generic handlers in processor and server tests, so the engine tests do not
// depend on the full domain packages.

type testPatientMapper struct {
	authorities *cdr.AuthorityRegistry
}

func (m *testPatientMapper) ResourceType() string { return "Patient" }
func (m *testPatientMapper) Class() cdr.Class     { return cdr.ClassPatient }

func (m *testPatientMapper) FromFHIR(_ context.Context, cc *ConversionContext, resource map[string]any) (*cdr.Entity, error) {
	if err := RequireType(resource, "Patient"); err != nil {
		return nil, err
	}
	var in struct {
		Name       []HumanName  `json:"name"`
		Identifier []Identifier `json:"identifier"`
		Gender     string       `json:"gender"`
	}
	if err := DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	return &cdr.Entity{
		Names:       NamesFromFHIR(in.Name),
		Identifiers: IdentifiersFromFHIR(cc, in.Identifier, m.authorities),
		Gender:      in.Gender,
	}, nil
}

func (m *testPatientMapper) ToFHIR(_ context.Context, cc *ConversionContext, e *cdr.Entity) (map[string]any, error) {
	out := map[string]any{"resourceType": "Patient"}
	if len(e.Names) > 0 {
		out["name"] = NamesToFHIR(e.Names)
	}
	if ids := IdentifiersToFHIR(cc, e.Identifiers, m.authorities); len(ids) > 0 {
		out["identifier"] = ids
	}
	if e.Gender != "" {
		out["gender"] = e.Gender
	}
	return out, nil
}

func (m *testPatientMapper) QueryFilter(params map[string]string) (cdr.EntityFilter, error) {
	var f cdr.EntityFilter
	if id := params["_id"]; id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return f, InvalidDataf("_id %q", id)
		}
		f.Keys = []uuid.UUID{key}
	}
	if token := params["identifier"]; token != "" {
		system, value := SplitToken(token)
		f.IdentifierValue = value
		if system != "" {
			authority, err := m.authorities.BySystem(system)
			if err != nil {
				return f, InvalidDataf("identifier system %q", system)
			}
			f.IdentifierSystem = authority.Domain
		}
	}
	if name := params["name"]; name != "" {
		f.NameContains = name
	}
	return f, nil
}

type testRelatedMapper struct {
	resolver *ReferenceResolver
}

func (m *testRelatedMapper) ResourceType() string { return "RelatedPerson" }
func (m *testRelatedMapper) Class() cdr.Class     { return cdr.ClassPerson }

func (m *testRelatedMapper) FromFHIR(ctx context.Context, cc *ConversionContext, resource map[string]any) (*cdr.Entity, error) {
	if err := RequireType(resource, "RelatedPerson"); err != nil {
		return nil, err
	}
	var in struct {
		Patient *Reference  `json:"patient"`
		Name    []HumanName `json:"name"`
	}
	if err := DecodeResource(resource, &in); err != nil {
		return nil, err
	}
	if in.Patient == nil || in.Patient.Reference == "" {
		return nil, ValidationFailedf("RelatedPerson requires a patient reference")
	}
	key, err := m.resolver.ResolveEntity(ctx, cc, in.Patient.Reference, cdr.ClassPatient)
	if err != nil {
		return nil, err
	}
	e := &cdr.Entity{Names: NamesFromFHIR(in.Name)}
	e.SetRelationship(cdr.Relationship{Type: cdr.RelationshipPatient, TargetKey: key})
	return e, nil
}

func (m *testRelatedMapper) ToFHIR(_ context.Context, _ *ConversionContext, e *cdr.Entity) (map[string]any, error) {
	out := map[string]any{"resourceType": "RelatedPerson"}
	if rel, ok := e.RelationshipOfType(cdr.RelationshipPatient); ok {
		out["patient"] = Reference{Reference: FormatReference("Patient", rel.TargetKey.String())}
	}
	if len(e.Names) > 0 {
		out["name"] = NamesToFHIR(e.Names)
	}
	return out, nil
}

const testBaseURL = "http://localhost/fhir"

func newTestEngine(t *testing.T) (*cdr.Store, *HandlerRegistry, *TransactionProcessor) {
	t.Helper()
	store := cdr.NewMemoryStoreBundle()
	resolver := NewReferenceResolver(store.Entities, store.Acts)
	registry := NewHandlerRegistry(true)
	if err := registry.Register(NewEntityHandler(&testPatientMapper{authorities: store.Authorities}, store.Entities, CapAll, nil)); err != nil {
		t.Fatalf("register Patient: %v", err)
	}
	if err := registry.Register(NewEntityHandler(&testRelatedMapper{resolver: resolver}, store.Entities, CapAll, nil)); err != nil {
		t.Fatalf("register RelatedPerson: %v", err)
	}
	processor := NewTransactionProcessor(registry, store.Tx, testBaseURL, zerolog.Nop())
	return store, registry, processor
}
