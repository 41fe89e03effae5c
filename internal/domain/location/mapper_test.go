package location

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/auth"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

func testMapper(t *testing.T) (*Mapper, *cdr.Store) {
	t.Helper()
	store := cdr.NewMemoryStoreBundle()
	resolver := fhir.NewReferenceResolver(store.Entities, store.Acts)
	return NewMapper(store.Authorities, fhir.NewExtensionPipeline(), resolver), store
}

func resourceFromJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	mapper, store := testMapper(t)
	org, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassOrganization})
	if err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Location",
		"name": "East Wing ICU",
		"type": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v3-RoleCode", "code": "ICU"}]}],
		"address": {"city": "Portland", "state": "OR"},
		"managingOrganization": {"reference": "Organization/`+org.Key.String()+`"}
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	if entity.Class != cdr.ClassPlace {
		t.Errorf("class = %s, want %s", entity.Class, cdr.ClassPlace)
	}
	rel, ok := entity.RelationshipOfType(cdr.RelationshipServiceSite)
	if !ok || rel.TargetKey != org.Key {
		t.Errorf("service site = %v, want %s", rel, org.Key)
	}

	stored, err := store.Entities.Insert(context.Background(), entity)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	resource, err := mapper.ToFHIR(context.Background(), cc, stored)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}
	if resource["name"] != "East Wing ICU" || resource["status"] != "active" {
		t.Errorf("name/status = %v/%v", resource["name"], resource["status"])
	}
	types, ok := resource["type"].([]fhir.CodeableConcept)
	if !ok || len(types) != 1 || types[0].Coding[0].Code != "ICU" {
		t.Errorf("type = %v", resource["type"])
	}
	ref, ok := resource["managingOrganization"].(fhir.Reference)
	if !ok || ref.Reference != "Organization/"+org.Key.String() {
		t.Errorf("managingOrganization = %v", resource["managingOrganization"])
	}
}

func TestFromFHIRRejectsNonOrganizationManager(t *testing.T) {
	mapper, store := testMapper(t)
	patient, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	_, err = mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Location",
		"name": "Annex",
		"managingOrganization": {"reference": "Organization/`+patient.Key.String()+`"}
	}`))
	if !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("err = %v, want ErrInvalidData", err)
	}
}

func TestQueryFilter(t *testing.T) {
	mapper, _ := testMapper(t)
	key := "a1b2c3d4-5e6f-4a7b-8c9d-0e1f2a3b4c5d"

	f, err := mapper.QueryFilter(map[string]string{"name": "icu", "address-city": "Portland", "organization": "Organization/" + key})
	if err != nil {
		t.Fatalf("QueryFilter: %v", err)
	}
	if f.NameContains != "icu" || f.City != "Portland" {
		t.Errorf("filter = %+v", f)
	}
	if f.RelatedTo.String() != key || f.RelatedType != cdr.RelationshipServiceSite {
		t.Errorf("organization filter = %+v", f)
	}

	if _, err := mapper.QueryFilter(map[string]string{"organization": "nope"}); !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("bad organization: err = %v, want ErrInvalidData", err)
	}
}
