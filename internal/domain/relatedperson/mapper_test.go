package relatedperson

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

func seedPatient(t *testing.T, store *cdr.Store) *cdr.Entity {
	t.Helper()
	patient, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return patient
}

func resourceFromJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return out
}

func TestFromFHIR(t *testing.T) {
	mapper, store := testMapper(t)
	patient := seedPatient(t, store)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "RelatedPerson",
		"patient": {"reference": "Patient/`+patient.Key.String()+`"},
		"relationship": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v3-RoleCode", "code": "MTH", "display": "mother"}]}],
		"name": [{"family": "Nguyen", "given": ["Mai"]}],
		"gender": "female",
		"birthDate": "1960"
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}

	if entity.Class != cdr.ClassPerson {
		t.Errorf("class = %s, want %s", entity.Class, cdr.ClassPerson)
	}
	rel, ok := entity.RelationshipOfType(cdr.RelationshipPatient)
	if !ok {
		t.Fatal("expected a patient relationship")
	}
	if rel.TargetKey != patient.Key {
		t.Errorf("relationship target = %s, want %s", rel.TargetKey, patient.Key)
	}
	if rel.Role.Code != "MTH" {
		t.Errorf("relationship role = %q, want MTH", rel.Role.Code)
	}
	if len(entity.Names) != 1 || entity.Names[0].Family != "Nguyen" {
		t.Errorf("names = %v", entity.Names)
	}
	if entity.BirthDate.Precision != cdr.PrecisionYear {
		t.Errorf("birthDate precision = %v, want year", entity.BirthDate.Precision)
	}
}

func TestFromFHIRRequiresPatient(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	cases := []struct {
		name string
		body string
		want error
	}{
		{"wrong type", `{"resourceType": "Patient"}`, fhir.ErrInvalidData},
		{"no patient", `{"resourceType": "RelatedPerson", "name": [{"family": "X"}]}`, fhir.ErrInvalidData},
		{"empty reference", `{"resourceType": "RelatedPerson", "patient": {"display": "someone"}}`, fhir.ErrInvalidData},
		{"unknown patient", `{"resourceType": "RelatedPerson", "patient": {"reference": "Patient/0d4f5a8e-2222-4333-8444-955556666777"}}`, fhir.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, tc.body))
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFromFHIRRejectsNonPatientTarget(t *testing.T) {
	mapper, store := testMapper(t)
	org, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassOrganization})
	if err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	_, err = mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "RelatedPerson",
		"patient": {"reference": "Patient/`+org.Key.String()+`"}
	}`))
	if !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("err = %v, want ErrInvalidData", err)
	}
}

func TestRoundTrip(t *testing.T) {
	mapper, store := testMapper(t)
	patient := seedPatient(t, store)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "RelatedPerson",
		"patient": {"reference": "Patient/`+patient.Key.String()+`"},
		"relationship": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v3-RoleCode", "code": "FTH"}]}],
		"name": [{"family": "Tran", "given": ["Binh"]}],
		"telecom": [{"system": "phone", "value": "555-0199"}]
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	stored, err := store.Entities.Insert(context.Background(), entity)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	resource, err := mapper.ToFHIR(context.Background(), cc, stored)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}
	if resource["resourceType"] != "RelatedPerson" {
		t.Errorf("resourceType = %v", resource["resourceType"])
	}
	ref, ok := resource["patient"].(fhir.Reference)
	if !ok || ref.Reference != "Patient/"+patient.Key.String() {
		t.Errorf("patient = %v", resource["patient"])
	}
	concepts, ok := resource["relationship"].([]fhir.CodeableConcept)
	if !ok || len(concepts) != 1 || len(concepts[0].Coding) == 0 || concepts[0].Coding[0].Code != "FTH" {
		t.Errorf("relationship = %v", resource["relationship"])
	}
	if resource["active"] != true {
		t.Errorf("active = %v, want true", resource["active"])
	}
}

func TestQueryFilter(t *testing.T) {
	mapper, _ := testMapper(t)
	key := "4db61e2a-8a3b-4a6f-9f0d-6f3b2c1d0e9f"

	f, err := mapper.QueryFilter(map[string]string{"patient": "Patient/" + key})
	if err != nil {
		t.Fatalf("QueryFilter: %v", err)
	}
	if f.RelatedTo.String() != key || f.RelatedType != cdr.RelationshipPatient {
		t.Errorf("filter = %+v, want related-to %s", f, key)
	}

	f, err = mapper.QueryFilter(map[string]string{"name": "tran"})
	if err != nil {
		t.Fatalf("QueryFilter name: %v", err)
	}
	if f.NameContains != "tran" {
		t.Errorf("name filter = %q", f.NameContains)
	}

	if _, err := mapper.QueryFilter(map[string]string{"patient": "Patient/nope"}); !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("bad patient: err = %v, want ErrInvalidData", err)
	}
}
