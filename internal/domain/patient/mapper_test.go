package patient

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
	pipeline := fhir.NewExtensionPipeline()
	if err := pipeline.Register(NewBirthplaceExtension(store.Entities)); err != nil {
		t.Fatalf("register birthplace: %v", err)
	}
	if err := pipeline.Register(NewReligionExtension()); err != nil {
		t.Fatalf("register religion: %v", err)
	}
	return NewMapper(store.Authorities, pipeline), store
}

func resourceFromJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return out
}

const samplePatient = `{
	"resourceType": "Patient",
	"identifier": [{"system": "http://fhirbridge.example.org/identifier/mrn", "value": "MRN-001"}],
	"name": [{"use": "official", "family": "Nguyen", "given": ["Linh"]}],
	"telecom": [{"system": "phone", "value": "555-0100", "use": "home"}],
	"gender": "female",
	"birthDate": "1985-03",
	"address": [{"city": "Portland", "state": "OR", "line": ["12 Oak St"]}],
	"extension": [
		{
			"url": "http://hl7.org/fhir/StructureDefinition/patient-birthPlace",
			"valueAddress": {"city": "Hanoi", "country": "VN"}
		},
		{
			"url": "http://hl7.org/fhir/StructureDefinition/patient-religion",
			"valueCodeableConcept": {"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v3-ReligiousAffiliation", "code": "1013", "display": "Buddhism"}]}
		}
	]
}`

func TestFromFHIR(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, samplePatient))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}

	if entity.Class != cdr.ClassPatient {
		t.Errorf("class = %s", entity.Class)
	}
	if len(entity.Names) != 1 || entity.Names[0].Family != "Nguyen" {
		t.Errorf("names = %+v", entity.Names)
	}
	if len(entity.Identifiers) != 1 || entity.Identifiers[0].Authority != "MRN" || entity.Identifiers[0].Value != "MRN-001" {
		t.Errorf("identifiers = %+v", entity.Identifiers)
	}
	if entity.Gender != "female" {
		t.Errorf("gender = %q", entity.Gender)
	}
	if got := fhir.DateToFHIR(entity.BirthDate); got != "1985-03" {
		t.Errorf("birthDate = %q, want month precision preserved", got)
	}
	if len(entity.Addresses) != 1 || entity.Addresses[0].City != "Portland" {
		t.Errorf("addresses = %+v", entity.Addresses)
	}

	raw, ok := entity.Tag("birthplace")
	if !ok {
		t.Fatalf("birthplace tag missing")
	}
	birthplace, ok := raw.(cdr.Address)
	if !ok || birthplace.City != "Hanoi" {
		t.Errorf("birthplace = %#v", raw)
	}
	if _, ok := entity.Tag("religion"); !ok {
		t.Errorf("religion tag missing")
	}
}

func TestFromFHIRWrongType(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	_, err := mapper.FromFHIR(context.Background(), cc, map[string]any{"resourceType": "Observation"})
	if !errors.Is(err, fhir.ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
}

func TestFromFHIRBadBirthDate(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	_, err := mapper.FromFHIR(context.Background(), cc, map[string]any{
		"resourceType": "Patient",
		"birthDate":    "spring of 85",
	})
	if !errors.Is(err, fhir.ErrInvalidData) {
		t.Fatalf("err = %v, want ErrInvalidData", err)
	}
}

func TestFromFHIRBadExtensionValue(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	_, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Patient",
		"extension": [{
			"url": "http://hl7.org/fhir/StructureDefinition/patient-birthPlace",
			"valueString": "Hanoi"
		}]
	}`))
	if !errors.Is(err, fhir.ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
}

func TestFromFHIRUnknownExtensionIgnored(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Patient",
		"extension": [{"url": "http://example.org/ext/unknown", "valueString": "x"}]
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	if len(entity.Tags) != 0 {
		t.Errorf("tags = %+v, want none", entity.Tags)
	}
}

func TestRoundTrip(t *testing.T) {
	mapper, store := testMapper(t)
	ctx := context.Background()
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	entity, err := mapper.FromFHIR(ctx, cc, resourceFromJSON(t, samplePatient))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	// Persist and reload so tag values degrade to generic JSON, the way
	// they arrive in production reads.
	stored, err := store.Entities.Insert(ctx, entity)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	resource, err := mapper.ToFHIR(ctx, cc, stored)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}

	if resource["resourceType"] != "Patient" || resource["active"] != true {
		t.Errorf("resourceType/active = %v/%v", resource["resourceType"], resource["active"])
	}
	if resource["birthDate"] != "1985-03" {
		t.Errorf("birthDate = %v", resource["birthDate"])
	}

	exts, ok := resource["extension"].([]fhir.Extension)
	if !ok || len(exts) != 2 {
		t.Fatalf("extension = %#v", resource["extension"])
	}
	byURL := map[string]fhir.Extension{}
	for _, e := range exts {
		byURL[e.URL] = e
	}
	bp := byURL["http://hl7.org/fhir/StructureDefinition/patient-birthPlace"]
	if bp.ValueAddress == nil || bp.ValueAddress.City != "Hanoi" {
		t.Errorf("birthplace extension = %+v", bp)
	}
	rel := byURL["http://hl7.org/fhir/StructureDefinition/patient-religion"]
	if rel.ValueCodeableConcept == nil || len(rel.ValueCodeableConcept.Coding) == 0 || rel.ValueCodeableConcept.Coding[0].Code != "1013" {
		t.Errorf("religion extension = %+v", rel)
	}
}

func TestQueryFilter(t *testing.T) {
	mapper, _ := testMapper(t)

	f, err := mapper.QueryFilter(map[string]string{
		"identifier":   "http://fhirbridge.example.org/identifier/mrn|MRN-001",
		"name":         "ngu",
		"address-city": "Portland",
	})
	if err != nil {
		t.Fatalf("QueryFilter: %v", err)
	}
	if f.IdentifierSystem != "MRN" || f.IdentifierValue != "MRN-001" {
		t.Errorf("identifier filter = %q/%q", f.IdentifierSystem, f.IdentifierValue)
	}
	if f.NameContains != "ngu" || f.City != "Portland" {
		t.Errorf("filter = %+v", f)
	}

	// Bare value: any system.
	f, err = mapper.QueryFilter(map[string]string{"identifier": "MRN-001"})
	if err != nil {
		t.Fatalf("QueryFilter bare: %v", err)
	}
	if f.IdentifierSystem != "" || f.IdentifierValue != "MRN-001" {
		t.Errorf("bare identifier filter = %+v", f)
	}

	if _, err := mapper.QueryFilter(map[string]string{"identifier": "http://unknown.example.org|x"}); !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("unknown system: err = %v, want ErrInvalidData", err)
	}
	if _, err := mapper.QueryFilter(map[string]string{"_id": "not-a-uuid"}); !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("bad _id: err = %v, want ErrInvalidData", err)
	}
}

func birthplacePatient(city string) string {
	return `{
		"resourceType": "Patient",
		"name": [{"family": "Tran"}],
		"extension": [{
			"url": "http://hl7.org/fhir/StructureDefinition/patient-birthPlace",
			"valueAddress": {"city": "` + city + `", "country": "VN"}
		}]
	}`
}

func insertPlace(t *testing.T, store *cdr.Store, city string) *cdr.Entity {
	t.Helper()
	place, err := store.Entities.Insert(context.Background(), &cdr.Entity{
		Class:     cdr.ClassPlace,
		Names:     []cdr.Name{{Family: city}},
		Addresses: []cdr.Address{{City: city, Country: "VN"}},
	})
	if err != nil {
		t.Fatalf("insert place: %v", err)
	}
	return place
}

func TestBirthplaceLinksKnownPlace(t *testing.T) {
	mapper, store := testMapper(t)
	place := insertPlace(t, store, "Hanoi")
	insertPlace(t, store, "Hue")

	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, birthplacePatient("Hanoi")))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	rel, ok := entity.RelationshipOfType(cdr.RelationshipBirthplace)
	if !ok {
		t.Fatal("expected a birthplace relationship")
	}
	if rel.TargetKey != place.Key {
		t.Errorf("relationship target = %s, want %s", rel.TargetKey, place.Key)
	}
	if _, ok := entity.Tag("birthplace"); !ok {
		t.Error("address tag should be kept alongside the link")
	}
}

func TestBirthplaceUnknownPlaceKeepsAddressOnly(t *testing.T) {
	mapper, _ := testMapper(t)

	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	entity, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, birthplacePatient("Da Nang")))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	if _, ok := entity.RelationshipOfType(cdr.RelationshipBirthplace); ok {
		t.Error("no relationship expected when no place matches")
	}
	if _, ok := entity.Tag("birthplace"); !ok {
		t.Error("address tag should still be recorded")
	}
}

func TestBirthplaceAmbiguousMatchFails(t *testing.T) {
	mapper, store := testMapper(t)
	insertPlace(t, store, "Hanoi")
	insertPlace(t, store, "Hanoi")

	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	_, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, birthplacePatient("Hanoi")))
	if !errors.Is(err, fhir.ErrMultipleMatches) {
		t.Fatalf("err = %v, want ErrMultipleMatches", err)
	}
}
