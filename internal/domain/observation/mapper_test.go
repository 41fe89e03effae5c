package observation

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

	act, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Observation",
		"status": "final",
		"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"}]},
		"subject": {"reference": "Patient/`+patient.Key.String()+`"},
		"effectiveDateTime": "2026-08-30T14:05:00Z",
		"valueQuantity": {"value": 72, "unit": "beats/minute", "system": "http://unitsofmeasure.org", "code": "/min"},
		"note": [{"text": "resting"}]
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}

	if act.Class != cdr.ActObservation || act.MoodStatus != "final" {
		t.Errorf("class/status = %s/%s", act.Class, act.MoodStatus)
	}
	if act.TypeCode.Code != "8867-4" {
		t.Errorf("typeCode = %+v", act.TypeCode)
	}
	subject, ok := act.Participant(cdr.RoleRecordTarget)
	if !ok || subject != patient.Key {
		t.Errorf("subject = %v ok=%v", subject, ok)
	}
	if act.Value == nil || act.Value.Quantity == nil || act.Value.Quantity.Value != 72 {
		t.Errorf("value = %+v", act.Value)
	}
	if act.Effective.Start == nil {
		t.Errorf("effective not captured")
	}
	if len(act.Notes) != 1 || act.Notes[0] != "resting" {
		t.Errorf("notes = %v", act.Notes)
	}
}

func TestFromFHIRRequiredElements(t *testing.T) {
	mapper, store := testMapper(t)
	patient := seedPatient(t, store)
	subjectRef := "Patient/" + patient.Key.String()

	tests := []struct {
		name     string
		resource string
	}{
		{"missing code", `{"resourceType": "Observation", "status": "final", "subject": {"reference": "` + subjectRef + `"}}`},
		{"text-only code", `{"resourceType": "Observation", "status": "final", "code": {"text": "heart rate"}, "subject": {"reference": "` + subjectRef + `"}}`},
		{"missing subject", `{"resourceType": "Observation", "status": "final", "code": {"coding": [{"code": "8867-4"}]}}`},
		{"two values", `{
			"resourceType": "Observation", "status": "final",
			"code": {"coding": [{"code": "8867-4"}]},
			"subject": {"reference": "` + subjectRef + `"},
			"valueString": "72",
			"valueBoolean": true
		}`},
		{"bad effective", `{
			"resourceType": "Observation", "status": "final",
			"code": {"coding": [{"code": "8867-4"}]},
			"subject": {"reference": "` + subjectRef + `"},
			"effectiveDateTime": "last tuesday"
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
			_, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, tt.resource))
			if !errors.Is(err, fhir.ErrInvalidData) {
				t.Fatalf("err = %v, want ErrInvalidData", err)
			}
		})
	}
}

func TestFromFHIRUnknownSubject(t *testing.T) {
	mapper, _ := testMapper(t)
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)
	_, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Observation",
		"status": "final",
		"code": {"coding": [{"code": "8867-4"}]},
		"subject": {"reference": "Patient/11111111-2222-3333-4444-555555555555"}
	}`))
	if !errors.Is(err, fhir.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRoundTrip(t *testing.T) {
	mapper, store := testMapper(t)
	patient := seedPatient(t, store)
	ctx := context.Background()
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	act, err := mapper.FromFHIR(ctx, cc, resourceFromJSON(t, `{
		"resourceType": "Observation",
		"status": "preliminary",
		"code": {"coding": [{"system": "http://loinc.org", "code": "8310-5", "display": "Body temperature"}]},
		"subject": {"reference": "Patient/`+patient.Key.String()+`"},
		"valueQuantity": {"value": 37.2, "unit": "Cel", "system": "http://unitsofmeasure.org", "code": "Cel"}
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	stored, err := store.Acts.Insert(ctx, act)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	resource, err := mapper.ToFHIR(ctx, cc, stored)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}
	if resource["status"] != "preliminary" {
		t.Errorf("status = %v", resource["status"])
	}
	code, _ := resource["code"].(fhir.CodeableConcept)
	if len(code.Coding) != 1 || code.Coding[0].Code != "8310-5" {
		t.Errorf("code = %+v", code)
	}
	subject, _ := resource["subject"].(fhir.Reference)
	if subject.Reference != "Patient/"+patient.Key.String() {
		t.Errorf("subject = %+v", subject)
	}
	q, _ := resource["valueQuantity"].(fhir.Quantity)
	if q.Value == nil || *q.Value != 37.2 {
		t.Errorf("valueQuantity = %+v", q)
	}
}

func TestCheckUpdate(t *testing.T) {
	mapper, _ := testMapper(t)

	obs := func(status string) *cdr.Act { return &cdr.Act{MoodStatus: status} }

	tests := []struct {
		name     string
		from, to string
		wantErr  bool
	}{
		{"same status", "final", "final", false},
		{"forward", "preliminary", "final", false},
		{"amend", "final", "amended", false},
		{"cancel", "final", "cancelled", false},
		{"mark entered-in-error", "final", "entered-in-error", false},
		{"regression", "final", "preliminary", true},
		{"entered-in-error is terminal", "entered-in-error", "final", true},
		{"unknown target", "final", "bogus", true},
		{"unknown current", "bogus", "final", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapper.CheckUpdate(obs(tt.from), obs(tt.to))
			if tt.wantErr {
				if !errors.Is(err, fhir.ErrNotSupported) {
					t.Fatalf("err = %v, want ErrNotSupported", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckUpdate: %v", err)
			}
		})
	}
}

func TestQueryFilter(t *testing.T) {
	mapper, store := testMapper(t)
	patient := seedPatient(t, store)

	f, err := mapper.QueryFilter(map[string]string{
		"patient": "Patient/" + patient.Key.String(),
		"code":    "http://loinc.org|8867-4",
	})
	if err != nil {
		t.Fatalf("QueryFilter: %v", err)
	}
	if f.SubjectKey != patient.Key {
		t.Errorf("subjectKey = %v", f.SubjectKey)
	}
	if f.TypeCode != "8867-4" {
		t.Errorf("typeCode = %q", f.TypeCode)
	}

	if _, err := mapper.QueryFilter(map[string]string{"subject": "not-a-reference"}); !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("bad subject: err = %v, want ErrInvalidData", err)
	}
}

func TestFromFHIRKeepsAllPerformers(t *testing.T) {
	mapper, store := testMapper(t)
	patient := seedPatient(t, store)
	first, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassProvider})
	if err != nil {
		t.Fatalf("seed performer: %v", err)
	}
	second, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassProvider})
	if err != nil {
		t.Fatalf("seed performer: %v", err)
	}
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	act, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Observation",
		"status": "final",
		"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4"}]},
		"subject": {"reference": "Patient/`+patient.Key.String()+`"},
		"performer": [
			{"reference": "Practitioner/`+first.Key.String()+`"},
			{"reference": "Practitioner/`+second.Key.String()+`"}
		],
		"valueString": "within normal limits"
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}

	performers := act.Participants(cdr.RolePerformer)
	if len(performers) != 2 || performers[0] != first.Key || performers[1] != second.Key {
		t.Fatalf("performers = %v, want [%s %s]", performers, first.Key, second.Key)
	}

	resource, err := mapper.ToFHIR(context.Background(), cc, act)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}
	refs, ok := resource["performer"].([]fhir.Reference)
	if !ok || len(refs) != 2 {
		t.Fatalf("performer = %v, want 2 references", resource["performer"])
	}
	if refs[1].Reference != "Practitioner/"+second.Key.String() {
		t.Errorf("performer[1] = %v", refs[1])
	}
}
