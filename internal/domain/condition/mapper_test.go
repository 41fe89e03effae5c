package condition

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

func TestFromFHIR(t *testing.T) {
	mapper, store := testMapper(t)
	patient, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	recorder, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassProvider})
	if err != nil {
		t.Fatalf("seed recorder: %v", err)
	}
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	act, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Condition",
		"clinicalStatus": {"coding": [{"system": "http://terminology.hl7.org/CodeSystem/condition-clinical", "code": "active"}]},
		"code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006", "display": "Diabetes mellitus type 2"}]},
		"subject": {"reference": "Patient/`+patient.Key.String()+`"},
		"onsetDateTime": "2024-11-02T00:00:00Z",
		"recorder": {"reference": "Practitioner/`+recorder.Key.String()+`"},
		"note": [{"text": "diagnosed at annual checkup"}]
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}

	if act.Class != cdr.ActCondition || act.MoodStatus != "active" {
		t.Errorf("class/status = %s/%s", act.Class, act.MoodStatus)
	}
	if act.TypeCode.Code != "44054006" {
		t.Errorf("typeCode = %q", act.TypeCode.Code)
	}
	if subject, ok := act.Participant(cdr.RoleRecordTarget); !ok || subject != patient.Key {
		t.Errorf("subject = %s, want %s", subject, patient.Key)
	}
	if author, ok := act.Participant(cdr.RoleAuthor); !ok || author != recorder.Key {
		t.Errorf("recorder = %s, want %s", author, recorder.Key)
	}
	if act.Effective.Start == nil {
		t.Error("expected onset to set the effective start")
	}
	if len(act.Notes) != 1 || act.Notes[0] != "diagnosed at annual checkup" {
		t.Errorf("notes = %v", act.Notes)
	}
}

func TestFromFHIRRequiredElements(t *testing.T) {
	mapper, store := testMapper(t)
	patient, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	subject := `"subject": {"reference": "Patient/` + patient.Key.String() + `"}`
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	cases := []struct {
		name string
		body string
	}{
		{"missing code", `{"resourceType": "Condition", ` + subject + `}`},
		{"text-only code", `{"resourceType": "Condition", "code": {"text": "gout"}, ` + subject + `}`},
		{"missing subject", `{"resourceType": "Condition", "code": {"coding": [{"code": "44054006"}]}}`},
		{"bad onset", `{"resourceType": "Condition", "code": {"coding": [{"code": "44054006"}]}, ` + subject + `, "onsetDateTime": "yesterday"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, tc.body))
			if !errors.Is(err, fhir.ErrInvalidData) {
				t.Errorf("err = %v, want ErrInvalidData", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	mapper, store := testMapper(t)
	patient, err := store.Entities.Insert(context.Background(), &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	cc := fhir.NewConversionContext(auth.AnonymousPrincipal)

	act, err := mapper.FromFHIR(context.Background(), cc, resourceFromJSON(t, `{
		"resourceType": "Condition",
		"clinicalStatus": {"coding": [{"code": "resolved"}]},
		"code": {"coding": [{"system": "http://snomed.info/sct", "code": "195662009"}]},
		"subject": {"reference": "Patient/`+patient.Key.String()+`"},
		"onsetDateTime": "2026-01-10T08:00:00Z",
		"abatementDateTime": "2026-01-20T08:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	stored, err := store.Acts.Insert(context.Background(), act)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	resource, err := mapper.ToFHIR(context.Background(), cc, stored)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}
	code, ok := resource["code"].(fhir.CodeableConcept)
	if !ok || len(code.Coding) == 0 || code.Coding[0].Code != "195662009" {
		t.Errorf("code = %v", resource["code"])
	}
	status, ok := resource["clinicalStatus"].(fhir.CodeableConcept)
	if !ok || len(status.Coding) == 0 || status.Coding[0].Code != "resolved" {
		t.Errorf("clinicalStatus = %v", resource["clinicalStatus"])
	}
	if resource["onsetDateTime"] != "2026-01-10T08:00:00Z" {
		t.Errorf("onsetDateTime = %v", resource["onsetDateTime"])
	}
	if resource["abatementDateTime"] != "2026-01-20T08:00:00Z" {
		t.Errorf("abatementDateTime = %v", resource["abatementDateTime"])
	}
}

func TestQueryFilter(t *testing.T) {
	mapper, _ := testMapper(t)
	key := "f58a7c11-3b4e-4f0a-8d6c-2e9b0a1c3d5e"

	f, err := mapper.QueryFilter(map[string]string{"patient": "Patient/" + key, "code": "http://snomed.info/sct|44054006"})
	if err != nil {
		t.Fatalf("QueryFilter: %v", err)
	}
	if f.SubjectKey.String() != key {
		t.Errorf("subject = %s, want %s", f.SubjectKey, key)
	}
	if f.TypeCode != "44054006" {
		t.Errorf("code = %q, want 44054006", f.TypeCode)
	}

	if _, err := mapper.QueryFilter(map[string]string{"subject": "wat"}); !errors.Is(err, fhir.ErrInvalidData) {
		t.Errorf("bad subject: err = %v, want ErrInvalidData", err)
	}
}
