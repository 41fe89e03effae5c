package patient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// remarshal recovers a typed tag value. Tags survive persistence as generic
// JSON, so a stored address comes back as map[string]any.
func remarshal(raw any, v any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

const (
	birthplaceURI     = "http://hl7.org/fhir/StructureDefinition/patient-birthPlace"
	birthplaceProfile = "http://hl7.org/fhir/StructureDefinition/Patient"
	religionURI       = "http://hl7.org/fhir/StructureDefinition/patient-religion"
	religionProfile   = "http://hl7.org/fhir/StructureDefinition/Patient"

	tagBirthplace = "birthplace"
	tagReligion   = "religion"
)

// BirthplaceExtension stores the patient-birthPlace extension as an address
// tag on the entity. When the address resolves to a known place entity the
// patient is also linked to it; an ambiguous match is an error.
type BirthplaceExtension struct {
	places cdr.EntityRepository
}

func NewBirthplaceExtension(places cdr.EntityRepository) *BirthplaceExtension {
	return &BirthplaceExtension{places: places}
}

func (x *BirthplaceExtension) URI() string         { return birthplaceURI }
func (x *BirthplaceExtension) ProfileURI() string  { return birthplaceProfile }
func (x *BirthplaceExtension) AppliesTo() []string { return []string{"Patient"} }

func (x *BirthplaceExtension) Construct(ctx context.Context, cc *fhir.ConversionContext, resourceType string, model any) ([]fhir.Extension, error) {
	entity, ok := model.(*cdr.Entity)
	if !ok {
		return nil, nil
	}
	raw, ok := entity.Tag(tagBirthplace)
	if !ok {
		return nil, nil
	}
	var addr cdr.Address
	if err := remarshal(raw, &addr); err != nil {
		return nil, fhir.ValidationFailedf("stored birthplace is not an address: %v", err)
	}
	wire := fhir.AddressToFHIR(addr)
	return []fhir.Extension{{URL: birthplaceURI, ValueAddress: &wire}}, nil
}

func (x *BirthplaceExtension) Parse(ctx context.Context, cc *fhir.ConversionContext, resourceType string, ext fhir.Extension, model any) (bool, error) {
	if ext.URL != birthplaceURI {
		return false, nil
	}
	entity, ok := model.(*cdr.Entity)
	if !ok {
		return false, nil
	}
	if ext.ValueAddress == nil {
		return false, fhir.ValidationFailedf("extension %s requires valueAddress", birthplaceURI)
	}
	addr := fhir.AddressFromFHIR(*ext.ValueAddress)
	entity.SetTag(tagBirthplace, addr)

	if x.places != nil && (addr.City != "" || addr.State != "") {
		matches, total, err := x.places.Query(ctx, cdr.EntityFilter{
			Class: cdr.ClassPlace,
			City:  addr.City,
			State: addr.State,
		}, 2, 0)
		if err != nil {
			return false, err
		}
		if total > 1 {
			return false, fmt.Errorf("birthplace %q matched %d places: %w", addr.City, total, fhir.ErrMultipleMatches)
		}
		if total == 1 {
			entity.SetRelationship(cdr.Relationship{
				Type:      cdr.RelationshipBirthplace,
				TargetKey: matches[0].Key,
			})
		}
	}
	return true, nil
}

// ReligionExtension stores the patient-religion extension as a coded tag.
type ReligionExtension struct{}

func NewReligionExtension() *ReligionExtension { return &ReligionExtension{} }

func (x *ReligionExtension) URI() string         { return religionURI }
func (x *ReligionExtension) ProfileURI() string  { return religionProfile }
func (x *ReligionExtension) AppliesTo() []string { return []string{"Patient"} }

func (x *ReligionExtension) Construct(ctx context.Context, cc *fhir.ConversionContext, resourceType string, model any) ([]fhir.Extension, error) {
	entity, ok := model.(*cdr.Entity)
	if !ok {
		return nil, nil
	}
	raw, ok := entity.Tag(tagReligion)
	if !ok {
		return nil, nil
	}
	var coded cdr.CodedValue
	if err := remarshal(raw, &coded); err != nil {
		return nil, fhir.ValidationFailedf("stored religion is not a coded value: %v", err)
	}
	concept := fhir.CodedValueToConcept(coded)
	return []fhir.Extension{{URL: religionURI, ValueCodeableConcept: &concept}}, nil
}

func (x *ReligionExtension) Parse(ctx context.Context, cc *fhir.ConversionContext, resourceType string, ext fhir.Extension, model any) (bool, error) {
	if ext.URL != religionURI {
		return false, nil
	}
	entity, ok := model.(*cdr.Entity)
	if !ok {
		return false, nil
	}
	if ext.ValueCodeableConcept == nil {
		return false, fhir.ValidationFailedf("extension %s requires valueCodeableConcept", religionURI)
	}
	coded, err := fhir.ConceptToCodedValue(*ext.ValueCodeableConcept)
	if err != nil {
		return false, fhir.ValidationFailedf("extension %s: %v", religionURI, err)
	}
	entity.SetTag(tagReligion, coded)
	return true, nil
}
