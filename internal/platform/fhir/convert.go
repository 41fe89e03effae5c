package fhir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// ErrUnmappedCode marks a code or identifier system the converter cannot map
// into the repository's terminology. Callers decide whether the condition is
// fatal or the field is dropped with an issue on the ConversionContext.
var ErrUnmappedCode = errors.New("cannot map concept")

// Conversions in this file are pure: no transaction state, no repository
// access beyond the read-only authority registry.

// CodedValueToConcept renders a repository coded value as a CodeableConcept.
func CodedValueToConcept(v cdr.CodedValue) CodeableConcept {
	return CodeableConcept{
		Coding: []Coding{{System: v.System, Code: v.Code, Display: v.Display}},
		Text:   v.Display,
	}
}

// ConceptToCodedValue extracts the repository coded value from a
// CodeableConcept. A concept without any coding cannot be mapped.
func ConceptToCodedValue(c CodeableConcept) (cdr.CodedValue, error) {
	for _, coding := range c.Coding {
		if coding.Code != "" {
			return cdr.CodedValue{System: coding.System, Code: coding.Code, Display: coding.Display}, nil
		}
	}
	if c.Text != "" {
		return cdr.CodedValue{Display: c.Text}, fmt.Errorf("concept %q has no coding: %w", c.Text, ErrUnmappedCode)
	}
	return cdr.CodedValue{}, fmt.Errorf("empty concept: %w", ErrUnmappedCode)
}

// IdentifierToFHIR renders a repository identifier, resolving its assigning
// authority to the wire-level system URL.
func IdentifierToFHIR(id cdr.Identifier, authorities *cdr.AuthorityRegistry) (Identifier, error) {
	authority, err := authorities.ByDomain(id.Authority)
	if err != nil {
		return Identifier{}, fmt.Errorf("identifier authority %q: %w", id.Authority, ErrUnmappedCode)
	}
	return Identifier{System: authority.URL, Value: id.Value, Use: id.Use}, nil
}

// IdentifierFromFHIR parses a wire identifier, resolving its system (URL or
// urn:oid) to a registered assigning authority.
func IdentifierFromFHIR(id Identifier, authorities *cdr.AuthorityRegistry) (cdr.Identifier, error) {
	if id.Value == "" {
		return cdr.Identifier{}, fmt.Errorf("identifier without value: %w", ErrUnmappedCode)
	}
	authority, err := authorities.BySystem(id.System)
	if err != nil {
		return cdr.Identifier{}, fmt.Errorf("identifier system %q: %w", id.System, ErrUnmappedCode)
	}
	return cdr.Identifier{Authority: authority.Domain, Value: id.Value, Use: id.Use}, nil
}

// IdentifiersToFHIR converts a list of identifiers. Unmappable entries are
// dropped with an issue recorded on the context.
func IdentifiersToFHIR(cc *ConversionContext, ids []cdr.Identifier, authorities *cdr.AuthorityRegistry) []Identifier {
	var out []Identifier
	for _, id := range ids {
		converted, err := IdentifierToFHIR(id, authorities)
		if err != nil {
			cc.AddIssue(IssueSeverityWarning, IssueTypeCodeInvalid, err.Error())
			continue
		}
		out = append(out, converted)
	}
	return out
}

// IdentifiersFromFHIR converts a list of wire identifiers. Unmappable entries
// are dropped with an issue recorded on the context.
func IdentifiersFromFHIR(cc *ConversionContext, ids []Identifier, authorities *cdr.AuthorityRegistry) []cdr.Identifier {
	var out []cdr.Identifier
	for _, id := range ids {
		converted, err := IdentifierFromFHIR(id, authorities)
		if err != nil {
			cc.AddIssue(IssueSeverityWarning, IssueTypeCodeInvalid, err.Error())
			continue
		}
		out = append(out, converted)
	}
	return out
}

// NameToFHIR renders a repository name as a HumanName.
func NameToFHIR(n cdr.Name) HumanName {
	return HumanName{
		Use:    n.Use,
		Family: n.Family,
		Given:  n.Given,
		Prefix: n.Prefix,
		Suffix: n.Suffix,
	}
}

// NameFromFHIR parses a HumanName into a repository name.
func NameFromFHIR(n HumanName) cdr.Name {
	return cdr.Name{
		Use:    n.Use,
		Family: n.Family,
		Given:  n.Given,
		Prefix: n.Prefix,
		Suffix: n.Suffix,
	}
}

// NamesToFHIR converts a list of names.
func NamesToFHIR(names []cdr.Name) []HumanName {
	out := make([]HumanName, 0, len(names))
	for _, n := range names {
		out = append(out, NameToFHIR(n))
	}
	return out
}

// NamesFromFHIR converts a list of wire names.
func NamesFromFHIR(names []HumanName) []cdr.Name {
	out := make([]cdr.Name, 0, len(names))
	for _, n := range names {
		out = append(out, NameFromFHIR(n))
	}
	return out
}

// AddressToFHIR renders a repository address.
func AddressToFHIR(a cdr.Address) Address {
	return Address{
		Use:        a.Use,
		Line:       a.Line,
		City:       a.City,
		District:   a.District,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

// AddressFromFHIR parses a wire address.
func AddressFromFHIR(a Address) cdr.Address {
	return cdr.Address{
		Use:        a.Use,
		Line:       a.Line,
		City:       a.City,
		District:   a.District,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

// AddressesToFHIR converts a list of addresses.
func AddressesToFHIR(addrs []cdr.Address) []Address {
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, AddressToFHIR(a))
	}
	return out
}

// AddressesFromFHIR converts a list of wire addresses.
func AddressesFromFHIR(addrs []Address) []cdr.Address {
	out := make([]cdr.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, AddressFromFHIR(a))
	}
	return out
}

// TelecomToFHIR renders a repository telecom as a ContactPoint.
func TelecomToFHIR(t cdr.Telecom) ContactPoint {
	return ContactPoint{System: t.System, Value: t.Value, Use: t.Use}
}

// TelecomFromFHIR parses a ContactPoint.
func TelecomFromFHIR(t ContactPoint) cdr.Telecom {
	return cdr.Telecom{System: t.System, Value: t.Value, Use: t.Use}
}

// TelecomsToFHIR converts a list of telecoms.
func TelecomsToFHIR(ts []cdr.Telecom) []ContactPoint {
	out := make([]ContactPoint, 0, len(ts))
	for _, t := range ts {
		out = append(out, TelecomToFHIR(t))
	}
	return out
}

// TelecomsFromFHIR converts a list of contact points.
func TelecomsFromFHIR(ts []ContactPoint) []cdr.Telecom {
	out := make([]cdr.Telecom, 0, len(ts))
	for _, t := range ts {
		out = append(out, TelecomFromFHIR(t))
	}
	return out
}

// IntervalToPeriod renders a repository interval.
func IntervalToPeriod(i cdr.Interval) *Period {
	if i.Start == nil && i.Stop == nil {
		return nil
	}
	return &Period{Start: i.Start, End: i.Stop}
}

// PeriodToInterval parses a wire period.
func PeriodToInterval(p *Period) cdr.Interval {
	if p == nil {
		return cdr.Interval{}
	}
	return cdr.Interval{Start: p.Start, Stop: p.End}
}

// QuantityToFHIR renders a repository quantity.
func QuantityToFHIR(q cdr.Quantity) Quantity {
	v := q.Value
	return Quantity{Value: &v, Unit: q.Unit, System: q.System, Code: q.Code}
}

// QuantityFromFHIR parses a wire quantity. A quantity without a value cannot
// be mapped.
func QuantityFromFHIR(q Quantity) (cdr.Quantity, error) {
	if q.Value == nil {
		return cdr.Quantity{}, fmt.Errorf("quantity without value: %w", ErrUnmappedCode)
	}
	return cdr.Quantity{Value: *q.Value, Unit: q.Unit, System: q.System, Code: q.Code}, nil
}

// DateToFHIR renders a repository date at its captured precision.
func DateToFHIR(d cdr.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// DateFromFHIR parses a FHIR date or dateTime string, preserving precision.
func DateFromFHIR(s string) (cdr.Date, error) {
	if s == "" {
		return cdr.Date{}, nil
	}
	d, err := cdr.ParseDate(s)
	if err != nil {
		return cdr.Date{}, InvalidDataf("date %q", s)
	}
	return d, nil
}

// SplitToken splits a token search value of the form "system|value" into its
// parts. A bare value has no system part.
func SplitToken(token string) (system, value string) {
	if i := strings.IndexByte(token, '|'); i >= 0 {
		return token[:i], token[i+1:]
	}
	return "", token
}
