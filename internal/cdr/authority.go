package cdr

import (
	"fmt"
	"sync"
)

// AssigningAuthority describes an identifier-issuing authority and the ways
// it is named on the wire: a FHIR system URL and an OID.
type AssigningAuthority struct {
	Domain string // stable internal name, e.g. "MRN"
	Name   string
	URL    string // FHIR Identifier.system
	OID    string
}

// AuthorityRegistry resolves between authority domains and their wire-level
// system URLs/OIDs. Lookups are read-mostly; registration happens at startup.
type AuthorityRegistry struct {
	mu       sync.RWMutex
	byDomain map[string]AssigningAuthority
	bySystem map[string]AssigningAuthority
}

// NewAuthorityRegistry creates an empty registry.
func NewAuthorityRegistry() *AuthorityRegistry {
	return &AuthorityRegistry{
		byDomain: make(map[string]AssigningAuthority),
		bySystem: make(map[string]AssigningAuthority),
	}
}

// Register adds an authority. The last registration for a domain wins.
func (r *AuthorityRegistry) Register(a AssigningAuthority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDomain[a.Domain] = a
	if a.URL != "" {
		r.bySystem[a.URL] = a
	}
	if a.OID != "" {
		r.bySystem["urn:oid:"+a.OID] = a
	}
}

// ByDomain resolves an authority by its internal domain name.
func (r *AuthorityRegistry) ByDomain(domain string) (AssigningAuthority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byDomain[domain]
	if !ok {
		return AssigningAuthority{}, fmt.Errorf("unknown assigning authority domain %q", domain)
	}
	return a, nil
}

// BySystem resolves an authority by FHIR system URL or urn:oid form.
func (r *AuthorityRegistry) BySystem(system string) (AssigningAuthority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySystem[system]
	if !ok {
		return AssigningAuthority{}, fmt.Errorf("unknown identifier system %q", system)
	}
	return a, nil
}

// DefaultAuthorities returns the authorities configured out of the box.
func DefaultAuthorities() []AssigningAuthority {
	return []AssigningAuthority{
		{Domain: "MRN", Name: "Medical Record Number", URL: "http://fhirbridge.example.org/identifier/mrn", OID: "1.3.6.1.4.1.52820.5.1"},
		{Domain: "SSN", Name: "Social Security Number", URL: "http://hl7.org/fhir/sid/us-ssn", OID: "2.16.840.1.113883.4.1"},
		{Domain: "NPI", Name: "National Provider Identifier", URL: "http://hl7.org/fhir/sid/us-npi", OID: "2.16.840.1.113883.4.6"},
	}
}
