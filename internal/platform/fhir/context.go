package fhir

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/platform/auth"
)

// ConversionContext is the ambient state of one construct or parse operation:
// who is acting, the enclosing Bundle's placeholder map when we are inside a
// transaction, and any non-fatal issues collected along the way. It belongs
// to the request that created it and is never shared.
type ConversionContext struct {
	Principal    auth.Principal
	placeholders map[string]uuid.UUID
	Issues       []OperationOutcomeIssue
}

// NewConversionContext creates a context for a standalone operation.
func NewConversionContext(p auth.Principal) *ConversionContext {
	return &ConversionContext{Principal: p}
}

// SeedPlaceholder registers a bundle-local token (an entry fullUrl or
// urn:uuid) before its producing entry has executed.
func (cc *ConversionContext) SeedPlaceholder(token string) {
	if cc.placeholders == nil {
		cc.placeholders = make(map[string]uuid.UUID)
	}
	if _, exists := cc.placeholders[token]; !exists {
		cc.placeholders[token] = uuid.Nil
	}
}

// BindPlaceholder records the key assigned to a token by its producing entry.
// A token binds to at most one key per transaction.
func (cc *ConversionContext) BindPlaceholder(token string, key uuid.UUID) error {
	if cc.placeholders == nil {
		cc.placeholders = make(map[string]uuid.UUID)
	}
	if existing, ok := cc.placeholders[token]; ok && existing != uuid.Nil && existing != key {
		return fmt.Errorf("placeholder %s already bound to %s", token, existing)
	}
	cc.placeholders[token] = key
	return nil
}

// LookupPlaceholder resolves a token. The second return distinguishes "token
// is not part of this bundle" (false) from "token is known but its producing
// entry has not executed yet", which is an ordering error.
func (cc *ConversionContext) LookupPlaceholder(token string) (uuid.UUID, bool, error) {
	key, ok := cc.placeholders[token]
	if !ok {
		return uuid.Nil, false, nil
	}
	if key == uuid.Nil {
		return uuid.Nil, true, fmt.Errorf("reference %s targets a bundle entry that has not been processed yet", token)
	}
	return key, true, nil
}

// HasPlaceholders reports whether this context belongs to a bundle submission.
func (cc *ConversionContext) HasPlaceholders() bool {
	return len(cc.placeholders) > 0
}

// AddIssue records a non-fatal issue encountered during conversion, such as a
// dropped unmappable code.
func (cc *ConversionContext) AddIssue(severity, code, diagnostics string) {
	cc.Issues = append(cc.Issues, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
}
