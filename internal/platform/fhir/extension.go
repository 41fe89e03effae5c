package fhir

import (
	"context"
	"fmt"
	"sync"
)

// ExtensionHandler contributes and interprets one extension URI. The engine
// knows nothing about the extension's semantics; it only routes.
//
// Parse's contract is deliberately asymmetric: a handler whose URI or
// resource type does not match contributes nothing and reports no error,
// but a handler that matched on URI and found a malformed value must fail
// with ErrValidationFailed so the client sees "invalid extension value".
type ExtensionHandler interface {
	// URI is the extension URL this handler owns.
	URI() string
	// ProfileURI is the profile the extension is defined in, advertised in
	// resource meta.
	ProfileURI() string
	// AppliesTo lists the resource types the handler serves. Empty means the
	// handler is a catch-all for its URI.
	AppliesTo() []string
	// Construct returns the extensions this handler contributes for a model
	// object, or nothing if it has no relevant data.
	Construct(ctx context.Context, cc *ConversionContext, resourceType string, model any) ([]Extension, error)
	// Parse consumes an extension into the model object. It returns true
	// only when data was actually consumed.
	Parse(ctx context.Context, cc *ConversionContext, resourceType string, ext Extension, model any) (bool, error)
}

// ExtensionPipeline holds the registered extension handlers in registration
// order. Registration happens at startup; lookups are concurrent.
type ExtensionPipeline struct {
	mu       sync.RWMutex
	handlers []ExtensionHandler
}

// NewExtensionPipeline creates an empty pipeline.
func NewExtensionPipeline() *ExtensionPipeline {
	return &ExtensionPipeline{}
}

// Register appends a handler. Two handlers may share a URI only when their
// AppliesTo sets are disjoint; a catch-all (empty AppliesTo) excludes any
// other handler for the same URI.
func (p *ExtensionPipeline) Register(h ExtensionHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.handlers {
		if existing.URI() != h.URI() {
			continue
		}
		if len(existing.AppliesTo()) == 0 || len(h.AppliesTo()) == 0 {
			return fmt.Errorf("extension %s: catch-all handler conflicts with existing registration: %w", h.URI(), ErrConflict)
		}
		if typesIntersect(existing.AppliesTo(), h.AppliesTo()) {
			return fmt.Errorf("extension %s: overlapping resource types with existing registration: %w", h.URI(), ErrConflict)
		}
	}
	p.handlers = append(p.handlers, h)
	return nil
}

// Unregister removes a handler.
func (p *ExtensionPipeline) Unregister(h ExtensionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.handlers {
		if existing == h {
			p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
			return
		}
	}
}

// Construct asks every registered handler, in registration order, whether it
// contributes extensions for the model object. Contributions sharing a URI
// are all emitted.
func (p *ExtensionPipeline) Construct(ctx context.Context, cc *ConversionContext, resourceType string, model any) ([]Extension, error) {
	p.mu.RLock()
	handlers := make([]ExtensionHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	var out []Extension
	for _, h := range handlers {
		if !handlerApplies(h, resourceType) {
			continue
		}
		exts, err := h.Construct(ctx, cc, resourceType, model)
		if err != nil {
			return nil, fmt.Errorf("construct extension %s: %w", h.URI(), err)
		}
		out = append(out, exts...)
	}
	return out, nil
}

// Parse dispatches an extension to the handler matching its URL and the
// model's resource type. No matching handler is a silent no-op, not an
// error; the return value reports whether anything was consumed.
func (p *ExtensionPipeline) Parse(ctx context.Context, cc *ConversionContext, resourceType string, ext Extension, model any) (bool, error) {
	p.mu.RLock()
	handlers := make([]ExtensionHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		if h.URI() != ext.URL || !handlerApplies(h, resourceType) {
			continue
		}
		consumed, err := h.Parse(ctx, cc, resourceType, ext, model)
		if err != nil {
			return false, fmt.Errorf("extension %s: %w", ext.URL, err)
		}
		if consumed {
			return true, nil
		}
	}
	return false, nil
}

// Profiles lists the distinct profile URIs of handlers applicable to a
// resource type, in registration order.
func (p *ExtensionPipeline) Profiles(resourceType string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, h := range p.handlers {
		uri := h.ProfileURI()
		if uri == "" || seen[uri] || !handlerApplies(h, resourceType) {
			continue
		}
		seen[uri] = true
		out = append(out, uri)
	}
	return out
}

func handlerApplies(h ExtensionHandler, resourceType string) bool {
	applies := h.AppliesTo()
	if len(applies) == 0 {
		return true
	}
	for _, rt := range applies {
		if rt == resourceType {
			return true
		}
	}
	return false
}

func typesIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
