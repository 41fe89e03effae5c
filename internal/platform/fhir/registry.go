package fhir

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Capability is the set of interactions a resource handler implements.
type Capability uint8

const (
	CapCreate Capability = 1 << iota
	CapRead
	CapUpdate
	CapDelete
	CapHistory
	CapQuery
)

// CapAll is the full interaction set.
const CapAll = CapCreate | CapRead | CapUpdate | CapDelete | CapHistory | CapQuery

// Has reports whether the capability set includes c.
func (s Capability) Has(c Capability) bool { return s&c != 0 }

// Interactions lists the FHIR interaction codes for a capability set.
func (s Capability) Interactions() []string {
	var out []string
	if s.Has(CapRead) {
		out = append(out, "read", "vread")
	}
	if s.Has(CapCreate) {
		out = append(out, "create")
	}
	if s.Has(CapUpdate) {
		out = append(out, "update")
	}
	if s.Has(CapDelete) {
		out = append(out, "delete")
	}
	if s.Has(CapHistory) {
		out = append(out, "history-instance")
	}
	if s.Has(CapQuery) {
		out = append(out, "search-type")
	}
	return out
}

// Result is the outcome of one resource interaction.
type Result struct {
	Resource     map[string]any
	ID           string
	VersionID    int
	LastModified time.Time
	Created      bool
	// Deleted is set when the returned representation is the current version
	// of a soft-deleted record. The transport decides the status code.
	Deleted bool
}

// ResourceHandler executes the FHIR interactions for one resource type
// against the repository. Handlers that hold external resources may also
// implement io.Closer; the registry closes them when they are replaced or
// unregistered.
type ResourceHandler interface {
	ResourceType() string
	Capabilities() Capability
	Create(ctx context.Context, cc *ConversionContext, resource map[string]any) (*Result, error)
	Read(ctx context.Context, cc *ConversionContext, id string) (*Result, error)
	VRead(ctx context.Context, cc *ConversionContext, id string, versionID string) (*Result, error)
	Update(ctx context.Context, cc *ConversionContext, id string, resource map[string]any) (*Result, error)
	Delete(ctx context.Context, cc *ConversionContext, id string) (*Result, error)
	History(ctx context.Context, cc *ConversionContext, id string, limit, offset int) ([]*Result, int, error)
	Query(ctx context.Context, cc *ConversionContext, params map[string]string, limit, offset int) ([]*Result, int, error)
}

// HandlerRegistry routes a resource type to the one handler responsible for
// it. Lookups vastly outnumber mutations: mutation happens at startup and
// reconfiguration only.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ResourceHandler
	strict   bool
}

// NewHandlerRegistry creates an empty registry. In strict mode a second
// registration for the same resource type is rejected instead of replacing
// the first.
func NewHandlerRegistry(strict bool) *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]ResourceHandler), strict: strict}
}

// Register binds a handler to its declared resource type. Outside strict
// mode the last registration wins; a displaced handler implementing
// io.Closer is closed.
func (r *HandlerRegistry) Register(h ResourceHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := h.ResourceType()
	if existing, ok := r.handlers[rt]; ok {
		if r.strict {
			return fmt.Errorf("handler already registered for %q: %w", rt, ErrConflict)
		}
		closeHandler(existing)
	}
	r.handlers[rt] = h
	return nil
}

// Unregister removes the handler for a resource type, closing it if it holds
// external resources. Unregistering an unknown type is a no-op.
func (r *HandlerRegistry) Unregister(h ResourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := h.ResourceType()
	if existing, ok := r.handlers[rt]; ok && existing == h {
		delete(r.handlers, rt)
		closeHandler(existing)
	}
}

// Resolve returns the active handler for a resource type. An unregistered
// type is ErrNotSupported, which is distinct from ErrNotFound: the former
// means "this server does not serve that type", the latter "no such
// instance".
func (r *HandlerRegistry) Resolve(resourceType string) (ResourceHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[resourceType]
	if !ok {
		return nil, NotSupportedf("resource type %q", resourceType)
	}
	return h, nil
}

// ResourceTypes lists the registered types in lexical order.
func (r *HandlerRegistry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for rt := range r.handlers {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

func closeHandler(h ResourceHandler) {
	if closer, ok := h.(io.Closer); ok {
		_ = closer.Close()
	}
}
