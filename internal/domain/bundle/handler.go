// Package bundle registers the Bundle resource type as an envelope: bundles
// are processed by submission to the system endpoint, never stored or
// addressed as individual resources.
package bundle

import (
	"context"

	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// Handler refuses every instance-level interaction. Its presence in the
// registry makes the refusal a deliberate 405 instead of an unknown-type 404,
// and lists Bundle in the capability statement.
type Handler struct{}

func NewHandler() *Handler { return &Handler{} }

func (h *Handler) ResourceType() string          { return "Bundle" }
func (h *Handler) Capabilities() fhir.Capability { return 0 }

func (h *Handler) refuse() error {
	return fhir.NotSupportedf("Bundle is an envelope: submit it to the system endpoint")
}

func (h *Handler) Create(ctx context.Context, cc *fhir.ConversionContext, resource map[string]any) (*fhir.Result, error) {
	return nil, h.refuse()
}

func (h *Handler) Read(ctx context.Context, cc *fhir.ConversionContext, id string) (*fhir.Result, error) {
	return nil, h.refuse()
}

func (h *Handler) VRead(ctx context.Context, cc *fhir.ConversionContext, id, versionID string) (*fhir.Result, error) {
	return nil, h.refuse()
}

func (h *Handler) Update(ctx context.Context, cc *fhir.ConversionContext, id string, resource map[string]any) (*fhir.Result, error) {
	return nil, h.refuse()
}

func (h *Handler) Delete(ctx context.Context, cc *fhir.ConversionContext, id string) (*fhir.Result, error) {
	return nil, h.refuse()
}

func (h *Handler) History(ctx context.Context, cc *fhir.ConversionContext, id string, limit, offset int) ([]*fhir.Result, int, error) {
	return nil, 0, h.refuse()
}

func (h *Handler) Query(ctx context.Context, cc *fhir.ConversionContext, params map[string]string, limit, offset int) ([]*fhir.Result, int, error) {
	return nil, 0, h.refuse()
}

func Register(registry *fhir.HandlerRegistry) error {
	return registry.Register(NewHandler())
}
