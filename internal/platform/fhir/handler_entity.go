package fhir

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// EntityMapper is the per-resource translation a domain package supplies for
// an entity-backed resource type. Everything else about the interaction --
// lifecycle, versioning, capability enforcement -- is shared.
type EntityMapper interface {
	ResourceType() string
	Class() cdr.Class
	// ToFHIR builds the wire resource body from a repository entity. The
	// handler injects id and meta afterwards.
	ToFHIR(ctx context.Context, cc *ConversionContext, e *cdr.Entity) (map[string]any, error)
	// FromFHIR parses a wire resource into a repository entity, failing with
	// ErrInvalidData when the payload declares the wrong resource type.
	FromFHIR(ctx context.Context, cc *ConversionContext, resource map[string]any) (*cdr.Entity, error)
}

// EntityQueryPlanner is implemented by mappers that support search beyond
// the generic _id filter.
type EntityQueryPlanner interface {
	QueryFilter(params map[string]string) (cdr.EntityFilter, error)
}

// EntityUpdateGuard lets a mapper refuse specific update transitions before
// they reach the lifecycle controller.
type EntityUpdateGuard interface {
	CheckUpdate(current, incoming *cdr.Entity) error
}

// EntityHandler implements ResourceHandler for one entity-backed resource
// type by delegating field mapping to an EntityMapper.
type EntityHandler struct {
	mapper   EntityMapper
	repo     cdr.EntityRepository
	life     *Lifecycle[*cdr.Entity]
	caps     Capability
	profiles func(resourceType string) []string
}

// NewEntityHandler creates a handler for the mapper's resource type.
// profiles may be nil; it feeds meta.profile from the extension pipeline.
func NewEntityHandler(mapper EntityMapper, repo cdr.EntityRepository, caps Capability, profiles func(string) []string) *EntityHandler {
	return &EntityHandler{
		mapper:   mapper,
		repo:     repo,
		life:     NewLifecycle[*cdr.Entity](repo),
		caps:     caps,
		profiles: profiles,
	}
}

func (h *EntityHandler) ResourceType() string     { return h.mapper.ResourceType() }
func (h *EntityHandler) Capabilities() Capability { return h.caps }

func (h *EntityHandler) require(c Capability, verb string) error {
	if !h.caps.Has(c) {
		return NotSupportedf("%s does not support %s", h.ResourceType(), verb)
	}
	return nil
}

func (h *EntityHandler) Create(ctx context.Context, cc *ConversionContext, resource map[string]any) (*Result, error) {
	if err := h.require(CapCreate, "create"); err != nil {
		return nil, err
	}
	entity, err := h.mapper.FromFHIR(ctx, cc, resource)
	if err != nil {
		return nil, err
	}
	entity.Class = h.mapper.Class()
	if id, ok := resource["id"].(string); ok && id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return nil, InvalidDataf("id %q is not a valid logical id", id)
		}
		entity.Key = key
	}
	created, err := h.life.Create(ctx, entity)
	if err != nil {
		return nil, err
	}
	return h.result(ctx, cc, created, true)
}

func (h *EntityHandler) Read(ctx context.Context, cc *ConversionContext, id string) (*Result, error) {
	if err := h.require(CapRead, "read"); err != nil {
		return nil, err
	}
	key, err := h.parseID(id)
	if err != nil {
		return nil, err
	}
	current, deleted, err := h.life.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := h.checkClass(current); err != nil {
		return nil, err
	}
	result, err := h.result(ctx, cc, current, false)
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted
	return result, nil
}

func (h *EntityHandler) VRead(ctx context.Context, cc *ConversionContext, id string, versionID string) (*Result, error) {
	if err := h.require(CapRead, "vread"); err != nil {
		return nil, err
	}
	key, err := h.parseID(id)
	if err != nil {
		return nil, err
	}
	sequence, err := strconv.Atoi(versionID)
	if err != nil {
		return nil, NotFoundf("version %q of %s/%s", versionID, h.ResourceType(), id)
	}
	version, err := h.life.ReadVersion(ctx, key, sequence)
	if err != nil {
		return nil, err
	}
	if err := h.checkClass(version); err != nil {
		return nil, err
	}
	return h.result(ctx, cc, version, false)
}

func (h *EntityHandler) Update(ctx context.Context, cc *ConversionContext, id string, resource map[string]any) (*Result, error) {
	if err := h.require(CapUpdate, "update"); err != nil {
		return nil, err
	}
	key, err := h.parseID(id)
	if err != nil {
		return nil, err
	}
	incoming, err := h.mapper.FromFHIR(ctx, cc, resource)
	if err != nil {
		return nil, err
	}
	current, err := h.repo.Get(ctx, key)
	if err != nil {
		return nil, FromRepository(err)
	}
	if err := h.checkClass(current); err != nil {
		return nil, err
	}
	if guard, ok := h.mapper.(EntityUpdateGuard); ok {
		if err := guard.CheckUpdate(current, incoming); err != nil {
			return nil, err
		}
	}
	incoming.Key = key
	incoming.Class = current.Class
	updated, err := h.life.Update(ctx, incoming)
	if err != nil {
		return nil, err
	}
	return h.result(ctx, cc, updated, false)
}

func (h *EntityHandler) Delete(ctx context.Context, cc *ConversionContext, id string) (*Result, error) {
	if err := h.require(CapDelete, "delete"); err != nil {
		return nil, err
	}
	key, err := h.parseID(id)
	if err != nil {
		return nil, err
	}
	deleted, err := h.life.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	result, err := h.result(ctx, cc, deleted, false)
	if err != nil {
		return nil, err
	}
	result.Deleted = true
	return result, nil
}

func (h *EntityHandler) History(ctx context.Context, cc *ConversionContext, id string, limit, offset int) ([]*Result, int, error) {
	if err := h.require(CapHistory, "history"); err != nil {
		return nil, 0, err
	}
	key, err := h.parseID(id)
	if err != nil {
		return nil, 0, err
	}
	versions, total, err := h.life.History(ctx, key, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	results := make([]*Result, 0, len(versions))
	for _, v := range versions {
		r, err := h.result(ctx, cc, v, v.Sequence == 1)
		if err != nil {
			return nil, 0, err
		}
		r.Deleted = v.Status.Deleted()
		results = append(results, r)
	}
	return results, total, nil
}

func (h *EntityHandler) Query(ctx context.Context, cc *ConversionContext, params map[string]string, limit, offset int) ([]*Result, int, error) {
	if err := h.require(CapQuery, "search"); err != nil {
		return nil, 0, err
	}
	filter, err := h.queryFilter(params)
	if err != nil {
		return nil, 0, err
	}
	entities, total, err := h.repo.Query(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, FromRepository(err)
	}
	results := make([]*Result, 0, len(entities))
	for _, e := range entities {
		r, err := h.result(ctx, cc, e, false)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, nil
}

func (h *EntityHandler) queryFilter(params map[string]string) (cdr.EntityFilter, error) {
	if planner, ok := h.mapper.(EntityQueryPlanner); ok {
		f, err := planner.QueryFilter(params)
		if err != nil {
			return cdr.EntityFilter{}, err
		}
		f.Class = h.mapper.Class()
		return f, nil
	}
	f := cdr.EntityFilter{Class: h.mapper.Class()}
	if id := params["_id"]; id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return cdr.EntityFilter{}, InvalidDataf("_id %q", id)
		}
		f.Keys = []uuid.UUID{key}
	}
	return f, nil
}

func (h *EntityHandler) parseID(id string) (uuid.UUID, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, NotFoundf("%s/%s", h.ResourceType(), id)
	}
	return key, nil
}

func (h *EntityHandler) checkClass(e *cdr.Entity) error {
	if e.Class != h.mapper.Class() {
		return NotFoundf("%s/%s", h.ResourceType(), e.Key)
	}
	return nil
}

func (h *EntityHandler) result(ctx context.Context, cc *ConversionContext, e *cdr.Entity, created bool) (*Result, error) {
	resource, err := h.mapper.ToFHIR(ctx, cc, e)
	if err != nil {
		return nil, err
	}
	lastUpdated := e.CreatedAt
	meta := Meta{VersionID: strconv.Itoa(e.Sequence), LastUpdated: &lastUpdated}
	if h.profiles != nil {
		meta.Profile = h.profiles(h.ResourceType())
	}
	resource["id"] = e.Key.String()
	resource["meta"] = meta
	return &Result{
		Resource:     resource,
		ID:           e.Key.String(),
		VersionID:    e.Sequence,
		LastModified: e.CreatedAt,
		Created:      created,
	}, nil
}

// DecodeResource re-marshals a generic resource map into a typed wire
// struct. Unknown fields are ignored, matching FHIR's open-world reading.
func DecodeResource(resource map[string]any, v any) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return InvalidDataf("unencodable resource: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return InvalidDataf("malformed resource: %v", err)
	}
	return nil
}

// DeclaredType returns a resource map's resourceType element.
func DeclaredType(resource map[string]any) string {
	rt, _ := resource["resourceType"].(string)
	return rt
}

// RequireType fails with ErrInvalidData unless the resource declares the
// expected type.
func RequireType(resource map[string]any, want string) error {
	if got := DeclaredType(resource); got != want {
		return InvalidDataf("expected resourceType %s, got %q", want, got)
	}
	return nil
}
