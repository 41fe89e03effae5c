package fhir

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// ActMapper is the act-backed counterpart of EntityMapper, supplied by
// domain packages for event resources such as encounters and observations.
type ActMapper interface {
	ResourceType() string
	Class() cdr.ActClass
	ToFHIR(ctx context.Context, cc *ConversionContext, a *cdr.Act) (map[string]any, error)
	FromFHIR(ctx context.Context, cc *ConversionContext, resource map[string]any) (*cdr.Act, error)
}

// ActQueryPlanner is implemented by act mappers that support search beyond
// the generic _id and subject filters.
type ActQueryPlanner interface {
	QueryFilter(params map[string]string) (cdr.ActFilter, error)
}

// ActUpdateGuard lets a mapper refuse specific update transitions, such as
// reopening a finalized observation.
type ActUpdateGuard interface {
	CheckUpdate(current, incoming *cdr.Act) error
}

// ActHandler implements ResourceHandler for one act-backed resource type.
type ActHandler struct {
	mapper   ActMapper
	repo     cdr.ActRepository
	life     *Lifecycle[*cdr.Act]
	caps     Capability
	profiles func(resourceType string) []string
}

func NewActHandler(mapper ActMapper, repo cdr.ActRepository, caps Capability, profiles func(string) []string) *ActHandler {
	return &ActHandler{
		mapper:   mapper,
		repo:     repo,
		life:     NewLifecycle[*cdr.Act](repo),
		caps:     caps,
		profiles: profiles,
	}
}

func (h *ActHandler) ResourceType() string     { return h.mapper.ResourceType() }
func (h *ActHandler) Capabilities() Capability { return h.caps }

func (h *ActHandler) require(c Capability, verb string) error {
	if !h.caps.Has(c) {
		return NotSupportedf("%s does not support %s", h.ResourceType(), verb)
	}
	return nil
}

func (h *ActHandler) Create(ctx context.Context, cc *ConversionContext, resource map[string]any) (*Result, error) {
	if err := h.require(CapCreate, "create"); err != nil {
		return nil, err
	}
	act, err := h.mapper.FromFHIR(ctx, cc, resource)
	if err != nil {
		return nil, err
	}
	act.Class = h.mapper.Class()
	if id, ok := resource["id"].(string); ok && id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return nil, InvalidDataf("id %q is not a valid logical id", id)
		}
		act.Key = key
	}
	created, err := h.life.Create(ctx, act)
	if err != nil {
		return nil, err
	}
	return h.result(ctx, cc, created, true)
}

func (h *ActHandler) Read(ctx context.Context, cc *ConversionContext, id string) (*Result, error) {
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

func (h *ActHandler) VRead(ctx context.Context, cc *ConversionContext, id string, versionID string) (*Result, error) {
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

func (h *ActHandler) Update(ctx context.Context, cc *ConversionContext, id string, resource map[string]any) (*Result, error) {
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
	if guard, ok := h.mapper.(ActUpdateGuard); ok {
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

func (h *ActHandler) Delete(ctx context.Context, cc *ConversionContext, id string) (*Result, error) {
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

func (h *ActHandler) History(ctx context.Context, cc *ConversionContext, id string, limit, offset int) ([]*Result, int, error) {
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

func (h *ActHandler) Query(ctx context.Context, cc *ConversionContext, params map[string]string, limit, offset int) ([]*Result, int, error) {
	if err := h.require(CapQuery, "search"); err != nil {
		return nil, 0, err
	}
	filter, err := h.queryFilter(params)
	if err != nil {
		return nil, 0, err
	}
	acts, total, err := h.repo.Query(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, FromRepository(err)
	}
	results := make([]*Result, 0, len(acts))
	for _, a := range acts {
		r, err := h.result(ctx, cc, a, false)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}
	return results, total, nil
}

func (h *ActHandler) queryFilter(params map[string]string) (cdr.ActFilter, error) {
	if planner, ok := h.mapper.(ActQueryPlanner); ok {
		f, err := planner.QueryFilter(params)
		if err != nil {
			return cdr.ActFilter{}, err
		}
		f.Class = h.mapper.Class()
		return f, nil
	}
	f := cdr.ActFilter{Class: h.mapper.Class()}
	if id := params["_id"]; id != "" {
		key, err := uuid.Parse(id)
		if err != nil {
			return cdr.ActFilter{}, InvalidDataf("_id %q", id)
		}
		f.Keys = []uuid.UUID{key}
	}
	if subject := params["subject"]; subject != "" {
		_, id, err := SplitReference(subject)
		if err != nil {
			return cdr.ActFilter{}, InvalidDataf("subject %q", subject)
		}
		key, err := uuid.Parse(id)
		if err != nil {
			return cdr.ActFilter{}, InvalidDataf("subject %q", subject)
		}
		f.SubjectKey = key
	}
	return f, nil
}

func (h *ActHandler) parseID(id string) (uuid.UUID, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, NotFoundf("%s/%s", h.ResourceType(), id)
	}
	return key, nil
}

func (h *ActHandler) checkClass(a *cdr.Act) error {
	if a.Class != h.mapper.Class() {
		return NotFoundf("%s/%s", h.ResourceType(), a.Key)
	}
	return nil
}

func (h *ActHandler) result(ctx context.Context, cc *ConversionContext, a *cdr.Act, created bool) (*Result, error) {
	resource, err := h.mapper.ToFHIR(ctx, cc, a)
	if err != nil {
		return nil, err
	}
	lastUpdated := a.CreatedAt
	meta := Meta{VersionID: strconv.Itoa(a.Sequence), LastUpdated: &lastUpdated}
	if h.profiles != nil {
		meta.Profile = h.profiles(h.ResourceType())
	}
	resource["id"] = a.Key.String()
	resource["meta"] = meta
	return &Result{
		Resource:     resource,
		ID:           a.Key.String(),
		VersionID:    a.Sequence,
		LastModified: a.CreatedAt,
		Created:      created,
	}, nil
}
