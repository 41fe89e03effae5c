package fhir

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// ReferenceResolver turns a FHIR reference string into a repository entity
// or act key. Resolution is two-tier: the enclosing bundle's placeholder map
// first, then persisted state by logical id. The first tier is what lets a
// transaction create a Patient and a RelatedPerson pointing at it by
// urn:uuid in one atomic submission.
type ReferenceResolver struct {
	entities cdr.EntityRepository
	acts     cdr.ActRepository
}

// NewReferenceResolver creates a resolver over the repositories.
func NewReferenceResolver(entities cdr.EntityRepository, acts cdr.ActRepository) *ReferenceResolver {
	return &ReferenceResolver{entities: entities, acts: acts}
}

// Resolve resolves a reference string: a urn:uuid token, an entry fullUrl, a
// relative {Type}/{id}, or an absolute URL ending in {Type}/{id}.
func (r *ReferenceResolver) Resolve(ctx context.Context, cc *ConversionContext, ref string) (uuid.UUID, error) {
	if ref == "" {
		return uuid.Nil, NotFoundf("empty reference")
	}

	// Tier one: in-flight bundle tokens.
	if cc != nil {
		key, known, err := cc.LookupPlaceholder(ref)
		if err != nil {
			return uuid.Nil, err
		}
		if known {
			return key, nil
		}
	}
	if strings.HasPrefix(ref, "urn:uuid:") {
		// A urn outside the enclosing bundle never resolves to durable state.
		return uuid.Nil, NotFoundf("reference %s does not match any bundle entry", ref)
	}

	// Tier two: persisted state by logical id.
	_, id, err := SplitReference(ref)
	if err != nil {
		return uuid.Nil, err
	}
	key, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, NotFoundf("reference %s has no valid logical id", ref)
	}
	if _, err := r.entities.Get(ctx, key); err == nil {
		return key, nil
	} else if !errors.Is(err, cdr.ErrNotFound) {
		return uuid.Nil, err
	}
	if _, err := r.acts.Get(ctx, key); err == nil {
		return key, nil
	} else if !errors.Is(err, cdr.ErrNotFound) {
		return uuid.Nil, err
	}
	return uuid.Nil, NotFoundf("reference %s", ref)
}

// ResolveEntity resolves a reference and verifies it targets an entity of
// the given class (when class is non-empty). References produced inside the
// current bundle are not class-checked: the target may not be committed yet.
func (r *ReferenceResolver) ResolveEntity(ctx context.Context, cc *ConversionContext, ref string, class cdr.Class) (uuid.UUID, error) {
	key, err := r.Resolve(ctx, cc, ref)
	if err != nil {
		return uuid.Nil, err
	}
	if class == "" {
		return key, nil
	}
	entity, err := r.entities.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cdr.ErrNotFound) && cc != nil && cc.HasPlaceholders() {
			return key, nil
		}
		return uuid.Nil, FromRepository(err)
	}
	if entity.Class != class {
		return uuid.Nil, InvalidDataf("reference %s targets a %s, expected %s", ref, entity.Class, class)
	}
	return key, nil
}

// SplitReference splits "{Type}/{id}", "{Type}/{id}/_history/{vid}", or an
// absolute URL form into resource type and id.
func SplitReference(ref string) (resourceType, id string, err error) {
	path := ref
	if strings.Contains(ref, "://") {
		parsed, perr := url.Parse(ref)
		if perr != nil {
			return "", "", NotFoundf("unparseable reference %q", ref)
		}
		path = strings.Trim(parsed.Path, "/")
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Drop a trailing /_history/{vid} if present.
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		parts = parts[:len(parts)-2]
	}
	if len(parts) < 2 {
		return "", "", NotFoundf("reference %q is not of the form Type/id", ref)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
