package fhir

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// Lifecycle enforces the versioned state machine every resource handler
// shares: NonExistent -> Active -> Active (new version) -> Obsolete, with
// Nullified as a terminal side branch. Soft delete appends an obsolete
// version; nothing is ever destroyed here.
type Lifecycle[T cdr.Versioned] struct {
	repo cdr.Repository[T]
}

// NewLifecycle creates a lifecycle controller over a repository.
func NewLifecycle[T cdr.Versioned](repo cdr.Repository[T]) *Lifecycle[T] {
	return &Lifecycle[T]{repo: repo}
}

// Create persists a new record as version 1. A client-supplied key that
// already exists is a Conflict; no version is written in that case.
func (l *Lifecycle[T]) Create(ctx context.Context, obj T) (T, error) {
	created, err := l.repo.Insert(ctx, obj)
	if err != nil {
		var zero T
		return zero, FromRepository(err)
	}
	return created, nil
}

// Read returns the current version. Deleted and nullified records are still
// returned; the second result tells the caller the representation is of a
// deleted record so the transport can choose its status code.
func (l *Lifecycle[T]) Read(ctx context.Context, key uuid.UUID) (T, bool, error) {
	current, err := l.repo.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, false, FromRepository(err)
	}
	return current, current.Version().Status.Deleted(), nil
}

// ReadVersion returns one specific version. Unlike Read, a version-specific
// read of a deleted record is Gone: the client asked for a concrete version
// of something that no longer exists.
func (l *Lifecycle[T]) ReadVersion(ctx context.Context, key uuid.UUID, sequence int) (T, error) {
	var zero T
	current, err := l.repo.Get(ctx, key)
	if err != nil {
		return zero, FromRepository(err)
	}
	if current.Version().Status.Deleted() {
		return zero, fmt.Errorf("version %d of %s: %w", sequence, key, ErrGone)
	}
	version, err := l.repo.GetVersion(ctx, key, sequence)
	if err != nil {
		return zero, FromRepository(err)
	}
	return version, nil
}

// Update appends a new version. The record must exist; updating a deleted
// record is allowed by the engine (it reactivates), with resource-specific
// handlers free to refuse the transition before calling here.
func (l *Lifecycle[T]) Update(ctx context.Context, obj T) (T, error) {
	var zero T
	if _, err := l.repo.Get(ctx, obj.Version().Key); err != nil {
		return zero, FromRepository(err)
	}
	updated, err := l.repo.Update(ctx, obj)
	if err != nil {
		return zero, FromRepository(err)
	}
	return updated, nil
}

// Delete soft-deletes by appending a version carrying the obsolete marker.
// Deleting an unknown key is NotFound; deleting twice is Gone.
func (l *Lifecycle[T]) Delete(ctx context.Context, key uuid.UUID) (T, error) {
	var zero T
	current, err := l.repo.Get(ctx, key)
	if err != nil {
		return zero, FromRepository(err)
	}
	if current.Version().Status.Deleted() {
		return zero, fmt.Errorf("%s already deleted: %w", key, ErrGone)
	}
	deleted, err := l.repo.Obsolete(ctx, key)
	if err != nil {
		return zero, FromRepository(err)
	}
	return deleted, nil
}

// History returns the version chain newest first, never pruned.
func (l *Lifecycle[T]) History(ctx context.Context, key uuid.UUID, limit, offset int) ([]T, int, error) {
	versions, total, err := l.repo.History(ctx, key, limit, offset)
	if err != nil {
		return nil, 0, FromRepository(err)
	}
	return versions, total, nil
}
