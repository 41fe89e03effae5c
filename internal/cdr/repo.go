package cdr

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Repository errors. Callers discriminate with errors.Is.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Repository is the append-only version store contract shared by entities and
// acts. Every mutation appends a version; nothing is ever destroyed.
type Repository[T Versioned] interface {
	// Insert persists a new record as version 1. If the record carries a
	// client-supplied key that already exists, Insert fails with ErrConflict.
	Insert(ctx context.Context, obj T) (T, error)
	// Get returns the current (highest-sequence) version.
	Get(ctx context.Context, key uuid.UUID) (T, error)
	// GetVersion returns one specific version by sequence number.
	GetVersion(ctx context.Context, key uuid.UUID, sequence int) (T, error)
	// Update appends a new version carrying obj's data. Fails with
	// ErrNotFound if no record exists under obj's key.
	Update(ctx context.Context, obj T) (T, error)
	// Obsolete appends a version marked StatusObsolete (soft delete).
	Obsolete(ctx context.Context, key uuid.UUID) (T, error)
	// History returns the version chain newest-first.
	History(ctx context.Context, key uuid.UUID, limit, offset int) ([]T, int, error)
}

// EntityFilter narrows an entity query. Zero fields are ignored.
type EntityFilter struct {
	Class            Class
	Keys             []uuid.UUID
	IdentifierSystem string // authority domain
	IdentifierValue  string
	NameContains     string
	City             string
	State            string
	RelatedTo        uuid.UUID        // matches entities with a relationship targeting this key
	RelatedType      RelationshipType // optionally restrict RelatedTo to a relationship type
}

// ActFilter narrows an act query. Zero fields are ignored.
type ActFilter struct {
	Class      ActClass
	Keys       []uuid.UUID
	SubjectKey uuid.UUID // record-target participant
	TypeCode   string
}

// EntityRepository persists entities.
type EntityRepository interface {
	Repository[*Entity]
	Query(ctx context.Context, f EntityFilter, limit, offset int) ([]*Entity, int, error)
}

// ActRepository persists acts.
type ActRepository interface {
	Repository[*Act]
	Query(ctx context.Context, f ActFilter, limit, offset int) ([]*Act, int, error)
}

// Transaction is one atomic unit of repository work.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionManager opens atomic scopes. Repository calls made with the
// returned context participate in the transaction until Commit or Rollback.
type TransactionManager interface {
	Begin(ctx context.Context) (context.Context, Transaction, error)
}

// Store bundles the repositories and transaction manager a deployment provides.
type Store struct {
	Entities    EntityRepository
	Acts        ActRepository
	Tx          TransactionManager
	Authorities *AuthorityRegistry
}
