package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clindata/fhirbridge/internal/platform/db"
)

// PgStore persists version chains in PostgreSQL. Each version is one row in
// entity_version/act_version carrying a JSONB snapshot of the full record;
// the current version is the row with the highest sequence per key.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// NewPgStoreBundle creates a Store wired entirely to one PgStore.
func NewPgStoreBundle(pool *pgxpool.Pool) *Store {
	ps := NewPgStore(pool)
	reg := NewAuthorityRegistry()
	for _, a := range DefaultAuthorities() {
		reg.Register(a)
	}
	return &Store{
		Entities:    ps.EntityRepo(),
		Acts:        ps.ActRepo(),
		Tx:          ps,
		Authorities: reg,
	}
}

// EntityRepo returns the store's entity repository view.
func (s *PgStore) EntityRepo() EntityRepository { return &pgEntityRepo{s} }

// ActRepo returns the store's act repository view.
func (s *PgStore) ActRepo() ActRepository { return &pgActRepo{s} }

// Begin opens a database transaction and threads it through the context so
// repository calls made inside the scope participate in it.
func (s *PgStore) Begin(ctx context.Context) (context.Context, Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return db.WithTx(ctx, tx), pgTx{tx}, nil
}

type pgTx struct{ tx pgx.Tx }

func (t pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// --- entity repository ---

type pgEntityRepo struct{ s *PgStore }

func (r *pgEntityRepo) q(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.s.pool)
}

func (r *pgEntityRepo) Insert(ctx context.Context, e *Entity) (*Entity, error) {
	q := r.q(ctx)
	if e.Key == uuid.Nil {
		e.Key = uuid.New()
	} else {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entity_version WHERE key = $1)`, e.Key).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check entity existence: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("entity %s: %w", e.Key, ErrConflict)
		}
	}
	e.VersionKey = uuid.New()
	e.Sequence = 1
	if e.Status == "" || e.Status == StatusNew {
		e.Status = StatusActive
	}
	e.CreatedAt = time.Now().UTC()
	if err := insertEntityRow(ctx, q, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *pgEntityRepo) Get(ctx context.Context, key uuid.UUID) (*Entity, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT data FROM entity_version
		WHERE key = $1
		ORDER BY sequence DESC
		LIMIT 1`, key)
	return scanEntity(row, key)
}

func (r *pgEntityRepo) GetVersion(ctx context.Context, key uuid.UUID, sequence int) (*Entity, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT data FROM entity_version
		WHERE key = $1 AND sequence = $2`, key, sequence)
	return scanEntity(row, key)
}

func (r *pgEntityRepo) Update(ctx context.Context, e *Entity) (*Entity, error) {
	q := r.q(ctx)
	seq, err := nextSequence(ctx, q, "entity_version", e.Key)
	if err != nil {
		return nil, err
	}
	e.VersionKey = uuid.New()
	e.Sequence = seq
	if e.Status == "" || e.Status == StatusNew {
		e.Status = StatusActive
	}
	e.CreatedAt = time.Now().UTC()
	if err := insertEntityRow(ctx, q, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *pgEntityRepo) Obsolete(ctx context.Context, key uuid.UUID) (*Entity, error) {
	current, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	current.Status = StatusObsolete
	q := r.q(ctx)
	seq, err := nextSequence(ctx, q, "entity_version", key)
	if err != nil {
		return nil, err
	}
	current.VersionKey = uuid.New()
	current.Sequence = seq
	current.CreatedAt = time.Now().UTC()
	if err := insertEntityRow(ctx, q, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (r *pgEntityRepo) History(ctx context.Context, key uuid.UUID, limit, offset int) ([]*Entity, int, error) {
	q := r.q(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM entity_version WHERE key = $1`, key).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entity versions: %w", err)
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("entity %s: %w", key, ErrNotFound)
	}
	rows, err := q.Query(ctx, `
		SELECT data FROM entity_version
		WHERE key = $1
		ORDER BY sequence DESC
		LIMIT $2 OFFSET $3`, key, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list entity versions: %w", err)
	}
	defer rows.Close()
	out, err := collectEntities(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *pgEntityRepo) Query(ctx context.Context, f EntityFilter, limit, offset int) ([]*Entity, int, error) {
	where, args := entityFilterSQL(f)

	base := `FROM (
		SELECT DISTINCT ON (key) key, sequence, status, class, data
		FROM entity_version
		ORDER BY key, sequence DESC
	) current WHERE ` + strings.Join(where, " AND ")

	q := r.q(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) `+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entities: %w", err)
	}

	limitArgs := append(args, limit, offset)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT data %s ORDER BY key LIMIT $%d OFFSET $%d`, base, len(args)+1, len(args)+2),
		limitArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()
	out, err := collectEntities(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// entityFilterSQL renders a filter into WHERE clauses over the current-version
// subquery plus their positional arguments.
func entityFilterSQL(f EntityFilter) ([]string, []any) {
	where := []string{`status NOT IN ('OBSOLETE', 'NULLIFIED')`}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Class != "" {
		where = append(where, `class = `+arg(string(f.Class)))
	}
	if len(f.Keys) > 0 {
		where = append(where, `key = ANY(`+arg(f.Keys)+`)`)
	}
	if f.IdentifierValue != "" {
		match := map[string]string{"value": f.IdentifierValue}
		if f.IdentifierSystem != "" {
			match["authority"] = f.IdentifierSystem
		}
		matchJSON, _ := json.Marshal([]map[string]string{match})
		where = append(where, `data->'identifiers' @> `+arg(string(matchJSON))+`::jsonb`)
	}
	if f.NameContains != "" {
		needle := arg("%" + f.NameContains + "%")
		where = append(where, `EXISTS (SELECT 1 FROM jsonb_array_elements(coalesce(data->'names','[]'::jsonb)) n`+
			` WHERE n->>'family' ILIKE `+needle+
			` OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(coalesce(n->'given','[]'::jsonb)) g WHERE g ILIKE `+needle+`))`)
	}
	if f.City != "" {
		where = append(where, `EXISTS (SELECT 1 FROM jsonb_array_elements(coalesce(data->'addresses','[]'::jsonb)) a WHERE a->>'city' ILIKE `+arg(f.City)+`)`)
	}
	if f.State != "" {
		where = append(where, `EXISTS (SELECT 1 FROM jsonb_array_elements(coalesce(data->'addresses','[]'::jsonb)) a WHERE a->>'state' ILIKE `+arg(f.State)+`)`)
	}
	if f.RelatedTo != uuid.Nil {
		cond := `r->>'targetKey' = ` + arg(f.RelatedTo.String())
		if f.RelatedType != "" {
			cond += ` AND r->>'type' = ` + arg(string(f.RelatedType))
		}
		where = append(where, `EXISTS (SELECT 1 FROM jsonb_array_elements(coalesce(data->'relationships','[]'::jsonb)) r WHERE `+cond+`)`)
	}

	return where, args
}

func insertEntityRow(ctx context.Context, q db.Querier, e *Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO entity_version (key, version_key, sequence, status, class, data, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Key, e.VersionKey, e.Sequence, string(e.Status), string(e.Class), data, e.CreatedAt, e.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert entity version: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row, key uuid.UUID) (*Entity, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("entity %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return &e, nil
}

func collectEntities(rows pgx.Rows) ([]*Entity, error) {
	var out []*Entity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		var e Entity
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal entity row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nextSequence(ctx context.Context, q db.Querier, table string, key uuid.UUID) (int, error) {
	var max *int
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT MAX(sequence) FROM %s WHERE key = $1`, table), key).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}
	if max == nil {
		return 0, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return *max + 1, nil
}

// --- act repository ---

type pgActRepo struct{ s *PgStore }

func (r *pgActRepo) q(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.s.pool)
}

func (r *pgActRepo) Insert(ctx context.Context, a *Act) (*Act, error) {
	q := r.q(ctx)
	if a.Key == uuid.Nil {
		a.Key = uuid.New()
	} else {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM act_version WHERE key = $1)`, a.Key).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check act existence: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("act %s: %w", a.Key, ErrConflict)
		}
	}
	a.VersionKey = uuid.New()
	a.Sequence = 1
	if a.Status == "" || a.Status == StatusNew {
		a.Status = StatusActive
	}
	a.CreatedAt = time.Now().UTC()
	if err := insertActRow(ctx, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *pgActRepo) Get(ctx context.Context, key uuid.UUID) (*Act, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT data FROM act_version
		WHERE key = $1
		ORDER BY sequence DESC
		LIMIT 1`, key)
	return scanAct(row, key)
}

func (r *pgActRepo) GetVersion(ctx context.Context, key uuid.UUID, sequence int) (*Act, error) {
	row := r.q(ctx).QueryRow(ctx, `
		SELECT data FROM act_version
		WHERE key = $1 AND sequence = $2`, key, sequence)
	return scanAct(row, key)
}

func (r *pgActRepo) Update(ctx context.Context, a *Act) (*Act, error) {
	q := r.q(ctx)
	seq, err := nextSequence(ctx, q, "act_version", a.Key)
	if err != nil {
		return nil, err
	}
	a.VersionKey = uuid.New()
	a.Sequence = seq
	if a.Status == "" || a.Status == StatusNew {
		a.Status = StatusActive
	}
	a.CreatedAt = time.Now().UTC()
	if err := insertActRow(ctx, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *pgActRepo) Obsolete(ctx context.Context, key uuid.UUID) (*Act, error) {
	current, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	current.Status = StatusObsolete
	q := r.q(ctx)
	seq, err := nextSequence(ctx, q, "act_version", key)
	if err != nil {
		return nil, err
	}
	current.VersionKey = uuid.New()
	current.Sequence = seq
	current.CreatedAt = time.Now().UTC()
	if err := insertActRow(ctx, q, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (r *pgActRepo) History(ctx context.Context, key uuid.UUID, limit, offset int) ([]*Act, int, error) {
	q := r.q(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM act_version WHERE key = $1`, key).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count act versions: %w", err)
	}
	if total == 0 {
		return nil, 0, fmt.Errorf("act %s: %w", key, ErrNotFound)
	}
	rows, err := q.Query(ctx, `
		SELECT data FROM act_version
		WHERE key = $1
		ORDER BY sequence DESC
		LIMIT $2 OFFSET $3`, key, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list act versions: %w", err)
	}
	defer rows.Close()
	out, err := collectActs(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *pgActRepo) Query(ctx context.Context, f ActFilter, limit, offset int) ([]*Act, int, error) {
	where := []string{`status NOT IN ('OBSOLETE', 'NULLIFIED')`}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Class != "" {
		where = append(where, `class = `+arg(string(f.Class)))
	}
	if len(f.Keys) > 0 {
		where = append(where, `key = ANY(`+arg(f.Keys)+`)`)
	}
	if f.SubjectKey != uuid.Nil {
		where = append(where, `subject_key = `+arg(f.SubjectKey))
	}
	if f.TypeCode != "" {
		where = append(where, `data->'typeCode'->>'code' = `+arg(f.TypeCode))
	}

	base := `FROM (
		SELECT DISTINCT ON (key) key, sequence, status, class, subject_key, data
		FROM act_version
		ORDER BY key, sequence DESC
	) current WHERE ` + strings.Join(where, " AND ")

	q := r.q(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) `+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count acts: %w", err)
	}

	limitArgs := append(args, limit, offset)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT data %s ORDER BY key LIMIT $%d OFFSET $%d`, base, len(args)+1, len(args)+2),
		limitArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query acts: %w", err)
	}
	defer rows.Close()
	out, err := collectActs(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func insertActRow(ctx context.Context, q db.Querier, a *Act) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal act: %w", err)
	}
	var subject *uuid.UUID
	if key, ok := a.Participant(RoleRecordTarget); ok {
		subject = &key
	}
	_, err = q.Exec(ctx, `
		INSERT INTO act_version (key, version_key, sequence, status, class, subject_key, data, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.Key, a.VersionKey, a.Sequence, string(a.Status), string(a.Class), subject, data, a.CreatedAt, a.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert act version: %w", err)
	}
	return nil
}

func scanAct(row pgx.Row, key uuid.UUID) (*Act, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("act %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("scan act: %w", err)
	}
	var a Act
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal act: %w", err)
	}
	return &a, nil
}

func collectActs(rows pgx.Rows) ([]*Act, error) {
	var out []*Act
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan act row: %w", err)
		}
		var a Act
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal act row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
