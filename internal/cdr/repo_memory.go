package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by development mode.
// Version chains are kept immutable: reads and writes operate on deep copies,
// so in-flight readers never observe later mutations.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[uuid.UUID][]*Entity
	acts     map[uuid.UUID][]*Act

	txMu sync.Mutex // serializes transactions
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[uuid.UUID][]*Entity),
		acts:     make(map[uuid.UUID][]*Act),
	}
}

// NewMemoryStoreBundle creates a Store wired entirely to one MemoryStore.
func NewMemoryStoreBundle() *Store {
	ms := NewMemoryStore()
	reg := NewAuthorityRegistry()
	for _, a := range DefaultAuthorities() {
		reg.Register(a)
	}
	return &Store{
		Entities:    ms.EntityRepo(),
		Acts:        ms.ActRepo(),
		Tx:          ms,
		Authorities: reg,
	}
}

// EntityRepo returns the store's entity repository view.
func (s *MemoryStore) EntityRepo() EntityRepository { return &memEntityRepo{s} }

// ActRepo returns the store's act repository view.
func (s *MemoryStore) ActRepo() ActRepository { return &memActRepo{s} }

// deepCopy round-trips through JSON, which covers every model type the store
// holds and keeps version chains free of shared slices.
func deepCopy[T any](src T) T {
	var dst T
	data, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("memory store copy: %v", err))
	}
	if err := json.Unmarshal(data, &dst); err != nil {
		panic(fmt.Sprintf("memory store copy: %v", err))
	}
	return dst
}

// --- transactions ---

type memTx struct {
	store       *MemoryStore
	entSnapshot map[uuid.UUID][]*Entity
	actSnapshot map[uuid.UUID][]*Act
	done        bool
}

// Begin opens an atomic scope. The store snapshots its state; Rollback
// restores the snapshot, Commit discards it. Transactions are serialized,
// which is the memory store's whole concurrency answer.
func (s *MemoryStore) Begin(ctx context.Context) (context.Context, Transaction, error) {
	s.txMu.Lock()
	s.mu.RLock()
	tx := &memTx{
		store:       s,
		entSnapshot: deepCopy(s.entities),
		actSnapshot: deepCopy(s.acts),
	}
	s.mu.RUnlock()
	return ctx, tx, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.entities = t.entSnapshot
	t.store.acts = t.actSnapshot
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

// --- shared chain mechanics ---

func insertChain[T Versioned](chains map[uuid.UUID][]T, obj T) (T, error) {
	var zero T
	v := obj.Version()
	if v.Key == uuid.Nil {
		v.Key = uuid.New()
	} else if _, exists := chains[v.Key]; exists {
		return zero, fmt.Errorf("key %s: %w", v.Key, ErrConflict)
	}
	v.VersionKey = uuid.New()
	v.Sequence = 1
	if v.Status == "" || v.Status == StatusNew {
		v.Status = StatusActive
	}
	v.CreatedAt = time.Now().UTC()
	stored := deepCopy(obj)
	chains[v.Key] = []T{stored}
	return deepCopy(stored), nil
}

func currentOf[T Versioned](chains map[uuid.UUID][]T, key uuid.UUID) (T, error) {
	var zero T
	chain, ok := chains[key]
	if !ok || len(chain) == 0 {
		return zero, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return deepCopy(chain[len(chain)-1]), nil
}

func versionOf[T Versioned](chains map[uuid.UUID][]T, key uuid.UUID, sequence int) (T, error) {
	var zero T
	chain, ok := chains[key]
	if !ok {
		return zero, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	for _, v := range chain {
		if v.Version().Sequence == sequence {
			return deepCopy(v), nil
		}
	}
	return zero, fmt.Errorf("key %s version %d: %w", key, sequence, ErrNotFound)
}

func appendVersion[T Versioned](chains map[uuid.UUID][]T, obj T, status Status) (T, error) {
	var zero T
	v := obj.Version()
	chain, ok := chains[v.Key]
	if !ok || len(chain) == 0 {
		return zero, fmt.Errorf("key %s: %w", v.Key, ErrNotFound)
	}
	last := chain[len(chain)-1].Version()
	v.VersionKey = uuid.New()
	v.Sequence = last.Sequence + 1
	v.Status = status
	v.CreatedAt = time.Now().UTC()
	stored := deepCopy(obj)
	chains[v.Key] = append(chain, stored)
	return deepCopy(stored), nil
}

func historyOf[T Versioned](chains map[uuid.UUID][]T, key uuid.UUID, limit, offset int) ([]T, int, error) {
	chain, ok := chains[key]
	if !ok {
		return nil, 0, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	// Newest first.
	out := make([]T, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, deepCopy(chain[i]))
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

// --- entity repository ---

type memEntityRepo struct{ s *MemoryStore }

func (r *memEntityRepo) Insert(ctx context.Context, e *Entity) (*Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return insertChain(r.s.entities, e)
}

func (r *memEntityRepo) Get(ctx context.Context, key uuid.UUID) (*Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return currentOf(r.s.entities, key)
}

func (r *memEntityRepo) GetVersion(ctx context.Context, key uuid.UUID, sequence int) (*Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return versionOf(r.s.entities, key, sequence)
}

func (r *memEntityRepo) Update(ctx context.Context, e *Entity) (*Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	status := e.Status
	if status == "" || status == StatusNew {
		status = StatusActive
	}
	return appendVersion(r.s.entities, e, status)
}

func (r *memEntityRepo) Obsolete(ctx context.Context, key uuid.UUID) (*Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, err := currentOf(r.s.entities, key)
	if err != nil {
		return nil, err
	}
	return appendVersion(r.s.entities, current, StatusObsolete)
}

func (r *memEntityRepo) History(ctx context.Context, key uuid.UUID, limit, offset int) ([]*Entity, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return historyOf(r.s.entities, key, limit, offset)
}

func (r *memEntityRepo) Query(ctx context.Context, f EntityFilter, limit, offset int) ([]*Entity, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	keySet := map[uuid.UUID]bool{}
	for _, k := range f.Keys {
		keySet[k] = true
	}

	var matched []*Entity
	for _, chain := range r.s.entities {
		e := chain[len(chain)-1]
		if e.Status.Deleted() {
			continue
		}
		if f.Class != "" && e.Class != f.Class {
			continue
		}
		if len(keySet) > 0 && !keySet[e.Key] {
			continue
		}
		if !entityMatches(e, f) {
			continue
		}
		matched = append(matched, deepCopy(e))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key.String() < matched[j].Key.String() })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func entityMatches(e *Entity, f EntityFilter) bool {
	if f.IdentifierValue != "" {
		found := false
		for _, id := range e.Identifiers {
			if id.Value == f.IdentifierValue && (f.IdentifierSystem == "" || id.Authority == f.IdentifierSystem) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NameContains != "" {
		found := false
		needle := strings.ToLower(f.NameContains)
		for _, n := range e.Names {
			hay := strings.ToLower(n.Family + " " + strings.Join(n.Given, " "))
			if strings.Contains(hay, needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.City != "" || f.State != "" {
		found := false
		for _, a := range e.Addresses {
			if (f.City == "" || strings.EqualFold(a.City, f.City)) &&
				(f.State == "" || strings.EqualFold(a.State, f.State)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RelatedTo != uuid.Nil {
		found := false
		for _, rel := range e.Relationships {
			if rel.TargetKey == f.RelatedTo && (f.RelatedType == "" || rel.Type == f.RelatedType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// --- act repository ---

type memActRepo struct{ s *MemoryStore }

func (r *memActRepo) Insert(ctx context.Context, a *Act) (*Act, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return insertChain(r.s.acts, a)
}

func (r *memActRepo) Get(ctx context.Context, key uuid.UUID) (*Act, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return currentOf(r.s.acts, key)
}

func (r *memActRepo) GetVersion(ctx context.Context, key uuid.UUID, sequence int) (*Act, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return versionOf(r.s.acts, key, sequence)
}

func (r *memActRepo) Update(ctx context.Context, a *Act) (*Act, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	status := a.Status
	if status == "" || status == StatusNew {
		status = StatusActive
	}
	return appendVersion(r.s.acts, a, status)
}

func (r *memActRepo) Obsolete(ctx context.Context, key uuid.UUID) (*Act, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, err := currentOf(r.s.acts, key)
	if err != nil {
		return nil, err
	}
	return appendVersion(r.s.acts, current, StatusObsolete)
}

func (r *memActRepo) History(ctx context.Context, key uuid.UUID, limit, offset int) ([]*Act, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return historyOf(r.s.acts, key, limit, offset)
}

func (r *memActRepo) Query(ctx context.Context, f ActFilter, limit, offset int) ([]*Act, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	keySet := map[uuid.UUID]bool{}
	for _, k := range f.Keys {
		keySet[k] = true
	}

	var matched []*Act
	for _, chain := range r.s.acts {
		a := chain[len(chain)-1]
		if a.Status.Deleted() {
			continue
		}
		if f.Class != "" && a.Class != f.Class {
			continue
		}
		if len(keySet) > 0 && !keySet[a.Key] {
			continue
		}
		if f.SubjectKey != uuid.Nil {
			subject, ok := a.Participant(RoleRecordTarget)
			if !ok || subject != f.SubjectKey {
				continue
			}
		}
		if f.TypeCode != "" && a.TypeCode.Code != f.TypeCode {
			continue
		}
		matched = append(matched, deepCopy(a))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key.String() < matched[j].Key.String() })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}
