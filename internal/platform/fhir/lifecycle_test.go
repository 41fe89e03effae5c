package fhir

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/internal/cdr"
)

func testLifecycle(t *testing.T) (*Lifecycle[*cdr.Entity], cdr.EntityRepository) {
	t.Helper()
	store := cdr.NewMemoryStoreBundle()
	return NewLifecycle[*cdr.Entity](store.Entities), store.Entities
}

func TestLifecycleCreateConflict(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	key := uuid.New()
	first := &cdr.Entity{Class: cdr.ClassPatient}
	first.Key = key
	if _, err := life.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := &cdr.Entity{Class: cdr.ClassPatient}
	dup.Key = key
	if _, err := life.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate key: err = %v, want ErrConflict", err)
	}
}

func TestLifecycleReadReportsDeleted(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	created, err := life.Create(ctx, &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, deleted, err := life.Read(ctx, created.Key)
	if err != nil || deleted {
		t.Fatalf("fresh read: deleted=%v err=%v", deleted, err)
	}

	if _, err := life.Delete(ctx, created.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, deleted, err := life.Read(ctx, created.Key)
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
	if !deleted {
		t.Errorf("deleted flag not set")
	}
	if got.Sequence != 2 {
		t.Errorf("sequence = %d, want the appended delete version", got.Sequence)
	}
}

func TestLifecycleReadVersionGoneAfterDelete(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	created, err := life.Create(ctx, &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := life.ReadVersion(ctx, created.Key, 1); err != nil {
		t.Fatalf("ReadVersion before delete: %v", err)
	}
	if _, err := life.Delete(ctx, created.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := life.ReadVersion(ctx, created.Key, 1); !errors.Is(err, ErrGone) {
		t.Fatalf("ReadVersion after delete: err = %v, want ErrGone", err)
	}
}

func TestLifecycleReadVersionUnknown(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	created, err := life.Create(ctx, &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := life.ReadVersion(ctx, created.Key, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown sequence: err = %v, want ErrNotFound", err)
	}
	if _, err := life.ReadVersion(ctx, uuid.New(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestLifecycleDelete(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	if _, err := life.Delete(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete unknown: err = %v, want ErrNotFound", err)
	}

	created, err := life.Create(ctx, &cdr.Entity{Class: cdr.ClassPatient})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	deleted, err := life.Delete(ctx, created.Key)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted.Status.Deleted() {
		t.Errorf("status = %s, want a deleted marker", deleted.Status)
	}
	if _, err := life.Delete(ctx, created.Key); !errors.Is(err, ErrGone) {
		t.Fatalf("second delete: err = %v, want ErrGone", err)
	}
}

func TestLifecycleUpdateAppendsVersion(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	created, err := life.Create(ctx, &cdr.Entity{
		Class: cdr.ClassPatient,
		Names: []cdr.Name{{Family: "Old"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := &cdr.Entity{Class: cdr.ClassPatient, Names: []cdr.Name{{Family: "New"}}}
	next.Key = created.Key
	updated, err := life.Update(ctx, next)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", updated.Sequence)
	}

	// Updating an unknown key is NotFound, never an implicit create.
	missing := &cdr.Entity{Class: cdr.ClassPatient}
	missing.Key = uuid.New()
	if _, err := life.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("update unknown: err = %v, want ErrNotFound", err)
	}
}

func TestLifecycleHistory(t *testing.T) {
	life, _ := testLifecycle(t)
	ctx := context.Background()

	created, err := life.Create(ctx, &cdr.Entity{Class: cdr.ClassPatient, Names: []cdr.Name{{Family: "A"}}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	next := &cdr.Entity{Class: cdr.ClassPatient, Names: []cdr.Name{{Family: "B"}}}
	next.Key = created.Key
	if _, err := life.Update(ctx, next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := life.Delete(ctx, created.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	versions, total, err := life.History(ctx, created.Key, 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 3 || len(versions) != 3 {
		t.Fatalf("total=%d len=%d, want 3 versions", total, len(versions))
	}
	for i, want := range []int{3, 2, 1} {
		if versions[i].Sequence != want {
			t.Errorf("versions[%d].Sequence = %d, want %d (newest first)", i, versions[i].Sequence, want)
		}
	}
	if !versions[0].Status.Deleted() {
		t.Errorf("newest version should carry the delete marker")
	}
}
