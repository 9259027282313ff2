package intake

import (
	"context"
	"errors"
	"testing"
)

func TestContacts_DuplicateEmailIsCaseInsensitive(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	if err := p.contacts.Create(ctx, &Contact{Email: strPtr("Jane@X.com")}); err != nil {
		t.Fatal(err)
	}
	err := p.contacts.Create(ctx, &Contact{Email: strPtr("  jane@x.COM ")})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if n := p.countContacts(t, true); n != 1 {
		t.Fatalf("expected 1 contact, got %d", n)
	}
}

func TestContacts_CreateNormalizesEmail(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	c := &Contact{FirstName: "Ann", Email: strPtr(" Ann@Example.COM ")}
	if err := p.contacts.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if *c.Email != "ann@example.com" || c.EmailNormalized == nil || *c.EmailNormalized != "ann@example.com" {
		t.Fatalf("email not normalized: %v %v", *c.Email, c.EmailNormalized)
	}
	if c.Status != ContactLead || c.DisplayName != "Ann" {
		t.Fatalf("unexpected defaults: status=%s display=%q", c.Status, c.DisplayName)
	}
}

func TestContacts_ContactsWithoutEmailDoNotCollide(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := p.contacts.Create(ctx, &Contact{Phone: strPtr("555"), Email: strPtr("  ")}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
}

func TestContacts_DeletedRowDoesNotBlockCreate(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	a := &Contact{Email: strPtr("e@x.com")}
	if err := p.contacts.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := p.contacts.Delete(ctx, a.ID, UserActor(3)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.contacts.FindActiveByEmail(ctx, "e@x.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted contact must not be found as active, got %v", err)
	}
	b := &Contact{Email: strPtr("E@x.com")}
	if err := p.contacts.Create(ctx, b); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
	if err := p.contacts.Delete(ctx, a.ID, UserActor(3)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting twice should report ErrNotFound, got %v", err)
	}
}

func TestContacts_RestoreConflict(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	a := &Contact{FirstName: "A", Email: strPtr("e@x.com")}
	if err := p.contacts.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := p.contacts.Delete(ctx, a.ID, SystemActor()); err != nil {
		t.Fatal(err)
	}
	b := &Contact{FirstName: "B", Email: strPtr("e@x.com")}
	if err := p.contacts.Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	if _, err := p.contacts.Restore(ctx, a.ID, UserActor(9)); !errors.Is(err, ErrRestoreConflict) {
		t.Fatalf("expected ErrRestoreConflict, got %v", err)
	}

	gotA, _ := p.contacts.Get(ctx, a.ID)
	if !gotA.DeletedAt.Valid {
		t.Fatalf("A must stay deleted")
	}
	gotB, _ := p.contacts.Get(ctx, b.ID)
	if gotB.DeletedAt.Valid || gotB.FirstName != "B" {
		t.Fatalf("B must stay active and unchanged: %+v", gotB)
	}
	entries, _ := p.audit.List(ctx, SubjectContact, a.ID)
	for _, e := range entries {
		if e.Description == "Contact restored" {
			t.Fatalf("failed restore must not be audited")
		}
	}
}

func TestContacts_RestoreSucceedsWhenEmailFree(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	ctx := context.Background()
	a := &Contact{Email: strPtr("e@x.com")}
	if err := p.contacts.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := p.contacts.Delete(ctx, a.ID, SystemActor()); err != nil {
		t.Fatal(err)
	}

	restored, err := p.contacts.Restore(ctx, a.ID, UserActor(9))
	if err != nil {
		t.Fatal(err)
	}
	if restored.DeletedAt.Valid {
		t.Fatalf("expected restored contact to be active")
	}
	if _, err := p.contacts.FindActiveByEmail(ctx, "E@X.COM"); err != nil {
		t.Fatalf("restored contact should be active: %v", err)
	}
	// Restoring an active contact is a no-op.
	if _, err := p.contacts.Restore(ctx, a.ID, UserActor(9)); err != nil {
		t.Fatal(err)
	}

	entries, err := p.audit.List(ctx, SubjectContact, a.ID)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected delete and restore entries, got %d (err=%v)", len(entries), err)
	}
	if entries[1].Description != "Contact restored" {
		t.Fatalf("unexpected description %q", entries[1].Description)
	}
	if id, ok := entries[1].Actor().UserID(); !ok || id != 9 {
		t.Fatalf("expected user actor 9, got %s", entries[1].Actor())
	}
}

func TestContacts_RestoreUnknown(t *testing.T) {
	p := newTestPipeline(t, EngineConfig{})
	if _, err := p.contacts.Restore(context.Background(), 404, SystemActor()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
