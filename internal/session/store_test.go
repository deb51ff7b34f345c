package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func testSession(id string) *models.Session {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Session{
		ID:           id,
		Provider:     models.ProviderOllama,
		SystemPrompt: "sys",
		Turns: []models.Turn{
			{Role: models.RoleSystem, Content: "sys", CreatedAt: now},
		},
		ActiveTools: []string{"context.read"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_CreateGetSave(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.Create(ctx, testSession("s1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, testSession("s1")); err == nil {
		t.Error("duplicate Create succeeded")
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Turns = append(got.Turns, models.Turn{Role: models.RoleUser, Content: "hi"})
	if err := store.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, _ := store.Get(ctx, "s1")
	if len(again.Turns) != 2 {
		t.Errorf("turns = %d, want 2", len(again.Turns))
	}
}

func TestStore_CloneIsolation(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Create(ctx, testSession("s1"))

	got, _ := store.Get(ctx, "s1")
	got.Turns[0].Content = "tampered"
	got.ActiveTools[0] = "tampered"
	got.Turns = append(got.Turns, models.Turn{Role: models.RoleUser})

	fresh, _ := store.Get(ctx, "s1")
	if fresh.Turns[0].Content != "sys" || fresh.ActiveTools[0] != "context.read" {
		t.Error("mutation through returned clone leaked into the store")
	}
	if len(fresh.Turns) != 1 {
		t.Errorf("turns = %d, want 1", len(fresh.Turns))
	}
}

func TestStore_DeleteAndNotFound(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Create(ctx, testSession("s1"))

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete = %v, want ErrSessionNotFound", err)
	}
	if err := store.Delete(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete = %v, want ErrSessionNotFound", err)
	}
	if err := store.Save(ctx, testSession("s1")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Save after delete = %v, want ErrSessionNotFound", err)
	}
}
