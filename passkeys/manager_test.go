package passkeys

import (
	"context"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/hooks"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/storage/memory"
)

func seedPasskeys(t *testing.T, store *memory.Store, userID string, count int) []string {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-cred-%d", userID, i)
		record := storage.Passkey{
			ID:        id,
			UserID:    userID,
			PublicKey: []byte{byte(i)},
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
			UpdatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.PutPasskey(ctx, record); err != nil {
			t.Fatalf("put passkey: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestListReturnsOnlyOwnPasskeys(t *testing.T) {
	store := memory.New()
	seedPasskeys(t, store, "alice", 2)
	seedPasskeys(t, store, "bob", 1)

	m := New(store, nil)
	list, err := m.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 passkeys, got %d", len(list))
	}
	for _, p := range list {
		if p.UserID != "alice" {
			t.Fatalf("unexpected owner %q", p.UserID)
		}
	}
}

func TestUpdateNickname(t *testing.T) {
	store := memory.New()
	ids := seedPasskeys(t, store, "alice", 1)
	m := New(store, nil)
	m.clock = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	updated, err := m.UpdateNickname(context.Background(), "alice", ids[0], "  Work laptop  ")
	if err != nil {
		t.Fatalf("update nickname: %v", err)
	}
	if updated.Nickname != "Work laptop" {
		t.Fatalf("nickname = %q, want trimmed", updated.Nickname)
	}

	stored, err := store.GetPasskey(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("get passkey: %v", err)
	}
	if stored.Nickname != "Work laptop" {
		t.Fatalf("stored nickname = %q", stored.Nickname)
	}
	if !stored.UpdatedAt.Equal(m.clock()) {
		t.Fatalf("updated at = %v, want clock time", stored.UpdatedAt)
	}
}

func TestUpdateNicknameOwnershipMismatch(t *testing.T) {
	store := memory.New()
	ids := seedPasskeys(t, store, "alice", 1)
	m := New(store, nil)

	if _, err := m.UpdateNickname(context.Background(), "bob", ids[0], "mine now"); !apperrors.Is(err, ErrPasskeyNotFound) {
		t.Fatalf("expected ErrPasskeyNotFound, got %v", err)
	}
	if _, err := m.UpdateNickname(context.Background(), "alice", "missing", "x"); !apperrors.Is(err, ErrPasskeyNotFound) {
		t.Fatalf("expected ErrPasskeyNotFound for missing id, got %v", err)
	}
}

func TestDeleteDownToOne(t *testing.T) {
	store := memory.New()
	ids := seedPasskeys(t, store, "alice", 3)
	var deleted []hooks.PasskeyDeleted
	dispatcher := hooks.NewDispatcher(hooks.Hooks{
		OnPasskeyDeleted: func(ev hooks.PasskeyDeleted) { deleted = append(deleted, ev) },
	})
	m := New(store, dispatcher)
	ctx := context.Background()

	if err := m.Delete(ctx, "alice", ids[0]); err != nil {
		t.Fatalf("delete first: %v", err)
	}
	if err := m.Delete(ctx, "alice", ids[1]); err != nil {
		t.Fatalf("delete second: %v", err)
	}

	// The surviving credential is protected.
	if err := m.Delete(ctx, "alice", ids[2]); !apperrors.Is(err, ErrLastPasskey) {
		t.Fatalf("expected ErrLastPasskey, got %v", err)
	}

	list, err := m.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != ids[2] {
		t.Fatalf("expected only %q to survive, got %+v", ids[2], list)
	}

	if len(deleted) != 2 {
		t.Fatalf("expected 2 deletion events, got %d", len(deleted))
	}
	if deleted[0].PasskeyID != ids[0] || deleted[1].PasskeyID != ids[1] {
		t.Fatalf("unexpected deletion events %+v", deleted)
	}
}

func TestDeleteOwnershipMismatch(t *testing.T) {
	store := memory.New()
	ids := seedPasskeys(t, store, "alice", 2)
	seedPasskeys(t, store, "bob", 2)
	m := New(store, nil)

	if err := m.Delete(context.Background(), "bob", ids[0]); !apperrors.Is(err, ErrPasskeyNotFound) {
		t.Fatalf("expected ErrPasskeyNotFound, got %v", err)
	}
	list, err := m.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected alice's passkeys untouched, got %d", len(list))
	}
}
