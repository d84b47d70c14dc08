package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/orchestra/host/internal/errors"
	"github.com/orchestra/host/internal/pty"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// TestNewSQLiteStore_FileReopen verifies the schema survives a reopen and
// migrations are not re-applied.
func TestNewSQLiteStore_FileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "orchestra.db")

	store, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := store.SaveToken(&Token{ID: "t1", Name: "laptop", Hash: "h", CreatedAt: base}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	tok, err := store.GetToken("t1")
	if err != nil || tok == nil {
		t.Fatalf("token lost across reopen: %v", err)
	}

	var versions int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&versions); err != nil {
		t.Fatal(err)
	}
	if versions != currentSchemaVersion {
		t.Errorf("schema_version rows = %d, want %d", versions, currentSchemaVersion)
	}
}

func TestNewSQLiteStore_UnwritablePath(t *testing.T) {
	// The parent "directory" is a regular file.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}
	_, err := NewSQLiteStore(filepath.Join(blocker, "orchestra.db"), nil)
	if !apperrors.IsCode(err, apperrors.CodeStorageOpenFailed) {
		t.Errorf("expected %s, got %v", apperrors.CodeStorageOpenFailed, err)
	}
}

func TestSessions_SaveCloseGet(t *testing.T) {
	store := newTestStore(t)

	rec := &SessionRecord{
		ID:        "wt-1",
		Worktree:  "/repo/wt",
		WorkDir:   "/repo/wt",
		Shell:     "/bin/zsh",
		Status:    SessionActive,
		StartedAt: base,
	}
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := store.GetSession("wt-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.Status != SessionActive || !got.ClosedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.StartedAt.Equal(base) || got.Shell != "/bin/zsh" {
		t.Errorf("fields not round-tripped: %+v", got)
	}

	closedAt := base.Add(time.Hour)
	if err := store.CloseSession("wt-1", "exited", closedAt); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	got, _ = store.GetSession("wt-1")
	if got.Status != SessionClosed || got.CloseReason != "exited" || !got.ClosedAt.Equal(closedAt) {
		t.Errorf("close not recorded: %+v", got)
	}

	// Already closed: nothing active to update.
	if err := store.CloseSession("wt-1", "exited", closedAt); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second close = %v, want ErrSessionNotFound", err)
	}
}

func TestSessions_GetMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetSession("nope")
	if err != nil || got != nil {
		t.Errorf("GetSession(missing) = %v, %v; want nil, nil", got, err)
	}
}

// Reopening a worktree reuses its key; each spawn keeps its own row.
func TestSessions_RespawnKeepsHistory(t *testing.T) {
	store := newTestStore(t)

	first := &SessionRecord{ID: "wt-1", Worktree: "/w", WorkDir: "/w", Status: SessionActive, StartedAt: base}
	_ = store.SaveSession(first)
	_ = store.CloseSession("wt-1", "requested", base.Add(time.Minute))

	second := &SessionRecord{ID: "wt-1", Worktree: "/w", WorkDir: "/w", Status: SessionActive, StartedAt: base.Add(2 * time.Minute)}
	_ = store.SaveSession(second)

	list, err := store.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(list))
	}
	if list[0].Status != SessionActive || list[1].Status != SessionClosed {
		t.Errorf("unexpected order/status: %s, %s", list[0].Status, list[1].Status)
	}

	latest, _ := store.GetSession("wt-1")
	if !latest.StartedAt.Equal(second.StartedAt) {
		t.Errorf("GetSession returned an older spawn: %v", latest.StartedAt)
	}
}

func TestSessions_Retention(t *testing.T) {
	store := newTestStore(t)

	total := maxSessionHistory + 5
	for i := 0; i < total; i++ {
		rec := &SessionRecord{
			ID:        fmt.Sprintf("wt-%03d", i),
			Worktree:  "/w",
			WorkDir:   "/w",
			Status:    SessionActive,
			StartedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.SaveSession(rec); err != nil {
			t.Fatalf("SaveSession %d failed: %v", i, err)
		}
	}

	list, err := store.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != maxSessionHistory {
		t.Fatalf("retained %d sessions, want %d", len(list), maxSessionHistory)
	}
	if list[0].ID != fmt.Sprintf("wt-%03d", total-1) {
		t.Errorf("newest = %s", list[0].ID)
	}
	if gone, _ := store.GetSession("wt-000"); gone != nil {
		t.Error("oldest session was not pruned")
	}

	limited, _ := store.ListSessions(3)
	if len(limited) != 3 {
		t.Errorf("ListSessions(3) returned %d", len(limited))
	}
}

func TestSessions_MarkInterrupted(t *testing.T) {
	store := newTestStore(t)

	_ = store.SaveSession(&SessionRecord{ID: "a", Worktree: "/a", WorkDir: "/a", Status: SessionActive, StartedAt: base})
	_ = store.SaveSession(&SessionRecord{ID: "b", Worktree: "/b", WorkDir: "/b", Status: SessionActive, StartedAt: base.Add(time.Second)})
	_ = store.CloseSession("b", "exited", base.Add(time.Minute))

	n, err := store.MarkInterrupted(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d sessions, want 1", n)
	}
	a, _ := store.GetSession("a")
	if a.Status != SessionInterrupted || a.CloseReason != "host_stopped" {
		t.Errorf("a = %+v", a)
	}
	b, _ := store.GetSession("b")
	if b.Status != SessionClosed {
		t.Errorf("closed session was touched: %+v", b)
	}
}

func TestSessions_SaveNil(t *testing.T) {
	if err := newTestStore(t).SaveSession(nil); err == nil {
		t.Error("expected error for nil session")
	}
}

func TestTokens_CRUD(t *testing.T) {
	store := newTestStore(t)

	for i, name := range []string{"desktop", "tablet"} {
		tok := &Token{
			ID:        fmt.Sprintf("tok-%d", i),
			Name:      name,
			Hash:      fmt.Sprintf("hash-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveToken(tok); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}

	tokens, err := store.ListTokens()
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	if len(tokens) != 2 || tokens[0].Name != "desktop" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	if !tokens[0].LastUsed.IsZero() {
		t.Error("new token should have no last_used")
	}

	used := base.Add(time.Hour)
	if err := store.TouchToken("tok-0", used); err != nil {
		t.Fatalf("TouchToken failed: %v", err)
	}
	tok, _ := store.GetToken("tok-0")
	if !tok.LastUsed.Equal(used) {
		t.Errorf("last_used = %v, want %v", tok.LastUsed, used)
	}

	if err := store.TouchToken("missing", used); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("TouchToken(missing) = %v", err)
	}

	if err := store.DeleteToken("tok-0"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	if err := store.DeleteToken("tok-0"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
	if tok, _ := store.GetToken("tok-0"); tok != nil {
		t.Error("token still present after delete")
	}
}

func TestSessionRecorder(t *testing.T) {
	store := newTestStore(t)
	rec := NewSessionRecorder(store, "/bin/bash")

	info := pty.SessionInfo{ID: "wt-9", Seed: "/repo/nine", WorkDir: "/repo/nine", CreatedAt: base}
	if err := rec.SessionOpened(info); err != nil {
		t.Fatalf("SessionOpened failed: %v", err)
	}
	if err := rec.SessionClosed("wt-9", pty.CloseExited, base.Add(time.Second)); err != nil {
		t.Fatalf("SessionClosed failed: %v", err)
	}

	got, _ := store.GetSession("wt-9")
	if got.Worktree != "/repo/nine" || got.Shell != "/bin/bash" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Status != SessionClosed || got.CloseReason != string(pty.CloseExited) {
		t.Errorf("close not recorded: %+v", got)
	}
}
