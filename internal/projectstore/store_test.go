package projectstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/BegaDeveloper/devheal/internal/security"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "devheal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGet_UnknownProjectReturnsEmptyRecord(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	config, err := store.Get("/does/not/exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !config.IsEmpty() {
		t.Fatalf("expected empty record, got %#v", config)
	}
}

func TestSetLastKnownGood_ClearsFailureAndKeepsOverride(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	command := security.SafeCommand{Binary: "npm", Args: []string{"run", "dev"}}

	if err := store.SetOverride("/p", Override{Command: command, Port: 4000, RecordedAt: now}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if err := store.RecordFailure("/p", "boom", now); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := store.SetLastKnownGood("/p", LastKnownGood{Command: command, Port: 3000, ScriptName: "dev", RecordedAt: now}); err != nil {
		t.Fatalf("set lkg: %v", err)
	}

	config, err := store.Get("/p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if config.LastFailure != nil {
		t.Fatalf("expected failure to be cleared, got %#v", config.LastFailure)
	}
	if config.UserOverride == nil || config.UserOverride.Port != 4000 {
		t.Fatalf("expected override to survive, got %#v", config.UserOverride)
	}
	if config.LastKnownGood == nil || !config.LastKnownGood.Command.Equal(command) || config.LastKnownGood.Port != 3000 {
		t.Fatalf("unexpected lkg %#v", config.LastKnownGood)
	}
}

func TestReset_RemovesRecord(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	if err := store.RecordFailure("/p", "boom", time.Now()); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := store.Reset("/p"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	config, _ := store.Get("/p")
	if !config.IsEmpty() {
		t.Fatalf("expected empty record after reset, got %#v", config)
	}
}

func TestClearOverride_DeletesEmptyRecord(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	command := security.SafeCommand{Binary: "pnpm", Args: []string{"dev"}}
	if err := store.SetOverride("/p", Override{Command: command}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if err := store.ClearOverride("/p"); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	config, _ := store.Get("/p")
	if !config.IsEmpty() {
		t.Fatalf("expected empty record, got %#v", config)
	}
}

func TestListRepairs_NewestFirstWithProjectFilter(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []RepairRecord{
		{ID: "a", ProjectKey: "/one", Outcome: "recovered", FinishedAt: base},
		{ID: "b", ProjectKey: "/two", Outcome: "exhausted", FinishedAt: base.Add(time.Minute)},
		{ID: "c", ProjectKey: "/one", Outcome: "failed_requires_human", FinishedAt: base.Add(2 * time.Minute)},
	}
	for _, record := range records {
		if err := store.SaveRepair(record); err != nil {
			t.Fatalf("save repair: %v", err)
		}
	}

	all, err := store.ListRepairs("", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order %#v", all)
	}

	filtered, _ := store.ListRepairs("/one", 1)
	if len(filtered) != 1 || filtered[0].ID != "c" {
		t.Fatalf("unexpected filtered result %#v", filtered)
	}
}
