package policyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/canonical-node/canon/internal/canon"
)

func newTestStore(t *testing.T) *canon.SQLiteStore {
	t.Helper()
	store, err := canon.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadDir_CreatesPolicies(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "cpu-guard.yaml", `
id: cpu-guard
node_id: node-1
name: CPU guard
priority: 10
triggers: ["cpu.high"]
cel: "observation.payload.cpu > 90"
`)
	writeFile(t, dir, "ignored.txt", "not a policy")

	n, err := LoadDir(store, dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d policies, want 1", n)
	}

	got, err := store.GetPolicy("cpu-guard")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got == nil {
		t.Fatal("expected policy to be persisted")
	}
	if got.NodeID != "node-1" || got.Priority != 10 || !got.Enabled {
		t.Errorf("got %+v", got)
	}
	if got.Implementation.Source != "observation.payload.cpu > 90" {
		t.Errorf("Implementation.Source = %q", got.Implementation.Source)
	}
}

func TestLoadDir_UpdatesExistingPolicy(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "p.yaml", "id: p\nnode_id: node-1\npriority: 1\ncel: \"true\"\n")
	if _, err := LoadDir(store, dir); err != nil {
		t.Fatalf("first LoadDir: %v", err)
	}

	writeFile(t, dir, "p.yaml", "id: p\nnode_id: node-1\npriority: 5\ncel: \"false\"\n")
	if _, err := LoadDir(store, dir); err != nil {
		t.Fatalf("second LoadDir: %v", err)
	}

	got, err := store.GetPolicy("p")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Priority != 5 || got.Implementation.Source != "false" {
		t.Errorf("expected update to apply, got %+v", got)
	}
}

func TestLoadDir_DisabledFlag(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", "id: p\nnode_id: node-1\nenabled: false\ncel: \"true\"\n")

	if _, err := LoadDir(store, dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	got, _ := store.GetPolicy("p")
	if got.Enabled {
		t.Error("expected Enabled=false to be honored")
	}
}

func TestLoadDir_MissingID(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "node_id: node-1\ncel: \"true\"\n")

	if _, err := LoadDir(store, dir); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestLoadDir_EmptyDirArgument(t *testing.T) {
	store := newTestStore(t)
	n, err := LoadDir(store, "")
	if err != nil || n != 0 {
		t.Fatalf("LoadDir(\"\") = (%d, %v), want (0, nil)", n, err)
	}
}

func TestLoadDir_NonexistentDir(t *testing.T) {
	store := newTestStore(t)
	n, err := LoadDir(store, filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil || n != 0 {
		t.Fatalf("LoadDir(missing dir) = (%d, %v), want (0, nil)", n, err)
	}
}
