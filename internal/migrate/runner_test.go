package migrate

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestListMigrationFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_tickets.sql", "SELECT 2;")
	writeFile(t, dir, "001_jobs.sql", "SELECT 1;")
	writeFile(t, dir, "010_later.sql", "SELECT 10;")
	writeFile(t, dir, "README.md", "not a migration")
	if err := os.Mkdir(filepath.Join(dir, "archive.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := listMigrationFiles(dir)
	if err != nil {
		t.Fatalf("listMigrationFiles: %v", err)
	}

	want := []string{"001_jobs.sql", "002_tickets.sql", "010_later.sql"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestListMigrationFilesMissingDir(t *testing.T) {
	if _, err := listMigrationFiles(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestFileChecksumStable(t *testing.T) {
	a := fileChecksum([]byte("CREATE TABLE t (id INT);"))
	b := fileChecksum([]byte("CREATE TABLE t (id INT);"))
	c := fileChecksum([]byte("CREATE TABLE t (id BIGINT);"))

	if a != b {
		t.Error("identical contents must produce identical checksums")
	}
	if a == c {
		t.Error("different contents must produce different checksums")
	}
	if len(a) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(a))
	}
}

func TestSeedOrderFixed(t *testing.T) {
	want := []string{"roles.seed.sql", "permissions.seed.sql", "menus.seed.sql", "admin.seed.sql"}
	if len(seedOrder) != len(want) {
		t.Fatalf("seedOrder = %v, want %v", seedOrder, want)
	}
	for i := range want {
		if seedOrder[i] != want[i] {
			t.Fatalf("seedOrder = %v, want %v", seedOrder, want)
		}
	}
}
