package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"001_core.sql":    "CREATE TABLE a (id INT);",
		"003_later.sql":   "CREATE TABLE c (id INT);",
		"002_second.sql":  "CREATE TABLE b (id INT);",
		"notes.txt":       "not a migration",
		"README.md":       "docs",
		"abc_nonnum.sql":  "skipped",
		"standalone.sql":  "no version prefix",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("LoadMigrations() returned %d migrations, want 3", len(migrations))
	}

	wantOrder := []int{1, 2, 3}
	for i, mig := range migrations {
		if mig.Version != wantOrder[i] {
			t.Errorf("migration[%d].Version = %d, want %d", i, mig.Version, wantOrder[i])
		}
	}

	if migrations[0].SQL != "CREATE TABLE a (id INT);" {
		t.Errorf("migration[0].SQL = %q, want core table SQL", migrations[0].SQL)
	}
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	m := NewMigrator(nil, "/nonexistent/migrations")
	if _, err := m.LoadMigrations(); err == nil {
		t.Error("LoadMigrations() with missing dir should fail")
	}
}
