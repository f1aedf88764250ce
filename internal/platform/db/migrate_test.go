package db

import (
	"testing"
	"testing/fstest"
)

func migratorFor(files map[string]string) *Migrator {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return &Migrator{fsys: fsys}
}

func TestLoad_SortsByVersion(t *testing.T) {
	m := migratorFor(map[string]string{
		"010_tables.sql": "SELECT 10;",
		"002_second.sql": "SELECT 2;",
		"001_first.sql":  "SELECT 1;",
	})

	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 10} {
		if migrations[i].Version != want {
			t.Errorf("migration[%d]: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL: %s", migrations[0].SQL)
	}
}

func TestLoad_SkipsUnversionedFiles(t *testing.T) {
	m := migratorFor(map[string]string{
		"001_scheduling.sql": "SELECT 1;",
		"readme.sql":         "-- no prefix",
		"notes.txt":          "not sql",
		"abc_invalid.sql":    "-- non-numeric",
	})

	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Name != "001_scheduling.sql" {
		t.Fatalf("expected only 001_scheduling.sql, got %+v", migrations)
	}
}

func TestLoad_RejectsDuplicateVersions(t *testing.T) {
	m := migratorFor(map[string]string{
		"001_a.sql": "SELECT 1;",
		"001_b.sql": "SELECT 1;",
	})
	if _, err := m.Load(); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestLoad_MissingDir(t *testing.T) {
	m := NewMigrator(nil, "/nonexistent/path/that/does/not/exist")
	if _, err := m.Load(); err == nil {
		t.Error("expected error for missing directory")
	}
}
