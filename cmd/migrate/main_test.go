package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	cases := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_evidence.up.sql", 1, false},
		{"004_payment_receipts.up.sql", 4, false},
		{"evidence.up.sql", 0, true},
		{"x1_evidence.up.sql", 0, true},
	}
	for _, tc := range cases {
		got, err := versionFromFile(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"010_late.up.sql", "002_mid.up.sql", "001_first.up.sql", "README.md", "002_mid.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got, err := collect(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("got %d migrations, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.version != want[i] {
			t.Errorf("position %d: version %d, want %d", i, m.version, want[i])
		}
	}
}

func TestCollect_duplicateVersion(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"001_a.up.sql", "001_b.up.sql"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := collect(dir); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestCollect_repoMigrations(t *testing.T) {
	got, err := collect(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) < 4 {
		t.Errorf("expected at least 4 migrations, got %d", len(got))
	}
}
