package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
)

func TestMigrationsCollect(t *testing.T) {
	if err := Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	collected, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		t.Fatalf("CollectMigrations() error = %v", err)
	}
	if len(collected) != 3 {
		t.Fatalf("collected %d migrations, want 3", len(collected))
	}
	for i, m := range collected {
		if m.Version != int64(i+1) {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
	}
}

func TestMigrationsHaveDown(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		body, err := fs.ReadFile(FS, name)
		if err != nil {
			t.Fatal(err)
		}
		for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(string(body), marker) {
				t.Errorf("%s is missing %q", name, marker)
			}
		}
	}
}

func TestTimelineUniquePair(t *testing.T) {
	body, err := fs.ReadFile(FS, "00003_timeline_entries.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "UNIQUE INDEX timeline_entries_ux1 ON timeline_entries (viewer_id, post_id)") {
		t.Error("timeline_entries lacks the (viewer_id, post_id) unique index")
	}
}
