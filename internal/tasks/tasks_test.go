package tasks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trackersched/internal/core"
)

type fakeDeps struct {
	pruned      int
	purgedAt    time.Time
	prefixes    []string
	optimized   bool
	optimizeErr error
}

func (f *fakeDeps) PruneRunHistory(ctx context.Context) (int, error) {
	f.pruned++
	return 7, nil
}

func (f *fakeDeps) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	f.purgedAt = now
	return 3, nil
}

func (f *fakeDeps) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	f.prefixes = append(f.prefixes, prefix)
	return 2, nil
}

func (f *fakeDeps) Optimize(ctx context.Context) error {
	f.optimized = true
	return f.optimizeErr
}

func TestBuiltinOrderAndWork(t *testing.T) {
	t.Parallel()
	f := &fakeDeps{}
	entries := Builtin(Deps{History: f, Cache: f, Database: f})

	wantIDs := []int{PruneHistoryID, PurgeCacheID, FlushNotifyCountsID, OptimizeDatabaseID}
	if len(entries) != len(wantIDs) {
		t.Fatalf("got %d builtins, want %d", len(entries), len(wantIDs))
	}
	var out bytes.Buffer
	for i, e := range entries {
		if e.Definition.ID != wantIDs[i] {
			t.Fatalf("entry %d id = %d, want %d", i, e.Definition.ID, wantIDs[i])
		}
		if !e.Definition.Enabled || e.Definition.Interval <= 0 {
			t.Fatalf("entry %d definition = %+v", i, e.Definition)
		}
		if err := e.Task.Run(context.Background(), &out); err != nil {
			t.Fatalf("task %d: %v", e.Definition.ID, err)
		}
	}
	if f.pruned != 1 || f.purgedAt.IsZero() || !f.optimized {
		t.Fatalf("deps not exercised: %+v", f)
	}
	if len(f.prefixes) != 1 || f.prefixes[0] != NotifyCountPrefix {
		t.Fatalf("prefixes = %v", f.prefixes)
	}
	for _, want := range []string{"pruned 7 runs", "purged 3 expired entries", "invalidated 2 notification counters", "database optimized"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestBuiltinPropagatesErrors(t *testing.T) {
	t.Parallel()
	f := &fakeDeps{optimizeErr: errors.New("database is locked")}
	entries := Builtin(Deps{History: f, Cache: f, Database: f})
	last := entries[len(entries)-1]
	if err := last.Task.Run(context.Background(), &bytes.Buffer{}); err == nil {
		t.Fatal("expected optimize error")
	}
}

func TestParseCatalog(t *testing.T) {
	t.Parallel()
	doc := `
tasks:
  - id: 100
    name: Refresh search delta
    interval: 10m
    command: echo delta
    working_dir: /tmp
  - id: 101
    interval: 0s
    enabled: false
    command: echo always
`
	entries, err := ParseCatalog(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0].Definition
	if first.ID != 100 || first.Name != "Refresh search delta" || first.Interval != 10*time.Minute || !first.Enabled {
		t.Fatalf("first = %+v", first)
	}
	shell, ok := entries[0].Task.(core.ShellTask)
	if !ok || shell.Command != "echo delta" || shell.WorkingDir != "/tmp" {
		t.Fatalf("first task = %#v", entries[0].Task)
	}
	second := entries[1].Definition
	if second.Name != "echo always" || second.Interval != 0 || second.Enabled {
		t.Fatalf("second = %+v", second)
	}
}

func TestParseCatalogErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{name: "reserved id", doc: "tasks:\n  - id: 4\n    command: echo\n"},
		{name: "no command", doc: "tasks:\n  - id: 100\n"},
		{name: "bad interval", doc: "tasks:\n  - id: 100\n    command: echo\n    interval: soon\n"},
		{name: "negative interval", doc: "tasks:\n  - id: 100\n    command: echo\n    interval: -1m\n"},
		{name: "unknown field", doc: "tasks:\n  - id: 100\n    command: echo\n    cron: '* * * * *'\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseCatalog(strings.NewReader(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseCatalogEmpty(t *testing.T) {
	t.Parallel()
	entries, err := ParseCatalog(strings.NewReader(""))
	if err != nil || len(entries) != 0 {
		t.Fatalf("ParseCatalog(empty) = %v, %v", entries, err)
	}
}

func TestNewRegistryAppendsCatalog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte("tasks:\n  - id: 100\n    name: Extra\n    command: echo extra\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	f := &fakeDeps{}
	reg, err := NewRegistry(Deps{History: f, Cache: f, Database: f}, path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defs := reg.List()
	if len(defs) != 5 || defs[0].ID != PruneHistoryID || defs[4].ID != 100 {
		t.Fatalf("defs = %+v", defs)
	}

	if _, err := NewRegistry(Deps{History: f, Cache: f, Database: f}, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing catalog")
	}
}
