package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/pkg/models"
)

func builtinCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

func TestResolve_MergesDefaults(t *testing.T) {
	c := builtinCatalog(t)

	res, err := c.Resolve("cleanup", map[string]interface{}{"dry_run": true}, "alpha")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Tool != "ops.cleanup" {
		t.Errorf("Tool = %q, want %q", res.Tool, "ops.cleanup")
	}
	if res.Risk != models.RiskHigh {
		t.Errorf("Risk = %q, want %q", res.Risk, models.RiskHigh)
	}
	if res.ProjectID != "alpha" {
		t.Errorf("ProjectID = %q, want %q", res.ProjectID, "alpha")
	}
	// Caller value wins, untouched defaults survive
	if res.Args["dry_run"] != true {
		t.Errorf("Args[dry_run] = %v, want caller's true", res.Args["dry_run"])
	}
	if res.Args["older_than"] != "30d" {
		t.Errorf("Args[older_than] = %v, want default 30d", res.Args["older_than"])
	}
	if res.Args["project_id"] != "alpha" {
		t.Errorf("Args[project_id] = %v, want alpha", res.Args["project_id"])
	}
}

func TestResolve_UnknownCommand(t *testing.T) {
	c := builtinCatalog(t)

	_, err := c.Resolve("banana", nil, "")
	var unknown *catalog.ErrUnknownCommand
	if !errors.As(err, &unknown) {
		t.Fatalf("Resolve(banana) error = %v, want *ErrUnknownCommand", err)
	}
	if unknown.Command != "banana" {
		t.Errorf("ErrUnknownCommand.Command = %q, want %q", unknown.Command, "banana")
	}
}

func TestResolve_ProjectRequirement(t *testing.T) {
	c := builtinCatalog(t)

	// cleanup needs a project from somewhere
	_, err := c.Resolve("cleanup", nil, "")
	var missing *catalog.ErrMissingProjectID
	if !errors.As(err, &missing) {
		t.Fatalf("Resolve(cleanup) without project error = %v, want *ErrMissingProjectID", err)
	}

	// project_id inside the arguments is enough
	res, err := c.Resolve("cleanup", map[string]interface{}{"project_id": "beta"}, "")
	if err != nil {
		t.Fatalf("Resolve() with args project error = %v", err)
	}
	if res.ProjectID != "beta" {
		t.Errorf("ProjectID = %q, want %q", res.ProjectID, "beta")
	}

	// the explicit request field beats the arguments copy
	res, err = c.Resolve("cleanup", map[string]interface{}{"project_id": "beta"}, "gamma")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.ProjectID != "gamma" {
		t.Errorf("ProjectID = %q, want explicit %q", res.ProjectID, "gamma")
	}

	// status has no project requirement
	if _, err := c.Resolve("status", nil, ""); err != nil {
		t.Errorf("Resolve(status) error = %v, want nil", err)
	}
}

func TestResolve_DeterministicAndPure(t *testing.T) {
	c := builtinCatalog(t)
	callerArgs := map[string]interface{}{"window": "30d"}

	first, err := c.Resolve("insights", callerArgs, "alpha")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := c.Resolve("insights", callerArgs, "alpha")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same inputs resolved differently:\n%+v\n%+v", first, second)
	}

	// Caller's map must never be touched
	if _, ok := callerArgs["project_id"]; ok {
		t.Error("Resolve() injected project_id into the caller's map")
	}
	if len(callerArgs) != 1 {
		t.Errorf("caller args mutated: %v", callerArgs)
	}

	// And the two resolutions must not share storage
	first.Args["window"] = "mutated"
	if second.Args["window"] != "30d" {
		t.Error("resolutions share an Args map")
	}
}

func TestLoad_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	overlay := `commands:
  - name: deploy
    tool: ops.deploy
    description: Roll out a service
    risk: high
    requires_project: true
    defaults:
      strategy: rolling
  - name: cleanup
    tool: ops.cleanup
    risk: high
    requires_project: true
    defaults:
      older_than: 90d
`
	if err := os.WriteFile(path, []byte(overlay), 0644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	c, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// New command from the overlay
	res, err := c.Resolve("deploy", nil, "alpha")
	if err != nil {
		t.Fatalf("Resolve(deploy) error = %v", err)
	}
	if res.Args["strategy"] != "rolling" {
		t.Errorf("Args[strategy] = %v, want rolling", res.Args["strategy"])
	}

	// Built-in overridden by the overlay
	res, err = c.Resolve("cleanup", nil, "alpha")
	if err != nil {
		t.Fatalf("Resolve(cleanup) error = %v", err)
	}
	if res.Args["older_than"] != "90d" {
		t.Errorf("Args[older_than] = %v, want overlay's 90d", res.Args["older_than"])
	}

	// Built-ins not mentioned in the overlay stay available
	if _, err := c.Resolve("status", nil, ""); err != nil {
		t.Errorf("Resolve(status) error = %v", err)
	}
}

func TestLoad_RejectsInvalidOverlay(t *testing.T) {
	cases := []struct {
		name    string
		overlay string
	}{
		{"missing tool", "commands:\n  - name: broken\n    risk: low\n"},
		{"missing risk", "commands:\n  - name: broken\n    tool: ops.broken\n"},
		{"bad risk", "commands:\n  - name: broken\n    tool: ops.broken\n    risk: extreme\n"},
		{"missing name", "commands:\n  - tool: ops.broken\n    risk: low\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			if err := os.WriteFile(path, []byte(tc.overlay), 0644); err != nil {
				t.Fatalf("write overlay: %v", err)
			}
			if _, err := catalog.Load(path); err == nil {
				t.Errorf("Load() accepted an invalid overlay")
			}
		})
	}
}

func TestEntriesSorted(t *testing.T) {
	c := builtinCatalog(t)

	entries := c.Entries()
	if len(entries) != c.Count() {
		t.Fatalf("Entries() returned %d, want %d", len(entries), c.Count())
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Name <= entries[i-1].Name {
			t.Errorf("entries not sorted: %q before %q", entries[i-1].Name, entries[i].Name)
		}
	}
}
