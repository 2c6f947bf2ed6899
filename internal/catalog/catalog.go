// Package catalog defines the command catalog for the opsgate hub.
//
// The catalog merges two data sources:
//
//  1. **Built-in commands** — the fixed set every deployment understands
//     (status, cleanup, insights, export, archive, sync).
//
//  2. **File overlay** — an optional YAML file (OPSGATE_CATALOG_FILE) that
//     adds commands or overrides built-in entries, validated at load time.
//
// After Load the catalog never changes, so Resolve is a pure function of its
// inputs and safe for concurrent use without locking.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/pkg/models"
)

// Entry describes one invocable command.
type Entry struct {
	Name            string                 `json:"name" yaml:"name"`
	Tool            string                 `json:"tool" yaml:"tool"`
	Description     string                 `json:"description" yaml:"description"`
	Risk            models.RiskLevel       `json:"risk" yaml:"risk"`
	RequiresProject bool                   `json:"requires_project" yaml:"requires_project"`
	Defaults        map[string]interface{} `json:"defaults,omitempty" yaml:"defaults"`
}

// Resolution is the outcome of resolving a command against the catalog.
type Resolution struct {
	Command         string
	Tool            string
	Args            map[string]interface{}
	ProjectID       string
	Risk            models.RiskLevel
	RequiresProject bool
}

// ── Errors ──────────────────────────────────────────────────

// ErrUnknownCommand is returned for commands the catalog does not know.
// No operation record is created for these.
type ErrUnknownCommand struct {
	Command string
}

func (e *ErrUnknownCommand) Error() string {
	return "unknown command: " + e.Command
}

// ErrMissingProjectID is returned when a command requires a project scope
// and neither the request nor the caller arguments carry one.
type ErrMissingProjectID struct {
	Command string
}

func (e *ErrMissingProjectID) Error() string {
	return "command " + e.Command + " requires a project_id"
}

// ── Catalog ─────────────────────────────────────────────────

// Catalog is an immutable command lookup, built once at startup.
type Catalog struct {
	entries map[string]Entry
}

// Load builds the catalog from built-ins plus an optional YAML overlay.
// Pass path="" to load built-ins only. Overlay entries are validated and
// may override built-in commands by name.
func Load(path string) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry)}
	for _, e := range builtinCommands {
		c.entries[e.Name] = e
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		var overlay struct {
			Commands []Entry `yaml:"commands"`
		}
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
		}
		for i, e := range overlay.Commands {
			if err := validateEntry(e); err != nil {
				return nil, fmt.Errorf("catalog file %s: command %d: %w", path, i, err)
			}
			c.entries[e.Name] = e
		}
	}

	log.Info().Int("commands", len(c.entries)).Str("file", path).Msg("Command catalog loaded")
	return c, nil
}

func validateEntry(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("missing name")
	}
	if e.Tool == "" {
		return fmt.Errorf("%q: missing tool", e.Name)
	}
	switch e.Risk {
	case models.RiskLow, models.RiskHigh:
	case "":
		return fmt.Errorf("%q: missing risk", e.Name)
	default:
		return fmt.Errorf("%q: invalid risk %q", e.Name, e.Risk)
	}
	return nil
}

// Get returns the entry for a command name.
func (c *Catalog) Get(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Entries returns all commands sorted by name.
func (c *Catalog) Entries() []Entry {
	result := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of known commands.
func (c *Catalog) Count() int { return len(c.entries) }

// Resolve maps a command name plus caller arguments to a concrete tool
// invocation. Caller arguments win over catalog defaults (shallow merge);
// an explicit project ID wins over one passed inside the arguments.
//
// Same inputs always produce the same Resolution. The inputs are never
// mutated and the returned Args map is freshly allocated per call.
func (c *Catalog) Resolve(command string, callerArgs map[string]interface{}, explicitProjectID string) (*Resolution, error) {
	entry, ok := c.entries[command]
	if !ok {
		return nil, &ErrUnknownCommand{Command: command}
	}

	args := make(map[string]interface{}, len(entry.Defaults)+len(callerArgs))
	for k, v := range entry.Defaults {
		args[k] = v
	}
	for k, v := range callerArgs {
		args[k] = v
	}

	projectID := explicitProjectID
	if projectID == "" {
		projectID = cast.ToString(callerArgs["project_id"])
	}
	if projectID == "" && entry.RequiresProject {
		return nil, &ErrMissingProjectID{Command: command}
	}
	if projectID != "" {
		args["project_id"] = projectID
	}

	return &Resolution{
		Command:         command,
		Tool:            entry.Tool,
		Args:            args,
		ProjectID:       projectID,
		Risk:            entry.Risk,
		RequiresProject: entry.RequiresProject,
	}, nil
}

// ── Built-in Commands ───────────────────────────────────────

var builtinCommands = []Entry{
	{
		Name:        "status",
		Tool:        "ops.status",
		Description: "Report hub and adapter health",
		Risk:        models.RiskLow,
	},
	{
		Name:            "insights",
		Tool:            "ops.insights",
		Description:     "Summarize recent activity for a project",
		Risk:            models.RiskLow,
		RequiresProject: true,
		Defaults:        map[string]interface{}{"window": "7d"},
	},
	{
		Name:            "export",
		Tool:            "ops.export",
		Description:     "Export project records",
		Risk:            models.RiskLow,
		RequiresProject: true,
		Defaults:        map[string]interface{}{"format": "json"},
	},
	{
		Name:        "sync",
		Tool:        "ops.sync",
		Description: "Synchronize upstream data sources",
		Risk:        models.RiskLow,
		Defaults:    map[string]interface{}{"mode": "incremental"},
	},
	{
		Name:            "cleanup",
		Tool:            "ops.cleanup",
		Description:     "Delete stale resources for a project",
		Risk:            models.RiskHigh,
		RequiresProject: true,
		Defaults:        map[string]interface{}{"older_than": "30d", "dry_run": false},
	},
	{
		Name:            "archive",
		Tool:            "ops.archive",
		Description:     "Archive a project and freeze its resources",
		Risk:            models.RiskHigh,
		RequiresProject: true,
	},
}
