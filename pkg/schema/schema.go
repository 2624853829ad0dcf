// Package schema describes the managed tables a processor writes to: their
// columns, whether they participate in hot/cold migration, and how their
// physical names are derived. Loading schema definitions from files/config
// is an external collaborator's job (spec §1 non-goals); this package only
// defines the shape a loader must produce and an in-memory Registry
// (NewRegistry) for tests and simple embedders.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/squidstore/chstore/pkg/utils"
)

// ColumnDef is a single column definition, enough to generate CREATE TABLE
// DDL and to validate that a hot-supported table carries the configured
// height column (spec §7 SchemaError).
type ColumnDef struct {
	Name  string
	Type  string // ClickHouse type, e.g. "UInt64", "String", "DateTime64(3)"
	Codec string // optional compression codec, e.g. "ZSTD(1)"
}

// SQL renders the column for a CREATE TABLE statement.
func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// Kind is the stable per-entity tag a producer attaches to ingested rows, in
// place of the runtime type introspection the original implementation used
// (spec §9 "Dynamic class → table mapping").
type Kind string

// TableSpec describes one managed table: its entity kind, its columns, and
// whether it's hot-supported (mirrored into hot/cold physical tables and
// migrated) or regular (a single physical table, never migrated).
type TableSpec struct {
	Kind       Kind
	Columns    []ColumnDef
	HotSupport bool   // participates in the dual hot/cold zone and migration
	HexFields  []string // column names whose values are hex-encoded byte strings (spec §4.4)
}

// Column returns the named column if present.
func (t TableSpec) Column(name string) (ColumnDef, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// HeightColumn returns the configured height column if present among Columns.
func (t TableSpec) HeightColumn(name string) (ColumnDef, bool) {
	return t.Column(name)
}

// Validate checks that a hot-supported table carries the configured height
// column, the precondition for participating in migration (spec §7 SchemaError).
func (t TableSpec) Validate(heightColumnName string) error {
	if !t.HotSupport {
		return nil
	}
	if _, ok := t.HeightColumn(heightColumnName); !ok {
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			names[i] = c.Name
		}
		return fmt.Errorf("hot-supported table %q lacks height column %q (columns present: %s)",
			t.Kind, heightColumnName, strings.Join(names, ", "))
	}
	return nil
}

// SnakePlural maps a PascalCase entity class name to the snake_case, plural
// physical-name fragment spec §3 requires ("DexOrder" -> "dex_orders"). It's
// deterministic and collaborator-agnostic: producers that already hand us a
// Kind skip this, but it's provided for producers that only know a class name.
func SnakePlural(className string) string {
	snake := toSnakeCase(className)
	return pluralize(snake)
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func pluralize(s string) string {
	switch {
	case strings.HasSuffix(s, "y") && !strings.HasSuffix(s, "ay") && !strings.HasSuffix(s, "ey") && !strings.HasSuffix(s, "oy"):
		return s[:len(s)-1] + "ies"
	case strings.HasSuffix(s, "s") || strings.HasSuffix(s, "x") || strings.HasSuffix(s, "ch"):
		return s + "es"
	default:
		return s + "s"
	}
}

// Registry is the set of managed tables discovered for a processor, split
// into hot-supported and regular as spec §3 requires.
type Registry struct {
	tables map[Kind]TableSpec
}

// NewRegistry builds a Registry from a slice of specs, keyed by Kind. Later
// entries with a duplicate Kind overwrite earlier ones.
func NewRegistry(specs []TableSpec) *Registry {
	r := &Registry{tables: make(map[Kind]TableSpec, len(specs))}
	for _, s := range specs {
		if len(s.HexFields) > 0 {
			s.HexFields = utils.Dedup(s.HexFields)
		}
		r.tables[s.Kind] = s
	}
	return r
}

// Lookup returns the spec for kind, if known.
func (r *Registry) Lookup(kind Kind) (TableSpec, bool) {
	t, ok := r.tables[kind]
	return t, ok
}

// HotSupported returns all hot-supported specs, sorted by Kind so migration
// and initialization order is deterministic across runs.
func (r *Registry) HotSupported() []TableSpec {
	return r.filter(func(t TableSpec) bool { return t.HotSupport })
}

// Regular returns all non-hot-supported specs, sorted by Kind.
func (r *Registry) Regular() []TableSpec {
	return r.filter(func(t TableSpec) bool { return !t.HotSupport })
}

func (r *Registry) filter(pred func(TableSpec) bool) []TableSpec {
	out := make([]TableSpec, 0, len(r.tables))
	for _, t := range r.tables {
		if pred(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// ValidateAll runs TableSpec.Validate over every hot-supported table,
// collecting every offending table into a single SchemaError-shaped message
// (spec §7: "the error message enumerates the offending tables").
func (r *Registry) ValidateAll(heightColumnName string) error {
	var problems []string
	for _, t := range r.HotSupported() {
		if err := t.Validate(heightColumnName); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("schema validation failed for %d table(s): %s", len(problems), strings.Join(problems, "; "))
	}
	return nil
}
