package model

import "fmt"

// ColumnSpecKind selects which of the three column-spec variants (spec §3)
// a ColumnSpec holds. Exactly one of the corresponding fields is set.
type ColumnSpecKind string

const (
	ColumnCopy      ColumnSpecKind = "copy"
	ColumnStatic    ColumnSpecKind = "static"
	ColumnTransform ColumnSpecKind = "transform"
)

// ColumnSpec describes how one target column is derived.
type ColumnSpec struct {
	Kind ColumnSpecKind

	SourceColumn string      // copy, transform
	StaticValue  interface{} // static
	TransformRef string      // transform: "<module>.<function>"
}

// ColumnMapping is an ordered list of (target column name, spec) pairs; the
// order matters for deterministic SQL column ordering.
type ColumnMapping struct {
	entries []columnMappingEntry
}

type columnMappingEntry struct {
	TargetColumn string
	Spec         ColumnSpec
}

// NewColumnMapping returns an empty ColumnMapping; entries added with Add
// keep the order in which they were added.
func NewColumnMapping() *ColumnMapping {
	return &ColumnMapping{}
}

// Add appends a target-column -> spec entry, preserving insertion order.
func (m *ColumnMapping) Add(targetColumn string, spec ColumnSpec) *ColumnMapping {
	m.entries = append(m.entries, columnMappingEntry{TargetColumn: targetColumn, Spec: spec})
	return m
}

// Len reports the number of mapped columns.
func (m *ColumnMapping) Len() int { return len(m.entries) }

// Entries returns the ordered (target column, spec) pairs.
func (m *ColumnMapping) Entries() []columnMappingEntry { return m.entries }

// TargetColumns returns the ordered target column names.
func (m *ColumnMapping) TargetColumns() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.TargetColumn
	}
	return out
}

// FilterPredicate is the nested boolean predicate tree described in spec §4.6.
// Exactly one of Leaf/Not/And/Or is populated per node.
type FilterPredicate struct {
	// Leaf: implicit AND of per-column comparisons.
	Leaf map[string]ColumnOp

	Not *FilterPredicate
	And []*FilterPredicate
	Or  []*FilterPredicate
}

// ColumnOp is a single "<op>: <literal>" leaf comparison.
type ColumnOp struct {
	Op      CompareOp
	Literal interface{}
}

// CompareOp is one of the five leaf comparison operators.
type CompareOp string

const (
	OpEq  CompareOp = "eq"
	OpGt  CompareOp = "gt"
	OpGte CompareOp = "gte"
	OpLt  CompareOp = "lt"
	OpLte CompareOp = "lte"
)

// TargetRef is a parsed "{target}.{target_table}" reference.
type TargetRef struct {
	Target      string
	TargetTable string
}

func (t TargetRef) String() string { return t.Target + "." + t.TargetTable }

// MappingRule is one configuration entity keyed by "{source}.{source_table}"
// (spec §3), binding one source table to one target table.
type MappingRule struct {
	Key MappingKey

	Target        TargetRef
	PrimaryKey    string
	ColumnMapping *ColumnMapping
	Filter        *FilterPredicate // optional
	InitQuery     string           // optional
	SourceTable   string           // optional override of Key.SourceTable
}

// EffectiveSourceTable returns SourceTable if set, else Key.SourceTable.
func (r *MappingRule) EffectiveSourceTable() string {
	if r.SourceTable != "" {
		return r.SourceTable
	}
	return r.Key.SourceTable
}

// Validate checks the structural invariants spec.md calls out as
// configuration errors: a missing primary key or an empty column mapping.
func (r *MappingRule) Validate() error {
	if r.PrimaryKey == "" {
		return fmt.Errorf("mapping %s: primary_key is required", r.Key)
	}
	if r.ColumnMapping == nil || r.ColumnMapping.Len() == 0 {
		return fmt.Errorf("mapping %s: column_mapping must not be empty", r.Key)
	}
	if r.Target.Target == "" || r.Target.TargetTable == "" {
		return fmt.Errorf("mapping %s: target is required", r.Key)
	}
	return nil
}
