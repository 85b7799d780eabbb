// TableSpec types live here so both the loader and the backend packages can
// import them without circular deps.
package storage

type TableSpec struct {
	Name            string           `json:"name"`
	AutoCreateTable bool             `json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns         []ColumnSpec     `json:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty"`
	Load            LoadSpec         `json:"load"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // e.g. serial, varchar(20)
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
	Default    string `json:"default,omitempty"` // raw SQL literal
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	Kind string `json:"kind"` // "dimension" | "fact"

	// dimension
	Conflict *ConflictSpec `json:"conflict,omitempty"`

	// fact
	Dedupe *DedupeSpec `json:"dedupe,omitempty"`
}

type DedupeSpec struct {
	ConflictColumns []string `json:"conflict_columns"`
	Action          string   `json:"action"` // "do_nothing"
}

type ConflictSpec struct {
	TargetColumns []string `json:"target_columns"`
	Action        string   `json:"action"` // "do_nothing"
}

// ColumnNames returns the primary key (when it is not generated) followed by
// the declared columns, in DDL order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil && !IsGeneratedKeyType(t.PrimaryKey.Type) {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// IsGeneratedKeyType reports whether a primary key type is filled in by the
// database (serial / identity).
func IsGeneratedKeyType(typ string) bool {
	switch normalizeType(typ) {
	case "serial", "bigserial", "identity", "int identity", "integer identity":
		return true
	}
	return false
}

func boolPtr(v bool) *bool { return &v }
