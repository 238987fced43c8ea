package masterdata

// TableDef describes one replicated table: its wire columns (snake_case,
// matching both the database schema and the push/pull payloads) and the
// columns that need int->bool normalization when read back from SQLite.
type TableDef struct {
	Name        string
	Columns     []string
	BoolColumns []string
}

// HasColumn reports whether the table carries the named column.
func (t TableDef) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

var replCols = []string{"created_at", "updated_at", "deleted_at", "sync_status", "version", "last_server_seq"}

// ReplicatedTables lists every table the sync engine replicates, in
// dependency order: parents push and pull before the rows that
// reference them.
var ReplicatedTables = []TableDef{
	{
		Name:    "entity_types",
		Columns: append([]string{"id", "code", "name"}, replCols...),
	},
	{
		Name:        "attribute_defs",
		Columns:     append([]string{"id", "entity_type_id", "code", "name", "data_type", "is_required", "sort_order", "meta_json"}, replCols...),
		BoolColumns: []string{"is_required"},
	},
	{
		Name:    "entities",
		Columns: append([]string{"id", "type_id"}, replCols...),
	},
	{
		Name:    "attribute_values",
		Columns: append([]string{"id", "entity_id", "attribute_def_id", "value_json"}, replCols...),
	},
}

var tablesByName = func() map[string]TableDef {
	m := make(map[string]TableDef, len(ReplicatedTables))
	for _, t := range ReplicatedTables {
		m[t.Name] = t
	}
	return m
}()

// TableByName returns the replicated table definition, or ok=false for
// tables the sync engine does not know.
func TableByName(name string) (TableDef, bool) {
	t, ok := tablesByName[name]
	return t, ok
}
