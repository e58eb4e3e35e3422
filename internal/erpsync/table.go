package erpsync

import (
	"fmt"
	"sort"
	"strings"
)

// Table describes one synchronizable table. Catalog tables are visible
// company-wide (rows may omit a location); transactional tables are
// bound to a location and pulled inside a rolling business-date window
// so a fresh client never re-streams their full history.
type Table struct {
	Name              string
	Transactional     bool
	DefaultWindowDays int
}

const DefaultTxnWindowDays = 30

var tableRegistry = map[string]Table{
	"products":   {Name: "products"},
	"categories": {Name: "categories"},
	"customers":  {Name: "customers"},
	"sales":      {Name: "sales", Transactional: true, DefaultWindowDays: DefaultTxnWindowDays},
}

// LookupTable resolves a table name against the fixed registry.
func LookupTable(name string) (Table, bool) {
	t, ok := tableRegistry[strings.TrimSpace(name)]
	return t, ok
}

// TableNames returns the registered table names in stable order.
func TableNames() []string {
	names := make([]string, 0, len(tableRegistry))
	for name := range tableRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateTable returns ErrInvalidTable for names outside the registry.
func ValidateTable(name string) (Table, error) {
	t, ok := LookupTable(name)
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return t, nil
}
