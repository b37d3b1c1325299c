package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sable-db/sable/schema"
)

// Row is a tuple addressed by table column position. A nil element is NULL.
type Row []any

var (
	// ErrCorruptIndex signals index metadata that does not line up with its
	// table. This is never a user error.
	ErrCorruptIndex = errors.New("corrupt index metadata")

	// ErrNoEqualityOperator signals an index key column whose collation has
	// no registered equality semantics.
	ErrNoEqualityOperator = errors.New("no equality operator for collation")
)

// equalityCollations are the collations the locator knows how to compare
// under. Custom collations registered by the application are rejected because
// their equality semantics are not visible here.
var equalityCollations = map[string]struct{}{
	"BINARY": {},
	"NOCASE": {},
	"RTRIM":  {},
}

// ScanKeyEntry is one column-equality condition of a scan key.
type ScanKeyEntry struct {
	Column    string
	TableCol  int
	Collation string
	Value     any // nil when the source row had NULL in this column
}

// ScanKey is an equality predicate over the key columns of a unique index,
// with values taken from a row image. When HasNulls is set the key cannot
// identify a unique row and callers must treat the identity as unusable.
type ScanKey struct {
	Table    string
	Index    string
	Entries  []ScanKeyEntry
	HasNulls bool
}

// BuildScanKey derives the equality predicate locating row via index.
// The index must be a usable replica identity for the table.
func BuildScanKey(table *schema.Table, index *schema.Index, row Row) (*ScanKey, error) {
	if !index.Eligible() {
		return nil, fmt.Errorf("%w: index %s on %s is not unique over plain columns",
			ErrCorruptIndex, index.Name, table.Name)
	}

	key := &ScanKey{Table: table.Name, Index: index.Name}
	for _, ic := range index.Columns {
		col := table.ColumnAt(ic.TableCol)
		if col == nil || col.Name != ic.Name {
			return nil, fmt.Errorf("%w: index %s column %q does not match table %s",
				ErrCorruptIndex, index.Name, ic.Name, table.Name)
		}
		if _, ok := equalityCollations[strings.ToUpper(ic.Collation)]; !ok {
			return nil, fmt.Errorf("%w %q on %s.%s",
				ErrNoEqualityOperator, ic.Collation, table.Name, col.Name)
		}
		if ic.TableCol >= len(row) {
			return nil, fmt.Errorf("%w: row has %d columns, index %s wants column %d",
				ErrCorruptIndex, len(row), index.Name, ic.TableCol)
		}

		v := row[ic.TableCol]
		if v == nil {
			key.HasNulls = true
		}
		key.Entries = append(key.Entries, ScanKeyEntry{
			Column:    col.Name,
			TableCol:  ic.TableCol,
			Collation: strings.ToUpper(ic.Collation),
			Value:     v,
		})
	}

	return key, nil
}

// WhereClause renders the predicate as SQL plus bind arguments.
// NULL values render as IS NULL so the clause is always valid, even though a
// key with NULLs cannot match a unique row.
func (k *ScanKey) WhereClause() (string, []any) {
	var (
		parts []string
		args  []any
	)
	for _, e := range k.Entries {
		if e.Value == nil {
			parts = append(parts, fmt.Sprintf("%q IS NULL", e.Column))
			continue
		}
		parts = append(parts, fmt.Sprintf("%q = ? COLLATE %s", e.Column, e.Collation))
		args = append(args, e.Value)
	}
	return strings.Join(parts, " AND "), args
}

// RowKey serializes the key for the lock store.
func (k *ScanKey) RowKey() string {
	values := make(map[string]any, len(k.Entries))
	for _, e := range k.Entries {
		values[e.Column] = e.Value
	}
	return SerializeRowKey(k.Table, values)
}
