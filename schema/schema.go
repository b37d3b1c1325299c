// Package schema loads and caches table and index descriptors for the write
// gate and the row locator. Descriptors are read from the SQLite catalog
// pragmas; the replica-identity rules live here so every consumer agrees on
// which index identifies a row.
package schema

import (
	"database/sql"
	"fmt"
	"strings"
)

// Column describes a single table column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	IsPK     bool
	Position int // 0-based position in the table
}

// IndexColumn is one key column of an index.
type IndexColumn struct {
	Name      string // empty for expression columns
	TableCol  int    // table column position; -1 = rowid, -2 = expression
	Collation string // equality operator family ("BINARY", "NOCASE", "RTRIM")
}

// Index describes a table index as relevant to replica identity selection.
type Index struct {
	Name       string
	Unique     bool
	Partial    bool
	Expression bool
	Columns    []IndexColumn
}

// Eligible reports whether the index may serve as a replica identity.
// Only unique, non-expression, non-partial indexes qualify.
func (ix *Index) Eligible() bool {
	return ix.Unique && !ix.Expression && !ix.Partial
}

// Table describes a table plus the indexes defined on it.
type Table struct {
	Name    string
	Durable bool // false for temp tables
	Columns []Column
	Indexes []Index
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnAt returns the column at the given table position, or nil.
func (t *Table) ColumnAt(pos int) *Column {
	if pos < 0 || pos >= len(t.Columns) {
		return nil
	}
	return &t.Columns[pos]
}

// PrimaryKeys returns the PK column names in declaration order.
func (t *Table) PrimaryKeys() []string {
	var pks []string
	for _, col := range t.Columns {
		if col.IsPK {
			pks = append(pks, col.Name)
		}
	}
	return pks
}

// ReplicaIdentity returns the index that identifies rows of this table for
// replication: the primary key when eligible, otherwise the first eligible
// unique index. Returns nil when the table has no usable identity.
func (t *Table) ReplicaIdentity() *Index {
	for i := range t.Indexes {
		if t.Indexes[i].Name == pkIndexName && t.Indexes[i].Eligible() {
			return &t.Indexes[i]
		}
	}
	for i := range t.Indexes {
		if t.Indexes[i].Eligible() {
			return &t.Indexes[i]
		}
	}
	return nil
}

// IsCatalog reports whether the name refers to the engine catalog or sable's
// own bookkeeping tables. Direct writes to these are never gated.
func IsCatalog(table string) bool {
	return strings.HasPrefix(table, "sqlite_") || strings.HasPrefix(table, "__sable_")
}

// pkIndexName is the synthetic index name used for a table's primary key.
// SQLite does not materialize an index for INTEGER PRIMARY KEY tables, so the
// loader synthesizes one to give the PK a uniform descriptor.
const pkIndexName = "(pk)"

// Load reads the full descriptor for one table from the catalog pragmas.
func Load(db *sql.DB, table string) (*Table, error) {
	t := &Table{Name: table, Durable: true}

	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	pos := 0
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		t.Columns = append(t.Columns, Column{
			Name:     name,
			Type:     colType,
			Nullable: notNull == 0,
			IsPK:     pk > 0,
			Position: pos,
		})
		pos++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("no such table: %s", table)
	}

	// Temp tables live in the temp schema and produce no durable WAL records
	var tempCount int
	err = db.QueryRow(
		"SELECT COUNT(*) FROM temp.sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&tempCount)
	if err == nil && tempCount > 0 {
		t.Durable = false
	}

	if err := loadIndexes(db, t); err != nil {
		return nil, err
	}

	return t, nil
}

func loadIndexes(db *sql.DB, t *Table) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_list(%q)", t.Name))
	if err != nil {
		return fmt.Errorf("index_list %s: %w", t.Name, err)
	}

	type listed struct {
		name    string
		unique  bool
		origin  string
		partial bool
	}
	var indexes []listed
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return fmt.Errorf("index_list %s: %w", t.Name, err)
		}
		indexes = append(indexes, listed{name: name, unique: unique == 1, origin: origin, partial: partial == 1})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index_list %s: %w", t.Name, err)
	}

	pkMaterialized := false
	for _, ix := range indexes {
		idx := Index{Name: ix.name, Unique: ix.unique, Partial: ix.partial}
		if ix.origin == "pk" {
			idx.Name = pkIndexName
			pkMaterialized = true
		}
		if err := loadIndexColumns(db, ix.name, &idx); err != nil {
			return err
		}
		t.Indexes = append(t.Indexes, idx)
	}

	// INTEGER PRIMARY KEY (rowid alias) tables have no pk index in the
	// catalog; synthesize one so the PK is always addressable as an identity.
	if !pkMaterialized {
		if pks := t.PrimaryKeys(); len(pks) > 0 {
			idx := Index{Name: pkIndexName, Unique: true}
			for _, pk := range pks {
				col := t.Column(pk)
				idx.Columns = append(idx.Columns, IndexColumn{
					Name:      pk,
					TableCol:  col.Position,
					Collation: "BINARY",
				})
			}
			t.Indexes = append([]Index{idx}, t.Indexes...)
		}
	}

	return nil
}

func loadIndexColumns(db *sql.DB, indexName string, idx *Index) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_xinfo(%q)", indexName))
	if err != nil {
		return fmt.Errorf("index_xinfo %s: %w", indexName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
			desc  int
			coll  string
			key   int
		)
		if err := rows.Scan(&seqno, &cid, &name, &desc, &coll, &key); err != nil {
			return fmt.Errorf("index_xinfo %s: %w", indexName, err)
		}
		if key == 0 {
			continue // trailing rowid/covering columns are not key columns
		}
		if cid == -2 {
			idx.Expression = true
		}
		idx.Columns = append(idx.Columns, IndexColumn{
			Name:      name.String,
			TableCol:  cid,
			Collation: coll,
		})
	}
	return rows.Err()
}
