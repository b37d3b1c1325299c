package gate

import (
	"regexp"
	"strings"

	rqlitesql "github.com/rqlite/sql"
)

// StatementKind is the coarse statement category the gate dispatches on.
type StatementKind int

const (
	StatementUnsupported StatementKind = iota
	StatementSelect
	StatementInsert
	StatementReplace
	StatementUpdate
	StatementDelete
	StatementDDL
	StatementTxnControl
	StatementAdmin
)

// Classification is the AST-derived shape of one statement, as the gate
// checks need it.
type Classification struct {
	Kind  StatementKind
	Tag   string // command tag for queueing and error messages
	Table string // target table for DML and table-scoped DDL, else empty

	// PerformsWrites is true for any statement that can modify rows or
	// schema. A SELECT with a row-locking suffix counts as a write.
	PerformsWrites bool

	// PlainInsert marks a bare INSERT with no conflict clause and no
	// row-locking suffix. These need no replica identity and take the gate
	// fast path.
	PlainInsert bool

	// RowLocking is set when a FOR UPDATE / FOR SHARE suffix was present.
	RowLocking bool
}

var lockingSuffixRe = regexp.MustCompile(`(?i)\s+FOR\s+(UPDATE|SHARE)\s*;?\s*$`)

// Classify parses one statement and derives its gate-relevant shape.
// Statements the parser cannot handle classify as unsupported writes, so the
// gate fails safe rather than letting an unknown statement slip past.
func Classify(sqlText string) *Classification {
	c := &Classification{Kind: StatementUnsupported, Tag: "UNKNOWN", PerformsWrites: true}

	// Row-locking suffixes are not SQLite grammar; strip and remember them.
	text := sqlText
	if lockingSuffixRe.MatchString(text) {
		c.RowLocking = true
		text = lockingSuffixRe.ReplaceAllString(text, "")
	}

	parser := rqlitesql.NewParser(strings.NewReader(text))
	astStmt, err := parser.ParseStatement()
	if err != nil {
		return c
	}

	switch s := astStmt.(type) {
	case *rqlitesql.InsertStatement:
		if s.InsertOrReplace.IsValid() || s.Replace.IsValid() {
			c.Kind = StatementReplace
			c.Tag = "REPLACE"
		} else {
			c.Kind = StatementInsert
			c.Tag = "INSERT"
			c.PlainInsert = s.UpsertClause == nil && !c.RowLocking
		}
		c.PerformsWrites = true
		c.Table = rqlitesql.IdentName(s.Table)

	case *rqlitesql.UpdateStatement:
		c.Kind = StatementUpdate
		c.Tag = "UPDATE"
		c.PerformsWrites = true
		if s.Table != nil {
			c.Table = s.Table.TableName()
		}

	case *rqlitesql.DeleteStatement:
		c.Kind = StatementDelete
		c.Tag = "DELETE"
		c.PerformsWrites = true
		if s.Table != nil {
			c.Table = s.Table.TableName()
		}

	case *rqlitesql.SelectStatement:
		c.Kind = StatementSelect
		c.Tag = "SELECT"
		// A locked SELECT acquires write intents and is gated like DML.
		c.PerformsWrites = c.RowLocking
		if c.RowLocking {
			c.Tag = "DML"
		}

	case *rqlitesql.CreateTableStatement:
		c.Kind = StatementDDL
		c.Tag = "CREATE TABLE"
		c.PerformsWrites = true
		c.Table = rqlitesql.IdentName(s.Name)

	case *rqlitesql.CreateIndexStatement:
		c.Kind = StatementDDL
		c.Tag = "CREATE INDEX"
		c.PerformsWrites = true
		c.Table = rqlitesql.IdentName(s.Table)

	case *rqlitesql.CreateViewStatement:
		c.Kind = StatementDDL
		c.Tag = "CREATE VIEW"
		c.PerformsWrites = true

	case *rqlitesql.CreateTriggerStatement:
		c.Kind = StatementDDL
		c.Tag = "CREATE TRIGGER"
		c.PerformsWrites = true

	case *rqlitesql.DropTableStatement:
		c.Kind = StatementDDL
		c.Tag = "DROP TABLE"
		c.PerformsWrites = true
		c.Table = rqlitesql.IdentName(s.Name)

	case *rqlitesql.DropIndexStatement:
		// Names only the index, not its table; Table stays empty and cached
		// descriptors must be invalidated wholesale.
		c.Kind = StatementDDL
		c.Tag = "DROP INDEX"
		c.PerformsWrites = true

	case *rqlitesql.DropViewStatement:
		c.Kind = StatementDDL
		c.Tag = "DROP VIEW"
		c.PerformsWrites = true

	case *rqlitesql.DropTriggerStatement:
		c.Kind = StatementDDL
		c.Tag = "DROP TRIGGER"
		c.PerformsWrites = true

	case *rqlitesql.AlterTableStatement:
		c.Kind = StatementDDL
		c.Tag = "ALTER TABLE"
		c.PerformsWrites = true
		c.Table = rqlitesql.IdentName(s.Name)

	case *rqlitesql.BeginStatement, *rqlitesql.CommitStatement,
		*rqlitesql.RollbackStatement, *rqlitesql.SavepointStatement,
		*rqlitesql.ReleaseStatement:
		c.Kind = StatementTxnControl
		c.Tag = "TXN"
		c.PerformsWrites = false

	case *rqlitesql.AnalyzeStatement, *rqlitesql.ExplainStatement:
		c.Kind = StatementAdmin
		c.Tag = "ADMIN"
		c.PerformsWrites = false
	}

	return c
}

// IsDML reports whether the classification targets table rows.
func (c *Classification) IsDML() bool {
	switch c.Kind {
	case StatementInsert, StatementReplace, StatementUpdate, StatementDelete:
		return true
	case StatementSelect:
		return c.RowLocking
	}
	return false
}

// NeedsReplicaIdentity reports whether the statement produces change records
// that must locate rows on peer nodes.
func (c *Classification) NeedsReplicaIdentity() bool {
	switch c.Kind {
	case StatementUpdate, StatementDelete, StatementReplace:
		return true
	case StatementSelect:
		return c.RowLocking
	}
	return false
}
