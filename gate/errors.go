package gate

import "fmt"

// ReadOnlyNodeError rejects a statement that would write a durable table on a
// node marked read-only.
type ReadOnlyNodeError struct {
	Statement string
	Table     string
}

func (e *ReadOnlyNodeError) Error() string {
	return fmt.Sprintf("%s may only affect unlogged or temporary tables on a read-only node; %s is a regular table",
		e.Statement, e.Table)
}

// NoReplicaIdentityError rejects an UPDATE or DELETE on a replicated table
// whose rows cannot be identified on peer nodes.
type NoReplicaIdentityError struct {
	Statement string
	Table     string
}

func (e *NoReplicaIdentityError) Error() string {
	return fmt.Sprintf("cannot run %s on table %s because it does not have a primary key; add a primary key to the table",
		e.Statement, e.Table)
}

// DDLLockHeldError rejects a write blocked by a cluster-wide schema change in
// progress on another transaction.
type DDLLockHeldError struct {
	Database string
	NodeID   uint64
	TxnID    uint64
}

func (e *DDLLockHeldError) Error() string {
	return fmt.Sprintf("database %s is locked for schema changes by txn %d on node %d",
		e.Database, e.TxnID, e.NodeID)
}
