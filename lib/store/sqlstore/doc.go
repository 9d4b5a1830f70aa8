// Package sqlstore provides the persistent implementation of the
// store.IDocumentStore interface on top of SQLite via the pure Go driver
// modernc.org/sqlite.
//
// Documents, the oplog and the peer registry live in three tables; HLC
// timestamps are stored flattened (ts_wall, ts_logic, ts_node) so the HLC
// total order maps directly onto a composite index and ORDER BY. All write
// paths (put, delete, batch application) run inside a transaction, which
// provides the document/oplog atomicity the contract demands. Queries over
// document content translate the typed filter tree into json_extract
// expressions with bound arguments.
package sqlstore
