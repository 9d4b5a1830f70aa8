// Package store defines the durable backend contract of the document
// engine: JSON documents organized into collections, the append-only
// operation log used as the replication channel, and the registry of
// remote peers.
//
// The package focuses on:
//   - A unified interface (IDocumentStore) for document, oplog and peer
//     operations across different backends
//   - Atomicity requirements that keep documents and their oplog entries
//     consistent (a write is never visible without its log record)
//   - A structured error system using typed return codes
//
// Implementations:
//
//	The repository ships two implementations of the IDocumentStore
//	interface:
//
//	- In-Memory Store (memstore): mutex-guarded maps with an HLC-sorted
//	  oplog slice. Used by tests, the perf tool and as the default for
//	  single-process experiments. Available in the
//	  "github.com/ValentinKolb/dDoc/lib/store/memstore" package.
//
//	- SQLite Store (sqlstore): a persistent implementation on top of
//	  modernc.org/sqlite (pure Go driver) with WAL journaling and
//	  transactional batch application. Available in the
//	  "github.com/ValentinKolb/dDoc/lib/store/sqlstore" package.
//
// The conformance suite in "lib/store/testing" runs the same behavioral
// tests against any implementation, so backends can be swapped without
// re-auditing the replication core.
package store
