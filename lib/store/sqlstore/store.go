package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/store"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Options configures the SQLite document store.
type Options struct {
	// Path to the database file. ":memory:" works for tests.
	Path string
	// JournalMode sets the SQLite journal mode (default WAL)
	JournalMode string
	// BusyTimeout is the lock acquisition timeout in milliseconds
	BusyTimeout int
}

// DefaultOptions returns the default store options.
func DefaultOptions(path string) Options {
	return Options{
		Path:        path,
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// --------------------------------------------------------------------------
// Store Implementation
// --------------------------------------------------------------------------

// storeImpl implements store.IDocumentStore on a single SQLite database.
// database/sql serializes access per connection and the driver is safe for
// concurrent use; write atomicity comes from SQL transactions.
type storeImpl struct {
	db   *sql.DB
	opts Options
}

// NewSQLStore creates a SQLite-backed document store. Initialize must be
// called before first use.
func NewSQLStore(opts Options) store.IDocumentStore {
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5000
	}
	return &storeImpl{opts: opts}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Initialize() error {
	if s.opts.Path == "" {
		return store.NewError(store.RetCInvalidOperation, "sqlite store needs a database path")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		s.opts.Path, s.opts.JournalMode, s.opts.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to open database: %v", err))
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// batch application; reads still interleave through it fast enough
	// for the sync workload.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to initialize schema: %v", err))
	}

	s.db = db
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT    NOT NULL,
		key        TEXT    NOT NULL,
		data       BLOB    NOT NULL,
		ts_wall    INTEGER NOT NULL,
		ts_logic   INTEGER NOT NULL,
		ts_node    TEXT    NOT NULL,
		tombstone  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, key)
	);

	CREATE TABLE IF NOT EXISTS oplog (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT    NOT NULL,
		key        TEXT    NOT NULL,
		data       BLOB    NOT NULL,
		ts_wall    INTEGER NOT NULL,
		ts_logic   INTEGER NOT NULL,
		ts_node    TEXT    NOT NULL,
		operation  TEXT    NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_oplog_ts ON oplog (ts_wall, ts_logic, ts_node);

	CREATE TABLE IF NOT EXISTS peers (
		node_id   TEXT PRIMARY KEY,
		host      TEXT    NOT NULL,
		port      INTEGER NOT NULL,
		peer_type TEXT    NOT NULL,
		last_seen INTEGER NOT NULL,
		enabled   INTEGER NOT NULL
	);
`

func (s *storeImpl) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to close database: %v", err))
	}
	return nil
}

func (s *storeImpl) GetLatestTimestamp() (hlc.Timestamp, error) {
	row := s.db.QueryRow(`
		SELECT ts_wall, ts_logic, ts_node FROM documents
		ORDER BY ts_wall DESC, ts_logic DESC, ts_node DESC LIMIT 1`)

	var ts hlc.Timestamp
	err := row.Scan(&ts.WallTime, &ts.Logical, &ts.NodeID)
	if err == sql.ErrNoRows {
		return hlc.Zero, nil
	}
	if err != nil {
		return hlc.Zero, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to query latest timestamp: %v", err))
	}
	return ts, nil
}

func (s *storeImpl) GetDocument(collection, key string) (model.Document, bool, error) {
	row := s.db.QueryRow(`
		SELECT data, ts_wall, ts_logic, ts_node, tombstone
		FROM documents WHERE collection = ? AND key = ?`, collection, key)

	doc := model.Document{Collection: collection, Key: key}
	var tombstone int
	err := row.Scan(&doc.Data, &doc.Timestamp.WallTime, &doc.Timestamp.Logical, &doc.Timestamp.NodeID, &tombstone)
	if err == sql.ErrNoRows {
		return model.Document{}, false, nil
	}
	if err != nil {
		return model.Document{}, false, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to query document: %v", err))
	}
	doc.Tombstone = tombstone != 0
	if doc.Tombstone {
		doc.Data = nil
	}
	return doc, true, nil
}

func (s *storeImpl) PutDocument(doc model.Document) error {
	if doc.Collection == "" || doc.Key == "" {
		return store.NewError(store.RetCInvalidOperation, "document needs a collection and a key")
	}

	entry := model.OplogEntry{
		Collection: doc.Collection,
		Key:        doc.Key,
		Data:       doc.Data,
		Timestamp:  doc.Timestamp,
		Operation:  model.OpPut,
	}
	return s.applyTx([]model.Document{doc}, []model.OplogEntry{entry})
}

func (s *storeImpl) DeleteDocument(collection, key string, ts hlc.Timestamp) error {
	if collection == "" || key == "" {
		return store.NewError(store.RetCInvalidOperation, "delete needs a collection and a key")
	}

	doc := model.NewTombstone(collection, key, ts)
	entry := model.OplogEntry{
		Collection: collection,
		Key:        key,
		Timestamp:  ts,
		Operation:  model.OpDelete,
	}
	return s.applyTx([]model.Document{doc}, []model.OplogEntry{entry})
}

func (s *storeImpl) GetOplogAfter(ts hlc.Timestamp, limit int) ([]model.OplogEntry, error) {
	query := `
		SELECT collection, key, data, ts_wall, ts_logic, ts_node, operation FROM oplog
		WHERE (ts_wall > ?)
		   OR (ts_wall = ? AND ts_logic > ?)
		   OR (ts_wall = ? AND ts_logic = ? AND ts_node > ?)
		ORDER BY ts_wall ASC, ts_logic ASC, ts_node ASC`
	args := []any{ts.WallTime, ts.WallTime, ts.Logical, ts.WallTime, ts.Logical, ts.NodeID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to query oplog: %v", err))
	}
	defer rows.Close()

	entries := make([]model.OplogEntry, 0)
	for rows.Next() {
		var entry model.OplogEntry
		var op string
		if err := rows.Scan(&entry.Collection, &entry.Key, &entry.Data,
			&entry.Timestamp.WallTime, &entry.Timestamp.Logical, &entry.Timestamp.NodeID, &op); err != nil {
			return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to scan oplog row: %v", err))
		}
		entry.Operation = model.Operation(op)
		if entry.Operation == model.OpDelete {
			entry.Data = nil
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to read oplog rows: %v", err))
	}
	return entries, nil
}

func (s *storeImpl) ApplyBatch(docs []model.Document, oplog []model.OplogEntry) error {
	for _, doc := range docs {
		if doc.Collection == "" || doc.Key == "" {
			return store.NewError(store.RetCConflict, "batch rejected: document without identity")
		}
	}
	return s.applyTx(docs, oplog)
}

func (s *storeImpl) GetCollections() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to query collections: %v", err))
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to scan collection: %v", err))
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *storeImpl) FindDocuments(collection string, query model.QueryNode) ([]model.Document, error) {
	where, args, err := translateQuery(query)
	if err != nil {
		return nil, store.NewError(store.RetCInvalidOperation, err.Error())
	}

	sqlQuery := `
		SELECT key, data, ts_wall, ts_logic, ts_node FROM documents
		WHERE collection = ? AND tombstone = 0`
	queryArgs := append([]any{collection}, args...)
	if where != "" {
		sqlQuery += " AND " + where
	}
	sqlQuery += " ORDER BY key"

	rows, err := s.db.Query(sqlQuery, queryArgs...)
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to run query: %v", err))
	}
	defer rows.Close()

	out := make([]model.Document, 0)
	for rows.Next() {
		doc := model.Document{Collection: collection}
		if err := rows.Scan(&doc.Key, &doc.Data, &doc.Timestamp.WallTime, &doc.Timestamp.Logical, &doc.Timestamp.NodeID); err != nil {
			return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to scan document: %v", err))
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *storeImpl) GetRemotePeers() ([]model.RemotePeer, error) {
	rows, err := s.db.Query(`
		SELECT node_id, host, port, peer_type, last_seen, enabled
		FROM peers ORDER BY node_id`)
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to query peers: %v", err))
	}
	defer rows.Close()

	out := make([]model.RemotePeer, 0)
	for rows.Next() {
		var peer model.RemotePeer
		var peerType string
		var lastSeen int64
		var enabled int
		if err := rows.Scan(&peer.NodeID, &peer.Host, &peer.Port, &peerType, &lastSeen, &enabled); err != nil {
			return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to scan peer: %v", err))
		}
		peer.Type = model.PeerType(peerType)
		peer.LastSeen = unixMilliToTime(lastSeen)
		peer.Enabled = enabled != 0
		out = append(out, peer)
	}
	return out, rows.Err()
}

func (s *storeImpl) SaveRemotePeer(peer model.RemotePeer) error {
	if peer.NodeID == "" {
		return store.NewError(store.RetCInvalidOperation, "peer needs a node id")
	}

	lastSeen := int64(0)
	if !peer.LastSeen.IsZero() {
		lastSeen = peer.LastSeen.UnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO peers (node_id, host, port, peer_type, last_seen, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			host = excluded.host, port = excluded.port, peer_type = excluded.peer_type,
			last_seen = excluded.last_seen, enabled = excluded.enabled`,
		peer.NodeID, peer.Host, peer.Port, string(peer.Type), lastSeen, boolToInt(peer.Enabled))
	if err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to save peer: %v", err))
	}
	return nil
}

func (s *storeImpl) RemoveRemotePeer(nodeID string) error {
	if _, err := s.db.Exec(`DELETE FROM peers WHERE node_id = ?`, nodeID); err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to remove peer: %v", err))
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// applyTx upserts documents and appends oplog entries in one transaction.
// Rollback on any failure keeps the batch atomic.
func (s *storeImpl) applyTx(docs []model.Document, oplog []model.OplogEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to begin transaction: %v", err))
	}
	defer tx.Rollback()

	for _, doc := range docs {
		data := doc.Data
		if data == nil {
			data = []byte{}
		}
		_, err := tx.Exec(`
			INSERT INTO documents (collection, key, data, ts_wall, ts_logic, ts_node, tombstone)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (collection, key) DO UPDATE SET
				data = excluded.data, ts_wall = excluded.ts_wall, ts_logic = excluded.ts_logic,
				ts_node = excluded.ts_node, tombstone = excluded.tombstone`,
			doc.Collection, doc.Key, data, doc.Timestamp.WallTime, doc.Timestamp.Logical,
			doc.Timestamp.NodeID, boolToInt(doc.Tombstone))
		if err != nil {
			return store.NewError(store.RetCConflict, fmt.Sprintf("batch rejected: %v", err))
		}
	}

	for _, entry := range oplog {
		data := entry.Data
		if data == nil {
			data = []byte{}
		}
		_, err := tx.Exec(`
			INSERT INTO oplog (collection, key, data, ts_wall, ts_logic, ts_node, operation)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.Collection, entry.Key, data, entry.Timestamp.WallTime, entry.Timestamp.Logical,
			entry.Timestamp.NodeID, string(entry.Operation))
		if err != nil {
			return store.NewError(store.RetCConflict, fmt.Sprintf("batch rejected: %v", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("failed to commit batch: %v", err))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilliToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
