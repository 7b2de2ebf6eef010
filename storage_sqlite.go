package fragbench

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDataExt is the file extension of the SQLite store's database file.
// SQLite keeps its WAL and shared-memory index next to it, as
// <name>.sqlite-wal and <name>.sqlite-shm.
const SQLiteDataExt = "sqlite"

type SQLiteOptions struct {
	// Name is the base name of the database file.
	Name string

	Compression Compression

	// NoSync sets synchronous=OFF.
	NoSync bool

	NodeName string
	Listener LifecycleListener

	Logger  *slog.Logger
	Verbose bool
}

// SQLiteStore keeps records in an SQLite database running in WAL mode.
type SQLiteStore struct {
	db          *sql.DB
	path        string
	name        string
	compression Compression
	logger      *slog.Logger
	verbose     bool
	node        string
	listener    LifecycleListener
	closed      atomic.Bool
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ StatsReporter = (*SQLiteStore)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	type  TEXT NOT NULL,
	value BLOB NOT NULL
);`

func OpenSQLite(dir string, opt SQLiteOptions) (*SQLiteStore, error) {
	if opt.Name == "" {
		opt.Name = "records"
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if err := opt.Compression.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}

	path := filepath.Join(dir, opt.Name+"."+SQLiteDataExt)
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if opt.NoSync {
		dsn += "&_synchronous=OFF"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		path:        path,
		name:        opt.Name,
		compression: opt.Compression,
		logger:      opt.Logger,
		verbose:     opt.Verbose,
		node:        opt.NodeName,
		listener:    opt.Listener,
	}
	notifyStatus(s.listener, s.node, s.name, StatusOnline)
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Begin(ctx context.Context) (Txn, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTxn{store: s, ctx: ctx, tx: tx}, nil
}

func (s *SQLiteStore) RecordIDs(ctx context.Context) ([]RecordID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []RecordID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, RecordID(id))
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) StoreStats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	var pageSize, pageCount, freePages int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM records`).Scan(&st.Records)
	if err != nil {
		return st, err
	}
	for _, p := range []struct {
		pragma string
		dest   *int64
	}{
		{"page_size", &pageSize},
		{"page_count", &pageCount},
		{"freelist_count", &freePages},
	} {
		if err := s.db.QueryRowContext(ctx, "PRAGMA "+p.pragma).Scan(p.dest); err != nil {
			return st, fmt.Errorf("PRAGMA %s: %w", p.pragma, err)
		}
	}
	st.DataAlloc = pageCount * pageSize
	st.DataInuse = (pageCount - freePages) * pageSize
	st.FileSize = st.DataAlloc
	return st, nil
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.db.Close()
	notifyStatus(s.listener, s.node, s.name, StatusOffline)
	if err != nil {
		return fmt.Errorf("sqlite store: closing: %w", err)
	}
	return nil
}

type sqliteTxn struct {
	store  *SQLiteStore
	ctx    context.Context
	tx     *sql.Tx
	closed bool
}

func (txn *sqliteTxn) AddRecord(typeTag, payload string) (RecordID, error) {
	if txn.closed {
		return 0, ErrTxClosed
	}
	value, err := encodeRecord(nil, &record{Type: typeTag, Props: map[string]string{PayloadProperty: payload}}, txn.store.compression)
	if err != nil {
		return 0, err
	}
	res, err := txn.tx.ExecContext(txn.ctx, `INSERT INTO records (type, value) VALUES (?, ?)`, typeTag, value)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return RecordID(id), nil
}

func (txn *sqliteTxn) DeleteRecord(id RecordID) error {
	if txn.closed {
		return ErrTxClosed
	}
	res, err := txn.tx.ExecContext(txn.ctx, `DELETE FROM records WHERE id = ?`, int64(id))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (txn *sqliteTxn) ClearProperties(id RecordID) error {
	rec, err := txn.get(id)
	if err != nil {
		return err
	}
	rec.Props = nil
	return txn.put(id, rec)
}

func (txn *sqliteTxn) SetPayload(id RecordID, payload string) error {
	rec, err := txn.get(id)
	if err != nil {
		return err
	}
	if rec.Props == nil {
		rec.Props = make(map[string]string, 1)
	}
	rec.Props[PayloadProperty] = payload
	return txn.put(id, rec)
}

func (txn *sqliteTxn) Payload(id RecordID) (string, bool, error) {
	rec, err := txn.get(id)
	if err != nil {
		return "", false, err
	}
	v, ok := rec.payload()
	return v, ok, nil
}

func (txn *sqliteTxn) get(id RecordID) (*record, error) {
	if txn.closed {
		return nil, ErrTxClosed
	}
	var value []byte
	err := txn.tx.QueryRowContext(txn.ctx, `SELECT value FROM records WHERE id = ?`, int64(id)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeRecord(value)
}

func (txn *sqliteTxn) put(id RecordID, rec *record) error {
	value, err := encodeRecord(nil, rec, txn.store.compression)
	if err != nil {
		return err
	}
	res, err := txn.tx.ExecContext(txn.ctx, `UPDATE records SET value = ? WHERE id = ?`, value, int64(id))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (txn *sqliteTxn) Commit() error {
	if txn.closed {
		return ErrTxClosed
	}
	txn.closed = true
	return txn.tx.Commit()
}

func (txn *sqliteTxn) Rollback() error {
	if txn.closed {
		return nil
	}
	txn.closed = true
	err := txn.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
