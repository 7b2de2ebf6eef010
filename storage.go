package fragbench

import (
	"context"
	"errors"
)

// PayloadProperty is the record property that holds the text payload.
const PayloadProperty = "text"

var (
	// ErrRecordNotFound is returned by Txn methods addressing a record that
	// doesn't exist (or has already been deleted).
	ErrRecordNotFound = errors.New("record not found")

	// ErrTxClosed is returned when using a transaction after Commit or Rollback.
	ErrTxClosed = errors.New("transaction closed")

	// ErrStoreClosed is returned by Begin after the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// RecordID identifies a record. IDs are assigned by the store and are never
// handed out again once the record has been deleted.
type RecordID uint64

// Store is a transactional record store holding variable-length text
// payloads (Bolt, SQLite, in-memory, etc.).
type Store interface {
	// Begin starts a new writable transaction. Stores may allow only one
	// writable transaction at a time, in which case Begin blocks.
	Begin(ctx context.Context) (Txn, error)

	// RecordIDs enumerates identifiers of all live records.
	RecordIDs(ctx context.Context) ([]RecordID, error)

	// Close closes the store. Open transactions must be finished first.
	Close() error
}

// Txn is a store transaction. Mutations become visible to other
// transactions only after Commit succeeds.
type Txn interface {
	// AddRecord creates a record of the given type holding payload.
	AddRecord(typeTag, payload string) (RecordID, error)

	// DeleteRecord removes the record, leaving whatever residue the
	// store keeps for deleted records.
	DeleteRecord(id RecordID) error

	// ClearProperties removes all properties of the record, keeping
	// its identifier and storage slot.
	ClearProperties(id RecordID) error

	// SetPayload stores payload into the record's text property.
	SetPayload(id RecordID, payload string) error

	// Payload returns the text payload of the record; ok is false if the
	// record exists but has no payload.
	Payload(id RecordID) (payload string, ok bool, err error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It is safe to call after Commit and
	// multiple times.
	Rollback() error
}

// StatsReporter is implemented by stores that can report their internal
// space accounting.
type StatsReporter interface {
	StoreStats(ctx context.Context) (StoreStats, error)
}

// StoreStats describes store-internal space usage.
type StoreStats struct {
	Records    int   `json:"records"`
	Tombstones int   `json:"tombstones"`
	DataInuse  int64 `json:"data_inuse"`
	DataAlloc  int64 `json:"data_alloc"`
	MetaInuse  int64 `json:"meta_inuse"`
	MetaAlloc  int64 `json:"meta_alloc"`
	FileSize   int64 `json:"file_size"`
}

func (s StoreStats) TotalInuse() int64 { return s.DataInuse + s.MetaInuse }

func (s StoreStats) TotalAlloc() int64 { return s.DataAlloc + s.MetaAlloc }

// InTxn runs f inside a new transaction, committing if f succeeds and
// rolling back otherwise. The transaction is always finished on return,
// including when f panics. A failure of any step is reported as a
// *CommitError.
func InTxn(ctx context.Context, store Store, f func(txn Txn) error) error {
	txn, err := store.Begin(ctx)
	if err != nil {
		return &CommitError{Op: "begin", Err: err}
	}
	defer txn.Rollback()

	err = safelyCall(f, txn)
	if err != nil {
		if rerr := txn.Rollback(); rerr != nil {
			return &CommitError{Op: "rollback", Err: errors.Join(err, rerr)}
		}
		return &CommitError{Op: "mutate", Err: err}
	}
	err = txn.Commit()
	if err != nil {
		return &CommitError{Op: "commit", Err: err}
	}
	return nil
}
