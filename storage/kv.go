// Package storage implements the persistence of the ballot server: a
// key/value database backed by bbolt for keys, ballots, receipts and profiles,
// and JSON files for the ledger chain and its snapshots.
//
// The database is an explicit handle. It is opened once by the caller, passed
// to every component and closed when the process stops.
package storage

import (
	"bytes"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// Bucket is a general interface to operate on a database bucket.
type Bucket interface {
	// Get reads the key from the bucket and returns the value, or nil if the
	// key does not exist.
	Get(key []byte) []byte

	// Set assigns the value to the provided key.
	Set(key, value []byte) error

	// Delete deletes the key from the bucket.
	Delete(key []byte) error

	// ForEach iterates over all the items in the bucket in key order. The
	// iteration stops when the callback returns an error.
	ForEach(func(k, v []byte) error) error

	// Scan iterates over every key that matches the prefix. The iteration
	// stops when the callback returns an error.
	Scan(prefix []byte, fn func(k, v []byte) error) error
}

// ReadableTx allows one to perform read-only atomic operations on the database.
type ReadableTx interface {
	// GetBucket returns the bucket of the given name if it exists, otherwise it
	// returns nil.
	GetBucket(name []byte) Bucket
}

// WritableTx allows one to perform atomic operations on the database.
type WritableTx interface {
	ReadableTx

	// GetBucketOrCreate returns the bucket of the given name if it exists, or
	// it creates it.
	GetBucketOrCreate(name []byte) (Bucket, error)
}

// DB is a general interface to operate over a key/value database.
type DB interface {
	// View executes the provided read-only transaction.
	View(fn func(ReadableTx) error) error

	// Update executes the provided writable transaction. Every write done in
	// the callback is committed atomically, or none when it returns an error.
	Update(fn func(WritableTx) error) error

	// Close closes the database and frees the resources.
	Close() error
}

// boltDB is an adapter of the KV store using bbolt.
//
// - implements storage.DB
type boltDB struct {
	bolt *bbolt.DB
}

// Open opens, or creates, the database file at path.
func Open(path string) (DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open db: %v", err)
	}

	return boltDB{bolt: db}, nil
}

// View implements storage.DB.
func (db boltDB) View(fn func(ReadableTx) error) error {
	return db.bolt.View(func(txn *bbolt.Tx) error {
		return fn(boltTx{txn: txn})
	})
}

// Update implements storage.DB.
func (db boltDB) Update(fn func(WritableTx) error) error {
	return db.bolt.Update(func(txn *bbolt.Tx) error {
		return fn(boltTx{txn: txn})
	})
}

// Close implements storage.DB. Any view or update call will result in an
// error after this function is called.
func (db boltDB) Close() error {
	return db.bolt.Close()
}

// boltTx is the adapter of a bbolt transaction.
//
// - implements storage.WritableTx
type boltTx struct {
	txn *bbolt.Tx
}

// GetBucket implements storage.ReadableTx.
func (tx boltTx) GetBucket(name []byte) Bucket {
	bucket := tx.txn.Bucket(name)
	if bucket == nil {
		return nil
	}

	return boltBucket{bucket: bucket}
}

// GetBucketOrCreate implements storage.WritableTx.
func (tx boltTx) GetBucketOrCreate(name []byte) (Bucket, error) {
	bucket, err := tx.txn.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, xerrors.Errorf("failed to create bucket: %v", err)
	}

	return boltBucket{bucket: bucket}, nil
}

// boltBucket is the adapter of a bbolt bucket.
//
// - implements storage.Bucket
type boltBucket struct {
	bucket *bbolt.Bucket
}

// Get implements storage.Bucket. The returned slice is only valid during the
// transaction.
func (b boltBucket) Get(key []byte) []byte {
	return b.bucket.Get(key)
}

// Set implements storage.Bucket.
func (b boltBucket) Set(key, value []byte) error {
	return b.bucket.Put(key, value)
}

// Delete implements storage.Bucket.
func (b boltBucket) Delete(key []byte) error {
	return b.bucket.Delete(key)
}

// ForEach implements storage.Bucket.
func (b boltBucket) ForEach(fn func(k, v []byte) error) error {
	return b.bucket.ForEach(fn)
}

// Scan implements storage.Bucket.
func (b boltBucket) Scan(prefix []byte, fn func(k, v []byte) error) error {
	cursor := b.bucket.Cursor()

	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		err := fn(k, v)
		if err != nil {
			return xerrors.Errorf("callback failed: %v", err)
		}
	}

	return nil
}

// GetJSON decodes the value of key into v. It returns false when the bucket is
// nil or the key is absent.
func GetJSON(b Bucket, key []byte, v interface{}) (bool, error) {
	if b == nil {
		return false, nil
	}

	data := b.Get(key)
	if data == nil {
		return false, nil
	}

	err := json.Unmarshal(data, v)
	if err != nil {
		return true, xerrors.Errorf("failed to decode '%s': %v", key, err)
	}

	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(b Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("failed to encode '%s': %v", key, err)
	}

	return b.Set(key, data)
}

// CompositeKey joins the parts with a separator that cannot appear in
// identifiers handed out by the session layer.
func CompositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0x1f)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}
