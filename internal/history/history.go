// Package history is a local, append-only journal of what a session did:
// every connect, partition transfer, and disconnect, so a caller can answer
// "what did the last run do" without re-parsing engine logs.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// Record is one journaled event.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Engine    string    `json:"engine"`
	Operation string    `json:"operation"`
	Partition string    `json:"partition,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal is a bbolt-backed append-only log of Records, keyed by an
// incrementing sequence number so iteration is chronological.
type Journal struct {
	db *bbolt.DB
}

// Open creates or opens a journal at path, creating its bucket if absent.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database file.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes one record, assigning it the next sequence number in the
// bucket.
func (j *Journal) Append(rec Record) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(itob(seq), data)
	})
}

// Recent returns up to limit of the most recently appended records, newest
// first. limit <= 0 returns every record.
func (j *Journal) Recent(limit int) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
